package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/go-github/v28/github"
	"golang.org/x/oauth2"

	pipeerrors "github.com/deckhand-ci/deckhand/errors"
)

// IssuesAPI defines the GitHub operations used by this package. The
// interface abstracts the go-github issues service to enable testing with
// mocks; pull request comment threads are issue comment threads.
type IssuesAPI interface {
	// CreateComment appends a comment to an issue or pull request.
	CreateComment(
		ctx context.Context,
		owner, repo string,
		number int,
		comment *github.IssueComment,
	) (*github.IssueComment, *github.Response, error)
}

// Verify that the go-github issues service implements our interface.
var _ IssuesAPI = (*github.IssuesService)(nil)

// Poster posts run comments to one repository's pull requests. Posting is
// best-effort: callers log failures and continue, because notification is
// not delivery-critical.
type Poster struct {
	issues IssuesAPI
	owner  string
	repo   string
	logger *slog.Logger
}

// PosterOption configures a Poster.
type PosterOption func(*Poster)

// WithLogger configures the poster with a logger. Nil disables logging.
func WithLogger(logger *slog.Logger) PosterOption {
	return func(p *Poster) { p.logger = logger }
}

// NewPoster creates a Poster authenticated with a static OAuth token.
func NewPoster(token, owner, repo string, opts ...PosterOption) *Poster {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	return NewPosterWithAPI(github.NewClient(tc).Issues, owner, repo, opts...)
}

// NewPosterWithAPI creates a Poster with a custom issues API implementation.
// This is primarily used for testing with mocked clients.
func NewPosterWithAPI(issues IssuesAPI, owner, repo string, opts ...PosterOption) *Poster {
	p := &Poster{issues: issues, owner: owner, repo: repo}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Post appends body as a new comment on the pull request. Each run posts
// exactly one comment; reruns of the same trigger post a new comment each
// time, with no deduplication.
func (p *Poster) Post(ctx context.Context, pullRequest int, body string) error {
	if p.logger != nil {
		p.logger.InfoContext(ctx, "posting scan report",
			"repo", p.owner+"/"+p.repo, "pull_request", pullRequest)
	}

	comment := &github.IssueComment{Body: github.String(body)}
	_, _, err := p.issues.CreateComment(ctx, p.owner, p.repo, pullRequest, comment)
	if err != nil {
		return pipeerrors.New(pipeerrors.CodeNotification, "notify",
			fmt.Errorf("commenting on %s/%s#%d: %w", p.owner, p.repo, pullRequest, err))
	}

	if p.logger != nil {
		p.logger.InfoContext(ctx, "scan report posted", "pull_request", pullRequest)
	}
	return nil
}
