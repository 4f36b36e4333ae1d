// Package pipeline sequences one delivery run: resolve the artifact
// identity, scan the source tree, build the image, scan the image, report
// findings on review runs, publish the image, and on direct-integration
// runs roll the new revision out and wait for it to stabilize.
//
// Each stage declares the prior stage's output it consumes, so the
// ordering is enforced by data flow rather than by comments. Scans are
// report-only: their findings never fail a run, and a scanner failure is
// recorded as an empty report.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/opencontainers/go-digest"

	"github.com/deckhand-ci/deckhand/config"
	pipeerrors "github.com/deckhand-ci/deckhand/errors"
	"github.com/deckhand-ci/deckhand/notify"
	"github.com/deckhand-ci/deckhand/registry"
	"github.com/deckhand-ci/deckhand/scan"
	"github.com/deckhand-ci/deckhand/taskdef"
)

// Registry resolves the registry endpoint and push credentials.
type Registry interface {
	Endpoint(ctx context.Context) (string, error)
	AuthToken(ctx context.Context) (registry.Auth, error)
}

// Scanner produces and persists severity-filtered vulnerability reports.
type Scanner interface {
	Scan(ctx context.Context, target string, kind scan.TargetKind) (*scan.Report, error)
	Persist(report *scan.Report) error
}

// Builder constructs and publishes the run's artifact.
type Builder interface {
	Build(ctx context.Context, sourceDir string, id registry.Identity) error
	Push(ctx context.Context, id registry.Identity, auth registry.Auth) (digest.Digest, error)
}

// Notifier posts the rendered scan report to the triggering change request.
type Notifier interface {
	Post(ctx context.Context, pullRequest int, body string) error
}

// Deployer rolls the registered revision out and waits for steady state.
type Deployer interface {
	Deploy(ctx context.Context, input *ecs.RegisterTaskDefinitionInput) error
}

// Pipeline wires the stages of one run together.
type Pipeline struct {
	cfg      *config.Run
	registry Registry
	scanner  Scanner
	builder  Builder
	notifier Notifier
	deployer Deployer
	fs       billy.Filesystem
	logger   *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger configures the pipeline with a logger. Nil disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithFilesystem replaces the filesystem the task definition template is
// read from and rewritten to.
func WithFilesystem(fsys billy.Filesystem) Option {
	return func(p *Pipeline) { p.fs = fsys }
}

// New assembles a Pipeline from its collaborators.
func New(
	cfg *config.Run,
	reg Registry,
	scanner Scanner,
	builder Builder,
	notifier Notifier,
	deployer Deployer,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		registry: reg,
		scanner:  scanner,
		builder:  builder,
		notifier: notifier,
		deployer: deployer,
		fs:       osfs.New("/"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the pipeline once. It returns nil when the run succeeds,
// including when scans detected vulnerabilities; only fatal stage errors
// surface.
func (p *Pipeline) Run(ctx context.Context) error {
	endpoint, err := p.registry.Endpoint(ctx)
	if err != nil {
		return pipeerrors.New(pipeerrors.CodeConfiguration, "pipeline.resolve", err)
	}
	id, err := registry.ResolveIdentity(endpoint, p.cfg.Repository, p.cfg.Revision)
	if err != nil {
		return err
	}
	p.info(ctx, "artifact identity resolved", "image", id.String())

	// Pre-build scan of the source tree. Report-only.
	fsReport := p.scanStage(ctx, p.cfg.SourceDir, scan.KindFilesystem)

	if err := p.builder.Build(ctx, p.cfg.SourceDir, id); err != nil {
		return err
	}

	// Post-build scan of the artifact. Must complete before the push.
	imageReport := p.scanStage(ctx, id.String(), scan.KindImage)

	if p.cfg.Trigger == config.TriggerReview {
		p.notifyStage(ctx, fsReport, imageReport)
	}

	auth, err := p.registry.AuthToken(ctx)
	if err != nil {
		return pipeerrors.New(pipeerrors.CodePublish, "pipeline.push", err)
	}
	dgst, err := p.builder.Push(ctx, id, auth)
	if err != nil {
		return err
	}
	p.info(ctx, "artifact published", "image", id.String(), "digest", dgst.String())

	if p.cfg.Trigger != config.TriggerPush {
		p.info(ctx, "run complete", "deployed", false)
		return nil
	}

	if err := p.deployStage(ctx, id); err != nil {
		return err
	}
	p.info(ctx, "run complete", "deployed", true)
	return nil
}

// scanStage runs one scan and persists its report. Scanner failures are
// recorded and the run continues with the empty report the scanner
// returned; the decision to halt belongs to the pipeline, and this
// pipeline version observes everything and gates nothing.
func (p *Pipeline) scanStage(ctx context.Context, target string, kind scan.TargetKind) *scan.Report {
	report, err := p.scanner.Scan(ctx, target, kind)
	if err != nil {
		p.warn(ctx, "scan failed, continuing with empty report",
			"kind", string(kind), "error", err)
	}
	if err := p.scanner.Persist(report); err != nil {
		p.warn(ctx, "persisting scan report failed", "kind", string(kind), "error", err)
	}
	return report
}

// notifyStage posts the rendered reports as a single comment. Notification
// is best-effort and never fails the run.
func (p *Pipeline) notifyStage(ctx context.Context, fsReport, imageReport *scan.Report) {
	if p.notifier == nil {
		p.warn(ctx, "no notifier configured, skipping report comment")
		return
	}
	body := notify.Render(fsReport, imageReport)
	if err := p.notifier.Post(ctx, p.cfg.PullRequest, body); err != nil {
		p.warn(ctx, "posting scan report failed", "error", err)
	}
}

// deployStage mutates the task definition template with the run's identity,
// rewrites it in place, and hands the registrable document to the deployer.
func (p *Pipeline) deployStage(ctx context.Context, id registry.Identity) error {
	doc, err := taskdef.Load(p.fs, p.cfg.TaskDefPath)
	if err != nil {
		return err
	}
	if err := taskdef.Mutate(doc, p.cfg.Container, id.String()); err != nil {
		return err
	}
	if err := doc.Save(p.fs, p.cfg.TaskDefPath); err != nil {
		return err
	}
	input, err := taskdef.RegisterInput(doc)
	if err != nil {
		return err
	}
	return p.deployer.Deploy(ctx, input)
}

func (p *Pipeline) info(ctx context.Context, msg string, args ...any) {
	if p.logger != nil {
		p.logger.InfoContext(ctx, msg, args...)
	}
}

func (p *Pipeline) warn(ctx context.Context, msg string, args ...any) {
	if p.logger != nil {
		p.logger.WarnContext(ctx, msg, args...)
	}
}
