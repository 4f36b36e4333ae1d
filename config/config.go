// Package config defines the immutable per-run configuration for the
// Deckhand pipeline. A Run is constructed once at startup from flags, the
// environment and an optional YAML file, validated, and then passed into
// every component; no ambient global state exists.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pipeerrors "github.com/deckhand-ci/deckhand/errors"
)

// TriggerKind identifies the event class that started a run.
type TriggerKind string

const (
	// TriggerReview is a change-review event (a pull request). Review runs
	// scan and report but never deploy.
	TriggerReview TriggerKind = "review"

	// TriggerPush is a direct-integration event (a push to the target
	// branch). Push runs deploy after publishing.
	TriggerPush TriggerKind = "push"
)

// Default polling behavior for the deployment wait loop.
const (
	DefaultWaitTimeout  = 10 * time.Minute
	DefaultPollInterval = 15 * time.Second
)

// DefaultSeverities is the finding severity allow-list applied when the
// configuration does not override it.
var DefaultSeverities = []string{"CRITICAL", "HIGH"}

// Run holds the full configuration for a single pipeline run. It is
// immutable for the run's duration.
type Run struct {
	// Trigger metadata supplied by the invoking environment.
	Trigger     TriggerKind
	Revision    string
	Branch      string
	PullRequest int

	// AWS target.
	Region     string
	RoleARN    string
	Repository string
	Cluster    string
	Service    string
	Container  string

	// Deployment specification template, read and rewritten in place once
	// per run.
	TaskDefPath string

	// Source tree and run artifact locations.
	SourceDir string
	ReportDir string

	// Notification destination, "owner/name" form.
	GitHubRepo string

	// GitHubTokenSecret names a Secrets Manager secret holding the comment
	// token. Empty means the GITHUB_TOKEN environment variable is used.
	GitHubTokenSecret string

	// Severities is the finding severity allow-list.
	Severities []string

	// Deployment wait loop bounds.
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// New returns a Run populated with defaults.
func New() *Run {
	return &Run{
		SourceDir:    ".",
		ReportDir:    ".",
		Severities:   DefaultSeverities,
		WaitTimeout:  DefaultWaitTimeout,
		PollInterval: DefaultPollInterval,
	}
}

// fileRun is the YAML schema of a configuration file. Durations are Go
// duration strings ("10m", "15s").
type fileRun struct {
	Trigger           string   `yaml:"trigger"`
	Revision          string   `yaml:"revision"`
	Branch            string   `yaml:"branch"`
	PullRequest       int      `yaml:"pullRequest"`
	Region            string   `yaml:"region"`
	RoleARN           string   `yaml:"roleArn"`
	Repository        string   `yaml:"repository"`
	Cluster           string   `yaml:"cluster"`
	Service           string   `yaml:"service"`
	Container         string   `yaml:"container"`
	TaskDefPath       string   `yaml:"taskDefinition"`
	SourceDir         string   `yaml:"sourceDir"`
	ReportDir         string   `yaml:"reportDir"`
	GitHubRepo        string   `yaml:"githubRepo"`
	GitHubTokenSecret string   `yaml:"githubTokenSecret"`
	Severities        []string `yaml:"severities"`
	WaitTimeout       string   `yaml:"waitTimeout"`
	PollInterval      string   `yaml:"pollInterval"`
}

// LoadFile merges values from a YAML file into r. Values already set on r
// win, so flags take precedence over the file.
func (r *Run) LoadFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-supplied configuration
	if err != nil {
		return pipeerrors.New(pipeerrors.CodeConfiguration, "config.load", err)
	}

	var file fileRun
	if err := yaml.Unmarshal(data, &file); err != nil {
		return pipeerrors.New(pipeerrors.CodeConfiguration, "config.load",
			fmt.Errorf("parsing %s: %w", path, err))
	}

	return r.merge(&file)
}

// FromEnv fills unset trigger metadata from the environment. Recognized
// variables: DECKHAND_TRIGGER, DECKHAND_REVISION, DECKHAND_BRANCH,
// DECKHAND_PULL_REQUEST.
func (r *Run) FromEnv() {
	if r.Trigger == "" {
		r.Trigger = TriggerKind(os.Getenv("DECKHAND_TRIGGER"))
	}
	if r.Revision == "" {
		r.Revision = os.Getenv("DECKHAND_REVISION")
	}
	if r.Branch == "" {
		r.Branch = os.Getenv("DECKHAND_BRANCH")
	}
	if r.PullRequest == 0 {
		if n, err := strconv.Atoi(os.Getenv("DECKHAND_PULL_REQUEST")); err == nil {
			r.PullRequest = n
		}
	}
}

// Validate checks that every required option is present and consistent.
// A missing option is a fatal startup error, never retried.
func (r *Run) Validate() error {
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"revision", r.Revision},
		{"region", r.Region},
		{"repository", r.Repository},
		{"container", r.Container},
		{"task-definition", r.TaskDefPath},
	}
	for _, req := range required {
		if req.value == "" {
			missing = append(missing, req.name)
		}
	}
	if len(missing) > 0 {
		return pipeerrors.Newf(pipeerrors.CodeConfiguration, "config.validate",
			"missing required options: %s", strings.Join(missing, ", "))
	}

	switch r.Trigger {
	case TriggerReview, TriggerPush:
	default:
		return pipeerrors.Newf(pipeerrors.CodeConfiguration, "config.validate",
			"trigger must be %q or %q, got %q", TriggerReview, TriggerPush, r.Trigger)
	}

	if r.Trigger == TriggerPush && (r.Cluster == "" || r.Service == "") {
		return pipeerrors.Newf(pipeerrors.CodeConfiguration, "config.validate",
			"cluster and service are required for %s runs", TriggerPush)
	}

	if r.Trigger == TriggerReview {
		if r.GitHubRepo == "" || r.PullRequest <= 0 {
			return pipeerrors.Newf(pipeerrors.CodeConfiguration, "config.validate",
				"github-repo and pull-request are required for %s runs", TriggerReview)
		}
		if _, _, err := r.OwnerRepo(); err != nil {
			return err
		}
	}

	if r.WaitTimeout <= 0 || r.PollInterval <= 0 {
		return pipeerrors.New(pipeerrors.CodeConfiguration, "config.validate",
			errors.New("wait-timeout and poll-interval must be positive"))
	}

	return nil
}

// OwnerRepo splits GitHubRepo into its owner and repository parts.
func (r *Run) OwnerRepo() (owner, repo string, err error) {
	parts := strings.Split(r.GitHubRepo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", pipeerrors.Newf(pipeerrors.CodeConfiguration, "config.validate",
			"github-repo must be owner/name, got %q", r.GitHubRepo)
	}
	return parts[0], parts[1], nil
}

// merge copies file values into r for every field r has not already set.
func (r *Run) merge(file *fileRun) error {
	setString := func(dst *string, src string) {
		if *dst == "" && src != "" {
			*dst = src
		}
	}

	if r.Trigger == "" && file.Trigger != "" {
		r.Trigger = TriggerKind(file.Trigger)
	}
	setString(&r.Revision, file.Revision)
	setString(&r.Branch, file.Branch)
	if r.PullRequest == 0 {
		r.PullRequest = file.PullRequest
	}
	setString(&r.Region, file.Region)
	setString(&r.RoleARN, file.RoleARN)
	setString(&r.Repository, file.Repository)
	setString(&r.Cluster, file.Cluster)
	setString(&r.Service, file.Service)
	setString(&r.Container, file.Container)
	setString(&r.TaskDefPath, file.TaskDefPath)
	setString(&r.GitHubRepo, file.GitHubRepo)
	setString(&r.GitHubTokenSecret, file.GitHubTokenSecret)

	if (r.SourceDir == "" || r.SourceDir == ".") && file.SourceDir != "" {
		r.SourceDir = file.SourceDir
	}
	if (r.ReportDir == "" || r.ReportDir == ".") && file.ReportDir != "" {
		r.ReportDir = file.ReportDir
	}
	if len(file.Severities) > 0 && equalStrings(r.Severities, DefaultSeverities) {
		r.Severities = file.Severities
	}

	if file.WaitTimeout != "" && r.WaitTimeout == DefaultWaitTimeout {
		d, err := time.ParseDuration(file.WaitTimeout)
		if err != nil {
			return pipeerrors.Newf(pipeerrors.CodeConfiguration, "config.load",
				"invalid waitTimeout %q: %v", file.WaitTimeout, err)
		}
		r.WaitTimeout = d
	}
	if file.PollInterval != "" && r.PollInterval == DefaultPollInterval {
		d, err := time.ParseDuration(file.PollInterval)
		if err != nil {
			return pipeerrors.Newf(pipeerrors.CodeConfiguration, "config.load",
				"invalid pollInterval %q: %v", file.PollInterval, err)
		}
		r.PollInterval = d
	}

	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
