// Command deckhand runs one continuous-delivery pipeline pass: it builds
// and scans the revision it was invoked for, publishes the image, and on
// direct-integration runs rolls the service forward and waits for it to
// stabilize.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/cobra"

	"github.com/deckhand-ci/deckhand/build"
	"github.com/deckhand-ci/deckhand/config"
	"github.com/deckhand-ci/deckhand/deploy"
	"github.com/deckhand-ci/deckhand/internal/awsauth"
	"github.com/deckhand-ci/deckhand/internal/secrets"
	"github.com/deckhand-ci/deckhand/notify"
	"github.com/deckhand-ci/deckhand/pipeline"
	"github.com/deckhand-ci/deckhand/registry"
	"github.com/deckhand-ci/deckhand/scan"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "deckhand",
		Short:         "Build, scan, publish, and deploy one revision",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			if configFile != "" {
				if err := cfg.LoadFile(configFile); err != nil {
					logger.Error("loading configuration failed", "error", err)
					return err
				}
			}
			cfg.FromEnv()
			if err := cfg.Validate(); err != nil {
				logger.Error("invalid configuration", "error", err)
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, logger); err != nil {
				logger.Error("run failed", "error", err)
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to a YAML configuration file")
	flags.StringVar((*string)(&cfg.Trigger), "trigger", "", "run trigger: review or push")
	flags.StringVar(&cfg.Revision, "revision", "", "revision identifier used as the image tag")
	flags.StringVar(&cfg.Branch, "branch", "", "branch the run was triggered from")
	flags.IntVar(&cfg.PullRequest, "pull-request", 0, "pull request number for review runs")
	flags.StringVar(&cfg.Region, "region", "", "AWS region")
	flags.StringVar(&cfg.RoleARN, "role-arn", "", "IAM role to assume for registry and deployment access")
	flags.StringVar(&cfg.Repository, "repository", "", "image repository name within the registry")
	flags.StringVar(&cfg.Cluster, "cluster", "", "ECS cluster for push runs")
	flags.StringVar(&cfg.Service, "service", "", "ECS service for push runs")
	flags.StringVar(&cfg.Container, "container", "", "container name to retarget in the task definition")
	flags.StringVar(&cfg.TaskDefPath, "task-definition", "", "path to the task definition template")
	flags.StringVar(&cfg.SourceDir, "source-dir", cfg.SourceDir, "source tree to scan and build")
	flags.StringVar(&cfg.ReportDir, "report-dir", cfg.ReportDir, "directory scan reports are written to")
	flags.StringVar(&cfg.GitHubRepo, "github-repo", "", "owner/name of the repository to comment on")
	flags.StringVar(&cfg.GitHubTokenSecret, "github-token-secret", "",
		"Secrets Manager secret holding the review-bot token")
	flags.StringSliceVar(&cfg.Severities, "severities", cfg.Severities,
		"vulnerability severities to report")
	flags.DurationVar(&cfg.WaitTimeout, "wait-timeout", cfg.WaitTimeout,
		"how long to wait for the service to stabilize")
	flags.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval,
		"how often to poll the service while waiting")

	return cmd
}

func run(ctx context.Context, cfg *config.Run, logger *slog.Logger) error {
	awsCfg, err := awsauth.Load(ctx, cfg.Region, cfg.RoleARN)
	if err != nil {
		return err
	}

	reg := registry.New(awsCfg, registry.WithLogger(logger))

	scanner := scan.New(cfg.Severities,
		scan.WithReportDir(cfg.ReportDir),
		scan.WithLogger(logger),
	)

	builder, err := build.New(build.WithLogger(logger))
	if err != nil {
		return err
	}

	var notifier pipeline.Notifier
	if cfg.Trigger == config.TriggerReview {
		token, err := githubToken(ctx, cfg, awsCfg, logger)
		if err != nil {
			return err
		}
		owner, repo, err := cfg.OwnerRepo()
		if err != nil {
			return err
		}
		notifier = notify.NewPoster(token, owner, repo, notify.WithLogger(logger))
	}

	var deployer pipeline.Deployer
	if cfg.Trigger == config.TriggerPush {
		deployer = deploy.New(awsCfg, cfg.Cluster, cfg.Service,
			deploy.WithLogger(logger),
			deploy.WithWaitTimeout(cfg.WaitTimeout),
			deploy.WithPollInterval(cfg.PollInterval),
		)
	}

	p := pipeline.New(cfg, reg, scanner, builder, notifier, deployer,
		pipeline.WithLogger(logger))
	return p.Run(ctx)
}

// githubToken resolves the review-bot token, preferring the environment so
// local runs need no Secrets Manager access.
func githubToken(
	ctx context.Context,
	cfg *config.Run,
	awsCfg aws.Config,
	logger *slog.Logger,
) (string, error) {
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		return token, nil
	}
	if cfg.GitHubTokenSecret == "" {
		return "", fmt.Errorf("no GitHub token: set GITHUB_TOKEN or --github-token-secret")
	}
	client := secrets.New(awsCfg, secrets.WithLogger(logger))
	return client.GetSecret(ctx, cfg.GitHubTokenSecret)
}
