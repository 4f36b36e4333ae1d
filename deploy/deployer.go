// Package deploy registers the mutated task definition as a new immutable
// revision, points the target service at it, and blocks until the service
// reports steady state or a bounded timeout elapses.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/smithy-go"

	pipeerrors "github.com/deckhand-ci/deckhand/errors"
)

// ECSAPI defines the ECS operations used by this package. The interface
// abstracts the AWS SDK v2 client to enable testing with mocks.
type ECSAPI interface {
	// RegisterTaskDefinition registers a new task definition revision.
	RegisterTaskDefinition(
		ctx context.Context,
		params *ecs.RegisterTaskDefinitionInput,
		optFns ...func(*ecs.Options),
	) (*ecs.RegisterTaskDefinitionOutput, error)

	// UpdateService points a service at a task definition revision.
	UpdateService(
		ctx context.Context,
		params *ecs.UpdateServiceInput,
		optFns ...func(*ecs.Options),
	) (*ecs.UpdateServiceOutput, error)

	// DescribeServices returns the live state of services.
	DescribeServices(
		ctx context.Context,
		params *ecs.DescribeServicesInput,
		optFns ...func(*ecs.Options),
	) (*ecs.DescribeServicesOutput, error)
}

// Verify that the AWS ECS client implements our interface.
var _ ECSAPI = (*ecs.Client)(nil)

// State names a phase of the deployment state machine.
type State string

const (
	StateRegistering State = "registering"
	StateUpdating    State = "updating"
	StateWaiting     State = "waiting"
	StateStable      State = "stable"
	StateFailed      State = "failed"
)

// Deployer drives one service on one cluster through a deployment.
// All methods are safe for concurrent use.
type Deployer struct {
	api          ECSAPI
	cluster      string
	service      string
	waitTimeout  time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option configures a Deployer.
type Option func(*Deployer)

// WithLogger configures the deployer with a logger. Nil disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Deployer) { d.logger = logger }
}

// WithWaitTimeout bounds the steady-state wait.
func WithWaitTimeout(timeout time.Duration) Option {
	return func(d *Deployer) { d.waitTimeout = timeout }
}

// WithPollInterval sets the fixed interval between state polls.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Deployer) { d.pollInterval = interval }
}

// New creates a Deployer from an AWS configuration.
func New(cfg aws.Config, cluster, service string, opts ...Option) *Deployer {
	return NewWithAPI(ecs.NewFromConfig(cfg), cluster, service, opts...)
}

// NewWithAPI creates a Deployer with a custom ECS API implementation.
// This is primarily used for testing with mocked clients.
func NewWithAPI(api ECSAPI, cluster, service string, opts ...Option) *Deployer {
	d := &Deployer{
		api:          api,
		cluster:      cluster,
		service:      service,
		waitTimeout:  10 * time.Minute,
		pollInterval: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deploy runs the full state machine: register the task definition, point
// the service at the new revision, and wait for steady state. Every failure
// is terminal; no step is retried, and no rollback is attempted.
func (d *Deployer) Deploy(ctx context.Context, input *ecs.RegisterTaskDefinitionInput) error {
	arn, err := d.Register(ctx, input)
	if err != nil {
		return err
	}
	if err := d.Update(ctx, arn); err != nil {
		return err
	}
	return d.WaitSteady(ctx)
}

// Register submits the task definition and returns the ARN of the new
// immutable revision. Registration failures are fatal and never retried:
// a malformed definition will not become valid by retrying.
func (d *Deployer) Register(ctx context.Context, input *ecs.RegisterTaskDefinitionInput) (string, error) {
	d.log(ctx, StateRegistering, "registering task definition",
		"family", aws.ToString(input.Family))

	out, err := d.api.RegisterTaskDefinition(ctx, input)
	if err != nil {
		return "", pipeerrors.New(pipeerrors.CodeRegistration, "deploy.register", apiError(err))
	}
	if out.TaskDefinition == nil || out.TaskDefinition.TaskDefinitionArn == nil {
		return "", pipeerrors.Newf(pipeerrors.CodeRegistration, "deploy.register",
			"registration returned no task definition arn")
	}

	arn := *out.TaskDefinition.TaskDefinitionArn
	d.log(ctx, StateRegistering, "task definition registered", "arn", arn)
	return arn, nil
}

// Update points the service at the given task definition revision, forcing
// replacement of any in-flight deployment with the same desired revision.
func (d *Deployer) Update(ctx context.Context, taskDefinitionARN string) error {
	d.log(ctx, StateUpdating, "updating service", "arn", taskDefinitionARN)

	_, err := d.api.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:            aws.String(d.cluster),
		Service:            aws.String(d.service),
		TaskDefinition:     aws.String(taskDefinitionARN),
		ForceNewDeployment: true,
	})
	if err != nil {
		return pipeerrors.New(pipeerrors.CodeUpdate, "deploy.update", apiError(err))
	}

	d.log(ctx, StateUpdating, "service update accepted")
	return nil
}

// WaitSteady polls the service at a fixed interval until it reports steady
// state: running count equal to desired count and no more than one active
// deployment. The wait is bounded by the configured timeout and aborts on
// context cancellation; either way no further state requests are issued,
// and the already-accepted update remains in effect. A timeout is surfaced
// as a stability timeout, distinct from an update failure, so operators
// know the update was accepted but did not converge.
func (d *Deployer) WaitSteady(ctx context.Context) error {
	d.log(ctx, StateWaiting, "waiting for steady state",
		"timeout", d.waitTimeout.String(), "interval", d.pollInterval.String())

	deadline := time.NewTimer(d.waitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		steady, err := d.poll(ctx)
		if err != nil {
			return err
		}
		if steady {
			d.log(ctx, StateStable, "service reached steady state")
			return nil
		}

		select {
		case <-ctx.Done():
			return pipeerrors.New(pipeerrors.CodeStabilityTimeout, "deploy.wait",
				fmt.Errorf("wait cancelled: %w", ctx.Err()))
		case <-deadline.C:
			return pipeerrors.Newf(pipeerrors.CodeStabilityTimeout, "deploy.wait",
				"service %s did not reach steady state within %s", d.service, d.waitTimeout)
		case <-ticker.C:
		}
	}
}

func (d *Deployer) poll(ctx context.Context) (bool, error) {
	out, err := d.api.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(d.cluster),
		Services: []string{d.service},
	})
	if err != nil {
		return false, pipeerrors.New(pipeerrors.CodeStabilityTimeout, "deploy.wait", err)
	}
	if len(out.Services) == 0 {
		return false, pipeerrors.Newf(pipeerrors.CodeStabilityTimeout, "deploy.wait",
			"service %s not found on cluster %s", d.service, d.cluster)
	}

	svc := out.Services[0]
	steady := len(svc.Deployments) <= 1 && svc.DesiredCount == svc.RunningCount

	d.log(ctx, StateWaiting, "polled service state",
		"desired", svc.DesiredCount,
		"running", svc.RunningCount,
		"deployments", len(svc.Deployments),
		"steady", steady)
	return steady, nil
}

// apiError surfaces the AWS error code and message for service faults so
// log lines name the actual refusal, not just the HTTP failure.
func apiError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return err
}

func (d *Deployer) log(ctx context.Context, state State, msg string, args ...any) {
	if d.logger == nil {
		return
	}
	args = append([]any{"state", string(state), "cluster", d.cluster, "service", d.service}, args...)
	d.logger.InfoContext(ctx, msg, args...)
}
