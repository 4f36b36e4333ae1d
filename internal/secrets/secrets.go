// Package secrets retrieves credentials the pipeline needs at runtime,
// such as the review-bot token, from AWS Secrets Manager. Secret values are
// never logged; only secret names and operation metadata appear in output.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
)

// ErrNotFound is returned when the named secret does not exist.
var ErrNotFound = errors.New("secret not found")

const resourceNotFoundException = "ResourceNotFoundException"

// API is the Secrets Manager surface the client depends on. It mirrors the
// SDK client so the real client satisfies it directly.
type API interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

var _ API = (*secretsmanager.Client)(nil)

// Client reads secret values.
type Client struct {
	api    API
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger configures the client with a logger. Nil disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client from an AWS configuration.
func New(cfg aws.Config, opts ...Option) *Client {
	return NewWithAPI(secretsmanager.NewFromConfig(cfg), opts...)
}

// NewWithAPI creates a client backed by the provided API implementation.
func NewWithAPI(api API, opts ...Option) *Client {
	c := &Client{api: api}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetSecret returns the string value of the named secret. Binary secrets
// are returned as-is. A missing secret surfaces ErrNotFound.
func (c *Client) GetSecret(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("secret name cannot be empty")
	}

	if c.logger != nil {
		c.logger.InfoContext(ctx, "retrieving secret", "secret_name", name)
	}

	output, err := c.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == resourceNotFoundException {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("failed to retrieve secret %s: %w", name, err)
	}

	switch {
	case output.SecretString != nil:
		return *output.SecretString, nil
	case output.SecretBinary != nil:
		return string(output.SecretBinary), nil
	default:
		return "", fmt.Errorf("secret %s has no value", name)
	}
}
