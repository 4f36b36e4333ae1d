package registry

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
)

// ECRAPI defines the ECR operations used by this package. The interface
// abstracts the AWS SDK v2 client to enable testing with mocks.
type ECRAPI interface {
	// GetAuthorizationToken retrieves a registry authorization token.
	GetAuthorizationToken(
		ctx context.Context,
		params *ecr.GetAuthorizationTokenInput,
		optFns ...func(*ecr.Options),
	) (*ecr.GetAuthorizationTokenOutput, error)
}

// Verify that the AWS ECR client implements our interface.
var _ ECRAPI = (*ecr.Client)(nil)

// Auth holds the credentials the Docker Engine needs to push to the
// registry.
type Auth struct {
	Username      string
	Password      string
	ServerAddress string
}

// Client resolves the registry endpoint and push credentials from ECR.
// All methods are safe for concurrent use.
type Client struct {
	api    ECRAPI
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger configures the client with a logger. Nil disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a registry client from an AWS configuration.
func New(cfg aws.Config, opts ...Option) *Client {
	return NewWithAPI(ecr.NewFromConfig(cfg), opts...)
}

// NewWithAPI creates a registry client with a custom ECR API implementation.
// This is primarily used for testing with mocked clients.
func NewWithAPI(api ECRAPI, opts ...Option) *Client {
	c := &Client{api: api}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the registry host the run's images are addressed by,
// derived from the ECR authorization data.
func (c *Client) Endpoint(ctx context.Context) (string, error) {
	auth, err := c.authorization(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(auth.ServerAddress, "https://"), nil
}

// AuthToken returns credentials for pushing to the registry. The ECR token
// is a base64-encoded "user:password" pair valid for twelve hours; the
// pipeline resolves it once per run.
func (c *Client) AuthToken(ctx context.Context) (Auth, error) {
	return c.authorization(ctx)
}

func (c *Client) authorization(ctx context.Context) (Auth, error) {
	if c.logger != nil {
		c.logger.InfoContext(ctx, "resolving registry authorization")
	}

	out, err := c.api.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return Auth{}, fmt.Errorf("ecr authorization: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return Auth{}, fmt.Errorf("ecr authorization: no authorization data returned")
	}

	data := out.AuthorizationData[0]
	if data.AuthorizationToken == nil || data.ProxyEndpoint == nil {
		return Auth{}, fmt.Errorf("ecr authorization: incomplete authorization data")
	}

	decoded, err := base64.StdEncoding.DecodeString(*data.AuthorizationToken)
	if err != nil {
		return Auth{}, fmt.Errorf("ecr authorization: decoding token: %w", err)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return Auth{}, fmt.Errorf("ecr authorization: malformed token")
	}

	return Auth{
		Username:      user,
		Password:      pass,
		ServerAddress: *data.ProxyEndpoint,
	}, nil
}
