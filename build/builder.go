// Package build constructs the container artifact for a run and transfers
// it to the registry through the Docker Engine API.
package build

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/opencontainers/go-digest"

	pipeerrors "github.com/deckhand-ci/deckhand/errors"
	"github.com/deckhand-ci/deckhand/registry"
)

// DockerAPI defines the Docker Engine operations used by this package.
// The interface abstracts the Docker SDK client to enable testing with mocks.
type DockerAPI interface {
	// ImageBuild builds an image from a tar build context.
	ImageBuild(
		ctx context.Context,
		buildContext io.Reader,
		options types.ImageBuildOptions,
	) (types.ImageBuildResponse, error)

	// ImagePush pushes an image to a registry.
	ImagePush(
		ctx context.Context,
		ref string,
		options image.PushOptions,
	) (io.ReadCloser, error)
}

// Verify that the Docker client implements our interface.
var _ DockerAPI = (*client.Client)(nil)

// Builder builds and publishes the run's artifact. Build and push failures
// are fatal to the run: a half-pushed image must never be referenced by a
// later stage.
type Builder struct {
	docker DockerAPI
	logger *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger configures the builder with a logger. Nil disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

// New creates a Builder connected to the local Docker Engine.
func New(opts ...Option) (*Builder, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return NewWithAPI(cli, opts...), nil
}

// NewWithAPI creates a Builder with a custom Docker API implementation.
// This is primarily used for testing with mocked clients.
func NewWithAPI(api DockerAPI, opts ...Option) *Builder {
	b := &Builder{docker: api}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build constructs the image from sourceDir and tags it with the run's
// identity. The build context is the whole source tree; the Dockerfile is
// expected at its root.
func (b *Builder) Build(ctx context.Context, sourceDir string, id registry.Identity) error {
	if b.logger != nil {
		b.logger.InfoContext(ctx, "building image",
			"source", sourceDir, "image", id.String())
	}

	buildContext, err := archive.TarWithOptions(sourceDir, &archive.TarOptions{})
	if err != nil {
		return pipeerrors.New(pipeerrors.CodeBuild, "build",
			fmt.Errorf("creating build context from %s: %w", sourceDir, err))
	}
	defer buildContext.Close()

	resp, err := b.docker.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       []string{id.String()},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return pipeerrors.New(pipeerrors.CodeBuild, "build", err)
	}
	defer resp.Body.Close()

	if _, err := drainStream(resp.Body); err != nil {
		return pipeerrors.New(pipeerrors.CodeBuild, "build", err)
	}

	if b.logger != nil {
		b.logger.InfoContext(ctx, "image built", "image", id.String())
	}
	return nil
}

// Push transfers the built image to the registry and returns the digest the
// registry assigned to it.
func (b *Builder) Push(ctx context.Context, id registry.Identity, auth registry.Auth) (digest.Digest, error) {
	encoded, err := encodeAuth(auth)
	if err != nil {
		return "", pipeerrors.New(pipeerrors.CodePublish, "push", err)
	}

	if b.logger != nil {
		b.logger.InfoContext(ctx, "pushing image", "image", id.String())
	}

	body, err := b.docker.ImagePush(ctx, id.String(), image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return "", pipeerrors.New(pipeerrors.CodePublish, "push", err)
	}
	defer body.Close()

	dgst, err := drainStream(body)
	if err != nil {
		return "", pipeerrors.New(pipeerrors.CodePublish, "push", err)
	}

	if b.logger != nil {
		b.logger.InfoContext(ctx, "image pushed",
			"image", id.String(), "digest", dgst.String())
	}
	return dgst, nil
}

// streamMessage is the JSON-line format of the Engine's build and push
// progress streams.
type streamMessage struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux struct {
		Digest string `json:"Digest"`
	} `json:"aux"`
}

// drainStream consumes an Engine progress stream to completion, surfacing
// any embedded error and returning the pushed digest when the stream
// carries one. The stream must be fully read or the operation never
// finishes on the daemon side.
func drainStream(r io.Reader) (digest.Digest, error) {
	dec := json.NewDecoder(r)
	var dgst digest.Digest

	for {
		var msg streamMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return dgst, nil
			}
			return "", fmt.Errorf("reading engine stream: %w", err)
		}
		if msg.Error != "" {
			return "", errors.New(msg.Error)
		}
		if msg.ErrorDetail.Message != "" {
			return "", errors.New(msg.ErrorDetail.Message)
		}
		if msg.Aux.Digest != "" {
			parsed, err := digest.Parse(msg.Aux.Digest)
			if err == nil {
				dgst = parsed
			}
		}
	}
}

func encodeAuth(auth registry.Auth) (string, error) {
	payload, err := json.Marshal(dockerregistry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.ServerAddress,
	})
	if err != nil {
		return "", fmt.Errorf("encoding registry auth: %w", err)
	}
	return base64.URLEncoding.EncodeToString(payload), nil
}
