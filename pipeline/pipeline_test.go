package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand-ci/deckhand/config"
	pipeerrors "github.com/deckhand-ci/deckhand/errors"
	"github.com/deckhand-ci/deckhand/registry"
	"github.com/deckhand-ci/deckhand/scan"
)

type mockRegistry struct {
	endpoint     string
	endpointErr  error
	auth         registry.Auth
	authErr      error
	authRequests int
}

func (m *mockRegistry) Endpoint(ctx context.Context) (string, error) {
	return m.endpoint, m.endpointErr
}

func (m *mockRegistry) AuthToken(ctx context.Context) (registry.Auth, error) {
	m.authRequests++
	return m.auth, m.authErr
}

type mockScanner struct {
	reports   map[scan.TargetKind]*scan.Report
	scanErr   map[scan.TargetKind]error
	scanned   []scan.TargetKind
	persisted []*scan.Report
}

func (m *mockScanner) Scan(ctx context.Context, target string, kind scan.TargetKind) (*scan.Report, error) {
	m.scanned = append(m.scanned, kind)
	report := m.reports[kind]
	if report == nil {
		report = &scan.Report{Target: target, Kind: kind}
	}
	return report, m.scanErr[kind]
}

func (m *mockScanner) Persist(report *scan.Report) error {
	m.persisted = append(m.persisted, report)
	return nil
}

type mockBuilder struct {
	buildErr error
	pushErr  error
	built    []registry.Identity
	pushed   []registry.Identity
	pushAuth []registry.Auth
}

func (m *mockBuilder) Build(ctx context.Context, sourceDir string, id registry.Identity) error {
	if m.buildErr != nil {
		return m.buildErr
	}
	m.built = append(m.built, id)
	return nil
}

func (m *mockBuilder) Push(ctx context.Context, id registry.Identity, auth registry.Auth) (digest.Digest, error) {
	if m.pushErr != nil {
		return "", m.pushErr
	}
	m.pushed = append(m.pushed, id)
	m.pushAuth = append(m.pushAuth, auth)
	return digest.Digest("sha256:d4c0ffee"), nil
}

type mockNotifier struct {
	postErr error
	posted  []string
	prs     []int
}

func (m *mockNotifier) Post(ctx context.Context, pullRequest int, body string) error {
	if m.postErr != nil {
		return m.postErr
	}
	m.prs = append(m.prs, pullRequest)
	m.posted = append(m.posted, body)
	return nil
}

type mockDeployer struct {
	deployErr error
	inputs    []*ecs.RegisterTaskDefinitionInput
}

func (m *mockDeployer) Deploy(ctx context.Context, input *ecs.RegisterTaskDefinitionInput) error {
	if m.deployErr != nil {
		return m.deployErr
	}
	m.inputs = append(m.inputs, input)
	return nil
}

const taskDefTemplate = `{
  "family": "api",
  "taskDefinitionArn": "arn:aws:ecs:eu-west-1:123456789012:task-definition/api:41",
  "revision": 41,
  "status": "ACTIVE",
  "cpu": "256",
  "containerDefinitions": [
    {"name": "api", "image": "registry.example.com/api:old", "essential": true},
    {"name": "sidecar", "image": "registry.example.com/envoy:v1"}
  ]
}`

func pushConfig() *config.Run {
	cfg := config.New()
	cfg.Trigger = config.TriggerPush
	cfg.Revision = "4f2a9c1"
	cfg.Region = "eu-west-1"
	cfg.Repository = "api"
	cfg.Cluster = "production"
	cfg.Service = "api"
	cfg.Container = "api"
	cfg.TaskDefPath = "/deploy/taskdef.json"
	cfg.SourceDir = "/src"
	return cfg
}

func reviewConfig() *config.Run {
	cfg := pushConfig()
	cfg.Trigger = config.TriggerReview
	cfg.PullRequest = 87
	cfg.GitHubRepo = "example/api"
	return cfg
}

func TestPipeline_Run(t *testing.T) {
	t.Run("push run builds, publishes, and deploys the mutated revision", func(t *testing.T) {
		fsys := memfs.New()
		require.NoError(t, util.WriteFile(fsys, "/deploy/taskdef.json", []byte(taskDefTemplate), 0o644))

		reg := &mockRegistry{
			endpoint: "123456789012.dkr.ecr.eu-west-1.amazonaws.com",
			auth:     registry.Auth{Username: "AWS", Password: "token"},
		}
		scanner := &mockScanner{reports: map[scan.TargetKind]*scan.Report{}}
		builder := &mockBuilder{}
		notifier := &mockNotifier{}
		deployer := &mockDeployer{}

		p := New(pushConfig(), reg, scanner, builder, notifier, deployer, WithFilesystem(fsys))
		require.NoError(t, p.Run(context.Background()))

		wantImage := "123456789012.dkr.ecr.eu-west-1.amazonaws.com/api:4f2a9c1"

		require.Len(t, builder.built, 1)
		assert.Equal(t, wantImage, builder.built[0].String())
		require.Len(t, builder.pushed, 1)
		assert.Equal(t, "AWS", builder.pushAuth[0].Username)

		// Both scans ran, in source-then-image order, and were persisted.
		assert.Equal(t, []scan.TargetKind{scan.KindFilesystem, scan.KindImage}, scanner.scanned)
		assert.Len(t, scanner.persisted, 2)

		// Push runs never comment.
		assert.Empty(t, notifier.posted)

		// The deployer received the document with the new image and the
		// server-assigned fields stripped.
		require.Len(t, deployer.inputs, 1)
		input := deployer.inputs[0]
		require.NotNil(t, input.Family)
		assert.Equal(t, "api", *input.Family)
		require.Len(t, input.ContainerDefinitions, 2)
		assert.Equal(t, wantImage, *input.ContainerDefinitions[0].Image)
		assert.Equal(t, "registry.example.com/envoy:v1", *input.ContainerDefinitions[1].Image)

		// The template on disk was rewritten in place.
		raw, err := util.ReadFile(fsys, "/deploy/taskdef.json")
		require.NoError(t, err)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(raw, &doc))
		assert.NotContains(t, doc, "taskDefinitionArn")
		containers := doc["containerDefinitions"].([]any)
		assert.Equal(t, wantImage, containers[0].(map[string]any)["image"])
	})

	t.Run("review run posts one comment and never deploys", func(t *testing.T) {
		reg := &mockRegistry{endpoint: "registry.example.com"}
		scanner := &mockScanner{
			reports: map[scan.TargetKind]*scan.Report{
				scan.KindImage: {
					Kind: scan.KindImage,
					Findings: []scan.Finding{{
						VulnerabilityID:  "CVE-2024-1234",
						PkgName:          "openssl",
						InstalledVersion: "3.0.1",
						FixedVersion:     "3.0.2",
						Severity:         "CRITICAL",
					}},
				},
			},
		}
		builder := &mockBuilder{}
		notifier := &mockNotifier{}
		deployer := &mockDeployer{}

		p := New(reviewConfig(), reg, scanner, builder, notifier, deployer)
		require.NoError(t, p.Run(context.Background()))

		require.Len(t, notifier.posted, 1)
		assert.Equal(t, []int{87}, notifier.prs)
		assert.Contains(t, notifier.posted[0], "CVE-2024-1234")

		require.Len(t, builder.pushed, 1)
		assert.Empty(t, deployer.inputs)
	})

	t.Run("scanner failure does not fail the run", func(t *testing.T) {
		reg := &mockRegistry{endpoint: "registry.example.com"}
		scanner := &mockScanner{
			reports: map[scan.TargetKind]*scan.Report{},
			scanErr: map[scan.TargetKind]error{
				scan.KindFilesystem: pipeerrors.Newf(pipeerrors.CodeScan, "scan.run", "scanner exited 1"),
				scan.KindImage:      pipeerrors.Newf(pipeerrors.CodeScan, "scan.run", "scanner exited 1"),
			},
		}
		builder := &mockBuilder{}
		notifier := &mockNotifier{}

		p := New(reviewConfig(), reg, scanner, builder, notifier, &mockDeployer{})
		require.NoError(t, p.Run(context.Background()))

		// Empty reports still produce the all-clear comment.
		require.Len(t, notifier.posted, 1)
		assert.Contains(t, notifier.posted[0], "No issues found")
		assert.Len(t, scanner.persisted, 2)
	})

	t.Run("notification failure does not fail the run", func(t *testing.T) {
		reg := &mockRegistry{endpoint: "registry.example.com"}
		notifier := &mockNotifier{
			postErr: pipeerrors.Newf(pipeerrors.CodeNotification, "notify.post", "403"),
		}
		builder := &mockBuilder{}

		p := New(reviewConfig(), reg, &mockScanner{}, builder, notifier, &mockDeployer{})
		require.NoError(t, p.Run(context.Background()))
		require.Len(t, builder.pushed, 1)
	})

	t.Run("endpoint resolution failure is a configuration error", func(t *testing.T) {
		reg := &mockRegistry{
			endpointErr: pipeerrors.Newf(pipeerrors.CodeConfiguration, "registry.endpoint", "no credentials"),
		}
		builder := &mockBuilder{}

		p := New(pushConfig(), reg, &mockScanner{}, builder, &mockNotifier{}, &mockDeployer{})
		err := p.Run(context.Background())
		require.Error(t, err)
		assert.Equal(t, pipeerrors.CodeConfiguration, pipeerrors.CodeOf(err))
		assert.Empty(t, builder.built)
	})

	t.Run("build failure halts the run before any push", func(t *testing.T) {
		reg := &mockRegistry{endpoint: "registry.example.com"}
		builder := &mockBuilder{
			buildErr: pipeerrors.Newf(pipeerrors.CodeBuild, "build.image", "step 4 failed"),
		}

		p := New(pushConfig(), reg, &mockScanner{}, builder, &mockNotifier{}, &mockDeployer{})
		err := p.Run(context.Background())
		require.Error(t, err)
		assert.Equal(t, pipeerrors.CodeBuild, pipeerrors.CodeOf(err))
		assert.Empty(t, builder.pushed)
		assert.Equal(t, 0, reg.authRequests)
	})

	t.Run("push failure halts the run before any deployment", func(t *testing.T) {
		fsys := memfs.New()
		require.NoError(t, util.WriteFile(fsys, "/deploy/taskdef.json", []byte(taskDefTemplate), 0o644))

		reg := &mockRegistry{endpoint: "registry.example.com"}
		builder := &mockBuilder{
			pushErr: pipeerrors.Newf(pipeerrors.CodePublish, "build.push", "denied"),
		}
		deployer := &mockDeployer{}

		p := New(pushConfig(), reg, &mockScanner{}, builder, &mockNotifier{}, deployer, WithFilesystem(fsys))
		err := p.Run(context.Background())
		require.Error(t, err)
		assert.Equal(t, pipeerrors.CodePublish, pipeerrors.CodeOf(err))
		assert.Empty(t, deployer.inputs)
	})

	t.Run("ambiguous container name fails the deployment stage", func(t *testing.T) {
		fsys := memfs.New()
		ambiguous := `{
  "family": "api",
  "containerDefinitions": [
    {"name": "api", "image": "a"},
    {"name": "api", "image": "b"}
  ]
}`
		require.NoError(t, util.WriteFile(fsys, "/deploy/taskdef.json", []byte(ambiguous), 0o644))

		reg := &mockRegistry{endpoint: "registry.example.com"}
		deployer := &mockDeployer{}

		p := New(pushConfig(), reg, &mockScanner{}, &mockBuilder{}, &mockNotifier{}, deployer, WithFilesystem(fsys))
		err := p.Run(context.Background())
		require.Error(t, err)
		assert.Equal(t, pipeerrors.CodeSpecification, pipeerrors.CodeOf(err))
		assert.Empty(t, deployer.inputs)
	})
}
