package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockECRAPI implements ECRAPI for testing.
type mockECRAPI struct {
	getAuthorizationTokenFunc func(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

func (m *mockECRAPI) GetAuthorizationToken(
	ctx context.Context,
	params *ecr.GetAuthorizationTokenInput,
	optFns ...func(*ecr.Options),
) (*ecr.GetAuthorizationTokenOutput, error) {
	if m.getAuthorizationTokenFunc != nil {
		return m.getAuthorizationTokenFunc(ctx, params, optFns...)
	}
	return nil, errors.New("GetAuthorizationToken not implemented")
}

func authOutput(user, pass, endpoint string) *ecr.GetAuthorizationTokenOutput {
	token := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
	return &ecr.GetAuthorizationTokenOutput{
		AuthorizationData: []types.AuthorizationData{
			{
				AuthorizationToken: aws.String(token),
				ProxyEndpoint:      aws.String(endpoint),
			},
		},
	}
}

func TestClient_Endpoint(t *testing.T) {
	api := &mockECRAPI{
		getAuthorizationTokenFunc: func(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
			return authOutput("AWS", "tok", "https://123456789012.dkr.ecr.eu-west-1.amazonaws.com"), nil
		},
	}

	endpoint, err := NewWithAPI(api).Endpoint(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "123456789012.dkr.ecr.eu-west-1.amazonaws.com", endpoint)
}

func TestClient_AuthToken(t *testing.T) {
	api := &mockECRAPI{
		getAuthorizationTokenFunc: func(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
			return authOutput("AWS", "s3cret", "https://registry.example"), nil
		},
	}

	auth, err := NewWithAPI(api).AuthToken(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "AWS", auth.Username)
	assert.Equal(t, "s3cret", auth.Password)
	assert.Equal(t, "https://registry.example", auth.ServerAddress)
}

func TestClient_AuthTokenErrors(t *testing.T) {
	tests := []struct {
		name string
		fn   func(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
	}{
		{
			name: "api error",
			fn: func(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
				return nil, errors.New("throttled")
			},
		},
		{
			name: "empty authorization data",
			fn: func(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
				return &ecr.GetAuthorizationTokenOutput{}, nil
			},
		},
		{
			name: "token not base64",
			fn: func(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
				return &ecr.GetAuthorizationTokenOutput{
					AuthorizationData: []types.AuthorizationData{
						{
							AuthorizationToken: aws.String("%%%"),
							ProxyEndpoint:      aws.String("https://registry.example"),
						},
					},
				}, nil
			},
		},
		{
			name: "token missing separator",
			fn: func(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
				token := base64.StdEncoding.EncodeToString([]byte("no-separator"))
				return &ecr.GetAuthorizationTokenOutput{
					AuthorizationData: []types.AuthorizationData{
						{
							AuthorizationToken: aws.String(token),
							ProxyEndpoint:      aws.String("https://registry.example"),
						},
					},
				}, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewWithAPI(&mockECRAPI{getAuthorizationTokenFunc: tt.fn})
			_, err := client.AuthToken(context.Background())
			require.Error(t, err)
		})
	}
}
