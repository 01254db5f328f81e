package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
)

// Provider resolves a named value. An unset name yields "".
type Provider interface {
	Get(ctx context.Context, name string) string
}

// EnvProvider reads process environment variables.
type EnvProvider struct{}

func (EnvProvider) Get(_ context.Context, name string) string {
	return os.Getenv(name)
}

// Accessor is the part of the Secret Manager client used here.
type Accessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

// GCPProvider reads the latest version of a secret, falling back to the
// environment when the secret cannot be read.
type GCPProvider struct {
	projectID string
	client    Accessor
	fallback  Provider
	logger    *zap.Logger
}

func NewGCPProvider(projectID string, client Accessor, logger *zap.Logger) *GCPProvider {
	return &GCPProvider{
		projectID: projectID,
		client:    client,
		fallback:  EnvProvider{},
		logger:    logger,
	}
}

func (p *GCPProvider) Get(ctx context.Context, name string) string {
	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", p.projectID, name),
	}
	resp, err := p.client.AccessSecretVersion(ctx, req)
	if err != nil {
		// 只记录名称，不记录值
		p.logger.Warn("Secret Manager lookup failed, using environment",
			zap.String("secret", name),
			zap.Error(err),
		)
		return p.fallback.Get(ctx, name)
	}
	return strings.TrimSpace(string(resp.GetPayload().GetData()))
}

// NewProvider returns a GCPProvider when projectID is set and a client can be
// created, otherwise an EnvProvider. The returned close func is never nil.
func NewProvider(ctx context.Context, projectID string, logger *zap.Logger) (Provider, func()) {
	if projectID == "" {
		return EnvProvider{}, func() {}
	}
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		logger.Warn("Secret Manager unavailable, using environment", zap.Error(err))
		return EnvProvider{}, func() {}
	}
	logger.Info("Using GCP Secret Manager", zap.String("project_id", projectID))
	return NewGCPProvider(projectID, client, logger), func() { _ = client.Close() }
}
