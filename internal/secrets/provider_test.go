package secrets

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeAccessor struct {
	values map[string]string
	names  []string
}

func (f *fakeAccessor) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.names = append(f.names, req.GetName())
	v, ok := f.values[req.GetName()]
	if !ok {
		return nil, errors.New("rpc error: code = NotFound")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(v)},
	}, nil
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	p := EnvProvider{}
	assert.Equal(t, "sk-env", p.Get(context.Background(), "OPENAI_API_KEY"))
	assert.Equal(t, "", p.Get(context.Background(), "DELIVERYBOT_SURELY_UNSET"))
}

func TestGCPProvider_ReadsLatestVersion(t *testing.T) {
	acc := &fakeAccessor{values: map[string]string{
		"projects/p1/secrets/TELEGRAM_BOT_TOKEN/versions/latest": "123:abc\n",
	}}
	p := NewGCPProvider("p1", acc, zap.NewNop())

	assert.Equal(t, "123:abc", p.Get(context.Background(), "TELEGRAM_BOT_TOKEN"))
	assert.Equal(t, []string{"projects/p1/secrets/TELEGRAM_BOT_TOKEN/versions/latest"}, acc.names)
}

func TestGCPProvider_FallsBackToEnv(t *testing.T) {
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	p := NewGCPProvider("p1", &fakeAccessor{}, zap.NewNop())

	assert.Equal(t, "42", p.Get(context.Background(), "TELEGRAM_CHAT_ID"))
	assert.Equal(t, "", p.Get(context.Background(), "DELIVERYBOT_SURELY_UNSET"))
}

func TestNewProvider_NoProjectUsesEnv(t *testing.T) {
	p, closeFn := NewProvider(context.Background(), "", zap.NewNop())
	defer closeFn()
	assert.IsType(t, EnvProvider{}, p)
}
