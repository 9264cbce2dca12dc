package secrets

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/sirupsen/logrus"
)

type fakeAccessor struct {
	values map[string]string
	names  []string
	closed bool
}

func (f *fakeAccessor) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.names = append(f.names, req.GetName())
	v, ok := f.values[req.GetName()]
	if !ok {
		return nil, errors.New("not found")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(v)},
	}, nil
}

func (f *fakeAccessor) Close() error {
	f.closed = true
	return nil
}

func TestGetSecretWithDefault(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	fake := &fakeAccessor{values: map[string]string{
		"projects/desk/secrets/etfarb-venue-api-key/versions/latest": " KEY123\n",
	}}
	g := &GCPSecretManager{client: fake, projectID: "desk", logger: logger}
	ctx := context.Background()

	if got := g.GetSecretWithDefault(ctx, "etfarb-venue-api-key", ""); got != "KEY123" {
		t.Fatalf("secret=%q want KEY123", got)
	}
	if got := g.GetSecretWithDefault(ctx, "missing", "fallback"); got != "fallback" {
		t.Fatalf("secret=%q want fallback", got)
	}
	if got := g.GetSecretWithDefault(ctx, "", "empty"); got != "empty" {
		t.Fatalf("secret=%q want empty", got)
	}
	if len(fake.names) != 2 {
		t.Fatalf("calls=%v want 2", fake.names)
	}
	if _, err := g.GetSecret(ctx, "missing"); err == nil {
		t.Fatal("expected an error for a missing secret")
	}
	_ = g.Close()
	if !fake.closed {
		t.Fatal("client not closed")
	}
}
