package console

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/metrics"
	"github.com/gregtusar/etfarb/pkg/models"
)

const testKey = "0123456789abcdef0123456789abcdef"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type recordingDispatcher struct {
	mu       sync.Mutex
	commands []models.Command
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, cmd models.Command) models.CommandReply {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, cmd)
	return models.CommandReply{OK: true, Message: string(cmd.Kind)}
}

func (d *recordingDispatcher) seen() []models.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Command(nil), d.commands...)
}

func TestTokenRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer(testKey, time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	token, err := issuer.Issue("alice", RoleOperator)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "alice" || claims.Role != RoleOperator {
		t.Fatalf("claims=%+v", claims)
	}
}

func TestTokenRejections(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	issuer, _ := NewTokenIssuer(testKey, time.Minute)
	issuer.WithClock(func() time.Time { return base })
	valid, _ := issuer.Issue("alice", RoleOperator)

	other, _ := NewTokenIssuer("another-key-of-sufficient-size", time.Minute)
	other.WithClock(func() time.Time { return base })
	foreign, _ := other.Issue("mallory", RoleOperator)

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role: RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(base.Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	badRole, _ := issuer.Issue("bob", "admin")

	tests := []struct {
		name  string
		token string
		at    time.Time
	}{
		{"expired", valid, base.Add(2 * time.Minute)},
		{"wrong key", foreign, base},
		{"unsigned", none, base},
		{"unknown role", badRole, base},
		{"garbage", "not.a.token", base},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := tt.at
			issuer.WithClock(func() time.Time { return at })
			if _, err := issuer.Verify(tt.token); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("err=%v want ErrUnauthorized", err)
			}
		})
	}

	if _, err := NewTokenIssuer("short", time.Minute); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("short key err=%v", err)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/console?token=q", nil)
	if tok, err := BearerToken(r); err != nil || tok != "q" {
		t.Fatalf("query token=%q err=%v", tok, err)
	}
	r.Header.Set("Authorization", "Bearer h")
	if tok, err := BearerToken(r); err != nil || tok != "h" {
		t.Fatalf("header token=%q err=%v", tok, err)
	}
	r.Header.Set("Authorization", "Basic x")
	if _, err := BearerToken(r); err == nil {
		t.Fatal("basic auth accepted")
	}
}

func startServer(t *testing.T) (*httptest.Server, *TokenIssuer, *recordingDispatcher, *metrics.Metrics) {
	t.Helper()
	issuer, err := NewTokenIssuer(testKey, time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	d := &recordingDispatcher{}
	m := metrics.New(false)
	srv := httptest.NewServer(NewHandler(issuer, d, m, quietLogger()))
	t.Cleanup(srv.Close)
	return srv, issuer, d, m
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientSendsCommands(t *testing.T) {
	srv, issuer, d, _ := startServer(t)
	token, _ := issuer.Issue("alice", RoleOperator)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := NewClient(wsURL(srv), token, quietLogger())
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	for _, line := range []string{"pause", "buy sad 100 limit 10.5", "disable tender"} {
		reply, err := c.Send(ctx, line)
		if err != nil {
			t.Fatalf("send %q: %v", line, err)
		}
		if !reply.OK || reply.ID == "" {
			t.Fatalf("reply=%+v", reply)
		}
	}

	got := d.seen()
	if len(got) != 3 {
		t.Fatalf("dispatched=%+v", got)
	}
	if got[1].Kind != models.CommandOrder || got[1].Ticker != "SAD" || got[1].Price == nil || *got[1].Price != 10.5 {
		t.Fatalf("order command=%+v", got[1])
	}
	if got[2].Kind != models.CommandDisable || got[2].Strategy != "tender" {
		t.Fatalf("toggle command=%+v", got[2])
	}

	if _, err := c.Send(ctx, "launch rockets"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("bad line err=%v", err)
	}
}

func TestHandlerRejectsBadTokens(t *testing.T) {
	srv, _, _, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewClient(wsURL(srv), "bogus", quietLogger())
	if err := c.Connect(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err=%v want ErrUnauthorized", err)
	}
}

func TestViewerIsReadOnly(t *testing.T) {
	srv, issuer, d, _ := startServer(t)
	token, _ := issuer.Issue("eve", RoleViewer)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Request{Line: "resume"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply models.CommandReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.OK || reply.ID == "" || reply.Message != "read-only session" {
		t.Fatalf("reply=%+v", reply)
	}
	if len(d.seen()) != 0 {
		t.Fatal("viewer command reached the dispatcher")
	}
}
