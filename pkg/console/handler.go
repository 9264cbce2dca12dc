package console

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/metrics"
	"github.com/gregtusar/etfarb/pkg/models"
)

const (
	idleTimeout  = 90 * time.Second
	writeTimeout = 5 * time.Second
)

// Dispatcher executes one operator command and reports the outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd models.Command) models.CommandReply
}

// Request is what a console sends: either a parsed command or a raw
// command line.
type Request struct {
	models.Command
	Line string `json:"line,omitempty"`
}

// Handler upgrades authenticated requests to a websocket and relays
// commands to the dispatcher, one reply per request.
type Handler struct {
	issuer     *TokenIssuer
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	metrics    *metrics.Metrics
	logger     *logrus.Logger
}

func NewHandler(issuer *TokenIssuer, dispatcher Dispatcher, m *metrics.Metrics, logger *logrus.Logger) *Handler {
	return &Handler{
		issuer:     issuer,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origin policy is enforced by the CORS layer in front
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: m,
		logger:  logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := BearerToken(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	claims, err := h.issuer.Verify(raw)
	if err != nil {
		h.logger.WithError(err).Warn("Rejected console connection")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade console connection")
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.ConsoleClients.Inc()
		defer h.metrics.ConsoleClients.Dec()
	}
	log := h.logger.WithFields(logrus.Fields{"operator": claims.Subject, "role": claims.Role})
	log.Info("Console connected")

	_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Warn("Console connection dropped")
			} else if _, ok := err.(*json.SyntaxError); ok {
				log.WithError(err).Warn("Malformed console message")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))

		reply := h.handle(r.Context(), claims, req)
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(reply); err != nil {
			log.WithError(err).Error("Failed to write console reply")
			return
		}
	}
}

func (h *Handler) handle(ctx context.Context, claims *Claims, req Request) models.CommandReply {
	cmd := req.Command
	if strings.TrimSpace(req.Line) != "" {
		parsed, err := models.ParseCommand(req.Line)
		if err != nil {
			return models.CommandReply{ID: idOr(req.ID), Message: err.Error()}
		}
		cmd = parsed
	}
	cmd.ID = idOr(req.ID)
	if cmd.Kind == "" {
		return models.CommandReply{ID: cmd.ID, Message: "empty command"}
	}
	if claims.Role != RoleOperator {
		return models.CommandReply{ID: cmd.ID, Message: "read-only session"}
	}

	h.logger.WithFields(logrus.Fields{
		"command_id": cmd.ID,
		"kind":       cmd.Kind,
		"operator":   claims.Subject,
	}).Info("Console command")
	reply := h.dispatcher.Dispatch(ctx, cmd)
	reply.ID = cmd.ID
	return reply
}

func idOr(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}
