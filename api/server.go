package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/console"
	"github.com/gregtusar/etfarb/pkg/metrics"
	"github.com/gregtusar/etfarb/pkg/models"
	"github.com/gregtusar/etfarb/pkg/trader"
)

const shutdownTimeout = 5 * time.Second

// Trader is the part of the trading loop the HTTP API reads and steers.
type Trader interface {
	console.Dispatcher
	Status() *trader.Status
	Strategies() map[string]bool
	SetStrategy(name string, enabled bool) error
}

type Server struct {
	trader  Trader
	console http.Handler
	metrics *metrics.Metrics
	logger  *logrus.Logger
	port    int
	origins []string
	router  *mux.Router
}

func NewServer(t Trader, consoleHandler http.Handler, m *metrics.Metrics, logger *logrus.Logger, port int, origins []string) *Server {
	s := &Server{
		trader:  t,
		console: consoleHandler,
		metrics: m,
		logger:  logger,
		port:    port,
		origins: origins,
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/strategies", s.handleStrategies).Methods(http.MethodGet)
	api.HandleFunc("/strategies/{name}", s.handleSetStrategy).Methods(http.MethodPost)
	if s.console != nil {
		api.Handle("/console", s.console)
	}
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
}

// Handler is the routed API behind the CORS policy.
func (s *Server) Handler() http.Handler {
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("port", s.port).Info("Starting API server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.trader.Status()
	if st == nil {
		http.Error(w, "status not yet available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.trader.Strategies())
}

type strategyToggle struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var body strategyToggle
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.trader.SetStrategy(name, body.Enabled); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, models.ErrValidation) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.writeJSON(w, http.StatusOK, s.trader.Strategies())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
