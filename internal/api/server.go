// Package api exposes the signal and polling surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/quantfold/deltadesk/internal/engine"
	"github.com/quantfold/deltadesk/internal/poller"
	"github.com/quantfold/deltadesk/internal/store"
)

// SignalRunner executes one trading signal.
type SignalRunner interface {
	Execute(ctx context.Context, sig engine.Signal) engine.ExecutionResult
}

// Poller is the polling control surface the server exposes.
type Poller interface {
	Start()
	Stop()
	PollOnce(ctx context.Context, scope engine.Scope) poller.PollResult
	Status() poller.Status
}

// Summarizer provides the record rollups for the summary endpoint.
type Summarizer interface {
	AccountSummaries(ctx context.Context) ([]store.DeltaSummary, error)
	InstrumentSummaries(ctx context.Context, account string) ([]store.DeltaSummary, error)
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	executor  SignalRunner
	poller    Poller
	store     Summarizer
	logger    *logrus.Logger
	port      int
	authToken string
}

type Config struct {
	Port      int
	AuthToken string
}

func NewServer(cfg Config, executor SignalRunner, p Poller, st Summarizer, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		executor:  executor,
		poller:    p,
		store:     st,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Post("/api/signal", s.handleSignal)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Post("/api/poll", s.handlePoll)
	s.router.Post("/api/polling/start", s.handlePollingStart)
	s.router.Post("/api/polling/stop", s.handlePollingStop)
	s.router.Get("/api/records/summary", s.handleRecordSummary)
	s.router.Get("/health", s.handleHealth)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting API server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var sig engine.Signal
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sig); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid signal payload: %v", err))
		return
	}
	if err := validateSignal(sig); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := s.executor.Execute(r.Context(), sig)
	status := http.StatusOK
	if !result.Success {
		switch {
		case errors.Is(result.Err, engine.ErrAccountNotEligible):
			status = http.StatusForbidden
		case errors.Is(result.Err, engine.ErrNoEligibleInstrument):
			status = http.StatusUnprocessableEntity
		default:
			status = http.StatusBadGateway
		}
	}
	s.writeJSON(w, status, result)
}

func validateSignal(sig engine.Signal) error {
	switch {
	case sig.AccountName == "":
		return fmt.Errorf("account_name is required")
	case sig.Symbol == "":
		return fmt.Errorf("symbol is required")
	case sig.Side != "buy" && sig.Side != "sell":
		return fmt.Errorf("side must be 'buy' or 'sell'")
	case sig.Size <= 0:
		return fmt.Errorf("size must be > 0")
	case sig.Count <= 0:
		return fmt.Errorf("count must be > 0")
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.poller.Status())
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	// An absent scope runs a full cycle: both scopes.
	scope := engine.Scope(r.URL.Query().Get("scope"))
	res := s.poller.PollOnce(r.Context(), scope)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, res)
}

func (s *Server) handlePollingStart(w http.ResponseWriter, r *http.Request) {
	s.poller.Start()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handlePollingStop(w http.ResponseWriter, r *http.Request) {
	s.poller.Stop()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleRecordSummary(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")

	var (
		summaries []store.DeltaSummary
		err       error
	)
	if account == "" {
		summaries, err = s.store.AccountSummaries(r.Context())
	} else {
		summaries, err = s.store.InstrumentSummaries(r.Context(), account)
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to load record summaries")
		s.writeError(w, http.StatusInternalServerError, "summary query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
