package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/iminsight/internal/extractor"
	"github.com/MikeSquared-Agency/iminsight/internal/market"
	"github.com/MikeSquared-Agency/iminsight/internal/processor"
	"github.com/MikeSquared-Agency/iminsight/internal/report"
	"github.com/MikeSquared-Agency/iminsight/internal/store"
)

const (
	defaultSignalLimit = 100
	maxSignalLimit     = 1000
)

type Pipeline interface {
	Snapshot() processor.Stats
	InFlight() int
}

type Limiter interface {
	State() extractor.State
	Used() int
	Limit() int
}

// Queue is the inbound event buffer.
type Queue interface {
	Len() int
	Dropped() int64
}

type Reporter interface {
	Generate(ctx context.Context, kind report.Kind) (report.Result, error)
}

// Bus is the message bus connection.
type Bus interface {
	Connected() bool
}

type SignalReader interface {
	QuerySignals(ctx context.Context, f store.SignalFilter) ([]market.Signal, error)
}

// Deps are the components the API reads from. Nil members are reported as
// absent rather than failing the request.
type Deps struct {
	Pipeline Pipeline
	Limiter  Limiter
	Queue    Queue
	Reporter Reporter
	Signals  SignalReader
	Bus      Bus
}

type Server struct {
	router   *chi.Mux
	http     *http.Server
	apiToken string
	deps     Deps
	logger   *slog.Logger
}

func NewServer(port int, apiToken string, deps Deps, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		apiToken: apiToken,
		deps:     deps,
		logger:   logger,
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	router.Get("/health", s.health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/status", s.status)
		r.Get("/signals", s.signals)
		// Reports are slow on large stores; allow more than a default client timeout.
		r.With(middleware.Timeout(2*time.Minute)).Post("/reports/{kind}", s.generateReport)
	})

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks until the server stops. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// BearerAuthMiddleware rejects requests without the configured token. An
// empty token disables the check.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			got, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type limiterStatus struct {
	State string `json:"state"`
	Used  int    `json:"used"`
	Limit int    `json:"limit"`
}

type queueStatus struct {
	Length  int   `json:"length"`
	Dropped int64 `json:"dropped"`
}

type busStatus struct {
	Connected bool `json:"connected"`
}

type statusResponse struct {
	Agent    string           `json:"agent"`
	Totals   *processor.Stats `json:"totals,omitempty"`
	InFlight int              `json:"in_flight"`
	Limiter  *limiterStatus   `json:"limiter,omitempty"`
	Queue    *queueStatus     `json:"queue,omitempty"`
	Bus      *busStatus       `json:"bus,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Agent: "iminsight"}
	if p := s.deps.Pipeline; p != nil {
		totals := p.Snapshot()
		resp.Totals = &totals
		resp.InFlight = p.InFlight()
	}
	if l := s.deps.Limiter; l != nil {
		resp.Limiter = &limiterStatus{State: l.State().String(), Used: l.Used(), Limit: l.Limit()}
	}
	if q := s.deps.Queue; q != nil {
		resp.Queue = &queueStatus{Length: q.Len(), Dropped: q.Dropped()}
	}
	if b := s.deps.Bus; b != nil {
		resp.Bus = &busStatus{Connected: b.Connected()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) signals(w http.ResponseWriter, r *http.Request) {
	if s.deps.Signals == nil {
		writeError(w, http.StatusServiceUnavailable, "signal store not configured")
		return
	}

	q := r.URL.Query()
	f := store.SignalFilter{Room: q.Get("room"), Limit: defaultSignalLimit}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxSignalLimit)
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}

	out, err := s.deps.Signals.QuerySignals(r.Context(), f)
	if err != nil {
		s.logger.Error("query signals failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query signals failed")
		return
	}
	if out == nil {
		out = []market.Signal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": out, "count": len(out)})
}

func (s *Server) generateReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reporter == nil {
		writeError(w, http.StatusServiceUnavailable, "reports not configured")
		return
	}

	raw := chi.URLParam(r, "kind")
	kinds := report.Kinds
	if !strings.EqualFold(raw, "all") {
		kind, err := report.ParseKind(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kinds = []report.Kind{kind}
	}

	results := make([]report.Result, 0, len(kinds))
	for _, kind := range kinds {
		res, err := s.deps.Reporter.Generate(r.Context(), kind)
		if err != nil {
			s.logger.Error("report generation failed", "kind", kind, "error", err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("generate %s report failed", kind))
			return
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
