package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/lightning-detector/internal/adapter/sqlite"
	"github.com/couchcryptid/lightning-detector/internal/domain"
)

const (
	defaultHistoryLimit = 12
	maxHistoryLimit     = 288
)

// StateReader exposes the live accumulator state.
type StateReader interface {
	Status() domain.StormStatus
	LatestRings() (domain.RingSnapshot, bool)
}

// HistoryReader exposes stored storm history.
type HistoryReader interface {
	RecentPeriods(ctx context.Context, limit int) ([]sqlite.PeriodRecord, error)
	DetectionCount(ctx context.Context, since time.Time) (int, error)
}

// Server exposes health, readiness, metrics and detector state over HTTP.
type Server struct {
	httpServer *http.Server
	state      StateReader
	history    HistoryReader
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics, /status,
// /rings and /history routes. history may be nil when no store is configured.
func NewServer(addr string, ready sharedobs.ReadinessChecker, state StateReader, history HistoryReader, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		state:   state,
		history: history,
		logger:  logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /rings", s.handleRings)
	mux.HandleFunc("GET /history", s.handleHistory)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state.Status())
}

func (s *Server) handleRings(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.state.LatestRings()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no ring snapshot published yet"})
		return
	}
	body, err := domain.MarshalSnapshot(snap)
	if err != nil {
		s.logger.Error("encode rings", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "encode rings"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body) //nolint:errcheck // best-effort response
}

type historyResponse struct {
	Periods       []sqlite.PeriodRecord `json:"periods"`
	Detections24h int                   `json:"detections_24h"`
	Limit         int                   `json:"limit"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "history store not configured"})
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be an integer between 1 and " + strconv.Itoa(maxHistoryLimit),
			})
			return
		}
		limit = n
	}

	periods, err := s.history.RecentPeriods(r.Context(), limit)
	if err != nil {
		s.logger.Error("read history", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "read history"})
		return
	}
	count, err := s.history.DetectionCount(r.Context(), time.Now().Add(-24*time.Hour))
	if err != nil {
		s.logger.Error("count detections", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "count detections"})
		return
	}
	if periods == nil {
		periods = []sqlite.PeriodRecord{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Periods: periods, Detections24h: count, Limit: limit})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
