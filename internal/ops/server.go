// Package ops exposes the operator HTTP surface: engine status, risk guard
// reset and an SSE stream of archived executions.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/arbit/internal/domain"
	"github.com/vadiminshakov/arbit/internal/services/riskguard"
	"github.com/vadiminshakov/arbit/internal/storage/executions"
	"go.uber.org/zap"
)

const (
	archivePollInterval = 3 * time.Second
	heartbeatInterval   = 20 * time.Second
	shutdownTimeout     = 5 * time.Second
)

type executionReader interface {
	RecordsAfter(index uint64) ([]executions.Record, error)
	CurrentIndex() uint64
}

type guard interface {
	Snapshot() riskguard.State
	IsTripped() bool
	Reset()
}

// Server serves status, risk control and the execution history stream.
type Server struct {
	addr    string
	pair    domain.Pair
	guard   guard
	archive executionReader
	logger  *zap.Logger
	started time.Time
}

// NewServer creates the operator server. The archive may be nil, in which case
// the execution stream reports unavailable.
func NewServer(addr string, pair domain.Pair, g guard, archive executionReader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		addr:    addr,
		pair:    pair,
		guard:   g,
		archive: archive,
		logger:  logger,
		started: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/risk/reset", s.handleRiskReset)
	mux.HandleFunc("/executions/stream", s.handleExecutionStream)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("ops server shutdown", zap.Error(err))
		}
	}()

	s.logger.Info("ops server listening", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "ops server")
	}
	return nil
}

type statusResponse struct {
	Pair                string    `json:"pair"`
	UptimeSeconds       int64     `json:"uptime_seconds"`
	RiskTripped         bool      `json:"risk_tripped"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TrippedAt           time.Time `json:"tripped_at,omitempty"`
	UnwindFailed        bool      `json:"unwind_failed"`
	ArchivedExecutions  uint64    `json:"archived_executions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := s.guard.Snapshot()
	resp := statusResponse{
		Pair:                s.pair.String(),
		UptimeSeconds:       int64(time.Since(s.started).Seconds()),
		RiskTripped:         s.guard.IsTripped(),
		ConsecutiveFailures: state.ConsecutiveFailures,
		TrippedAt:           state.TrippedAt,
		UnwindFailed:        state.UnwindFailed,
	}
	if s.archive != nil {
		resp.ArchivedExecutions = s.archive.CurrentIndex()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("status encode failed", zap.Error(err))
	}
}

// handleRiskReset clears the trip and the unwind-failed latch. Restarting a
// halted coordinator still requires a process restart: a failed unwind means
// an unknown position is sitting on a venue.
func (s *Server) handleRiskReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.guard.Reset()
	s.logger.Info("risk guard reset via ops endpoint", zap.String("remote", r.RemoteAddr))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecutionStream(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, "execution archive not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(archivePollInterval)
	defer poll.Stop()

	lastIndex := parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id"))
	send := func() error {
		records, err := s.archive.RecordsAfter(lastIndex)
		if err != nil {
			return err
		}
		for _, record := range records {
			payload, err := json.Marshal(record.Execution)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\n", record.Index)
			fmt.Fprintf(w, "event: execution\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			lastIndex = record.Index
		}
		return nil
	}

	if err := send(); err != nil {
		s.logger.Warn("execution stream initial load failed", zap.Error(err))
		http.Error(w, "failed to load executions", http.StatusInternalServerError)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-poll.C:
			if err := send(); err != nil {
				s.logger.Warn("execution stream poll failed", zap.Error(err))
			}
		}
	}
}

// parseLastEventID reads the SSE resume position from the Last-Event-ID header,
// falling back to a query parameter for manual reconnects.
func parseLastEventID(headerVal, queryVal string) uint64 {
	idStr := strings.TrimSpace(headerVal)
	if idStr == "" {
		idStr = strings.TrimSpace(queryVal)
	}
	if idStr == "" {
		return 0
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
