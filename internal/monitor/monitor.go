// Package monitor serves the live pipeline status and charts of recorded
// telemetry over HTTP.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/ultralight/internal/db"
	"github.com/banshee-data/ultralight/internal/httputil"
	"github.com/banshee-data/ultralight/internal/monitoring"
	"github.com/banshee-data/ultralight/internal/pipeline"
	"github.com/banshee-data/ultralight/internal/timeutil"
	"github.com/banshee-data/ultralight/internal/version"
)

// StatusSource publishes the loop state.
type StatusSource interface {
	Status() pipeline.Status
}

// Store is the subset of the database the monitor reads.
type Store interface {
	RecentTelemetry(kind string, limit int) ([]db.TelemetryRecord, error)
	Intervals(limit int) ([]db.IntervalRecord, error)
}

// Config wires a Server. Store may be nil when no database is configured.
type Config struct {
	Status StatusSource
	Store  Store
	Clock  timeutil.Clock
}

// Server handles the monitoring endpoints.
type Server struct {
	status  StatusSource
	store   Store
	clock   timeutil.Clock
	started time.Time
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Server{
		status:  cfg.Status,
		store:   cfg.Store,
		clock:   cfg.Clock,
		started: cfg.Clock.Now(),
	}
}

// AttachRoutes mounts the API on mux and the chart on the tsweb debug page.
func (s *Server) AttachRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/intervals", s.handleIntervals)

	debug := tsweb.Debugger(mux)
	debug.HandleFunc("ultra/chart", "raw and filtered distance of recent cycles", s.handleChart)
}

type healthResponse struct {
	Status  string    `json:"status"`
	Service string    `json:"service"`
	Version string    `json:"version"`
	GitSHA  string    `json:"git_sha"`
	Uptime  string    `json:"uptime"`
	Time    time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	httputil.WriteJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Service: "ultralight",
		Version: version.Version,
		GitSHA:  version.GitSHA,
		Uptime:  now.Sub(s.started).Truncate(time.Second).String(),
		Time:    now.UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.status.Status())
}

func (s *Server) handleIntervals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	limit, err := queryLimit(r, 50, 1000)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	ivs, err := s.store.Intervals(limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load intervals: %v", err))
		return
	}
	if ivs == nil {
		ivs = []db.IntervalRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, ivs)
}

func queryLimit(r *http.Request, def, max int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > max {
		return 0, fmt.Errorf("limit must be between 1 and %d", max)
	}
	return n, nil
}

// Serve runs an HTTP server for h on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("Starting HTTP server on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	monitoring.Logf("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := srv.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	return nil
}
