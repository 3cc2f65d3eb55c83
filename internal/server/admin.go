package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/bkcoop/coop-server/internal/reliable"
)

// AdminServer is the optional HTTP sidecar exposing /health and /metrics.
// It never serves game traffic; binding it to a private interface is the
// operator's job.
type AdminServer struct {
	srv    *http.Server
	game   *Server
	logger zerolog.Logger
	proc   *process.Process
}

func NewAdminServer(addr string, game *Server, logger zerolog.Logger) *AdminServer {
	a := &AdminServer{
		game:   game,
		logger: logger.With().Str("component", "admin").Logger(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		a.proc = p
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	a.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return a
}

// Start serves in a background goroutine until Shutdown.
func (a *AdminServer) Start() {
	go func() {
		a.logger.Info().Str("addr", a.srv.Addr).Msg("Admin listener started")
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("Admin listener failed")
		}
	}()
}

func (a *AdminServer) Shutdown(ctx context.Context) {
	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Admin shutdown error")
	}
}

type healthResponse struct {
	Status          string  `json:"status"`
	Players         int     `json:"players"`
	Lobbies         int     `json:"lobbies"`
	ReliablePending int     `json:"reliable_pending"`
	WorkerQueue     int     `json:"worker_queue_depth"`
	DroppedTasks    int64   `json:"dropped_tasks"`
	Goroutines      int     `json:"goroutines"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryMB        float64 `json:"memory_mb"`
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	st := a.game.State()
	resp := healthResponse{
		Status:          "healthy",
		Players:         st.PlayerCount(),
		Lobbies:         st.LobbyCount(),
		ReliablePending: a.game.endpoint.PendingCount(),
		WorkerQueue:     a.game.pool.QueueDepth(),
		DroppedTasks:    a.game.pool.DroppedTasks(),
		Goroutines:      runtime.NumGoroutine(),
	}

	if a.proc != nil {
		if cpu, err := a.proc.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
		if mi, err := a.proc.MemoryInfo(); err == nil {
			resp.MemoryMB = float64(mi.RSS) / 1024.0 / 1024.0
		}
	}

	// A saturated reliable table means broadcasts are not getting through.
	if resp.ReliablePending > reliable.MaxPending/2 {
		resp.Status = "degraded"
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to encode health response")
	}
}
