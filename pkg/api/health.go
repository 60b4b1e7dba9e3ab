package api

import (
	"net/http"
	"time"

	"chainnet/pkg/peerpool"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// HealthEndpoint provides HTTP health check endpoints backed by the pool
type HealthEndpoint struct {
	pool   *peerpool.Pool
	logger *zap.Logger
}

// NewHealthEndpoint creates health check HTTP handlers
func NewHealthEndpoint(pool *peerpool.Pool, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthEndpoint{
		pool:   pool,
		logger: logger,
	}
}

// Register mounts /health, /health/live and /health/ready
func (he *HealthEndpoint) Register(r chi.Router) {
	r.Get("/health", he.handleHealth)
	r.Get("/health/live", he.handleLiveness)
	r.Get("/health/ready", he.handleReadiness)
}

type healthResponse struct {
	Status         string    `json:"status"`
	HealthScore    float64   `json:"health_score"`
	NetworkChainID string    `json:"network_chain_id,omitempty"`
	NetworkHeight  int64     `json:"network_height,omitempty"`
	Peers          int       `json:"peers"`
	Alive          int       `json:"alive"`
	Dead           int       `json:"dead"`
	Suspect        int       `json:"suspect"`
	PoolStarted    bool      `json:"pool_started"`
	Timestamp      time.Time `json:"timestamp"`
}

// Score is the share of known peers that are alive, 0-100
func Score(snap peerpool.Snapshot) float64 {
	total, alive, _, _, _ := snap.Counts()
	if total == 0 {
		return 0
	}
	return float64(alive) / float64(total) * 100
}

// handleHealth provides detailed health information
func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := he.pool.Snapshot()
	total, alive, dead, _, suspect := snap.Counts()
	score := Score(snap)

	resp := healthResponse{
		HealthScore:    score,
		NetworkChainID: snap.NetworkChainID,
		Peers:          total,
		Alive:          alive,
		Dead:           dead,
		Suspect:        suspect,
		PoolStarted:    he.pool.Started(),
		Timestamp:      snap.TakenAt.UTC(),
	}
	if h, ok := he.pool.NetworkHeight(); ok {
		resp.NetworkHeight = h
	}

	statusCode := http.StatusOK
	switch {
	case alive == 0:
		resp.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	case alive < 2 || score < 50:
		resp.Status = "degraded"
	default:
		resp.Status = "healthy"
	}
	writeJSON(w, statusCode, resp)
}

// handleLiveness checks if the service is alive
func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReadiness reports ready once at least one peer is alive
func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	_, alive, _, _, _ := he.pool.Snapshot().Counts()
	if alive > 0 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
		return
	}
	he.logger.Debug("Readiness check failed: no alive peers")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("NOT READY"))
}
