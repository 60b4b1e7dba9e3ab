// Package api exposes the peer pool and chain client over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"chainnet/pkg/chainclient"
	"chainnet/pkg/peerpool"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the chainnet HTTP API server
type Server struct {
	pool   *peerpool.Pool
	client *chainclient.Client
	logger *zap.Logger

	gatherer prometheus.Gatherer
	timeout  time.Duration
}

// NewServer creates a server over client and its pool
func NewServer(client *chainclient.Client, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		pool:    client.Pool(),
		client:  client,
		logger:  logger.Named("api"),
		timeout: 2 * time.Minute,
	}
}

// EnableMetrics mounts /metrics for g. A nil gatherer uses the default registry.
func (s *Server) EnableMetrics(g prometheus.Gatherer) {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	s.gatherer = g
}

// Handler returns the chi router with all routes mounted
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	health := NewHealthEndpoint(s.pool, s.logger)
	health.Register(r)

	r.Route("/net", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/validators", s.handleValidators)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/peers", s.handleAddPeer)
		r.Get("/rpc/*", s.handlePassthrough(s.pool.RPCGet))
		r.Get("/rest/*", s.handlePassthrough(s.pool.RESTGet))
		r.Get("/read", s.handleRead)
		r.Post("/broadcast", s.handleBroadcast)
		r.Get("/tx/{hash}", s.handleTx)
		r.Get("/grpc/health", s.handleGRPCHealth)
	})

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", zap.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("Stopping API server")
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string      `json:"error"`
	Kind   string      `json:"kind,omitempty"`
	Code   int64       `json:"code,omitempty"`
	Log    string      `json:"log,omitempty"`
	Peer   string      `json:"peer,omitempty"`
	TxHash string      `json:"txHash,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeClientError maps a chain client failure onto an HTTP status. result,
// when non-nil, is returned alongside so callers keep partial outcomes such as
// the tx hash of an unconfirmed broadcast.
func writeClientError(w http.ResponseWriter, err error, result interface{}) {
	body := errorBody{Error: err.Error(), Result: result}
	var ce *chainclient.Error
	if errors.As(err, &ce) {
		body.Kind = string(ce.Kind)
		body.Code = ce.Code
		body.Log = ce.Log
		body.Peer = ce.Peer
		body.TxHash = ce.TxHash
	}
	writeJSON(w, statusFor(err), body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chainclient.ErrInvalidTx), errors.Is(err, chainclient.ErrInvalidKind):
		return http.StatusBadRequest
	case errors.Is(err, chainclient.ErrTxNotFound):
		return http.StatusNotFound
	}
	switch chainclient.KindOf(err) {
	case chainclient.KindExhaustion:
		return http.StatusServiceUnavailable
	case chainclient.KindTransport:
		return http.StatusBadGateway
	case chainclient.KindConsistency:
		return http.StatusConflict
	case chainclient.KindConfirmationTimeout:
		return http.StatusGatewayTimeout
	case chainclient.KindApplication:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
