package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chainnet/pkg/chainclient"
	"chainnet/pkg/peerpool"
	"chainnet/pkg/types"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// maxRequestBody caps POST bodies; signed txs are far smaller
const maxRequestBody = 4 << 20

type stateResponse struct {
	peerpool.Snapshot
	NetworkHeight int64 `json:"networkHeight,omitempty"`
	Total         int   `json:"total"`
	Alive         int   `json:"alive"`
	Dead          int   `json:"dead"`
	Slow          int   `json:"slow"`
	Suspect       int   `json:"suspect"`

	GRPC peerpool.GRPCStats `json:"grpc"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.pool.Snapshot()
	resp := stateResponse{Snapshot: snap, GRPC: s.pool.GRPCStats()}
	resp.Total, resp.Alive, resp.Dead, resp.Slow, resp.Suspect = snap.Counts()
	if h, ok := s.pool.NetworkHeight(); ok {
		resp.NetworkHeight = h
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleValidators(w http.ResponseWriter, r *http.Request) {
	validators := s.pool.Validators()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"validators": validators,
		"count":      len(validators),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	result, err := s.pool.RefreshFromOnChain(r.Context())
	switch {
	case errors.Is(err, peerpool.ErrNoRESTPeers):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

type addPeerRequest struct {
	RPC  string `json:"rpc"`
	REST string `json:"rest,omitempty"`
	GRPC string `json:"grpc,omitempty"`
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var req addPeerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	peer, err := s.pool.AddUserPeer(req.RPC, req.REST, req.GRPC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// probe right away so the caller sees whether the node answers
	if _, err := s.pool.PingPeer(r.Context(), peer); err != nil {
		s.logger.Debug("New peer did not answer status", zap.String("peer", peer.RPC), zap.Error(err))
	}
	if fresh, ok := s.pool.Peer(peer.RPC); ok {
		peer = fresh
	}
	writeJSON(w, http.StatusCreated, peerpool.PeerStatus{
		Peer:  peer,
		Flags: peer.Flags(s.pool.Clock().Now(), s.pool.Options().StaleTTL),
	})
}

type getFunc func(ctx context.Context, path string, opts peerpool.RequestOptions) (*peerpool.Response, error)

// handlePassthrough relays a GET to the pool and copies the chosen peer's answer
func (s *Server) handlePassthrough(get getFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := "/" + chi.URLParam(r, "*")
		if r.URL.RawQuery != "" {
			path += "?" + r.URL.RawQuery
		}

		resp, err := get(r.Context(), path, peerpool.RequestOptions{})
		switch {
		case errors.Is(err, peerpool.ErrNoPeers):
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		case resp == nil || resp.Err != nil:
			msg := "request failed"
			if err != nil {
				msg = err.Error()
			}
			writeError(w, http.StatusBadGateway, msg)
			return
		}

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.Header().Set("X-Chainnet-Peer", resp.Peer.RPC)
		w.WriteHeader(resp.Status)
		_, _ = w.Write(resp.Body)
	}
}

type readResponse struct {
	*chainclient.ReadResult
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing path")
		return
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var kind types.EndpointKind
	if k := r.URL.Query().Get("kind"); k != "" {
		parsed, err := types.ParseKind(k)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind = parsed
	}

	opts := chainclient.ReadOptions{Kind: kind}
	if v := r.URL.Query().Get("strict"); v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid strict flag: "+v)
			return
		}
		opts.Strict = strict
	}

	result, err := s.client.ReadState(r.Context(), path, opts)
	if err != nil {
		var partial interface{}
		if result != nil {
			partial = result
		}
		writeClientError(w, err, partial)
		return
	}

	out := readResponse{ReadResult: result}
	if result.Response != nil {
		out.Status = result.Response.Status
	}
	if body := result.Body(); json.Valid(body) {
		out.Data = body
	}
	writeJSON(w, http.StatusOK, out)
}

type broadcastRequest struct {
	TxBytes string `json:"txBytes"`
	// ConfirmTimeoutMs overrides the default confirmation budget
	ConfirmTimeoutMs int64 `json:"confirmTimeoutMs,omitempty"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	opts := chainclient.BroadcastOptions{}
	if req.ConfirmTimeoutMs > 0 {
		opts.ConfirmTimeout = time.Duration(req.ConfirmTimeoutMs) * time.Millisecond
	}

	result, err := s.client.BroadcastEncodedTx(r.Context(), req.TxBytes, opts)
	if err != nil {
		s.logger.Info("Broadcast failed",
			zap.String("kind", string(chainclient.KindOf(err))),
			zap.Error(err))
		var partial interface{}
		if result != nil {
			partial = result
		}
		writeClientError(w, err, partial)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type grpcHealthResponse struct {
	Service string             `json:"service,omitempty"`
	Status  string             `json:"status"`
	Target  string             `json:"target"`
	Stats   peerpool.GRPCStats `json:"stats"`
}

// handleGRPCHealth runs the standard health check on the first gRPC peer that answers
func (s *Server) handleGRPCHealth(w http.ResponseWriter, r *http.Request) {
	out := grpcHealthResponse{Service: r.URL.Query().Get("service")}
	err := s.pool.CallGRPC(r.Context(), "health", func(ctx context.Context, conn *grpc.ClientConn) error {
		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: out.Service})
		if err != nil {
			return err
		}
		out.Status = resp.GetStatus().String()
		out.Target = conn.Target()
		return nil
	})
	out.Stats = s.pool.GRPCStats()

	switch {
	case errors.Is(err, peerpool.ErrNoPeers):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case status.Code(err) == codes.NotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleTx(w http.ResponseWriter, r *http.Request) {
	tx, err := s.client.LookupTx(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		writeClientError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}
