package peerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chainnet/pkg/bootstrap"
	"chainnet/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProbeResult is what a successful status probe learned about a peer
type ProbeResult struct {
	ChainID string
	Height  int64
	Latency time.Duration
}

// FailureOpts qualifies a peer failure
type FailureOpts struct {
	Latency time.Duration
	Timeout bool
}

type statusEnvelope struct {
	Result struct {
		NodeInfo struct {
			Network string `json:"network"`
		} `json:"node_info"`
		SyncInfo struct {
			LatestBlockHeight json.RawMessage `json:"latest_block_height"`
		} `json:"sync_info"`
	} `json:"result"`
}

// parseStatus extracts the chain id and latest height from a CometBFT /status body.
// The height may be encoded as a number or a numeric string and must be positive.
func parseStatus(body []byte) (string, int64, bool) {
	var env statusEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", 0, false
	}
	chainID := strings.TrimSpace(env.Result.NodeInfo.Network)
	if len(chainID) > 128 {
		chainID = chainID[:128]
	}
	height, ok := parseHeight(env.Result.SyncInfo.LatestBlockHeight)
	if !ok || chainID == "" {
		return chainID, height, false
	}
	return chainID, height, true
}

// parseHeight accepts 123, "123" and rejects anything non-positive
func parseHeight(raw json.RawMessage) (int64, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return 0, false
		}
		n = int64(f)
	}
	if n <= 0 {
		return 0, false
	}
	return n, true
}

// PingPeer probes {rpc}/status and records the outcome
func (p *Pool) PingPeer(ctx context.Context, peer types.Peer) (ProbeResult, error) {
	url := bootstrap.TrimSlash(peer.RPC) + "/status"
	resp := p.do(ctx, http.MethodGet, url, nil, "", p.opts.StatusTimeout)
	resp.Peer = peer
	resp.Kind = types.KindRPC

	if !resp.OK() {
		if resp.CountsAsPeerFailure() {
			p.MarkFailure(peer, FailureOpts{Latency: resp.Latency, Timeout: resp.Timeout})
			p.metrics.observeProbe(probeFailure, resp.Latency)
		} else {
			p.metrics.observeProbe(probeIgnored, resp.Latency)
		}
		return ProbeResult{Latency: resp.Latency}, fmt.Errorf("probe %s: %w", peer.RPC, resp.Failure())
	}

	chainID, height, ok := parseStatus(resp.Body)
	if !ok {
		p.MarkFailure(peer, FailureOpts{Latency: resp.Latency})
		p.metrics.observeProbe(probeFailure, resp.Latency)
		return ProbeResult{Latency: resp.Latency}, fmt.Errorf("probe %s: %w", peer.RPC, ErrBadStatus)
	}

	p.markSuccess(peer.RPC, chainID, height, resp.Latency)
	p.metrics.observeProbe(probeSuccess, resp.Latency)
	return ProbeResult{ChainID: chainID, Height: height, Latency: resp.Latency}, nil
}

func (p *Pool) markSuccess(rpc, chainID string, height int64, latency time.Duration) {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.peers[bootstrap.NormalizeEndpoint(rpc)]
	if !ok {
		return
	}

	if chainID != "" {
		rec.ChainID = chainID
	}
	if height > 0 {
		rec.LastSeenHeight = height
	}
	rec.LastSeenAt = now
	if latency > 0 {
		rec.Latency = latency
	}
	rec.ConsecutiveFailures = 0
	rec.DeathUntil = time.Time{}
	if rec.Latency > p.opts.SlowLatency {
		rec.SlowUntil = now.Add(p.opts.SlowTTL)
	} else {
		rec.SlowUntil = time.Time{}
	}

	switch {
	case p.networkChainID == "" && chainID != "":
		p.networkChainID = chainID
		p.logger.Info("Adopted network chain id",
			zap.String("chain_id", chainID),
			zap.String("peer", rec.RPC))
	case p.networkChainID != "" && chainID != "" && chainID != p.networkChainID:
		rec.SuspectUntil = laterOf(rec.SuspectUntil, now.Add(p.opts.SlowTTL))
		p.metrics.incSuspect()
		p.logger.Warn("Peer reports a different chain id",
			zap.String("peer", rec.RPC),
			zap.String("chain_id", chainID),
			zap.String("network_chain_id", p.networkChainID))
	}
}

// MarkFailure records a transport-level failure of peer
func (p *Pool) MarkFailure(peer types.Peer, opts FailureOpts) {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.peers[bootstrap.NormalizeEndpoint(peer.RPC)]
	if !ok {
		return
	}

	if opts.Latency > 0 {
		rec.Latency = opts.Latency
	}
	rec.ConsecutiveFailures++

	if opts.Timeout || rec.Latency > p.opts.SlowLatency {
		rec.SlowUntil = now.Add(p.opts.SlowTTL)
	}

	if rec.ConsecutiveFailures >= p.opts.DeathThreshold {
		wasDead := rec.IsDead(now)
		rec.DeathUntil = now.Add(p.opts.DeathTTL)
		if !wasDead {
			p.metrics.incDead()
			p.logger.Warn("Peer marked dead",
				zap.String("peer", rec.RPC),
				zap.Int("failures", rec.ConsecutiveFailures),
				zap.Time("until", rec.DeathUntil))
		}
	}
}

// MarkSuspect softly demotes peer for SlowTTL
func (p *Pool) MarkSuspect(peer types.Peer) {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.peers[bootstrap.NormalizeEndpoint(peer.RPC)]
	if !ok {
		return
	}
	rec.SuspectUntil = laterOf(rec.SuspectUntil, now.Add(p.opts.SlowTTL))
	p.metrics.incSuspect()

	p.logger.Debug("Peer marked suspect",
		zap.String("peer", rec.RPC),
		zap.Time("until", rec.SuspectUntil))
}

// resurrectExpired clears expired flags. A peer leaving the dead state starts
// over with zero failures; the next probe decides whether it is alive again.
func (p *Pool) resurrectExpired(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	resurrected := 0
	for _, rec := range p.peers {
		if !rec.DeathUntil.IsZero() && !rec.DeathUntil.After(now) {
			rec.DeathUntil = time.Time{}
			rec.ConsecutiveFailures = 0
			resurrected++
		}
		if !rec.SlowUntil.IsZero() && !rec.SlowUntil.After(now) {
			rec.SlowUntil = time.Time{}
		}
		if !rec.SuspectUntil.IsZero() && !rec.SuspectUntil.After(now) {
			rec.SuspectUntil = time.Time{}
		}
	}

	if resurrected > 0 {
		p.metrics.addResurrected(resurrected)
		p.logger.Debug("Resurrected expired peers", zap.Int("count", resurrected))
	}
}

// healthTick probes stale or never-probed peers plus a small random sample.
// Probe errors never abort the tick.
func (p *Pool) healthTick(ctx context.Context) {
	now := p.clock.Now()
	p.resurrectExpired(now)

	peers := p.Peers()
	if len(peers) == 0 {
		return
	}

	var candidates []types.Peer
	seen := make(map[string]struct{}, len(peers))
	add := func(peer types.Peer) {
		if _, ok := seen[peer.RPC]; ok {
			return
		}
		seen[peer.RPC] = struct{}{}
		candidates = append(candidates, peer)
	}
	for _, peer := range peers {
		if peer.IsStale(now, p.opts.StaleTTL) {
			add(peer)
		}
	}
	for _, peer := range shufflePeers(peers, p.opts.HealthSampleSize) {
		add(peer)
	}

	p.probeParallel(ctx, candidates)
	p.grpc.prune(now)
	p.refreshGauges()

	p.logger.Debug("Health tick completed", zap.Int("probed", len(candidates)))
}

// ProbeAll probes every non-dead peer in parallel and returns how many status
// probes answered
func (p *Pool) ProbeAll(ctx context.Context) int {
	now := p.clock.Now()
	p.resurrectExpired(now)

	var candidates []types.Peer
	for _, peer := range p.Peers() {
		if !peer.IsDead(now) {
			candidates = append(candidates, peer)
		}
	}
	ok := p.probeParallel(ctx, candidates)
	p.refreshGauges()
	return ok
}

// probeParallel runs the status probe of every peer, and the gRPC health check
// of peers advertising a gRPC endpoint, all at once
func (p *Pool) probeParallel(ctx context.Context, peers []types.Peer) int {
	results := make([]bool, len(peers))

	var g errgroup.Group
	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			_, err := p.PingPeer(ctx, peer)
			results[i] = err == nil
			return nil
		})
		if peer.GRPC == "" {
			continue
		}
		g.Go(func() error {
			if err := p.PingGRPC(ctx, peer); err != nil {
				p.logger.Debug("gRPC health check failed",
					zap.String("peer", peer.RPC),
					zap.String("grpc", peer.GRPC),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, r := range results {
		if r {
			ok++
		}
	}
	return ok
}

func (p *Pool) refreshGauges() {
	if p.metrics == nil {
		return
	}
	p.metrics.setPeerCounts(p.Snapshot().Counts())
}

// shufflePeers returns a Fisher-Yates shuffled copy truncated to count
func shufflePeers(peers []types.Peer, count int) []types.Peer {
	out := make([]types.Peer, len(peers))
	copy(out, peers)
	for i := len(out) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	if count < 0 {
		count = 0
	}
	if count < len(out) {
		out = out[:count]
	}
	return out
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
