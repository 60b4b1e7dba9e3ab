package chainclient

import (
	"context"
	"fmt"
	"time"

	"chainnet/pkg/peerpool"
	"chainnet/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReadOptions tunes ReadState
type ReadOptions struct {
	// Kind defaults to the rpc endpoint
	Kind         types.EndpointKind
	Timeout      time.Duration
	StatusMaxAge time.Duration
	// Strict refuses an answer no second peer agreed with once peers diverged,
	// and refuses the uncorroborated fallback
	Strict bool
}

// ReadResult is the outcome of a quorum read
type ReadResult struct {
	Response *peerpool.Response `json:"-"`
	Peer     string             `json:"peer"`
	ChainID  string             `json:"chainId,omitempty"`
	Height   int64              `json:"height,omitempty"`
	// Coherent is set when the answer came from the chosen coherent group
	Coherent bool `json:"coherent"`
	// Corroborated is set when at least two peers agreed
	Corroborated bool     `json:"corroborated"`
	Suspects     []string `json:"suspects,omitempty"`
	Answers      []Answer `json:"answers"`
}

// Body returns the chosen response body
func (r *ReadResult) Body() []byte {
	if r == nil || r.Response == nil {
		return nil
	}
	return r.Response.Body
}

const (
	readCoherent       = "coherent"
	readUncorroborated = "uncorroborated"
	readFallback       = "fallback"
	readDivergent      = "divergent"
	readFailed         = "failed"
)

// ReadState sends the same GET to at least two peers and only trusts an answer
// that agrees, by chain id and height, with its peers. When fewer than two
// peers answer or any answer diverges, one more unused peer is consulted.
// Peers still divergent after that are marked suspect.
func (c *Client) ReadState(ctx context.Context, path string, opts ReadOptions) (*ReadResult, error) {
	kind := opts.Kind
	if kind == "" {
		kind = types.KindRPC
	}
	if kind == types.KindGRPC {
		return nil, &Error{Kind: KindApplication, Op: "read", Err: ErrInvalidKind}
	}

	peers := c.ensureSomeAlive(ctx, kind, 2)
	if len(peers) == 0 {
		peers = c.pool.PickPeers(kind, 1, peerpool.PickOptions{})
	}
	if len(peers) == 0 {
		c.pool.Metrics().ObserveRead(readFailed)
		return nil, &Error{Kind: KindExhaustion, Op: "read", Err: ErrNoPeers}
	}

	answers := c.fanOut(ctx, kind, peers, path, opts)
	decision := chooseCoherentGroup(c.pool.NetworkChainID(), answers)

	if needsThirdPeer(decision, answers) {
		if extra, ok := c.pickUnused(ctx, kind, peerRPCs(peers)); ok {
			answers = append(answers, c.queryWithStatus(ctx, kind, extra, path, opts))
			decision = chooseCoherentGroup(c.pool.NetworkChainID(), answers)
		}
	}

	result := &ReadResult{Answers: answers}
	for _, s := range decision.Suspects {
		c.pool.MarkSuspect(types.Peer{RPC: s.Peer})
		result.Suspects = append(result.Suspects, s.Peer)
	}
	if len(result.Suspects) > 0 {
		c.logger.Warn("Read answers diverged",
			zap.String("path", path),
			zap.String("chain_id", decision.ChainID),
			zap.Int64("max_height", decision.MaxHeight),
			zap.Strings("suspects", result.Suspects))
	}

	if len(decision.Coherent) > 0 {
		best := decision.Coherent[0]
		result.fill(best)
		result.Coherent = true
		result.Corroborated = len(decision.Coherent) >= 2
		if opts.Strict && !result.Corroborated && len(result.Suspects) > 0 {
			c.pool.Metrics().ObserveRead(readDivergent)
			return result, divergence(decision, result)
		}
		if result.Corroborated {
			c.pool.Metrics().ObserveRead(readCoherent)
		} else {
			c.pool.Metrics().ObserveRead(readUncorroborated)
		}
		return result, nil
	}

	for _, a := range answers {
		if a.OK {
			result.fill(a)
			if opts.Strict {
				c.pool.Metrics().ObserveRead(readDivergent)
				return result, divergence(decision, result)
			}
			c.pool.Metrics().ObserveRead(readFallback)
			return result, nil
		}
	}

	c.pool.Metrics().ObserveRead(readFailed)
	for _, a := range answers {
		if a.resp != nil {
			result.fill(a)
			return result, responseError("read", a.resp)
		}
	}
	return result, &Error{Kind: KindTransport, Op: "read", Err: ErrReadFailed}
}

func divergence(d coherence, result *ReadResult) *Error {
	return &Error{
		Kind: KindConsistency,
		Op:   "read",
		Peer: result.Peer,
		Log:  fmt.Sprintf("chain %q tip %d, %d suspect peer(s)", d.ChainID, d.MaxHeight, len(result.Suspects)),
		Err:  ErrDivergent,
	}
}

func (r *ReadResult) fill(a Answer) {
	r.Response = a.resp
	r.Peer = a.Peer
	r.ChainID = a.ChainID
	r.Height = a.Height
}

func needsThirdPeer(d coherence, answers []Answer) bool {
	successes := 0
	for _, a := range answers {
		if a.OK {
			successes++
		}
	}
	return len(d.Coherent) == 0 || successes < 2 || len(d.Suspects) > 0
}

func (c *Client) fanOut(ctx context.Context, kind types.EndpointKind, peers []types.Peer, path string, opts ReadOptions) []Answer {
	answers := make([]Answer, len(peers))
	var g errgroup.Group
	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			answers[i] = c.queryWithStatus(ctx, kind, peer, path, opts)
			return nil
		})
	}
	_ = g.Wait()
	return answers
}

// pickUnused finds one peer outside used, probing non-dead candidates when no
// unused peer is currently alive
func (c *Client) pickUnused(ctx context.Context, kind types.EndpointKind, used []string) (types.Peer, bool) {
	if alive := c.pool.PickPeers(kind, 1, peerpool.PickOptions{RequireAlive: true, Exclude: used}); len(alive) > 0 {
		return alive[0], true
	}
	for _, peer := range c.pool.PickPeers(kind, 3, peerpool.PickOptions{Exclude: used}) {
		if ctx.Err() != nil {
			break
		}
		if _, err := c.pool.PingPeer(ctx, peer); err != nil {
			continue
		}
		if fresh, ok := c.pool.Peer(peer.RPC); ok {
			return fresh, true
		}
	}
	return types.Peer{}, false
}

// queryWithStatus refreshes the peer's status when it is older than the allowed
// age, then issues the read. The answer carries the chain id and height from the
// registry so it can be judged against other peers.
func (c *Client) queryWithStatus(ctx context.Context, kind types.EndpointKind, peer types.Peer, path string, opts ReadOptions) Answer {
	maxAge := c.opts.StatusMaxAge
	if opts.StatusMaxAge > 0 {
		maxAge = opts.StatusMaxAge
	}

	if rec, ok := c.pool.Peer(peer.RPC); ok {
		peer = rec
	}
	now := c.pool.Clock().Now()
	if peer.LastSeenAt.IsZero() || now.Sub(peer.LastSeenAt) > maxAge || peer.ChainID == "" || peer.LastSeenHeight <= 0 {
		if _, err := c.pool.PingPeer(ctx, peer); err != nil {
			c.logger.Debug("Status refresh before read failed", zap.String("peer", peer.RPC), zap.Error(err))
		}
		if rec, ok := c.pool.Peer(peer.RPC); ok {
			peer = rec
		}
	}

	timeout := c.opts.RequestTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	resp, err := c.pool.RequestOnPeer(ctx, kind, peer, path, peerpool.RequestOptions{Timeout: timeout})

	a := Answer{
		Peer:    peer.RPC,
		ChainID: peer.ChainID,
		Height:  peer.LastSeenHeight,
		Latency: resp.Latency,
		OK:      resp.OK(),
		Status:  resp.Status,
		resp:    resp,
	}
	if err != nil {
		a.Error = err.Error()
	}
	return a
}
