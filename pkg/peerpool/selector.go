package peerpool

import (
	"math/rand"
	"sort"
	"time"

	"chainnet/pkg/bootstrap"
	"chainnet/pkg/types"
)

// PickOptions narrows PickPeers
type PickOptions struct {
	// RequireAlive restricts the result to peers that answered a probe within StaleTTL.
	// Without it any non-dead peer qualifies, including never-probed ones.
	RequireAlive bool
	// Exclude lists RPC endpoints that must not be returned
	Exclude []string
}

// GetBestPeer returns the preferred peer for kind. Filters are relaxed tier by tier:
// alive and neither slow nor suspect, then any alive peer, then any non-dead peer.
// It only reports false when every matching peer is dead.
func (p *Pool) GetBestPeer(kind types.EndpointKind) (types.Peer, bool) {
	now := p.clock.Now()
	p.resurrectExpired(now)

	peers := p.matching(kind)

	tiers := []func(types.Peer) bool{
		func(peer types.Peer) bool {
			return peer.IsAlive(now, p.opts.StaleTTL) && !peer.IsSlow(now) && !peer.IsSuspect(now)
		},
		func(peer types.Peer) bool {
			return peer.IsAlive(now, p.opts.StaleTTL)
		},
		func(peer types.Peer) bool {
			return !peer.IsDead(now)
		},
	}

	for _, keep := range tiers {
		var tier []types.Peer
		for _, peer := range peers {
			if keep(peer) {
				tier = append(tier, peer)
			}
		}
		if len(tier) == 0 {
			continue
		}
		if best, ok := lowestLatency(tier); ok {
			return best, true
		}
		return tier[rand.Intn(len(tier))], true
	}
	return types.Peer{}, false
}

// PickPeers returns up to count randomly ordered peers for kind. Dead peers and
// peers on a foreign chain are never returned; non-slow peers are preferred.
func (p *Pool) PickPeers(kind types.EndpointKind, count int, opts PickOptions) []types.Peer {
	if count <= 0 {
		return nil
	}

	now := p.clock.Now()
	p.resurrectExpired(now)

	excluded := make(map[string]struct{}, len(opts.Exclude))
	for _, rpc := range opts.Exclude {
		excluded[bootstrap.NormalizeEndpoint(rpc)] = struct{}{}
	}
	canonical := p.NetworkChainID()

	var eligible []types.Peer
	for _, peer := range p.matching(kind) {
		if _, skip := excluded[peer.RPC]; skip {
			continue
		}
		if peer.IsDead(now) || !peer.HasChainID(canonical) {
			continue
		}
		if opts.RequireAlive && !peer.IsAlive(now, p.opts.StaleTTL) {
			continue
		}
		eligible = append(eligible, peer)
	}

	return preferFast(eligible, count, now)
}

// choosePeers is the selection used for raced reads: alive peers on the canonical chain only
func (p *Pool) choosePeers(kind types.EndpointKind, count int) []types.Peer {
	return p.PickPeers(kind, count, PickOptions{RequireAlive: true})
}

// matching returns copies of every peer exposing an endpoint of kind.
// gRPC endpoints cooling down behind an open breaker are left out.
func (p *Pool) matching(kind types.EndpointKind) []types.Peer {
	now := p.clock.Now()

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]types.Peer, 0, len(p.peers))
	for _, rec := range p.peers {
		if !rec.Supports(kind) {
			continue
		}
		if kind == types.KindGRPC && p.grpc.open(rec.GRPC, now) {
			continue
		}
		out = append(out, *rec)
	}
	// map iteration order is random; sort so the shuffle is the only source of randomness
	sort.Slice(out, func(i, j int) bool { return out[i].RPC < out[j].RPC })
	return out
}

// preferFast shuffles the non-slow peers when there are enough of them,
// otherwise the whole eligible set
func preferFast(peers []types.Peer, count int, now time.Time) []types.Peer {
	var fast []types.Peer
	for _, peer := range peers {
		if !peer.IsSlow(now) {
			fast = append(fast, peer)
		}
	}
	base := peers
	if len(fast) >= count {
		base = fast
	}
	return shufflePeers(base, count)
}

func lowestLatency(peers []types.Peer) (types.Peer, bool) {
	var best types.Peer
	found := false
	for _, peer := range peers {
		if peer.Latency <= 0 {
			continue
		}
		if !found || peer.Latency < best.Latency {
			best = peer
			found = true
		}
	}
	return best, found
}
