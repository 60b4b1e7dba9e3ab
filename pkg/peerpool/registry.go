package peerpool

import (
	"sort"
	"strings"
	"time"

	"chainnet/pkg/bootstrap"
	"chainnet/pkg/types"

	"go.uber.org/zap"
)

// PeerInput describes a peer to add or merge into the registry
type PeerInput struct {
	RPC    string
	REST   string
	GRPC   string
	Source types.PeerSource
}

// PeerStatus is a peer together with its flags at snapshot time
type PeerStatus struct {
	types.Peer
	Flags types.PeerFlags `json:"flags"`
}

// Snapshot is a point-in-time copy of the registry
type Snapshot struct {
	NetworkChainID       string       `json:"networkChainId,omitempty"`
	LastOnChainRefreshAt time.Time    `json:"lastOnChainRefreshAt"`
	TakenAt              time.Time    `json:"takenAt"`
	Peers                []PeerStatus `json:"peers"`
}

// Counts tallies peers by flag
func (s Snapshot) Counts() (total, alive, dead, slow, suspect int) {
	for _, p := range s.Peers {
		total++
		if p.Flags.Alive {
			alive++
		}
		if p.Flags.Dead {
			dead++
		}
		if p.Flags.Slow {
			slow++
		}
		if p.Flags.Suspect {
			suspect++
		}
	}
	return
}

// UpsertPeer merges in by RPC endpoint. It reports whether a new record was created.
func (p *Pool) UpsertPeer(in PeerInput) (types.Peer, bool, error) {
	return p.upsert(in, true)
}

func (p *Pool) upsert(in PeerInput, persist bool) (types.Peer, bool, error) {
	rpc := bootstrap.NormalizeEndpoint(in.RPC)
	if rpc == "" {
		return types.Peer{}, false, ErrInvalidPeer
	}
	rest := ""
	if in.REST != "" {
		rest = bootstrap.NormalizeEndpoint(in.REST)
	}
	grpcAddr := strings.TrimSpace(in.GRPC)
	if len(grpcAddr) > 512 {
		grpcAddr = grpcAddr[:512]
	}
	source := types.ParseSource(string(in.Source))

	p.mu.Lock()
	existing, ok := p.peers[rpc]
	changed := false
	if ok {
		if rest != "" && existing.REST == "" {
			existing.REST = rest
			changed = true
		}
		if grpcAddr != "" && existing.GRPC == "" {
			existing.GRPC = grpcAddr
			changed = true
		}
		if source.Outranks(existing.Source) {
			existing.Source = source
			changed = true
		}
	} else {
		existing = &types.Peer{
			RPC:    rpc,
			REST:   rest,
			GRPC:   grpcAddr,
			Source: source,
		}
		p.peers[rpc] = existing
		changed = true
	}
	out := *existing
	p.mu.Unlock()

	if persist && changed {
		p.persist(out)
	}
	return out, !ok, nil
}

func (p *Pool) persist(peer types.Peer) {
	if p.store == nil || peer.Source == types.SourceBootstrap {
		return
	}
	if err := p.store.SavePeer(peer); err != nil {
		p.logger.Warn("Failed to persist peer",
			zap.String("peer", peer.RPC),
			zap.Error(err))
	}
}

// AddBootstrapPeers registers entries from the static peers file
func (p *Pool) AddBootstrapPeers(entries []bootstrap.Entry) int {
	added := 0
	for _, e := range entries {
		_, created, err := p.UpsertPeer(PeerInput{RPC: e.RPC, REST: e.REST, GRPC: e.GRPC, Source: types.SourceBootstrap})
		if err != nil {
			p.logger.Debug("Skipping bootstrap entry", zap.String("rpc", e.RPC), zap.Error(err))
			continue
		}
		if created {
			added++
		}
	}
	return added
}

// AddUserPeer registers a peer supplied by the user. User peers outrank every other source.
func (p *Pool) AddUserPeer(rpc, rest, grpcAddr string) (types.Peer, error) {
	peer, _, err := p.UpsertPeer(PeerInput{RPC: rpc, REST: rest, GRPC: grpcAddr, Source: types.SourceUser})
	if err != nil {
		return types.Peer{}, err
	}
	p.logger.Info("Added user peer", zap.String("peer", peer.RPC))
	return peer, nil
}

// Peer returns a copy of the record for rpc
func (p *Pool) Peer(rpc string) (types.Peer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.peers[bootstrap.NormalizeEndpoint(rpc)]
	if !ok {
		return types.Peer{}, false
	}
	return *rec, true
}

// Peers returns copies of every record, sorted by RPC endpoint
func (p *Pool) Peers() []types.Peer {
	p.mu.RLock()
	out := make([]types.Peer, 0, len(p.peers))
	for _, rec := range p.peers {
		out = append(out, *rec)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RPC < out[j].RPC })
	return out
}

// Len returns the number of known peers
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.peers)
}

// NetworkChainID returns the canonical chain id, "" until the first successful probe
func (p *Pool) NetworkChainID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.networkChainID
}

// NetworkHeight returns the highest height reported by an alive peer on the canonical chain
func (p *Pool) NetworkHeight() (int64, bool) {
	now := p.clock.Now()

	p.mu.RLock()
	defer p.mu.RUnlock()

	var best int64
	for _, rec := range p.peers {
		if !rec.IsAlive(now, p.opts.StaleTTL) || rec.LastSeenHeight <= 0 {
			continue
		}
		if p.networkChainID != "" && rec.ChainID != "" && rec.ChainID != p.networkChainID {
			continue
		}
		if rec.LastSeenHeight > best {
			best = rec.LastSeenHeight
		}
	}
	return best, best > 0
}

// Validators returns the validator set cached by the last on-chain refresh
func (p *Pool) Validators() []Validator {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Validator, len(p.validators))
	copy(out, p.validators)
	return out
}

// Snapshot copies the registry with flags derived at the current time
func (p *Pool) Snapshot() Snapshot {
	now := p.clock.Now()

	p.mu.RLock()
	snap := Snapshot{
		NetworkChainID:       p.networkChainID,
		LastOnChainRefreshAt: p.lastOnChainRefresh,
		TakenAt:              now,
		Peers:                make([]PeerStatus, 0, len(p.peers)),
	}
	for _, rec := range p.peers {
		snap.Peers = append(snap.Peers, PeerStatus{
			Peer:  *rec,
			Flags: rec.Flags(now, p.opts.StaleTTL),
		})
	}
	p.mu.RUnlock()

	sort.Slice(snap.Peers, func(i, j int) bool { return snap.Peers[i].RPC < snap.Peers[j].RPC })
	return snap
}
