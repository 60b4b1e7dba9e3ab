// Package peerpool keeps the registry of remote chain nodes, their derived
// health, and the selection, probing and discovery logic built on top of it.
//
// A Pool is created once per process and handed to its consumers explicitly.
// Every registry mutation happens under the pool mutex; exported accessors
// return value copies of types.Peer so callers never share mutable state.
package peerpool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"chainnet/pkg/types"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrNoPeers       = errors.New("no_peers_available")
	ErrNoRESTPeers   = errors.New("no_rest_peers")
	ErrAllPeersFail  = errors.New("all_peers_failed")
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrNoEndpoint    = errors.New("peer has no endpoint of the requested kind")
	ErrInvalidPeer   = errors.New("invalid peer endpoint")
	ErrBadStatus     = errors.New("status response missing chain id or height")
	ErrRefreshFailed = errors.New("validators_fetch_failed")
)

// PeerStore persists peers that should survive a restart
type PeerStore interface {
	LoadPeers() ([]types.Peer, error)
	SavePeer(peer types.Peer) error
	Close() error
}

// Pool is the process-wide registry of chain peers
type Pool struct {
	opts    Options
	logger  *zap.Logger
	clock   clock.Clock
	client  *http.Client
	metrics *Metrics
	store   PeerStore

	mu                 sync.RWMutex
	peers              map[string]*types.Peer // normalized rpc -> peer
	networkChainID     string
	lastOnChainRefresh time.Time
	validators         []Validator

	refreshing atomic.Bool
	probing    sync.Map // rpc -> in-flight background probe

	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup

	bgMu     sync.Mutex
	draining int // callers inside drain
	bg       sync.WaitGroup

	grpc *grpcConns
}

// New creates a pool. Zero option fields take their defaults.
func New(opts Options, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	p := &Pool{
		opts:   opts,
		logger: logger,
		clock:  clock.New(),
		client: &http.Client{},
		peers:  make(map[string]*types.Peer),
	}
	p.grpc = newGRPCConns(opts.GRPCDialTimeout, opts.GRPCIdleTimeout, func() time.Time { return p.clock.Now() }, logger)
	return p
}

// SetClock replaces the time source. Call before Start.
func (p *Pool) SetClock(c clock.Clock) { p.clock = c }

// SetHTTPClient replaces the HTTP client used for every peer request
func (p *Pool) SetHTTPClient(c *http.Client) { p.client = c }

// SetMetrics attaches Prometheus collectors
func (p *Pool) SetMetrics(m *Metrics) { p.metrics = m }

// Metrics returns the attached collectors, possibly nil
func (p *Pool) Metrics() *Metrics { return p.metrics }

// Clock returns the pool's time source
func (p *Pool) Clock() clock.Clock { return p.clock }

// Options returns the effective options
func (p *Pool) Options() Options { return p.opts }

// Logger returns the pool logger
func (p *Pool) Logger() *zap.Logger { return p.logger }

// AttachStore loads persisted peers and persists future user and on-chain upserts
func (p *Pool) AttachStore(store PeerStore) error {
	peers, err := store.LoadPeers()
	if err != nil {
		return fmt.Errorf("failed to load stored peers: %w", err)
	}
	for _, peer := range peers {
		if _, _, err := p.upsert(PeerInput{RPC: peer.RPC, REST: peer.REST, GRPC: peer.GRPC, Source: peer.Source}, false); err != nil {
			p.logger.Debug("Skipping stored peer", zap.String("peer", peer.RPC), zap.Error(err))
		}
	}
	p.store = store

	p.logger.Info("Loaded stored peers", zap.Int("count", len(peers)))
	return nil
}

// Start launches the health and discovery loops. It is idempotent.
func (p *Pool) Start() {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if p.started {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.loops.Add(1)
	go p.healthLoop(ctx)
	if !p.opts.DisableDiscovery {
		p.loops.Add(1)
		go p.refreshLoop(ctx)
	}

	p.logger.Info("Peer pool started",
		zap.Int("peers", p.Len()),
		zap.Duration("health_interval", p.opts.HealthInterval),
		zap.Duration("onchain_refresh", p.opts.OnChainRefreshInterval))
}

// Stop cancels the background loops and waits for in-flight probes to return
func (p *Pool) Stop() {
	p.lifeMu.Lock()
	if !p.started {
		p.lifeMu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.cancel = nil
	p.lifeMu.Unlock()

	cancel()
	p.loops.Wait()
	p.drain()

	p.logger.Info("Peer pool stopped")
}

// Started reports whether the background loops are running
func (p *Pool) Started() bool {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	return p.started
}

// Close stops the pool and releases gRPC connections and the peer store
func (p *Pool) Close() error {
	p.Stop()
	p.drain()

	err := p.grpc.closeAll()
	if p.store != nil {
		err = multierr.Append(err, p.store.Close())
	}
	return err
}

// goBackground runs fn detached from the caller but tracked by Stop.
// It refuses new work while Stop is waiting and reports whether fn was started.
func (p *Pool) goBackground(fn func()) bool {
	p.bgMu.Lock()
	defer p.bgMu.Unlock()
	if p.draining > 0 {
		return false
	}
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		fn()
	}()
	return true
}

// drain waits for background work with new work refused
func (p *Pool) drain() {
	p.bgMu.Lock()
	p.draining++
	p.bgMu.Unlock()

	p.bg.Wait()

	p.bgMu.Lock()
	p.draining--
	p.bgMu.Unlock()
}
