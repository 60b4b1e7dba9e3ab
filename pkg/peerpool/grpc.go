package peerpool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"chainnet/pkg/types"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// ErrCircuitOpen is returned while a gRPC endpoint is cooling down after repeated failures
var ErrCircuitOpen = errors.New("grpc circuit open")

const (
	grpcBreakerThreshold = 3
	grpcBreakerCooldown  = 30 * time.Second
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// GRPCFunc is one call against a peer's gRPC endpoint
type GRPCFunc func(ctx context.Context, conn *grpc.ClientConn) error

// GRPCStats summarizes the connection cache
type GRPCStats struct {
	Connections int `json:"connections"`
	Healthy     int `json:"healthy"`
	CircuitOpen int `json:"circuitOpen"`
}

type grpcConn struct {
	mu          sync.Mutex
	conn        *grpc.ClientConn
	target      string
	created     time.Time
	lastUsed    time.Time
	useCount    int64
	failures    int
	lastFailure time.Time
	state       circuitState
}

// grpcConns caches one client connection per gRPC endpoint
type grpcConns struct {
	mu          sync.RWMutex
	conns       map[string]*grpcConn
	dialTimeout time.Duration
	idleTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

func newGRPCConns(dialTimeout, idleTimeout time.Duration, now func() time.Time, logger *zap.Logger) *grpcConns {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &grpcConns{
		conns:       make(map[string]*grpcConn),
		dialTimeout: dialTimeout,
		idleTimeout: idleTimeout,
		now:         now,
		logger:      logger,
	}
}

// grpcTarget strips an optional scheme and decides whether TLS is needed.
// https:// endpoints and port 443 use TLS, everything else is plaintext.
func grpcTarget(addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	useTLS := false
	switch {
	case strings.HasPrefix(strings.ToLower(addr), "https://"):
		addr = addr[len("https://"):]
		useTLS = true
	case strings.HasPrefix(strings.ToLower(addr), "http://"):
		addr = addr[len("http://"):]
	}
	addr = strings.TrimRight(addr, "/")
	if _, port, err := net.SplitHostPort(addr); err == nil {
		if port == "443" {
			useTLS = true
		}
	} else if useTLS {
		addr = net.JoinHostPort(addr, "443")
	}
	return addr, useTLS
}

func (gc *grpcConns) get(addr string) (*grpc.ClientConn, error) {
	now := gc.now()

	gc.mu.RLock()
	pooled, ok := gc.conns[addr]
	gc.mu.RUnlock()

	if ok {
		usable, err := pooled.usable(now)
		if err != nil {
			return nil, err
		}
		if usable {
			pooled.recordUse(now)
			return pooled.conn, nil
		}
	}
	return gc.create(addr, now)
}

func (gc *grpcConns) create(addr string, now time.Time) (*grpc.ClientConn, error) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	if pooled, ok := gc.conns[addr]; ok {
		if usable, _ := pooled.usable(now); usable {
			pooled.recordUse(now)
			return pooled.conn, nil
		}
		pooled.conn.Close()
		delete(gc.conns, addr)
	}

	target, useTLS := grpcTarget(addr)
	if target == "" {
		return nil, fmt.Errorf("%w: empty grpc address", ErrInvalidPeer)
	}

	creds := insecure.NewCredentials()
	if useTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                time.Minute,
			Timeout:             gc.dialTimeout,
			PermitWithoutStream: false,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	conn.Connect()

	gc.conns[addr] = &grpcConn{
		conn:     conn,
		target:   target,
		created:  now,
		lastUsed: now,
		state:    circuitClosed,
	}
	gc.logger.Debug("Opened grpc connection",
		zap.String("endpoint", addr),
		zap.Bool("tls", useTLS))
	return conn, nil
}

func (gc *grpcConns) markFailure(addr string) {
	gc.mu.RLock()
	pooled, ok := gc.conns[addr]
	gc.mu.RUnlock()
	if !ok {
		return
	}

	pooled.mu.Lock()
	defer pooled.mu.Unlock()

	pooled.failures++
	pooled.lastFailure = gc.now()
	if pooled.state == circuitHalfOpen || pooled.failures >= grpcBreakerThreshold {
		if pooled.state != circuitOpen {
			gc.logger.Warn("Circuit breaker opened for grpc endpoint",
				zap.String("endpoint", addr),
				zap.Int("failures", pooled.failures))
		}
		pooled.state = circuitOpen
	}
}

// open reports whether addr is cooling down behind an open breaker
func (gc *grpcConns) open(addr string, now time.Time) bool {
	gc.mu.RLock()
	pooled, ok := gc.conns[addr]
	gc.mu.RUnlock()
	if !ok {
		return false
	}

	pooled.mu.Lock()
	defer pooled.mu.Unlock()
	return pooled.state == circuitOpen && now.Sub(pooled.lastFailure) < grpcBreakerCooldown
}

// prune closes connections idle longer than idleTimeout
func (gc *grpcConns) prune(now time.Time) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	for addr, pooled := range gc.conns {
		pooled.mu.Lock()
		idle := now.Sub(pooled.lastUsed)
		pooled.mu.Unlock()

		if idle > gc.idleTimeout {
			pooled.conn.Close()
			delete(gc.conns, addr)
			gc.logger.Debug("Removed idle grpc connection", zap.String("endpoint", addr))
		}
	}
}

func (gc *grpcConns) stats() GRPCStats {
	gc.mu.RLock()
	defer gc.mu.RUnlock()

	s := GRPCStats{Connections: len(gc.conns)}
	for _, pooled := range gc.conns {
		pooled.mu.Lock()
		if pooled.state == circuitOpen {
			s.CircuitOpen++
		} else if st := pooled.conn.GetState(); st != connectivity.TransientFailure && st != connectivity.Shutdown {
			s.Healthy++
		}
		pooled.mu.Unlock()
	}
	return s
}

func (gc *grpcConns) closeAll() error {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	var err error
	for addr, pooled := range gc.conns {
		err = multierr.Append(err, pooled.conn.Close())
		delete(gc.conns, addr)
	}
	return err
}

// usable reports whether the cached connection may serve a call. An open breaker
// past its cooldown moves to half-open and lets one call through.
func (pc *grpcConn) usable(now time.Time) (bool, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.state == circuitOpen {
		if now.Sub(pc.lastFailure) < grpcBreakerCooldown {
			return false, fmt.Errorf("%w: %s", ErrCircuitOpen, pc.target)
		}
		pc.state = circuitHalfOpen
		pc.failures = 0
	}
	return pc.conn.GetState() != connectivity.Shutdown, nil
}

func (pc *grpcConn) recordUse(now time.Time) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.lastUsed = now
	pc.useCount++
}

func (pc *grpcConn) recordSuccess() {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.failures = 0
	pc.state = circuitClosed
}

func (gc *grpcConns) markSuccess(addr string) {
	gc.mu.RLock()
	pooled, ok := gc.conns[addr]
	gc.mu.RUnlock()
	if ok {
		pooled.recordSuccess()
	}
}

// GRPCConn returns a cached client connection to the peer's gRPC endpoint
func (p *Pool) GRPCConn(peer types.Peer) (*grpc.ClientConn, error) {
	if peer.GRPC == "" {
		return nil, fmt.Errorf("%w: %s has no grpc endpoint", ErrNoEndpoint, peer.RPC)
	}
	return p.grpc.get(peer.GRPC)
}

// GRPCStats reports the state of cached gRPC connections
func (p *Pool) GRPCStats() GRPCStats {
	return p.grpc.stats()
}

// PingGRPC runs the standard gRPC health check against the peer and feeds the
// outcome to the endpoint's breaker. Nodes that do not register the health
// service count as reachable.
func (p *Pool) PingGRPC(ctx context.Context, peer types.Peer) error {
	conn, err := p.GRPCConn(peer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.StatusTimeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	p.metrics.observeGRPC(status.Code(err).String())
	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			p.grpc.markSuccess(peer.GRPC)
			return nil
		}
		p.grpc.markFailure(peer.GRPC)
		return fmt.Errorf("grpc health check on %s: %w", peer.GRPC, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		p.grpc.markFailure(peer.GRPC)
		return fmt.Errorf("grpc endpoint %s is %s", peer.GRPC, resp.GetStatus())
	}
	p.grpc.markSuccess(peer.GRPC)
	return nil
}

// CallGRPC runs fn against up to three gRPC-capable peers, moving on to the next
// peer only when the error is retryable. Peers behind an open breaker are not picked.
func (p *Pool) CallGRPC(ctx context.Context, operation string, fn GRPCFunc) error {
	peers := p.PickPeers(types.KindGRPC, 3, PickOptions{})
	if len(peers) == 0 {
		return fmt.Errorf("%w: no grpc peers", ErrNoPeers)
	}

	var lastErr error
	for _, peer := range peers {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := p.GRPCConn(peer)
		if err != nil {
			lastErr = err
			p.logger.Debug("Skipping grpc peer",
				zap.String("peer", peer.GRPC),
				zap.Error(err))
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
		err = fn(callCtx, conn)
		cancel()
		p.metrics.observeGRPC(status.Code(err).String())

		if err == nil {
			p.grpc.markSuccess(peer.GRPC)
			return nil
		}
		if !isRetryableGRPC(err) {
			return err
		}

		lastErr = err
		p.grpc.markFailure(peer.GRPC)
		p.logger.Info("Attempting grpc failover",
			zap.String("operation", operation),
			zap.String("failed_endpoint", peer.GRPC),
			zap.Error(err))
	}

	return fmt.Errorf("%w: %s: %w", ErrAllPeersFail, operation, lastErr)
}

// isRetryableGRPC reports whether another peer might succeed where this one failed
func isRetryableGRPC(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.Unavailable,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.DeadlineExceeded,
		codes.Internal,
		codes.Unknown:
		return true
	default:
		return false
	}
}
