package peerpool

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"chainnet/pkg/types"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func startHealthServer(t *testing.T) (string, *health.Server) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return lis.Addr().String(), hs
}

func TestGRPCTarget(t *testing.T) {
	tests := []struct {
		in     string
		target string
		tls    bool
	}{
		{in: "grpc.example.org:9090", target: "grpc.example.org:9090"},
		{in: "grpc.example.org:443", target: "grpc.example.org:443", tls: true},
		{in: "https://grpc.example.org", target: "grpc.example.org:443", tls: true},
		{in: "http://10.0.0.1:9090/", target: "10.0.0.1:9090"},
	}
	for _, tt := range tests {
		target, useTLS := grpcTarget(tt.in)
		assert.Equal(t, tt.target, target, tt.in)
		assert.Equal(t, tt.tls, useTLS, tt.in)
	}
}

func TestPingGRPC(t *testing.T) {
	p, _ := newTestPool(t, Options{StatusTimeout: 2 * time.Second})
	addr, hs := startHealthServer(t)

	peer, _, err := p.UpsertPeer(PeerInput{RPC: "http://127.0.0.1:1", GRPC: addr})
	require.NoError(t, err)

	require.NoError(t, p.PingGRPC(context.Background(), peer))
	assert.Equal(t, 1, p.GRPCStats().Connections)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	assert.Error(t, p.PingGRPC(context.Background(), peer))

	noGRPC, _, err := p.UpsertPeer(PeerInput{RPC: "http://127.0.0.1:2"})
	require.NoError(t, err)
	assert.ErrorIs(t, p.PingGRPC(context.Background(), noGRPC), ErrNoEndpoint)
}

func TestCallGRPCFailsOverOnRetryableErrors(t *testing.T) {
	p, _ := newTestPool(t, Options{})
	addrA, _ := startHealthServer(t)
	addrB, _ := startHealthServer(t)
	_, _, err := p.UpsertPeer(PeerInput{RPC: "http://a", GRPC: addrA})
	require.NoError(t, err)
	_, _, err = p.UpsertPeer(PeerInput{RPC: "http://b", GRPC: addrB})
	require.NoError(t, err)

	var calls atomic.Int32
	err = p.CallGRPC(context.Background(), "health", func(ctx context.Context, conn *grpc.ClientConn) error {
		if calls.Add(1) == 1 {
			return status.Error(codes.Unavailable, "node restarting")
		}
		_, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	calls.Store(0)
	err = p.CallGRPC(context.Background(), "bad-request", func(ctx context.Context, conn *grpc.ClientConn) error {
		calls.Add(1)
		return status.Error(codes.InvalidArgument, "malformed")
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCallGRPCWithoutPeers(t *testing.T) {
	p, _ := newTestPool(t, Options{})
	err := p.CallGRPC(context.Background(), "noop", func(context.Context, *grpc.ClientConn) error { return nil })
	assert.ErrorIs(t, err, ErrNoPeers)
}

func TestGRPCCircuitBreaker(t *testing.T) {
	mock := clock.NewMock()
	conns := newGRPCConns(time.Second, time.Minute, mock.Now, nil)
	_, err := conns.get("127.0.0.1:9")
	require.NoError(t, err)

	for i := 0; i < grpcBreakerThreshold; i++ {
		conns.markFailure("127.0.0.1:9")
	}
	_, err = conns.get("127.0.0.1:9")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, conns.stats().CircuitOpen)
	assert.True(t, conns.open("127.0.0.1:9", mock.Now()))

	// cooldown is measured on the injected clock
	mock.Add(grpcBreakerCooldown + time.Second)
	assert.False(t, conns.open("127.0.0.1:9", mock.Now()))
	_, err = conns.get("127.0.0.1:9")
	require.NoError(t, err)

	conns.prune(mock.Now().Add(30 * time.Second))
	assert.Equal(t, 1, conns.stats().Connections)
	conns.prune(mock.Now().Add(2 * time.Minute))
	assert.Zero(t, conns.stats().Connections)
	require.NoError(t, conns.closeAll())
}

func TestHealthTickChecksGRPCEndpoints(t *testing.T) {
	p, mock := newTestPool(t, Options{StatusTimeout: 2 * time.Second})
	node := newFakeNode(t, "lumen-1", 10)
	addr, hs := startHealthServer(t)
	peer, _, err := p.UpsertPeer(PeerInput{RPC: node.URL(), GRPC: addr})
	require.NoError(t, err)

	tick := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.healthTick(ctx)
	}

	tick()
	assert.Equal(t, GRPCStats{Connections: 1, Healthy: 1}, p.GRPCStats())
	assert.Len(t, p.PickPeers(types.KindGRPC, 1, PickOptions{RequireAlive: true}), 1)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for i := 0; i < grpcBreakerThreshold; i++ {
		tick()
	}
	assert.Equal(t, 1, p.GRPCStats().CircuitOpen)
	assert.Empty(t, p.PickPeers(types.KindGRPC, 1, PickOptions{}))

	// the status check still succeeds, so the rpc side is untouched
	got, _ := p.Peer(peer.RPC)
	assert.True(t, got.IsAlive(mock.Now(), p.Options().StaleTTL))
	assert.Len(t, p.PickPeers(types.KindRPC, 1, PickOptions{RequireAlive: true}), 1)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	mock.Add(grpcBreakerCooldown + time.Second)
	tick()
	assert.Zero(t, p.GRPCStats().CircuitOpen)
	assert.Len(t, p.PickPeers(types.KindGRPC, 1, PickOptions{}), 1)
}
