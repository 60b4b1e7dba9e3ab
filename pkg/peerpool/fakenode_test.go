package peerpool

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"chainnet/pkg/types"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"
)

// fakeNode is an httptest CometBFT node answering /status and optional extra routes
type fakeNode struct {
	srv *httptest.Server

	mu       sync.Mutex
	chainID  string
	height   int64
	failCode int
	failBody string
	delay    time.Duration
	hits     map[string]int
	routes   map[string]http.HandlerFunc
}

func newFakeNode(t *testing.T, chainID string, height int64) *fakeNode {
	t.Helper()
	n := &fakeNode{
		chainID: chainID,
		height:  height,
		hits:    make(map[string]int),
		routes:  make(map[string]http.HandlerFunc),
	}
	n.srv = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeNode) URL() string { return n.srv.URL }

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	n.hits[r.URL.Path]++
	delay, failCode, failBody := n.delay, n.failCode, n.failBody
	chainID, height := n.chainID, n.height
	route := n.routes[r.URL.Path]
	n.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if failCode != 0 {
		w.WriteHeader(failCode)
		fmt.Fprint(w, failBody)
		return
	}
	if route != nil {
		route(w, r)
		return
	}
	if r.URL.Path == "/status" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      -1,
			"result": map[string]any{
				"node_info": map[string]any{"network": chainID},
				"sync_info": map[string]any{"latest_block_height": fmt.Sprint(height)},
			},
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":-1,"result":{"path":%q,"height":"%d"}}`, r.URL.Path, height)
}

func (n *fakeNode) set(chainID string, height int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chainID = chainID
	n.height = height
}

func (n *fakeNode) fail(code int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failCode = code
	n.failBody = body
}

func (n *fakeNode) slow(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

func (n *fakeNode) handle(path string, h http.HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[path] = h
}

func (n *fakeNode) hitCount(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hits[path]
}

func newTestPool(t *testing.T, opts Options) (*Pool, *clock.Mock) {
	t.Helper()
	p := New(opts, zaptest.NewLogger(t))
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	p.SetClock(mock)
	t.Cleanup(func() { p.Close() })
	return p, mock
}

func addNode(t *testing.T, p *Pool, n *fakeNode, rest bool) types.Peer {
	t.Helper()
	in := PeerInput{RPC: n.URL(), Source: types.SourceBootstrap}
	if rest {
		in.REST = n.URL()
	}
	peer, _, err := p.UpsertPeer(in)
	if err != nil {
		t.Fatalf("upsert %s: %v", n.URL(), err)
	}
	return peer
}

// setPeer edits a registry record in place
func setPeer(p *Pool, rpc string, fn func(*types.Peer)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.peers[rpc])
}
