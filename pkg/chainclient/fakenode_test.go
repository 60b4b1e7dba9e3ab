package chainclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chainnet/pkg/peerpool"
	"chainnet/pkg/types"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeNode answers /status, JSON-RPC broadcasts on / and /tx lookups the way a CometBFT node does
type fakeNode struct {
	srv *httptest.Server

	mu        sync.Mutex
	chainID   string
	height    int64
	hits      map[string]int
	broadcast http.HandlerFunc
	tx        http.HandlerFunc
	other     http.HandlerFunc
}

func newFakeNode(t *testing.T, chainID string, height int64) *fakeNode {
	t.Helper()
	n := &fakeNode{chainID: chainID, height: height, hits: make(map[string]int)}
	n.srv = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeNode) URL() string { return n.srv.URL }

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path
	if r.Method == http.MethodPost {
		key = "POST " + key
	}

	n.mu.Lock()
	n.hits[key]++
	chainID, height := n.chainID, n.height
	broadcast, tx, other := n.broadcast, n.tx, n.other
	n.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/status":
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      -1,
			"result": map[string]any{
				"node_info": map[string]any{"network": chainID},
				"sync_info": map[string]any{"latest_block_height": fmt.Sprint(height)},
			},
		})
	case r.Method == http.MethodPost && broadcast != nil:
		broadcast(w, r)
	case r.Method == http.MethodPost:
		writeBroadcastResult(w, r, 0, "", "")
	case r.URL.Path == "/tx" && tx != nil:
		tx(w, r)
	case r.URL.Path == "/tx":
		writeTxNotFound(w, r)
	case other != nil:
		other(w, r)
	default:
		fmt.Fprintf(w, `{"height":"%d","path":%q}`, height, r.URL.Path)
	}
}

func (n *fakeNode) set(chainID string, height int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chainID = chainID
	n.height = height
}

func (n *fakeNode) onBroadcast(h http.HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcast = h
}

func (n *fakeNode) onTx(h http.HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tx = h
}

func (n *fakeNode) onOther(h http.HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.other = h
}

func (n *fakeNode) hitCount(key string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hits[key]
}

func requestID(r *http.Request) string {
	var req struct {
		ID string `json:"id"`
	}
	body, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(body, &req)
	return req.ID
}

func writeBroadcastResult(w http.ResponseWriter, r *http.Request, code int, log, hash string) {
	json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      requestID(r),
		"result": map[string]any{
			"code":      code,
			"data":      "",
			"log":       log,
			"codespace": "",
			"hash":      hash,
		},
	})
}

func writeTxNotFound(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":-1,"error":{"code":-32603,"message":"Internal error","data":"tx (%s) not found"}}`,
		r.URL.Query().Get("hash"))
}

func writeTxFound(w http.ResponseWriter, r *http.Request, height int64, code int, log string) {
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":-1,"result":{"hash":%q,"height":"%d","tx_result":{"code":%d,"log":%q,"gas_wanted":"200000","gas_used":"81234"}}}`,
		r.URL.Query().Get("hash"), height, code, log)
}

// stall holds the request until the client gives up
func stall(w http.ResponseWriter, r *http.Request) {
	select {
	case <-time.After(5 * time.Second):
	case <-r.Context().Done():
	}
}

// countingTransport tracks how many POSTs are in flight at once
type countingTransport struct {
	base     http.RoundTripper
	inflight atomic.Int32
	peak     atomic.Int32
}

func (ct *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPost {
		return ct.base.RoundTrip(req)
	}
	n := ct.inflight.Add(1)
	for {
		p := ct.peak.Load()
		if n <= p || ct.peak.CompareAndSwap(p, n) {
			break
		}
	}
	res, err := ct.base.RoundTrip(req)
	if err != nil {
		ct.inflight.Add(-1)
		return nil, err
	}
	res.Body = &countedBody{ReadCloser: res.Body, done: func() { ct.inflight.Add(-1) }}
	return res, nil
}

type countedBody struct {
	io.ReadCloser
	once sync.Once
	done func()
}

func (b *countedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.done)
	return err
}

// newTestClient builds a pool on the real clock with every node registered as a bootstrap peer
func newTestClient(t *testing.T, opts Options, nodes ...*fakeNode) (*Client, *peerpool.Pool, []types.Peer) {
	t.Helper()
	pool := peerpool.New(peerpool.Options{}, zaptest.NewLogger(t))
	t.Cleanup(func() { pool.Close() })

	peers := make([]types.Peer, 0, len(nodes))
	for _, n := range nodes {
		peer, _, err := pool.UpsertPeer(peerpool.PeerInput{RPC: n.URL(), REST: n.URL(), Source: types.SourceBootstrap})
		require.NoError(t, err)
		peers = append(peers, peer)
	}

	c, err := New(pool, zaptest.NewLogger(t), opts)
	require.NoError(t, err)
	return c, pool, peers
}

func checkAll(t *testing.T, pool *peerpool.Pool, want int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Equal(t, want, pool.ProbeAll(ctx))
}
