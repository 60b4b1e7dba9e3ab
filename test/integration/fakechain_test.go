package integration

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"chainnet/pkg/chainclient"
)

// chain is the shared ledger the fake nodes serve from
type chain struct {
	mu         sync.Mutex
	id         string
	height     int64
	included   map[string]int64
	validators []map[string]any
}

func newChain(id string, height int64) *chain {
	return &chain{id: id, height: height, included: make(map[string]int64)}
}

// advertise adds a validator whose description points at rpc
func (c *chain) advertise(moniker, rpc string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validators = append(c.validators, map[string]any{
		"operator_address": "lumenvaloper1" + moniker,
		"jailed":           false,
		"status":           "BOND_STATUS_BONDED",
		"description": map[string]any{
			"moniker": moniker,
			"details": "public endpoints: " + rpc,
		},
	})
}

// node is one HTTP server standing in for a CometBFT RPC + Cosmos REST pair.
// Requests may be prefixed with /rpc or /api.
type node struct {
	chain *chain
	srv   *httptest.Server
}

func newNode(t *testing.T, c *chain) *node {
	t.Helper()
	n := &node{chain: c}
	n.srv = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *node) URL() string { return n.srv.URL }

func (n *node) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/rpc"), "/api")

	c := n.chain
	c.mu.Lock()
	id, height := c.id, c.height
	c.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case path == "/status":
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":-1,"result":{"node_info":{"network":%q},"sync_info":{"latest_block_height":"%d"}}}`, id, height)

	case r.Method == http.MethodPost:
		var req struct {
			ID     string `json:"id"`
			Params struct {
				Tx string `json:"tx"`
			} `json:"params"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		if tx, err := base64.StdEncoding.DecodeString(req.Params.Tx); err == nil && len(tx) > 0 {
			c.include(chainclient.TxHash(tx))
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":{"code":0,"log":"[]","codespace":"","hash":""}}`, req.ID)

	case path == "/tx":
		hash := strings.TrimPrefix(r.URL.Query().Get("hash"), "0x")
		c.mu.Lock()
		at, ok := c.included[hash]
		c.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":-1,"error":{"code":-32603,"message":"Internal error","data":"tx (%s) not found"}}`, hash)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":-1,"result":{"hash":%q,"height":"%d","tx_result":{"code":0,"gas_used":"50000"}}}`, hash, at)

	case path == "/cosmos/staking/v1beta1/validators":
		c.mu.Lock()
		vals := c.validators
		c.mu.Unlock()
		if vals == nil {
			vals = []map[string]any{}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"validators": vals,
			"pagination": map[string]any{"next_key": nil, "total": fmt.Sprint(len(vals))},
		})

	default:
		fmt.Fprintf(w, `{"block":{"header":{"chain_id":%q,"height":"%d"}}}`, id, height)
	}
}

// include marks a tx hash as committed at the current height
func (c *chain) include(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.included[hash] = c.height
}
