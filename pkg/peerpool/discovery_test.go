package peerpool

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"chainnet/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validatorsHandler(t *testing.T, pages map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "200", r.URL.Query().Get("pagination.limit"))
		body, ok := pages[r.URL.Query().Get("pagination.key")]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

func validatorJSON(addr, website, details string) map[string]any {
	return map[string]any{
		"operator_address": addr,
		"jailed":           false,
		"status":           "BOND_STATUS_BONDED",
		"description": map[string]any{
			"moniker": addr,
			"website": website,
			"details": details,
		},
	}
}

func page(t *testing.T, nextKey any, validators ...map[string]any) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"validators": validators,
		"pagination": map[string]any{"next_key": nextKey, "total": "0"},
	})
	require.NoError(t, err)
	return string(b)
}

func TestRefreshFromOnChain(t *testing.T) {
	p, _ := newTestPool(t, Options{})
	p.SetMetrics(NewMetrics(prometheus.NewRegistry()))
	node := newFakeNode(t, "lumen-1", 10)
	node.handle(validatorsPath, validatorsHandler(t, map[string]string{
		"": page(t, "cGFnZTI=",
			validatorJSON("lumenvaloper1a", "https://rpc.alpha.example.org", "api: https://api.alpha.example.org grpc.alpha.example.org:9090"),
			validatorJSON("lumenvaloper1b", "https://alpha-validators.example.org", "no endpoints here"),
		),
		"cGFnZTI=": page(t, nil,
			validatorJSON("lumenvaloper1c", "", "rpc at http://10.1.2.3:26657 and lcd.beta.example.org"),
		),
	}))
	addNode(t, p, node, true)

	res, err := p.RefreshFromOnChain(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.Validators)
	assert.Equal(t, 2, res.AddedPeers)
	assert.Equal(t, 2, node.hitCount(validatorsPath))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.Metrics().DiscoveredPeers))
	assert.Positive(t, testutil.ToFloat64(p.Metrics().DiscoveryLastRun))

	alpha, ok := p.Peer("https://rpc.alpha.example.org")
	require.True(t, ok)
	assert.Equal(t, types.SourceOnChain, alpha.Source)
	assert.Equal(t, "https://api.alpha.example.org", alpha.REST)
	assert.Equal(t, "grpc.alpha.example.org:9090", alpha.GRPC)

	beta, ok := p.Peer("http://10.1.2.3:26657")
	require.True(t, ok)
	assert.Equal(t, "https://lcd.beta.example.org", beta.REST)

	assert.Len(t, p.Validators(), 3)
	assert.False(t, p.Snapshot().LastOnChainRefreshAt.IsZero())

	// a second run finds nothing new
	res, err = p.RefreshFromOnChain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.AddedPeers)
	assert.Zero(t, testutil.ToFloat64(p.Metrics().DiscoveredPeers))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.Metrics().DiscoveryRuns.WithLabelValues("success")))
}

func TestRefreshFromOnChainNeverDowngradesUserPeers(t *testing.T) {
	p, _ := newTestPool(t, Options{})
	node := newFakeNode(t, "lumen-1", 10)
	node.handle(validatorsPath, validatorsHandler(t, map[string]string{
		"": page(t, nil, validatorJSON("lumenvaloper1a", "https://rpc.alpha.example.org", "")),
	}))
	addNode(t, p, node, true)
	_, err := p.AddUserPeer("https://rpc.alpha.example.org", "", "")
	require.NoError(t, err)

	_, err = p.RefreshFromOnChain(context.Background())
	require.NoError(t, err)

	peer, _ := p.Peer("https://rpc.alpha.example.org")
	assert.Equal(t, types.SourceUser, peer.Source)
}

func TestRefreshFromOnChainSkipsWhenRunning(t *testing.T) {
	p, _ := newTestPool(t, Options{})
	p.refreshing.Store(true)

	res, err := p.RefreshFromOnChain(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestRefreshFromOnChainErrors(t *testing.T) {
	p, _ := newTestPool(t, Options{})
	_, _, err := p.UpsertPeer(PeerInput{RPC: "http://rpc-only.example.org"})
	require.NoError(t, err)

	_, err = p.RefreshFromOnChain(context.Background())
	assert.ErrorIs(t, err, ErrNoRESTPeers)

	node := newFakeNode(t, "lumen-1", 10)
	node.fail(http.StatusServiceUnavailable, "")
	addNode(t, p, node, true)

	_, err = p.RefreshFromOnChain(context.Background())
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Empty(t, p.Validators())
}
