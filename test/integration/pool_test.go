package integration

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chainnet/pkg/api"
	"chainnet/pkg/bootstrap"
	"chainnet/pkg/chainclient"
	"chainnet/pkg/config"
	"chainnet/pkg/peerpool"
	"chainnet/pkg/peerstore"
	"chainnet/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// TestPoolLifecycle boots a pool from config and a peers file, lets the loops
// discover an advertised validator node, then loses a node while serving reads
// and broadcasts over the HTTP API.
func TestPoolLifecycle(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHAINNET_CONFIG_DIR", dir)

	lumen := newChain("lumen-1", 500)
	n1, n2, n3 := newNode(t, lumen), newNode(t, lumen), newNode(t, lumen)
	advertised := newNode(t, lumen)
	lumen.advertise("delta", advertised.URL()+"/rpc "+advertised.URL()+"/api")

	peersFile := filepath.Join(dir, "peers.txt")
	writeFile(t, peersFile, fmt.Sprintf("# lumen seed nodes\n%s %s\n%s, %s\n\n%s %s # third\n",
		n1.URL(), n1.URL(), n2.URL(), n2.URL(), n3.URL(), n3.URL()))

	cfgPath := filepath.Join(dir, "config.toml")
	writeFile(t, cfgPath, fmt.Sprintf(`
[network]
peers_file = %q
health_interval = "100ms"
health_sample_size = 4
status_timeout = "1s"

[broadcast]
poll_interval = "50ms"
confirm_timeout = "5s"

[store]
path = %q
`, peersFile, filepath.Join(dir, "peers.db")))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	opts := cfg.PoolOptions()
	opts.HealthInitialDelay = 50 * time.Millisecond
	opts.OnChainInitialDelay = 200 * time.Millisecond

	pool := peerpool.New(opts, zaptest.NewLogger(t))
	store, err := peerstore.Open(cfg.Store.Path)
	require.NoError(t, err)
	require.NoError(t, pool.AttachStore(store))
	t.Cleanup(func() { pool.Close() })

	entries, path, err := bootstrap.Load(bootstrap.Candidates(cfg.Network.PeersFile, config.GetConfigDir()))
	require.NoError(t, err)
	assert.Equal(t, peersFile, path)
	require.Equal(t, 3, pool.AddBootstrapPeers(entries))

	client, err := chainclient.New(pool, zaptest.NewLogger(t), cfg.ClientOptions())
	require.NoError(t, err)
	srv := httptest.NewServer(api.NewServer(client, zaptest.NewLogger(t)).Handler())
	t.Cleanup(srv.Close)

	pool.Start()

	aliveCount := func() int {
		_, alive, _, _, _ := pool.Snapshot().Counts()
		return alive
	}
	require.Eventually(t, func() bool { return aliveCount() == 4 }, 10*time.Second, 50*time.Millisecond,
		"bootstrap nodes and the advertised node should all become alive")

	discovered, ok := pool.Peer(advertised.URL() + "/rpc")
	require.True(t, ok)
	assert.Equal(t, types.SourceOnChain, discovered.Source)
	assert.Equal(t, advertised.URL()+"/api", discovered.REST)
	require.Len(t, pool.Validators(), 1)
	assert.Equal(t, "delta", pool.Validators()[0].Moniker)

	// broadcast through the API
	tx := []byte("transfer 10ulmn")
	resp, err := http.Post(srv.URL+"/net/broadcast", "application/json",
		strings.NewReader(fmt.Sprintf(`{"txBytes":%q}`, base64.StdEncoding.EncodeToString(tx))))
	require.NoError(t, err)
	var result chainclient.BroadcastResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, result.Confirmed)
	assert.Equal(t, chainclient.TxHash(tx), result.TxHash)
	assert.Equal(t, int64(500), result.Height)
	assert.NotEqual(t, result.BroadcastPeer, result.ConfirmPeer)

	// lose a node; the health loop declares it dead
	n2.srv.Close()
	require.Eventually(t, func() bool {
		p, _ := pool.Peer(n2.URL())
		return p.IsDead(time.Now())
	}, 10*time.Second, 50*time.Millisecond)

	for i := 0; i < 5; i++ {
		resp, err = http.Get(srv.URL + "/net/read?path=/cosmos/base/tendermint/v1beta1/blocks/latest")
		require.NoError(t, err)
		var read struct {
			Peer         string `json:"peer"`
			Coherent     bool   `json:"coherent"`
			Corroborated bool   `json:"corroborated"`
			Height       int64  `json:"height"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&read))
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, read.Coherent)
		assert.True(t, read.Corroborated)
		assert.NotEqual(t, n2.URL(), read.Peer)
		assert.Equal(t, int64(500), read.Height)
	}

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	pool.Stop()
	assert.False(t, pool.Started())
}

// TestPeersSurviveRestart checks that user peers added over the API are
// restored from the store while bootstrap peers are not.
func TestPeersSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "peers.db")

	lumen := newChain("lumen-1", 42)
	mine, seed := newNode(t, lumen), newNode(t, lumen)

	store, err := peerstore.Open(dbPath)
	require.NoError(t, err)
	pool := peerpool.New(peerpool.Options{DisableDiscovery: true}, zaptest.NewLogger(t))
	require.NoError(t, pool.AttachStore(store))
	pool.AddBootstrapPeers([]bootstrap.Entry{{RPC: seed.URL(), REST: seed.URL()}})

	client, err := chainclient.New(pool, zaptest.NewLogger(t), chainclient.Options{})
	require.NoError(t, err)
	srv := httptest.NewServer(api.NewServer(client, zaptest.NewLogger(t)).Handler())

	resp, err := http.Post(srv.URL+"/net/peers", "application/json",
		strings.NewReader(fmt.Sprintf(`{"rpc":%q,"rest":%q}`, mine.URL(), mine.URL())))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	srv.Close()
	require.NoError(t, pool.Close())

	store, err = peerstore.Open(dbPath)
	require.NoError(t, err)
	restored := peerpool.New(peerpool.Options{DisableDiscovery: true}, zaptest.NewLogger(t))
	require.NoError(t, restored.AttachStore(store))
	defer restored.Close()

	peers := restored.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, mine.URL(), peers[0].RPC)
	assert.Equal(t, mine.URL(), peers[0].REST)
	assert.Equal(t, types.SourceUser, peers[0].Source)
}
