package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chainnet/pkg/api"
	"chainnet/pkg/bootstrap"
	"chainnet/pkg/chainclient"
	"chainnet/pkg/config"
	"chainnet/pkg/peerpool"
	"chainnet/pkg/peerstore"
	"chainnet/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile string
	verbose    bool
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "chainnet",
		Short: "Resilient access to a network of chain nodes",
		Long: `chainnet keeps a health-tracked pool of CometBFT/Cosmos nodes, answers reads
only when peers agree, and broadcasts transactions with confirmation on an
independent peer.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		statusCmd(),
		readCmd(),
		broadcastCmd(),
		txCmd(),
		peersCmd(),
		discoverCmd(),
		configCmd(),
		versionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runtime is everything a command needs to talk to the network
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	pool     *peerpool.Pool
	client   *chainclient.Client
	registry *prometheus.Registry
}

func newRuntime() (*runtime, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := setupLogger(verbose, cfg.Logging.Level)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pool := peerpool.New(cfg.PoolOptions(), logger.Named("peerpool"))
	pool.SetMetrics(peerpool.NewMetrics(registry))

	if !cfg.Store.Disabled && cfg.Store.Path != "" {
		store, err := peerstore.Open(cfg.Store.Path)
		if err != nil {
			logger.Warn("Peer store unavailable, continuing without persistence",
				zap.String("path", cfg.Store.Path),
				zap.Error(err))
		} else if err := pool.AttachStore(store); err != nil {
			store.Close()
			logger.Warn("Failed to load stored peers", zap.Error(err))
		}
	}

	entries, path, err := bootstrap.Load(bootstrap.Candidates(cfg.Network.PeersFile, config.GetConfigDir()))
	if err != nil {
		logger.Warn("Failed to read bootstrap peers", zap.String("path", path), zap.Error(err))
	}
	added := pool.AddBootstrapPeers(entries)
	logger.Debug("Loaded bootstrap peers",
		zap.String("path", path),
		zap.Int("entries", len(entries)),
		zap.Int("added", added))

	for _, line := range cfg.Network.Peers {
		e, ok := bootstrap.ParseLine(line)
		if !ok {
			continue
		}
		if _, err := pool.AddUserPeer(e.RPC, e.REST, e.GRPC); err != nil {
			logger.Warn("Ignoring configured peer", zap.String("peer", line), zap.Error(err))
		}
	}

	client, err := chainclient.New(pool, logger, cfg.ClientOptions())
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		client:   client,
		registry: registry,
	}, nil
}

// warm probes every known peer once so one-shot commands start from fresh health
func (rt *runtime) warm(ctx context.Context) int {
	if rt.pool.Len() == 0 {
		rt.logger.Warn("No peers configured; add a peers file or run 'chainnet peers add'")
		return 0
	}
	probeCtx, cancel := context.WithTimeout(ctx, rt.cfg.Network.StatusTimeout.Duration+2*time.Second)
	defer cancel()
	alive := rt.pool.ProbeAll(probeCtx)
	rt.logger.Debug("Probed peers", zap.Int("alive", alive), zap.Int("known", rt.pool.Len()))
	return alive
}

func (rt *runtime) close() {
	if err := rt.pool.Close(); err != nil {
		rt.logger.Warn("Error closing peer pool", zap.Error(err))
	}
	_ = rt.logger.Sync()
}

func serveCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the peer pool and HTTP API",
		Long:  `Start the health and discovery loops and serve the chainnet HTTP API until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if address != "" {
				rt.cfg.API.Address = address
			}

			rt.pool.Start()

			server := api.NewServer(rt.client, rt.logger)
			if rt.cfg.API.Metrics {
				server.EnableMetrics(rt.registry)
			}

			rt.logger.Info("Starting chainnet",
				zap.String("version", version),
				zap.String("address", rt.cfg.API.Address),
				zap.Int("peers", rt.pool.Len()))

			return server.ListenAndServe(cmd.Context(), rt.cfg.API.Address)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "API listening address (overrides config)")
	return cmd
}

func statusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe every peer and show pool health",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			rt.warm(cmd.Context())
			snap := rt.pool.Snapshot()
			height, _ := rt.pool.NetworkHeight()

			grpcStats := rt.pool.GRPCStats()

			if asJSON {
				return printJSON(struct {
					peerpool.Snapshot
					NetworkHeight int64              `json:"networkHeight,omitempty"`
					GRPC          peerpool.GRPCStats `json:"grpc"`
				}{snap, height, grpcStats})
			}
			styledOutputPool(snap, height, grpcStats)
			styledOutputPeers(snap)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func readCmd() *cobra.Command {
	var (
		kind     string
		showMeta bool
		strict   bool
	)

	cmd := &cobra.Command{
		Use:   "read <path>",
		Short: "Read chain state from agreeing peers",
		Long: `Send the same GET to at least two peers and print the answer of the
coherent group. Paths go to the CometBFT rpc endpoint unless --kind rest is given.
Examples: chainnet read /abci_info
          chainnet read --kind rest /cosmos/bank/v1beta1/supply`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := types.ParseKind(kind)
			if err != nil {
				return err
			}

			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			rt.warm(cmd.Context())

			path := args[0]
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}

			result, err := rt.client.ReadState(cmd.Context(), path, chainclient.ReadOptions{Kind: k, Strict: strict})
			if err != nil {
				return err
			}
			if showMeta {
				if err := printJSON(result); err != nil {
					return err
				}
			}
			return printBody(result.Body())
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "rpc", "endpoint kind to read from (rpc or rest)")
	cmd.Flags().BoolVar(&showMeta, "meta", false, "print which peers answered before the body")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail instead of returning an answer no second peer agreed with")
	return cmd
}

func broadcastCmd() *cobra.Command {
	var confirmTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "broadcast <txBytes|@file>",
		Short: "Broadcast a signed transaction and wait for inclusion",
		Long: `Broadcast a signed transaction given as hex, 0x-hex or base64, or read
from a file with @path. The command exits non-zero unless the transaction
was included with code 0.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			encoded, err := readTxArg(args[0])
			if err != nil {
				return err
			}

			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			rt.warm(cmd.Context())

			result, err := rt.client.BroadcastEncodedTx(cmd.Context(), encoded, chainclient.BroadcastOptions{
				ConfirmTimeout: confirmTimeout,
			})
			if result != nil {
				if perr := printJSON(result); perr != nil {
					return perr
				}
			}
			if chainclient.KindOf(err) == chainclient.KindConfirmationTimeout {
				fmt.Fprintf(os.Stderr, "Not confirmed yet; check later with: chainnet tx %s\n", result.TxHash)
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&confirmTimeout, "confirm-timeout", 0, "how long to wait for inclusion (default from config)")
	return cmd
}

func txCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tx <hash>",
		Short: "Look up an included transaction by hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			rt.warm(cmd.Context())

			tx, err := rt.client.LookupTx(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(tx)
		},
	}
}

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List or add peers",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List known peers without probing",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			styledOutputPeers(rt.pool.Snapshot())
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add <rpcUrl> [restUrl] [grpcHostPort]",
		Short: "Add a user peer and remember it",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			e, ok := bootstrap.ParseLine(strings.Join(args, " "))
			if !ok {
				return fmt.Errorf("invalid peer %q", args[0])
			}
			peer, err := rt.pool.AddUserPeer(e.RPC, e.REST, e.GRPC)
			if err != nil {
				return err
			}

			probe, err := rt.pool.PingPeer(cmd.Context(), peer)
			if err != nil {
				fmt.Printf("Added %s (not reachable: %v)\n", peer.RPC, err)
				return nil
			}
			fmt.Printf("Added %s (chain %s, height %d, %s)\n",
				peer.RPC, probe.ChainID, probe.Height, probe.Latency.Round(time.Millisecond))
			return nil
		},
	}

	cmd.AddCommand(list, add)
	return cmd
}

func discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Find peers advertised in the on-chain validator set",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			rt.warm(cmd.Context())

			result, err := rt.pool.RefreshFromOnChain(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chainnet %s\n", version)
		},
	}
}

func readTxArg(arg string) (string, error) {
	if !strings.HasPrefix(arg, "@") {
		return arg, nil
	}
	data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
	if err != nil {
		return "", fmt.Errorf("failed to read tx file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printBody(body []byte) error {
	var v interface{}
	if json.Unmarshal(body, &v) == nil {
		return printJSON(v)
	}
	_, err := os.Stdout.Write(body)
	return err
}

func setupLogger(verbose bool, level string) *zap.Logger {
	config := zap.NewProductionConfig()

	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
