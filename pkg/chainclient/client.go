// Package chainclient implements cross-checked state reads and the
// broadcast-then-confirm transaction protocol on top of a peer pool.
package chainclient

import (
	"errors"
	"fmt"
	"time"

	"chainnet/pkg/peerpool"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Options configures a Client. Zero fields take their defaults.
type Options struct {
	RequestTimeout time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	PollTimeout    time.Duration
	// StatusMaxAge is how recent a peer's status must be before a read trusts
	// its chain id and height without probing again.
	StatusMaxAge      time.Duration
	TxCacheSize       int
	BroadcastAttempts int
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		RequestTimeout:    12 * time.Second,
		ConfirmTimeout:    60 * time.Second,
		PollInterval:      1500 * time.Millisecond,
		PollTimeout:       8 * time.Second,
		StatusMaxAge:      30 * time.Second,
		TxCacheSize:       1024,
		BroadcastAttempts: 3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = d.ConfirmTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = d.PollTimeout
	}
	if o.StatusMaxAge <= 0 {
		o.StatusMaxAge = d.StatusMaxAge
	}
	if o.TxCacheSize <= 0 {
		o.TxCacheSize = d.TxCacheSize
	}
	if o.BroadcastAttempts <= 0 {
		o.BroadcastAttempts = d.BroadcastAttempts
	}
	return o
}

// Client runs quorum reads and broadcasts against a shared pool
type Client struct {
	pool    *peerpool.Pool
	logger  *zap.Logger
	opts    Options
	txCache *lru.Cache[string, TxResult]
}

// New creates a client bound to pool
func New(pool *peerpool.Pool, logger *zap.Logger, opts Options) (*Client, error) {
	if pool == nil {
		return nil, errors.New("chainclient: pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	cache, err := lru.New[string, TxResult](opts.TxCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create tx cache: %w", err)
	}

	return &Client{
		pool:    pool,
		logger:  logger.Named("chainclient"),
		opts:    opts,
		txCache: cache,
	}, nil
}

// Pool returns the underlying peer pool
func (c *Client) Pool() *peerpool.Pool { return c.pool }

// Options returns the effective options
func (c *Client) Options() Options { return c.opts }
