package chainclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"chainnet/pkg/peerpool"
	"chainnet/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BroadcastOptions overrides the client's broadcast timings for one call
type BroadcastOptions struct {
	Timeout        time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// BroadcastResult describes a submitted transaction. TxHash is always set, so a
// caller whose confirmation timed out can look the transaction up later.
type BroadcastResult struct {
	TxHash        string `json:"txHash"`
	Code          int64  `json:"code"`
	Codespace     string `json:"codespace,omitempty"`
	Log           string `json:"log,omitempty"`
	Height        int64  `json:"height,omitempty"`
	Confirmed     bool   `json:"confirmed"`
	BroadcastPeer string `json:"broadcastPeer,omitempty"`
	ConfirmPeer   string `json:"confirmPeer,omitempty"`
	Polls         int    `json:"polls,omitempty"`
}

const (
	broadcastConfirmed        = "confirmed"
	broadcastConfirmedFailure = "confirmed_failure"
	broadcastRejected         = "rejected"
	broadcastFailed           = "broadcast_failed"
	broadcastTimeout          = "timeout"
)

// BroadcastEncodedTx decodes a hex, 0x-hex or base64 transaction and broadcasts it
func (c *Client) BroadcastEncodedTx(ctx context.Context, encoded string, opts BroadcastOptions) (*BroadcastResult, error) {
	tx, err := DecodeTx(encoded)
	if err != nil {
		return nil, &Error{Kind: KindApplication, Op: "broadcast", Err: err}
	}
	return c.BroadcastTx(ctx, tx, opts)
}

// BroadcastTx submits tx to one peer at a time until a peer gives a JSON-RPC
// answer, then waits for inclusion by polling a different peer.
func (c *Client) BroadcastTx(ctx context.Context, tx []byte, opts BroadcastOptions) (*BroadcastResult, error) {
	if len(tx) == 0 {
		return nil, &Error{Kind: KindApplication, Op: "broadcast", Err: ErrInvalidTx}
	}
	opts = c.broadcastDefaults(opts)
	metrics := c.pool.Metrics()

	result := &BroadcastResult{TxHash: TxHash(tx)}

	alive := c.ensureSomeAlive(ctx, types.KindRPC, 2)
	if len(alive) == 0 {
		metrics.ObserveBroadcast(broadcastFailed, 0)
		return result, &Error{Kind: KindExhaustion, Op: "broadcast", TxHash: result.TxHash, Err: ErrNoRPCPeers}
	}
	tries := c.pool.PickPeers(types.KindRPC, c.opts.BroadcastAttempts, peerpool.PickOptions{RequireAlive: true})
	if len(tries) == 0 {
		tries = alive
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      "chainnet-" + uuid.NewString(),
		Method:  "broadcast_tx_sync",
		Params:  map[string]string{"tx": base64.StdEncoding.EncodeToString(tx)},
	})
	if err != nil {
		return result, &Error{Kind: KindApplication, Op: "broadcast", Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	broadcaster, env, attempted, last := c.submit(ctx, tries, body, opts.Timeout)
	if broadcaster == nil {
		metrics.ObserveBroadcast(broadcastFailed, 0)
		e := &Error{Kind: KindTransport, Op: "broadcast", TxHash: result.TxHash, Err: ErrBroadcastFailed}
		if last != nil {
			e.Peer = last.Peer.RPC
			e.Err = fmt.Errorf("%w: %w", ErrBroadcastFailed, last.Failure())
		}
		if ctx.Err() != nil {
			e.Err = fmt.Errorf("%w: %w", ErrBroadcastFailed, ctx.Err())
		}
		return result, e
	}
	broadcastAt := time.Now()
	result.BroadcastPeer = broadcaster.RPC

	if env.Error != nil {
		metrics.ObserveBroadcast(broadcastRejected, 0)
		result.Code = env.Error.Code
		result.Log = env.Error.text()
		return result, &Error{
			Kind:   KindApplication,
			Op:     "broadcast",
			Peer:   broadcaster.RPC,
			Code:   env.Error.Code,
			Log:    env.Error.text(),
			TxHash: result.TxHash,
			Err:    ErrTxRejected,
		}
	}

	var ack broadcastSyncResult
	if err := json.Unmarshal(env.Result, &ack); err != nil {
		c.logger.Debug("Unexpected broadcast result shape", zap.String("peer", broadcaster.RPC), zap.Error(err))
	}
	if h := normalizeHash(firstNonEmpty(ack.Hash, ack.TxHash)); h != "" {
		result.TxHash = h
	}
	result.Code = int64(ack.Code)
	result.Codespace = ack.Codespace
	result.Log = firstNonEmpty(ack.Log, ack.RawLog)

	if result.Code != 0 {
		metrics.ObserveBroadcast(broadcastRejected, 0)
		c.logger.Info("Transaction rejected",
			zap.String("tx_hash", result.TxHash),
			zap.Int64("code", result.Code),
			zap.String("peer", broadcaster.RPC))
		return result, &Error{
			Kind:   KindApplication,
			Op:     "broadcast",
			Peer:   broadcaster.RPC,
			Code:   result.Code,
			Log:    result.Log,
			TxHash: result.TxHash,
			Err:    ErrTxRejected,
		}
	}

	c.logger.Info("Transaction broadcast",
		zap.String("tx_hash", result.TxHash),
		zap.String("peer", broadcaster.RPC),
		zap.Int("attempts", len(attempted)))

	confirmer := c.chooseConfirmer(ctx, *broadcaster, attempted)
	err = c.confirm(ctx, result, *broadcaster, confirmer, opts)
	switch {
	case err == nil:
		metrics.ObserveBroadcast(broadcastConfirmed, time.Since(broadcastAt))
	case KindOf(err) == KindApplication:
		metrics.ObserveBroadcast(broadcastConfirmedFailure, time.Since(broadcastAt))
	default:
		metrics.ObserveBroadcast(broadcastTimeout, 0)
	}
	return result, err
}

func (c *Client) broadcastDefaults(opts BroadcastOptions) BroadcastOptions {
	if opts.Timeout <= 0 {
		opts.Timeout = c.opts.RequestTimeout
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = c.opts.ConfirmTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = c.opts.PollInterval
	}
	opts.ConfirmTimeout = clamp(opts.ConfirmTimeout, 100*time.Millisecond, 10*time.Minute)
	opts.PollInterval = clamp(opts.PollInterval, 10*time.Millisecond, 10*time.Second)
	return opts
}

// submit tries peers strictly one after another. The first peer that answers
// with a JSON-RPC envelope, success or error, ends the loop. Transport failures
// and bodies that are not an envelope (proxy error pages, bare JSON without a
// result or error member) move on to the next peer, since such a body says
// nothing about whether the node accepted the tx.
func (c *Client) submit(ctx context.Context, tries []types.Peer, body []byte, timeout time.Duration) (*types.Peer, rpcEnvelope, []string, *peerpool.Response) {
	var (
		attempted []string
		last      *peerpool.Response
	)
	for _, peer := range tries {
		if ctx.Err() != nil {
			break
		}
		attempted = append(attempted, peer.RPC)

		resp, _ := c.pool.RequestOnPeer(ctx, types.KindRPC, peer, "", peerpool.RequestOptions{
			Timeout: timeout,
			Body:    body,
		})
		if resp.Err == nil {
			if env, ok := decodeEnvelope(resp.Body); ok {
				return &peer, env, attempted, resp
			}
		}

		last = resp
		c.logger.Debug("Broadcast attempt failed",
			zap.String("peer", peer.RPC),
			zap.Int("status", resp.Status),
			zap.Bool("timeout", resp.Timeout),
			zap.Error(resp.Failure()))
	}
	return nil, rpcEnvelope{}, attempted, last
}

// chooseConfirmer prefers an alive peer that took no part in broadcasting, then
// any non-dead one, and only then the broadcaster itself. Both sides are
// probed; a confirmer that disagrees with the broadcaster on chain id or by
// more than two blocks is marked suspect and replaced when possible.
func (c *Client) chooseConfirmer(ctx context.Context, broadcaster types.Peer, attempted []string) types.Peer {
	confirmer, ok := c.alternate(attempted)
	if !ok {
		return broadcaster
	}

	bProbe, bErr := c.pool.PingPeer(ctx, broadcaster)
	cProbe, cErr := c.pool.PingPeer(ctx, confirmer)
	if bErr != nil || cErr != nil {
		return confirmer
	}
	if bProbe.ChainID == cProbe.ChainID && abs64(bProbe.Height-cProbe.Height) <= maxHeightSkew {
		return confirmer
	}

	c.logger.Warn("Confirming peer disagrees with broadcaster",
		zap.String("broadcaster", broadcaster.RPC),
		zap.String("confirmer", confirmer.RPC),
		zap.String("broadcaster_chain", bProbe.ChainID),
		zap.String("confirmer_chain", cProbe.ChainID),
		zap.Int64("broadcaster_height", bProbe.Height),
		zap.Int64("confirmer_height", cProbe.Height))
	c.pool.MarkSuspect(confirmer)

	if alt, ok := c.alternate(append(attempted, confirmer.RPC)); ok {
		return alt
	}
	return confirmer
}

// alternate picks an alive RPC peer outside exclude, else any non-dead one
func (c *Client) alternate(exclude []string) (types.Peer, bool) {
	if peers := c.pool.PickPeers(types.KindRPC, 1, peerpool.PickOptions{RequireAlive: true, Exclude: exclude}); len(peers) > 0 {
		return peers[0], true
	}
	if peers := c.pool.PickPeers(types.KindRPC, 1, peerpool.PickOptions{Exclude: exclude}); len(peers) > 0 {
		return peers[0], true
	}
	return types.Peer{}, false
}

// confirm polls confirmer until the transaction is included or the budget runs out
func (c *Client) confirm(ctx context.Context, result *BroadcastResult, broadcaster, confirmer types.Peer, opts BroadcastOptions) error {
	clk := c.pool.Clock()
	deadline := clk.Now().Add(opts.ConfirmTimeout)
	path := "/tx?hash=0x" + result.TxHash
	result.ConfirmPeer = confirmer.RPC

	for {
		wait := opts.PollInterval
		if remaining := deadline.Sub(clk.Now()); remaining < wait {
			wait = remaining
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return c.notConfirmed(result, ctx.Err())
			case <-clk.After(wait):
			}
		}
		if !clk.Now().Before(deadline) {
			return c.notConfirmed(result, nil)
		}

		result.Polls++
		resp, _ := c.pool.RequestOnPeer(ctx, types.KindRPC, confirmer, path, peerpool.RequestOptions{Timeout: c.opts.PollTimeout})

		if resp.CountsAsPeerFailure() {
			if ctx.Err() != nil {
				return c.notConfirmed(result, ctx.Err())
			}
			if resp.Timeout {
				c.pool.MarkSuspect(confirmer)
			}
			if alt, ok := c.alternate([]string{broadcaster.RPC, confirmer.RPC}); ok {
				c.logger.Info("Switching confirming peer",
					zap.String("tx_hash", result.TxHash),
					zap.String("from", confirmer.RPC),
					zap.String("to", alt.RPC))
				confirmer = alt
				result.ConfirmPeer = alt.RPC
			}
			continue
		}

		env, ok := decodeEnvelope(resp.Body)
		if !ok || env.Error != nil {
			// not indexed yet
			continue
		}

		var found txQueryResult
		if err := json.Unmarshal(env.Result, &found); err != nil || found.Height <= 0 {
			continue
		}

		result.Height = int64(found.Height)
		result.Code = int64(found.TxResult.Code)
		result.Codespace = found.TxResult.Codespace
		result.Log = firstNonEmpty(found.TxResult.Log, found.TxResult.RawLog)
		result.Confirmed = true

		c.txCache.Add(result.TxHash, TxResult{
			Hash:      result.TxHash,
			Height:    result.Height,
			Code:      result.Code,
			Codespace: result.Codespace,
			Log:       result.Log,
			GasWanted: int64(found.TxResult.GasWanted),
			GasUsed:   int64(found.TxResult.GasUsed),
			Peer:      confirmer.RPC,
		})

		if result.Code != 0 {
			return &Error{
				Kind:   KindApplication,
				Op:     "confirm",
				Peer:   confirmer.RPC,
				Code:   result.Code,
				Log:    result.Log,
				TxHash: result.TxHash,
				Err:    ErrTxFailed,
			}
		}
		c.logger.Info("Transaction confirmed",
			zap.String("tx_hash", result.TxHash),
			zap.Int64("height", result.Height),
			zap.String("confirmer", confirmer.RPC),
			zap.Int("polls", result.Polls))
		return nil
	}
}

func (c *Client) notConfirmed(result *BroadcastResult, cause error) error {
	err := ErrNotConfirmed
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrNotConfirmed, cause)
	}
	c.logger.Warn("Transaction not confirmed in time",
		zap.String("tx_hash", result.TxHash),
		zap.Int("polls", result.Polls))
	return &Error{
		Kind:   KindConfirmationTimeout,
		Op:     "confirm",
		Peer:   result.ConfirmPeer,
		TxHash: result.TxHash,
		Err:    err,
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
