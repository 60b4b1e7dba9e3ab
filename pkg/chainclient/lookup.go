package chainclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chainnet/pkg/peerpool"
)

// TxResult is an included transaction as reported by a node
type TxResult struct {
	Hash      string `json:"hash"`
	Height    int64  `json:"height"`
	Code      int64  `json:"code"`
	Codespace string `json:"codespace,omitempty"`
	Log       string `json:"log,omitempty"`
	GasWanted int64  `json:"gasWanted,omitempty"`
	GasUsed   int64  `json:"gasUsed,omitempty"`
	Peer      string `json:"peer,omitempty"`
}

// LookupTx fetches an included transaction by hash. Transactions confirmed by
// this client are answered from a bounded cache.
func (c *Client) LookupTx(ctx context.Context, hash string) (TxResult, error) {
	h := normalizeHash(hash)
	if h == "" || !isHex(h) {
		return TxResult{}, &Error{Kind: KindApplication, Op: "lookup", Err: fmt.Errorf("invalid tx hash %q", hash)}
	}
	if cached, ok := c.txCache.Get(h); ok {
		return cached, nil
	}

	resp, err := c.pool.RPCGet(ctx, "/tx?hash=0x"+h, peerpool.RequestOptions{Timeout: c.opts.PollTimeout})
	if env, ok := decodeEnvelope(resp.Body); ok && resp.Err == nil {
		if env.Error != nil {
			return TxResult{}, &Error{
				Kind:   KindApplication,
				Op:     "lookup",
				Peer:   resp.Peer.RPC,
				Code:   env.Error.Code,
				Log:    env.Error.text(),
				TxHash: h,
				Err:    ErrTxNotFound,
			}
		}

		var found txQueryResult
		if err := json.Unmarshal(env.Result, &found); err != nil || found.Height <= 0 {
			return TxResult{}, &Error{Kind: KindApplication, Op: "lookup", Peer: resp.Peer.RPC, TxHash: h, Err: ErrTxNotFound}
		}
		tx := TxResult{
			Hash:      h,
			Height:    int64(found.Height),
			Code:      int64(found.TxResult.Code),
			Codespace: found.TxResult.Codespace,
			Log:       firstNonEmpty(found.TxResult.Log, found.TxResult.RawLog),
			GasWanted: int64(found.TxResult.GasWanted),
			GasUsed:   int64(found.TxResult.GasUsed),
			Peer:      resp.Peer.RPC,
		}
		c.txCache.Add(h, tx)
		return tx, nil
	}

	if errors.Is(err, peerpool.ErrNoPeers) {
		return TxResult{}, &Error{Kind: KindExhaustion, Op: "lookup", TxHash: h, Err: ErrNoRPCPeers}
	}
	if resp.OK() {
		return TxResult{}, &Error{Kind: KindApplication, Op: "lookup", Peer: resp.Peer.RPC, TxHash: h, Err: ErrTxNotFound}
	}
	e := responseError("lookup", resp)
	e.TxHash = h
	return TxResult{}, e
}
