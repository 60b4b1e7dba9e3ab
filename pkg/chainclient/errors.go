package chainclient

import (
	"errors"
	"fmt"
	"strings"

	"chainnet/pkg/peerpool"
)

// ErrorKind classifies a failed operation
type ErrorKind string

const (
	// KindTransport covers timeouts, refused connections, DNS failures, 5xx and 408
	KindTransport ErrorKind = "transport"
	// KindApplication is a well-formed rejection by a node, surfaced verbatim
	KindApplication ErrorKind = "application"
	// KindConsistency is chain id or height divergence across peers
	KindConsistency ErrorKind = "consistency"
	// KindExhaustion means no candidate peers remained
	KindExhaustion ErrorKind = "exhaustion"
	// KindConfirmationTimeout means the polling budget ran out; the tx hash can be re-polled
	KindConfirmationTimeout ErrorKind = "confirmation_timeout"
)

var (
	ErrNoPeers         = peerpool.ErrNoPeers
	ErrNoRPCPeers      = errors.New("no_rpc_peers_available")
	ErrBroadcastFailed = errors.New("broadcast_failed")
	ErrTxRejected      = errors.New("tx_rejected")
	ErrTxFailed        = errors.New("tx_failed")
	ErrNotConfirmed    = errors.New("tx_not_confirmed")
	ErrTxNotFound      = errors.New("tx_not_found")
	ErrReadFailed      = errors.New("read_failed")
	ErrDivergent       = errors.New("peers_diverged")
	ErrInvalidTx       = errors.New("invalid_txBytes")
	ErrInvalidKind     = errors.New("unsupported endpoint kind")
)

// Error is the structured failure returned by every client entry point
type Error struct {
	Kind   ErrorKind
	Op     string
	Peer   string
	Code   int64
	Log    string
	TxHash string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Op, e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Log != "" {
		fmt.Fprintf(&b, ": %s", e.Log)
	}
	if e.Peer != "" {
		fmt.Fprintf(&b, " [peer %s]", e.Peer)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a client error, or "" for foreign errors
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// responseError classifies a failed peer response
func responseError(op string, resp *peerpool.Response) *Error {
	if resp == nil {
		return &Error{Kind: KindExhaustion, Op: op, Err: ErrNoPeers}
	}
	e := &Error{Op: op, Peer: resp.Peer.RPC, Err: resp.Failure()}
	switch {
	case errors.Is(resp.Err, peerpool.ErrNoPeers):
		e.Kind = KindExhaustion
	case resp.CountsAsPeerFailure():
		e.Kind = KindTransport
	default:
		e.Kind = KindApplication
		if env, ok := decodeEnvelope(resp.Body); ok && env.Error != nil {
			e.Code = env.Error.Code
			e.Log = env.Error.text()
		}
	}
	return e
}
