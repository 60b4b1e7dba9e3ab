package peerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"chainnet/pkg/bootstrap"
	"chainnet/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxBodyBytes caps how much of a peer response is buffered
const maxBodyBytes = 16 << 20

// Response is the outcome of one HTTP request to one peer.
// Err is set for transport failures; Status and Body are set whenever the peer answered.
type Response struct {
	Peer    types.Peer         `json:"peer"`
	Kind    types.EndpointKind `json:"kind"`
	URL     string             `json:"url"`
	Status  int                `json:"status"`
	Body    []byte             `json:"-"`
	Header  http.Header        `json:"-"`
	Latency time.Duration      `json:"latency"`
	Timeout bool               `json:"timeout,omitempty"`
	Err     error              `json:"-"`
}

// StatusError reports a non-2xx answer from a peer
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("peer returned http %d", e.Code)
	}
	return fmt.Sprintf("peer returned http %d: %s", e.Code, e.Body)
}

// OK reports a 2xx answer
func (r *Response) OK() bool {
	return r != nil && r.Err == nil && r.Status >= 200 && r.Status < 300
}

// Failure returns nil for a 2xx answer and the transport or status error otherwise
func (r *Response) Failure() error {
	switch {
	case r == nil:
		return ErrAllPeersFail
	case r.Err != nil:
		return r.Err
	case r.OK():
		return nil
	default:
		return &StatusError{Code: r.Status, Body: snippet(r.Body, 256)}
	}
}

// CountsAsPeerFailure reports whether the outcome should count against the peer's health.
// Transport errors, timeouts, 408 and 5xx count. A 5xx carrying a JSON-RPC error
// envelope is the node's answer to the request and does not. Caller cancellation never counts.
func (r *Response) CountsAsPeerFailure() bool {
	if r == nil {
		return true
	}
	if r.Err != nil {
		if errors.Is(r.Err, ErrNoEndpoint) {
			return false
		}
		if errors.Is(r.Err, context.Canceled) && !r.Timeout {
			return false
		}
		return true
	}
	if r.Timeout || r.Status == 0 || r.Status == http.StatusRequestTimeout {
		return true
	}
	if r.Status >= 500 {
		return !IsJSONRPCError(r.Body)
	}
	return false
}

// DecodeJSON unmarshals the body into v
func (r *Response) DecodeJSON(v any) error {
	if r == nil || len(r.Body) == 0 {
		return errors.New("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", r.Peer.RPC, err)
	}
	return nil
}

// IsJSONRPCError reports whether body is a JSON-RPC 2.0 error envelope
func IsJSONRPCError(body []byte) bool {
	var env struct {
		JSONRPC string `json:"jsonrpc"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return false
	}
	return env.JSONRPC == "2.0" && env.Error != nil && (env.Error.Code != 0 || env.Error.Message != "")
}

// RequestOptions tunes RequestOnPeer
type RequestOptions struct {
	Timeout     time.Duration
	Method      string
	Body        []byte
	ContentType string
}

// RequestOnPeer sends one request to the kind endpoint of peer and records the outcome
// against the peer's health. The returned Response is never nil; the error is its Failure().
func (p *Pool) RequestOnPeer(ctx context.Context, kind types.EndpointKind, peer types.Peer, path string, opts RequestOptions) (*Response, error) {
	resp := p.requestOnPeer(ctx, kind, peer, path, opts)
	return resp, resp.Failure()
}

func (p *Pool) requestOnPeer(ctx context.Context, kind types.EndpointKind, peer types.Peer, path string, opts RequestOptions) *Response {
	if kind == types.KindGRPC {
		return &Response{Peer: peer, Kind: kind, Err: fmt.Errorf("%w: grpc endpoints are reached through CallGRPC", ErrNoEndpoint)}
	}
	base := peer.Endpoint(kind)
	if base == "" {
		return &Response{Peer: peer, Kind: kind, Err: fmt.Errorf("%w: %s has no %s endpoint", ErrNoEndpoint, peer.RPC, kind)}
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
		if opts.Body != nil {
			method = http.MethodPost
		}
	}
	timeout := p.opts.RequestTimeout
	if opts.Timeout > 0 {
		timeout = clampDuration(opts.Timeout, 100*time.Millisecond, 2*time.Minute)
	}

	resp := p.do(ctx, method, joinPath(base, path), opts.Body, opts.ContentType, timeout)
	resp.Peer = peer
	resp.Kind = kind

	switch {
	case resp.OK():
		p.noteRequestSuccess(peer, resp.Latency)
		p.metrics.observeRequest(kind, outcomeOK, resp.Latency)
	case resp.CountsAsPeerFailure():
		p.MarkFailure(peer, FailureOpts{Latency: resp.Latency, Timeout: resp.Timeout})
		p.metrics.observeRequest(kind, outcomePeerFailure, resp.Latency)
	default:
		p.metrics.observeRequest(kind, outcomeAppError, resp.Latency)
	}
	return resp
}

// do performs a single HTTP exchange bounded by timeout
func (p *Pool) do(ctx context.Context, method, url string, body []byte, contentType string, timeout time.Duration) *Response {
	resp := &Response{URL: url}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		resp.Err = fmt.Errorf("failed to build request: %w", err)
		return resp
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	res, err := p.client.Do(req)
	if err != nil {
		resp.Latency = time.Since(start)
		resp.Err = err
		resp.Timeout = isTimeout(err)
		return resp
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	resp.Latency = time.Since(start)
	resp.Status = res.StatusCode
	resp.Header = res.Header
	resp.Body = data
	if err != nil {
		resp.Err = fmt.Errorf("failed to read response body: %w", err)
		resp.Timeout = isTimeout(err)
	}
	return resp
}

// noteRequestSuccess refreshes a peer after a good answer: a plain touch when its
// status is recent, a background re-probe otherwise
func (p *Pool) noteRequestSuccess(peer types.Peer, latency time.Duration) {
	now := p.clock.Now()

	p.mu.Lock()
	rec, ok := p.peers[bootstrap.NormalizeEndpoint(peer.RPC)]
	if !ok {
		p.mu.Unlock()
		return
	}
	fresh := !rec.LastSeenAt.IsZero() && now.Sub(rec.LastSeenAt) <= p.opts.StatusMaxAge
	if fresh {
		rec.LastSeenAt = now
		if latency > 0 {
			rec.Latency = latency
		}
	}
	p.mu.Unlock()

	if !fresh {
		p.probeInBackground(peer)
	}
}

func (p *Pool) probeInBackground(peer types.Peer) {
	if _, busy := p.probing.LoadOrStore(peer.RPC, struct{}{}); busy {
		return
	}
	started := p.goBackground(func() {
		defer p.probing.Delete(peer.RPC)
		if _, err := p.PingPeer(context.Background(), peer); err != nil {
			p.logger.Debug("Background probe failed", zap.String("peer", peer.RPC), zap.Error(err))
		}
	})
	if !started {
		p.probing.Delete(peer.RPC)
	}
}

// RPCGet races a GET across two RPC peers, retrying once on a third when both fail
func (p *Pool) RPCGet(ctx context.Context, path string, opts RequestOptions) (*Response, error) {
	return p.racedGet(ctx, types.KindRPC, path, opts)
}

// RESTGet is RPCGet for REST endpoints
func (p *Pool) RESTGet(ctx context.Context, path string, opts RequestOptions) (*Response, error) {
	return p.racedGet(ctx, types.KindREST, path, opts)
}

func (p *Pool) racedGet(ctx context.Context, kind types.EndpointKind, path string, opts RequestOptions) (*Response, error) {
	opts.Method = http.MethodGet
	opts.Body = nil

	selected := p.choosePeers(kind, 2)
	if len(selected) == 0 {
		p.healthTick(ctx)
		selected = p.choosePeers(kind, 2)
		if len(selected) == 0 {
			return &Response{Kind: kind, Err: ErrNoPeers}, ErrNoPeers
		}
	}

	p.flagSuspectIfDivergent(selected)

	results := make([]*Response, len(selected))
	var g errgroup.Group
	for i, peer := range selected {
		i, peer := i, peer
		g.Go(func() error {
			results[i] = p.requestOnPeer(ctx, kind, peer, path, opts)
			return nil
		})
	}
	_ = g.Wait()

	var successes, failures []*Response
	for _, r := range results {
		if r.OK() {
			successes = append(successes, r)
		} else {
			failures = append(failures, r)
		}
	}
	if len(successes) > 0 {
		sort.SliceStable(successes, func(i, j int) bool { return successes[i].Latency < successes[j].Latency })
		return successes[0], nil
	}

	used := make([]string, 0, len(selected))
	for _, peer := range selected {
		used = append(used, peer.RPC)
	}
	third := p.PickPeers(kind, 1, PickOptions{Exclude: used})
	if len(third) == 0 {
		first := failures[0]
		p.logger.Debug("Raced read failed on every peer",
			zap.String("kind", string(kind)),
			zap.String("path", path),
			zap.Error(first.Failure()))
		return first, fmt.Errorf("%w: %w", ErrAllPeersFail, first.Failure())
	}

	resp := p.requestOnPeer(ctx, kind, third[0], path, opts)
	return resp, resp.Failure()
}

// flagSuspectIfDivergent demotes both peers of a pair whose last heights are more than two blocks apart
func (p *Pool) flagSuspectIfDivergent(peers []types.Peer) {
	if len(peers) < 2 {
		return
	}
	a, b := peers[0], peers[1]
	if a.LastSeenHeight <= 0 || b.LastSeenHeight <= 0 {
		return
	}
	if abs64(a.LastSeenHeight-b.LastSeenHeight) <= 2 {
		return
	}
	p.MarkSuspect(a)
	p.MarkSuspect(b)
}

func joinPath(base, path string) string {
	base = bootstrap.TrimSlash(base)
	path = strings.TrimSpace(path)
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func snippet(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
