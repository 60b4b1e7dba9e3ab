package types

import (
	"fmt"
	"strings"
	"time"
)

// EndpointKind selects which endpoint of a peer a request goes to
type EndpointKind string

const (
	KindRPC  EndpointKind = "rpc"
	KindREST EndpointKind = "rest"
	KindGRPC EndpointKind = "grpc"
)

// ParseKind parses an endpoint kind, defaulting to rpc for an empty string
func ParseKind(s string) (EndpointKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rpc":
		return KindRPC, nil
	case "rest", "api", "lcd":
		return KindREST, nil
	case "grpc":
		return KindGRPC, nil
	default:
		return "", fmt.Errorf("unknown endpoint kind %q", s)
	}
}

// PeerSource records where a peer was learned from.
// Precedence is user > onchain > bootstrap.
type PeerSource string

const (
	SourceBootstrap PeerSource = "bootstrap"
	SourceOnChain   PeerSource = "onchain"
	SourceUser      PeerSource = "user"
)

func (s PeerSource) rank() int {
	switch s {
	case SourceUser:
		return 2
	case SourceOnChain:
		return 1
	default:
		return 0
	}
}

// Outranks reports whether s has strictly higher precedence than other
func (s PeerSource) Outranks(other PeerSource) bool {
	return s.rank() > other.rank()
}

// ParseSource maps unknown values to bootstrap
func ParseSource(s string) PeerSource {
	switch PeerSource(strings.ToLower(strings.TrimSpace(s))) {
	case SourceUser:
		return SourceUser
	case SourceOnChain:
		return SourceOnChain
	default:
		return SourceBootstrap
	}
}

// Peer is a remote chain node keyed by its RPC endpoint.
// Health is stored only as absolute expiry timestamps; the boolean flags are
// always derived against a point in time.
type Peer struct {
	RPC    string     `json:"rpc"`
	REST   string     `json:"rest,omitempty"`
	GRPC   string     `json:"grpc,omitempty"`
	Source PeerSource `json:"source"`

	ChainID        string        `json:"chainId,omitempty"`
	LastSeenHeight int64         `json:"lastSeenHeight,omitempty"` // 0 when unknown
	LastSeenAt     time.Time     `json:"lastSeenAt"`
	Latency        time.Duration `json:"latency,omitempty"` // 0 when unknown

	ConsecutiveFailures int `json:"consecutiveFailures"`

	SlowUntil    time.Time `json:"slowUntil"`
	DeathUntil   time.Time `json:"deathUntil"`
	SuspectUntil time.Time `json:"suspectUntil"`
}

// PeerFlags are the time-windowed health flags of a peer
type PeerFlags struct {
	Alive   bool `json:"alive"`
	Dead    bool `json:"dead"`
	Slow    bool `json:"slow"`
	Suspect bool `json:"suspect"`
}

// Endpoint returns the base URL (or host:port for gRPC) for kind
func (p Peer) Endpoint(kind EndpointKind) string {
	switch kind {
	case KindREST:
		return p.REST
	case KindGRPC:
		return p.GRPC
	default:
		return p.RPC
	}
}

// Supports reports whether the peer has an endpoint of the given kind
func (p Peer) Supports(kind EndpointKind) bool {
	return p.Endpoint(kind) != ""
}

func (p Peer) IsDead(now time.Time) bool {
	return p.DeathUntil.After(now)
}

// IsAlive is true when the peer is not dead and answered a probe within staleTTL
func (p Peer) IsAlive(now time.Time, staleTTL time.Duration) bool {
	if p.IsDead(now) {
		return false
	}
	if p.LastSeenAt.IsZero() {
		return false
	}
	return now.Sub(p.LastSeenAt) <= staleTTL
}

// IsStale is true for peers never probed or not seen within staleTTL
func (p Peer) IsStale(now time.Time, staleTTL time.Duration) bool {
	return p.LastSeenAt.IsZero() || now.Sub(p.LastSeenAt) > staleTTL
}

func (p Peer) IsSlow(now time.Time) bool {
	return p.SlowUntil.After(now)
}

func (p Peer) IsSuspect(now time.Time) bool {
	return p.SuspectUntil.After(now)
}

// HasChainID reports whether the peer's known chain id agrees with canonical.
// Unknown ids on either side are treated as agreeing.
func (p Peer) HasChainID(canonical string) bool {
	return canonical == "" || p.ChainID == "" || p.ChainID == canonical
}

// Flags derives all health flags at now
func (p Peer) Flags(now time.Time, staleTTL time.Duration) PeerFlags {
	return PeerFlags{
		Alive:   p.IsAlive(now, staleTTL),
		Dead:    p.IsDead(now),
		Slow:    p.IsSlow(now),
		Suspect: p.IsSuspect(now),
	}
}

// LatencyMs returns the last observed latency in milliseconds, or -1 when unknown
func (p Peer) LatencyMs() int64 {
	if p.Latency <= 0 {
		return -1
	}
	return p.Latency.Milliseconds()
}

func (p Peer) String() string {
	return p.RPC
}
