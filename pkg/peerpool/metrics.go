package peerpool

import (
	"time"

	"chainnet/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type probeOutcome string

const (
	probeSuccess probeOutcome = "success"
	probeFailure probeOutcome = "failure"
	probeIgnored probeOutcome = "ignored"
)

type requestOutcome string

const (
	outcomeOK          requestOutcome = "ok"
	outcomeAppError    requestOutcome = "app_error"
	outcomePeerFailure requestOutcome = "peer_failure"
)

// Metrics tracks pool, quorum and broadcast activity.
// Every method is safe on a nil receiver so metrics stay optional.
type Metrics struct {
	// Registry metrics
	PeersTotal   prometheus.Gauge
	PeersAlive   prometheus.Gauge
	PeersDead    prometheus.Gauge
	PeersSlow    prometheus.Gauge
	PeersSuspect prometheus.Gauge

	// Health metrics
	Probes           *prometheus.CounterVec
	ProbeLatency     prometheus.Histogram
	DeadTransitions  prometheus.Counter
	SuspectMarks     prometheus.Counter
	Resurrections    prometheus.Counter
	LastProbeSuccess prometheus.Gauge
	DiscoveryRuns    *prometheus.CounterVec
	DiscoveryLastRun prometheus.Gauge
	DiscoveredPeers  prometheus.Gauge

	// Request metrics
	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	GRPCCalls      *prometheus.CounterVec

	// Client metrics
	QuorumReads       *prometheus.CounterVec
	Broadcasts        *prometheus.CounterVec
	ConfirmationDelay prometheus.Histogram
}

// NewMetrics creates and registers the collectors on registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		PeersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chainnet_peers_total",
			Help: "Number of known peers",
		}),
		PeersAlive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chainnet_peers_alive",
			Help: "Number of peers that answered a probe within the stale window",
		}),
		PeersDead: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chainnet_peers_dead",
			Help: "Number of peers inside their death window",
		}),
		PeersSlow: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chainnet_peers_slow",
			Help: "Number of peers flagged slow",
		}),
		PeersSuspect: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chainnet_peers_suspect",
			Help: "Number of peers flagged suspect",
		}),

		Probes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainnet_probes_total",
			Help: "Status probes by outcome",
		}, []string{"outcome"}),
		ProbeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainnet_probe_latency_seconds",
			Help:    "Status probe latency",
			Buckets: prometheus.DefBuckets,
		}),
		DeadTransitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "chainnet_peer_dead_transitions_total",
			Help: "Times a peer entered the dead state",
		}),
		SuspectMarks: factory.NewCounter(prometheus.CounterOpts{
			Name: "chainnet_peer_suspect_marks_total",
			Help: "Times a peer was marked suspect",
		}),
		Resurrections: factory.NewCounter(prometheus.CounterOpts{
			Name: "chainnet_peer_resurrections_total",
			Help: "Dead peers returned to service after their death window expired",
		}),
		LastProbeSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chainnet_last_probe_success_timestamp_seconds",
			Help: "Unix time of the last successful probe",
		}),
		DiscoveryRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainnet_discovery_runs_total",
			Help: "On-chain discovery runs by result",
		}, []string{"result"}),
		DiscoveryLastRun: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chainnet_discovery_last_success_timestamp_seconds",
			Help: "Unix time of the last successful discovery run",
		}),
		DiscoveredPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chainnet_discovery_added_peers",
			Help: "Peers added by the last successful discovery run",
		}),

		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainnet_peer_requests_total",
			Help: "Requests sent to peers by endpoint kind and outcome",
		}, []string{"kind", "outcome"}),
		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chainnet_peer_request_latency_seconds",
			Help:    "Peer request latency by endpoint kind",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		GRPCCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainnet_grpc_calls_total",
			Help: "gRPC calls by result code",
		}, []string{"code"}),

		QuorumReads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainnet_quorum_reads_total",
			Help: "Quorum reads by result",
		}, []string{"result"}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainnet_broadcasts_total",
			Help: "Transaction broadcasts by terminal outcome",
		}, []string{"outcome"}),
		ConfirmationDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainnet_confirmation_delay_seconds",
			Help:    "Time from broadcast to confirmed inclusion",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 120},
		}),
	}
}

func (m *Metrics) setPeerCounts(total, alive, dead, slow, suspect int) {
	if m == nil {
		return
	}
	m.PeersTotal.Set(float64(total))
	m.PeersAlive.Set(float64(alive))
	m.PeersDead.Set(float64(dead))
	m.PeersSlow.Set(float64(slow))
	m.PeersSuspect.Set(float64(suspect))
}

func (m *Metrics) observeProbe(outcome probeOutcome, latency time.Duration) {
	if m == nil {
		return
	}
	m.Probes.WithLabelValues(string(outcome)).Inc()
	if latency > 0 {
		m.ProbeLatency.Observe(latency.Seconds())
	}
	if outcome == probeSuccess {
		m.LastProbeSuccess.SetToCurrentTime()
	}
}

func (m *Metrics) incDead() {
	if m == nil {
		return
	}
	m.DeadTransitions.Inc()
}

func (m *Metrics) incSuspect() {
	if m == nil {
		return
	}
	m.SuspectMarks.Inc()
}

func (m *Metrics) addResurrected(n int) {
	if m == nil {
		return
	}
	m.Resurrections.Add(float64(n))
}

func (m *Metrics) observeRefreshFailure() {
	if m == nil {
		return
	}
	m.DiscoveryRuns.WithLabelValues("failure").Inc()
}

func (m *Metrics) observeRefreshSuccess(added int) {
	if m == nil {
		return
	}
	m.DiscoveryRuns.WithLabelValues("success").Inc()
	m.DiscoveryLastRun.SetToCurrentTime()
	m.DiscoveredPeers.Set(float64(added))
}

func (m *Metrics) observeRequest(kind types.EndpointKind, outcome requestOutcome, latency time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(string(kind), string(outcome)).Inc()
	if latency > 0 {
		m.RequestLatency.WithLabelValues(string(kind)).Observe(latency.Seconds())
	}
}

func (m *Metrics) observeGRPC(code string) {
	if m == nil {
		return
	}
	m.GRPCCalls.WithLabelValues(code).Inc()
}

// ObserveRead records the result of a quorum read
func (m *Metrics) ObserveRead(result string) {
	if m == nil {
		return
	}
	m.QuorumReads.WithLabelValues(result).Inc()
}

// ObserveBroadcast records the terminal outcome of a broadcast
func (m *Metrics) ObserveBroadcast(outcome string, sinceBroadcast time.Duration) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(outcome).Inc()
	if sinceBroadcast > 0 && (outcome == "confirmed" || outcome == "confirmed_failure") {
		m.ConfirmationDelay.Observe(sinceBroadcast.Seconds())
	}
}
