package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "golobby"

// Metrics holds all Prometheus metrics for the node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	BeaconsPublished   prometheus.Counter
	BeaconsThrottled   prometheus.Counter
	AdsPublished       prometheus.Counter
	MessagesReceived   *prometheus.CounterVec
	AdFetches          *prometheus.CounterVec
	AdFetchDuration    prometheus.Histogram
	PipelineRuns       *prometheus.CounterVec
	DirectoryEntries   prometheus.Gauge
	Resubscribes       prometheus.Counter
	RemediationResults *prometheus.CounterVec
}

// New creates all metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BeaconsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "beacons_published_total",
			Help:      "Presence beacons published on the shared topic",
		}),
		BeaconsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "beacons_throttled_total",
			Help:      "Beacon publishes skipped by flood mitigation",
		}),
		AdsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advertisements_published_total",
			Help:      "Advertisement documents published under the node name record",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound pub/sub messages by kind",
		}, []string{"kind"}),
		AdFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advertisement_fetches_total",
			Help:      "Advertisement fetches by result",
		}, []string{"result"}),
		AdFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "advertisement_fetch_seconds",
			Help:      "Advertisement fetch latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		PipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by name and outcome",
		}, []string{"pipeline", "outcome"}),
		DirectoryEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "directory_entries",
			Help:      "Peers known to the local directory cache",
		}),
		Resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resubscribes_total",
			Help:      "Times the topic subscription was torn down and re-created",
		}),
		RemediationResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_remediations_total",
			Help:      "Port-conflict remediation attempts by result",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.BeaconsPublished,
			m.BeaconsThrottled,
			m.AdsPublished,
			m.MessagesReceived,
			m.AdFetches,
			m.AdFetchDuration,
			m.PipelineRuns,
			m.DirectoryEntries,
			m.Resubscribes,
			m.RemediationResults,
		)
	}
	return m
}

func (m *Metrics) BeaconPublished() {
	if m != nil {
		m.BeaconsPublished.Inc()
	}
}

func (m *Metrics) BeaconThrottled() {
	if m != nil {
		m.BeaconsThrottled.Inc()
	}
}

func (m *Metrics) AdPublished() {
	if m != nil {
		m.AdsPublished.Inc()
	}
}

func (m *Metrics) MessageReceived(kind string) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(kind).Inc()
	}
}

// AdFetched records the result and latency of one advertisement fetch.
func (m *Metrics) AdFetched(result string, seconds float64) {
	if m != nil {
		m.AdFetches.WithLabelValues(result).Inc()
		m.AdFetchDuration.Observe(seconds)
	}
}

func (m *Metrics) PipelineFinished(name, outcome string) {
	if m != nil {
		m.PipelineRuns.WithLabelValues(name, outcome).Inc()
	}
}

func (m *Metrics) SetDirectoryEntries(n int) {
	if m != nil {
		m.DirectoryEntries.Set(float64(n))
	}
}

func (m *Metrics) Resubscribed() {
	if m != nil {
		m.Resubscribes.Inc()
	}
}

func (m *Metrics) Remediation(result string) {
	if m != nil {
		m.RemediationResults.WithLabelValues(result).Inc()
	}
}
