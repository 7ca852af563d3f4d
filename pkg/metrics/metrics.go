// Package metrics provides Prometheus metrics for the fanout broker.
package metrics

import (
	"time"

	"github.com/billm/fanout/pkg/endpoint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace is used when NewMetrics is given an empty namespace
const DefaultNamespace = "fanout"

// Metrics holds all Prometheus metrics for the broker. All methods are
// safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Publish metrics
	PublishesTotal   prometheus.Counter
	PublishFailures  *prometheus.CounterVec
	PublishLatency   prometheus.Histogram
	PublishFanout    prometheus.Histogram
	PayloadSizeBytes prometheus.Histogram

	// Subscription metrics
	Subscribers     prometheus.Gauge
	AttachesTotal   prometheus.Counter
	DetachesTotal   *prometheus.CounterVec
	AttachFailures  *prometheus.CounterVec
	ControlRequests *prometheus.CounterVec

	// Delivery metrics
	ClientsConnected prometheus.Gauge
	FramesDelivered  prometheus.Counter
	BytesDelivered   prometheus.Counter
	DeliveryFailures prometheus.Counter
	WorkersAbandoned prometheus.Counter
}

// NewMetrics creates a new Metrics instance with its own registry. The
// registry also carries the Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PublishesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Total number of publish calls",
		}),
		PublishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Per-subscriber enqueue failures by error code",
		}, []string{"code"}),
		PublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency_seconds",
			Help:      "Time spent enqueuing a payload to all subscribers",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		PublishFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_fanout",
			Help:      "Number of subscribers a payload was enqueued to",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		PayloadSizeBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payload_size_bytes",
			Help:      "Size of published payloads",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),

		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Current number of registered subscribers",
		}),
		AttachesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attaches_total",
			Help:      "Total number of delivery workers started",
		}),
		DetachesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detaches_total",
			Help:      "Total number of subscribers removed by reason",
		}, []string{"reason"}),
		AttachFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attach_failures_total",
			Help:      "Failed attach attempts by error code",
		}, []string{"code"}),
		ControlRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Control channel requests by kind and result",
		}, []string{"kind", "result"}),

		ClientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Number of subscriber clients currently connected",
		}),
		FramesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Total number of payloads written to subscribers",
		}),
		BytesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_delivered_total",
			Help:      "Total payload bytes written to subscribers",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Total number of failed writes to subscribers",
		}),
		WorkersAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_abandoned_total",
			Help:      "Workers that gave up after no client connected in time",
		}),
	}
}

// Registry returns the registry holding these metrics
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordPublish records one publish call
func (m *Metrics) RecordPublish(size, fanout int, duration time.Duration) {
	if m == nil {
		return
	}
	m.PublishesTotal.Inc()
	m.PayloadSizeBytes.Observe(float64(size))
	m.PublishFanout.Observe(float64(fanout))
	m.PublishLatency.Observe(duration.Seconds())
}

// RecordPublishFailure records a per-subscriber enqueue failure
func (m *Metrics) RecordPublishFailure(code string) {
	if m == nil {
		return
	}
	m.PublishFailures.WithLabelValues(codeLabel(code)).Inc()
}

// RecordAttach records a successful attach
func (m *Metrics) RecordAttach() {
	if m == nil {
		return
	}
	m.AttachesTotal.Inc()
}

// RecordAttachFailure records a failed attach
func (m *Metrics) RecordAttachFailure(code string) {
	if m == nil {
		return
	}
	m.AttachFailures.WithLabelValues(codeLabel(code)).Inc()
}

// RecordDetach records a subscriber removal
func (m *Metrics) RecordDetach(reason string) {
	if m == nil {
		return
	}
	m.DetachesTotal.WithLabelValues(reason).Inc()
}

// RecordControlRequest records a control channel request
func (m *Metrics) RecordControlRequest(kind, result string) {
	if m == nil {
		return
	}
	m.ControlRequests.WithLabelValues(kind, result).Inc()
}

// SetSubscribers updates the subscriber gauge
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// ClientConnected implements delivery.Observer
func (m *Metrics) ClientConnected(endpoint.Address) {
	if m == nil {
		return
	}
	m.ClientsConnected.Inc()
}

// ClientDisconnected implements delivery.Observer
func (m *Metrics) ClientDisconnected(endpoint.Address) {
	if m == nil {
		return
	}
	m.ClientsConnected.Dec()
}

// FrameDelivered implements delivery.Observer
func (m *Metrics) FrameDelivered(_ endpoint.Address, size int) {
	if m == nil {
		return
	}
	m.FramesDelivered.Inc()
	m.BytesDelivered.Add(float64(size))
}

// DeliveryFailed implements delivery.Observer
func (m *Metrics) DeliveryFailed(endpoint.Address) {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

// WorkerAbandoned implements delivery.Observer
func (m *Metrics) WorkerAbandoned(endpoint.Address) {
	if m == nil {
		return
	}
	m.WorkersAbandoned.Inc()
}

func codeLabel(code string) string {
	if code == "" {
		return "UNKNOWN"
	}
	return code
}
