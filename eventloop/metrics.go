package eventloop

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/contexthub/metric"
)

// loopMetrics tracks event flow through the loop. A nil *loopMetrics is
// valid and turns every recorder into a no-op.
type loopMetrics struct {
	posted       prometheus.Counter
	postFailed   prometheus.Counter
	delivered    prometheus.Counter
	dropped      prometheus.Counter
	queueFull    prometheus.Counter
	nanoappCount prometheus.Gauge
}

func newLoopMetrics(registry *metric.Registry) *loopMetrics {
	m := &loopMetrics{
		posted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "eventloop",
			Name:      "events_posted_total",
			Help:      "Events accepted into the inbound queue",
		}),
		postFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "eventloop",
			Name:      "events_post_failed_total",
			Help:      "Post attempts rejected by pool or queue exhaustion",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "eventloop",
			Name:      "events_delivered_total",
			Help:      "Events delivered to nanoapp handlers",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "eventloop",
			Name:      "events_dropped_total",
			Help:      "Events freed with no interested subscriber",
		}),
		queueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "eventloop",
			Name:      "nanoapp_queue_full_total",
			Help:      "Deliveries skipped because a nanoapp queue was full",
		}),
		nanoappCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "eventloop",
			Name:      "nanoapps",
			Help:      "Number of live nanoapps",
		}),
	}

	registry.MustRegister("eventloop", "events_posted_total", m.posted)
	registry.MustRegister("eventloop", "events_post_failed_total", m.postFailed)
	registry.MustRegister("eventloop", "events_delivered_total", m.delivered)
	registry.MustRegister("eventloop", "events_dropped_total", m.dropped)
	registry.MustRegister("eventloop", "nanoapp_queue_full_total", m.queueFull)
	registry.MustRegister("eventloop", "nanoapps", m.nanoappCount)
	return m
}

func (m *loopMetrics) incPosted() {
	if m != nil {
		m.posted.Inc()
	}
}

func (m *loopMetrics) incPostFailed() {
	if m != nil {
		m.postFailed.Inc()
	}
}

func (m *loopMetrics) incDelivered() {
	if m != nil {
		m.delivered.Inc()
	}
}

func (m *loopMetrics) incDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *loopMetrics) incQueueFull() {
	if m != nil {
		m.queueFull.Inc()
	}
}

func (m *loopMetrics) setNanoappCount(n int) {
	if m != nil {
		m.nanoappCount.Set(float64(n))
	}
}
