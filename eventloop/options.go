package eventloop

import (
	"log/slog"

	"github.com/c360/contexthub/event"
	"github.com/c360/contexthub/metric"
)

// defaultInboundCapacity bounds the inbound MPSC queue.
const defaultInboundCapacity = 64

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithEventPool sets the bounded event allocator.
func WithEventPool(pool *event.Pool) Option {
	return func(l *Loop) {
		l.pool = pool
	}
}

// WithInboundCapacity bounds the inbound event queue.
func WithInboundCapacity(capacity int) Option {
	return func(l *Loop) {
		if capacity > 0 {
			l.inbound = make(chan *event.Event, capacity)
		}
	}
}

// WithQueueCapacity bounds each nanoapp's pending event queue.
func WithQueueCapacity(capacity int) Option {
	return func(l *Loop) {
		if capacity > 0 {
			l.queueCapacity = capacity
		}
	}
}

// WithEventObserver taps every distributed event, e.g. for the monitor
// service's live stream. The observer runs on the loop goroutine and must
// not block or retain the event.
func WithEventObserver(observer func(e *event.Event)) Option {
	return func(l *Loop) {
		l.observer = observer
	}
}

// WithMetrics registers loop metrics on the given registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(l *Loop) {
		if registry != nil {
			l.metrics = newLoopMetrics(registry)
		}
	}
}
