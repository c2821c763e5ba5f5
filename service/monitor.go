// Package service exposes the daemon's observability surface over HTTP:
// aggregated health, Prometheus metrics, and a websocket tap streaming a
// summary of every event the loop distributes.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/contexthub/errors"
	"github.com/c360/contexthub/event"
	"github.com/c360/contexthub/health"
	"github.com/c360/contexthub/metric"
)

// TapEvent is the JSON summary streamed to websocket subscribers.
type TapEvent struct {
	Timestamp string `json:"timestamp"`
	EventType uint16 `json:"event_type"`
	Sender    uint32 `json:"sender"`
	Target    uint32 `json:"target"`
}

// Monitor is the HTTP monitor service.
type Monitor struct {
	addr    string
	logger  *slog.Logger
	monitor *health.Monitor
	metrics *metric.Registry

	server   *http.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[*websocket.Conn]chan TapEvent
}

// NewMonitor creates the monitor service. Either monitor or metrics may be
// nil to disable that endpoint.
func NewMonitor(addr string, healthMonitor *health.Monitor, metrics *metric.Registry,
	logger *slog.Logger) *Monitor {

	return &Monitor{
		addr:        addr,
		logger:      logger,
		monitor:     healthMonitor,
		metrics:     metrics,
		subscribers: make(map[*websocket.Conn]chan TapEvent),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// ObserveEvent is wired as the event loop's observer: it fans a summary of
// each distributed event out to websocket subscribers. Slow subscribers
// drop events rather than stalling the loop.
func (m *Monitor) ObserveEvent(e *event.Event) {
	tap := TapEvent{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: e.Type,
		Sender:    e.SenderInstanceID,
		Target:    e.TargetInstanceID,
	}

	m.mu.Lock()
	for _, ch := range m.subscribers {
		select {
		case ch <- tap:
		default:
		}
	}
	m.mu.Unlock()
}

// Start begins serving; non-blocking.
func (m *Monitor) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", m.handleHealth)
	if m.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(
			m.metrics.PrometheusRegistry(), promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/ws", m.handleWebsocket)

	m.server = &http.Server{
		Addr:              m.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("monitor service failed", "error", err)
		}
	}()

	m.logger.Info("monitor service listening", "addr", m.addr)
	return nil
}

// Stop shuts the HTTP server and closes every websocket subscriber.
func (m *Monitor) Stop(timeout time.Duration) error {
	m.mu.Lock()
	for conn := range m.subscribers {
		conn.Close()
	}
	m.subscribers = make(map[*websocket.Conn]chan TapEvent)
	m.mu.Unlock()

	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := m.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Monitor", "Stop", "http shutdown")
	}
	return nil
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	if m.monitor == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	agg := m.monitor.Aggregate("contexthub")
	w.Header().Set("Content-Type", "application/json")
	if !agg.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(agg); err != nil {
		m.logger.Error("failed to encode health response", "error", err)
	}
}

func (m *Monitor) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ch := make(chan TapEvent, 64)
	m.mu.Lock()
	m.subscribers[conn] = ch
	m.mu.Unlock()
	m.logger.Debug("websocket subscriber connected", "remote", r.RemoteAddr)

	go m.writePump(conn, ch)
}

// writePump streams tap events to one subscriber until the write fails.
func (m *Monitor) writePump(conn *websocket.Conn, ch chan TapEvent) {
	defer func() {
		m.mu.Lock()
		delete(m.subscribers, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	for tap := range ch {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(tap); err != nil {
			return
		}
	}
}
