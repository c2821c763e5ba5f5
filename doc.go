// Package contexthub is an embedded context-hub runtime: a small executor
// that hosts multiple sandboxed nanoapps on behalf of a low-power
// coprocessor and mediates their access to sensors, radios, timers, and a
// host processor.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            Runtime                  │  injected handle wiring
//	│   (loop, timers, managers, host)    │  every subsystem
//	└─────────────────────────────────────┘
//	           ↓ owns
//	┌─────────────────────────────────────┐
//	│           Event Loop                │  one goroutine; inbound MPSC
//	│  distribute → per-app queues →      │  queue, round-robin delivery,
//	│  round-robin deliver                │  lifecycle-ordered teardown
//	└─────────────────────────────────────┘
//	           ↓ delivers to
//	┌─────────────────────────────────────┐
//	│           Nanoapps                  │  cooperative handlers invoked
//	│   (start, handle_event, end)        │  with an explicit Env context
//	└─────────────────────────────────────┘
//
// External producers (platform drivers, the host bridge, timer expiry) post
// ref-counted events into the loop's bounded inbound queue. The loop fans
// each event out to every nanoapp registered for its type, or to a single
// targeted instance, then drains per-nanoapp queues one event per app per
// round. An event's free callback runs exactly once, on the loop goroutine,
// when its last reference drops.
//
// # Request multiplexing
//
// Shared resources are programmed through request multiplexers: each client
// holds one request per resource, the multiplexer maintains the merge-fold
// maximal, and the owning manager reconfigures the platform driver only
// when the maximal changes. The sensor request manager layers per-sensor
// multiplexers over a synchronous driver; the wifi request manager drives
// an asynchronous scan-monitor driver with a pending-transition FIFO that
// keeps at most one transition in flight.
//
// # Host bridge
//
// The runtime speaks a framed tagged-union envelope protocol with a
// user-space daemon over a named unixpacket socket: hub info and nanoapp
// list RPCs plus bidirectional nanoapp messages. The client side reconnects
// with exponential backoff; the server side multiplexes up to four daemon
// clients.
//
// # Packages
//
// Core runtime:
//   - event: ref-counted event records, bounded pool, per-app queues
//   - nanoapp: nanoapp ABI, records, the Env context
//   - eventloop: the loop itself
//   - timer: min-heap timer pool
//   - multiplexer: generic request multiplexer
//   - sensor, wifi: concrete request managers
//   - runtime: the assembled, injected handle
//
// Host side:
//   - hostbridge, hostbridge/protocol: socket client/server and codec
//   - service: HTTP monitor (health, metrics, websocket event tap)
//
// Infrastructure:
//   - errors, config, metric, health, storage, pkg/retry, pkg/buffer
//
// Binaries:
//   - cmd/contexthubd: the hub daemon
//   - cmd/hubctl: CLI test client
package contexthub
