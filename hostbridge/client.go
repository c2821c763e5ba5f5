// Package hostbridge links the hub runtime to the user-space daemon on the
// host: a framed-envelope socket client with automatic reconnect, the daemon
// side socket server, and the runtime-side comms manager that routes decoded
// messages to and from nanoapps.
package hostbridge

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/contexthub/errors"
	"github.com/c360/contexthub/hostbridge/protocol"
	"github.com/c360/contexthub/pkg/retry"
)

// DefaultSocketName is the daemon's named local socket.
const DefaultSocketName = "chre"

// Reconnect policy: 500 ms doubling to a 5 minute cap, bounded attempts.
const (
	reconnectInitialDelay = 500 * time.Millisecond
	reconnectMaxDelay     = 5 * time.Minute
	reconnectRetryLimit   = 40
)

// ClientCallbacks receives client-side socket activity. Callbacks run on
// the receive goroutine; they must not call Connect or Disconnect.
type ClientCallbacks interface {
	// OnMessageReceived delivers each decoded envelope.
	OnMessageReceived(msg protocol.Message)

	// OnSocketDisconnectedByRemote fires when the far side closes.
	OnSocketDisconnectedByRemote()

	// OnSocketReconnected fires exactly once per successful reconnect.
	OnSocketReconnected()

	// OnReconnectAborted fires when the retry budget is exhausted.
	OnReconnectAborted()
}

// Dialer opens the daemon socket; injectable for tests.
type Dialer func(socketName string) (net.Conn, error)

// defaultDialer connects to the named unixpacket socket in /tmp style
// abstract-ish paths; callers pass the full filesystem path as the name.
func defaultDialer(socketName string) (net.Conn, error) {
	return net.DialTimeout("unixpacket", socketName, 5*time.Second)
}

// Client is the connect-with-auto-reconnect side of the host bridge. One
// receive goroutine spans the whole connection lifetime, including
// reconnect backoff waits, which are interruptible by Disconnect.
type Client struct {
	logger *slog.Logger
	dialer Dialer

	mu         sync.Mutex
	conn       net.Conn
	socketName string
	callbacks  ClientCallbacks
	rxDone     chan struct{}
	shutdownCh chan struct{}

	reconnectAutomatically bool
	graceful               atomic.Bool

	backoffCfg retry.Config
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the structured logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithDialer substitutes the socket dialer.
func WithDialer(dialer Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = dialer
	}
}

// WithReconnectBackoff overrides the reconnect delay policy.
func WithReconnectBackoff(cfg retry.Config) ClientOption {
	return func(c *Client) {
		c.backoffCfg = cfg
	}
}

// NewClient creates an unconnected client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		logger: slog.Default(),
		dialer: defaultDialer,
		backoffCfg: retry.Config{
			InitialDelay: reconnectInitialDelay,
			MaxDelay:     reconnectMaxDelay,
			Multiplier:   2.0,
			MaxAttempts:  reconnectRetryLimit,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the daemon socket and starts the receive goroutine. Must
// not be called from a callback.
func (c *Client) Connect(socketName string, reconnectAutomatically bool,
	callbacks ClientCallbacks) error {

	if callbacks == nil {
		return errors.WrapInvalid(errors.ErrInvalidState, "SocketClient", "Connect", "nil callbacks")
	}

	c.mu.Lock()
	if c.rxDone != nil {
		c.mu.Unlock()
		c.logger.Warn("reconnecting socket with implicit disconnect")
		c.Disconnect()
		c.mu.Lock()
	}

	conn, err := c.dialer(socketName)
	if err != nil {
		c.mu.Unlock()
		return errors.WrapTransient(err, "SocketClient", "Connect", "dial socket")
	}

	c.conn = conn
	c.socketName = socketName
	c.callbacks = callbacks
	c.reconnectAutomatically = reconnectAutomatically
	c.graceful.Store(false)
	c.shutdownCh = make(chan struct{})
	c.rxDone = make(chan struct{})
	go c.receiveLoop(c.rxDone, c.shutdownCh)
	c.mu.Unlock()

	return nil
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Disconnect requests a graceful shutdown, breaks the blocking read, and
// joins the receive goroutine. Safe from any goroutine except the receive
// goroutine's callbacks.
func (c *Client) Disconnect() {
	c.mu.Lock()
	rxDone := c.rxDone
	if rxDone == nil {
		c.mu.Unlock()
		return
	}
	c.graceful.Store(true)
	close(c.shutdownCh)
	if c.conn != nil {
		// Kicks the receive goroutine out of its blocking read.
		c.conn.Close()
	}
	c.mu.Unlock()

	<-rxDone

	c.mu.Lock()
	c.rxDone = nil
	c.conn = nil
	c.callbacks = nil
	c.mu.Unlock()
}

// SendMessage encodes and writes one envelope. Truncated and zero-length
// writes are reported as errors and not retried.
func (c *Client) SendMessage(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.Wrap(errors.ErrNotConnected, "SocketClient", "SendMessage", "socket check")
	}

	n, err := conn.Write(frame)
	if err != nil {
		return errors.WrapTransient(err, "SocketClient", "SendMessage", "write")
	}
	if n != len(frame) {
		return errors.Wrap(errors.ErrSendTruncated, "SocketClient", "SendMessage", "write")
	}
	return nil
}

// receiveLoop is the single receive goroutine: it reads until the socket
// fails, then reconnects with backoff unless shut down.
func (c *Client) receiveLoop(done chan struct{}, shutdownCh chan struct{}) {
	defer close(done)
	c.logger.Debug("receive goroutine started")

	for {
		c.readUntilClosed()

		if c.graceful.Load() || !c.reconnectAutomatically {
			break
		}
		if !c.reconnect(shutdownCh) {
			if !c.graceful.Load() {
				c.callbacksSnapshot().OnReconnectAborted()
			}
			break
		}
	}

	c.logger.Debug("receive goroutine exiting")
}

// readUntilClosed pumps one connection until error or EOF.
func (c *Client) readUntilClosed() {
	conn := c.connSnapshot()
	if conn == nil {
		return
	}

	buf := make([]byte, protocol.MaxMessageLen)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err == io.EOF && !c.graceful.Load() {
				c.logger.Info("socket disconnected on remote end")
				c.callbacksSnapshot().OnSocketDisconnectedByRemote()
			}
			break
		}
		if n == 0 {
			continue
		}

		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			c.logger.Error("failed to decode message", "error", err)
			continue
		}
		c.callbacksSnapshot().OnMessageReceived(msg)
	}

	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// reconnect retries the dial with exponential backoff. The wait is
// interruptible by Disconnect. Reports whether a connection was
// re-established.
func (c *Client) reconnect(shutdownCh chan struct{}) bool {
	backoff := retry.NewBackoff(c.backoffCfg)
	limit := c.backoffCfg.MaxAttempts
	if limit <= 0 {
		limit = reconnectRetryLimit
	}

	for attempt := 0; attempt < limit; attempt++ {
		delay := backoff.Next()
		select {
		case <-shutdownCh:
			return false
		case <-time.After(delay):
		}

		conn, err := c.dialer(c.socketName)
		if err != nil {
			c.logger.Warn("failed to reconnect", "next_try_in", delay*2, "error", err)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger.Debug("successfully reconnected")
		c.callbacksSnapshot().OnSocketReconnected()
		return true
	}

	return false
}

func (c *Client) connSnapshot() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) callbacksSnapshot() ClientCallbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callbacks == nil {
		return noopCallbacks{}
	}
	return c.callbacks
}

// noopCallbacks covers the window where Disconnect has cleared callbacks
// but the receive goroutine is still winding down.
type noopCallbacks struct{}

func (noopCallbacks) OnMessageReceived(protocol.Message) {}
func (noopCallbacks) OnSocketDisconnectedByRemote()      {}
func (noopCallbacks) OnSocketReconnected()               {}
func (noopCallbacks) OnReconnectAborted()                {}
