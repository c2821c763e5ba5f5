package hostbridge

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/contexthub/errors"
	"github.com/c360/contexthub/hostbridge/protocol"
)

// Server limits.
const (
	// MaxClients bounds concurrent daemon clients.
	MaxClients = 4
)

// ClientMessageCallback receives each decoded envelope a client sends,
// tagged with the locally assigned 16-bit client id.
type ClientMessageCallback func(clientID uint16, msg protocol.Message)

// serverClient is one accepted connection.
type serverClient struct {
	id      uint16
	session string // uuid for log correlation
	conn    net.Conn
}

// Server is the daemon-side listener on the named local socket. It accepts
// up to MaxClients concurrent clients, assigns ids starting from 1, and
// multiplexes inbound envelopes onto the message callback.
type Server struct {
	logger    *slog.Logger
	onMessage ClientMessageCallback

	mu           sync.Mutex
	listener     net.Listener
	clients      map[uint16]*serverClient
	nextClientID uint16
	wg           sync.WaitGroup
}

// NewServer creates a server delivering messages to onMessage.
func NewServer(onMessage ClientMessageCallback, logger *slog.Logger) *Server {
	return &Server{
		logger:       logger,
		onMessage:    onMessage,
		clients:      make(map[uint16]*serverClient),
		nextClientID: 1,
	}
}

// Listen opens the named unixpacket socket. socketPath is the full
// filesystem path of the socket to create.
func (s *Server) Listen(socketPath string) error {
	addr, err := net.ResolveUnixAddr("unixpacket", socketPath)
	if err != nil {
		return errors.WrapFatal(err, "SocketServer", "Listen", "resolve address")
	}
	listener, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		return errors.WrapFatal(err, "SocketServer", "Listen", "bind socket")
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("host socket listening", "path", socketPath)
	return nil
}

// Serve accepts clients until ctx is cancelled or the listener fails. The
// caller wires SIGINT/SIGTERM into ctx.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.Wrap(errors.ErrNotStarted, "SocketServer", "Serve", "listener check")
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WrapTransient(err, "SocketServer", "Serve", "accept")
		}
		s.acceptClient(conn)
	}
}

// acceptClient registers a connection and starts its receive goroutine.
func (s *Server) acceptClient(conn net.Conn) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warn("rejecting client, at capacity", "max_clients", MaxClients)
		conn.Close()
		return
	}

	client := &serverClient{
		id:      s.nextClientID,
		session: uuid.NewString(),
		conn:    conn,
	}
	s.nextClientID++
	if s.nextClientID == 0 {
		s.nextClientID = 1
	}
	s.clients[client.id] = client
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("client connected", "client_id", client.id, "session", client.session)
	go s.serviceClient(client)
}

// serviceClient pumps one client's envelopes until disconnect.
func (s *Server) serviceClient(client *serverClient) {
	defer s.wg.Done()

	buf := make([]byte, protocol.MaxMessageLen)
	for {
		n, err := client.conn.Read(buf)
		if err != nil {
			break
		}
		if n == 0 {
			continue
		}

		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			s.logger.Error("failed to decode client message",
				"client_id", client.id, "session", client.session, "error", err)
			continue
		}
		if s.onMessage != nil {
			s.onMessage(client.id, msg)
		}
	}

	s.disconnectClient(client)
}

func (s *Server) disconnectClient(client *serverClient) {
	s.mu.Lock()
	delete(s.clients, client.id)
	s.mu.Unlock()

	client.conn.Close()
	s.logger.Info("client disconnected", "client_id", client.id, "session", client.session)
}

// SendToClient delivers one envelope to a specific client. Thread-safe.
func (s *Server) SendToClient(clientID uint16, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	client, ok := s.clients[clientID]
	s.mu.Unlock()
	if !ok {
		return errors.Wrap(errors.ErrInstanceNotFound, "SocketServer", "SendToClient", "client lookup")
	}

	n, err := client.conn.Write(frame)
	if err != nil {
		return errors.WrapTransient(err, "SocketServer", "SendToClient", "write")
	}
	if n != len(frame) {
		return errors.Wrap(errors.ErrSendTruncated, "SocketServer", "SendToClient", "write")
	}
	return nil
}

// SendToAllClients broadcasts one envelope to every connected client under
// the clients mutex. Thread-safe.
func (s *Server) SendToAllClients(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, client := range s.clients {
		if _, err := client.conn.Write(frame); err != nil {
			s.logger.Warn("broadcast write failed",
				"client_id", client.id, "error", err)
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close shuts the listener and every client connection, then waits for the
// per-client goroutines to drain.
func (s *Server) Close() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}
