package hostbridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/contexthub/errors"
	"github.com/c360/contexthub/event"
	"github.com/c360/contexthub/eventloop"
	"github.com/c360/contexthub/hostbridge/protocol"
)

// MessageFromHost is the payload of a TypeMessageFromHost event delivered
// to the addressed nanoapp.
type MessageFromHost struct {
	HostEndpoint uint16
	MessageType  uint32
	Payload      []byte
}

// Transport is the server-side send surface the manager drives; satisfied
// by *Server.
type Transport interface {
	SendToClient(clientID uint16, msg protocol.Message) error
	SendToAllClients(msg protocol.Message) error
}

// outboundMessage is a host-bound nanoapp message awaiting transmission.
type outboundMessage struct {
	appID uint64
	msg   protocol.NanoappMessage
	free  func()
}

// Manager is the runtime side of the host bridge: it answers control RPCs,
// routes host messages to nanoapps, and stages nanoapp messages for
// transmission so an unloading app's traffic can be flushed first.
type Manager struct {
	loop      *eventloop.Loop
	transport Transport
	hubInfo   protocol.HubInfoResponse
	logger    *slog.Logger

	outMu    sync.Mutex
	outbound []outboundMessage
	notify   chan struct{}
}

// NewManager creates a comms manager bridging loop and transport.
func NewManager(loop *eventloop.Loop, transport Transport,
	hubInfo protocol.HubInfoResponse, logger *slog.Logger) *Manager {

	return &Manager{
		loop:      loop,
		transport: transport,
		hubInfo:   hubInfo,
		logger:    logger,
		notify:    make(chan struct{}, 1),
	}
}

// Run drains the outbound queue until ctx is cancelled. Run on its own
// goroutine.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.notify:
			m.drainOutbound()
		}
	}
}

// SendMessageToHost stages a nanoapp message for transmission. Safe from
// the loop goroutine (the only producer).
func (m *Manager) SendMessageToHost(appID uint64, hostEndpoint uint16,
	messageType uint32, payload []byte) error {

	if len(payload) > protocol.MaxMessageLen-64 {
		return errors.WrapInvalid(errors.ErrCapacityExhausted,
			"HostCommsManager", "SendMessageToHost", "payload length")
	}

	m.outMu.Lock()
	m.outbound = append(m.outbound, outboundMessage{
		appID: appID,
		msg: protocol.NanoappMessage{
			AppID:        appID,
			HostEndpoint: hostEndpoint,
			MessageType:  messageType,
			Payload:      payload,
		},
	})
	m.outMu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// FlushMessagesSentByApp synchronously transmits (or abandons) every staged
// message from the given app and posts their free callbacks into the
// inbound queue. Called on the loop goroutine as the first step of unload.
func (m *Manager) FlushMessagesSentByApp(appID uint64) {
	m.outMu.Lock()
	var flush []outboundMessage
	kept := m.outbound[:0]
	for _, out := range m.outbound {
		if out.appID == appID {
			flush = append(flush, out)
		} else {
			kept = append(kept, out)
		}
	}
	m.outbound = kept
	m.outMu.Unlock()

	for _, out := range flush {
		m.transmit(out)
	}
}

// drainOutbound sends every staged message in FIFO order.
func (m *Manager) drainOutbound() {
	for {
		m.outMu.Lock()
		if len(m.outbound) == 0 {
			m.outMu.Unlock()
			return
		}
		out := m.outbound[0]
		m.outbound = m.outbound[1:]
		m.outMu.Unlock()

		m.transmit(out)
	}
}

// transmit broadcasts one message and schedules its free callback with the
// sending app attributed.
func (m *Manager) transmit(out outboundMessage) {
	if err := m.transport.SendToAllClients(out.msg); err != nil {
		m.logger.Error("failed to send nanoapp message to host",
			"app_id", out.appID, "error", err)
	}

	appID := out.appID
	free := out.free
	err := m.loop.Defer(func() {
		m.loop.InvokeMessageFreeFunction(appID, func() {
			if free != nil {
				free()
			}
		})
	})
	if err != nil {
		m.logger.Error("failed to post message free callback",
			"app_id", out.appID, "error", err)
	}
}

// PendingMessageCount returns the number of staged outbound messages.
func (m *Manager) PendingMessageCount() int {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	return len(m.outbound)
}

// HandleClientMessage dispatches one decoded envelope from a daemon client.
// Safe from the server's receive goroutines.
func (m *Manager) HandleClientMessage(clientID uint16, msg protocol.Message) {
	switch req := msg.(type) {
	case protocol.HubInfoRequest:
		if err := m.transport.SendToClient(clientID, m.hubInfo); err != nil {
			m.logger.Error("failed to send hub info response",
				"client_id", clientID, "error", err)
		}

	case protocol.NanoappListRequest:
		resp := protocol.NanoappListResponse{}
		for _, info := range m.loop.NanoappInfos() {
			resp.Entries = append(resp.Entries, protocol.NanoappListEntry{
				AppID:    info.AppID,
				Version:  info.Version,
				Enabled:  true,
				IsSystem: info.IsSystem,
			})
		}
		if err := m.transport.SendToClient(clientID, resp); err != nil {
			m.logger.Error("failed to send nanoapp list response",
				"client_id", clientID, "error", err)
		}

	case protocol.NanoappMessage:
		m.routeMessageToNanoapp(req)

	default:
		m.logger.Warn("unhandled client message",
			"client_id", clientID, "message_type", msg.Type().String())
	}
}

// routeMessageToNanoapp posts a host message as a targeted event.
func (m *Manager) routeMessageToNanoapp(msg protocol.NanoappMessage) {
	instanceID, found := m.loop.FindInstanceIDByAppID(msg.AppID)
	if !found {
		m.logger.Warn("host message for unknown nanoapp", "app_id", msg.AppID)
		return
	}

	data := MessageFromHost{
		HostEndpoint: msg.HostEndpoint,
		MessageType:  msg.MessageType,
		Payload:      msg.Payload,
	}
	err := m.loop.PostEvent(event.TypeMessageFromHost, data, nil,
		event.SystemInstanceID, instanceID)
	if err != nil {
		m.logger.Error("failed to post host message event",
			"app_id", msg.AppID, "error", err)
	}
}
