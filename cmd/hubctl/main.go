// Package main implements hubctl, a test client for the context hub
// daemon: it connects to the daemon socket, issues control RPCs, and logs
// nanoapp traffic.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/contexthub/hostbridge"
	"github.com/c360/contexthub/hostbridge/protocol"
)

// testAppID is the nanoapp addressed by the sample message.
const testAppID uint64 = 0x0123456789000001

var (
	socketPath string
	listenFor  time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "hubctl",
		Short: "Test client for the context hub daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest()
		},
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/tmp/chre",
		"path of the daemon socket")
	root.PersistentFlags().DurationVar(&listenFor, "listen", 5*time.Second,
		"how long to log responses before exiting")

	root.AddCommand(
		&cobra.Command{
			Use:   "info",
			Short: "Request hub information",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithClient(func(client *hostbridge.Client) error {
					return client.SendMessage(protocol.HubInfoRequest{})
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List loaded nanoapps",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithClient(func(client *hostbridge.Client) error {
					return client.SendMessage(protocol.NanoappListRequest{})
				})
			},
		},
		&cobra.Command{
			Use:   "monitor",
			Short: "Log nanoapp messages for the --listen duration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWithClient(func(*hostbridge.Client) error { return nil })
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runTest is the default exercise: hub info plus a sample nanoapp message.
func runTest() error {
	return runWithClient(func(client *hostbridge.Client) error {
		if err := client.SendMessage(protocol.HubInfoRequest{}); err != nil {
			return err
		}
		return client.SendMessage(protocol.NanoappMessage{
			AppID:        testAppID,
			HostEndpoint: protocol.HostEndpointUnspecified,
			MessageType:  1,
			Payload:      []byte{1, 2, 3, 4},
		})
	})
}

// runWithClient connects, runs send, then logs responses for the listen
// window.
func runWithClient(send func(*hostbridge.Client) error) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	client := hostbridge.NewClient(hostbridge.WithClientLogger(logger))

	callbacks := &printingCallbacks{logger: logger}
	if err := client.Connect(socketPath, true, callbacks); err != nil {
		return fmt.Errorf("couldn't connect to %s: %w", socketPath, err)
	}
	defer client.Disconnect()

	if err := send(client); err != nil {
		return err
	}

	time.Sleep(listenFor)
	return nil
}

// printingCallbacks logs every decoded message.
type printingCallbacks struct {
	logger *slog.Logger
}

func (p *printingCallbacks) OnMessageReceived(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.HubInfoResponse:
		p.logger.Info("hub info response",
			"name", m.Name, "vendor", m.Vendor, "toolchain", m.Toolchain,
			"peak_mips", m.PeakMips, "stopped_power_mw", m.StoppedPowerMw,
			"sleep_power_mw", m.SleepPowerMw, "peak_power_mw", m.PeakPowerMw,
			"max_message_len", m.MaxMessageLen,
			"platform_id", fmt.Sprintf("0x%016x", m.PlatformID),
			"version", fmt.Sprintf("0x%08x", m.Version))

	case protocol.NanoappListResponse:
		p.logger.Info("nanoapp list response", "count", len(m.Entries))
		for _, entry := range m.Entries {
			p.logger.Info("nanoapp",
				"app_id", fmt.Sprintf("0x%016x", entry.AppID),
				"version", entry.Version,
				"enabled", entry.Enabled, "system", entry.IsSystem)
		}

	case protocol.NanoappMessage:
		p.logger.Info("message from nanoapp",
			"app_id", fmt.Sprintf("0x%016x", m.AppID),
			"endpoint", fmt.Sprintf("0x%04x", m.HostEndpoint),
			"message_type", m.MessageType, "length", len(m.Payload))

	default:
		p.logger.Warn("unhandled message", "type", msg.Type().String())
	}
}

func (p *printingCallbacks) OnSocketDisconnectedByRemote() {
	p.logger.Info("socket disconnected")
}

func (p *printingCallbacks) OnSocketReconnected() {
	p.logger.Info("socket reconnected")
}

func (p *printingCallbacks) OnReconnectAborted() {
	p.logger.Error("gave up reconnecting")
}
