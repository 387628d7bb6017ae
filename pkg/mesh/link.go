// Package mesh owns the radio side of the bridge: the device link
// abstraction, the Meshtastic TCP stream implementation and the
// connection manager with its reconnect/health state machine.
package mesh

import (
	"context"
	"errors"
	"time"

	"github.com/tinyland-inc/meshgram/pkg/bus"
)

// ErrNotConnected is returned by Send when no live connection exists.
var ErrNotConnected = errors.New("not connected to mesh radio")

// SendRequest describes one outbound text packet.
type SendRequest struct {
	// DestNodeID targets a single node ("!hex" id); empty broadcasts.
	DestNodeID string
	Text       string
	// ChannelName selects a named device channel; empty uses primary.
	ChannelName string
	// ReplyID threads the packet as a reply to a prior mesh packet.
	ReplyID uint32
}

// NodeInfo is one entry of the device's node database.
type NodeInfo struct {
	NodeID    string
	ShortName string
	LongName  string
	SNR       float32
	RSSI      int
	LastHeard time.Time
}

// DeviceLink is the black-box radio transport. One DeviceLink value
// represents one physical connection; the Manager replaces the whole
// value on reconnect. Implementations must be safe for concurrent use.
type DeviceLink interface {
	// Connect establishes the link and performs the device handshake.
	Connect(ctx context.Context, host string, port int) error
	// Close tears the link down; Packets is closed afterwards.
	Close() error
	// SendText writes one text packet and returns its packet id.
	SendText(ctx context.Context, req SendRequest) (uint32, error)
	// Packets streams decoded inbound text packets until the link dies.
	Packets() <-chan bus.MeshPacket
	// Ping probes device liveness.
	Ping(ctx context.Context) error
	// Nodes returns a snapshot of the device node database.
	Nodes() []NodeInfo
	// SetModemPreset applies a LoRa preset to a frequency slot.
	SetModemPreset(ctx context.Context, preset string, slot int) error
	// SetOwnerLongName renames the device.
	SetOwnerLongName(ctx context.Context, name string) error
}
