package bus

import "time"

// ChatMessage is an inbound message from the chat service.
type ChatMessage struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Sender    string `json:"sender,omitempty"`
	Text      string `json:"text"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// MeshPacket is a decoded inbound text packet from the mesh radio.
type MeshPacket struct {
	PacketID    uint32    `json:"packet_id"`
	FromNodeID  string    `json:"from_node_id"`
	FromNodeNum uint32    `json:"from_node_num"`
	ToNodeNum   uint32    `json:"to_node_num"`
	Text        string    `json:"text"`
	Private     bool      `json:"private"`
	ChannelName string    `json:"channel_name,omitempty"`
	HopStart    int       `json:"hop_start"`
	HopLimit    int       `json:"hop_limit"`
	SNR         float32   `json:"snr"`
	RSSI        int       `json:"rssi"`
	ReplyID     uint32    `json:"reply_id,omitempty"`
	RxTime      time.Time `json:"rx_time"`
}

// HopCount returns the relay hop count, or -1 when the packet carries
// no hop accounting (older firmware omits hop_start).
func (p MeshPacket) HopCount() int {
	if p.HopStart <= 0 {
		return -1
	}
	n := p.HopStart - p.HopLimit
	if n < 0 {
		return 0
	}
	return n
}

// LinkState mirrors the connection manager's state for lifecycle events.
type LinkState string

const (
	LinkConnected        LinkState = "connected"
	LinkDisconnected     LinkState = "disconnected"
	LinkReconnectAttempt LinkState = "reconnect_attempt"
)

// Lifecycle reports a mesh connection state change.
type Lifecycle struct {
	State    LinkState `json:"state"`
	Endpoint string    `json:"endpoint"`
	Attempt  int       `json:"attempt,omitempty"`
	Err      string    `json:"err,omitempty"`
}

// Event is the tagged union carried on the bus. Exactly one field is set.
// All producers funnel through a single channel so the router observes a
// total order across sources.
type Event struct {
	Chat      *ChatMessage
	Mesh      *MeshPacket
	Lifecycle *Lifecycle
}
