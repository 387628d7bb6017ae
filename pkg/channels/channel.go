// Package channels connects the bridge to chat services. Each channel
// publishes inbound messages to the event bus and exposes a Send for
// the router's outbound traffic.
package channels

import "context"

// Outbound is one message toward the chat service.
type Outbound struct {
	Text string
	// ReplyToID threads the message as a reply; empty sends plainly.
	ReplyToID string
}

// Channel is one chat service connection.
type Channel interface {
	Name() string
	// Start begins receiving and publishing inbound messages. It returns
	// once receiving is underway; delivery stops when ctx is canceled.
	Start(ctx context.Context) error
	Stop() error
	// Send delivers msg and returns the service's message id, used for
	// reply correlation.
	Send(ctx context.Context, msg Outbound) (string, error)
}
