package queue

import "context"

// Client sends messages to a queue backend.
type Client interface {
	Send(ctx context.Context, msg Message) error
}

// Noop drops every message. It is used when no queue is configured.
type Noop struct{}

// Send discards msg.
func (Noop) Send(context.Context, Message) error { return nil }

var _ Client = Noop{}
