package queue

import "context"

// Queue names for the inbound webhook pipeline. Provider callbacks are
// acked fast at the HTTP edge and drained by the resolver worker; replays
// are safe because ledger writes dedup on provider event id.
const (
	InboundQueueName = "webhook.inbound"
	InboundDLQName   = "dlq.webhook.inbound"
)

// Publisher publishes inbound event envelopes to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg EventMessage) error
	Close() error
}

// MessageHandler handles a consumed event envelope.
type MessageHandler func(ctx context.Context, msg EventMessage) error

// Consumer consumes event envelopes from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}
