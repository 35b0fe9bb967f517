package mqueue

import "context"

// Queue is the operation set the gateway's consumers and publishers need
// from the broker. *Client satisfies it; Mem is an in-memory
// implementation for tests.
type Queue interface {
	DeclareQueue(name string) error
	Publish(ctx context.Context, queueName string, body []byte) error
	Consume(ctx context.Context, queueName string, handler Handler) error
}

var (
	_ Queue = (*Client)(nil)
	_ Queue = (*Mem)(nil)
)
