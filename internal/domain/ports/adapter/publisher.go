package adapter

import "context"

// EventPublisher delivers settlement events to downstream collaborators.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	Close()
}
