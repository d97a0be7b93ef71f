package message_broaker

import "context"

// MessageBroker publishes opaque payloads under a topic. Topics map to
// routing metadata of the concrete broker.
type MessageBroker interface {
	Publish(ctx context.Context, topic string, message []byte) error
	Close() error
}
