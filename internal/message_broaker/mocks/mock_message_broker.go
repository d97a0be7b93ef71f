package mocks

import (
	"context"
	"sync"
)

type Message struct {
	Topic string
	Body  []byte
}

// MockMessageBroker records published messages.
type MockMessageBroker struct {
	PublishFunc func(ctx context.Context, topic string, message []byte) error
	CloseFunc   func() error

	mu       sync.Mutex
	messages []Message
}

func (m *MockMessageBroker) Publish(ctx context.Context, topic string, message []byte) error {
	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, topic, message); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, Message{Topic: topic, Body: append([]byte(nil), message...)})
	return nil
}

func (m *MockMessageBroker) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

func (m *MockMessageBroker) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
