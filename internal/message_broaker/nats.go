package message_broaker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS publishes to "<subject>.<topic>".
type NATS struct {
	nc      *nats.Conn
	subject string
}

func NewNATS(url, subject, name string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{nc: nc, subject: subject}, nil
}

func (n *NATS) Subject(topic string) string {
	if topic == "" {
		return n.subject
	}
	return n.subject + "." + topic
}

func (n *NATS) Publish(ctx context.Context, topic string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.nc.Publish(n.Subject(topic), message); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.Subject(topic), err)
	}
	return nil
}

func (n *NATS) Close() error {
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return err
	}
	return nil
}
