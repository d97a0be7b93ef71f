package message_broaker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

const (
	TopicCronOutcome = "cron"
	TopicTaskOutcome = "task"
)

// OutcomeEvent is published after a cron execution or a task finishes.
type OutcomeEvent struct {
	Kind       string     `json:"kind"`
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	DurationMs int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
	Next       *time.Time `json:"next,omitempty"`
	Instance   string     `json:"instance"`
	At         time.Time  `json:"at"`
}

// EventPublisher emits outcome events best effort: failures are logged and
// never reach the caller. A nil broker disables publishing.
type EventPublisher struct {
	broker   MessageBroker
	instance string
	log      zerolog.Logger
}

func NewEventPublisher(broker MessageBroker, instance string, log zerolog.Logger) *EventPublisher {
	return &EventPublisher{broker: broker, instance: instance, log: log}
}

func (p *EventPublisher) Emit(ctx context.Context, ev OutcomeEvent) {
	if p == nil || p.broker == nil {
		return
	}
	ev.Instance = p.instance

	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn().Err(err).Str("kind", ev.Kind).Int64("id", ev.ID).Msg("encode outcome event")
		return
	}
	if err := p.broker.Publish(ctx, ev.Kind, body); err != nil {
		p.log.Warn().Err(err).Str("kind", ev.Kind).Int64("id", ev.ID).Msg("publish outcome event")
	}
}
