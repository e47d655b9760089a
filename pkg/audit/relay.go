package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/polystore/polystore/pkg/logger"
	"github.com/polystore/polystore/pkg/saga"
)

// Relay consumes published envelopes from a watermill topic and hands their
// events to a sink.
type Relay struct {
	sink saga.AuditSink
	log  logger.Logger
	done chan struct{}
}

// NewRelay subscribes to topic and forwards events to sink until the
// subscription closes, which happens when ctx ends or the subscriber is closed.
func NewRelay(ctx context.Context, sub message.Subscriber, topic string, sink saga.AuditSink, log logger.Logger) (*Relay, error) {
	if sub == nil || sink == nil {
		return nil, fmt.Errorf("audit: relay needs a subscriber and a sink")
	}
	if log == nil {
		log = logger.Global()
	}
	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	r := &Relay{sink: sink, log: log.With("component", "audit_relay"), done: make(chan struct{})}
	go r.run(context.WithoutCancel(ctx), messages)
	return r, nil
}

func (r *Relay) run(ctx context.Context, messages <-chan *message.Message) {
	defer close(r.done)
	for msg := range messages {
		var envelope Envelope
		if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
			r.log.Warn("dropping undecodable audit message", "message_id", msg.UUID, "error", err)
			msg.Ack()
			continue
		}
		if err := r.sink.RecordEvent(ctx, envelope.Event); err != nil {
			r.log.Warn("relayed audit event rejected", "saga_id", envelope.Event.SagaID, "kind", envelope.Event.Kind, "error", err)
		}
		msg.Ack()
	}
}

// Done is closed once the subscription has ended.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}
