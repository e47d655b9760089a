package audit

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"github.com/polystore/polystore/pkg/backend"
)

// MetadataSubject is the watermill metadata key carrying the audit subject.
const MetadataSubject = "audit_subject"

// WatermillTransport publishes on a watermill publisher. With an empty topic
// every subject is its own topic; otherwise all subjects share topic, which
// keeps one saga's events in order for a single subscriber.
type WatermillTransport struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillTransport wraps publisher.
func NewWatermillTransport(publisher message.Publisher, topic string) (*WatermillTransport, error) {
	if publisher == nil {
		return nil, fmt.Errorf("audit: missing publisher")
	}
	return &WatermillTransport{publisher: publisher, topic: topic}, nil
}

func (t *WatermillTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataSubject, subject)
	topic := t.topic
	if topic == "" {
		topic = subject
	}
	return t.publisher.Publish(topic, msg)
}

// RedisStreamTransport appends envelopes to a single Redis stream.
type RedisStreamTransport struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStreamTransport appends to stream, trimming it to roughly maxLen
// entries when maxLen > 0.
func NewRedisStreamTransport(client redis.UniversalClient, stream string, maxLen int64) (*RedisStreamTransport, error) {
	if client == nil {
		return nil, fmt.Errorf("audit: redis client cannot be nil")
	}
	if stream == "" {
		return nil, fmt.Errorf("audit: stream name cannot be empty")
	}
	return &RedisStreamTransport{client: client, stream: stream, maxLen: maxLen}, nil
}

func (t *RedisStreamTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: t.stream,
		Values: map[string]any{"subject": subject, "envelope": payload},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return backend.Unavailable("redis", err)
	}
	return nil
}
