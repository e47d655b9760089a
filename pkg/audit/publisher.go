package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/polystore/polystore/pkg/logger"
	"github.com/polystore/polystore/pkg/saga"
)

const (
	// SubjectPrefix prefixes every published audit subject.
	SubjectPrefix = "polystore.v1.audit"
	// SchemaVersionV1 is the current envelope schema.
	SchemaVersionV1 = "v1"
)

// Subject returns the subject an event kind is published on.
func Subject(kind saga.EventKind) string {
	if kind == "" {
		return SubjectPrefix + ".unknown"
	}
	return SubjectPrefix + "." + string(kind)
}

// Transport publishes bytes to a subject.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Envelope wraps an audit event for publication. Sequence is per saga and
// starts at 1.
type Envelope struct {
	EventID       string          `json:"event_id"`
	Subject       string          `json:"subject"`
	SchemaVersion string          `json:"schema_version"`
	NodeID        string          `json:"node_id"`
	OrderingKey   string          `json:"ordering_key"`
	Sequence      int64           `json:"sequence"`
	Timestamp     time.Time       `json:"timestamp"`
	Event         saga.AuditEvent `json:"event"`
}

// PublisherMetrics records publish outcomes.
type PublisherMetrics interface {
	RecordPublish(status string)
	RecordRetry()
	SetDegradedMode(active bool)
}

type nopPublisherMetrics struct{}

func (nopPublisherMetrics) RecordPublish(string) {}
func (nopPublisherMetrics) RecordRetry()         {}
func (nopPublisherMetrics) SetDegradedMode(bool) {}

// RetryConfig bounds publish retries.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns 3 retries from 50ms doubling to 2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
	}
}

// PublisherOption customizes a PublisherSink.
type PublisherOption func(s *PublisherSink)

// WithRetry overrides DefaultRetryConfig.
func WithRetry(cfg RetryConfig) PublisherOption {
	return func(s *PublisherSink) {
		s.retry = cfg
	}
}

// WithPublisherMetrics wires publish metrics.
func WithPublisherMetrics(m PublisherMetrics) PublisherOption {
	return func(s *PublisherSink) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithPublisherLogger sets the sink logger.
func WithPublisherLogger(log logger.Logger) PublisherOption {
	return func(s *PublisherSink) {
		if log != nil {
			s.logger = log
		}
	}
}

// PublisherSink publishes audit events as envelopes with retry. It enters
// degraded mode after a failed attempt and leaves it on the next success.
type PublisherSink struct {
	transport Transport
	nodeID    string
	retry     RetryConfig
	metrics   PublisherMetrics
	logger    logger.Logger

	mu        sync.Mutex
	sequences map[string]int64
	degraded  bool
}

// NewPublisherSink creates a sink publishing through transport.
func NewPublisherSink(nodeID string, transport Transport, opts ...PublisherOption) (*PublisherSink, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("audit: node id cannot be empty")
	}
	if transport == nil {
		return nil, fmt.Errorf("audit: transport cannot be nil")
	}
	s := &PublisherSink{
		transport: transport,
		nodeID:    nodeID,
		retry:     DefaultRetryConfig(),
		metrics:   nopPublisherMetrics{},
		logger:    logger.Global(),
		sequences: make(map[string]int64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.retry.MaxRetries < 0 {
		return nil, fmt.Errorf("audit: max retries cannot be negative")
	}
	if s.retry.InitialBackoff <= 0 || s.retry.MaxBackoff <= 0 || s.retry.BackoffFactor < 1 {
		return nil, fmt.Errorf("audit: invalid retry config")
	}
	s.logger = s.logger.With("component", "audit.publisher")
	return s, nil
}

func (s *PublisherSink) RecordEvent(ctx context.Context, event saga.AuditEvent) error {
	_, err := s.Publish(ctx, event)
	return err
}

// Publish wraps event in an envelope and publishes it.
func (s *PublisherSink) Publish(ctx context.Context, event saga.AuditEvent) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	if event.SagaID == "" {
		return Envelope{}, fmt.Errorf("audit: event saga_id cannot be empty")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	envelope := Envelope{
		EventID:       uuid.NewString(),
		Subject:       Subject(event.Kind),
		SchemaVersion: SchemaVersionV1,
		NodeID:        s.nodeID,
		OrderingKey:   event.SagaID,
		Sequence:      s.nextSequence(event.SagaID, event.Kind.IsTerminalSagaEvent()),
		Timestamp:     time.Now().UTC(),
		Event:         event,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return Envelope{}, fmt.Errorf("audit: marshal envelope: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialBackoff
	b.MaxInterval = s.retry.MaxBackoff
	b.Multiplier = s.retry.BackoffFactor
	b.RandomizationFactor = 0
	b.Reset()

	var publishErr error
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		publishErr = s.transport.Publish(ctx, envelope.Subject, body)
		if publishErr == nil {
			s.metrics.RecordPublish("success")
			s.setDegraded(false)
			return envelope, nil
		}
		if attempt == s.retry.MaxRetries {
			break
		}
		s.metrics.RecordRetry()
		s.setDegraded(true)

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
	}

	s.metrics.RecordPublish("failed")
	s.setDegraded(true)
	return Envelope{}, fmt.Errorf("audit: publish %s: %w", envelope.Subject, publishErr)
}

// Degraded reports whether the last publish attempt failed.
func (s *PublisherSink) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// nextSequence numbers a saga's events. The counter is dropped once the saga's
// terminal event is numbered.
func (s *PublisherSink) nextSequence(sagaID string, last bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[sagaID]++
	seq := s.sequences[sagaID]
	if last {
		delete(s.sequences, sagaID)
	}
	return seq
}

func (s *PublisherSink) setDegraded(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded == active {
		return
	}
	s.degraded = active
	s.metrics.SetDegradedMode(active)
	if active {
		s.logger.Warn("audit publisher degraded")
	} else {
		s.logger.Info("audit publisher recovered")
	}
}
