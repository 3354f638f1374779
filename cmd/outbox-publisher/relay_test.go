package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-fulfillment/pkg/config"
	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
	"github.com/angelmondragon/storefront-fulfillment/pkg/outbox"
	"github.com/angelmondragon/storefront-fulfillment/pkg/outbox/registry"
)

type memRows struct {
	events    []models.OutboxEvent
	published []uuid.UUID
	failed    []uuid.UUID
	terminal  []uuid.UUID
}

func (m *memRows) FetchUnpublishedForPublish(*gorm.DB, int, int) ([]models.OutboxEvent, error) {
	return m.events, nil
}

func (m *memRows) MarkPublishedTx(_ *gorm.DB, id uuid.UUID) error {
	m.published = append(m.published, id)
	return nil
}

func (m *memRows) MarkFailedTx(_ *gorm.DB, id uuid.UUID, _ error) error {
	m.failed = append(m.failed, id)
	return nil
}

func (m *memRows) MarkTerminalTx(_ *gorm.DB, id uuid.UUID, _ error) error {
	m.terminal = append(m.terminal, id)
	return nil
}

type memDLQ struct{ entries []models.OutboxDLQ }

func (m *memDLQ) InsertTx(_ *gorm.DB, entry models.OutboxDLQ) error {
	m.entries = append(m.entries, entry)
	return nil
}

type inlineTx struct{}

func (inlineTx) WithTx(_ context.Context, fn func(*gorm.DB) error) error { return fn(nil) }

// topicResolver routes every event to orders-topic unless err is set.
type topicResolver struct{ err error }

func (r topicResolver) Resolve(event models.OutboxEvent) (*registry.ResolvedEvent, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{Topic: "orders-topic", AggregateType: event.AggregateType},
		Envelope:   outbox.PayloadEnvelope{Version: 1, EventID: event.ID.String(), OccurredAt: time.Now()},
	}, nil
}

// scriptedSender fails the sends whose index is listed in failAt.
type scriptedSender struct {
	failAt map[int]error
	sent   []*gcppubsub.Message
}

func (s *scriptedSender) Send(_ context.Context, msg *gcppubsub.Message) (string, error) {
	i := len(s.sent)
	s.sent = append(s.sent, msg)
	if err := s.failAt[i]; err != nil {
		return "", err
	}
	return "msg-" + msg.Attributes["event_id"], nil
}

type outcomeCounter map[string]int

func (c outcomeCounter) OutboxPublished(eventType, outcome string) { c[eventType+":"+outcome]++ }

type relayFixture struct {
	relay  *Relay
	rows   *memRows
	dlq    *memDLQ
	sender *scriptedSender
	counts outcomeCounter
}

func newRelayFixture(t *testing.T, events []models.OutboxEvent, resolver eventResolver, maxAttempts int) *relayFixture {
	t.Helper()
	f := &relayFixture{
		rows:   &memRows{events: events},
		dlq:    &memDLQ{},
		sender: &scriptedSender{failAt: map[int]error{}},
		counts: outcomeCounter{},
	}
	relay, err := NewRelay(RelayParams{
		Outbox:     config.OutboxConfig{BatchSize: 10, PollIntervalMS: 10, MaxAttempts: maxAttempts},
		Logger:     logger.New(logger.Options{ServiceName: "outbox-relay-test", Output: io.Discard}),
		DB:         inlineTx{},
		Repository: f.rows,
		DLQ:        f.dlq,
		Resolver:   resolver,
		Senders: func(topic string) sender {
			if topic != "orders-topic" {
				return nil
			}
			return f.sender
		},
		Metrics: f.counts,
	})
	require.NoError(t, err)
	f.relay = relay
	return f
}

func orderEvent(t *testing.T, eventType enums.OutboxEventType, attempts int) models.OutboxEvent {
	t.Helper()
	payload, err := json.Marshal(outbox.PayloadEnvelope{Version: 1, EventID: uuid.NewString(), OccurredAt: time.Now(), Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		Payload:       payload,
		AttemptCount:  attempts,
	}
}

func TestRelayRetriesTransientFailureAndKeepsGoing(t *testing.T) {
	first := orderEvent(t, enums.EventOrderCreated, 0)
	second := orderEvent(t, enums.EventOrderCreated, 0)
	f := newRelayFixture(t, []models.OutboxEvent{first, second}, topicResolver{}, 5)
	f.sender.failAt[0] = errors.New("unavailable")

	n, err := f.relay.drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uuid.UUID{first.ID}, f.rows.failed)
	assert.Equal(t, []uuid.UUID{second.ID}, f.rows.published)
	assert.Empty(t, f.dlq.entries)
	assert.Equal(t, 1, f.counts["order_created:retry"])
	assert.Equal(t, 1, f.counts["order_created:published"])
}

func TestRelayKeysMessagesByAggregate(t *testing.T) {
	event := orderEvent(t, enums.EventOrderPaid, 0)
	f := newRelayFixture(t, []models.OutboxEvent{event}, topicResolver{}, 5)

	_, err := f.relay.drain(context.Background())
	require.NoError(t, err)
	require.Len(t, f.sender.sent, 1)
	msg := f.sender.sent[0]
	assert.Equal(t, event.AggregateID.String(), msg.OrderingKey)
	assert.Equal(t, string(enums.EventOrderPaid), msg.Attributes["event_type"])
	assert.Equal(t, "1", msg.Attributes["schema_version"])
	assert.JSONEq(t, string(event.Payload), string(msg.Data))
}

func TestRelayDeadLettersUnresolvableEvents(t *testing.T) {
	event := orderEvent(t, enums.EventOrderCreated, 0)
	f := newRelayFixture(t, []models.OutboxEvent{event}, topicResolver{err: registry.NewNonRetryableError(errors.New("bad payload"))}, 5)

	_, err := f.relay.drain(context.Background())
	require.NoError(t, err)
	require.Len(t, f.dlq.entries, 1)
	entry := f.dlq.entries[0]
	assert.Equal(t, event.ID, entry.EventID)
	assert.Equal(t, enums.OutboxDLQReasonNonRetryable, entry.ErrorReason)
	assert.Equal(t, []byte(event.Payload), []byte(entry.Payload))
	assert.Equal(t, []uuid.UUID{event.ID}, f.rows.terminal)
	assert.Empty(t, f.sender.sent)
}

func TestRelayDeadLettersAfterMaxAttempts(t *testing.T) {
	event := orderEvent(t, enums.EventOrderCreated, 1)
	f := newRelayFixture(t, []models.OutboxEvent{event}, topicResolver{}, 2)
	f.sender.failAt[0] = errors.New("unavailable")

	_, err := f.relay.drain(context.Background())
	require.NoError(t, err)
	require.Len(t, f.dlq.entries, 1)
	assert.Equal(t, enums.OutboxDLQReasonMaxAttempts, f.dlq.entries[0].ErrorReason)
	require.NotNil(t, f.dlq.entries[0].ErrorMessage)
	assert.Contains(t, *f.dlq.entries[0].ErrorMessage, "max publish attempts")
	assert.Empty(t, f.rows.failed)
	assert.Equal(t, 1, f.counts["order_created:dead_lettered"])
}

func TestRelayDeadLettersNonRetryableSendErrors(t *testing.T) {
	event := orderEvent(t, enums.EventOrderCreated, 0)
	f := newRelayFixture(t, []models.OutboxEvent{event}, topicResolver{}, 5)
	f.sender.failAt[0] = registry.NewNonRetryableError(errors.New("message too large"))

	_, err := f.relay.drain(context.Background())
	require.NoError(t, err)
	require.Len(t, f.dlq.entries, 1)
	assert.Equal(t, enums.OutboxDLQReasonNonRetryable, f.dlq.entries[0].ErrorReason)
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, backoff(100*time.Millisecond, 1))
	assert.Equal(t, 800*time.Millisecond, backoff(100*time.Millisecond, 3))
	assert.Equal(t, maxBackoff, backoff(100*time.Millisecond, 30))
}

func TestPubsubSendersSkipsUnknownTopics(t *testing.T) {
	lookups := 0
	senders := pubsubSenders(func(string) *gcppubsub.Publisher {
		lookups++
		return nil
	})
	assert.Nil(t, senders("missing"))
	assert.Equal(t, 1, lookups)
}

func TestNewRelayRequiresDependencies(t *testing.T) {
	_, err := NewRelay(RelayParams{})
	assert.Error(t, err)
}
