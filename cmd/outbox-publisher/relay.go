package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-fulfillment/pkg/config"
	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
	"github.com/angelmondragon/storefront-fulfillment/pkg/outbox/registry"
)

const (
	defaultBatchSize   = 50
	defaultPoll        = 500 * time.Millisecond
	defaultMaxAttempts = 10
	sendTimeout        = 15 * time.Second
	maxBackoff         = 10 * time.Second
	jitterWindow       = 250 * time.Millisecond
)

// Outcomes reported per outbox row.
const (
	outcomePublished    = "published"
	outcomeRetry        = "retry"
	outcomeDeadLettered = "dead_lettered"
)

type txRunner interface {
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type eventResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

// sender publishes one message and waits for the server ack.
type sender interface {
	Send(ctx context.Context, msg *gcppubsub.Message) (string, error)
}

type publishRecorder interface {
	OutboxPublished(eventType, outcome string)
}

// RelayParams wires the relay. Senders maps a topic to its sender; a nil
// result dead-letters the row.
type RelayParams struct {
	Outbox     config.OutboxConfig
	Logger     *logger.Logger
	DB         txRunner
	Repository outboxRepository
	DLQ        dlqRepository
	Resolver   eventResolver
	Senders    func(topic string) sender
	Metrics    publishRecorder
}

// Relay moves committed outbox rows onto Pub/Sub topics. Each batch runs in
// one transaction holding row locks, so concurrent relays never double-send.
type Relay struct {
	p           RelayParams
	batchSize   int
	maxAttempts int
	poll        time.Duration
}

func NewRelay(p RelayParams) (*Relay, error) {
	switch {
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	case p.DB == nil:
		return nil, errors.New("database client is required")
	case p.Repository == nil:
		return nil, errors.New("outbox repository is required")
	case p.DLQ == nil:
		return nil, errors.New("dlq repository is required")
	case p.Resolver == nil:
		return nil, errors.New("event resolver is required")
	case p.Senders == nil:
		return nil, errors.New("senders are required")
	}
	r := &Relay{
		p:           p,
		batchSize:   p.Outbox.BatchSize,
		maxAttempts: p.Outbox.MaxAttempts,
		poll:        time.Duration(p.Outbox.PollIntervalMS) * time.Millisecond,
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.poll <= 0 {
		r.poll = defaultPoll
	}
	return r, nil
}

// Run drains the outbox until ctx is cancelled. A full batch is followed
// immediately by the next one; an empty batch waits one poll interval and
// failed batches back off exponentially.
func (r *Relay) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.drain(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			failures++
			r.p.Logger.Error(ctx, "outbox.batch_failed", err)
			wait = backoff(r.poll, failures)
		case n == 0:
			failures = 0
			wait = r.poll
		default:
			failures = 0
		}
		if wait == 0 {
			continue
		}
		if err := pause(ctx, wait+rand.N(jitterWindow)); err != nil {
			return err
		}
	}
}

// drain handles one batch and returns how many rows it touched.
func (r *Relay) drain(ctx context.Context) (int, error) {
	var n int
	err := r.p.DB.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := r.p.Repository.FetchUnpublishedForPublish(tx, r.batchSize, r.maxAttempts)
		if err != nil {
			return err
		}
		for _, event := range events {
			outcome, err := r.deliver(ctx, tx, event)
			if err != nil {
				return err
			}
			n++
			if r.p.Metrics != nil {
				r.p.Metrics.OutboxPublished(string(event.EventType), outcome)
			}
		}
		return nil
	})
	return n, err
}

// deliver publishes a single row and records its fate. The returned error is
// reserved for bookkeeping failures that must abort the batch.
func (r *Relay) deliver(ctx context.Context, tx *gorm.DB, event models.OutboxEvent) (string, error) {
	logCtx := r.p.Logger.WithFields(ctx, map[string]any{
		"outbox_id":     event.ID.String(),
		"event_type":    event.EventType,
		"aggregate_id":  event.AggregateID.String(),
		"attempt_count": event.AttemptCount,
	})

	resolved, err := r.p.Resolver.Resolve(event)
	if err != nil {
		return outcomeDeadLettered, r.deadLetter(logCtx, tx, event, enums.OutboxDLQReasonNonRetryable, err)
	}
	topic := resolved.Descriptor.Topic
	logCtx = r.p.Logger.WithField(logCtx, "topic", topic)

	send := r.p.Senders(topic)
	if send == nil {
		err := fmt.Errorf("no publisher for topic %s", topic)
		return outcomeDeadLettered, r.deadLetter(logCtx, tx, event, enums.OutboxDLQReasonNonRetryable, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	_, err = send.Send(sendCtx, message(event, resolved))
	cancel()
	if err == nil {
		if err := r.p.Repository.MarkPublishedTx(tx, event.ID); err != nil {
			return "", fmt.Errorf("mark published %s: %w", event.ID, err)
		}
		r.p.Logger.Info(logCtx, "outbox.published")
		return outcomePublished, nil
	}

	var nonRetryable registry.NonRetryableError
	if errors.As(err, &nonRetryable) {
		return outcomeDeadLettered, r.deadLetter(logCtx, tx, event, enums.OutboxDLQReasonNonRetryable, err)
	}
	if event.AttemptCount+1 >= r.maxAttempts {
		err = fmt.Errorf("max publish attempts reached: %w", err)
		return outcomeDeadLettered, r.deadLetter(logCtx, tx, event, enums.OutboxDLQReasonMaxAttempts, err)
	}
	if markErr := r.p.Repository.MarkFailedTx(tx, event.ID, err); markErr != nil {
		return "", fmt.Errorf("mark failure %s: %w", event.ID, markErr)
	}
	r.p.Logger.Warn(r.p.Logger.WithField(logCtx, "error", err.Error()), "outbox.retry")
	return outcomeRetry, nil
}

func (r *Relay) deadLetter(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error) error {
	msg := cause.Error()
	r.p.Logger.Warn(r.p.Logger.WithFields(ctx, map[string]any{"error": msg, "error_reason": reason}), "outbox.dead_lettered")
	if err := r.p.DLQ.InsertTx(tx, models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  event.AttemptCount,
		FailedAt:      time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("insert dlq %s: %w", event.ID, err)
	}
	if err := r.p.Repository.MarkTerminalTx(tx, event.ID, cause); err != nil {
		return fmt.Errorf("mark terminal %s: %w", event.ID, err)
	}
	return nil
}

// message keys every event by its aggregate so one order's events keep their
// emit order on the topic.
func message(event models.OutboxEvent, resolved *registry.ResolvedEvent) *gcppubsub.Message {
	return &gcppubsub.Message{
		Data:        event.Payload,
		OrderingKey: event.AggregateID.String(),
		Attributes: map[string]string{
			"event_id":       resolved.Envelope.EventID,
			"event_type":     string(event.EventType),
			"aggregate_type": string(event.AggregateType),
			"aggregate_id":   event.AggregateID.String(),
			"schema_version": strconv.Itoa(resolved.Envelope.Version),
			"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
		},
	}
}

func backoff(base time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// topicSender adapts a Pub/Sub publisher. An ordered publish that fails
// pauses its key on the client, so the key is resumed for the row's retry.
type topicSender struct {
	pub *gcppubsub.Publisher
}

func (s topicSender) Send(ctx context.Context, msg *gcppubsub.Message) (string, error) {
	id, err := s.pub.Publish(ctx, msg).Get(ctx)
	if err != nil && msg.OrderingKey != "" {
		s.pub.ResumePublish(msg.OrderingKey)
	}
	return id, err
}

// pubsubSenders caches one sender per topic on top of the client lookup.
func pubsubSenders(lookup func(topic string) *gcppubsub.Publisher) func(string) sender {
	cache := map[string]sender{}
	return func(topic string) sender {
		if s, ok := cache[topic]; ok {
			return s
		}
		pub := lookup(topic)
		if pub == nil {
			return nil
		}
		s := topicSender{pub: pub}
		cache[topic] = s
		return s
	}
}
