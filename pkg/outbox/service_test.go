package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-fulfillment/internal/testdb"
	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
)

func TestEmitWritesEnvelopeInsideTransaction(t *testing.T) {
	conn := testdb.Open(t, "outbox_emit")
	svc := NewService(NewRepository(conn), nil)
	orderID := uuid.New()

	err := conn.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Actor:         &ActorRef{Role: "customer"},
			Data:          map[string]any{"order_id": orderID.String()},
		})
	})
	require.NoError(t, err)

	var rows []models.OutboxEvent
	require.NoError(t, conn.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, enums.EventOrderCreated, rows[0].EventType)
	assert.Equal(t, orderID, rows[0].AggregateID)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	assert.Equal(t, 1, envelope.Version)
	assert.NotEmpty(t, envelope.EventID)
	assert.False(t, envelope.OccurredAt.IsZero())
	assert.JSONEq(t, `{"order_id":"`+orderID.String()+`"}`, string(envelope.Data))
}

func TestEmitRolledBackWithTransaction(t *testing.T) {
	conn := testdb.Open(t, "outbox_rollback")
	svc := NewService(NewRepository(conn), nil)

	err := conn.Transaction(func(tx *gorm.DB) error {
		if err := svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventOrderPaid,
			AggregateType: enums.AggregateOrder,
			AggregateID:   uuid.New(),
			Data:          map[string]any{},
		}); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestEmitRejectsUnknownTypesAndMissingTx(t *testing.T) {
	svc := NewService(nil, nil)
	err := svc.Emit(context.Background(), nil, DomainEvent{EventType: enums.EventOrderPaid, AggregateType: enums.AggregateOrder})
	require.Error(t, err)

	conn := testdb.Open(t, "outbox_invalid")
	svc = NewService(NewRepository(conn), nil)
	err = svc.Emit(context.Background(), conn, DomainEvent{EventType: "nope", AggregateType: enums.AggregateOrder})
	require.Error(t, err)
}

func TestRepositoryPublishLifecycle(t *testing.T) {
	conn := testdb.Open(t, "outbox_repo")
	repo := NewRepository(conn)
	svc := NewService(repo, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Emit(context.Background(), conn, DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   uuid.New(),
			Data:          map[string]int{"i": i},
		}))
	}

	rows, err := repo.FetchUnpublishedForPublish(conn, 10, 5)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	require.NoError(t, repo.MarkPublishedTx(conn, rows[0].ID))
	require.NoError(t, repo.MarkFailedTx(conn, rows[1].ID, errors.New("pubsub down")))
	require.NoError(t, repo.MarkTerminalTx(conn, rows[2].ID, errors.New("bad payload")))

	remaining, err := repo.FetchUnpublished(10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, rows[1].ID, remaining[0].ID)
	assert.Equal(t, 1, remaining[0].AttemptCount)
	require.NotNil(t, remaining[0].LastError)
	assert.Equal(t, "pubsub down", *remaining[0].LastError)

	exhausted, err := repo.FetchUnpublishedForPublish(conn, 10, 1)
	require.NoError(t, err)
	assert.Empty(t, exhausted)
}

func TestDLQRepositoryTruncatesErrors(t *testing.T) {
	conn := testdb.Open(t, "outbox_dlq")
	repo := NewDLQRepository(conn)

	long := make([]byte, maxDLQErrorLen+50)
	for i := range long {
		long[i] = 'x'
	}
	msg := string(long)
	eventID := uuid.New()
	require.NoError(t, repo.InsertTx(conn, models.OutboxDLQ{
		EventID:       eventID,
		EventType:     enums.EventOrderPaid,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		Payload:       json.RawMessage(`{}`),
		ErrorReason:   enums.OutboxDLQReasonMaxAttempts,
		ErrorMessage:  &msg,
		AttemptCount:  10,
	}))

	found, err := repo.FindByEventID(context.Background(), eventID)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.NotNil(t, found.ErrorMessage)
	assert.Len(t, *found.ErrorMessage, maxDLQErrorLen)

	var rows int64
	require.NoError(t, conn.Raw("SELECT COUNT(*) FROM outbox_dlq WHERE event_id = ?", eventID).Scan(&rows).Error)
	assert.Equal(t, int64(1), rows)

	missing, err := repo.FindByEventID(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}
