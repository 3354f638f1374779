package orders

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/storefront-fulfillment/internal/testdb"
	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
	"github.com/angelmondragon/storefront-fulfillment/pkg/types"
)

func newOrder(number int64, method enums.PaymentMethod) *models.Order {
	return &models.Order{
		OrderNumber:      number,
		UserID:           uuid.New(),
		Status:           enums.OrderStatusPending,
		PaymentMethod:    method,
		PaymentStatus:    enums.PaymentStatusPending,
		ShippingAddress:  types.ShippingAddress{FullName: "Sara", Phone: "1", Line1: "x", City: "Jeddah", Country: "SA"},
		ShippingProvider: "standard",
	}
}

func TestRepositoryTransitionPaymentIsCompareAndSet(t *testing.T) {
	conn := testdb.Open(t, "orders_repo_cas")
	repo := NewRepository(conn)
	ctx := context.Background()
	order := newOrder(1001, enums.PaymentMethodTap)
	require.NoError(t, repo.Create(ctx, order))

	confirmed := enums.OrderStatusConfirmed
	ok, err := repo.TransitionPayment(ctx, order.ID, enums.PaymentStatusPending, enums.PaymentStatusPaid, &confirmed)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TransitionPayment(ctx, order.ID, enums.PaymentStatusPending, enums.PaymentStatusPaid, &confirmed)
	require.NoError(t, err)
	assert.False(t, ok)

	loaded, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPaid, loaded.PaymentStatus)
	assert.Equal(t, enums.OrderStatusConfirmed, loaded.Status)
}

func TestRepositoryLookupsAndMaxNumber(t *testing.T) {
	conn := testdb.Open(t, "orders_repo_lookup")
	repo := NewRepository(conn)
	ctx := context.Background()

	max, err := repo.MaxOrderNumber(ctx)
	require.NoError(t, err)
	assert.Zero(t, max)

	first := newOrder(1001, enums.PaymentMethodTap)
	second := newOrder(1002, enums.PaymentMethodTabby)
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))

	max, err = repo.MaxOrderNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1002), max)

	require.NoError(t, repo.SetPaymentSession(ctx, first.ID, "chg_123", map[string]any{"url": "https://pay"}))
	found, err := repo.FindBySessionID(ctx, enums.PaymentMethodTap, "chg_123")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
	assert.Equal(t, "https://pay", found.PaymentData["url"])

	_, err = repo.FindBySessionID(ctx, enums.PaymentMethodTabby, "chg_123")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	require.NoError(t, repo.SetTracking(ctx, second.ID, "ARX1", "aramex"))
	found, err = repo.FindByTrackingNumber(ctx, "ARX1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, found.ID)
	require.NotNil(t, found.ShippingCompany)
	assert.Equal(t, "aramex", *found.ShippingCompany)

	_, err = repo.FindByTrackingNumber(ctx, "")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestRepositoryListStalePendingRedirect(t *testing.T) {
	conn := testdb.Open(t, "orders_repo_stale")
	repo := NewRepository(conn)
	ctx := context.Background()

	stale := newOrder(1001, enums.PaymentMethodTamara)
	cod := newOrder(1002, enums.PaymentMethodCOD)
	fresh := newOrder(1003, enums.PaymentMethodTap)
	for _, o := range []*models.Order{stale, cod, fresh} {
		require.NoError(t, repo.Create(ctx, o))
	}
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, conn.Model(&models.Order{}).Where("id IN ?", []uuid.UUID{stale.ID, cod.ID}).UpdateColumn("created_at", old).Error)

	rows, err := repo.ListStalePendingRedirect(ctx, time.Now().Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, stale.ID, rows[0].ID)
}

func TestRepositoryHistoryIsOrdered(t *testing.T) {
	conn := testdb.Open(t, "orders_repo_history")
	repo := NewRepository(conn)
	ctx := context.Background()
	order := newOrder(1001, enums.PaymentMethodCOD)
	require.NoError(t, repo.Create(ctx, order))

	require.NoError(t, repo.AppendHistory(ctx, &models.OrderStatusHistory{OrderID: order.ID, Status: enums.OrderStatusPending, Source: SourceCheckout, CreatedAt: time.Now().Add(-time.Minute)}))
	require.NoError(t, repo.AppendHistory(ctx, &models.OrderStatusHistory{OrderID: order.ID, Status: enums.OrderStatusConfirmed, Source: SourceCheckout}))
	assert.Error(t, repo.AppendHistory(ctx, &models.OrderStatusHistory{Status: enums.OrderStatusPending}))

	rows, err := repo.ListHistory(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, enums.OrderStatusPending, rows[0].Status)
	assert.Equal(t, enums.OrderStatusConfirmed, rows[1].Status)
}
