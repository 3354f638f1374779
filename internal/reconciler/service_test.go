package reconciler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-fulfillment/internal/inventory"
	"github.com/angelmondragon/storefront-fulfillment/internal/orders"
	"github.com/angelmondragon/storefront-fulfillment/internal/payments"
	"github.com/angelmondragon/storefront-fulfillment/internal/testdb"
	pkgdb "github.com/angelmondragon/storefront-fulfillment/pkg/db"
	"github.com/angelmondragon/storefront-fulfillment/pkg/db/models"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
	"github.com/angelmondragon/storefront-fulfillment/pkg/outbox"
	"github.com/angelmondragon/storefront-fulfillment/pkg/tap"
	"github.com/angelmondragon/storefront-fulfillment/pkg/types"
)

const tapSecret = "tap-webhook-secret"

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore { return &memoryStore{data: map[string]string{}} }

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memoryStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = "1"
	return true, nil
}

func (m *memoryStore) IdempotencyKey(scope, id string) string {
	return "sf:idempotency:" + scope + ":" + id
}

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memoryStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

type fakeTap struct {
	status string
	err    error
	calls  int
}

func (f *fakeTap) CreateCharge(context.Context, tap.ChargeRequest) (*tap.Charge, error) {
	return nil, errors.New("not used")
}

func (f *fakeTap) GetCharge(_ context.Context, id string) (*tap.Charge, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &tap.Charge{ID: id, Status: f.status}, nil
}

type outcomeCounter struct {
	counts map[string]int
}

func (o *outcomeCounter) WebhookEvent(provider, outcome string) {
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[provider+":"+outcome]++
}

type fixture struct {
	conn    *gorm.DB
	repo    orders.Repository
	applier orders.Service
	tap     *fakeTap
	store   *memoryStore
	metrics *outcomeCounter
	svc     *Service
}

func newFixture(t *testing.T, name string) fixture {
	t.Helper()
	conn := testdb.Open(t, name)
	repo := orders.NewRepository(conn)
	applier, err := orders.NewService(
		pkgdb.FromGorm(conn),
		repo,
		inventory.NewLedger(nil, nil),
		outbox.NewService(outbox.NewRepository(conn), nil),
		nil,
		nil,
	)
	require.NoError(t, err)

	fake := &fakeTap{status: "CAPTURED"}
	tapAdapter, err := payments.NewTapAdapter(fake, payments.TapOptions{WebhookSecret: tapSecret, Currency: "SAR"})
	require.NoError(t, err)
	registry, err := payments.NewRegistry(tapAdapter, payments.NewCODAdapter("courier-secret"))
	require.NoError(t, err)

	store := newMemoryStore()
	guard, err := NewIdempotencyGuard(store, time.Hour)
	require.NoError(t, err)
	metrics := &outcomeCounter{}

	svc, err := NewService(registry, repo, applier, guard, metrics, Config{}, nil)
	require.NoError(t, err)
	return fixture{conn: conn, repo: repo, applier: applier, tap: fake, store: store, metrics: metrics, svc: svc}
}

func (f fixture) seedTapOrder(t *testing.T, stock, qty int) (*models.Order, uuid.UUID) {
	t.Helper()
	product := models.Product{Name: "Phone", BasePriceCents: 50000, Stock: stock, Options: types.ProductOptions{}}
	require.NoError(t, f.conn.Create(&product).Error)
	session := "chg_" + uuid.NewString()[:8]
	order := &models.Order{
		OrderNumber:      1001,
		UserID:           uuid.New(),
		Status:           enums.OrderStatusPending,
		PaymentMethod:    enums.PaymentMethodTap,
		PaymentStatus:    enums.PaymentStatusPending,
		PaymentSessionID: &session,
		SubtotalCents:    50000 * int64(qty),
		ShippingAddress:  types.ShippingAddress{FullName: "Sara", Phone: "0500000000", Line1: "King Fahd Rd", City: "Riyadh", Country: "SA"},
		ShippingProvider: "standard",
		Items: []models.OrderItem{{
			ProductID:       product.ID,
			Name:            product.Name,
			UnitPriceCents:  50000,
			Quantity:        qty,
			SelectedOptions: types.ProductOptions{},
		}},
	}
	require.NoError(t, f.conn.Create(order).Error)
	return order, product.ID
}

func (f fixture) reload(t *testing.T, id uuid.UUID) *models.Order {
	t.Helper()
	order, err := f.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return order
}

func (f fixture) stock(t *testing.T, id uuid.UUID) int {
	t.Helper()
	var p models.Product
	require.NoError(t, f.conn.First(&p, "id = ?", id).Error)
	return p.Stock
}

func tapBody(chargeID, status, orderID string) []byte {
	return []byte(`{"id":"` + chargeID + `","status":"` + status + `","metadata":{"orderId":"` + orderID + `"}}`)
}

func signed(body []byte) http.Header {
	h := http.Header{}
	h.Set(tap.SignatureHeader, tap.Sign(tapSecret, body))
	return h
}

func TestWebhookReplaysApplyOnce(t *testing.T) {
	f := newFixture(t, "reconcile_replay")
	order, productID := f.seedTapOrder(t, 5, 2)
	body := tapBody(*order.PaymentSessionID, "CAPTURED", order.ID.String())

	first, err := f.svc.HandleWebhook(context.Background(), "tap", signed(body), nil, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first.Outcome)
	assert.Equal(t, enums.PaymentStatusPaid, first.PaymentStatus)
	assert.Equal(t, enums.OrderStatusConfirmed, first.OrderStatus)

	for i := 0; i < 3; i++ {
		again, err := f.svc.HandleWebhook(context.Background(), "tap", signed(body), nil, body)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, again.Outcome)
	}

	// With the guard gone the payment status CAS still absorbs the replay.
	unguarded, err := NewService(f.svc.registry, f.repo, f.applier, nil, nil, Config{}, nil)
	require.NoError(t, err)
	replay, err := unguarded.HandleWebhook(context.Background(), "tap", signed(body), nil, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, replay.Outcome)

	reloaded := f.reload(t, order.ID)
	assert.True(t, reloaded.StockUpdated)
	assert.Len(t, reloaded.History, 1)
	assert.Equal(t, 3, f.stock(t, productID))
	assert.Equal(t, 1, f.metrics.counts["tap:applied"])
	assert.Equal(t, 3, f.metrics.counts["tap:duplicate"])
}

func TestWebhookDeclinedKeepsStock(t *testing.T) {
	f := newFixture(t, "reconcile_declined")
	order, productID := f.seedTapOrder(t, 5, 1)
	body := tapBody(*order.PaymentSessionID, "DECLINED", order.ID.String())

	result, err := f.svc.HandleWebhook(context.Background(), "tap", signed(body), nil, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)

	reloaded := f.reload(t, order.ID)
	assert.Equal(t, enums.PaymentStatusDeclined, reloaded.PaymentStatus)
	assert.Equal(t, enums.OrderStatusPending, reloaded.Status)
	assert.False(t, reloaded.StockUpdated)
	assert.Len(t, reloaded.History, 1)
	assert.Equal(t, 5, f.stock(t, productID))
}

func TestWebhookBadSignatureMutatesNothing(t *testing.T) {
	f := newFixture(t, "reconcile_signature")
	order, productID := f.seedTapOrder(t, 5, 1)
	body := tapBody(*order.PaymentSessionID, "CAPTURED", order.ID.String())

	header := http.Header{}
	header.Set(tap.SignatureHeader, tap.Sign("wrong", body))
	_, err := f.svc.HandleWebhook(context.Background(), "tap", header, nil, body)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized))

	reloaded := f.reload(t, order.ID)
	assert.Equal(t, enums.PaymentStatusPending, reloaded.PaymentStatus)
	assert.Empty(t, reloaded.History)
	assert.Equal(t, 5, f.stock(t, productID))
	assert.Zero(t, f.store.len())
	assert.Equal(t, 1, f.metrics.counts["tap:rejected"])
}

func TestWebhookDevBypassSkipsVerification(t *testing.T) {
	f := newFixture(t, "reconcile_bypass")
	order, _ := f.seedTapOrder(t, 5, 1)
	body := tapBody(*order.PaymentSessionID, "CAPTURED", order.ID.String())

	bypass, err := NewService(f.svc.registry, f.repo, f.applier, nil, nil, Config{DevBypass: true}, nil)
	require.NoError(t, err)
	result, err := bypass.HandleWebhook(context.Background(), "tap", http.Header{}, nil, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
}

func TestWebhookUnknownOrderReleasesGuard(t *testing.T) {
	f := newFixture(t, "reconcile_unknown")
	body := tapBody("chg_missing", "CAPTURED", uuid.NewString())

	_, err := f.svc.HandleWebhook(context.Background(), "tap", signed(body), nil, body)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	assert.Zero(t, f.store.len())

	var count int64
	require.NoError(t, f.conn.Model(&models.Order{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, 1, f.metrics.counts["tap:not_found"])
}

func TestWebhookFallsBackToSessionID(t *testing.T) {
	f := newFixture(t, "reconcile_session")
	order, _ := f.seedTapOrder(t, 5, 1)
	body := tapBody(*order.PaymentSessionID, "ABANDONED", "")

	result, err := f.svc.HandleWebhook(context.Background(), "tap", signed(body), nil, body)
	require.NoError(t, err)
	assert.Equal(t, order.ID, result.OrderID)
	assert.Equal(t, enums.PaymentStatusExpired, result.PaymentStatus)
	assert.Equal(t, enums.OrderStatusCancelled, result.OrderStatus)
}

func TestWebhookUnknownStatusIsIgnored(t *testing.T) {
	f := newFixture(t, "reconcile_ignored")
	order, _ := f.seedTapOrder(t, 5, 1)
	body := tapBody(*order.PaymentSessionID, "SOMETHING_NEW", order.ID.String())

	result, err := f.svc.HandleWebhook(context.Background(), "tap", signed(body), nil, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
	assert.Equal(t, enums.PaymentStatusPending, f.reload(t, order.ID).PaymentStatus)
}

func TestCallbackFetchesStatusFromProvider(t *testing.T) {
	f := newFixture(t, "reconcile_callback")
	order, productID := f.seedTapOrder(t, 5, 1)

	query := url.Values{"tap_id": {*order.PaymentSessionID}, "status": {"DECLINED"}}
	result, err := f.svc.HandleCallback(context.Background(), "tap", query)
	require.NoError(t, err)

	assert.Equal(t, 1, f.tap.calls)
	assert.Equal(t, enums.PaymentStatusPaid, result.PaymentStatus)
	assert.Equal(t, 4, f.stock(t, productID))
}

func TestCallbackProviderFailureLeavesOrderPending(t *testing.T) {
	f := newFixture(t, "reconcile_callback_down")
	order, _ := f.seedTapOrder(t, 5, 1)
	f.tap.err = errors.New("connection reset")

	_, err := f.svc.HandleCallback(context.Background(), "tap", url.Values{"tap_id": {*order.PaymentSessionID}})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
	assert.Equal(t, enums.PaymentStatusPending, f.reload(t, order.ID).PaymentStatus)
}

func TestCallbackRejectsSynchronousMethod(t *testing.T) {
	f := newFixture(t, "reconcile_callback_cod")

	_, err := f.svc.HandleCallback(context.Background(), "cod", url.Values{})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
