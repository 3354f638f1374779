package checkout

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
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
	"github.com/angelmondragon/storefront-fulfillment/pkg/types"
)

type redirectAdapter struct {
	method     enums.PaymentMethod
	commission payments.Commission
}

func (a redirectAdapter) Method() enums.PaymentMethod     { return a.method }
func (a redirectAdapter) Synchronous() bool               { return false }
func (a redirectAdapter) Commission() payments.Commission { return a.commission }
func (a redirectAdapter) CreateSession(context.Context, *models.Order) (*payments.Session, error) {
	return &payments.Session{SessionID: "sess", RedirectURL: "https://pay.example/sess"}, nil
}
func (a redirectAdapter) NormalizeCallback(string) (enums.PaymentStatus, bool) {
	return enums.PaymentStatusPending, true
}
func (a redirectAdapter) VerifyWebhook(http.Header, url.Values, []byte) error { return nil }
func (a redirectAdapter) ParseWebhook([]byte) (*payments.Notification, error) {
	return &payments.Notification{}, nil
}
func (a redirectAdapter) FetchStatus(context.Context, string) (string, error) { return "", nil }
func (a redirectAdapter) CallbackSessionID(url.Values) string                 { return "" }

type shipmentCalls struct {
	mu     sync.Mutex
	orders []uuid.UUID
}

func (s *shipmentCalls) EnsureShipment(_ context.Context, order *models.Order, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, order.ID)
}

func (s *shipmentCalls) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

type fixedNumbers struct{ n int64 }

func (f fixedNumbers) Next(context.Context) (int64, error) { return f.n, nil }

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *countingRecorder) CheckoutCompleted(method, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[method+":"+outcome]++
}

type fixture struct {
	conn      *gorm.DB
	svc       Service
	shipments *shipmentCalls
	metrics   *countingRecorder
}

func newFixture(t *testing.T, name string, numbers numberAllocator) fixture {
	t.Helper()
	shipments := &shipmentCalls{}
	f := newFixtureWith(t, name, numbers, func(*gorm.DB) shipmentRequester { return shipments })
	f.shipments = shipments
	return f
}

func newFixtureWith(t *testing.T, name string, numbers numberAllocator, requester func(*gorm.DB) shipmentRequester) fixture {
	t.Helper()
	conn := testdb.Open(t, name)
	repo := orders.NewRepository(conn)
	if numbers == nil {
		allocator, err := NewNumberAllocator(newMemoryCounter(), repo, 1000)
		require.NoError(t, err)
		numbers = allocator
	}
	registry, err := payments.NewRegistry(
		payments.NewCODAdapter("courier-secret"),
		redirectAdapter{method: enums.PaymentMethodTap},
		redirectAdapter{method: enums.PaymentMethodTabby, commission: payments.Commission{Rate: decimal.RequireFromString("0.05"), Label: "Tabby fee"}},
	)
	require.NoError(t, err)

	metrics := &countingRecorder{}
	svc, err := NewService(
		pkgdb.FromGorm(conn),
		NewProductRepository(conn),
		repo,
		requester(conn),
		inventory.NewLedger(nil, nil),
		registry,
		numbers,
		outbox.NewService(outbox.NewRepository(conn), nil),
		metrics,
		Config{TaxRate: decimal.RequireFromString("0.15")},
		nil,
	)
	require.NoError(t, err)
	return fixture{conn: conn, svc: svc, metrics: metrics}
}

func (f fixture) seedProduct(t *testing.T, price int64, stock int, options types.ProductOptions) models.Product {
	t.Helper()
	if options == nil {
		options = types.ProductOptions{}
	}
	p := models.Product{Name: "Phone", BasePriceCents: price, Stock: stock, Options: options}
	require.NoError(t, f.conn.Create(&p).Error)
	return p
}

func (f fixture) stock(t *testing.T, id uuid.UUID) (int, int) {
	t.Helper()
	var p models.Product
	require.NoError(t, f.conn.First(&p, "id = ?", id).Error)
	return p.Stock, p.Sales
}

func (f fixture) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.conn.Model(model).Where(query, args...).Count(&n).Error)
	return n
}

func address() types.ShippingAddress {
	return types.ShippingAddress{FullName: "Sara Ali", Phone: "+966500000000", Line1: "King Fahd Rd", City: "Riyadh", Country: "SA"}
}

func input(method string, productID uuid.UUID, qty int) CheckoutInput {
	return CheckoutInput{
		UserID:          uuid.New(),
		Items:           []LineInput{{ProductID: productID, Quantity: qty}},
		ShippingAddress: address(),
		PaymentMethod:   method,
		ShippingCost:    decimal.RequireFromString("30"),
	}
}

func TestCheckoutRedirectOrderMatchesWorkedTotals(t *testing.T) {
	f := newFixture(t, "checkout_totals", nil)
	product := f.seedProduct(t, 25000, 5, nil)

	result, err := f.svc.Checkout(context.Background(), input("tap", product.ID, 2))
	require.NoError(t, err)

	view := result.Order
	assert.True(t, result.PaymentRequired)
	assert.Equal(t, "500", view.Subtotal.String())
	assert.Equal(t, "30", view.ShippingCost.String())
	assert.Equal(t, "79.5", view.Tax.String())
	assert.Equal(t, "609.5", view.Total.String())
	assert.Equal(t, int64(1001), view.OrderNumber)
	assert.Equal(t, enums.OrderStatusPending, view.Status)
	assert.Equal(t, enums.PaymentStatusPending, view.PaymentStatus)
	assert.Equal(t, "standard", view.ShippingProvider)
	assert.False(t, view.StockUpdated)
	require.Len(t, view.History, 1)
	assert.Equal(t, orders.SourceCheckout, view.History[0].Source)

	stock, sales := f.stock(t, product.ID)
	assert.Equal(t, 5, stock)
	assert.Equal(t, 0, sales)
	assert.Equal(t, int64(1), f.count(t, &models.OutboxEvent{}, "event_type = ?", enums.EventOrderCreated))
	assert.Equal(t, 0, f.shipments.count())
	assert.Equal(t, 1, f.metrics.outcomes["tap:created"])
}

func TestCheckoutAddsProviderCommissionBeforeTax(t *testing.T) {
	f := newFixture(t, "checkout_commission", nil)
	product := f.seedProduct(t, 10000, 5, nil)

	in := input("tabby", product.ID, 1)
	in.ShippingCost = decimal.RequireFromString("10")
	result, err := f.svc.Checkout(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "5.5", result.Order.Commission.String())
	assert.Equal(t, "17.33", result.Order.Tax.String())
	assert.Equal(t, "132.83", result.Order.Total.String())
	require.NotNil(t, result.Order.CommissionLabel)
	assert.Equal(t, "Tabby fee", *result.Order.CommissionLabel)
}

func TestCheckoutCashOnDeliveryDecrementsAndConfirms(t *testing.T) {
	f := newFixture(t, "checkout_cod", nil)
	product := f.seedProduct(t, 25000, 3, nil)

	result, err := f.svc.Checkout(context.Background(), input("cod", product.ID, 2))
	require.NoError(t, err)

	assert.False(t, result.PaymentRequired)
	assert.Equal(t, enums.OrderStatusConfirmed, result.Order.Status)
	assert.Equal(t, enums.PaymentStatusPending, result.Order.PaymentStatus)
	assert.True(t, result.Order.StockUpdated)
	require.Len(t, result.Order.History, 2)
	assert.Equal(t, enums.OrderStatusConfirmed, result.Order.History[1].Status)

	stock, sales := f.stock(t, product.ID)
	assert.Equal(t, 1, stock)
	assert.Equal(t, 2, sales)
	assert.Equal(t, int64(1), f.count(t, &models.OutboxEvent{}, "event_type = ?", enums.EventOrderConfirmed))
	assert.Equal(t, 1, f.shipments.count())
}

type downCarrier struct{}

func (downCarrier) CreateShipment(context.Context, *models.Order) (*models.Shipment, error) {
	return nil, pkgerrors.New(pkgerrors.CodeDependency, "carrier unavailable")
}

func TestCheckoutCashOnDeliverySurvivesCarrierFailure(t *testing.T) {
	f := newFixtureWith(t, "checkout_cod_carrier_down", nil, func(conn *gorm.DB) shipmentRequester {
		svc, err := orders.NewService(
			pkgdb.FromGorm(conn),
			orders.NewRepository(conn),
			inventory.NewLedger(nil, nil),
			outbox.NewService(outbox.NewRepository(conn), nil),
			downCarrier{},
			nil,
		)
		require.NoError(t, err)
		return svc
	})
	product := f.seedProduct(t, 25000, 3, nil)

	result, err := f.svc.Checkout(context.Background(), input("cod", product.ID, 1))
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusConfirmed, result.Order.Status)
	assert.Nil(t, result.Order.TrackingNumber)

	var stored models.Order
	require.NoError(t, f.conn.First(&stored, "id = ?", result.Order.ID).Error)
	assert.Equal(t, enums.OrderStatusConfirmed, stored.Status)
	assert.True(t, stored.StockUpdated)
	assert.Equal(t, int64(1), f.count(t, &models.OrderStatusHistory{}, "order_id = ? AND note LIKE ?", stored.ID, "shipment creation failed%"))
	stock, _ := f.stock(t, product.ID)
	assert.Equal(t, 2, stock)
}

func TestCheckoutResolvesLegacyOptionFields(t *testing.T) {
	f := newFixture(t, "checkout_options", nil)
	product := f.seedProduct(t, 20000, 5, types.ProductOptions{
		{Type: enums.OptionTypeColor, Name: "Color", Value: "Blue", PriceCents: 0},
		{Type: enums.OptionTypeStorage, Name: "Storage", Value: "256GB", PriceCents: 5000},
	})

	storage := "256gb"
	in := input("tap", product.ID, 1)
	in.Items[0].Options = orders.OptionSelection{Storage: &storage}
	result, err := f.svc.Checkout(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, result.Order.Items, 1)
	assert.Equal(t, "250", result.Order.Items[0].UnitPrice.String())
	require.Len(t, result.Order.Items[0].SelectedOptions, 1)
	assert.Equal(t, "256GB", result.Order.Items[0].SelectedOptions[0].Value)
}

func TestCheckoutLastUnitRaceLeavesOneWinner(t *testing.T) {
	f := newFixture(t, "checkout_race", nil)
	product := f.seedProduct(t, 25000, 1, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Checkout(context.Background(), input("cod", product.ID, 1))
		}(i)
	}
	wg.Wait()

	succeeded, outOfStock := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case pkgerrors.IsCode(err, pkgerrors.CodeOutOfStock):
			outOfStock++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, outOfStock)

	stock, sales := f.stock(t, product.ID)
	assert.Equal(t, 0, stock)
	assert.Equal(t, 1, sales)
	assert.Equal(t, int64(1), f.count(t, &models.Order{}, "1 = 1"))
}

func TestCheckoutRejectsOverAskBeforePersisting(t *testing.T) {
	f := newFixture(t, "checkout_advisory", nil)
	product := f.seedProduct(t, 25000, 1, nil)

	_, err := f.svc.Checkout(context.Background(), input("tap", product.ID, 2))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeOutOfStock))
	assert.Equal(t, int64(0), f.count(t, &models.Order{}, "1 = 1"))
	assert.Equal(t, 1, f.metrics.outcomes["tap:out_of_stock"])
}

func TestCheckoutOrderNumberCollisionFails(t *testing.T) {
	f := newFixture(t, "checkout_collision", fixedNumbers{n: 4242})
	product := f.seedProduct(t, 1000, 10, nil)

	_, err := f.svc.Checkout(context.Background(), input("cod", product.ID, 1))
	require.NoError(t, err)

	_, err = f.svc.Checkout(context.Background(), input("cod", product.ID, 1))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeOrderNumberCollision))

	stock, _ := f.stock(t, product.ID)
	assert.Equal(t, 9, stock)
	assert.Equal(t, int64(1), f.count(t, &models.Order{}, "1 = 1"))
}

func TestCheckoutUnknownProduct(t *testing.T) {
	f := newFixture(t, "checkout_missing", nil)

	_, err := f.svc.Checkout(context.Background(), input("cod", uuid.New(), 1))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeProductNotFound))
}

func TestCheckoutValidatesInput(t *testing.T) {
	f := newFixture(t, "checkout_validation", nil)
	product := f.seedProduct(t, 1000, 10, nil)

	noCity := input("cod", product.ID, 1)
	noCity.ShippingAddress.City = " "
	_, err := f.svc.Checkout(context.Background(), noCity)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidShippingAddress))
	assert.Equal(t, []string{"city"}, pkgerrors.As(err).Details().(map[string]any)["missing"])

	zeroQty := input("cod", product.ID, 0)
	_, err = f.svc.Checkout(context.Background(), zeroQty)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = f.svc.Checkout(context.Background(), input("paypal", product.ID, 1))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnsupportedPaymentMethod))

	assert.Equal(t, int64(0), f.count(t, &models.Order{}, "1 = 1"))
}
