package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
)

type memoryKV map[string]string

func (m memoryKV) Get(_ context.Context, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m memoryKV) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m[key]; ok {
		return false, nil
	}
	s, _ := value.(string)
	m[key] = s
	return true, nil
}

func (m memoryKV) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m, k)
	}
	return nil
}

func (m memoryKV) IdempotencyKey(scope, id string) string { return "idem:" + scope + ":" + id }

// countingHandler answers every call with status and counts the calls.
type countingHandler struct {
	calls  int
	status func(call int) int
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.calls++
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(h.status(h.calls))
	_, _ = w.Write([]byte(`{"data":{"orderNumber":1001}}`))
}

func always(status int) func(int) int { return func(int) int { return status } }

// post sends a checkout-shaped request through mw as if chi had matched pattern.
func post(h http.Handler, pattern, key, userID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rc := chi.NewRouteContext()
	rc.RoutePatterns = []string{pattern}
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rc)
	if userID != "" {
		ctx = WithUserID(ctx, userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(ctx))
	return rec
}

func TestRouteTTLSelection(t *testing.T) {
	cases := []struct {
		method, pattern string
		ttl             time.Duration
		ok              bool
	}{
		{http.MethodPost, "/api/v1/orders", criticalIdempotencyTTL, true},
		{http.MethodPost, "/api/v1/orders/", criticalIdempotencyTTL, true},
		{http.MethodPost, "/api/v1/payments/{provider}/checkout", defaultIdempotencyTTL, true},
		{http.MethodPatch, "/api/v1/orders/{orderId}/status", defaultIdempotencyTTL, true},
		{http.MethodPatch, "/api/v1/orders/{orderId}/payment-status", defaultIdempotencyTTL, true},
		{http.MethodGet, "/api/v1/orders/{orderId}", 0, false},
		{http.MethodPost, "/api/v1/webhooks/{provider}", 0, false},
	}
	for _, tc := range cases {
		ttl, ok := routeTTL(tc.method, tc.pattern)
		assert.Equal(t, tc.ok, ok, "%s %s", tc.method, tc.pattern)
		assert.Equal(t, tc.ttl, ttl, "%s %s", tc.method, tc.pattern)
	}
}

func TestIdempotencyRequiresKeyOnCheckout(t *testing.T) {
	next := &countingHandler{status: always(http.StatusCreated)}
	rec := post(Idempotency(memoryKV{}, nil)(next), "/api/v1/orders/", "", "", `{"items":[]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, next.calls)
}

func TestIdempotencyReplaysFirstResponse(t *testing.T) {
	next := &countingHandler{status: always(http.StatusCreated)}
	mw := Idempotency(memoryKV{}, nil)(next)

	first := post(mw, "/api/v1/orders", "k-1", "buyer-1", `{"items":[1]}`)
	replay := post(mw, "/api/v1/orders", "k-1", "buyer-1", `{"items":[1]}`)

	require.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "application/json", replay.Header().Get("Content-Type"))
	assert.JSONEq(t, first.Body.String(), replay.Body.String())
	assert.Equal(t, 1, next.calls)
}

func TestIdempotencyKeysAreScopedPerBuyer(t *testing.T) {
	next := &countingHandler{status: always(http.StatusCreated)}
	mw := Idempotency(memoryKV{}, nil)(next)

	post(mw, "/api/v1/orders", "shared", "buyer-1", `{}`)
	post(mw, "/api/v1/orders", "shared", "buyer-2", `{}`)
	assert.Equal(t, 2, next.calls)
}

func TestIdempotencyRejectsReusedKeyWithNewBody(t *testing.T) {
	next := &countingHandler{status: always(http.StatusCreated)}
	mw := Idempotency(memoryKV{}, nil)(next)

	post(mw, "/api/v1/orders", "k-2", "buyer-1", `{"qty":1}`)
	rec := post(mw, "/api/v1/orders", "k-2", "buyer-1", `{"qty":2}`)

	require.Equal(t, http.StatusConflict, rec.Code)
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(pkgerrors.CodeIdempotency), body.Error.Code)
	assert.Equal(t, 1, next.calls)
}

func TestIdempotencySkipsStoringServerErrors(t *testing.T) {
	store := memoryKV{}
	next := &countingHandler{status: func(call int) int {
		if call == 1 {
			return http.StatusServiceUnavailable
		}
		return http.StatusCreated
	}}
	mw := Idempotency(store, nil)(next)

	assert.Equal(t, http.StatusServiceUnavailable, post(mw, "/api/v1/orders", "k-3", "buyer-1", `{}`).Code)
	assert.Equal(t, http.StatusCreated, post(mw, "/api/v1/orders", "k-3", "buyer-1", `{}`).Code)
	assert.Equal(t, 2, next.calls)
	assert.Len(t, store, 1)
}
