package tabby

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestCreateSessionFillsMerchantCode(t *testing.T) {
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		require.Equal(t, "http://tabby.test/api/v2/checkout", req.URL.String())
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "store_sa", payload["merchant_code"])
		assert.Equal(t, "en", payload["lang"])
		return &http.Response{
			StatusCode: http.StatusOK,
			Body: io.NopCloser(strings.NewReader(`{"id":"sess_1","status":"created","payment":{"id":"pay_1"},
				"configuration":{"available_products":{"installments":[{"web_url":"https://checkout.tabby/sess_1"}]}}}`)),
			Header: http.Header{},
		}, nil
	})
	client, err := NewClient("sk", "store_sa", WithBaseURL("http://tabby.test/api/v2"), WithHTTPClient(&http.Client{Transport: rt}))
	require.NoError(t, err)

	req := SessionRequest{}
	req.Payment.Order.ReferenceID = "ord-1"
	session, err := client.CreateSession(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "pay_1", session.PaymentID)
	assert.Equal(t, "https://checkout.tabby/sess_1", session.WebURL)
}

func TestCreateSessionRejected(t *testing.T) {
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{"id":"sess_2","status":"rejected"}`)), Header: http.Header{}}, nil
	})
	client, err := NewClient("sk", "store_sa", WithBaseURL("http://tabby.test/api/v2"), WithHTTPClient(&http.Client{Transport: rt}))
	require.NoError(t, err)

	req := SessionRequest{}
	req.Payment.Order.ReferenceID = "ord-1"
	_, err = client.CreateSession(context.Background(), req)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestGetPaymentTransportError(t *testing.T) {
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return nil, context.DeadlineExceeded
	})
	client, err := NewClient("sk", "", WithHTTPClient(&http.Client{Transport: rt}))
	require.NoError(t, err)

	_, err = client.GetPayment(context.Background(), "pay_1")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
}

func TestVerifyHeaderAndParse(t *testing.T) {
	assert.True(t, VerifyHeader("secret", " secret "))
	assert.False(t, VerifyHeader("secret", "nope"))
	assert.False(t, VerifyHeader("", ""))

	payment, err := ParsePayment([]byte(`{"id":"pay_1","status":"CLOSED","order":{"reference_id":"ord-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "ord-1", payment.Order.ReferenceID)
	_, err = ParsePayment([]byte(`{"status":"CLOSED"}`))
	assert.Error(t, err)
}
