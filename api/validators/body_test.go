package validators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
)

type sampleBody struct {
	OrderID  string `json:"orderId" validate:"required,uuid"`
	Quantity int    `json:"quantity" validate:"gt=0"`
}

func TestDecodeJSONBodyReportsFieldsByJSONName(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"orderId":"nope","quantity":0}`))
	var body sampleBody
	err := DecodeJSONBody(req, &body)
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	details, ok := typed.Details().(map[string]string)
	if !ok {
		t.Fatalf("unexpected details %T", typed.Details())
	}
	if details["orderId"] != "must be a valid uuid" || details["quantity"] != "must be greater than 0" {
		t.Fatalf("unexpected details %v", details)
	}
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"orderId":"x","extra":1}`))
	var body sampleBody
	if err := DecodeJSONBody(req, &body); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestParseUUIDParam(t *testing.T) {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("orderId", "not-a-uuid")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	if _, err := ParseUUIDParam(req, "orderId"); err == nil {
		t.Fatal("expected invalid uuid to fail")
	}
	if _, err := StringParam(req, "missing", 64); err == nil {
		t.Fatal("expected missing param to fail")
	}
}
