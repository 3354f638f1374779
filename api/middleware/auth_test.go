package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-fulfillment/pkg/auth"
	"github.com/angelmondragon/storefront-fulfillment/pkg/config"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
)

var testJWT = config.JWTConfig{Secret: "secret", Issuer: "issuer"}

func TestAuthRejectsMissingToken(t *testing.T) {
	handler := Auth(testJWT, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}

func TestAuthRejectsInvalidToken(t *testing.T) {
	handler := Auth(testJWT, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer invalid")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}

func TestAuthAllowsValidToken(t *testing.T) {
	userID := uuid.New()
	token := mintTestToken(t, userID, enums.UserRoleBuyer)

	var captured struct {
		user uuid.UUID
		ok   bool
		role string
	}
	handler := Auth(testJWT, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.user, captured.ok = UserUUIDFromContext(r.Context())
		captured.role = RoleFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if !captured.ok || captured.user != userID {
		t.Fatalf("expected user %s in context, got %s", userID, captured.user)
	}
	if captured.role != string(enums.UserRoleBuyer) {
		t.Fatalf("expected role buyer got %s", captured.role)
	}
}

func TestRequireRoleBlocksBuyerFromAdminRoutes(t *testing.T) {
	chain := Auth(testJWT, nil)(RequireRole(string(enums.UserRoleAdmin), nil)(okHandler()))

	for role, want := range map[enums.UserRole]int{
		enums.UserRoleBuyer: http.StatusForbidden,
		enums.UserRoleAdmin: http.StatusOK,
	} {
		req := httptest.NewRequest(http.MethodPatch, "/api/v1/orders/x/status", nil)
		req.Header.Set("Authorization", "Bearer "+mintTestToken(t, uuid.New(), role))
		resp := httptest.NewRecorder()
		chain.ServeHTTP(resp, req)
		if resp.Code != want {
			t.Fatalf("role %s: expected %d got %d", role, want, resp.Code)
		}
	}
}

func mintTestToken(t *testing.T, userID uuid.UUID, role enums.UserRole) string {
	t.Helper()
	token, err := auth.MintAccessToken(testJWT, time.Now(), time.Hour, auth.AccessTokenPayload{UserID: userID, Role: role})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}
