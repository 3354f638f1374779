package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-fulfillment/pkg/config"
	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
)

func TestMintAndParseAccessToken(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "storefront"}
	now := time.Now().UTC()
	userID := uuid.New()

	token, err := MintAccessToken(cfg, now, 30*time.Minute, AccessTokenPayload{UserID: userID, Role: enums.UserRoleBuyer})
	if err != nil {
		t.Fatalf("mint access token: %v", err)
	}

	claims, err := ParseAccessToken(cfg, token)
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	if claims.UserID != userID {
		t.Fatalf("expected user_id %s, got %s", userID, claims.UserID)
	}
	if claims.Role != enums.UserRoleBuyer {
		t.Fatalf("unexpected role %s", claims.Role)
	}
	if claims.Issuer != cfg.Issuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if claims.ID == "" {
		t.Fatal("expected jti to be generated")
	}
}

func TestParseAccessTokenRejectsExpired(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "storefront"}
	token, err := MintAccessToken(cfg, time.Now().Add(-2*time.Hour), time.Hour, AccessTokenPayload{UserID: uuid.New(), Role: enums.UserRoleAdmin})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := ParseAccessToken(cfg, token); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestParseAccessTokenRejectsWrongIssuerAndSecret(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "storefront"}
	token, err := MintAccessToken(cfg, time.Now(), time.Hour, AccessTokenPayload{UserID: uuid.New(), Role: enums.UserRoleBuyer})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := ParseAccessToken(config.JWTConfig{Secret: "secret", Issuer: "other"}, token); err == nil {
		t.Fatal("expected issuer mismatch to fail")
	}
	if _, err := ParseAccessToken(config.JWTConfig{Secret: "nope", Issuer: "storefront"}, token); err == nil {
		t.Fatal("expected signature mismatch to fail")
	}
}

func TestParseAccessTokenRejectsUnknownRole(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "storefront"}
	claims := AccessTokenClaims{
		UserID: uuid.New(),
		Role:   "vendor",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAccessToken(cfg, signed); err == nil {
		t.Fatal("expected unknown role to fail")
	}
}

func TestMintRequiresRoleAndUser(t *testing.T) {
	cfg := config.JWTConfig{Secret: "secret", Issuer: "storefront"}
	if _, err := MintAccessToken(cfg, time.Now(), time.Hour, AccessTokenPayload{Role: enums.UserRoleBuyer}); err == nil {
		t.Fatal("expected missing user to fail")
	}
	if _, err := MintAccessToken(cfg, time.Now(), time.Hour, AccessTokenPayload{UserID: uuid.New(), Role: "owner"}); err == nil {
		t.Fatal("expected invalid role to fail")
	}
}
