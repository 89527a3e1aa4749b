package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifyToken(t *testing.T) {
	cfg := &JWTConfig{Secret: "test-secret", ExpireTime: time.Hour}
	verifier := NewVerifier(cfg)

	token, err := GenerateToken("user-1", cfg)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	userID, err := verifier.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("expected user-1, got %s", userID)
	}
}

func TestVerifyTokenRejects(t *testing.T) {
	cfg := &JWTConfig{Secret: "test-secret", ExpireTime: time.Hour}
	verifier := NewVerifier(cfg)

	wrongSecret, _ := GenerateToken("user-1", &JWTConfig{Secret: "other", ExpireTime: time.Hour})
	expired, _ := GenerateJWTWithConfig(map[string]any{
		UserIDClaim: "user-1",
		"exp":       time.Now().Add(-time.Minute).Unix(),
	}, cfg)
	noUser, _ := GenerateJWTWithConfig(map[string]any{"sub": "user-1"}, cfg)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{UserIDClaim: "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"wrong secret": wrongSecret,
		"expired":      expired,
		"no user id":   noUser,
		"alg none":     none,
	}

	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := verifier.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}
