package authtoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims relayClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestVerifyAcceptsWellFormedToken(t *testing.T) {
	verifier, err := NewVerifier("shared-secret", 2*time.Second)
	if err != nil {
		t.Fatalf("NewVerifier returned error: %v", err)
	}
	now := time.Now()
	token := signToken(t, "shared-secret", relayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Scope: "read write",
	})

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("expected subject alice, got %q", claims.Subject)
	}
	if !claims.HasScope(ScopeRead) || !claims.HasScope(ScopeWrite) {
		t.Fatalf("expected both scopes granted, got %#v", claims.Scopes)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	verifier, err := NewVerifier("shared-secret", 0)
	if err != nil {
		t.Fatalf("NewVerifier returned error: %v", err)
	}
	now := time.Now()
	token := signToken(t, "shared-secret", relayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
		Scope: "read",
	})

	if _, err := verifier.Verify(token); err != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	verifier, err := NewVerifier("shared-secret", 0)
	if err != nil {
		t.Fatalf("NewVerifier returned error: %v", err)
	}
	token := signToken(t, "other-secret", relayClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})

	if _, err := verifier.Verify(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	verifier, err := NewVerifier("shared-secret", 0)
	if err != nil {
		t.Fatalf("NewVerifier returned error: %v", err)
	}
	token := signToken(t, "shared-secret", relayClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})

	if _, err := verifier.Verify(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
