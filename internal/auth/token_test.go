package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func signToken(t *testing.T, secret string, payload map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	claims := base64.RawURLEncoding.EncodeToString(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(header + "." + claims))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + claims + "." + sig
}

func TestVerifierAcceptsValidToken(t *testing.T) {
	verifier, err := NewVerifier("topsecret", 0)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	verifier.WithClock(func() time.Time { return now })

	token := signToken(t, "topsecret", map[string]any{
		"sub":    "pilot-7",
		"scopes": []string{"admin"},
		"aud":    "hub",
		"iat":    now.Unix(),
		"exp":    now.Add(time.Hour).Unix(),
	})

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "pilot-7" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if !claims.HasScope(AdminScope) {
		t.Fatalf("expected admin scope in %v", claims.Scopes)
	}
	if claims.Audience != "hub" {
		t.Fatalf("unexpected audience %q", claims.Audience)
	}
}

func TestVerifierRejectsBadSignature(t *testing.T) {
	verifier, err := NewVerifier("topsecret", 0)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	token := signToken(t, "othersecret", map[string]any{
		"sub": "pilot-7",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifierRejectsExpiredToken(t *testing.T) {
	verifier, err := NewVerifier("topsecret", time.Minute)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	verifier.WithClock(func() time.Time { return now })

	token := signToken(t, "topsecret", map[string]any{
		"sub": "pilot-7",
		"exp": now.Add(-2 * time.Minute).Unix(),
	})
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}

	//1.- Within the leeway window the token still verifies.
	fresh := signToken(t, "topsecret", map[string]any{
		"sub": "pilot-7",
		"exp": now.Add(-30 * time.Second).Unix(),
	})
	if _, err := verifier.Verify(fresh); err != nil {
		t.Fatalf("expected leeway acceptance, got %v", err)
	}
}

func TestVerifierRejectsMalformedTokens(t *testing.T) {
	verifier, err := NewVerifier("topsecret", 0)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	cases := map[string]string{
		"empty":           "",
		"two segments":    "abc.def",
		"garbage base64":  "!!.!!.!!",
		"missing subject": signToken(t, "topsecret", map[string]any{"exp": time.Now().Add(time.Hour).Unix()}),
		"missing expiry":  signToken(t, "topsecret", map[string]any{"sub": "pilot-7"}),
	}
	for name, token := range cases {
		if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier("   ", 0); err == nil {
		t.Fatal("expected error for blank secret")
	}
}
