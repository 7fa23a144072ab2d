package token

import (
	"testing"
	"time"

	"github.com/tracky-pm/engine/internal/apperrors"
)

func TestMintAndParseRoundTrip(t *testing.T) {
	s := NewSigner("test-secret")
	deadline := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	plaintext, jti, expiresAt, err := s.Mint("res-1", "wi-1", deadline, "alert-1")
	if err != nil {
		t.Fatal(err)
	}
	if plaintext == "" || jti == "" {
		t.Fatal("expected non-empty token and jti")
	}
	wantExpiry := time.Date(2026, 8, 2, 23, 59, 59, 0, time.UTC)
	if !expiresAt.Equal(wantExpiry) {
		t.Fatalf("got expiry %v want %v", expiresAt, wantExpiry)
	}

	claims, err := s.Parse(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "res-1" || claims.WorkItemID != "wi-1" || claims.AlertID != "alert-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Type != tokenType {
		t.Fatalf("expected type %q, got %q", tokenType, claims.Type)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	s1 := NewSigner("secret-a")
	s2 := NewSigner("secret-b")
	plaintext, _, _, err := s1.Mint("res-1", "wi-1", time.Now(), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s2.Parse(plaintext); apperrors.KindOf(err) != apperrors.TokenInvalid {
		t.Fatalf("expected TokenInvalid, got %v", err)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	s := NewSigner("secret")
	// Deadline far enough in the past that the 24h grace period has also elapsed.
	plaintext, _, _, err := s.Mint("res-1", "wi-1", time.Now().AddDate(0, 0, -30), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Parse(plaintext); apperrors.KindOf(err) != apperrors.TokenExpired {
		t.Fatalf("expected TokenExpired, got %v", err)
	}
}

func TestHashIsDeterministicAndOneWay(t *testing.T) {
	h1 := Hash("abc")
	h2 := Hash("abc")
	if h1 != h2 {
		t.Fatal("expected deterministic hash")
	}
	if h1 == "abc" {
		t.Fatal("hash should not equal plaintext")
	}
}
