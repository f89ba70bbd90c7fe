package auth

import (
	"context"
	"testing"
	"time"
)

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "scriptorium-auth",
		Audience:      "scriptorium-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })

	token, expiresIn, err := issuer.IssueBackendToken(context.Background(), ProviderClaims{
		Subject: "user-1",
		Email:   "Alice@Example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry %d", expiresIn)
	}

	session, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if session.UserID != "user-1" {
		t.Fatalf("unexpected user id %s", session.UserID)
	}
	if session.Email != "alice@example.com" {
		t.Fatalf("expected lowercased email, got %s", session.Email)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issued := time.Unix(1700000000, 0).UTC()
	clockNow := issued
	issuer := newTestIssuer(func() time.Time { return clockNow })

	token, _, err := issuer.IssueBackendToken(context.Background(), ProviderClaims{
		Subject: "user-1",
		Email:   "alice@example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clockNow = issued.Add(31 * time.Minute)
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestIssueRequiresSubjectAndEmail(t *testing.T) {
	issuer := newTestIssuer(nil)

	if _, _, err := issuer.IssueBackendToken(context.Background(), ProviderClaims{Email: "a@b.com"}); err == nil {
		t.Fatal("expected error for missing subject")
	}
	if _, _, err := issuer.IssueBackendToken(context.Background(), ProviderClaims{Subject: "user-1"}); err == nil {
		t.Fatal("expected error for missing email")
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })
	foreign := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "scriptorium-auth",
		Audience:      "scriptorium-api",
		Clock:         func() time.Time { return now },
	})

	token, _, err := foreign.IssueBackendToken(context.Background(), ProviderClaims{
		Subject: "user-1",
		Email:   "alice@example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatal("expected foreign signature to be rejected")
	}
}
