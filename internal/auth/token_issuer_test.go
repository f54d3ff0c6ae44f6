package auth

import (
	"context"
	"testing"
	"time"
)

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("signing-secret"),
		Issuer:        "rundown",
		Audience:      "rundown-replicas",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	issuer := newTestIssuer(func() time.Time { return time.Unix(1740000000, 0).UTC() })

	token, expiresIn, err := issuer.IssueToken(context.Background(), "replica-5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry: %d", expiresIn)
	}

	clientID, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clientID != "replica-5" {
		t.Fatalf("unexpected client id: %q", clientID)
	}
}

func TestIssueTokenRequiresClientID(t *testing.T) {
	issuer := newTestIssuer(nil)

	if _, _, err := issuer.IssueToken(context.Background(), ""); err == nil {
		t.Fatalf("expected rejection for empty client id")
	}
}

func TestIssueTokenRequiresSigningSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{})

	if _, _, err := issuer.IssueToken(context.Background(), "replica-1"); err == nil {
		t.Fatalf("expected rejection without signing secret")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	issuedAt := time.Unix(1740000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return issuedAt })

	token, _, err := issuer.IssueToken(context.Background(), "replica-5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expired := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("signing-secret"),
		Issuer:        "rundown",
		Audience:      "rundown-replicas",
		Clock:         func() time.Time { return issuedAt.Add(31 * time.Minute) },
	})
	if _, err := expired.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := newTestIssuer(nil)
	token, _, err := issuer.IssueToken(context.Background(), "replica-5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("different-secret"),
		Issuer:        "rundown",
		Audience:      "rundown-replicas",
	})
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatalf("expected rejection for mismatched signing secret")
	}
}

func TestValidateTokenRejectsWrongAudience(t *testing.T) {
	issuer := newTestIssuer(nil)
	token, _, err := issuer.IssueToken(context.Background(), "replica-5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("signing-secret"),
		Issuer:        "rundown",
		Audience:      "another-service",
	})
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatalf("expected rejection for mismatched audience")
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	issuer := newTestIssuer(nil)
	if _, err := issuer.ValidateToken("not-a-token"); err == nil {
		t.Fatalf("expected rejection for malformed token")
	}
}
