package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignInAnonymousRoundTrip(t *testing.T) {
	fixedNow := time.Unix(1700000000, 0)
	issuer, err := NewIssuer("secret", WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, claims, err := issuer.SignInAnonymous()
	if err != nil {
		t.Fatalf("SignInAnonymous: %v", err)
	}
	if !strings.HasPrefix(claims.Subject, AnonymousPrefix) {
		t.Fatalf("expected anonymous subject, got %q", claims.Subject)
	}
	if !claims.ExpiresAt.Equal(fixedNow.Add(DefaultTTL)) {
		t.Fatalf("expected 24h expiry, got %s", claims.ExpiresAt)
	}
	verified, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if verified.Subject != claims.Subject {
		t.Fatalf("unexpected subject: %q", verified.Subject)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer, err := NewIssuer("secret", WithTTL(time.Minute), WithLeeway(0), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, _, err := issuer.Sign("hunter-7")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := issuer.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyRejectsForeignSignatureAndAlgorithm(t *testing.T) {
	issuer, err := NewIssuer("secret")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	other, err := NewIssuer("other")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, _, err := other.Sign("hunter-7")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := issuer.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign key, got %v", err)
	}

	//1.- An unsigned token must never be accepted.
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "hunter-7",
		Issuer:    issuerName,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := issuer.Verify(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for alg none, got %v", err)
	}
	if _, err := issuer.Verify("   "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestGeneratedKeyIsProcessLocal(t *testing.T) {
	first, err := NewIssuer("")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	second, err := NewIssuer("")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, _, err := first.SignInAnonymous()
	if err != nil {
		t.Fatalf("SignInAnonymous: %v", err)
	}
	if _, err := first.Verify(token); err != nil {
		t.Fatalf("expected own token to verify: %v", err)
	}
	if _, err := second.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected independent keys, got %v", err)
	}
}

func TestAuthenticateReadsEveryCarrier(t *testing.T) {
	issuer, err := NewIssuer("secret")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, claims, err := issuer.SignInAnonymous()
	if err != nil {
		t.Fatalf("SignInAnonymous: %v", err)
	}

	query := httptest.NewRequest("GET", "/ws?auth_token="+token, nil)
	header := httptest.NewRequest("GET", "/ws", nil)
	header.Header.Set("X-Auth-Token", token)
	bearer := httptest.NewRequest("GET", "/ws", nil)
	bearer.Header.Set("Authorization", "Bearer "+token)

	for name, req := range map[string]*http.Request{"query": query, "header": header, "bearer": bearer} {
		subject, err := issuer.Authenticate(req)
		if err != nil {
			t.Fatalf("%s: Authenticate returned error: %v", name, err)
		}
		if subject != claims.Subject {
			t.Fatalf("%s: unexpected subject %q", name, subject)
		}
	}
	if _, err := issuer.Authenticate(httptest.NewRequest("GET", "/ws", nil)); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}
