package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultTTL is how long an anonymous sign-in stays valid.
	DefaultTTL = 24 * time.Hour
	// AnonymousPrefix marks subjects minted by SignInAnonymous.
	AnonymousPrefix = "anon-"

	issuerName = "arengine"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrMissingToken is returned when a request carries no token at all.
	ErrMissingToken = errors.New("missing auth token")
)

// TokenClaims captures the identity carried by a verified token.
type TokenClaims struct {
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Issuer mints and verifies HS256 tokens for anonymous hunters.
type Issuer struct {
	key    []byte
	ttl    time.Duration
	leeway time.Duration
	now    func() time.Time
}

// Option customises an Issuer.
type Option func(*Issuer)

// WithTTL overrides token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithLeeway tolerates clock skew when checking expiry.
func WithLeeway(leeway time.Duration) Option {
	return func(i *Issuer) {
		if leeway >= 0 {
			i.leeway = leeway
		}
	}
}

// WithClock overrides the issuer clock, enabling deterministic unit tests.
func WithClock(clock func() time.Time) Option {
	return func(i *Issuer) {
		if clock != nil {
			i.now = clock
		}
	}
}

// NewIssuer builds an issuer for secret. An empty secret generates a random
// process-local key, so tokens do not survive a restart.
func NewIssuer(secret string, opts ...Option) (*Issuer, error) {
	key := []byte(strings.TrimSpace(secret))
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}
	issuer := &Issuer{key: key, ttl: DefaultTTL, leeway: 2 * time.Second, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(issuer)
		}
	}
	return issuer, nil
}

// SignInAnonymous mints a token for a fresh anon-<uuid> subject.
func (i *Issuer) SignInAnonymous() (string, TokenClaims, error) {
	if i == nil {
		return "", TokenClaims{}, errors.New("issuer not initialised")
	}
	return i.Sign(AnonymousPrefix + uuid.NewString())
}

// Sign mints a token for subject.
func (i *Issuer) Sign(subject string) (string, TokenClaims, error) {
	if i == nil {
		return "", TokenClaims{}, errors.New("issuer not initialised")
	}
	if strings.TrimSpace(subject) == "" {
		return "", TokenClaims{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	issued := i.now().Truncate(time.Second)
	claims := TokenClaims{Subject: subject, IssuedAt: issued, ExpiresAt: issued.Add(i.ttl)}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuerName,
		IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
		ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
	})
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", TokenClaims{}, err
	}
	return signed, claims, nil
}

// Verify parses the token and validates the signature and expiry, returning the embedded claims.
func (i *Issuer) Verify(raw string) (*TokenClaims, error) {
	if i == nil || len(i.key) == 0 {
		return nil, errors.New("issuer not initialised")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingToken
	}
	var registered jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &registered, func(*jwt.Token) (interface{}, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(i.leeway),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		//1.- Collapse library errors onto the two sentinels callers branch on.
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(registered.Subject) == "" {
		return nil, ErrInvalidToken
	}
	claims := &TokenClaims{Subject: registered.Subject}
	if registered.ExpiresAt != nil {
		claims.ExpiresAt = registered.ExpiresAt.Time
	}
	if registered.IssuedAt != nil {
		claims.IssuedAt = registered.IssuedAt.Time
	}
	return claims, nil
}

// Authenticate extracts the token from the auth_token query parameter, the
// X-Auth-Token header or a bearer Authorization header and returns its subject.
func (i *Issuer) Authenticate(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
	}
	claims, err := i.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
