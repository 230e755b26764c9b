// Package authtoken is the boundary onto the external JWT-issuance system:
// the relay never issues tokens, it only verifies them and extracts the
// claims (subject, scopes) that the authorization oracle and connection
// front ends consult.
package authtoken

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scope is a capability a token's subject may exercise against a topic.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
)

// ErrInvalidToken indicates the token failed signature or structural checks.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken signals that the token's expiry is in the past.
var ErrExpiredToken = errors.New("token expired")

// Claims captures the fields the relay cares about from a verified token.
type Claims struct {
	Subject   string
	Scopes    map[Scope]bool
	Admin     bool
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// HasScope reports whether the claims grant the given scope.
func (c Claims) HasScope(scope Scope) bool {
	return c.Scopes != nil && c.Scopes[scope]
}

// relayClaims is the wire shape of the JWT payload this relay expects from
// its external issuer: standard registered claims plus a space-separated
// "scope" claim and an "admin" boolean, following the common OAuth2/JWT
// convention used by the issuer this relay is paired with.
type relayClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
	Admin bool   `json:"admin"`
}

// Verifier validates compact JWTs signed with the shared secret configured
// for this instance (PULSAR_JWT_SECRET_KEY).
type Verifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewVerifier constructs a verifier for the supplied shared secret and clock skew allowance.
func NewVerifier(secret string, leeway time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &Verifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// Verify parses the token and validates the signature, expiry, and subject,
// returning the embedded claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parsed := &relayClaims{}
	_, err := jwt.ParseWithClaims(token, parsed, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway), jwt.WithTimeFunc(v.clock))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	subject := strings.TrimSpace(parsed.Subject)
	if subject == "" {
		return nil, ErrInvalidToken
	}

	scopes := make(map[Scope]bool)
	for _, raw := range strings.Fields(parsed.Scope) {
		scopes[Scope(raw)] = true
	}

	claims := &Claims{
		Subject: subject,
		Scopes:  scopes,
		Admin:   parsed.Admin,
	}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time
	}
	return claims, nil
}

func (v *Verifier) clock() time.Time {
	if v.now == nil {
		return time.Now()
	}
	return v.now()
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *Verifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}
