// Package sharesession signs and verifies the cookie that carries an opened
// share link across requests.
//
// The cookie value is an HS256 JWT whose key is derived from the configured
// session secret with HKDF, so the secret itself is never used as a MAC key
// and a token minted for another purpose cannot be replayed here.
package sharesession

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// Version is the payload layout written by Issue. Tokens carrying any other
// version are rejected.
const Version = 1

const (
	audience = "share-session"
	hkdfInfo = "genwatch-share-session"
	keySize  = 32

	// leeway tolerates small clock skew on iat.
	leeway = 30 * time.Second
)

// ErrEmptySecret is returned by New when no secret is configured.
var ErrEmptySecret = errors.New("sharesession: empty secret")

// Payload is the session state recorded in the cookie.
type Payload struct {
	LinkID    int64
	Role      string
	ScopeType string
	ScopeID   string
	IssuedAt  time.Time
}

type claims struct {
	V         int    `json:"v"`
	LinkID    int64  `json:"link_id"`
	Role      string `json:"role"`
	ScopeType string `json:"scope_type"`
	ScopeID   string `json:"scope_id,omitempty"`
	jwt.RegisteredClaims
}

// Codec issues and verifies session tokens.
type Codec struct {
	key []byte
	now func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock replaces time.Now for issuing and age checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// New derives the signing key from secret.
func New(secret string, opts ...Option) (*Codec, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	c := &Codec{key: key, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue signs p. The issued-at time is taken from the codec clock; any
// IssuedAt set on p is ignored.
func (c *Codec) Issue(p Payload) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		V:         Version,
		LinkID:    p.LinkID,
		Role:      p.Role,
		ScopeType: p.ScopeType,
		ScopeID:   p.ScopeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience: jwt.ClaimStrings{audience},
			IssuedAt: jwt.NewNumericDate(c.now()),
		},
	})
	s, err := tok.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return s, nil
}

// Verify returns the payload of a token issued by this codec no more than
// maxAge ago. Every failure, whatever its cause, is reported as ok=false.
func (c *Codec) Verify(token string, maxAge time.Duration) (p Payload, ok bool) {
	if token == "" {
		return Payload{}, false
	}

	var cl claims
	parsed, err := jwt.ParseWithClaims(token, &cl,
		func(*jwt.Token) (any, error) { return c.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !parsed.Valid {
		return Payload{}, false
	}
	if cl.V != Version || cl.IssuedAt == nil || cl.LinkID <= 0 {
		return Payload{}, false
	}

	issued := cl.IssuedAt.Time
	if maxAge > 0 && c.now().Sub(issued) > maxAge {
		return Payload{}, false
	}

	return Payload{
		LinkID:    cl.LinkID,
		Role:      cl.Role,
		ScopeType: cl.ScopeType,
		ScopeID:   cl.ScopeID,
		IssuedAt:  issued,
	}, true
}
