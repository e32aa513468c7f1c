// Package capability issues and verifies signing links.
//
// A capability token is a bearer credential binding one signer to one
// contract. Possession of a valid, unexpired token is the only authorization
// needed to sign once; no session state backs it.
package capability

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/countersign/countersign/pkg/contract"
)

// DefaultTTL is how long a signing link stays valid.
const DefaultTTL = 7 * 24 * time.Hour

// DefaultIssuer is stamped into every token.
const DefaultIssuer = "countersign"

// Claims is the verified content of a capability token.
type Claims struct {
	ContractID string    `json:"contract_id"`
	SignerID   string    `json:"signer_id"`
	Email      string    `json:"email"`
	TokenID    string    `json:"-"`
	IssuedAt   time.Time `json:"-"`
	ExpiresAt  time.Time `json:"-"`
}

type tokenClaims struct {
	jwt.RegisteredClaims
	ContractID string `json:"contract_id"`
	SignerID   string `json:"signer_id"`
	Email      string `json:"email"`
}

// Codec issues and verifies capability tokens.
type Codec struct {
	keys   *KeySet
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// WithIssuer overrides DefaultIssuer.
func WithIssuer(iss string) Option {
	return func(c *Codec) { c.issuer = iss }
}

// WithTTL overrides DefaultTTL for Issue calls passing a zero ttl.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) { c.ttl = ttl }
}

func NewCodec(keys *KeySet, opts ...Option) *Codec {
	c := &Codec{
		keys:   keys,
		issuer: DefaultIssuer,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue signs a token for (contractID, signerID, email) valid for ttl from now.
// A zero ttl uses the codec default. The expiry is absolute once issued.
func (c *Codec) Issue(contractID, signerID, email string, ttl time.Duration) (string, error) {
	if contractID == "" || signerID == "" || email == "" {
		return "", fmt.Errorf("issue token: contract, signer and email are required")
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now().UTC()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   signerID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ContractID: contractID,
		SignerID:   signerID,
		Email:      email,
	}
	s, err := c.keys.sign(claims)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// Verify checks signature, structure and expiry. Failures are
// *contract.Error of kind KindTokenExpired or KindTokenInvalid.
func (c *Codec) Verify(token string) (*Claims, error) {
	const op = "capability.Verify"

	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, c.keys.keyFunc(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.issuer),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &contract.Error{Kind: contract.KindTokenExpired, Op: op, Err: err}
		}
		return nil, &contract.Error{Kind: contract.KindTokenInvalid, Op: op, Err: err}
	}

	tc, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, contract.Errorf(contract.KindTokenInvalid, op, "unexpected claims type")
	}
	if tc.ContractID == "" || tc.SignerID == "" || tc.Email == "" {
		return nil, contract.Errorf(contract.KindTokenInvalid, op, "token is missing required claims")
	}

	out := &Claims{
		ContractID: tc.ContractID,
		SignerID:   tc.SignerID,
		Email:      tc.Email,
		TokenID:    tc.ID,
		ExpiresAt:  tc.ExpiresAt.Time,
	}
	if tc.IssuedAt != nil {
		out.IssuedAt = tc.IssuedAt.Time
	}
	return out, nil
}
