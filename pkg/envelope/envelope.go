// Package envelope encodes and verifies the RS256-signed transfer envelopes exchanged
// between banks.
package envelope

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	Algorithm  = "RS256"
	DefaultTTL = time.Hour
	// MaxAmount is the largest transfer, in minor units, an envelope may carry.
	MaxAmount int64 = 1_000_000_000_000
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrExpiredEnvelope   = errors.New("envelope expired")
	ErrInvalidSignature  = errors.New("invalid envelope signature")
	ErrIssuerMismatch    = errors.New("envelope issuer mismatch")
	ErrAudienceMismatch  = errors.New("envelope audience mismatch")
)

// Claims is the payload of a transfer envelope. Issuer is the sending bank prefix,
// Audience the receiving bank prefix and ID the sender's transaction ID.
type Claims struct {
	Issuer       string           `json:"iss"`
	Audience     string           `json:"aud"`
	IssuedAt     *jwt.NumericDate `json:"iat,omitempty"`
	ExpiresAt    *jwt.NumericDate `json:"exp,omitempty"`
	ID           string           `json:"jti"`
	AccountFrom  string           `json:"accountFrom"`
	AccountTo    string           `json:"accountTo"`
	Amount       int64            `json:"amount"`
	Currency     string           `json:"currency"`
	Explanation  string           `json:"explanation"`
	SenderName   string           `json:"senderName"`
	ReceiverName string           `json:"receiverName,omitempty"`
}

func (c *Claims) GetExpirationTime() (*jwt.NumericDate, error) { return c.ExpiresAt, nil }
func (c *Claims) GetIssuedAt() (*jwt.NumericDate, error)       { return c.IssuedAt, nil }
func (c *Claims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (c *Claims) GetIssuer() (string, error)                   { return c.Issuer, nil }
func (c *Claims) GetSubject() (string, error)                  { return "", nil }
func (c *Claims) GetAudience() (jwt.ClaimStrings, error) {
	if c.Audience == "" {
		return nil, nil
	}
	return jwt.ClaimStrings{c.Audience}, nil
}

// Validate is invoked by the jwt validator after the registered claims pass.
func (c *Claims) Validate() error {
	switch {
	case strings.TrimSpace(c.ID) == "":
		return fmt.Errorf("%w: missing jti", ErrMalformedEnvelope)
	case strings.TrimSpace(c.AccountFrom) == "" || strings.TrimSpace(c.AccountTo) == "":
		return fmt.Errorf("%w: missing account", ErrMalformedEnvelope)
	case c.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrMalformedEnvelope)
	case c.Amount > MaxAmount:
		return fmt.Errorf("%w: amount exceeds %d", ErrMalformedEnvelope, MaxAmount)
	case strings.TrimSpace(c.Currency) == "":
		return fmt.Errorf("%w: missing currency", ErrMalformedEnvelope)
	}
	return nil
}

// Header is the subset of the JOSE header the protocol relies on.
type Header struct {
	KeyID     string
	Algorithm string
}

// Codec signs and checks envelopes. The zero value uses the wall clock and a one hour lifetime.
type Codec struct {
	Now func() time.Time
	TTL time.Duration
}

var defaultCodec = Codec{}

func Encode(claims Claims, key *rsa.PrivateKey, kid string) (string, error) {
	return defaultCodec.Encode(claims, key, kid)
}

func Decode(token string) (Header, *Claims, error) {
	return defaultCodec.Decode(token)
}

func Verify(token string, key *rsa.PublicKey, expectedIssuer, expectedAudience string) (*Claims, error) {
	return defaultCodec.Verify(token, key, expectedIssuer, expectedAudience)
}

func (c Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Codec) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return DefaultTTL
}

// Encode signs claims with RS256 and stamps kid into the header. IssuedAt and ExpiresAt
// are filled in when absent.
func (c Codec) Encode(claims Claims, key *rsa.PrivateKey, kid string) (string, error) {
	if key == nil {
		return "", errors.New("envelope: signing key is required")
	}
	if strings.TrimSpace(kid) == "" {
		return "", errors.New("envelope: kid is required")
	}
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(c.now())
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(claims.IssuedAt.Add(c.ttl()))
	}
	if err := claims.Validate(); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("envelope: sign: %w", err)
	}
	return signed, nil
}

// Decode reads header and claims without checking the signature. The result is only
// fit for routing (which issuer, which key) and must be verified before use.
func (c Codec) Decode(token string) (Header, *Claims, error) {
	claims := &Claims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), claims)
	if err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	header := Header{}
	if kid, ok := parsed.Header["kid"].(string); ok {
		header.KeyID = kid
	}
	if alg, ok := parsed.Header["alg"].(string); ok {
		header.Algorithm = alg
	}
	if header.KeyID == "" {
		return header, claims, fmt.Errorf("%w: missing kid", ErrMalformedEnvelope)
	}
	if claims.Issuer == "" {
		return header, claims, fmt.Errorf("%w: missing issuer", ErrMalformedEnvelope)
	}
	return header, claims, nil
}

// Verify checks signature, expiry, issuer and audience, in that order of precedence.
func (c Codec) Verify(token string, key *rsa.PublicKey, expectedIssuer, expectedAudience string) (*Claims, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: no verification key", ErrInvalidSignature)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{Algorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(strings.TrimSpace(token), claims, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	// Bank prefixes are compared without regard to case.
	if !samePrefix(claims.Issuer, expectedIssuer) {
		return nil, ErrIssuerMismatch
	}
	if !samePrefix(claims.Audience, expectedAudience) {
		return nil, ErrAudienceMismatch
	}
	return claims, nil
}

func samePrefix(got, want string) bool {
	got = strings.TrimSpace(got)
	return got != "" && strings.EqualFold(got, strings.TrimSpace(want))
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrMalformedEnvelope):
		return err
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredEnvelope
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrIssuerMismatch
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrAudienceMismatch
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}
