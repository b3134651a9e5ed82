package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/psicoid/billing/pkg/subscription"
)

// Claims are the token claims issued for clinic users.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// TokenVerifier parses and issues HS256 bearer tokens.
type TokenVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenVerifier creates a verifier. issuer may be empty to skip the check.
func NewTokenVerifier(secret, issuer string) (*TokenVerifier, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	return &TokenVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Parse validates token and returns the caller it identifies.
func (v *TokenVerifier) Parse(token string) (Caller, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Caller{}, fmt.Errorf("%w: invalid token", subscription.ErrUnauthenticated)
	}

	caller := Caller{UserID: claims.Subject, Email: claims.Email, Name: claims.Name}
	if err := caller.Validate(); err != nil {
		return Caller{}, err
	}
	return caller, nil
}

// Issue signs a token for caller valid for ttl.
func (v *TokenVerifier) Issue(caller Caller, ttl time.Duration) (string, error) {
	if err := caller.Validate(); err != nil {
		return "", err
	}
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: caller.Email,
		Name:  caller.Name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
