// Package auth validates the HS256 bearer tokens issued to learners,
// parents and staff by the school platform.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/screentime-engine/middleware"
)

var (
	// ErrInvalidToken is returned when the token is malformed or its signature does not verify
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrMissingClaims is returned when a verified token lacks tenant, role or subject
	ErrMissingClaims = errors.New("token is missing required claims")

	// ErrNotConfigured is returned when no signing secret is configured
	ErrNotConfigured = errors.New("jwt secret not configured")
)

// tokenClaims is the wire form of an access token
type tokenClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// JWTValidator verifies HS256 access tokens
type JWTValidator struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewJWTValidator creates a validator. Empty issuer or audience disables that check.
func NewJWTValidator(secret, issuer, audience string) *JWTValidator {
	return &JWTValidator{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

// ValidateToken verifies signature, expiry, issuer and audience and returns the caller claims
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*middleware.Claims, error) {
	if len(v.secret) == 0 {
		return nil, ErrNotConfigured
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" || claims.TenantID == "" || claims.Role == "" {
		return nil, ErrMissingClaims
	}

	out := &middleware.Claims{
		Sub:      claims.Subject,
		TenantID: claims.TenantID,
		Role:     claims.Role,
		Iss:      claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		out.Exp = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		out.Iat = claims.IssuedAt.Unix()
	}
	return out, nil
}

// IssueToken signs a token for the given caller. It is used by operator
// tooling and tests; production tokens come from the identity platform.
func (v *JWTValidator) IssueToken(subject, tenantID, role string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrNotConfigured
	}
	now := v.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
		Role:     role,
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
