// Package auth provides tenant authentication for the HTTP surface.
//
// Tenants present bearer JWTs (HS256, shared secret) carrying a
// tenant_id claim; operator endpoints alternatively accept an API key
// verified against an Argon2id hash. Token issuance is external.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims extends jwt.RegisteredClaims with the tenant binding.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// JWTManager validates (and, for tooling, issues) tenant tokens.
type JWTManager struct {
	secret     []byte
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from the shared HS256 secret.
// An empty secret generates an ephemeral one so development setups
// work out of the box; tokens then die with the process.
func NewJWTManager(secret string, expiration time.Duration) (*JWTManager, error) {
	if secret == "" {
		slog.Warn("auth: no JWT secret configured, generating ephemeral secret (not for production)")
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("auth: generate secret: %w", err)
		}
		secret = base64.StdEncoding.EncodeToString(buf)
	}
	return &JWTManager{secret: []byte(secret), expiration: expiration}, nil
}

// IssueToken creates a signed JWT bound to a tenant.
func (m *JWTManager) IssueToken(tenantID string) (string, time.Time, error) {
	if tenantID == "" {
		return "", time.Time{}, fmt.Errorf("auth: tenant id is required")
	}

	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			Issuer:    "prism",
			Audience:  jwt.ClaimStrings{"prism"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		TenantID: tenantID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithAudience("prism"),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}

	if claims.Issuer != "prism" {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("auth: token carries no tenant_id")
	}

	return claims, nil
}
