// Package auth issues and verifies the bearer tokens that identify callers
// of the HTTP API.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/playmaker/internal/authorization"
	"github.com/smallbiznis/playmaker/internal/clock"
	"github.com/smallbiznis/playmaker/internal/config"
)

const defaultTokenTTL = 12 * time.Hour

var (
	ErrMissingToken  = errors.New("missing_token")
	ErrInvalidToken  = errors.New("invalid_token")
	ErrNotConfigured = errors.New("auth_not_configured")
)

// Claims carries the user id as a string since snowflake ids overflow
// JavaScript numbers.
type Claims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	UserID snowflake.ID
	Role   string
}

type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clock.Clock
}

func NewTokenIssuer(cfg config.Config, clk clock.Clock) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(cfg.AuthJWTSecret),
		issuer: cfg.AuthJWTIssuer,
		ttl:    defaultTokenTTL,
		clock:  clk,
	}
}

func (t *TokenIssuer) Issue(p Principal) (string, time.Time, error) {
	if len(t.secret) == 0 {
		return "", time.Time{}, ErrNotConfigured
	}
	role, err := normalizeRole(p.Role)
	if err != nil {
		return "", time.Time{}, err
	}
	now := t.clock.Now()
	expiresAt := now.Add(t.ttl)
	claims := Claims{
		UserID: p.UserID.String(),
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID.String(),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Parse verifies signature, issuer and expiry and returns the caller.
func (t *TokenIssuer) Parse(raw string) (Principal, error) {
	if len(t.secret) == 0 {
		return Principal{}, ErrNotConfigured
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	userID, err := snowflake.ParseString(claims.UserID)
	if err != nil || userID == 0 {
		return Principal{}, ErrInvalidToken
	}
	role, err := normalizeRole(claims.Role)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: userID, Role: role}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// normalizeRole defaults to user. The system role is never carried by a token.
func normalizeRole(role string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "", authorization.RoleUser:
		return authorization.RoleUser, nil
	case authorization.RoleAdmin:
		return authorization.RoleAdmin, nil
	default:
		return "", ErrInvalidToken
	}
}
