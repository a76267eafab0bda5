package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/playmaker/internal/authorization"
	"github.com/smallbiznis/playmaker/internal/clock"
	"github.com/smallbiznis/playmaker/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIssuer(secret string) (*TokenIssuer, *clock.FakeClock) {
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	return NewTokenIssuer(config.Config{AuthJWTSecret: secret, AuthJWTIssuer: "playmaker"}, clk), clk
}

func TestIssueAndParse(t *testing.T) {
	issuer, _ := newIssuer("secret")

	raw, expiresAt, err := issuer.Issue(Principal{UserID: 1234567890123, Role: "ADMIN"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 21, 0, 0, 0, time.UTC), expiresAt)

	p, err := issuer.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(1234567890123), p.UserID.Int64())
	assert.Equal(t, authorization.RoleAdmin, p.Role)
}

func TestParseRejectsExpired(t *testing.T) {
	issuer, clk := newIssuer("secret")
	raw, _, err := issuer.Issue(Principal{UserID: 7})
	require.NoError(t, err)

	clk.Advance(13 * time.Hour)
	_, err = issuer.Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsForeignSignature(t *testing.T) {
	issuer, _ := newIssuer("secret")
	other, _ := newIssuer("other")
	raw, _, err := other.Issue(Principal{UserID: 7})
	require.NoError(t, err)

	_, err = issuer.Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsSystemRoleAndNoneAlg(t *testing.T) {
	issuer, clk := newIssuer("secret")

	claims := Claims{
		UserID: "7",
		Role:   authorization.RoleSystem,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "playmaker",
			ExpiresAt: jwt.NewNumericDate(clk.Now().Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = issuer.Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims.Role = authorization.RoleAdmin
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.Parse(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestEmptySecretRejectsEverything(t *testing.T) {
	issuer, _ := newIssuer("")
	_, _, err := issuer.Issue(Principal{UserID: 7})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = issuer.Parse("anything")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestBearerToken(t *testing.T) {
	tok, err := BearerToken("Bearer abc.def")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", tok)

	tok, err = BearerToken("bearer  xyz ")
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)

	for _, header := range []string{"", "Bearer", "Basic abc", "abc"} {
		_, err := BearerToken(header)
		assert.ErrorIs(t, err, ErrMissingToken, header)
	}
}
