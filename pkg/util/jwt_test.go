package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWT_RoundTrip(t *testing.T) {
	tok, err := GenerateJWT("ops", "s3cret", time.Hour)
	require.NoError(t, err)

	sub, err := ParseJWT(tok, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "ops", sub)
}

func TestJWT_Rejects(t *testing.T) {
	good, err := GenerateJWT("ops", "s3cret", time.Hour)
	require.NoError(t, err)
	expired, err := GenerateJWT("ops", "s3cret", -time.Minute)
	require.NoError(t, err)
	noSub, err := GenerateJWT("", "s3cret", time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "ops"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]struct{ token, secret string }{
		"wrong secret": {good, "other"},
		"expired":      {expired, "s3cret"},
		"no subject":   {noSub, "s3cret"},
		"alg none":     {none, "s3cret"},
		"garbage":      {"not.a.jwt", "s3cret"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJWT(tt.token, tt.secret)
			assert.Error(t, err)
		})
	}
}

func TestExtractToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc": "abc",
		"bearer abc": "abc",
		"Basic abc":  "",
		"Bearer":     "",
		"":           "",
	}
	for header, want := range tests {
		r := httptest.NewRequest(http.MethodPost, "/check", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		assert.Equal(t, want, ExtractToken(r), header)
	}
}
