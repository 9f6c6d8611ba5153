package security

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/livegate/internal/config"
	gateerrors "github.com/conneroisu/livegate/internal/errors"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func TestJWTIdentityResolverHS256(t *testing.T) {
	r, err := NewJWTIdentityResolver(config.AuthConfig{
		Enabled:   true,
		Algorithm: "HS256",
		Secret:    testSecret,
		Issuer:    "shop",
	})
	require.NoError(t, err)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()

	id, err := r.ResolveIdentity(ctx, signHS256(t, jwt.MapClaims{"sub": "u-42", "role": "streamer", "iss": "shop", "exp": exp}))
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u-42", Role: "streamer"}, id)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", signHS256(t, jwt.MapClaims{"sub": "u", "iss": "shop", "exp": time.Now().Add(-time.Minute).Unix()})},
		{"no expiry", signHS256(t, jwt.MapClaims{"sub": "u", "iss": "shop"})},
		{"missing subject", signHS256(t, jwt.MapClaims{"iss": "shop", "exp": exp})},
		{"wrong issuer", signHS256(t, jwt.MapClaims{"sub": "u", "iss": "other", "exp": exp})},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.ResolveIdentity(ctx, tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
			assert.True(t, gateerrors.IsSecurityError(err))
			assert.True(t, gateerrors.HasErrorCode(err, gateerrors.ErrCodeUnauthorized))
		})
	}

	t.Run("wrong secret", func(t *testing.T) {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u", "iss": "shop", "exp": exp}).
			SignedString([]byte("another-secret-that-is-long-enough!"))
		require.NoError(t, err)
		_, err = r.ResolveIdentity(ctx, s)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestJWTIdentityResolverRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	r, err := NewJWTIdentityResolver(config.AuthConfig{Algorithm: "rs256", PublicKeyFile: path, RoleClaim: "scope"})
	require.NoError(t, err)

	claims := jwt.MapClaims{"sub": "viewer-1", "scope": "viewer", "exp": time.Now().Add(time.Hour).Unix()}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)

	id, err := r.ResolveIdentity(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "viewer-1", Role: "viewer"}, id)

	// An HS256 token is refused even when signed with something plausible.
	_, err = r.ResolveIdentity(context.Background(), signHS256(t, claims))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewJWTIdentityResolverErrors(t *testing.T) {
	_, err := NewJWTIdentityResolver(config.AuthConfig{Algorithm: "HS256"})
	assert.Error(t, err)

	_, err = NewJWTIdentityResolver(config.AuthConfig{Algorithm: "RS256", PublicKeyFile: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)

	_, err = NewJWTIdentityResolver(config.AuthConfig{Algorithm: "ES256"})
	assert.Error(t, err)
}

func TestResolveIdentityHonorsCancelledContext(t *testing.T) {
	r := NewJWTIdentityResolverWithKey("HS256", []byte(testSecret), "", "", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.ResolveIdentity(ctx, "whatever")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}
