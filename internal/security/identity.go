package security

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/conneroisu/livegate/internal/config"
	gateerrors "github.com/conneroisu/livegate/internal/errors"
)

// Identity is the resolved owner of a connection.
type Identity struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// IdentityResolver turns a bearer token into an Identity. Implementations
// return an error wrapping ErrInvalidToken when the token itself is bad; any
// other error is treated as a lookup fault.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, token string) (Identity, error)
}

// ErrInvalidToken marks a token that was checked and refused.
var ErrInvalidToken = errors.New("invalid token")

// ResolverFunc adapts a function to IdentityResolver.
type ResolverFunc func(ctx context.Context, token string) (Identity, error)

func (f ResolverFunc) ResolveIdentity(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// JWTIdentityResolver verifies already issued JWTs. It never mints tokens.
type JWTIdentityResolver struct {
	key       interface{}
	algorithm string
	roleClaim string
	parser    *jwt.Parser
}

// NewJWTIdentityResolver builds a resolver from auth configuration. HS256
// uses the shared secret; RS256 reads a PEM public key file.
func NewJWTIdentityResolver(cfg config.AuthConfig) (*JWTIdentityResolver, error) {
	var key interface{}
	alg := strings.ToUpper(cfg.Algorithm)

	switch alg {
	case "HS256":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("HS256 requires a secret")
		}
		key = []byte(cfg.Secret)
	case "RS256":
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading public key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("parsing public key: %w", err)
		}
		key = pub
	default:
		return nil, fmt.Errorf("unsupported JWT algorithm %q", cfg.Algorithm)
	}

	return NewJWTIdentityResolverWithKey(alg, key, cfg.Issuer, cfg.Audience, cfg.RoleClaim), nil
}

// NewJWTIdentityResolverWithKey builds a resolver around an already loaded
// verification key.
func NewJWTIdentityResolverWithKey(algorithm string, key interface{}, issuer, audience, roleClaim string) *JWTIdentityResolver {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{algorithm}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	if roleClaim == "" {
		roleClaim = "role"
	}

	return &JWTIdentityResolver{
		key:       key,
		algorithm: algorithm,
		roleClaim: roleClaim,
		parser:    jwt.NewParser(opts...),
	}
}

func (r *JWTIdentityResolver) ResolveIdentity(ctx context.Context, tokenString string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	claims := jwt.MapClaims{}
	token, err := r.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != r.algorithm {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.key, nil
	})
	if err != nil {
		return Identity{}, invalidToken(err.Error())
	}
	if !token.Valid {
		return Identity{}, invalidToken("token not valid")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, invalidToken("missing subject")
	}

	role, _ := claims[r.roleClaim].(string)
	return Identity{UserID: sub, Role: role}, nil
}

// invalidToken is an unauthorized security error wrapping ErrInvalidToken.
func invalidToken(reason string) error {
	return gateerrors.WrapSecurity(fmt.Errorf("%w: %s", ErrInvalidToken, reason),
		gateerrors.ErrCodeUnauthorized, "token rejected")
}
