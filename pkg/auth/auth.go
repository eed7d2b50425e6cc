package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/pulse/pkg/types"
	"github.com/golang-jwt/jwt/v5"
)

// QueryParam carries the token for clients that cannot set headers,
// such as browser WebSocket connections
const QueryParam = "access_token"

type ctxKey struct{}

// Claims are the access token claims pulse reads. The user id is the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// Resolver resolves the authenticated user of a request from an HS256 token
type Resolver struct {
	secret []byte
	issuer string
}

// NewResolver creates a resolver. An empty issuer accepts any issuer.
func NewResolver(secret, issuer string) (*Resolver, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is not set")
	}
	return &Resolver{secret: []byte(secret), issuer: issuer}, nil
}

// Resolve returns the user id of r or an error wrapping
// types.ErrUnauthenticated
func (a *Resolver) Resolve(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", fmt.Errorf("%w: missing token", types.ErrUnauthenticated)
	}
	return a.Parse(raw)
}

// Parse validates a raw token and returns its subject
func (a *Resolver) Parse(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", types.ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// Issue signs a token for userID valid for ttl
func (a *Resolver) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get(QueryParam)
}

// Middleware rejects unauthenticated requests with 401 and stores the
// user id in the request context
func (a *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.Resolve(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// WithUserID returns a context carrying userID
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserIDFromContext returns the user id stored by Middleware
func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok && v != ""
}
