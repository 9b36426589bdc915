// Package middleware provides HTTP middleware for the platform API.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/omsu-chain/campuscoin/internal/app/domain/user"
	"github.com/omsu-chain/campuscoin/pkg/logger"
)

type contextKey string

const actorKey contextKey = "actor"

// Claims are the JWT claims the API trusts.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates bearer tokens and stores the resulting actor in
// the request context.
type AuthMiddleware struct {
	secret    []byte
	log       *logger.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates an authentication middleware. Requests to
// skipPaths pass through unauthenticated.
func NewAuthMiddleware(secret []byte, log *logger.Logger, skipPaths []string) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}
	return &AuthMiddleware{secret: secret, log: log, skipPaths: skip}
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "missing Authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(w, "invalid Authorization header format")
			return
		}

		claims, err := m.validateToken(parts[1])
		if err != nil {
			m.log.WithError(err).Warn("token validation failed")
			unauthorized(w, "invalid or expired token")
			return
		}

		actor := user.Actor{UserID: claims.Subject, Role: user.Role(claims.Role)}
		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}

// ActorFrom extracts the authenticated actor from the request context. The
// second result is false on unauthenticated requests.
func ActorFrom(ctx context.Context) (user.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(user.Actor)
	return actor, ok
}

// WithActor returns a context carrying the actor. Used by tests.
func WithActor(ctx context.Context, actor user.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
