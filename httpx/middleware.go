package httpx

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderAdminKey  = "X-Admin-Key"
)

type requestIDKey struct{}

// RequestIDMiddleware keeps an incoming X-Request-ID or assigns a new UUID,
// echoes it on the response and stores it in the request context.
func RequestIDMiddleware() MiddlewareFunc {
	return func(next HandlerFunc) HandlerFunc {
		return func(c Context) error {
			req := c.Request()
			id := strings.TrimSpace(req.Header.Get(HeaderRequestID))
			if id == "" {
				id = uuid.NewString()
				req.Header.Set(HeaderRequestID, id)
			}
			c.Response().Header().Set(HeaderRequestID, id)
			c.SetRequest(req.WithContext(context.WithValue(req.Context(), requestIDKey{}, id)))
			return next(c)
		}
	}
}

// RequestIDFromContext returns the id assigned by RequestIDMiddleware.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok
}

// AdminKeyMiddleware admits requests whose X-Admin-Key header (or bearer
// token) matches the bcrypt hash. An empty hash rejects every request.
func AdminKeyMiddleware(hash []byte) MiddlewareFunc {
	hash = append([]byte(nil), hash...)
	return func(next HandlerFunc) HandlerFunc {
		return func(c Context) error {
			if len(hash) == 0 {
				return HTTPError(StatusForbidden, "admin endpoints disabled")
			}
			key := adminKey(c)
			if key == "" {
				return HTTPError(StatusUnauthorized, "admin key required")
			}
			if bcrypt.CompareHashAndPassword(hash, []byte(key)) != nil {
				return HTTPError(StatusUnauthorized, "invalid admin key")
			}
			return next(c)
		}
	}
}

func adminKey(c Context) string {
	if key := strings.TrimSpace(c.Request().Header.Get(HeaderAdminKey)); key != "" {
		return key
	}
	authz := c.Request().Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// HashAdminKey hashes a plain admin key for AdminKeyMiddleware.
func HashAdminKey(key string, cost int) ([]byte, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return bcrypt.GenerateFromPassword([]byte(key), cost)
}
