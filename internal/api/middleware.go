/**
 * @description
 * Authentication middleware for the settlement service. Internal routes are
 * guarded by a shared API key, admin routes by an HS256 bearer token.
 */
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// AdminIDContextKey is the key used to store the authenticated admin id in the request context.
const AdminIDContextKey = contextKey("adminUserID")

const (
	internalKeyHeader = "X-Internal-API-Key"
	adminRole         = "ADMIN"
)

// AdminIDFromContext returns the admin id set by AdminAuthMiddleware.
func AdminIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(AdminIDContextKey).(int64)
	return id, ok && id > 0
}

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
// An empty configured key rejects every request.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(internalKeyHeader)
			if requiredKey == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AdminAuthMiddleware validates an HS256 admin token and injects the admin id
// (the "sub" claim) into context. The token must carry role=ADMIN.
func AdminAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "Admin authentication is not configured", http.StatusServiceUnavailable)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}

			if role, _ := claims["role"].(string); role != adminRole {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			sub, _ := claims["sub"].(string)
			adminID, err := strconv.ParseInt(sub, 10, 64)
			if err != nil || adminID <= 0 {
				http.Error(w, "Invalid subject claim", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), AdminIDContextKey, adminID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
