/**
 * @description
 * Authentication middleware for the ACH service. Operators call the internal
 * routes with a shared API key; customers carry an HS256 session token issued
 * by the storefront (or by a redeemed handoff link).
 */
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const customerIDContextKey = contextKey("customerID")

// InternalAuthMiddleware requires the X-Internal-API-Key header. An empty key
// disables the check for local development.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || provided != requiredKey {
				respondWithError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CustomerAuthMiddleware validates the customer's session token and injects
// the customer ID into the request context.
func CustomerAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				respondWithError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			customerID, err := parseCustomerToken(secret, tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), customerIDContextKey, customerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseCustomerToken(secret, tokenString string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("customer token secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("customer id not found in token")
	}
	return sub, nil
}

// IssueCustomerToken signs a session token for customerID. It is handed to the
// second device after a handoff link is redeemed.
func IssueCustomerToken(secret, customerID, orderID string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":      customerID,
		"order_id": orderID,
		"iat":      now.Unix(),
		"exp":      now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// CustomerFromContext retrieves the customer ID from the request context.
func CustomerFromContext(ctx context.Context) (string, bool) {
	customerID, ok := ctx.Value(customerIDContextKey).(string)
	return customerID, ok
}
