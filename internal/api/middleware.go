/**
 * @description
 * Session tokens and authentication middleware for the JSON API. A session token
 * is an HS256 JWT issued once a phone number passes OTP verification; its subject
 * is the canonical phone number.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token signing and validation.
 */
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stokvel/stokvel-service/internal/app"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingToken = errors.New("authorization token required")
)

type contextKey string

const phoneContextKey = contextKey("phone")

// Claims are the session claims. Subject holds the canonical phone number.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenManager issues and validates session tokens.
type TokenManager struct {
	secretKey     []byte
	tokenDuration time.Duration
	clock         app.Clock
}

func NewTokenManager(secretKey string, tokenDuration time.Duration, clock app.Clock) *TokenManager {
	return &TokenManager{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
		clock:         clock,
	}
}

// Generate signs a session token for phone.
func (m *TokenManager) Generate(phone string) (string, error) {
	now := m.clock.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   phone,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// Validate parses a session token and returns its phone number.
func (m *TokenManager) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	}, jwt.WithTimeFunc(m.clock.Now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// BearerAuthMiddleware requires a valid session token and puts its phone number on the context.
func BearerAuthMiddleware(tokens *TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, ErrMissingToken.Error())
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				respondWithError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			phone, err := tokens.Validate(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, ErrInvalidToken.Error())
				return
			}

			ctx := context.WithValue(r.Context(), phoneContextKey, phone)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PhoneFromContext returns the authenticated phone number.
func PhoneFromContext(ctx context.Context) (string, bool) {
	phone, ok := ctx.Value(phoneContextKey).(string)
	return phone, ok && phone != ""
}
