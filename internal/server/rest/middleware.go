// Package rest serves the changewatch HTTP API. This file implements RS256
// bearer-token authentication.
//
// Protected requests carry
//
//	Authorization: Bearer <compact-JWT>
//
// Tokens must be signed with RS256 by the key matching the configured public
// key and must not be expired. On failure the middleware answers 401 with a
// JSON error body and never calls the next handler.
package rest

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const claimsKey contextKey = 0

// ClaimsFromContext returns the verified claims injected by JWTMiddleware,
// or nil on an unauthenticated context.
func ClaimsFromContext(ctx context.Context) *jwt.RegisteredClaims {
	c, _ := ctx.Value(claimsKey).(*jwt.RegisteredClaims)
	return c
}

// ParseRSAPublicKey decodes a PEM-encoded RSA public key in PKCS#1 or PKIX
// form.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("jwt: parse public key: %w", err)
	}
	return key, nil
}

// JWTMiddleware returns chi-compatible middleware enforcing RS256 bearer
// tokens verified with pub. Failures are logged through slog.Default.
func JWTMiddleware(pub *rsa.PublicKey) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (any, error) { return pub, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err == nil {
				var claims jwt.RegisteredClaims
				_, err = parser.ParseWithClaims(raw, &claims, keyFunc)
				if err == nil {
					ctx := context.WithValue(r.Context(), claimsKey, &claims)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			slog.Default().Warn("jwt: authentication failed",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()),
			)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return "", errors.New("missing or malformed Authorization header")
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

// writeJSONError writes an HTTP error response with a JSON body. The
// Content-Type header is set before the status code.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}
