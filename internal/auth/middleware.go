// Package auth guards the local HTTP surface with a single API key whose
// bcrypt hash is configured at startup.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix marks keys generated by GenerateAPIKey.
const APIKeyPrefix = "pc_"

type contextKey int

const ctxRemoteIP contextKey = iota

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Verifier checks bearer keys against a bcrypt hash. bcrypt is slow on
// purpose, so the SHA-256 of the last accepted key is remembered and
// matching requests skip the bcrypt comparison.
type Verifier struct {
	hash []byte

	mu       sync.Mutex
	accepted []byte
}

// NewVerifier validates hash and returns a Verifier for it.
func NewVerifier(hash string) (*Verifier, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid bcrypt hash: %w", err)
	}

	return &Verifier{hash: []byte(hash)}, nil
}

// Verify reports whether key matches the configured hash.
func (v *Verifier) Verify(key string) bool {
	if key == "" {
		return false
	}

	digest := sha256.Sum256([]byte(key))

	v.mu.Lock()
	cached := v.accepted
	v.mu.Unlock()

	if cached != nil && subtle.ConstantTimeCompare(cached, digest[:]) == 1 {
		return true
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(key)) != nil {
		return false
	}

	v.mu.Lock()
	v.accepted = digest[:]
	v.mu.Unlock()

	return true
}

// Middleware returns HTTP middleware that requires a valid bearer key.
// Unauthenticated requests get a 401 with a Bearer challenge.
func Middleware(v *Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			if !v.Verify(strings.TrimPrefix(authHeader, "Bearer ")) {
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			ctx := context.WithValue(r.Context(), ctxRemoteIP, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GenerateAPIKey returns a new random key and its bcrypt hash.
func GenerateAPIKey() (key, hash string, err error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating key: %w", err)
	}

	key = APIKeyPrefix + hex.EncodeToString(b)

	hash, err = HashKey(key)
	if err != nil {
		return "", "", err
	}

	return key, hash, nil
}

// HashKey returns the bcrypt hash of key at the default cost.
func HashKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}

	return string(h), nil
}
