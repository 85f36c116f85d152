package domainlimit

import (
	"context"
	"crypto/subtle"
	"net/http"
)

type authContextKey string

const apiKeyKey authContextKey = "api_key"

// APIKeyValidator validates an API key and returns true if valid.
//
// Thread safety: Validators are called concurrently from multiple goroutines
// and must be safe for concurrent use.
type APIKeyValidator func(key string) bool

type apiKeyConfig struct {
	header    string
	validator APIKeyValidator
}

// APIKeyOption configures APIKey middleware.
type APIKeyOption func(*apiKeyConfig)

// WithAPIKeyHeader sets the header to read the API key from.
// Default is "X-API-Key".
func WithAPIKeyHeader(header string) APIKeyOption {
	return func(c *apiKeyConfig) {
		c.header = header
	}
}

// APIKey returns middleware that validates API keys from a header.
// Returns 401 (Unauthorized) if the key is missing or invalid. The validated key
// is stored in the request context and can be retrieved using APIKeyFromContext.
//
// Example:
//
//	admin := domainlimit.AdminRouter(limiter,
//		domainlimit.WithAdminAPIKey(domainlimit.StaticAPIKeys(os.Getenv("ADMIN_KEY"))))
func APIKey(validator APIKeyValidator, opts ...APIKeyOption) func(http.Handler) http.Handler {
	cfg := apiKeyConfig{
		header:    "X-API-Key",
		validator: validator,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(cfg.header)

			if key == "" {
				unauthorized(w, r, "Missing API key")
				return
			}
			if !cfg.validator(key) {
				unauthorized(w, r, "Invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// StaticAPIKeys returns a validator accepting any of the given keys.
// Keys are compared in constant time; empty keys are ignored.
func StaticAPIKeys(keys ...string) APIKeyValidator {
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			allowed = append(allowed, []byte(k))
		}
	}
	return func(key string) bool {
		ok := false
		for _, k := range allowed {
			if subtle.ConstantTimeCompare(k, []byte(key)) == 1 {
				ok = true
			}
		}
		return ok
	}
}

// APIKeyFromContext retrieves the validated API key from the request context.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyKey).(string)
	return key, ok
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	if HasState(r.Context()) {
		SetError(r, ErrUnauthorized.With(msg))
		return
	}
	http.Error(w, msg, http.StatusUnauthorized)
}
