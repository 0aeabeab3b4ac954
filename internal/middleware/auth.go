package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/apikey"
	infraRedis "github.com/cassiomorais/paygate/internal/infrastructure/redis"
	"github.com/rs/zerolog"
)

type contextKey string

const APIKeyContextKey contextKey = "api_key"

// Authenticator resolves a presented credential to an active key.
type Authenticator interface {
	Authenticate(ctx context.Context, keyID, secret string) (*apikey.APIKey, error)
}

// Limiter is a per-key request budget.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (infraRedis.Decision, error)
}

type APIKeyAuthConfig struct {
	// Window is the rate-limit window. Each key's RateLimit applies per window.
	Window time.Duration
	// DefaultLimit is used for keys stored without a limit.
	DefaultLimit int
}

// APIKeyAuth authenticates "<key_id>.<secret>" credentials and enforces the
// key's rate limit. A nil limiter disables rate limiting. Limiter errors fail open.
func APIKeyAuth(auth Authenticator, limiter Limiter, cfg APIKeyAuthConfig, logger zerolog.Logger) func(http.Handler) http.Handler {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = apikey.DefaultRateLimit
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := credentialFrom(r)
			if raw == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing api key", "auth_required")
				return
			}

			keyID, secret, err := apikey.ParseCredential(raw)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "malformed api key", "auth_invalid")
				return
			}

			key, err := auth.Authenticate(r.Context(), keyID, secret)
			if err != nil {
				logger.Debug().Err(err).Str("key_id", keyID).Msg("api key rejected")
				writeJSONError(w, http.StatusUnauthorized, "invalid api key", "auth_invalid")
				return
			}

			if limiter != nil {
				limit := key.RateLimit
				if limit <= 0 {
					limit = cfg.DefaultLimit
				}
				d, err := limiter.Allow(r.Context(), key.KeyID, limit, cfg.Window)
				if err != nil {
					logger.Warn().Err(err).Str("key_id", key.Masked()).Msg("rate limiter unavailable, allowing request")
				} else {
					setRateLimitHeaders(w, d)
					if !d.Allowed {
						w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.ResetAt)))
						writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limit")
						return
					}
				}
			}

			ctx := context.WithValue(r.Context(), APIKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope rejects authenticated requests whose key lacks scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := GetAPIKey(r.Context())
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "missing api key", "auth_required")
				return
			}
			if !key.HasScope(scope) {
				writeJSONError(w, http.StatusForbidden, "api key lacks scope "+scope, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func GetAPIKey(ctx context.Context) (*apikey.APIKey, bool) {
	key, ok := ctx.Value(APIKeyContextKey).(*apikey.APIKey)
	return key, ok && key != nil
}

func credentialFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if h := r.Header.Get("X-API-Key"); h != "" {
		return h
	}
	return r.URL.Query().Get("api_key")
}

func setRateLimitHeaders(w http.ResponseWriter, d infraRedis.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func retryAfterSeconds(reset time.Time) int {
	s := int(time.Until(reset).Seconds())
	if s < 1 {
		return 1
	}
	return s
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": msg,
		"code":  code,
	})
}
