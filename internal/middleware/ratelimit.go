package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/digiswitch/authapi/internal/api"
	"github.com/digiswitch/authapi/internal/config"
)

// CounterStore is the pluggable counter backend for rate limiting:
// key -> count within a fixed window. Externalized so multiple server
// instances share limits through one store.
type CounterStore interface {
	// Incr bumps the counter for key, starting a fresh window when the
	// key is new, and returns the count plus the time left in the
	// current window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// counterScript atomically increments a key and stamps the window TTL
// on first use, returning the count and remaining window in ms.
var counterScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	return { count, ttl }
`)

// RedisCounter implements CounterStore on a shared Redis instance.
type RedisCounter struct{ RDB *redis.Client }

func NewRedisCounter(rdb *redis.Client) *RedisCounter { return &RedisCounter{RDB: rdb} }

func (r *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	vals, err := counterScript.Run(ctx, r.RDB, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(vals) != 2 {
		return 0, 0, redis.Nil
	}
	return vals[0], time.Duration(vals[1]) * time.Millisecond, nil
}

// Limiter applies named throttle scopes to routes. A nil store or a
// disabled config degrades open: requests pass through unthrottled.
type Limiter struct {
	Store CounterStore
	Cfg   config.RateLimitConfig
	Log   zerolog.Logger
}

func NewLimiter(store CounterStore, cfg config.RateLimitConfig, log zerolog.Logger) *Limiter {
	return &Limiter{Store: store, Cfg: cfg, Log: log}
}

// Scopes returns middleware enforcing each of the given scopes in
// order. Identity resolution per scope: anon keys by client IP and is
// skipped for authenticated requests, user keys by authenticated user
// id (IP when anonymous), and email-keyed scopes use the submitted
// email when the body carries one, else the client IP.
func (l *Limiter) Scopes(scopes ...config.RateScope) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !l.Cfg.Enabled || l.Store == nil {
				return next(c)
			}
			for _, scope := range scopes {
				_, authed := CurrentUser(c)
				if scope.Identity == config.IdentIP && authed {
					continue // anon budget does not apply to authenticated callers
				}
				key := l.Cfg.Prefix + ":" + scope.Name + ":" + l.identity(c, scope)
				count, remaining, err := l.Store.Incr(c.Request().Context(), key, scope.Window)
				if err != nil {
					l.Log.Warn().Err(err).Str("key", key).Msg("rate limit store error, allowing request")
					continue
				}
				if count > int64(scope.Limit) {
					secs := int(math.Ceil(remaining.Seconds()))
					if secs < 0 {
						secs = 0
					}
					c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
					return api.Fail(c, http.StatusTooManyRequests, api.TypeThrottled,
						"Request was throttled", map[string]any{
							"scope":       scope.Name,
							"retry_after": secs,
						})
				}
			}
			return next(c)
		}
	}
}

func (l *Limiter) identity(c echo.Context, scope config.RateScope) string {
	switch scope.Identity {
	case config.IdentUser:
		if u, ok := CurrentUser(c); ok {
			return "uid:" + strconv.FormatUint(u.ID, 10)
		}
	case config.IdentEmail:
		if email := emailFromBody(c); email != "" {
			return "email:" + email
		}
	}
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}

// emailFromBody peeks at the JSON request body for an "email" member
// and restores the body for the handler's own bind.
func emailFromBody(c echo.Context) string {
	req := c.Request()
	if req.Body == nil {
		return ""
	}
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return ""
	}
	req.Body = io.NopCloser(bytes.NewReader(b))
	var probe struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(probe.Email))
}
