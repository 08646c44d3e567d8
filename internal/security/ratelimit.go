package security

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var errUnexpectedReply = errors.New("unexpected rate limiter reply")

// RateLimiter is a token bucket per key kept in Redis so that every replica
// shares the same budget.
type RateLimiter struct {
	Redis      redis.Scripter
	Prefix     string
	Capacity   int
	RefillRate float64 // tokens per second
	Now        func() time.Time
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(data[1])
local last = tonumber(data[2])

if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = now - last
if delta < 0 then delta = 0 end

local filled = math.min(capacity, tokens + (delta * refill_rate))
local allowed = 0
if filled >= 1 then
  allowed = 1
  filled = filled - 1
end

redis.call('HSET', key, 'tokens', filled, 'last', now)
redis.call('EXPIRE', key, ttl)

return {allowed, tostring(filled)}
`)

func (l *RateLimiter) key(raw string) string {
	if l.Prefix == "" {
		return raw
	}
	return l.Prefix + ":" + raw
}

func (l *RateLimiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Allow spends one token for key. A limiter without Redis allows everything.
func (l *RateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l == nil || l.Redis == nil || l.Capacity <= 0 || l.RefillRate <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := float64(l.now().UnixNano()) / 1e9
	ttl := int64(float64(l.Capacity)/l.RefillRate) + 1

	vals, err := tokenBucketScript.Run(ctx, l.Redis, []string{l.key(key)}, l.Capacity, l.RefillRate, now, ttl).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(vals) != 2 {
		return Decision{}, errUnexpectedReply
	}
	allowed, ok := vals[0].(int64)
	if !ok {
		return Decision{}, errUnexpectedReply
	}
	s, ok := vals[1].(string)
	if !ok {
		return Decision{}, errUnexpectedReply
	}
	remaining, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Decision{}, errUnexpectedReply
	}

	d := Decision{Allowed: allowed == 1, Remaining: int(remaining)}
	if !d.Allowed {
		wait := (1 - remaining) / l.RefillRate
		d.RetryAfter = time.Duration(math.Ceil(wait*1000)) * time.Millisecond
	}
	return d, nil
}

// RateLimit rejects requests whose key has run out of tokens. Requests for
// which keyFn returns "" are not limited.
func RateLimit(l *RateLimiter, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if keyFn != nil {
				key = keyFn(r)
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := l.Allow(r.Context(), key)
			if err != nil {
				WriteJSONError(w, r, http.StatusServiceUnavailable, "rate_limiter_unavailable")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				WriteJSONError(w, r, http.StatusTooManyRequests, "rate_limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIPKey limits by peer address.
func ClientIPKey(r *http.Request) string {
	return "ip:" + RemoteHost(r)
}
