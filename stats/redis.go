package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis aggregates events in Redis hashes so that several instances share one view.
//
// Layout, with the default prefix:
//
//	domainlimit:stats:total                 allowed / denied / limit_reached
//	domainlimit:stats:domain:<domain>       same fields, per domain
//	domainlimit:stats:minute:<yyyymmddhhmm> same fields, per minute (expires after TTL)
//	domainlimit:stats:key:<domain>:<key>    same fields, per key (only with key tracking)
type Redis struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	trackKeys bool
}

// RedisOption configures a Redis recorder.
type RedisOption func(*Redis)

// WithRedisPrefix sets the key prefix (default "domainlimit:stats").
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = strings.Trim(prefix, ":") }
}

// WithRedisTTL sets the expiry of per-minute and per-key hashes (default 24h).
func WithRedisTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

// WithRedisTrackKeys enables per-key hashes.
func WithRedisTrackKeys(track bool) RedisOption {
	return func(r *Redis) { r.trackKeys = track }
}

// NewRedis creates a Redis recorder on an existing client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: "domainlimit:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record implements Recorder using a single pipeline round trip.
func (r *Redis) Record(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := r.client.Pipeline()

	hashes := []string{
		r.prefix + ":total",
		r.prefix + ":domain:" + ev.Domain,
	}
	expiring := []string{
		fmt.Sprintf("%s:minute:%s", r.prefix, at.UTC().Format("200601021504")),
	}
	if r.trackKeys && ev.Key != "" {
		expiring = append(expiring, r.prefix+":key:"+ev.Domain+":"+ev.Key)
	}

	for _, h := range append(hashes, expiring...) {
		pipe.HIncrBy(ctx, h, field, 1)
		if ev.LimitReached {
			pipe.HIncrBy(ctx, h, "limit_reached", 1)
		}
	}
	if r.ttl > 0 {
		for _, h := range expiring {
			pipe.Expire(ctx, h, r.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis stats record failed: %w", err)
	}
	return nil
}

// Domain reads the aggregated counters for one domain.
func (r *Redis) Domain(ctx context.Context, domain string) (Counters, error) {
	vals, err := r.client.HGetAll(ctx, r.prefix+":domain:"+domain).Result()
	if err != nil {
		return Counters{}, fmt.Errorf("redis stats read failed: %w", err)
	}
	return parseCounters(vals)
}

func parseCounters(vals map[string]string) (Counters, error) {
	var c Counters
	for field, dst := range map[string]*int64{
		"allowed":       &c.Allowed,
		"denied":        &c.Denied,
		"limit_reached": &c.LimitReached,
	} {
		v, ok := vals[field]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Counters{}, fmt.Errorf("invalid %s counter %q: %w", field, v, err)
		}
		*dst = n
	}
	return c, nil
}
