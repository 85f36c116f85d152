// Domain-scoped rate limiting middleware for Chi and standard http.Handler.
//
// A Limiter holds an ordered list of policies, one per domain, plus a "*"
// fallback. Each policy gets its own fixed-window counter store. For every
// request the limiter picks the policy from the request's domain indicator
// (Origin, then Referer, by default), counts the request against the caller's
// key, and either lets it through or hands it to the limit handler.
//
// Example:
//
//	limiter, err := domainlimit.New([]domainlimit.Policy{
//		{Domain: "https://app.example.com", Max: domainlimit.StaticMax(100), Window: time.Minute},
//		{Domain: domainlimit.Wildcard, Max: domainlimit.StaticMax(10), Window: time.Minute},
//	})
//	if err != nil {
//		return err
//	}
//	defer limiter.Close()
//	r.Use(limiter.Handler)
//
// Legacy X-RateLimit-* headers are on by default; the IETF draft RateLimit-*
// headers are enabled with WithDraftHeaders. When the Handler middleware is
// active, headers and errors are staged through the request state.

package domainlimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/nhalm/canonlog"

	"github.com/nhalm/domainlimit/stats"
	"github.com/nhalm/domainlimit/store"
)

// DefaultMessage is the body of the default limit response.
const DefaultMessage = "Too many requests, please try again later."

// SkipFunc reports whether a request bypasses rate limiting entirely.
type SkipFunc func(*http.Request) (bool, error)

// LimitHandler writes the response for a request over its limit.
type LimitHandler func(w http.ResponseWriter, r *http.Request, info Info)

// OnLimitReachedFunc is called once per key and window, on the first request over the limit.
type OnLimitReachedFunc func(r *http.Request, info Info)

// ErrorHandler writes the response when the pipeline fails. err is always an *UpstreamError.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// Info is the rate limit decision for one request.
type Info struct {
	// Domain is the domain of the policy that was applied.
	Domain string
	// Key is the counting key of the request.
	Key string
	// Limit is the resolved maximum for this request; 0 means unlimited.
	Limit int
	// Current is the count after this request was counted.
	Current int64
	// Remaining is max(Limit-Current, 0).
	Remaining int64
	// ResetAt is when the current window ends.
	ResetAt time.Time
}

type infoContextKey string

const infoKey infoContextKey = "domainlimit_info"

// InfoFromContext returns the decision stored by the limiter for the current request.
func InfoFromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey).(Info)
	return info, ok
}

// Limiter implements domain-scoped rate limiting middleware.
type Limiter struct {
	policies policySet
	stores   []store.Store

	domainFn       DomainFunc
	keyFn          KeyFunc
	skip           SkipFunc
	limitHandler   LimitHandler
	onLimitReached OnLimitReachedFunc
	errorHandler   ErrorHandler
	recorder       stats.Recorder

	headers        bool
	draftHeaders   bool
	skipFailed     bool
	skipSuccessful bool
	statusCode     int
	message        string

	storeFactory store.Factory
	now          func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithDomainFunc sets how the domain indicator is read from a request (default: DomainFromHeaders).
func WithDomainFunc(fn DomainFunc) Option {
	return func(l *Limiter) {
		l.domainFn = fn
	}
}

// WithKeyFunc sets how the counting key is derived (default: KeyByIP).
func WithKeyFunc(fn KeyFunc) Option {
	return func(l *Limiter) {
		l.keyFn = fn
	}
}

// WithSkip sets a predicate that bypasses counting and headers for matching requests.
func WithSkip(fn SkipFunc) Option {
	return func(l *Limiter) {
		l.skip = fn
	}
}

// WithLimitHandler replaces the response written for requests over the limit.
func WithLimitHandler(fn LimitHandler) Option {
	return func(l *Limiter) {
		l.limitHandler = fn
	}
}

// WithOnLimitReached sets a callback invoked on the first request over the limit in each window.
func WithOnLimitReached(fn OnLimitReachedFunc) Option {
	return func(l *Limiter) {
		l.onLimitReached = fn
	}
}

// WithErrorHandler replaces the response written when a skip, key, store or max
// evaluation fails. The default logs the error and returns 500.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(l *Limiter) {
		l.errorHandler = fn
	}
}

// WithRecorder records every counted decision. Recorder errors are logged and ignored.
func WithRecorder(rec stats.Recorder) Option {
	return func(l *Limiter) {
		l.recorder = rec
	}
}

// WithHeaders toggles X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset,
// Date and Retry-After (default: true).
func WithHeaders(enabled bool) Option {
	return func(l *Limiter) {
		l.headers = enabled
	}
}

// WithDraftHeaders toggles RateLimit-Limit, RateLimit-Remaining and RateLimit-Reset,
// where the reset value is in seconds from now (default: false).
func WithDraftHeaders(enabled bool) Option {
	return func(l *Limiter) {
		l.draftHeaders = enabled
	}
}

// WithSkipFailedRequests refunds requests whose response status is >= 400,
// that panic, or whose client goes away before a response is written.
func WithSkipFailedRequests(enabled bool) Option {
	return func(l *Limiter) {
		l.skipFailed = enabled
	}
}

// WithSkipSuccessfulRequests refunds requests whose response status is < 400.
func WithSkipSuccessfulRequests(enabled bool) Option {
	return func(l *Limiter) {
		l.skipSuccessful = enabled
	}
}

// WithStatusCode sets the status of the default limit response (default: 429).
func WithStatusCode(code int) Option {
	return func(l *Limiter) {
		l.statusCode = code
	}
}

// WithMessage sets the message of the default limit response (default: DefaultMessage).
func WithMessage(msg string) Option {
	return func(l *Limiter) {
		l.message = msg
	}
}

// WithStoreFactory sets how per-policy stores are created (default: store.MemoryFactory()).
func WithStoreFactory(f store.Factory) Option {
	return func(l *Limiter) {
		l.storeFactory = f
	}
}

// WithClock replaces time.Now for header computation.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter for the given ordered policies and creates one store per policy.
//
// Returns an error wrapping ErrConfiguration when:
//   - the policy list is empty or has no Wildcard policy
//   - a policy has an empty domain, a non-positive window, or a negative max
//   - the status code is not a 4xx or 5xx code
//   - a store cannot be created, or cannot decrement while a skip mode is enabled
func New(policies []Policy, opts ...Option) (*Limiter, error) {
	set, err := newPolicySet(policies)
	if err != nil {
		return nil, err
	}

	l := &Limiter{
		policies:     set,
		domainFn:     DomainFromHeaders,
		keyFn:        KeyByIP(),
		headers:      true,
		statusCode:   http.StatusTooManyRequests,
		message:      DefaultMessage,
		storeFactory: store.MemoryFactory(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	switch {
	case l.domainFn == nil:
		return nil, configErrorf("domain function must not be nil")
	case l.keyFn == nil:
		return nil, configErrorf("key function must not be nil")
	case l.storeFactory == nil:
		return nil, configErrorf("store factory must not be nil")
	case l.now == nil:
		return nil, configErrorf("clock must not be nil")
	case l.statusCode < 400 || l.statusCode > 599:
		return nil, configErrorf("status code must be 4xx or 5xx, got %d", l.statusCode)
	}
	if l.limitHandler == nil {
		l.limitHandler = l.defaultLimitHandler
	}
	if l.errorHandler == nil {
		l.errorHandler = defaultErrorHandler
	}

	l.stores = make([]store.Store, 0, len(set))
	for _, p := range set {
		st, err := l.storeFactory(p.Domain, p.Window)
		if err == nil && st == nil {
			err = errors.New("factory returned a nil store")
		}
		if err == nil && (l.skipFailed || l.skipSuccessful) {
			if _, ok := st.(store.Decrementer); !ok {
				st.Close()
				err = errors.New("store cannot decrement, required by skip settings")
			}
		}
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("%w: policy %q: %w", ErrConfiguration, p.Domain, err)
		}
		l.stores = append(l.stores, st)
	}

	return l, nil
}

// Handler returns the rate limiting middleware.
// Sets the following headers when enabled:
//   - X-RateLimit-Limit, X-RateLimit-Remaining: limit and remaining requests in the window
//   - X-RateLimit-Reset: Unix timestamp (seconds, rounded up) when the window resets
//   - Date: the current time, to help clients with skewed clocks
//   - RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset: draft headers, reset in seconds
//   - Retry-After: (only when limited) the policy window in seconds
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.skip != nil {
			skip, err := l.skip(r)
			if err != nil {
				l.errorHandler(w, r, &UpstreamError{Op: "skip", Err: err})
				return
			}
			if skip {
				next.ServeHTTP(w, r)
				return
			}
		}

		key, err := l.keyFn(r)
		if err != nil {
			l.errorHandler(w, r, &UpstreamError{Op: "key", Err: err})
			return
		}

		idx := l.policies.resolve(l.domainFn(r))
		policy := l.policies[idx]
		st := l.stores[idx]

		ctx := r.Context()
		current, resetAt, err := st.Increment(ctx, key)
		if err != nil {
			l.errorHandler(w, r, &UpstreamError{Op: "increment", Err: err})
			return
		}

		sent := headersSent(w)

		var s *settlement
		if l.skipFailed || l.skipSuccessful {
			s = &settlement{
				store:         st.(store.Decrementer),
				key:           key,
				ctx:           context.WithoutCancel(ctx),
				refundSuccess: l.skipSuccessful,
				refundFailure: l.skipFailed,
			}
		}

		limit, err := policy.Max.resolve(r)
		if err != nil {
			s.commit(outcomeFailure)
			l.errorHandler(w, r, &UpstreamError{Op: "max", Err: err})
			return
		}

		info := Info{
			Domain:    policy.Domain,
			Key:       key,
			Limit:     limit,
			Current:   current,
			Remaining: max(int64(limit)-current, 0),
			ResetAt:   resetAt,
		}
		r = r.WithContext(context.WithValue(ctx, infoKey, info))

		if !sent {
			l.writeHeaders(w, r, info)
		}

		reached := limit > 0 && current == int64(limit)+1
		exceeded := limit > 0 && current > int64(limit)

		if reached && l.onLimitReached != nil {
			l.onLimitReached(r, info)
		}
		l.record(r, info, exceeded, reached)

		h := next
		if exceeded {
			if l.headers && !sent {
				setHeader(w, r, "Retry-After", strconv.FormatInt(ceilSeconds(policy.Window), 10))
			}
			h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				l.limitHandler(w, r, info)
			})
		}

		if s == nil {
			h.ServeHTTP(w, r)
			return
		}
		s.serve(w, r, h)
	})
}

// ResetKey clears the counter for key in the store of the policy configured for
// exactly the given domain. Wildcard fallback does not apply: resetting a key
// counted under "*" requires domain "*". Returns ErrInvalidDomain for unknown domains.
func (l *Limiter) ResetKey(ctx context.Context, domain, key string) error {
	i, ok := l.policies.lookup(domain)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return l.stores[i].Reset(ctx, key)
}

// ResetIP clears the counter for an IP key.
//
// Deprecated: Use ResetKey.
func (l *Limiter) ResetIP(ctx context.Context, domain, ip string) error {
	return l.ResetKey(ctx, domain, ip)
}

// Count returns the current count for key under the policy configured for exactly
// the given domain. Returns ErrInvalidDomain for unknown domains.
func (l *Limiter) Count(ctx context.Context, domain, key string) (int64, error) {
	i, ok := l.policies.lookup(domain)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return l.stores[i].Get(ctx, key)
}

// Policies returns a copy of the configured policies in match order.
func (l *Limiter) Policies() []Policy {
	out := make([]Policy, len(l.policies))
	copy(out, l.policies)
	return out
}

// Close closes every store owned by the limiter.
func (l *Limiter) Close() error {
	var errs []error
	for _, st := range l.stores {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Limiter) writeHeaders(w http.ResponseWriter, r *http.Request, info Info) {
	now := l.now()

	if l.headers {
		setHeader(w, r, "X-RateLimit-Limit", strconv.Itoa(info.Limit))
		setHeader(w, r, "X-RateLimit-Remaining", strconv.FormatInt(info.Remaining, 10))
		if !info.ResetAt.IsZero() {
			setHeader(w, r, "Date", now.UTC().Format(http.TimeFormat))
			setHeader(w, r, "X-RateLimit-Reset", strconv.FormatInt(ceilUnixSeconds(info.ResetAt), 10))
		}
	}

	if l.draftHeaders {
		setHeader(w, r, "RateLimit-Limit", strconv.Itoa(info.Limit))
		setHeader(w, r, "RateLimit-Remaining", strconv.FormatInt(info.Remaining, 10))
		if !info.ResetAt.IsZero() {
			setHeader(w, r, "RateLimit-Reset", strconv.FormatInt(max(0, ceilSeconds(info.ResetAt.Sub(now))), 10))
		}
	}
}

func (l *Limiter) record(r *http.Request, info Info, exceeded, reached bool) {
	ctx := r.Context()

	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAddMany(ctx, map[string]any{
			"ratelimit_domain":    info.Domain,
			"ratelimit_limit":     info.Limit,
			"ratelimit_remaining": info.Remaining,
			"ratelimit_exceeded":  exceeded,
		})
	}

	if l.recorder == nil {
		return
	}
	err := l.recorder.Record(ctx, stats.Event{
		Domain:       info.Domain,
		Key:          info.Key,
		Allowed:      !exceeded,
		LimitReached: reached,
		Method:       r.Method,
		Path:         r.URL.Path,
		At:           l.now(),
	})
	if err != nil {
		logError(ctx, fmt.Errorf("record rate limit decision: %w", err))
	}
}

func (l *Limiter) defaultLimitHandler(w http.ResponseWriter, r *http.Request, _ Info) {
	if HasState(r.Context()) {
		apiErr := ErrRateLimited.With(l.message)
		apiErr.Status = l.statusCode
		SetError(r, apiErr)
		return
	}
	http.Error(w, l.message, l.statusCode)
}

func defaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	logError(r.Context(), err)
	if HasState(r.Context()) {
		SetError(r, ErrInternal.With("Rate limit check failed"))
		return
	}
	http.Error(w, "Rate limit check failed", http.StatusInternalServerError)
}

func logError(ctx context.Context, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.ErrorAdd(ctx, err)
	}
}

// headersSent reports whether an outer middleware already wrote the response status.
func headersSent(w http.ResponseWriter) bool {
	if ww, ok := w.(middleware.WrapResponseWriter); ok {
		return ww.Status() != 0
	}
	return false
}

func ceilSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

func ceilUnixSeconds(t time.Time) int64 {
	return int64(math.Ceil(float64(t.UnixMilli()) / 1000))
}
