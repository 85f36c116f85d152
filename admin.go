package domainlimit

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

type adminConfig struct {
	validator APIKeyValidator
	header    string
	rps       float64
	burst     int
	canonlog  bool
}

// AdminOption configures AdminRouter.
type AdminOption func(*adminConfig)

// WithAdminAPIKey requires a valid API key on every admin request.
func WithAdminAPIKey(validator APIKeyValidator, opts ...APIKeyOption) AdminOption {
	return func(c *adminConfig) {
		c.validator = validator
		cfg := apiKeyConfig{header: "X-API-Key"}
		for _, opt := range opts {
			opt(&cfg)
		}
		c.header = cfg.header
	}
}

// WithAdminRateLimit throttles the admin surface with a token bucket shared by all callers.
// Requests beyond the bucket get 503.
func WithAdminRateLimit(rps float64, burst int) AdminOption {
	return func(c *adminConfig) {
		c.rps = rps
		c.burst = burst
	}
}

// WithAdminCanonlog enables canonical request logging on the admin surface.
func WithAdminCanonlog() AdminOption {
	return func(c *adminConfig) {
		c.canonlog = true
	}
}

type resetRequest struct {
	Domain string `json:"domain" validate:"required"`
	Key    string `json:"key" validate:"required"`
}

type countResponse struct {
	Domain string `json:"domain"`
	Key    string `json:"key"`
	Count  int64  `json:"count"`
}

// AdminRouter returns a chi router for inspecting and clearing counters of l:
//
//	GET    /keys/{domain}/{key}   current count
//	DELETE /keys/{domain}/{key}   clear the counter
//	POST   /reset                 clear the counter named by {"domain": ..., "key": ...}
//
// Path segments are unescaped, so "https://a.com" is addressed as "https:%2F%2Fa.com".
// Domains must match a policy exactly; "*" addresses the wildcard policy.
func AdminRouter(l *Limiter, opts ...AdminOption) http.Handler {
	cfg := &adminConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	var handlerOpts []HandlerOption
	if cfg.canonlog {
		handlerOpts = append(handlerOpts, WithCanonlog())
	}

	r := chi.NewRouter()
	r.Use(Handler(handlerOpts...))
	if cfg.rps > 0 {
		r.Use(throttle(rate.NewLimiter(rate.Limit(cfg.rps), max(cfg.burst, 1))))
	}
	if cfg.validator != nil {
		r.Use(APIKey(cfg.validator, WithAPIKeyHeader(cfg.header)))
	}

	a := &admin{limiter: l}
	r.Get("/keys/{domain}/{key}", a.count)
	r.Delete("/keys/{domain}/{key}", a.resetPath)
	r.Post("/reset", a.resetBody)

	return r
}

func throttle(bucket *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !bucket.Allow() {
				SetError(r, ErrServiceUnavailable.With("Admin API is busy, please retry"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type admin struct {
	limiter *Limiter
}

func (a *admin) count(_ http.ResponseWriter, r *http.Request) {
	domain, key, ok := pathTarget(r)
	if !ok {
		return
	}

	count, err := a.limiter.Count(r.Context(), domain, key)
	if err != nil {
		setAdminError(r, err)
		return
	}
	SetResponse(r, http.StatusOK, countResponse{Domain: domain, Key: key, Count: count})
}

func (a *admin) resetPath(_ http.ResponseWriter, r *http.Request) {
	domain, key, ok := pathTarget(r)
	if !ok {
		return
	}
	a.reset(r, domain, key)
}

func (a *admin) resetBody(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !bindJSON(w, r, &req) {
		return
	}
	a.reset(r, req.Domain, req.Key)
}

func (a *admin) reset(r *http.Request, domain, key string) {
	if err := a.limiter.ResetKey(r.Context(), domain, key); err != nil {
		setAdminError(r, err)
		return
	}
	SetResponse(r, http.StatusNoContent, nil)
}

func pathTarget(r *http.Request) (domain, key string, ok bool) {
	domain, err := url.PathUnescape(chi.URLParam(r, "domain"))
	if err != nil {
		SetError(r, ErrBadRequest.With("Invalid domain in path"))
		return "", "", false
	}
	key, err = url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		SetError(r, ErrBadRequest.With("Invalid key in path"))
		return "", "", false
	}
	return domain, key, true
}

func setAdminError(r *http.Request, err error) {
	if errors.Is(err, ErrInvalidDomain) {
		SetError(r, ErrNotFound.With("No policy for domain"))
		return
	}
	logError(r.Context(), err)
	SetError(r, ErrInternal.With("Counter store failed"))
}
