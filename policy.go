package domainlimit

import (
	"net/http"
	"time"
)

// Wildcard is the policy domain used when no other policy matches a request.
const Wildcard = "*"

// MaxFunc computes the request limit for a single request.
// Returning 0 disables limiting for that request.
type MaxFunc func(*http.Request) (int, error)

// Max is either a static request limit or a per-request computed one.
// Use StaticMax or ComputedMax to build it.
type Max struct {
	static   int
	fn       MaxFunc
	computed bool
}

// StaticMax returns a fixed limit. A limit of 0 disables limiting.
func StaticMax(n int) Max {
	return Max{static: n}
}

// ComputedMax returns a limit evaluated for every request.
func ComputedMax(fn MaxFunc) Max {
	return Max{fn: fn, computed: true}
}

// IsComputed reports whether the limit is evaluated per request.
func (m Max) IsComputed() bool {
	return m.computed
}

func (m Max) resolve(r *http.Request) (int, error) {
	if m.computed {
		return m.fn(r)
	}
	return m.static, nil
}

// Policy is the rate limit applied to requests from one domain.
type Policy struct {
	// Domain is matched by exact string equality against the request's domain
	// indicator. Wildcard ("*") marks the fallback policy.
	Domain string

	// Max is the number of requests allowed per window.
	Max Max

	// Window is the fixed window length.
	Window time.Duration
}

// policySet is the ordered policy list. Index i of the set corresponds to
// index i of the limiter's stores.
type policySet []Policy

func newPolicySet(policies []Policy) (policySet, error) {
	if len(policies) == 0 {
		return nil, configErrorf("at least one policy is required")
	}

	hasWildcard := false
	for i, p := range policies {
		if p.Domain == "" {
			return nil, configErrorf("policy %d: empty domain", i)
		}
		if p.Window <= 0 {
			return nil, configErrorf("policy %q: window must be positive, got %s", p.Domain, p.Window)
		}
		if p.Max.computed && p.Max.fn == nil {
			return nil, configErrorf("policy %q: computed max has no function", p.Domain)
		}
		if !p.Max.computed && p.Max.static < 0 {
			return nil, configErrorf("policy %q: max must not be negative, got %d", p.Domain, p.Max.static)
		}
		if p.Domain == Wildcard {
			hasWildcard = true
		}
	}
	if !hasWildcard {
		return nil, configErrorf("a %q policy is required as fallback", Wildcard)
	}

	set := make(policySet, len(policies))
	copy(set, policies)
	return set, nil
}

// resolve returns the index of the first policy whose domain equals the
// indicator, falling back to the first wildcard policy.
func (s policySet) resolve(domain string) int {
	if i, ok := s.lookup(domain); ok {
		return i
	}
	i, _ := s.lookup(Wildcard)
	return i
}

// lookup returns the index of the first policy whose domain equals the given
// domain exactly, without wildcard fallback.
func (s policySet) lookup(domain string) (int, bool) {
	for i := range s {
		if s[i].Domain == domain {
			return i, true
		}
	}
	return -1, false
}
