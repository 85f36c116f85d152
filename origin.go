package domainlimit

// Domain indicator extraction. The indicator selects the policy for a request
// and is compared by exact string equality against Policy.Domain.

import (
	"net/http"
	"net/url"
)

// DomainFunc derives the domain indicator of a request.
// It must not block; it runs for every request before counting.
type DomainFunc func(*http.Request) string

// DomainFromHeaders returns the Origin header, then the Referer header, and
// Wildcard when neither is present. Values are used verbatim, so a policy for
// requests with "Origin: https://a.com" must be configured as "https://a.com".
func DomainFromHeaders(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	if referer := r.Header.Get("Referer"); referer != "" {
		return referer
	}
	return Wildcard
}

// DomainFromOriginHost reduces the Origin or Referer header to its host name,
// so policies can be written as bare hosts ("a.com"). Values that do not parse
// as absolute URLs are used verbatim. Returns Wildcard when both headers are absent.
func DomainFromOriginHost(r *http.Request) string {
	raw := DomainFromHeaders(r)
	if raw == Wildcard {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return raw
	}
	return u.Hostname()
}
