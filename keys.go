package domainlimit

// Key functions derive the counting key of a request. A key only needs to be
// stable per caller; the limiter treats it as an opaque string.

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// KeyFunc derives the counting key for a request.
// Returning an error aborts the pipeline and hands the error to the ErrorHandler.
type KeyFunc func(*http.Request) (string, error)

// KeyByIP uses the client IP address from RemoteAddr, without the port.
// Use this for direct connections without a proxy. This is the default.
func KeyByIP() KeyFunc {
	return func(r *http.Request) (string, error) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr, nil
		}
		return ip, nil
	}
}

// KeyByRealIP uses the first X-Forwarded-For entry, then X-Real-IP, and falls
// back to RemoteAddr when neither header is present.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these headers.
// Without a proxy, clients can spoof X-Forwarded-For to bypass rate limits.
func KeyByRealIP() KeyFunc {
	fallback := KeyByIP()
	return func(r *http.Request) (string, error) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx]), nil
			}
			return strings.TrimSpace(xff), nil
		}
		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			return strings.TrimSpace(realIP), nil
		}
		return fallback(r)
	}
}

// KeyByHeader uses a header value. A missing header is an error, so requests
// without it are not silently pooled under one empty key.
func KeyByHeader(header string) KeyFunc {
	return func(r *http.Request) (string, error) {
		val := r.Header.Get(header)
		if val == "" {
			return "", fmt.Errorf("missing required header %s", header)
		}
		return val, nil
	}
}

// KeyByEndpoint uses the HTTP method and path. Key format: "<method>:<path>".
func KeyByEndpoint() KeyFunc {
	return func(r *http.Request) (string, error) {
		var sb strings.Builder
		sb.Grow(len(r.Method) + 1 + len(r.URL.Path))
		sb.WriteString(r.Method)
		sb.WriteByte(':')
		sb.WriteString(r.URL.Path)
		return sb.String(), nil
	}
}

// CompositeKey joins several key functions with ":" and prefixes the result
// with name when it is non-empty. Use the name to prevent key collisions when
// layering multiple limiters on one shared store backend.
//
// Example:
//
//	domainlimit.WithKeyFunc(domainlimit.CompositeKey("api",
//		domainlimit.KeyByIP(),
//		domainlimit.KeyByEndpoint(),
//	))
func CompositeKey(name string, fns ...KeyFunc) KeyFunc {
	return func(r *http.Request) (string, error) {
		var sb strings.Builder
		sb.Grow(20 + len(fns)*30)
		hasContent := false

		if name != "" {
			sb.WriteString(name)
			hasContent = true
		}

		for _, fn := range fns {
			part, err := fn(r)
			if err != nil {
				return "", err
			}
			if hasContent {
				sb.WriteByte(':')
			}
			sb.WriteString(part)
			hasContent = true
		}
		return sb.String(), nil
	}
}
