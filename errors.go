package domainlimit

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned by New when the policy list or options cannot
	// produce a working limiter. It is always wrapped with a description.
	ErrConfiguration = errors.New("domainlimit: invalid configuration")

	// ErrInvalidDomain is returned by ResetKey and Count when no policy is
	// configured for exactly the given domain.
	ErrInvalidDomain = errors.New("domainlimit: the domain is invalid")
)

// UpstreamError wraps a failure from an injected callable or the counter store
// during the request pipeline. The request is neither allowed nor rejected by the
// limiter; the configured ErrorHandler decides the response.
type UpstreamError struct {
	// Op names the pipeline step that failed: "skip", "key", "increment" or "max".
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("domainlimit: %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfiguration}, args...)...)
}
