package domainlimit

import (
	"context"
	"net/http"
	"sync"
)

type stateContextKey string

const stateKey stateContextKey = "domainlimit_state"

// State holds the staged response for a request handled by the Handler middleware.
type State struct {
	mu      sync.Mutex
	err     *APIError
	status  int
	body    any
	headers http.Header
	written bool
}

func (s *State) setError(err *APIError) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *State) setResponse(status int, body any) {
	s.mu.Lock()
	s.status = status
	s.body = body
	s.mu.Unlock()
}

func (s *State) header(key, value string, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headers == nil {
		s.headers = make(http.Header)
	}
	if add {
		s.headers.Add(key, value)
		return
	}
	s.headers.Set(key, value)
}

// markWritten attempts to mark the state as written.
// Returns true if this call successfully marked it (first caller wins).
func (s *State) markWritten() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written {
		return false
	}
	s.written = true
	return true
}

// stagedStatus returns the status the Handler middleware will write, or 0 when
// nothing has been staged yet. A staged error wins over a staged response.
func (s *State) stagedStatus() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err.Status
	}
	return s.status
}

// HasState returns true if Handler middleware state exists in the context.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey).(*State)
	return state
}
