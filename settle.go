package domainlimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/nhalm/domainlimit/store"
)

type outcome int

const (
	outcomeUncounted outcome = iota
	outcomeSuccess
	outcomeFailure
)

// settlement decides at most once whether a counted request is refunded.
// Whichever of completion, panic or error observes the request first wins;
// later commits are ignored.
type settlement struct {
	once  sync.Once
	store store.Decrementer
	key   string
	// ctx outlives the request so a refund still runs after the client disconnects.
	ctx context.Context

	refundSuccess bool
	refundFailure bool
}

func (s *settlement) commit(o outcome) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		refund := (o == outcomeSuccess && s.refundSuccess) || (o == outcomeFailure && s.refundFailure)
		if !refund {
			return
		}
		if err := s.store.Decrement(s.ctx, s.key); err != nil {
			logError(s.ctx, fmt.Errorf("refund rate limit count: %w", err))
		}
	})
}

// serve runs h with a status-observing writer and commits the outcome when h returns or panics.
// Panics are re-raised after the outcome is committed.
func (s *settlement) serve(w http.ResponseWriter, r *http.Request, h http.Handler) {
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

	defer func() {
		if rec := recover(); rec != nil {
			s.commit(outcomeFailure)
			panic(rec)
		}
		s.commit(classify(r, ww))
	}()

	h.ServeHTTP(ww, r)
}

// classify maps the final response of a request to an outcome.
// A status staged in the request state takes precedence over what was written,
// since the Handler middleware writes it only after the chain returns.
// A request whose context ended before anything was written counts as a failure.
func classify(r *http.Request, ww middleware.WrapResponseWriter) outcome {
	status := 0
	if state := getState(r.Context()); state != nil {
		status = state.stagedStatus()
	}
	if status == 0 {
		status = ww.Status()
	}
	if status == 0 {
		if r.Context().Err() != nil {
			return outcomeFailure
		}
		status = http.StatusOK
	}

	if status >= http.StatusBadRequest {
		return outcomeFailure
	}
	return outcomeSuccess
}
