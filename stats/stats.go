// Package stats records rate limit decisions for later inspection.
//
// Recording is best effort: the limiter logs recorder failures and never lets
// them change an allow/reject decision.
package stats

import (
	"context"
	"time"
)

// Event describes one rate limit decision.
//
// Keep key tracking off for public traffic: every distinct key becomes a
// separate counter in the backing store.
type Event struct {
	Domain       string
	Key          string
	Allowed      bool
	LimitReached bool
	Method       string
	Path         string
	At           time.Time
}

// Recorder persists decision events. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Counters holds aggregated decision counts.
type Counters struct {
	Allowed      int64 `json:"allowed"`
	Denied       int64 `json:"denied"`
	LimitReached int64 `json:"limit_reached"`
}

func (c *Counters) add(ev Event) {
	if ev.Allowed {
		c.Allowed++
	} else {
		c.Denied++
	}
	if ev.LimitReached {
		c.LimitReached++
	}
}
