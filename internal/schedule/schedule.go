// Package schedule implements the due-time arithmetic for recurring jobs.
// It is purely computational: no I/O, no clocks, no state.
//
// Two schedule kinds exist:
//   - "every": fixed-period recurrence anchored at the previously computed
//     due time, so late timer fires never accumulate drift.
//   - "cron": calendar recurrence from a 5-field cron expression evaluated
//     in UTC at minute resolution, anchored at the current time.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule kinds.
const (
	KindEvery = "every"
	KindCron  = "cron"
)

// cronParser accepts the classic 5-field form: minute, hour, day-of-month,
// month, day-of-week. Day-of-month and day-of-week are OR-combined when both
// are restricted, matching conventional cron behavior.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Spec is the tagged-union schedule specification persisted with each job.
type Spec struct {
	Kind    string `json:"kind" yaml:"kind"`
	EveryMs int64  `json:"everyMs,omitempty" yaml:"everyMs,omitempty"`
	Expr    string `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// Validate checks the spec for well-formedness. Invalid specs are rejected
// up front so evaluation never fails lazily.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("everyMs must be positive, got %d", s.EveryMs)
		}
		return nil
	case KindCron:
		if s.Expr == "" {
			return fmt.Errorf("cron expression is empty")
		}
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Expr, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
}

// NextMs computes the next due time in epoch milliseconds, strictly greater
// than nowMs.
//
// For "every", the result is prevDueMs + k*EveryMs for the smallest positive
// k that lands in the future. Firing on time or slightly late advances by
// exactly one period from the original anchor; after a long suspension the
// missed occurrences are skipped rather than replayed.
//
// For "cron", the anchor is always nowMs since calendar boundaries are
// absolute; prevDueMs is ignored.
//
// The spec must have been validated; NextMs panics on a malformed spec.
func (s Spec) NextMs(prevDueMs, nowMs int64) int64 {
	switch s.Kind {
	case KindEvery:
		if s.EveryMs <= 0 {
			panic(fmt.Sprintf("schedule: NextMs on unvalidated spec: everyMs=%d", s.EveryMs))
		}
		if prevDueMs <= 0 {
			// No anchor yet: first occurrence is one period from now.
			return nowMs + s.EveryMs
		}
		if prevDueMs > nowMs {
			return prevDueMs + s.EveryMs
		}
		k := (nowMs-prevDueMs)/s.EveryMs + 1
		return prevDueMs + k*s.EveryMs
	case KindCron:
		parsed, err := cronParser.Parse(s.Expr)
		if err != nil {
			panic(fmt.Sprintf("schedule: NextMs on unvalidated spec: %v", err))
		}
		now := time.UnixMilli(nowMs).UTC()
		return parsed.Next(now).UnixMilli()
	default:
		panic(fmt.Sprintf("schedule: NextMs on unknown kind %q", s.Kind))
	}
}

// String renders the spec for logs and CLI listings.
func (s Spec) String() string {
	switch s.Kind {
	case KindEvery:
		return fmt.Sprintf("every %s", time.Duration(s.EveryMs)*time.Millisecond)
	case KindCron:
		return fmt.Sprintf("cron %q", s.Expr)
	default:
		return fmt.Sprintf("unknown(%s)", s.Kind)
	}
}
