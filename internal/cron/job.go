// Package cron implements the durable recurring-job scheduler: a persisted
// job set, drift-free due-time computation, one timer per enabled job, and a
// single execution queue that serializes every operation touching job state.
package cron

import (
	"fmt"

	"github.com/avoronkov/pulsecron/internal/schedule"
)

// Payload kinds. Each kind maps to exactly one collaborator call.
const (
	// PayloadSystemEvent emits a system event into the host's inbound queue.
	PayloadSystemEvent = "systemEvent"
	// PayloadAgentTurn runs an isolated agent turn.
	PayloadAgentTurn = "agentTurn"
)

// Wake modes.
const (
	// WakeNextHeartbeat defers any agent wake to the heartbeat's natural cadence.
	WakeNextHeartbeat = "next-heartbeat"
	// WakeImmediate forces an out-of-band heartbeat wake right after dispatch.
	WakeImmediate = "immediate"
)

// Run statuses recorded after a fire.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Payload is the tagged union describing what a job does when due.
type Payload struct {
	Kind string `json:"kind" yaml:"kind"`
	// Text is the event text for systemEvent payloads.
	Text string `json:"text,omitempty" yaml:"text,omitempty"`
	// Message is the instruction for agentTurn payloads.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Validate checks the payload kind against the allow-list and requires the
// kind's associated field to be present.
func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadSystemEvent:
		if p.Text == "" {
			return fmt.Errorf("systemEvent payload requires text")
		}
		return nil
	case PayloadAgentTurn:
		if p.Message == "" {
			return fmt.Errorf("agentTurn payload requires message")
		}
		return nil
	default:
		return fmt.Errorf("unknown payload kind: %q", p.Kind)
	}
}

// validWakeMode reports whether mode is in the allow-list. An empty mode is
// accepted and defaults to next-heartbeat.
func validWakeMode(mode string) bool {
	switch mode {
	case "", WakeNextHeartbeat, WakeImmediate:
		return true
	default:
		return false
	}
}

// JobState holds the runtime fields mutated by the fire path.
type JobState struct {
	// NextRunAtMs is the epoch ms of the next due occurrence. Nil only for
	// disabled jobs, which hold no schedule commitment.
	NextRunAtMs *int64 `json:"nextRunAtMs,omitempty"`
	// LastRunAtMs is the epoch ms of the last attempted fire.
	LastRunAtMs *int64 `json:"lastRunAtMs,omitempty"`
	// LastStatus is "ok" or "error"; empty until the first fire.
	LastStatus string `json:"lastStatus,omitempty"`
	// LastError is set only when LastStatus is "error".
	LastError string `json:"lastError,omitempty"`
	// Running is true strictly while a fire is in flight. Advisory state;
	// mutual exclusion comes from the execution queue.
	Running bool `json:"running,omitempty"`
}

// Job is a persisted scheduled task.
type Job struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Enabled       bool          `json:"enabled"`
	Schedule      schedule.Spec `json:"schedule"`
	SessionTarget string        `json:"sessionTarget,omitempty"`
	WakeMode      string        `json:"wakeMode,omitempty"`
	Payload       Payload       `json:"payload"`
	// DeleteAfterRun removes the job from the store after its next fire.
	DeleteAfterRun bool  `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64 `json:"createdAtMs,omitempty"`
	UpdatedAtMs    int64 `json:"updatedAtMs,omitempty"`

	State JobState `json:"state"`
}

// clone returns a deep copy so snapshots handed to callers never alias the
// scheduler's own job objects.
func (j *Job) clone() *Job {
	c := *j
	if j.State.NextRunAtMs != nil {
		v := *j.State.NextRunAtMs
		c.State.NextRunAtMs = &v
	}
	if j.State.LastRunAtMs != nil {
		v := *j.State.LastRunAtMs
		c.State.LastRunAtMs = &v
	}
	return &c
}

// effectiveWakeMode resolves the stored wake mode, defaulting to
// next-heartbeat.
func (j *Job) effectiveWakeMode() string {
	if j.WakeMode == "" {
		return WakeNextHeartbeat
	}
	return j.WakeMode
}
