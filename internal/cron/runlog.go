package cron

import "sync"

// RunRecord is one completed fire attempt.
type RunRecord struct {
	JobID      string `json:"jobId"`
	Name       string `json:"name"`
	AtMs       int64  `json:"atMs"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// runLog is a bounded in-memory history of fire attempts, oldest evicted
// first. It is the only scheduler state readable outside the execution
// queue, so it carries its own lock.
type runLog struct {
	mu   sync.Mutex
	max  int
	recs []RunRecord
}

func newRunLog(max int) *runLog {
	return &runLog{max: max}
}

func (l *runLog) record(r RunRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.recs = append(l.recs, r)
	if len(l.recs) > l.max {
		l.recs = l.recs[len(l.recs)-l.max:]
	}
}

// tail returns up to limit most recent records, newest last. An empty jobID
// matches all jobs; limit <= 0 means no limit.
func (l *runLog) tail(jobID string, limit int) []RunRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []RunRecord
	for _, r := range l.recs {
		if jobID == "" || r.JobID == jobID {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
