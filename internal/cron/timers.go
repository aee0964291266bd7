package cron

import (
	"sync"
	"time"

	"github.com/avoronkov/pulsecron/internal/clock"
	"github.com/avoronkov/pulsecron/internal/logger"
)

// timerManager keeps exactly one pending wake-up per enabled job. On expiry
// it only enqueues a fire; re-arming happens inside the fire unit after the
// new due time is computed, so a timer never re-arms from stale state.
type timerManager struct {
	clock  clock.Clock
	logger *logger.Logger
	fire   func(jobID string)

	mu     sync.Mutex
	timers map[string]*jobTimer
}

type jobTimer struct {
	timer  clock.Timer
	cancel chan struct{}
}

func newTimerManager(clk clock.Clock, log *logger.Logger) *timerManager {
	return &timerManager{
		clock:  clk,
		logger: log,
		timers: make(map[string]*jobTimer),
	}
}

// setFire binds the expiry callback. Must be called before the first arm;
// the callback may itself call arm, so it cannot be a constructor argument
// when it also needs the manager.
func (tm *timerManager) setFire(fire func(jobID string)) {
	tm.fire = fire
}

// arm sets the wake-up for a job, replacing any previous one. A non-positive
// delay fires immediately.
func (tm *timerManager) arm(jobID string, delay time.Duration) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.disarmLocked(jobID)

	jt := &jobTimer{
		timer:  tm.clock.NewTimer(delay),
		cancel: make(chan struct{}),
	}
	tm.timers[jobID] = jt

	go func() {
		select {
		case <-jt.timer.C():
			tm.mu.Lock()
			if tm.timers[jobID] == jt {
				delete(tm.timers, jobID)
			}
			tm.mu.Unlock()
			tm.fire(jobID)
		case <-jt.cancel:
		}
	}()

	tm.logger.Debug("timer armed",
		logger.Field{Key: "job_id", Value: jobID},
		logger.Field{Key: "delay", Value: delay.String()})
}

// disarm cancels a job's pending wake-up, if any.
func (tm *timerManager) disarm(jobID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.disarmLocked(jobID)
}

func (tm *timerManager) disarmLocked(jobID string) {
	jt, ok := tm.timers[jobID]
	if !ok {
		return
	}
	jt.timer.Stop()
	close(jt.cancel)
	delete(tm.timers, jobID)
}

// disarmAll cancels every pending wake-up. Used on stop.
func (tm *timerManager) disarmAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for jobID := range tm.timers {
		tm.disarmLocked(jobID)
	}
}

// count returns the number of armed timers.
func (tm *timerManager) count() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.timers)
}
