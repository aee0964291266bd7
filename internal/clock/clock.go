// Package clock abstracts wall-clock time and timers behind an interface so
// the scheduler can be driven deterministically in tests.
package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Clock provides the time operations the scheduler depends on.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of time.Timer behavior the scheduler uses.
type Timer interface {
	// C returns the channel on which the timer fires.
	C() <-chan time.Time
	// Stop prevents the timer from firing. Returns true if the call stops
	// the timer, false if it has already expired or been stopped.
	Stop() bool
	// Reset changes the timer to expire after duration d.
	Reset(d time.Duration) bool
}

// Real implements Clock using the standard time package.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time {
	return time.Now()
}

// NewTimer creates a timer that fires after at least duration d.
func (Real) NewTimer(d time.Duration) Timer {
	return &realTimer{timer: time.NewTimer(d)}
}

type realTimer struct {
	timer *time.Timer
}

func (r *realTimer) C() <-chan time.Time {
	return r.timer.C
}

func (r *realTimer) Stop() bool {
	return r.timer.Stop()
}

func (r *realTimer) Reset(d time.Duration) bool {
	return r.timer.Reset(d)
}

// Fake is a controllable clock for tests. Time only moves when Advance or
// Set is called, and timers fire deterministically during those calls.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  timerHeap
	waiters []chan struct{}
}

// NewFake creates a fake clock initialized to the given time.
func NewFake(t time.Time) *Fake {
	return &Fake{
		now:    t,
		timers: make(timerHeap, 0),
	}
}

// Now returns the fake clock's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTimer creates a fake timer that fires when the clock advances past its
// deadline. A non-positive duration fires immediately.
func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{
		clock:     f,
		deadline:  f.now.Add(d),
		ch:        make(chan time.Time, 1),
		heapIndex: -1,
	}

	if d <= 0 {
		t.ch <- f.now
	} else {
		heap.Push(&f.timers, t)
		f.notifyWaiters()
	}

	return t
}

// Set moves the fake clock to the given time and fires any timers whose
// deadlines have passed.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = t
	f.fireExpired()
}

// Advance moves the fake clock forward by d and fires any timers whose
// deadlines have passed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
	f.fireExpired()
}

// BlockUntil blocks until at least n timers are waiting on the clock.
func (f *Fake) BlockUntil(n int) {
	f.mu.Lock()

	if len(f.timers) >= n {
		f.mu.Unlock()
		return
	}

	waiter := make(chan struct{})
	f.waiters = append(f.waiters, waiter)
	f.mu.Unlock()

	for {
		<-waiter
		f.mu.Lock()
		if len(f.timers) >= n {
			f.mu.Unlock()
			return
		}
		waiter = make(chan struct{})
		f.waiters = append(f.waiters, waiter)
		f.mu.Unlock()
	}
}

// TimerCount returns the number of armed timers.
func (f *Fake) TimerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// fireExpired must be called with f.mu held.
func (f *Fake) fireExpired() {
	for len(f.timers) > 0 && !f.timers[0].deadline.After(f.now) {
		t := heap.Pop(&f.timers).(*fakeTimer)
		if !t.stopped {
			select {
			case t.ch <- f.now:
			default:
			}
		}
	}
}

// notifyWaiters must be called with f.mu held.
func (f *Fake) notifyWaiters() {
	for _, w := range f.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	f.waiters = nil
}

type fakeTimer struct {
	clock     *Fake
	deadline  time.Time
	ch        chan time.Time
	stopped   bool
	heapIndex int // position in the heap, -1 if not armed
}

func (t *fakeTimer) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped {
		return false
	}

	t.stopped = true
	return t.clock.timers.remove(t)
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	wasActive := !t.stopped && t.clock.timers.remove(t)

	t.stopped = false
	t.deadline = t.clock.now.Add(d)

	if d <= 0 {
		select {
		case t.ch <- t.clock.now:
		default:
		}
	} else {
		heap.Push(&t.clock.timers, t)
		t.clock.notifyWaiters()
	}

	return wasActive
}

// timerHeap orders fake timers by deadline, earliest first.
type timerHeap []*fakeTimer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*fakeTimer)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[0 : n-1]
	return t
}

func (h *timerHeap) remove(t *fakeTimer) bool {
	idx := t.heapIndex
	if idx < 0 || idx >= len(*h) || (*h)[idx] != t {
		return false
	}
	heap.Remove(h, idx)
	return true
}
