package cron

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/avoronkov/pulsecron/internal/clock"
	"github.com/avoronkov/pulsecron/internal/schedule"
)

type emittedEvent struct {
	text   string
	target string
}

type fakeEmitter struct {
	mu     sync.Mutex
	err    error
	events []emittedEvent
}

func (f *fakeEmitter) EmitSystemEvent(_ context.Context, text, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, emittedEvent{text: text, target: target})
	return nil
}

func (f *fakeEmitter) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeEmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeEmitter) last() emittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

// emitterFunc adapts a function to SystemEventEmitter.
type emitterFunc func(text string) error

func (f emitterFunc) EmitSystemEvent(_ context.Context, text, _ string) error {
	return f(text)
}

type fakeWaker struct {
	calls atomic.Int32
}

func (f *fakeWaker) WakeNow() {
	f.calls.Add(1)
}

type fakeAgent struct {
	mu     sync.Mutex
	result AgentResult
	err    error
	jobs   []AgentJob
}

func (f *fakeAgent) RunIsolatedJob(_ context.Context, job AgentJob) (AgentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	if f.err != nil {
		return AgentResult{}, f.err
	}
	if f.result.Status == "" {
		return AgentResult{Status: StatusOK}, nil
	}
	return f.result, nil
}

func (f *fakeAgent) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// harness wires a Service against a fake clock and fake collaborators.
type harness struct {
	svc       *Service
	clk       *clock.Fake
	emitter   *fakeEmitter
	waker     *fakeWaker
	agent     *fakeAgent
	storePath string
	t0        time.Time
}

var harnessEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	return newHarnessAt(t, testStorePath(t), clock.NewFake(harnessEpoch), "")
}

func newHarnessAt(t *testing.T, storePath string, clk *clock.Fake, seedDir string) *harness {
	t.Helper()

	h := &harness{
		clk:       clk,
		emitter:   &fakeEmitter{},
		waker:     &fakeWaker{},
		agent:     &fakeAgent{},
		storePath: storePath,
		t0:        clk.Now(),
	}
	h.svc = New(Options{
		StorePath:  storePath,
		SeedDir:    seedDir,
		Clock:      clk,
		Logger:     testLogger(t),
		Namespace:  "test",
		Registerer: prometheus.NewRegistry(),
		Emitter:    h.emitter,
		Waker:      h.waker,
		Agent:      h.agent,
	})

	t.Cleanup(func() {
		_ = h.svc.Stop()
	})

	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Start())
}

func (h *harness) getJob(t *testing.T, id string) *Job {
	t.Helper()
	job, err := h.svc.Get(id)
	require.NoError(t, err)
	return job
}

// waitForRuns waits until the job has at least n recorded fire attempts,
// then queues a barrier read so the fire unit (persist and re-arm included)
// has fully completed before the caller advances the clock again.
func (h *harness) waitForRuns(t *testing.T, jobID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.svc.RunLog(jobID, 0)) >= n
	}, 2*time.Second, 2*time.Millisecond, "job %s never reached %d runs", jobID, n)

	_, err := h.svc.List()
	require.NoError(t, err)
}

// ms converts an offset from the harness epoch to absolute epoch ms.
func (h *harness) ms(offset time.Duration) int64 {
	return h.t0.Add(offset).UnixMilli()
}

func everySpec(ms int64) schedule.Spec {
	return schedule.Spec{Kind: schedule.KindEvery, EveryMs: ms}
}

func cronSpec(expr string) schedule.Spec {
	return schedule.Spec{Kind: schedule.KindCron, Expr: expr}
}

func eventPayload(text string) Payload {
	return Payload{Kind: PayloadSystemEvent, Text: text}
}

func agentPayload(message string) Payload {
	return Payload{Kind: PayloadAgentTurn, Message: message}
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}
