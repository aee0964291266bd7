package cron

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avoronkov/pulsecron/internal/clock"
)

func TestService_EveryFire_DriftFree(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	job, err := h.svc.Add(AddSpec{
		Name:          "ping",
		Schedule:      everySpec(10000),
		SessionTarget: "main",
		Payload:       eventPayload("ping"),
	})
	require.NoError(t, err)

	// Timer fires 5ms late.
	h.clk.Advance(10005 * time.Millisecond)
	h.waitForRuns(t, job.ID, 1)

	fired := h.getJob(t, job.ID)
	assert.Equal(t, StatusOK, fired.State.LastStatus)
	assert.Empty(t, fired.State.LastError)
	assert.False(t, fired.State.Running)
	require.NotNil(t, fired.State.LastRunAtMs)
	assert.Equal(t, h.ms(10005*time.Millisecond), *fired.State.LastRunAtMs)

	// The next due time stays anchored at the original due time, not the
	// late firing moment.
	require.NotNil(t, fired.State.NextRunAtMs)
	assert.Equal(t, h.ms(20*time.Second), *fired.State.NextRunAtMs)

	assert.Equal(t, 1, h.emitter.count())
	event := h.emitter.last()
	assert.Equal(t, "ping", event.text)
	assert.Equal(t, "main", event.target)
}

func TestService_EveryFire_RepeatedCycles(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	job, err := h.svc.Add(AddSpec{Name: "tick", Schedule: everySpec(10000), Payload: eventPayload("tick")})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		h.clk.Advance(10 * time.Second)
		h.waitForRuns(t, job.ID, i)
	}

	fired := h.getJob(t, job.ID)
	assert.Equal(t, h.ms(40*time.Second), *fired.State.NextRunAtMs)
	assert.Equal(t, 3, h.emitter.count())
}

func TestService_CronFire_MinuteBoundary(t *testing.T) {
	// Start 1s before a minute boundary.
	start := time.Date(2025, 6, 1, 12, 29, 59, 0, time.UTC)
	boundary := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	h := newHarnessAt(t, testStorePath(t), clock.NewFake(start), "")
	h.start(t)

	job, err := h.svc.Add(AddSpec{Name: "minutely", Schedule: cronSpec("* * * * *"), Payload: eventPayload("m")})
	require.NoError(t, err)
	require.Equal(t, boundary.UnixMilli(), *job.State.NextRunAtMs)

	// Fire 5ms past the boundary: next due is exactly one minute after it.
	h.clk.Advance(1005 * time.Millisecond)
	h.waitForRuns(t, job.ID, 1)

	fired := h.getJob(t, job.ID)
	assert.Equal(t, StatusOK, fired.State.LastStatus)
	assert.Equal(t, boundary.Add(time.Minute).UnixMilli(), *fired.State.NextRunAtMs)
}

func TestService_ListAfterExpiryObservesFireOutcome(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	job, err := h.svc.Add(AddSpec{Name: "observed", Schedule: everySpec(5000), Payload: eventPayload("x")})
	require.NoError(t, err)

	h.clk.Advance(5 * time.Second)
	h.waitForRuns(t, job.ID, 1)

	// List queues behind the fire unit, so it never sees pre-fire state.
	jobs, err := h.svc.List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusOK, jobs[0].State.LastStatus)
	assert.Equal(t, h.ms(10*time.Second), *jobs[0].State.NextRunAtMs)
}

func TestService_DispatchFailureRecordedAndRearmed(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.emitter.setErr(fmt.Errorf("event queue unavailable"))

	job, err := h.svc.Add(AddSpec{Name: "flaky", Schedule: everySpec(10000), Payload: eventPayload("x")})
	require.NoError(t, err)

	h.clk.Advance(10 * time.Second)
	h.waitForRuns(t, job.ID, 1)

	failed := h.getJob(t, job.ID)
	assert.Equal(t, StatusError, failed.State.LastStatus)
	assert.Contains(t, failed.State.LastError, "event queue unavailable")
	assert.True(t, failed.Enabled)

	// The failure does not break the recurrence: the timer is re-armed and
	// the next occurrence succeeds.
	require.NotNil(t, failed.State.NextRunAtMs)
	assert.Equal(t, h.ms(20*time.Second), *failed.State.NextRunAtMs)
	assert.Equal(t, 1, h.svc.ArmedTimers())

	h.emitter.setErr(nil)
	h.clk.Advance(10 * time.Second)
	h.waitForRuns(t, job.ID, 2)

	recovered := h.getJob(t, job.ID)
	assert.Equal(t, StatusOK, recovered.State.LastStatus)
	assert.Empty(t, recovered.State.LastError)
}

func TestService_WakeImmediate(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	job, err := h.svc.Add(AddSpec{
		Name:     "urgent",
		Schedule: everySpec(5000),
		WakeMode: WakeImmediate,
		Payload:  eventPayload("now"),
	})
	require.NoError(t, err)

	h.clk.Advance(5 * time.Second)
	h.waitForRuns(t, job.ID, 1)

	assert.Equal(t, int32(1), h.waker.calls.Load())
}

func TestService_WakeNextHeartbeatDoesNotNudge(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	job, err := h.svc.Add(AddSpec{
		Name:     "patient",
		Schedule: everySpec(5000),
		WakeMode: WakeNextHeartbeat,
		Payload:  eventPayload("later"),
	})
	require.NoError(t, err)

	h.clk.Advance(5 * time.Second)
	h.waitForRuns(t, job.ID, 1)

	assert.Equal(t, int32(0), h.waker.calls.Load())
}

func TestService_AgentTurnPayload(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	job, err := h.svc.Add(AddSpec{
		Name:          "researcher",
		Schedule:      everySpec(5000),
		SessionTarget: "main",
		Payload:       agentPayload("summarize the news"),
	})
	require.NoError(t, err)

	h.clk.Advance(5 * time.Second)
	h.waitForRuns(t, job.ID, 1)

	require.Equal(t, 1, h.agent.count())
	assert.Equal(t, "summarize the news", h.agent.jobs[0].Message)
	assert.Equal(t, job.ID, h.agent.jobs[0].JobID)
	assert.Equal(t, StatusOK, h.getJob(t, job.ID).State.LastStatus)
}

func TestService_AgentTurnErrorStatusRecorded(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.agent.result = AgentResult{Status: StatusError, Error: "model refused"}

	job, err := h.svc.Add(AddSpec{Name: "doomed", Schedule: everySpec(5000), Payload: agentPayload("try")})
	require.NoError(t, err)

	h.clk.Advance(5 * time.Second)
	h.waitForRuns(t, job.ID, 1)

	fired := h.getJob(t, job.ID)
	assert.Equal(t, StatusError, fired.State.LastStatus)
	assert.Contains(t, fired.State.LastError, "model refused")
}

func TestService_DeleteAfterRun(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	job, err := h.svc.Add(AddSpec{
		Name:           "one shot",
		Schedule:       everySpec(5000),
		DeleteAfterRun: true,
		Payload:        eventPayload("once"),
	})
	require.NoError(t, err)

	h.clk.Advance(5 * time.Second)
	h.waitForRuns(t, job.ID, 1)

	_, err = h.svc.Get(job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, h.svc.ArmedTimers())

	// The removal is durable.
	store := NewStore(h.storePath, testLogger(t))
	persisted, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestService_RestartCatchUp_SkipsMissedOccurrences(t *testing.T) {
	storePath := testStorePath(t)
	clk := clock.NewFake(harnessEpoch)

	h1 := newHarnessAt(t, storePath, clk, "")
	h1.start(t)

	job, err := h1.svc.Add(AddSpec{Name: "backlog", Schedule: everySpec(10000), Payload: eventPayload("x")})
	require.NoError(t, err)
	require.NoError(t, h1.svc.Stop())

	// Down for three and a half periods past the due time.
	clk.Advance(45 * time.Second)

	h2 := newHarnessAt(t, storePath, clk, "")
	h2.start(t)
	h2.waitForRuns(t, job.ID, 1)

	fired := h2.getJob(t, job.ID)
	assert.Equal(t, StatusOK, fired.State.LastStatus)
	assert.Equal(t, harnessEpoch.Add(45*time.Second).UnixMilli(), *fired.State.LastRunAtMs)

	// One catch-up fire, then straight to the first future multiple of the
	// original anchor.
	assert.Len(t, h2.svc.RunLog(job.ID, 0), 1)
	assert.Equal(t, harnessEpoch.Add(50*time.Second).UnixMilli(), *fired.State.NextRunAtMs)
	assert.Equal(t, 1, h2.emitter.count())
}

func TestService_RestartFutureDueTimeArmsTimer(t *testing.T) {
	storePath := testStorePath(t)
	clk := clock.NewFake(harnessEpoch)

	h1 := newHarnessAt(t, storePath, clk, "")
	h1.start(t)

	job, err := h1.svc.Add(AddSpec{Name: "later", Schedule: everySpec(60000), Payload: eventPayload("x")})
	require.NoError(t, err)
	require.NoError(t, h1.svc.Stop())

	clk.Advance(20 * time.Second)

	h2 := newHarnessAt(t, storePath, clk, "")
	h2.start(t)

	assert.Equal(t, 1, h2.svc.ArmedTimers())
	assert.Empty(t, h2.svc.RunLog(job.ID, 0))

	// The remaining 40s elapse and the job fires on schedule.
	clk.Advance(40 * time.Second)
	h2.waitForRuns(t, job.ID, 1)
	assert.Equal(t, harnessEpoch.Add(2*time.Minute).UnixMilli(), *h2.getJob(t, job.ID).State.NextRunAtMs)
}

func TestService_StopLetsInFlightFireFinish(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	block := make(chan struct{})
	entered := make(chan struct{})
	h.emitter.setErr(nil)

	// Swap in a blocking emitter.
	h.svc.emitter = emitterFunc(func(text string) error {
		close(entered)
		<-block
		return nil
	})

	job, err := h.svc.Add(AddSpec{Name: "slow", Schedule: everySpec(5000), Payload: eventPayload("x")})
	require.NoError(t, err)

	h.clk.Advance(5 * time.Second)
	<-entered

	done := make(chan struct{})
	go func() {
		_ = h.svc.Stop()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("stop returned while a fire was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the fire finished")
	}

	// The outcome of the in-flight fire was still recorded.
	assert.Len(t, h.svc.RunLog(job.ID, 0), 1)
}

func TestService_RestartCatchUp_OneShotRemovalKeepsOthers(t *testing.T) {
	storePath := testStorePath(t)
	clk := clock.NewFake(harnessEpoch)

	h1 := newHarnessAt(t, storePath, clk, "")
	h1.start(t)

	once, err := h1.svc.Add(AddSpec{
		Name:           "overdue one shot",
		Schedule:       everySpec(5000),
		DeleteAfterRun: true,
		Payload:        eventPayload("once"),
	})
	require.NoError(t, err)

	var keepers []string
	for i := 0; i < 3; i++ {
		job, err := h1.svc.Add(AddSpec{
			Name:     fmt.Sprintf("keeper %d", i),
			Schedule: everySpec(60000),
			Payload:  eventPayload("x"),
		})
		require.NoError(t, err)
		keepers = append(keepers, job.ID)
	}
	require.NoError(t, h1.svc.Stop())

	// Only the one-shot is overdue after the downtime; its catch-up fire
	// rewrites the job set while the others are still being armed.
	clk.Advance(10 * time.Second)

	h2 := newHarnessAt(t, storePath, clk, "")
	h2.start(t)
	h2.waitForRuns(t, once.ID, 1)

	_, err = h2.svc.Get(once.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	jobs, err := h2.svc.List()
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for i, id := range keepers {
		assert.Equal(t, id, jobs[i].ID)
	}
	assert.Equal(t, 3, h2.svc.ArmedTimers())
}

func TestService_QueueFullFireIsRetried(t *testing.T) {
	clk := clock.NewFake(harnessEpoch)

	block := make(chan struct{})
	entered := make(chan struct{}, 1)

	svc := New(Options{
		StorePath:     testStorePath(t),
		QueueCapacity: 1,
		Clock:         clk,
		Logger:        testLogger(t),
		Namespace:     "test",
		Registerer:    prometheus.NewRegistry(),
		Emitter: emitterFunc(func(text string) error {
			if text == "slow" {
				entered <- struct{}{}
				<-block
			}
			return nil
		}),
	})
	require.NoError(t, svc.Start())
	t.Cleanup(func() { _ = svc.Stop() })

	slow, err := svc.Add(AddSpec{Name: "slow", Schedule: everySpec(10000), Payload: eventPayload("slow")})
	require.NoError(t, err)
	mid, err := svc.Add(AddSpec{Name: "mid", Schedule: everySpec(11000), Payload: eventPayload("x")})
	require.NoError(t, err)
	crowded, err := svc.Add(AddSpec{Name: "crowded", Schedule: everySpec(12000), Payload: eventPayload("x")})
	require.NoError(t, err)

	// The slow fire occupies the worker.
	clk.Advance(10 * time.Second)
	<-entered

	// The next two expiries compete for the single buffer slot: one queues,
	// the other must come back as a retry timer instead of being dropped.
	clk.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return svc.ArmedTimers() == 1
	}, 2*time.Second, 2*time.Millisecond, "rejected fire never armed a retry timer")

	close(block)
	require.Eventually(t, func() bool {
		return len(svc.RunLog("", 0)) >= 2
	}, 2*time.Second, 2*time.Millisecond)
	_, err = svc.List()
	require.NoError(t, err)

	clk.Advance(fireRetryDelay)
	require.Eventually(t, func() bool {
		return len(svc.RunLog("", 0)) >= 3
	}, 2*time.Second, 2*time.Millisecond, "retried fire never ran")

	for _, id := range []string{slow.ID, mid.ID, crowded.ID} {
		assert.Len(t, svc.RunLog(id, 0), 1)
	}
}

func TestService_StopDisarmsTimerRearmedByDrainedFire(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	block := make(chan struct{})
	entered := make(chan struct{})
	h.svc.emitter = emitterFunc(func(text string) error {
		close(entered)
		<-block
		return nil
	})

	job, err := h.svc.Add(AddSpec{Name: "slow", Schedule: everySpec(5000), Payload: eventPayload("x")})
	require.NoError(t, err)

	h.clk.Advance(5 * time.Second)
	<-entered

	done := make(chan struct{})
	go func() {
		_ = h.svc.Stop()
		close(done)
	}()

	// Let stop reach the queue drain, then release the fire; its completion
	// re-arms the job's timer inside the drained unit.
	time.Sleep(50 * time.Millisecond)
	close(block)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	assert.Len(t, h.svc.RunLog(job.ID, 0), 1)
	assert.Equal(t, 0, h.svc.ArmedTimers())
	assert.False(t, h.svc.Started())
}

func TestService_RunLogRecordsHistory(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	job, err := h.svc.Add(AddSpec{Name: "historied", Schedule: everySpec(10000), Payload: eventPayload("x")})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		h.clk.Advance(10 * time.Second)
		h.waitForRuns(t, job.ID, i)
	}

	recs := h.svc.RunLog(job.ID, 2)
	require.Len(t, recs, 2)
	assert.Equal(t, job.ID, recs[0].JobID)
	assert.Equal(t, "historied", recs[0].Name)
	assert.Equal(t, StatusOK, recs[1].Status)
	assert.Equal(t, h.ms(30*time.Second), recs[1].AtMs)
}
