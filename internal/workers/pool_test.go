package workers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avoronkov/pulsecron/internal/cron"
	"github.com/avoronkov/pulsecron/internal/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", Output: "stderr"})
	require.NoError(t, err)
	return log
}

func newPool(t *testing.T, count, buffer int) *Pool {
	t.Helper()
	p := New(count, buffer, testLogger(t))
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestPool_Lifecycle(t *testing.T) {
	p := New(2, 4, testLogger(t))

	assert.ErrorIs(t, p.Stop(), ErrNotStarted)
	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), ErrAlreadyStarted)
	require.NoError(t, p.Stop())
	assert.ErrorIs(t, p.Stop(), ErrNotStarted)
}

func TestPool_DoRunsExecutor(t *testing.T) {
	p := newPool(t, 2, 4)
	p.RegisterExecutor("echo", func(_ context.Context, task Task) (Result, error) {
		return Result{Status: "ok", Error: ""}, nil
	})
	require.NoError(t, p.Start())

	result, err := p.Do(context.Background(), Task{ID: "t1", Kind: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)

	m := p.Metrics()
	assert.Equal(t, int64(1), m.TasksSubmitted)
	assert.Equal(t, int64(1), m.TasksCompleted)
}

func TestPool_DoBeforeStart(t *testing.T) {
	p := New(1, 1, testLogger(t))
	p.RegisterExecutor("echo", func(_ context.Context, _ Task) (Result, error) {
		return Result{Status: "ok"}, nil
	})

	_, err := p.Do(context.Background(), Task{Kind: "echo"})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestPool_UnknownKind(t *testing.T) {
	p := newPool(t, 1, 1)
	require.NoError(t, p.Start())

	_, err := p.Do(context.Background(), Task{Kind: "mystery"})
	assert.ErrorIs(t, err, ErrUnknownTaskKind)
}

func TestPool_ExecutorErrorCountsAsFailed(t *testing.T) {
	p := newPool(t, 1, 1)
	p.RegisterExecutor("fail", func(_ context.Context, _ Task) (Result, error) {
		return Result{}, fmt.Errorf("broken")
	})
	require.NoError(t, p.Start())

	_, err := p.Do(context.Background(), Task{Kind: "fail"})
	require.Error(t, err)
	assert.Equal(t, int64(1), p.Metrics().TasksFailed)
}

func TestPool_ExecutorPanicIsAnError(t *testing.T) {
	p := newPool(t, 1, 1)
	p.RegisterExecutor("panic", func(_ context.Context, _ Task) (Result, error) {
		panic("executor bug")
	})
	require.NoError(t, p.Start())

	_, err := p.Do(context.Background(), Task{Kind: "panic"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// The worker survives.
	p.RegisterExecutor("ok", func(_ context.Context, _ Task) (Result, error) {
		return Result{Status: "ok"}, nil
	})
	result, err := p.Do(context.Background(), Task{Kind: "ok"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
}

func TestPool_DoHonorsContext(t *testing.T) {
	p := newPool(t, 1, 1)
	release := make(chan struct{})
	p.RegisterExecutor("slow", func(_ context.Context, _ Task) (Result, error) {
		<-release
		return Result{Status: "ok"}, nil
	})
	require.NoError(t, p.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := p.Do(ctx, Task{Kind: "slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestPool_ConcurrentTasks(t *testing.T) {
	p := newPool(t, 4, 16)
	p.RegisterExecutor("count", func(_ context.Context, _ Task) (Result, error) {
		return Result{Status: "ok"}, nil
	})
	require.NoError(t, p.Start())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Do(context.Background(), Task{ID: fmt.Sprintf("t%d", i), Kind: "count"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(20), p.Metrics().TasksCompleted)
}

func TestAgentRunner_MapsJobToTask(t *testing.T) {
	p := newPool(t, 1, 4)

	var got Task
	p.RegisterExecutor(TaskKindAgentTurn, func(_ context.Context, task Task) (Result, error) {
		got = task
		return Result{Status: "ok"}, nil
	})
	require.NoError(t, p.Start())

	runner := NewAgentRunner(p)
	result, err := runner.RunIsolatedJob(context.Background(), cron.AgentJob{
		JobID:         "job-7",
		Name:          "daily digest",
		Message:       "compile the digest",
		SessionTarget: "main",
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, "job-7", got.ID)

	job, ok := got.Payload.(cron.AgentJob)
	require.True(t, ok)
	assert.Equal(t, "compile the digest", job.Message)
}

func TestAgentRunner_ErrorResult(t *testing.T) {
	p := newPool(t, 1, 4)
	p.RegisterExecutor(TaskKindAgentTurn, func(_ context.Context, _ Task) (Result, error) {
		return Result{Status: "error", Error: "turn refused"}, nil
	})
	require.NoError(t, p.Start())

	runner := NewAgentRunner(p)
	result, err := runner.RunIsolatedJob(context.Background(), cron.AgentJob{JobID: "j"})
	require.NoError(t, err)
	assert.Equal(t, "error", result.Status)
	assert.Equal(t, "turn refused", result.Error)
}
