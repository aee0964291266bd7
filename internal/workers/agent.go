package workers

import (
	"context"

	"github.com/avoronkov/pulsecron/internal/cron"
)

// TaskKindAgentTurn routes isolated agent turns through the pool.
const TaskKindAgentTurn = "agentTurn"

// AgentRunner adapts the pool to the scheduler's agent collaborator
// contract: each agentTurn payload becomes one pool task.
type AgentRunner struct {
	pool *Pool
}

// NewAgentRunner creates the adapter.
func NewAgentRunner(pool *Pool) *AgentRunner {
	return &AgentRunner{pool: pool}
}

// RunIsolatedJob runs the job on the pool and maps the outcome back to the
// scheduler's result shape.
func (r *AgentRunner) RunIsolatedJob(ctx context.Context, job cron.AgentJob) (cron.AgentResult, error) {
	result, err := r.pool.Do(ctx, Task{
		ID:      job.JobID,
		Kind:    TaskKindAgentTurn,
		Payload: job,
	})
	if err != nil {
		return cron.AgentResult{}, err
	}
	return cron.AgentResult{Status: result.Status, Error: result.Error}, nil
}
