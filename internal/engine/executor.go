package engine

import (
	"context"
	"errors"
	"fmt"

	"switchboard/internal/config"
	"switchboard/internal/domain"
)

// ErrNoExecutor is returned by dispatch operations when no executor is wired.
var ErrNoExecutor = errors.New("no executor configured")

// Worker is one worker process as reported by an Executor.
type Worker struct {
	ID        string `json:"id"`
	AgentKey  string `json:"agent_key"`
	TaskID    string `json:"task_id,omitempty"`
	State     string `json:"state"`
	StartedAt string `json:"started_at,omitempty" format:"date-time"`
}

type WorkerSpec struct {
	AgentKey string
	TaskID   string
	Runtime  config.RuntimeParams
}

// Executor starts and stops workers outside this process. Switchboard never
// supervises processes itself.
type Executor interface {
	Start(ctx context.Context, spec WorkerSpec) (Worker, error)
	Stop(ctx context.Context, workerID string) error
	List(ctx context.Context) ([]Worker, error)
}

// DispatchTask claims a queued task and asks the executor to run it. A worker
// that cannot be started counts as a failed attempt.
func (e Engine) DispatchTask(ctx context.Context, actor Actor, id string) (domain.Task, Worker, error) {
	if e.Executor == nil {
		return domain.Task{}, Worker{}, ErrNoExecutor
	}
	t, err := e.ClaimTask(ctx, actor, id)
	if err != nil {
		return t, Worker{}, err
	}
	spec := WorkerSpec{AgentKey: t.AgentKey, TaskID: t.ID}
	agent, err := e.Repo.GetAgent(ctx, nil, t.AgentKey)
	if err == nil {
		spec.Runtime, err = e.Config.ResolveRuntime(agent)
	}
	if err != nil {
		failed, ferr := e.FailTask(ctx, actor, t.ID, fmt.Sprintf("resolve runtime: %v", err))
		return failed, Worker{}, errors.Join(err, ferr)
	}
	w, err := e.Executor.Start(ctx, spec)
	if err != nil {
		failed, ferr := e.FailTask(ctx, actor, t.ID, fmt.Sprintf("start worker: %v", err))
		return failed, Worker{}, errors.Join(err, ferr)
	}
	e.log().Info("task dispatched", "task", t.ID, "agent", t.AgentKey, "worker", w.ID)
	return t, w, nil
}

func (e Engine) StopWorker(ctx context.Context, workerID string) error {
	if e.Executor == nil {
		return ErrNoExecutor
	}
	return e.Executor.Stop(ctx, workerID)
}
