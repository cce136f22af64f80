package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"switchboard/internal/config"
	"switchboard/internal/db"
	"switchboard/internal/domain"
	"switchboard/internal/engine"
	"switchboard/internal/events"
	"switchboard/internal/judgement"
	"switchboard/internal/migrate"
	"switchboard/internal/repo"
)

var (
	orchestrator = engine.Actor{Role: domain.RoleOrchestrator, ID: "orch-1"}
	operator     = engine.Actor{Role: domain.RoleHumanOperator, ID: "ops@example.com"}
	admin        = engine.Actor{Role: domain.RoleAdminOverride, ID: "admin@example.com"}
	worker       = engine.Actor{Role: domain.RoleWorker, ID: "worker-1"}
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type testEnv struct {
	Engine engine.Engine
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg).WithClock(clk.Now)
	ctx := context.Background()
	if _, err := eng.SeedAgents(ctx, cfg.Agents); err != nil {
		t.Fatalf("seed agents: %v", err)
	}
	return testEnv{Engine: eng, Clock: clk, Ctx: ctx}
}

func (env testEnv) enqueue(t *testing.T, agent, title string) domain.Task {
	t.Helper()
	res, err := env.Engine.EnqueueTask(env.Ctx, operator, engine.EnqueueRequest{AgentKey: agent, Title: title})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return res.Task
}

func TestLeaseHealthStaleAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AcquireLease(env.Ctx, engine.LeaseRequest{OwnerID: "orch-1", TTL: 5 * time.Second}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	env.Clock.Advance(8 * time.Second)
	snap, err := env.Engine.LeaseSnapshot(env.Ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Health != domain.LeaseStale || snap.Held {
		t.Fatalf("expected STALE and not held, got %s held=%v", snap.Health, snap.Held)
	}
	if snap.TTLMs == nil || *snap.TTLMs != -3000 {
		t.Fatalf("expected ttl -3000ms, got %v", snap.TTLMs)
	}
	if snap.LatestAudit == nil || snap.LatestAudit.Action != engine.ActionLeaseAcquire {
		t.Fatalf("expected latest lease audit to be the acquire, got %+v", snap.LatestAudit)
	}
}

func TestLeaseSnapshotCreatesUnheldRow(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.Engine.LeaseSnapshot(env.Ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Health != domain.LeaseUnheld || snap.Held || snap.Lease.ID != domain.OrchestratorLeaseID {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestLeaseSingleOwner(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.Engine.AcquireLease(env.Ctx, engine.LeaseRequest{OwnerID: "a", TTL: 60 * time.Second})
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if snap.Health != domain.LeaseHealthy || !snap.Held {
		t.Fatalf("expected healthy lease, got %s", snap.Health)
	}
	if _, err := env.Engine.AcquireLease(env.Ctx, engine.LeaseRequest{OwnerID: "b"}); !errors.Is(err, engine.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	audits, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilters{EntityType: events.EntityLease})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(audits) != 2 || !audits[0].Allowed || audits[1].Allowed {
		t.Fatalf("expected allowed then denied lease audit, got %+v", audits)
	}

	env.Clock.Advance(50 * time.Second)
	snap, err = env.Engine.LeaseSnapshot(env.Ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Health != domain.LeaseExpiring || !snap.Held {
		t.Fatalf("expected EXPIRING, got %s", snap.Health)
	}

	env.Clock.Advance(11 * time.Second)
	if _, err := env.Engine.AcquireLease(env.Ctx, engine.LeaseRequest{OwnerID: "b"}); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if _, err := env.Engine.HeartbeatLease(env.Ctx, "a", 0); !errors.Is(err, engine.ErrLeaseNotHeld) {
		t.Fatalf("expected stale owner heartbeat to fail, got %v", err)
	}
}

func TestLeaseHeartbeatIncrements(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AcquireLease(env.Ctx, engine.LeaseRequest{OwnerID: "a"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	var last int64 = -1
	for i := 0; i < 3; i++ {
		env.Clock.Advance(time.Second)
		snap, err := env.Engine.HeartbeatLease(env.Ctx, "a", 0)
		if err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
		if snap.Lease.HeartbeatCount <= last {
			t.Fatalf("heartbeat count did not increase: %d after %d", snap.Lease.HeartbeatCount, last)
		}
		last = snap.Lease.HeartbeatCount
	}
	snap, err := env.Engine.ReleaseLease(env.Ctx, "a")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if snap.Held || snap.Health != domain.LeaseUnheld {
		t.Fatalf("expected released lease to be unheld, got %s", snap.Health)
	}
	if snap.Lease.HeartbeatCount != last {
		t.Fatalf("release must not reset heartbeat count")
	}
}

func TestEnqueueRunsJudgementGate(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.EnqueueTask(env.Ctx, operator, engine.EnqueueRequest{AgentKey: "builder", Title: "Plan the Q3 roadmap"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res.Task.Status != domain.TaskManualRequired || res.Judgement.PolicyID != judgement.CheckControlIntentAlpha {
		t.Fatalf("expected MANUAL_REQUIRED by control intent, got %s %s", res.Task.Status, res.Judgement.PolicyID)
	}
	if res.Task.Payload.Judgement == nil || res.Task.Payload.Judgement.Decision != judgement.DecisionNoGo {
		t.Fatalf("judgement not stored in payload: %+v", res.Task.Payload.Judgement)
	}

	res, err = env.Engine.EnqueueTask(env.Ctx, operator, engine.EnqueueRequest{AgentKey: "ALPHA", Title: "Plan the Q3 roadmap"})
	if err != nil {
		t.Fatalf("enqueue alpha: %v", err)
	}
	if res.Task.Status != domain.TaskQueued || res.Judgement.Decision != judgement.DecisionGo {
		t.Fatalf("expected QUEUED GO, got %s %s", res.Task.Status, res.Judgement.Decision)
	}
	if res.Task.AgentKey != "alpha" {
		t.Fatalf("expected canonical agent key, got %s", res.Task.AgentKey)
	}
	stored, err := env.Engine.GetTask(env.Ctx, res.Task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Payload.Judgement == nil || len(stored.Payload.Judgement.Checks) == 0 {
		t.Fatalf("judgement checks not persisted")
	}
}

func TestEnqueuePausedAgentAddsNote(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetAgentReadiness(env.Ctx, operator, "builder", domain.ReadinessPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	task := env.enqueue(t, "builder", "Fix the login form")
	if task.Status != domain.TaskQueued {
		t.Fatalf("expected QUEUED, got %s", task.Status)
	}
	if task.Error == nil || *task.Error != judgement.PausedNote {
		t.Fatalf("expected pause note, got %v", task.Error)
	}
}

func TestTaskTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := env.enqueue(t, "alpha", "Write release notes")
	task, err := env.Engine.ClaimTask(env.Ctx, orchestrator, task.ID)
	if err != nil || task.Status != domain.TaskRunning {
		t.Fatalf("claim: %v %s", err, task.Status)
	}
	if task.Attempts != 1 || task.StartedAt == nil {
		t.Fatalf("claim should count the attempt and set started_at: %+v", task)
	}
	if _, err := env.Engine.ClaimTask(env.Ctx, orchestrator, task.ID); err == nil {
		t.Fatalf("expected RUNNING -> RUNNING claim to be denied")
	}
	task, err = env.Engine.CompleteTask(env.Ctx, orchestrator, task.ID)
	if err != nil || task.Status != domain.TaskDone || task.FinishedAt == nil {
		t.Fatalf("complete: %v %+v", err, task)
	}

	audits, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilters{EntityType: events.EntityTask, EntityID: task.ID})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	var allowed, denied int
	for _, a := range audits {
		if a.Allowed {
			allowed++
		} else {
			denied++
		}
		if a.Reason == "" {
			t.Fatalf("audit row without reason: %+v", a)
		}
	}
	if allowed != 3 || denied != 1 {
		t.Fatalf("expected 3 allowed and 1 denied audit rows, got %d/%d", allowed, denied)
	}
}

func TestWorkerDenialIsAudited(t *testing.T) {
	env := newTestEnv(t)
	task := env.enqueue(t, "alpha", "Write release notes")
	_, err := env.Engine.ClaimTask(env.Ctx, worker, task.ID)
	var denied *engine.PolicyDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected PolicyDeniedError, got %v", err)
	}
	audits, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilters{EntityID: task.ID, Newest: true, Limit: 1})
	if err != nil || len(audits) != 1 {
		t.Fatalf("audit: %v", err)
	}
	if audits[0].ID != denied.AuditID || audits[0].Allowed || audits[0].ActorRole != domain.RoleWorker {
		t.Fatalf("denial not recorded: %+v", audits[0])
	}
	stored, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if stored.Status != domain.TaskQueued {
		t.Fatalf("denied transition changed the task: %s", stored.Status)
	}
}

func TestForceManualRequiredNeedsAdmin(t *testing.T) {
	env := newTestEnv(t)
	task := env.enqueue(t, "alpha", "Write release notes")
	if _, err := env.Engine.ForceManualRequired(env.Ctx, operator, task.ID, ""); err == nil {
		t.Fatalf("operator must not force manual")
	}
	task, err := env.Engine.ForceManualRequired(env.Ctx, admin, task.ID, "customer escalation")
	if err != nil || task.Status != domain.TaskManualRequired {
		t.Fatalf("force manual: %v %s", err, task.Status)
	}
}

func TestFailTaskRetriesThenDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Tasks.MaxAttempts = 2
	task := env.enqueue(t, "alpha", "Run the nightly export")

	if _, err := env.Engine.ClaimTask(env.Ctx, orchestrator, task.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	task, err := env.Engine.FailTask(env.Ctx, orchestrator, task.ID, "connection reset")
	if err != nil || task.Status != domain.TaskQueued {
		t.Fatalf("first failure should retry: %v %s", err, task.Status)
	}
	if _, err := env.Engine.ClaimTask(env.Ctx, orchestrator, task.ID); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	task, err = env.Engine.FailTask(env.Ctx, orchestrator, task.ID, "connection reset")
	if err != nil || task.Status != domain.TaskDeadLetter {
		t.Fatalf("second failure should dead-letter: %v %s", err, task.Status)
	}
	failures, err := env.Engine.ListFailures(env.Ctx, repo.FailureFilters{Classes: []domain.FailureClass{domain.FailureExecutionRetryExhausted}})
	if err != nil || len(failures) != 1 {
		t.Fatalf("expected one retry-exhausted failure, got %d (%v)", len(failures), err)
	}
	if failures[0].FallbackAction != domain.FallbackDeadLetter || failures[0].TaskID == nil || *failures[0].TaskID != task.ID {
		t.Fatalf("unexpected failure event %+v", failures[0])
	}
}

func TestRecoverStaleRunning(t *testing.T) {
	env := newTestEnv(t)
	stale := env.enqueue(t, "alpha", "Index the archive")
	if _, err := env.Engine.ClaimTask(env.Ctx, orchestrator, stale.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	env.Clock.Advance(16 * time.Minute)
	fresh := env.enqueue(t, "alpha", "Summarize the inbox")
	if _, err := env.Engine.ClaimTask(env.Ctx, orchestrator, fresh.ID); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}

	recovered, err := env.Engine.RecoverStaleRunning(env.Ctx, orchestrator)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 || recovered[0].ID != stale.ID || recovered[0].Status != domain.TaskQueued {
		t.Fatalf("expected only the stale task recovered, got %+v", recovered)
	}
	failures, err := env.Engine.ListFailures(env.Ctx, repo.FailureFilters{Classes: []domain.FailureClass{domain.FailureStaleRunningDetected}})
	if err != nil || len(failures) != 1 {
		t.Fatalf("expected one stale failure, got %d (%v)", len(failures), err)
	}
	got, _ := env.Engine.GetTask(env.Ctx, fresh.ID)
	if got.Status != domain.TaskRunning {
		t.Fatalf("fresh task should keep running, got %s", got.Status)
	}
}

func TestLeaseEnforcement(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Lease.Enforce = true
	task := env.enqueue(t, "alpha", "Write release notes")
	var denied *engine.PolicyDeniedError
	if _, err := env.Engine.ClaimTask(env.Ctx, orchestrator, task.ID); !errors.As(err, &denied) {
		t.Fatalf("expected claim without lease to be denied, got %v", err)
	}
	if _, err := env.Engine.AcquireLease(env.Ctx, engine.LeaseRequest{OwnerID: orchestrator.ID}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := env.Engine.ClaimTask(env.Ctx, orchestrator, task.ID); err != nil {
		t.Fatalf("claim with lease: %v", err)
	}
}

func TestRecordFailureDoesNotTouchTasks(t *testing.T) {
	env := newTestEnv(t)
	task := env.enqueue(t, "alpha", "Write release notes")
	f, err := env.Engine.RecordFailure(env.Ctx, orchestrator, engine.FailureInput{
		Class:  domain.FailureContextGuardrailBlocked,
		TaskID: task.ID,
		Detail: "context window at 98%",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if f.Severity != domain.SeverityHigh || f.FallbackAction != domain.FallbackManualRequired || f.Remediation == "" {
		t.Fatalf("unexpected decision on failure %+v", f)
	}
	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskQueued {
		t.Fatalf("record failure changed task state to %s", got.Status)
	}
	audits, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilters{EntityType: events.EntityFailure, EntityID: f.ID})
	if err != nil || len(audits) != 1 {
		t.Fatalf("expected one failure audit row, got %d (%v)", len(audits), err)
	}
	if _, err := env.Engine.RecordFailure(env.Ctx, orchestrator, engine.FailureInput{Class: "BOGUS"}); err == nil {
		t.Fatalf("expected unknown class to fail")
	}
}

func TestListFailuresSinceNormalizesTimestamp(t *testing.T) {
	env := newTestEnv(t)
	f, err := env.Engine.RecordFailure(env.Ctx, orchestrator, engine.FailureInput{Class: domain.FailureContextGuardrailWarning})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	for _, since := range []string{"2024-01-01T00:00:00Z", "2024-01-01T01:00:00+01:00", "2024-01-01T00:00:00.000Z"} {
		items, err := env.Engine.ListFailures(env.Ctx, repo.FailureFilters{Since: since})
		if err != nil {
			t.Fatalf("list since %s: %v", since, err)
		}
		if len(items) != 1 || items[0].ID != f.ID {
			t.Fatalf("since %s: expected the failure recorded in that second, got %+v", since, items)
		}
	}
	items, err := env.Engine.ListFailures(env.Ctx, repo.FailureFilters{Since: "2024-01-01T00:00:01Z"})
	if err != nil || len(items) != 0 {
		t.Fatalf("expected nothing after the event, got %d (%v)", len(items), err)
	}
	if _, err := env.Engine.ListFailures(env.Ctx, repo.FailureFilters{Since: "yesterday"}); err == nil {
		t.Fatalf("expected an error for an unparsable since")
	}
}

func TestManualFallbackTask(t *testing.T) {
	env := newTestEnv(t)
	src := env.enqueue(t, "alpha", "Migrate billing data")
	task, err := env.Engine.EnqueueManualFallbackTask(env.Ctx, "ops@example.com", engine.ManualFallbackRequest{
		Class:        domain.FailureContextGuardrailBlocked,
		SourceTaskID: src.ID,
		Prompt:       "migrate billing tables",
		Package:      json.RawMessage(`{"tables":["invoices"]}`),
	})
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if task.Status != domain.TaskManualRequired || task.FinishedAt == nil || task.Error == nil {
		t.Fatalf("fallback task should be finished MANUAL_REQUIRED with error: %+v", task)
	}
	if task.AgentKey != "alpha" || task.Payload.Fallback == nil || task.Payload.Fallback.SourceTaskID != src.ID {
		t.Fatalf("fallback snapshot missing: %+v", task.Payload)
	}
	stored, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(stored.Payload.Fallback.Package) != `{"tables":["invoices"]}` {
		t.Fatalf("package not persisted: %s", stored.Payload.Fallback.Package)
	}

	before, _ := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	if _, err := env.Engine.EnqueueManualFallbackTask(env.Ctx, "ops@example.com", engine.ManualFallbackRequest{
		Class:   domain.FailureContextGuardrailBlocked,
		Package: json.RawMessage(`{broken`),
	}); err == nil {
		t.Fatalf("expected invalid package to fail")
	}
	after, _ := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	if len(after) != len(before) {
		t.Fatalf("failed fallback left a partial task")
	}
}

func TestDeliverEmailCreatesIntakeAndReuses(t *testing.T) {
	env := newTestEnv(t)
	d := engine.EmailDelivery{
		EventID:     "evt-1",
		MessageID:   "<m1@example.com>",
		SenderEmail: "ops@example.com",
		Subject:     "Printer on fire",
		Body:        "please look",
	}
	res, err := env.Engine.DeliverEmail(env.Ctx, d)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Task.AgentKey != config.DefaultIntakeAgentKey || res.Task.Status != domain.TaskQueued {
		t.Fatalf("expected intake task queued, got %s %s", res.Task.AgentKey, res.Task.Status)
	}
	if res.Task.ThreadID == nil || *res.Task.ThreadID != res.ThreadID {
		t.Fatalf("task not linked to thread")
	}
	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, res.ThreadID)
	if err != nil || len(msgs) != 1 || msgs[0].Body != "please look" {
		t.Fatalf("expected documenting message, got %+v (%v)", msgs, err)
	}
	intake, err := env.Engine.GetAgent(env.Ctx, config.DefaultIntakeAgentKey)
	if err != nil || intake.ControlRole != domain.ControlAlpha || intake.Readiness != domain.ReadinessReady {
		t.Fatalf("intake agent not auto-created: %+v %v", intake, err)
	}

	again, err := env.Engine.DeliverEmail(env.Ctx, d)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if !again.Reused || again.Task.ID != res.Task.ID {
		t.Fatalf("expected the existing task to be reused")
	}
}

func TestIntrospect(t *testing.T) {
	env := newTestEnv(t)
	task := env.enqueue(t, "alpha", "Write release notes")
	if _, err := env.Engine.ClaimTask(env.Ctx, orchestrator, task.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.RecordFailure(env.Ctx, orchestrator, engine.FailureInput{Class: domain.FailureContextGuardrailWarning}); err != nil {
		t.Fatalf("record: %v", err)
	}
	snap := env.Engine.Introspect(env.Ctx)
	if len(snap.Errors) != 0 {
		t.Fatalf("unexpected errors %+v", snap.Errors)
	}
	if snap.Lease.State != engine.StateOK || snap.Lease.Health != domain.LeaseUnheld {
		t.Fatalf("lease section %+v", snap.Lease)
	}
	if snap.ContextLock.State != engine.LockWarning {
		t.Fatalf("expected context lock WARNING, got %s", snap.ContextLock.State)
	}
	if snap.Tasks.Counts[domain.TaskRunning] != 1 || snap.Tasks.OldestRunningStartedAt == nil {
		t.Fatalf("task section %+v", snap.Tasks)
	}
	if snap.Failures.Counts[domain.FailureContextGuardrailWarning] != 1 {
		t.Fatalf("failure section %+v", snap.Failures)
	}
	if snap.Workers.State != engine.StateUnavailable {
		t.Fatalf("workers without executor should be UNAVAILABLE, got %s", snap.Workers.State)
	}

	// Introspection never creates the lease row.
	if _, err := env.Engine.Repo.GetLease(env.Ctx, nil); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("introspection wrote the lease row: %v", err)
	}
}

func TestIntrospectDegradesPerSection(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Executor = failingExecutor{}
	snap := env.Engine.Introspect(env.Ctx)
	if snap.Workers.State != engine.StateUnknown {
		t.Fatalf("expected UNKNOWN workers, got %s", snap.Workers.State)
	}
	if len(snap.Errors) != 1 || snap.Errors[0].Section != "workers" {
		t.Fatalf("expected one workers error, got %+v", snap.Errors)
	}
	if snap.Tasks.State != engine.StateOK {
		t.Fatalf("other sections must still report, got %s", snap.Tasks.State)
	}
}

type failingExecutor struct{}

func (failingExecutor) Start(context.Context, engine.WorkerSpec) (engine.Worker, error) {
	return engine.Worker{}, errors.New("executor offline")
}
func (failingExecutor) Stop(context.Context, string) error { return errors.New("executor offline") }
func (failingExecutor) List(context.Context) ([]engine.Worker, error) {
	return nil, errors.New("executor offline")
}

func TestDispatchStartFailureCountsAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Executor = failingExecutor{}
	task := env.enqueue(t, "alpha", "Write release notes")
	got, _, err := env.Engine.DispatchTask(env.Ctx, orchestrator, task.ID)
	if err == nil {
		t.Fatalf("expected start error")
	}
	if got.Status != domain.TaskQueued || got.Attempts != 1 {
		t.Fatalf("expected task retried after failed start, got %s attempts=%d", got.Status, got.Attempts)
	}
}
