package sweep

import (
	"context"
	"testing"
	"time"

	"switchboard/internal/config"
	"switchboard/internal/db"
	"switchboard/internal/domain"
	"switchboard/internal/engine"
	"switchboard/internal/migrate"
	"switchboard/internal/repo"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newSweeper(t *testing.T, cfg *config.Config) (*Sweeper, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg).WithClock(clk.Now)
	if _, err := eng.SeedAgents(context.Background(), cfg.Agents); err != nil {
		t.Fatalf("seed agents: %v", err)
	}
	return New(eng), clk
}

func runningTask(t *testing.T, s *Sweeper) domain.Task {
	t.Helper()
	ctx := context.Background()
	res, err := s.Engine.EnqueueTask(ctx, engine.Actor{Role: domain.RoleHumanOperator, ID: "ops"}, engine.EnqueueRequest{AgentKey: "alpha", Title: "Rebuild index"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := s.Engine.ClaimTask(ctx, s.Actor, res.Task.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return task
}

func TestRecoverStale(t *testing.T) {
	s, clk := newSweeper(t, config.Default())
	ctx := context.Background()
	task := runningTask(t, s)

	n, err := s.RecoverStale(ctx)
	if err != nil || n != 0 {
		t.Fatalf("fresh task must not be recovered: n=%d err=%v", n, err)
	}
	clk.Advance(20 * time.Minute)
	n, err = s.RecoverStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one recovery, n=%d err=%v", n, err)
	}
	got, _ := s.Engine.GetTask(ctx, task.ID)
	if got.Status != domain.TaskQueued {
		t.Fatalf("expected QUEUED, got %s", got.Status)
	}
}

func TestRecoverStaleSkipsWithoutLease(t *testing.T) {
	cfg := config.Default()
	s, clk := newSweeper(t, cfg)
	ctx := context.Background()
	task := runningTask(t, s)
	cfg.Lease.Enforce = true
	clk.Advance(20 * time.Minute)

	n, err := s.RecoverStale(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected skip without lease, n=%d err=%v", n, err)
	}
	got, _ := s.Engine.GetTask(ctx, task.ID)
	if got.Status != domain.TaskRunning {
		t.Fatalf("task should still be RUNNING, got %s", got.Status)
	}
}

func TestWatchLeaseRecordsLapse(t *testing.T) {
	s, clk := newSweeper(t, config.Default())
	ctx := context.Background()

	recorded, err := s.WatchLease(ctx)
	if err != nil || recorded {
		t.Fatalf("unheld at start is not a lapse: %v %v", recorded, err)
	}
	if _, err := s.Engine.AcquireLease(ctx, engine.LeaseRequest{OwnerID: "orch-1", TTL: 30 * time.Second}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if recorded, _ := s.WatchLease(ctx); recorded {
		t.Fatalf("healthy lease is not a lapse")
	}
	clk.Advance(time.Minute)
	recorded, err = s.WatchLease(ctx)
	if err != nil || !recorded {
		t.Fatalf("expected lapse to be recorded: %v %v", recorded, err)
	}
	if recorded, _ := s.WatchLease(ctx); recorded {
		t.Fatalf("lapse must be recorded once")
	}
	failures, err := s.Engine.ListFailures(ctx, repo.FailureFilters{Classes: []domain.FailureClass{domain.FailureLeaseAuthorityUnavailable}})
	if err != nil || len(failures) != 1 {
		t.Fatalf("expected one lease failure, got %d (%v)", len(failures), err)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	s, _ := newSweeper(t, config.Default())
	if err := s.Start(context.Background(), config.Sweep{StaleRunning: "not a spec"}); err == nil {
		t.Fatalf("expected schedule error")
	}
	if err := s.Start(context.Background(), config.Sweep{StaleRunning: "@every 1h", LeaseWatch: "@every 1h"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
