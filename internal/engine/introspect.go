package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"switchboard/internal/domain"
	"switchboard/internal/failure"
	"switchboard/internal/repo"
)

// Section states shared by every introspection section.
const (
	StateOK          = "OK"
	StateUnknown     = "UNKNOWN"
	StateUnavailable = "UNAVAILABLE"
)

// Context lock states.
const (
	LockClear   = "CLEAR"
	LockWarning = "WARNING"
	LockLocked  = "LOCKED"
)

const (
	recentFailureLimit = 10
	failureWindow      = 24 * time.Hour
)

type Snapshot struct {
	GeneratedAt string               `json:"generated_at" format:"date-time"`
	Lease       LeaseSection         `json:"lease"`
	ContextLock ContextLockSection   `json:"context_lock"`
	Tasks       TaskSection          `json:"tasks"`
	Failures    FailureSection       `json:"failures"`
	Workers     WorkerSection        `json:"workers"`
	Errors      []IntrospectionError `json:"errors"`
}

type IntrospectionError struct {
	Section string `json:"section"`
	Message string `json:"message"`
}

type LeaseSection struct {
	State  string                `json:"state"`
	Health domain.LeaseHealth    `json:"health,omitempty"`
	Lease  *domain.LeaseSnapshot `json:"lease,omitempty"`
}

type ContextLockSection struct {
	State  string               `json:"state"`
	Latest *domain.FailureEvent `json:"latest,omitempty"`
}

type TaskSection struct {
	State                  string                    `json:"state"`
	Counts                 map[domain.TaskStatus]int `json:"counts,omitempty"`
	OldestRunningStartedAt *string                   `json:"oldest_running_started_at,omitempty"`
	StaleRunning           int                       `json:"stale_running"`
}

type FailureSection struct {
	State  string                      `json:"state"`
	Recent []domain.FailureEvent       `json:"recent,omitempty"`
	Counts map[domain.FailureClass]int `json:"counts,omitempty"`
}

type WorkerSection struct {
	State   string   `json:"state"`
	Workers []Worker `json:"workers,omitempty"`
}

// Introspect gathers the health snapshot. Sections are read concurrently
// and never write; a section that cannot be read reports UNKNOWN and adds an
// entry to Errors instead of failing the snapshot.
func (e Engine) Introspect(ctx context.Context) Snapshot {
	now := e.now()
	snap := Snapshot{GeneratedAt: domain.FormatTime(now), Errors: []IntrospectionError{}}
	var mu sync.Mutex
	fail := func(section string, err error) {
		mu.Lock()
		defer mu.Unlock()
		snap.Errors = append(snap.Errors, IntrospectionError{Section: section, Message: err.Error()})
	}

	var g errgroup.Group
	g.Go(func() error {
		l, err := e.PeekLease(ctx)
		if err != nil {
			snap.Lease = LeaseSection{State: StateUnknown}
			fail("lease", err)
			return nil
		}
		snap.Lease = LeaseSection{State: StateOK, Health: l.Health, Lease: &l}
		return nil
	})
	g.Go(func() error {
		since := domain.FormatTime(now.Add(-e.Config.StaleRunningThreshold()))
		guardrail, err := e.Repo.ListFailures(ctx, repo.FailureFilters{
			Classes: []domain.FailureClass{domain.FailureContextGuardrailBlocked, domain.FailureContextGuardrailWarning},
			Since:   since,
			Limit:   1,
		})
		if err != nil {
			snap.ContextLock = ContextLockSection{State: StateUnknown}
			fail("context_lock", err)
			return nil
		}
		snap.ContextLock = contextLock(guardrail)
		return nil
	})
	g.Go(func() error {
		stats, err := e.Repo.TaskStats(ctx, domain.FormatTime(now.Add(-e.Config.StaleRunningThreshold())))
		if err != nil {
			snap.Tasks = TaskSection{State: StateUnknown}
			fail("tasks", err)
			return nil
		}
		snap.Tasks = TaskSection{
			State:                  StateOK,
			Counts:                 stats.Counts,
			OldestRunningStartedAt: stats.OldestRunningStart,
			StaleRunning:           stats.StaleRunning,
		}
		return nil
	})
	g.Go(func() error {
		since := domain.FormatTime(now.Add(-failureWindow))
		recent, err := e.Repo.ListFailures(ctx, repo.FailureFilters{Since: since, Limit: recentFailureLimit})
		if err != nil {
			snap.Failures = FailureSection{State: StateUnknown}
			fail("failures", err)
			return nil
		}
		counts, err := e.Repo.CountFailuresByClass(ctx, since)
		if err != nil {
			snap.Failures = FailureSection{State: StateUnknown}
			fail("failures", err)
			return nil
		}
		snap.Failures = FailureSection{State: StateOK, Recent: recent, Counts: counts}
		return nil
	})
	g.Go(func() error {
		if e.Executor == nil {
			snap.Workers = WorkerSection{State: StateUnavailable}
			return nil
		}
		workers, err := e.Executor.List(ctx)
		if err != nil {
			snap.Workers = WorkerSection{State: StateUnknown}
			fail("workers", err)
			return nil
		}
		snap.Workers = WorkerSection{State: StateOK, Workers: workers}
		return nil
	})
	_ = g.Wait()
	return snap
}

// contextLock derives the guardrail state from the newest guardrail failure
// inside the stale window.
func contextLock(latest []domain.FailureEvent) ContextLockSection {
	if len(latest) == 0 || !failure.IsGuardrail(latest[0].FailureClass) {
		return ContextLockSection{State: LockClear}
	}
	f := latest[0]
	if f.FailureClass == domain.FailureContextGuardrailBlocked {
		return ContextLockSection{State: LockLocked, Latest: &f}
	}
	return ContextLockSection{State: LockWarning, Latest: &f}
}
