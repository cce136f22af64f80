// Package sweep runs periodic maintenance against the task store: requeueing
// tasks stuck in RUNNING and watching the orchestrator lease for lapses.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"switchboard/internal/config"
	"switchboard/internal/domain"
	"switchboard/internal/engine"
)

// Sweeper owns the cron scheduler for the maintenance jobs.
type Sweeper struct {
	Engine engine.Engine
	Actor  engine.Actor
	Logger *slog.Logger

	mu         sync.Mutex
	lastHealth domain.LeaseHealth
	cron       *cron.Cron
}

func New(eng engine.Engine) *Sweeper {
	return &Sweeper{
		Engine: eng,
		Actor:  engine.Actor{Role: domain.RoleOrchestrator, ID: "sweep"},
		Logger: eng.Logger,
	}
}

func (s *Sweeper) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Start schedules both jobs with the given cron specs and starts the
// scheduler. An empty spec disables that job.
func (s *Sweeper) Start(ctx context.Context, specs config.Sweep) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if specs.StaleRunning != "" {
		if _, err := c.AddFunc(specs.StaleRunning, func() {
			if _, err := s.RecoverStale(ctx); err != nil {
				s.log().Error("stale running sweep failed", "err", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule stale_running %q: %w", specs.StaleRunning, err)
		}
	}
	if specs.LeaseWatch != "" {
		if _, err := c.AddFunc(specs.LeaseWatch, func() {
			if _, err := s.WatchLease(ctx); err != nil {
				s.log().Error("lease watch failed", "err", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule lease_watch %q: %w", specs.LeaseWatch, err)
		}
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	s.log().Info("sweep started", "stale_running", specs.StaleRunning, "lease_watch", specs.LeaseWatch)
	return nil
}

// Stop halts the scheduler and waits for running jobs or ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RecoverStale requeues stale RUNNING tasks. With lease enforcement on, the
// pass is skipped unless the sweep actor holds the lease.
func (s *Sweeper) RecoverStale(ctx context.Context) (int, error) {
	if s.Engine.Config.Lease.Enforce {
		snap, err := s.Engine.PeekLease(ctx)
		if err != nil {
			return 0, err
		}
		if !snap.Held || snap.Lease.OwnerID == nil || *snap.Lease.OwnerID != s.Actor.ID {
			s.log().Debug("stale running sweep skipped; lease not held", "owner", s.Actor.ID, "health", snap.Health)
			return 0, nil
		}
	}
	recovered, err := s.Engine.RecoverStaleRunning(ctx, s.Actor)
	if len(recovered) > 0 {
		s.log().Info("recovered stale running tasks", "count", len(recovered))
	}
	return len(recovered), err
}

// WatchLease records LEASE_AUTHORITY_UNAVAILABLE when the lease goes from
// held to STALE or UNHELD between two observations.
func (s *Sweeper) WatchLease(ctx context.Context) (bool, error) {
	snap, err := s.Engine.PeekLease(ctx)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	prev := s.lastHealth
	s.lastHealth = snap.Health
	s.mu.Unlock()

	if !heldHealth(prev) || heldHealth(snap.Health) {
		return false, nil
	}
	owner := ""
	if snap.Lease.OwnerID != nil {
		owner = *snap.Lease.OwnerID
	}
	_, err = s.Engine.RecordFailure(ctx, s.Actor, engine.FailureInput{
		Class:   domain.FailureLeaseAuthorityUnavailable,
		LeaseID: snap.Lease.ID,
		Detail:  fmt.Sprintf("lease went from %s to %s", prev, snap.Health),
		Metadata: map[string]any{
			"previous_health": string(prev),
			"health":          string(snap.Health),
			"owner_id":        owner,
		},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func heldHealth(h domain.LeaseHealth) bool {
	return h == domain.LeaseHealthy || h == domain.LeaseExpiring
}
