package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"switchboard/internal/config"
	"switchboard/internal/domain"
	"switchboard/internal/events"
	"switchboard/internal/lifecycle"
	"switchboard/internal/repo"
)

// Agent audit actions outside the readiness state machine.
const (
	ActionRegisterAgent  = "REGISTER_AGENT"
	ActionUpdateAgent    = "UPDATE_AGENT"
	ActionAgentSmokeTest = "AGENT_SMOKE_TEST_PASSED"
)

type AgentSpec struct {
	Key         string
	Enabled     *bool
	Runtime     domain.Runtime
	ControlRole domain.ControlRole
	// Readiness applies only when the agent is created; later changes go
	// through SetAgentReadiness.
	Readiness domain.Readiness
}

func (s AgentSpec) validate() error {
	if strings.TrimSpace(s.Key) == "" {
		return errors.New("agent key is required")
	}
	switch s.Runtime {
	case "", domain.RuntimeManual, domain.RuntimeLocal, domain.RuntimeCloud:
	default:
		return fmt.Errorf("unknown runtime %q", s.Runtime)
	}
	switch s.ControlRole {
	case "", domain.ControlAlpha, domain.ControlBeta:
	default:
		return fmt.Errorf("unknown control role %q", s.ControlRole)
	}
	switch s.Readiness {
	case "", domain.ReadinessNotReady, domain.ReadinessReady, domain.ReadinessPaused:
	default:
		return fmt.Errorf("unknown readiness %q", s.Readiness)
	}
	return nil
}

// RegisterAgent creates the agent or updates its profile. Keys are matched
// case-insensitively and keep the casing they were first registered with.
func (e Engine) RegisterAgent(ctx context.Context, actor Actor, spec AgentSpec) (domain.Agent, error) {
	if err := spec.validate(); err != nil {
		return domain.Agent{}, err
	}
	spec.Key = strings.TrimSpace(spec.Key)
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	a := newAgent(spec, now)
	created, err := e.Repo.InsertAgent(ctx, tx, a)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	action := ActionRegisterAgent
	if !created {
		action = ActionUpdateAgent
		if a, err = e.Repo.GetAgent(ctx, tx, spec.Key); err != nil {
			return a, err
		}
		if spec.Enabled != nil {
			a.Enabled = *spec.Enabled
		}
		if spec.Runtime != "" {
			a.Runtime = spec.Runtime
		}
		if spec.ControlRole != "" {
			a.ControlRole = spec.ControlRole
		}
		a.UpdatedAt = now
		if err := e.Repo.UpdateAgentProfile(ctx, tx, a); err != nil {
			return a, err
		}
	}
	if _, err := e.Events.AppendLifecycle(ctx, tx, events.Entry{
		EntityType: events.EntityAgent,
		EntityID:   a.Key,
		ActorRole:  actor.Role,
		ActorID:    actor.ID,
		Action:     action,
		To:         events.State(a.Readiness),
		Allowed:    true,
		Reason:     fmt.Sprintf("agent %s %s/%s enabled=%t", a.Key, a.Runtime, a.ControlRole, a.Enabled),
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	e.log().Info("agent registered", "agent", a.Key, "created", created)
	return a, nil
}

func newAgent(spec AgentSpec, now string) domain.Agent {
	a := domain.Agent{
		Key:         spec.Key,
		Enabled:     true,
		Runtime:     spec.Runtime,
		Readiness:   spec.Readiness,
		ControlRole: spec.ControlRole,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if spec.Enabled != nil {
		a.Enabled = *spec.Enabled
	}
	if a.Runtime == "" {
		a.Runtime = domain.RuntimeManual
	}
	if a.Readiness == "" {
		a.Readiness = domain.ReadinessNotReady
	}
	if a.ControlRole == "" {
		a.ControlRole = domain.ControlBeta
	}
	return a
}

// SeedAgents registers configured agents that do not exist yet. Existing
// agents are left alone so operator changes survive restarts.
func (e Engine) SeedAgents(ctx context.Context, seeds []config.AgentSeed) (int, error) {
	actor := Actor{Role: domain.RoleHumanOperator, ID: "config"}
	created := 0
	for _, s := range seeds {
		if _, err := e.Repo.GetAgent(ctx, nil, s.Key); err == nil {
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return created, err
		}
		if _, err := e.RegisterAgent(ctx, actor, AgentSpec{
			Key:         s.Key,
			Enabled:     s.Enabled,
			Runtime:     s.Runtime,
			ControlRole: s.ControlRole,
			Readiness:   s.Readiness,
		}); err != nil {
			return created, fmt.Errorf("seed agent %s: %w", s.Key, err)
		}
		created++
	}
	return created, nil
}

// ensureIntakeAgent creates the email intake agent inside tx when missing.
func (e Engine) ensureIntakeAgent(ctx context.Context, tx repo.DBTX, actor Actor) (domain.Agent, error) {
	key := e.Config.Ingress.IntakeAgentKey
	now := e.nowString()
	a := newAgent(AgentSpec{
		Key:         key,
		Runtime:     domain.RuntimeLocal,
		ControlRole: domain.ControlAlpha,
		Readiness:   domain.ReadinessReady,
	}, now)
	created, err := e.Repo.InsertAgent(ctx, tx, a)
	if err != nil {
		return a, fmt.Errorf("create intake agent: %w", err)
	}
	if !created {
		return e.Repo.GetAgent(ctx, tx, key)
	}
	if _, err := e.Events.AppendLifecycle(ctx, tx, events.Entry{
		EntityType: events.EntityAgent,
		EntityID:   a.Key,
		ActorRole:  actor.Role,
		ActorID:    actor.ID,
		Action:     ActionRegisterAgent,
		To:         events.State(a.Readiness),
		Allowed:    true,
		Reason:     "email intake agent auto-created",
	}); err != nil {
		return a, err
	}
	return a, nil
}

func (e Engine) GetAgent(ctx context.Context, key string) (domain.Agent, error) {
	return e.Repo.GetAgent(ctx, nil, key)
}

func (e Engine) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	return e.Repo.ListAgents(ctx)
}

// SetAgentReadiness moves an agent's readiness. Admin actors use the
// override action; everyone else the operator action.
func (e Engine) SetAgentReadiness(ctx context.Context, actor Actor, key string, to domain.Readiness) (domain.Agent, error) {
	switch to {
	case domain.ReadinessNotReady, domain.ReadinessReady, domain.ReadinessPaused:
	default:
		return domain.Agent{}, fmt.Errorf("unknown readiness %q", to)
	}
	a, err := e.Repo.GetAgent(ctx, nil, key)
	if err != nil {
		return a, err
	}
	action := lifecycle.ActionSetReadiness
	if actor.Role == domain.RoleAdminOverride {
		action = lifecycle.ActionAdminSetReadiness
	}
	from := a.Readiness
	decision := lifecycle.EvaluateAgentReadinessTransition(actor.Role, action, from, to)
	entry := events.Entry{
		EntityType: events.EntityAgent,
		EntityID:   a.Key,
		ActorRole:  actor.Role,
		ActorID:    actor.ID,
		Action:     string(action),
		From:       events.State(from),
		To:         events.State(to),
		Reason:     decision.Reason,
	}
	if !decision.Allowed {
		return a, e.deny(ctx, entry)
	}
	entry.Allowed = true
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAgentReadiness(ctx, tx, a.Key, to, now); err != nil {
		return a, err
	}
	if _, err := e.Events.AppendLifecycle(ctx, tx, entry); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Readiness = to
	a.UpdatedAt = now
	e.Metrics.Transition(events.EntityAgent, string(action), true)
	e.log().Info("agent readiness", "agent", a.Key, "from", from, "to", to)
	return a, nil
}

// AgentHeartbeat records that a worker for key is alive.
func (e Engine) AgentHeartbeat(ctx context.Context, key string) (domain.Agent, error) {
	if err := e.Repo.TouchAgentHeartbeat(ctx, nil, key, e.nowString()); err != nil {
		return domain.Agent{}, err
	}
	return e.Repo.GetAgent(ctx, nil, key)
}

func (e Engine) MarkSmokeTestPassed(ctx context.Context, actor Actor, key string) (domain.Agent, error) {
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkAgentSmokeTest(ctx, tx, key, now); err != nil {
		return domain.Agent{}, err
	}
	a, err := e.Repo.GetAgent(ctx, tx, key)
	if err != nil {
		return a, err
	}
	if _, err := e.Events.AppendLifecycle(ctx, tx, events.Entry{
		EntityType: events.EntityAgent,
		EntityID:   a.Key,
		ActorRole:  actor.Role,
		ActorID:    actor.ID,
		Action:     ActionAgentSmokeTest,
		Allowed:    true,
		Reason:     "smoke test passed at " + now,
	}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}
