// Package relay forwards lifecycle audit rows to external sinks. Each sink
// keeps its own cursor and starts at the newest row present when the relay
// starts.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"switchboard/internal/config"
	"switchboard/internal/domain"
	"switchboard/internal/metrics"
	"switchboard/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Sink receives audit events in id order.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev domain.LifecycleAuditEvent) error
}

// Message is the JSON body sent to every sink.
type Message struct {
	ID         int64          `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ActorRole  string         `json:"actor_role"`
	ActorID    string         `json:"actor_id,omitempty"`
	Action     string         `json:"action"`
	FromState  *string        `json:"from_state,omitempty"`
	ToState    *string        `json:"to_state,omitempty"`
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

func encode(ev domain.LifecycleAuditEvent) ([]byte, error) {
	return json.Marshal(Message{
		ID:         ev.ID,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		ActorRole:  string(ev.ActorRole),
		ActorID:    ev.ActorID,
		Action:     ev.Action,
		FromState:  ev.FromState,
		ToState:    ev.ToState,
		Allowed:    ev.Allowed,
		Reason:     ev.Reason,
		Metadata:   ev.Metadata,
		CreatedAt:  ev.CreatedAt,
	})
}

type route struct {
	sink   Sink
	filter entityFilter
	cursor int64
	ready  bool
}

type Relay struct {
	Repo     repo.Repo
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	mu     sync.Mutex
	routes []*route
}

// New builds a relay with a webhook sink per enabled webhook in cfg. NATS
// sinks are attached by the caller with Add since they need a connection.
func New(r repo.Repo, cfg config.Relay) *Relay {
	rl := &Relay{Repo: r, Interval: time.Duration(cfg.IntervalSeconds) * time.Second}
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		rl.Add(NewWebhookSink(hook), hook.EntityTypes)
	}
	return rl
}

// Add registers sink for the given entity types; none means all.
func (r *Relay) Add(sink Sink, entityTypes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, &route{sink: sink, filter: newEntityFilter(entityTypes)})
}

func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}

func (r *Relay) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run dispatches on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers pending rows to every sink. A sink that fails stops
// at the failing row and retries it on the next pass.
func (r *Relay) DispatchOnce(ctx context.Context) {
	r.mu.Lock()
	routes := append([]*route(nil), r.routes...)
	r.mu.Unlock()
	for _, rt := range routes {
		if err := r.dispatch(ctx, rt); err != nil {
			r.log().Warn("relay delivery failed", "sink", rt.sink.Name(), "err", err)
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, rt *route) error {
	if !rt.ready {
		latest, err := r.Repo.ListAudit(ctx, repo.AuditFilters{Newest: true, Limit: 1})
		if err != nil {
			return fmt.Errorf("init cursor: %w", err)
		}
		if len(latest) == 1 {
			rt.cursor = latest[0].ID
		}
		rt.ready = true
	}
	pending, err := r.Repo.ListAudit(ctx, repo.AuditFilters{AfterID: rt.cursor, Limit: defaultBatch})
	if err != nil {
		return fmt.Errorf("fetch audit: %w", err)
	}
	for _, ev := range pending {
		if !rt.filter.match(ev.EntityType) {
			rt.cursor = ev.ID
			continue
		}
		err := rt.sink.Deliver(ctx, ev)
		r.Metrics.RelayDelivery(rt.sink.Name(), err == nil)
		if err != nil {
			return fmt.Errorf("event %d: %w", ev.ID, err)
		}
		rt.cursor = ev.ID
	}
	return nil
}

// StartAt sets every sink's cursor so that rows after id are delivered next.
func (r *Relay) StartAt(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rt := range r.routes {
		rt.cursor = id
		rt.ready = true
	}
}

type entityFilter struct {
	all bool
	set map[string]struct{}
}

func newEntityFilter(types []string) entityFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return entityFilter{all: true}
	}
	return entityFilter{set: set}
}

func (f entityFilter) match(entityType string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[entityType]
	return ok
}
