package ingress

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"switchboard/internal/config"
	"switchboard/internal/db"
	"switchboard/internal/domain"
	"switchboard/internal/engine"
	"switchboard/internal/events"
	"switchboard/internal/migrate"
	"switchboard/internal/repo"
)

type flakyDeliverer struct {
	next     Deliverer
	failures []error
	calls    int
}

func (f *flakyDeliverer) DeliverEmail(ctx context.Context, d engine.EmailDelivery) (engine.DeliveryResult, error) {
	f.calls++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return engine.DeliveryResult{}, err
	}
	return f.next.DeliverEmail(ctx, d)
}

type testEnv struct {
	Engine   engine.Engine
	Pipeline *Pipeline
	Sleeps   *[]time.Duration
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Ingress.TrustedSenders = []string{"ops@example.com", "@trusted.dev"}
	cfg.Ingress.BlockedSenders = []string{"spam@example.com"}
	clk := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := engine.New(conn, cfg).WithClock(func() time.Time { return clk })
	ctx := context.Background()
	if _, err := eng.SeedAgents(ctx, cfg.Agents); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var sleeps []time.Duration
	p := New(eng)
	p.Sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return testEnv{Engine: eng, Pipeline: p, Sleeps: &sleeps, Ctx: ctx}
}

func email(msgID string) Email {
	return Email{
		Channel:   "email",
		MessageID: msgID,
		From:      Sender{Email: "Ops@Example.com", Name: "Ops"},
		Subject:   "Printer on fire",
		Text:      "hello\n@builder replace the toner\nthanks",
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	want := []time.Duration{1000, 2000, 4000, 8000, 15000, 15000}
	for i, w := range want {
		got := RetryDelay(i+1, time.Second, 15*time.Second)
		if got != w*time.Millisecond {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w*time.Millisecond, got)
		}
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Pipeline.Process(env.Ctx, email("<m1@example.com>"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !first.Accepted || first.Status != domain.InboundEnqueued || first.TaskID == "" || first.ThreadID == "" {
		t.Fatalf("expected enqueued result, got %+v", first)
	}
	if HTTPStatus(first.Status) != http.StatusAccepted {
		t.Fatalf("expected 202")
	}
	task, err := env.Engine.GetTask(env.Ctx, first.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.AgentKey != "builder" || task.Title != "replace the toner" {
		t.Fatalf("mention not resolved: %s %q", task.AgentKey, task.Title)
	}

	second, err := env.Pipeline.Process(env.Ctx, email("<m1@example.com>"))
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if second.EventID != first.EventID || second.TaskID != first.TaskID {
		t.Fatalf("duplicate produced a different result: %+v vs %+v", second, first)
	}
	tasks, _ := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}
}

func TestBlockedSenders(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]string{
		"spam@example.com":     "blocked",
		"stranger@example.com": "trusted sender",
		"":                     "required",
	}
	for sender, reason := range cases {
		in := email("")
		in.From = Sender{Email: sender}
		res, err := env.Pipeline.Process(env.Ctx, in)
		if err != nil {
			t.Fatalf("%s: %v", sender, err)
		}
		if res.Accepted || res.Status != domain.InboundBlocked || HTTPStatus(res.Status) != http.StatusForbidden {
			t.Fatalf("%s: expected BLOCKED, got %+v", sender, res)
		}
		if !strings.Contains(res.Reason, reason) {
			t.Fatalf("%s: reason %q does not mention %q", sender, res.Reason, reason)
		}
		audits, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilters{EntityType: events.EntityInbound, EntityID: res.EventID})
		if err != nil || len(audits) != 1 || audits[0].Allowed {
			t.Fatalf("%s: expected one denied audit row, got %+v (%v)", sender, audits, err)
		}
	}
}

func TestDomainAllowListAndOptionalTrust(t *testing.T) {
	env := newTestEnv(t)
	in := email("")
	in.From = Sender{Email: "dev@trusted.dev"}
	if res, err := env.Pipeline.Process(env.Ctx, in); err != nil || res.Status != domain.InboundEnqueued {
		t.Fatalf("domain allow entry not honoured: %+v %v", res, err)
	}

	off := false
	env.Pipeline.Config.Ingress.RequireTrustedSenders = &off
	in.From = Sender{Email: "stranger@example.com"}
	if res, err := env.Pipeline.Process(env.Ctx, in); err != nil || res.Status != domain.InboundEnqueued {
		t.Fatalf("untrusted sender should pass when trust is optional: %+v %v", res, err)
	}
	in.From = Sender{Email: "spam@example.com"}
	if res, _ := env.Pipeline.Process(env.Ctx, in); res.Status != domain.InboundBlocked {
		t.Fatalf("deny list must still apply")
	}
}

func TestUnsupportedChannel(t *testing.T) {
	env := newTestEnv(t)
	in := email("x")
	for _, ch := range []string{"sms", "EMAIL", " email ", ""} {
		in.Channel = ch
		if _, err := env.Pipeline.Process(env.Ctx, in); !errors.Is(err, ErrUnsupportedChannel) {
			t.Fatalf("channel %q: expected ErrUnsupportedChannel, got %v", ch, err)
		}
	}
}

func TestCancelledRetryDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	env.Pipeline.Deliverer = &flakyDeliverer{next: env.Engine, failures: []error{errors.New("upstream timeout")}}
	ctx, cancel := context.WithCancel(env.Ctx)
	env.Pipeline.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	res, err := env.Pipeline.Process(ctx, email("<m5@example.com>"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Status != domain.InboundDeadLetter {
		t.Fatalf("expected dead letter result, got %+v", res)
	}
	ev, err := env.Engine.Repo.GetInbound(env.Ctx, nil, res.EventID)
	if err != nil {
		t.Fatalf("get inbound: %v", err)
	}
	if ev.Status != domain.InboundDeadLetter || ev.NextAttemptAt != nil || ev.LastFailureCode == nil || *ev.LastFailureCode != CodeCancelled {
		t.Fatalf("unexpected inbound state %+v", ev)
	}
}

func TestTransientFailureRetries(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakyDeliverer{next: env.Engine, failures: []error{
		errors.New("dial tcp: connection reset by peer"),
		errors.New("upstream timeout"),
	}}
	env.Pipeline.Deliverer = flaky
	res, err := env.Pipeline.Process(env.Ctx, email("<m2@example.com>"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Status != domain.InboundEnqueued || flaky.calls != 3 {
		t.Fatalf("expected success on third attempt, got %s after %d calls", res.Status, flaky.calls)
	}
	if got := *env.Sleeps; len(got) != 2 || got[0] != time.Second || got[1] != 2*time.Second {
		t.Fatalf("unexpected sleeps %v", got)
	}
	ev, err := env.Engine.Repo.GetInbound(env.Ctx, nil, res.EventID)
	if err != nil {
		t.Fatalf("get inbound: %v", err)
	}
	if ev.AttemptCount != 3 || ev.NextAttemptAt != nil {
		t.Fatalf("unexpected inbound state %+v", ev)
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	timeout := errors.New("request timed out")
	env.Pipeline.Deliverer = &flakyDeliverer{next: env.Engine, failures: []error{timeout, timeout, timeout}}
	res, err := env.Pipeline.Process(env.Ctx, email("<m3@example.com>"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Accepted || res.Status != domain.InboundDeadLetter || HTTPStatus(res.Status) != http.StatusUnprocessableEntity {
		t.Fatalf("expected dead letter, got %+v", res)
	}
	ev, _ := env.Engine.Repo.GetInbound(env.Ctx, nil, res.EventID)
	if ev.LastFailureCode == nil || *ev.LastFailureCode != CodeRetryExhausted || ev.AttemptCount != 3 {
		t.Fatalf("unexpected dead letter state %+v", ev)
	}
	if len(*env.Sleeps) != 2 {
		t.Fatalf("expected 2 sleeps, got %v", *env.Sleeps)
	}

	// A dead-lettered message is processed again on redelivery.
	env.Pipeline.Deliverer = env.Engine
	again, err := env.Pipeline.Process(env.Ctx, email("<m3@example.com>"))
	if err != nil || again.Status != domain.InboundEnqueued || again.EventID != res.EventID {
		t.Fatalf("expected redelivery to enqueue under the same event: %+v %v", again, err)
	}
}

func TestNonRetryableFailure(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakyDeliverer{next: env.Engine, failures: []error{errors.New("payload rejected")}}
	env.Pipeline.Deliverer = flaky
	res, err := env.Pipeline.Process(env.Ctx, email("<m4@example.com>"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Status != domain.InboundDeadLetter || flaky.calls != 1 || len(*env.Sleeps) != 0 {
		t.Fatalf("expected immediate dead letter, got %s after %d calls", res.Status, flaky.calls)
	}
	ev, _ := env.Engine.Repo.GetInbound(env.Ctx, nil, res.EventID)
	if ev.LastFailureCode == nil || *ev.LastFailureCode != CodeProcessing {
		t.Fatalf("expected PROCESSING_ERROR, got %v", ev.LastFailureCode)
	}
}

func TestResolveTarget(t *testing.T) {
	cases := []struct {
		name string
		in   Email
		want Target
	}{
		{"explicit", Email{AgentKey: "alpha", Command: "triage", Subject: "@builder x"}, Target{"alpha", "triage", TargetExplicit}},
		{"agent without command", Email{AgentKey: "alpha", Subject: "@builder fix it"}, Target{"builder", "fix it", TargetMention}},
		{"subject mention", Email{Subject: "@builder fix it", Text: "@alpha other"}, Target{"builder", "fix it", TargetMention}},
		{"body mention", Email{Subject: "Hi", Text: "hello\n  @alpha plan the week\n@builder later"}, Target{"alpha", "plan the week", TargetMention}},
		{"bare handle", Email{Subject: "@builder"}, Target{Source: TargetIntake}},
		{"intake", Email{Subject: "Hi", Text: "no mention"}, Target{Source: TargetIntake}},
	}
	for _, tc := range cases {
		if got := resolveTarget(tc.in); got != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.name, tc.want, got)
		}
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(context.DeadlineExceeded) || !IsTransient(errors.New("database is locked")) {
		t.Fatalf("expected transient")
	}
	if IsTransient(context.Canceled) || IsTransient(&engine.PolicyDeniedError{Action: "ENQUEUE_TASK", Reason: "network policy"}) {
		t.Fatalf("expected non-transient")
	}
}
