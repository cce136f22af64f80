package app

import (
	"context"
	"os"
	"testing"

	"github.com/spf13/viper"

	"switchboard/internal/config"
)

const workspaceConfig = `lease:
  ttl_seconds: 30
agents:
  - key: Scout
    runtime: CLOUD
    readiness: READY
    control_role: BETA
relay:
  webhooks:
    - url: http://127.0.0.1:1/hook
      secret: s3cret
      entity_types: [task]
    - url: http://127.0.0.1:1/off
      enabled: false
`

func TestOpenSeedsAgentsAndAppliesEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte(workspaceConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	env := viper.New()
	env.Set("lease_ttl_seconds", "1000")
	ctx := context.Background()

	ws, err := Open(ctx, Options{Workspace: dir, Env: env})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if ws.Config.Lease.TTLSeconds != config.MaxLeaseTTLSeconds {
		t.Fatalf("expected env ttl clamped to %d, got %d", config.MaxLeaseTTLSeconds, ws.Config.Lease.TTLSeconds)
	}
	agent, err := ws.Engine.GetAgent(ctx, "scout")
	if err != nil {
		t.Fatalf("get seeded agent: %v", err)
	}
	if agent.Key != "Scout" {
		t.Fatalf("expected registered casing to be kept, got %q", agent.Key)
	}
	rl, closeRelay, err := ws.Relay()
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	defer closeRelay()
	if rl.Len() != 1 {
		t.Fatalf("expected one enabled webhook sink, got %d", rl.Len())
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	again, err := Open(ctx, Options{Workspace: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	agents, err := again.Engine.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected seeding to be idempotent, got %d agents", len(agents))
	}
	if again.Config.Lease.TTLSeconds != 30 {
		t.Fatalf("expected file ttl without env overlay, got %d", again.Config.Lease.TTLSeconds)
	}
}

func TestOpenDefaultsWithoutConfigFile(t *testing.T) {
	ws, err := Open(context.Background(), Options{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	if ws.Config.Lease.TTLSeconds != config.DefaultLeaseTTLSeconds {
		t.Fatalf("expected default ttl, got %d", ws.Config.Lease.TTLSeconds)
	}
	if ws.Pipeline() == nil || ws.Sweeper() == nil {
		t.Fatalf("expected pipeline and sweeper")
	}
}
