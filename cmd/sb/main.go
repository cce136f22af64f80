package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"

	"switchboard/internal/app"
	"switchboard/internal/config"
	"switchboard/internal/domain"
	"switchboard/internal/engine"
	"switchboard/internal/metrics"
	"switchboard/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "sb",
	Short: "Switchboard CLI",
	Long: `Switchboard coordinates agent workers executing tasks for human operators.
- Lease: a single orchestrator holds a TTL lease; only the holder mutates tasks when enforcement is on.
- Tasks: QUEUED -> RUNNING -> DONE, with MANUAL_REQUIRED and DEAD_LETTER exits. Every attempt is audited.
- Judgement gate: admission checks run before a task is queued.
- Tool calls: envelopes are validated, classified by risk and gated by signed approval tokens.
- Failures: classified faults map to a remediation and an optional manual fallback task.
- Ingress: inbound email is deduplicated, authorized and turned into a thread and task.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(viper.GetString("log-level")))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SWITCHBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-operator", "actor identifier")
	rootCmd.PersistentFlags().String("role", string(domain.RoleHumanOperator), "actor role (ORCHESTRATOR, HUMAN_OPERATOR, ADMIN_OVERRIDE, WORKER)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "role", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(leaseCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(toolcallCmd())
	rootCmd.AddCommand(ingressCmd())
	rootCmd.AddCommand(failureCmd())
	rootCmd.AddCommand(introspectCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage switchboard.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config (file, defaults and env overlay)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			c.ApplyEnv(viper.GetViper())
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate switchboard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actorID, role, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, ok := domain.ParseActorRole(strings.ToUpper(strings.TrimSpace(role)))
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			if strings.TrimSpace(actorID) == "" {
				return fmt.Errorf("--actor required")
			}
			raw, err := newAPIKey()
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   strings.TrimSpace(actorID),
					Role:      r,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: domain.FormatTime(time.Now()),
				}
				if err := ws.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "role": key.Role, "key": raw})
				}
				fmt.Printf("Created key %s for %s (%s)\n%s\n", key.ID, key.ActorID, key.Role, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	create.Flags().StringVar(&role, "key-role", string(domain.RoleOrchestrator), "role granted to the key")
	create.Flags().StringVar(&name, "name", "", "label")
	cmd.AddCommand(create)

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				keys, err := ws.Engine.Repo.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor filter")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				return ws.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return cmd
}

func newAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sbk_" + hex.EncodeToString(b), nil
}

// --- helpers ---

func openWorkspace(ctx context.Context, m *metrics.Metrics) (*app.Workspace, error) {
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Env:       viper.GetViper(),
		Logger:    slog.Default(),
		Metrics:   m,
	})
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := openWorkspace(ctx, nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		return fn(ctx, ws.Engine)
	})
}

// cliActor is the caller as configured by --actor-id and --role.
func cliActor() (engine.Actor, error) {
	raw := viper.GetString("role")
	role, ok := domain.ParseActorRole(strings.ToUpper(strings.TrimSpace(raw)))
	if !ok {
		return engine.Actor{}, fmt.Errorf("unknown role %q", raw)
	}
	return engine.Actor{Role: role, ID: viper.GetString("actor-id")}, nil
}

// readJSONFile reads a JSON document that may carry comments and trailing
// commas; "-" reads stdin.
func readJSONFile(path string) ([]byte, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return jsonc.ToJSON(data), nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
