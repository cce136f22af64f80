package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"switchboard/internal/domain"
	"switchboard/internal/engine"
	"switchboard/internal/lifecycle"
	"switchboard/internal/repo"
)

func leaseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "lease", Short: "Inspect and operate the orchestrator lease"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show lease and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.LeaseSnapshot(ctx)
				if err != nil {
					return err
				}
				return printLease(snap)
			})
		},
	})

	var ttl time.Duration
	var host, agentKey string
	acquire := &cobra.Command{
		Use:   "acquire",
		Short: "Acquire or renew the lease as --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pid := os.Getpid()
				snap, err := e.AcquireLease(ctx, engine.LeaseRequest{
					OwnerID:       viper.GetString("actor-id"),
					OwnerHost:     host,
					OwnerPID:      &pid,
					OwnerAgentKey: agentKey,
					TTL:           ttl,
				})
				if err != nil {
					return err
				}
				return printLease(snap)
			})
		},
	}
	hostname, _ := os.Hostname()
	acquire.Flags().DurationVar(&ttl, "ttl", 0, "lease ttl (defaults to config)")
	acquire.Flags().StringVar(&host, "host", hostname, "owner host")
	acquire.Flags().StringVar(&agentKey, "agent", "", "owner agent key")
	cmd.AddCommand(acquire)

	heartbeat := &cobra.Command{
		Use:   "heartbeat",
		Short: "Extend the lease held by --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.HeartbeatLease(ctx, viper.GetString("actor-id"), ttl)
				if err != nil {
					return err
				}
				return printLease(snap)
			})
		},
	}
	heartbeat.Flags().DurationVar(&ttl, "ttl", 0, "lease ttl (defaults to config)")
	cmd.AddCommand(heartbeat)

	cmd.AddCommand(&cobra.Command{
		Use:   "release",
		Short: "Release the lease held by --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.ReleaseLease(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printLease(snap)
			})
		},
	})
	return cmd
}

func printLease(snap domain.LeaseSnapshot) error {
	if viper.GetBool("json") {
		return printJSON(snap)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Health", "Held", "Owner", "Expires", "TTL ms"})
	ttl := ""
	if snap.TTLMs != nil {
		ttl = fmt.Sprint(*snap.TTLMs)
	}
	tw.AppendRow(table.Row{snap.Health, snap.Held, deref(snap.Lease.OwnerID), deref(snap.Lease.ExpiresAt), ttl})
	tw.Render()
	return nil
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Enqueue and transition tasks"}
	cmd.AddCommand(taskEnqueueCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	})
	transitions := []struct {
		use, short string
		run        func(context.Context, engine.Engine, engine.Actor, string, string) (domain.Task, error)
	}{
		{"claim", "Claim a queued task", func(ctx context.Context, e engine.Engine, a engine.Actor, id, _ string) (domain.Task, error) {
			return e.ClaimTask(ctx, a, id)
		}},
		{"complete", "Complete a running task", func(ctx context.Context, e engine.Engine, a engine.Actor, id, _ string) (domain.Task, error) {
			return e.CompleteTask(ctx, a, id)
		}},
		{"retry", "Requeue a running task", func(ctx context.Context, e engine.Engine, a engine.Actor, id, reason string) (domain.Task, error) {
			return e.RetryTask(ctx, a, id, reason)
		}},
		{"dead-letter", "Dead-letter a running task", func(ctx context.Context, e engine.Engine, a engine.Actor, id, reason string) (domain.Task, error) {
			return e.DeadLetterTask(ctx, a, id, reason)
		}},
		{"fail", "Record an execution failure", func(ctx context.Context, e engine.Engine, a engine.Actor, id, reason string) (domain.Task, error) {
			if reason == "" {
				reason = "execution failed"
			}
			return e.FailTask(ctx, a, id, reason)
		}},
		{"force-manual", "Force a task to MANUAL_REQUIRED", func(ctx context.Context, e engine.Engine, a engine.Actor, id, reason string) (domain.Task, error) {
			return e.ForceManualRequired(ctx, a, id, reason)
		}},
	}
	for _, tr := range transitions {
		var reason string
		sub := &cobra.Command{
			Use:   tr.use + " <id>",
			Short: tr.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				actor, err := cliActor()
				if err != nil {
					return err
				}
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					t, err := tr.run(ctx, e, actor, args[0], reason)
					if err != nil {
						return err
					}
					return printJSONOrTable(t)
				})
			},
		}
		sub.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail")
		cmd.AddCommand(sub)
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "recover-stale",
		Short: "Requeue tasks stuck in RUNNING past the stale threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := cliActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recovered, err := e.RecoverStaleRunning(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recovered)
				}
				printTasks(recovered)
				return nil
			})
		},
	})
	return cmd
}

func taskEnqueueCmd() *cobra.Command {
	var agentKey, title, payloadFile, threadID string
	var issue int
	var handoff bool
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a task through the judgement gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := cliActor()
			if err != nil {
				return err
			}
			req := engine.EnqueueRequest{AgentKey: agentKey, Title: title}
			if payloadFile != "" {
				raw, err := readJSONFile(payloadFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &req.Payload); err != nil {
					return fmt.Errorf("payload: %w", err)
				}
			}
			if req.Payload.Source == "" {
				req.Payload.Source = domain.SourceCLI
			}
			if cmd.Flags().Changed("issue") {
				req.IssueNumber = &issue
			}
			if threadID != "" {
				req.ThreadID = &threadID
			}
			if handoff {
				req.Action = lifecycle.ActionRouteHandoffTask
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.EnqueueTask(ctx, actor, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&agentKey, "agent", "", "agent key")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&payloadFile, "payload", "", "payload JSON file (comments allowed, - for stdin)")
	cmd.Flags().StringVar(&threadID, "thread", "", "chat thread id")
	cmd.Flags().IntVar(&issue, "issue", 0, "issue number")
	cmd.Flags().BoolVar(&handoff, "handoff", false, "route as a handoff")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AgentKey, "agent", "", "agent filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func printTasks(tasks []domain.Task) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Agent", "Title", "Status", "Attempts", "Error"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.AgentKey, t.Title, t.Status, t.Attempts, deref(t.Error)})
	}
	tw.Render()
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Manage the agent registry"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agents, err := e.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Key", "Enabled", "Runtime", "Readiness", "Role", "Heartbeat", "Smoke test"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.Key, a.Enabled, a.Runtime, a.Readiness, a.ControlRole, deref(a.LastHeartbeatAt), deref(a.SmokeTestPassedAt)})
				}
				tw.Render()
				return nil
			})
		},
	})

	var runtime, role, readiness string
	var disabled bool
	register := &cobra.Command{
		Use:   "register <key>",
		Short: "Register an agent or update its profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := cliActor()
			if err != nil {
				return err
			}
			spec := engine.AgentSpec{
				Key:         args[0],
				Runtime:     domain.Runtime(runtime),
				ControlRole: domain.ControlRole(role),
				Readiness:   domain.Readiness(readiness),
			}
			if cmd.Flags().Changed("disabled") {
				enabled := !disabled
				spec.Enabled = &enabled
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterAgent(ctx, actor, spec)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	register.Flags().StringVar(&runtime, "runtime", "", "MANUAL, LOCAL or CLOUD")
	register.Flags().StringVar(&role, "control-role", "", "ALPHA or BETA")
	register.Flags().StringVar(&readiness, "readiness", "", "initial readiness")
	register.Flags().BoolVar(&disabled, "disabled", false, "disable the agent")
	cmd.AddCommand(register)

	cmd.AddCommand(&cobra.Command{
		Use:   "readiness <key> <NOT_READY|READY|PAUSED>",
		Short: "Change agent readiness",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := cliActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetAgentReadiness(ctx, actor, args[0], domain.Readiness(args[1]))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "heartbeat <key>",
		Short: "Record agent liveness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AgentHeartbeat(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "smoke-test <key>",
		Short: "Mark the agent's smoke test as passed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := cliActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.MarkSmokeTestPassed(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "runtime <key>",
		Short: "Show the model endpoint parameters for an agent's runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				params, err := e.Config.ResolveRuntime(a)
				if err != nil {
					return err
				}
				return printJSONOrTable(params)
			})
		},
	})
	return cmd
}
