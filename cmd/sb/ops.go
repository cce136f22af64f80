package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"switchboard/internal/app"
	"switchboard/internal/domain"
	"switchboard/internal/engine"
	"switchboard/internal/ingress"
	"switchboard/internal/repo"
	"switchboard/internal/toolcall"
)

func auditCmd() *cobra.Command {
	var f repo.AuditFilters
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the lifecycle audit trail, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Newest = true
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAudit(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "At", "Entity", "Action", "Actor", "From", "To", "Allowed", "Reason"})
				for _, ev := range items {
					tw.AppendRow(table.Row{
						ev.ID, ev.CreatedAt, ev.EntityType + "/" + ev.EntityID, ev.Action,
						string(ev.ActorRole) + ":" + ev.ActorID, deref(ev.FromState), deref(ev.ToState), ev.Allowed, ev.Reason,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.EntityType, "entity-type", "", "task, agent, lease, ingress or failure")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of rows")
	return cmd
}

func toolcallCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "toolcall", Short: "Validate tool-call envelopes and manage approvals"}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <envelope.json>",
		Short: "Validate an envelope and print its fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, fp, err := loadEnvelope(args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"valid": true, "fingerprint": fp, "envelope": env})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "policy <envelope.json>",
		Short: "Evaluate the command policy for an envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, fp, err := loadEnvelope(args[0])
			if err != nil {
				return err
			}
			policy := toolcall.EvaluateCommandPolicy(env)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"fingerprint": fp, "policy": policy})
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"#", "Call", "Tool", "Class", "Risk", "Approval", "Allowed", "Reason"})
			for _, c := range policy.Calls {
				tw.AppendRow(table.Row{c.Index, c.CallID, c.Tool, c.Class, c.EffectiveRisk, c.RequiresApproval, c.Allowed, c.Reason})
			}
			tw.AppendFooter(table.Row{"", "", "", "", policy.MaxRisk, policy.RequiresApproval, policy.Allowed, policy.Reason})
			tw.Render()
			return nil
		},
	})

	var ttl time.Duration
	var email string
	approve := &cobra.Command{
		Use:   "approve <envelope.json>",
		Short: "Issue an approval token for an envelope as --actor-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, fp, err := loadEnvelope(args[0])
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if ttl <= 0 {
					ttl = time.Duration(ws.Config.Approval.DefaultTTLSeconds) * time.Second
				}
				issued, err := signer(ws).Issue(toolcall.IssueRequest{
					ApproverUserID: viper.GetString("actor-id"),
					ApproverEmail:  email,
					Fingerprint:    fp,
					TTL:            ttl,
				})
				if err != nil {
					return err
				}
				return printJSON(issued)
			})
		},
	}
	approve.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to config)")
	approve.Flags().StringVar(&email, "email", "", "approver email")
	cmd.AddCommand(approve)

	var token string
	verify := &cobra.Command{
		Use:   "verify <envelope.json>",
		Short: "Apply policy and verify an approval token for an envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _, err := loadEnvelope(args[0])
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				out, err := signer(ws).Authorize(env, token)
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	verify.Flags().StringVar(&token, "token", "", "approval token")
	cmd.AddCommand(verify)
	return cmd
}

func signer(ws *app.Workspace) toolcall.Signer {
	return toolcall.Signer{Secret: []byte(ws.Config.Approval.SigningSecret), Now: ws.Engine.Now}
}

func loadEnvelope(path string) (toolcall.Envelope, string, error) {
	raw, err := readJSONFile(path)
	if err != nil {
		return toolcall.Envelope{}, "", err
	}
	env, err := toolcall.ValidateEnvelope(raw)
	if err != nil {
		return env, "", err
	}
	fp, err := toolcall.Fingerprint(env)
	if err != nil {
		return env, "", err
	}
	return env, fp, nil
}

func ingressCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ingress", Short: "Feed inbound messages through the ingress pipeline"}
	cmd.AddCommand(&cobra.Command{
		Use:   "email <email.json>",
		Short: "Process one inbound email document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readJSONFile(args[0])
			if err != nil {
				return err
			}
			var in ingress.Email
			if err := json.Unmarshal(raw, &in); err != nil {
				return fmt.Errorf("email: %w", err)
			}
			if in.Channel == "" {
				in.Channel = "email"
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Pipeline().Process(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	})
	return cmd
}

func failureCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "failure", Short: "Record failures and create manual fallbacks"}

	var in engine.FailureInput
	var class string
	record := &cobra.Command{
		Use:   "record",
		Short: "Record a classified failure event",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := cliActor()
			if err != nil {
				return err
			}
			in.Class = domain.FailureClass(strings.ToUpper(class))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.RecordFailure(ctx, actor, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	record.Flags().StringVar(&class, "class", "", "failure class")
	record.Flags().StringVar(&in.TaskID, "task", "", "task id")
	record.Flags().StringVar(&in.ThreadID, "thread", "", "thread id")
	record.Flags().StringVar(&in.LeaseID, "lease", "", "lease id")
	record.Flags().StringVar(&in.ContextRef, "context-ref", "", "context reference")
	record.Flags().StringVar(&in.Detail, "detail", "", "detail")
	_ = record.MarkFlagRequired("class")
	cmd.AddCommand(record)

	var f repo.FailureFilters
	var classes []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List failure events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, c := range classes {
				f.Classes = append(f.Classes, domain.FailureClass(strings.ToUpper(c)))
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListFailures(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "At", "Class", "Severity", "Fallback", "Task", "Detail"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.CreatedAt, ev.FailureClass, ev.Severity, ev.FallbackAction, deref(ev.TaskID), ev.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringSliceVar(&classes, "class", nil, "failure class filter (repeatable)")
	list.Flags().StringVar(&f.Since, "since", "", "only events at or after this time")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	cmd.AddCommand(list)

	var req engine.ManualFallbackRequest
	var fbClass, packageFile string
	fallback := &cobra.Command{
		Use:   "fallback",
		Short: "Create a MANUAL_REQUIRED fallback task",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Class = domain.FailureClass(strings.ToUpper(fbClass))
			if packageFile != "" {
				raw, err := readJSONFile(packageFile)
				if err != nil {
					return err
				}
				req.Package = raw
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.EnqueueManualFallbackTask(ctx, viper.GetString("actor-id"), req)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	fallback.Flags().StringVar(&fbClass, "class", "", "failure class")
	fallback.Flags().StringVar(&req.AgentKey, "agent", "", "agent key")
	fallback.Flags().StringVar(&req.Title, "title", "", "task title")
	fallback.Flags().StringVar(&req.Prompt, "prompt", "", "originating prompt")
	fallback.Flags().StringVar(&packageFile, "package", "", "package JSON file (comments allowed)")
	fallback.Flags().StringVar(&req.SourceTaskID, "source-task", "", "originating task id")
	fallback.Flags().StringVar(&req.ThreadID, "thread", "", "thread id")
	fallback.Flags().StringVar(&req.Detail, "detail", "", "detail")
	_ = fallback.MarkFlagRequired("class")
	cmd.AddCommand(fallback)
	return cmd
}

func introspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "introspect",
		Short: "Show lease, context lock, task, failure and worker health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap := e.Introspect(ctx)
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Section", "State", "Summary"})
				tw.AppendRow(table.Row{"lease", snap.Lease.State, snap.Lease.Health})
				lock := ""
				if snap.ContextLock.Latest != nil {
					lock = string(snap.ContextLock.Latest.FailureClass)
				}
				tw.AppendRow(table.Row{"context_lock", snap.ContextLock.State, lock})
				counts := make([]string, 0, len(domain.TaskStatuses))
				for _, s := range domain.TaskStatuses {
					counts = append(counts, fmt.Sprintf("%s=%d", s, snap.Tasks.Counts[s]))
				}
				tw.AppendRow(table.Row{"tasks", snap.Tasks.State, fmt.Sprintf("%s stale=%d", strings.Join(counts, " "), snap.Tasks.StaleRunning)})
				tw.AppendRow(table.Row{"failures", snap.Failures.State, fmt.Sprintf("recent=%d", len(snap.Failures.Recent))})
				tw.AppendRow(table.Row{"workers", snap.Workers.State, fmt.Sprintf("count=%d", len(snap.Workers.Workers))})
				for _, se := range snap.Errors {
					tw.AppendRow(table.Row{se.Section, "ERROR", se.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
}
