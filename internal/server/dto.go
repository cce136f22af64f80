package server

import (
	"switchboard/internal/domain"
	"switchboard/internal/engine"
	"switchboard/internal/toolcall"
)

// Request payloads

type EnqueueTaskRequest struct {
	AgentKey    string         `json:"agent_key,omitempty"`
	Title       string         `json:"title,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	IssueNumber *int           `json:"issue_number,omitempty"`
	ThreadID    *string        `json:"thread_id,omitempty"`
	Handoff     bool           `json:"handoff,omitempty" doc:"Route as a handoff instead of a fresh enqueue"`
}

type TaskActionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type LeaseAcquireRequest struct {
	OwnerID       string `json:"owner_id,omitempty" doc:"Defaults to the authenticated actor"`
	OwnerHost     string `json:"owner_host,omitempty"`
	OwnerPID      *int   `json:"owner_pid,omitempty"`
	OwnerAgentKey string `json:"owner_agent_key,omitempty"`
	TTLSeconds    int    `json:"ttl_seconds,omitempty" minimum:"0"`
}

type LeaseOwnerRequest struct {
	OwnerID    string `json:"owner_id,omitempty" doc:"Defaults to the authenticated actor"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0"`
}

type PutAgentRequest struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Runtime     string `json:"runtime,omitempty" enum:"MANUAL,LOCAL,CLOUD"`
	ControlRole string `json:"control_role,omitempty" enum:"ALPHA,BETA"`
	Readiness   string `json:"readiness,omitempty" enum:"NOT_READY,READY,PAUSED"`
}

type SetReadinessRequest struct {
	Readiness string `json:"readiness" enum:"NOT_READY,READY,PAUSED"`
}

type IssueApprovalRequest struct {
	Envelope   map[string]any `json:"envelope"`
	TTLSeconds int            `json:"ttl_seconds,omitempty" minimum:"0"`
}

type VerifyApprovalRequest struct {
	Envelope map[string]any `json:"envelope"`
	Token    string         `json:"token,omitempty"`
}

type RecordFailureRequest struct {
	FailureClass string         `json:"failure_class"`
	ProjectID    string         `json:"project_id,omitempty"`
	TaskID       string         `json:"task_id,omitempty"`
	ThreadID     string         `json:"thread_id,omitempty"`
	LeaseID      string         `json:"lease_id,omitempty"`
	ContextRef   string         `json:"context_ref,omitempty"`
	Detail       string         `json:"detail,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type ManualFallbackRequest struct {
	FailureClass string `json:"failure_class"`
	AgentKey     string `json:"agent_key,omitempty"`
	Title        string `json:"title,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	Package      any    `json:"package,omitempty"`
	SourceTaskID string `json:"source_task_id,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// Responses

type MeResponse struct {
	ActorID string `json:"actor_id"`
	Email   string `json:"email,omitempty"`
	Role    string `json:"role"`
	Source  string `json:"source"`
}

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedAudit struct {
	Items      []domain.LifecycleAuditEvent `json:"items"`
	NextCursor string                       `json:"next_cursor,omitempty"`
}

type RecoverStaleResponse struct {
	Recovered []domain.Task `json:"recovered"`
}

type DispatchResponse struct {
	Task   domain.Task   `json:"task"`
	Worker engine.Worker `json:"worker"`
}

type EnvelopeResponse struct {
	Valid       bool              `json:"valid"`
	Fingerprint string            `json:"fingerprint"`
	Envelope    toolcall.Envelope `json:"envelope"`
}

type PolicyResponse struct {
	Fingerprint string                `json:"fingerprint"`
	Policy      toolcall.PolicyResult `json:"policy"`
}

type ApprovalResponse struct {
	toolcall.IssuedToken
	Fingerprint string `json:"fingerprint"`
}
