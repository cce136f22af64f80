package domain

import "time"

// TimeLayout is the fixed-width UTC layout used for every persisted timestamp.
// Fixed width keeps lexical order equal to chronological order in SQL.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a persisted timestamp. RFC3339 values are accepted too.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type TaskStatus string

const (
	TaskQueued         TaskStatus = "QUEUED"
	TaskRunning        TaskStatus = "RUNNING"
	TaskDone           TaskStatus = "DONE"
	TaskManualRequired TaskStatus = "MANUAL_REQUIRED"
	TaskDeadLetter     TaskStatus = "DEAD_LETTER"
)

// TaskStatuses lists every persisted task status.
var TaskStatuses = []TaskStatus{TaskQueued, TaskRunning, TaskDone, TaskManualRequired, TaskDeadLetter}

type Runtime string

const (
	RuntimeManual Runtime = "MANUAL"
	RuntimeLocal  Runtime = "LOCAL"
	RuntimeCloud  Runtime = "CLOUD"
)

type Readiness string

const (
	ReadinessNotReady Readiness = "NOT_READY"
	ReadinessReady    Readiness = "READY"
	ReadinessPaused   Readiness = "PAUSED"
)

type ControlRole string

const (
	ControlAlpha ControlRole = "ALPHA"
	ControlBeta  ControlRole = "BETA"
)

// ActorRole is the role an actor is acting under when it attempts a transition.
type ActorRole string

const (
	RoleOrchestrator  ActorRole = "ORCHESTRATOR"
	RoleHumanOperator ActorRole = "HUMAN_OPERATOR"
	RoleAdminOverride ActorRole = "ADMIN_OVERRIDE"
	RoleWorker        ActorRole = "WORKER"
)

// ParseActorRole returns the role for s and whether it is known.
func ParseActorRole(s string) (ActorRole, bool) {
	switch r := ActorRole(s); r {
	case RoleOrchestrator, RoleHumanOperator, RoleAdminOverride, RoleWorker:
		return r, true
	}
	return "", false
}

type Task struct {
	ID          string      `json:"id"`
	AgentKey    string      `json:"agent_key"`
	Title       string      `json:"title"`
	Status      TaskStatus  `json:"status" enum:"QUEUED,RUNNING,DONE,MANUAL_REQUIRED,DEAD_LETTER"`
	Payload     TaskPayload `json:"payload"`
	IssueNumber *int        `json:"issue_number,omitempty"`
	ThreadID    *string     `json:"thread_id,omitempty"`
	CreatedByID *string     `json:"created_by_id,omitempty"`
	Error       *string     `json:"error,omitempty"`
	Attempts    int         `json:"attempts"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	UpdatedAt   string      `json:"updated_at" format:"date-time"`
	StartedAt   *string     `json:"started_at,omitempty" format:"date-time"`
	FinishedAt  *string     `json:"finished_at,omitempty" format:"date-time"`
}

type Agent struct {
	Key               string      `json:"key"`
	Enabled           bool        `json:"enabled"`
	Runtime           Runtime     `json:"runtime" enum:"MANUAL,LOCAL,CLOUD"`
	Readiness         Readiness   `json:"readiness" enum:"NOT_READY,READY,PAUSED"`
	ControlRole       ControlRole `json:"control_role" enum:"ALPHA,BETA"`
	LastHeartbeatAt   *string     `json:"last_heartbeat_at,omitempty" format:"date-time"`
	SmokeTestPassedAt *string     `json:"smoke_test_passed_at,omitempty" format:"date-time"`
	CreatedAt         string      `json:"created_at" format:"date-time"`
	UpdatedAt         string      `json:"updated_at" format:"date-time"`
}

// OrchestratorLeaseID is the fixed id of the singleton lease row.
const OrchestratorLeaseID = "orchestrator"

type OrchestratorLease struct {
	ID              string  `json:"id"`
	OwnerID         *string `json:"owner_id,omitempty"`
	OwnerHost       *string `json:"owner_host,omitempty"`
	OwnerPID        *int    `json:"owner_pid,omitempty"`
	OwnerAgentKey   *string `json:"owner_agent_key,omitempty"`
	AcquiredAt      *string `json:"acquired_at,omitempty" format:"date-time"`
	ExpiresAt       *string `json:"expires_at,omitempty" format:"date-time"`
	LastHeartbeatAt *string `json:"last_heartbeat_at,omitempty" format:"date-time"`
	HeartbeatCount  int64   `json:"heartbeat_count"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type LeaseHealth string

const (
	LeaseUnheld   LeaseHealth = "UNHELD"
	LeaseStale    LeaseHealth = "STALE"
	LeaseExpiring LeaseHealth = "EXPIRING"
	LeaseHealthy  LeaseHealth = "HEALTHY"
)

type LeaseSnapshot struct {
	Lease       OrchestratorLease    `json:"lease"`
	Health      LeaseHealth          `json:"health"`
	Held        bool                 `json:"held"`
	TTLMs       *int64               `json:"ttl_ms,omitempty"`
	LatestAudit *LifecycleAuditEvent `json:"latest_audit,omitempty"`
	ReadAt      string               `json:"read_at" format:"date-time"`
}

// LifecycleAuditEvent is append-only; rows are never updated or deleted.
type LifecycleAuditEvent struct {
	ID         int64          `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ActorRole  ActorRole      `json:"actor_role"`
	ActorID    string         `json:"actor_id,omitempty"`
	Action     string         `json:"action"`
	FromState  *string        `json:"from_state,omitempty"`
	ToState    *string        `json:"to_state,omitempty"`
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

type FailureClass string

const (
	FailureLeaseAuthorityUnavailable FailureClass = "LEASE_AUTHORITY_UNAVAILABLE"
	FailureContextGuardrailBlocked   FailureClass = "CONTEXT_GUARDRAIL_BLOCKED"
	FailureContextGuardrailWarning   FailureClass = "CONTEXT_GUARDRAIL_WARNING"
	FailureStaleRunningDetected      FailureClass = "STALE_RUNNING_DETECTED"
	FailureExecutionRetryExhausted   FailureClass = "EXECUTION_RETRY_EXHAUSTED"
)

type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

type FallbackAction string

const (
	FallbackAlertOnly      FallbackAction = "ALERT_ONLY"
	FallbackManualRequired FallbackAction = "MANUAL_REQUIRED"
	FallbackRequeue        FallbackAction = "REQUEUE"
	FallbackDeadLetter     FallbackAction = "DEAD_LETTER"
)

type FailureEvent struct {
	ID             string         `json:"id"`
	FailureClass   FailureClass   `json:"failure_class"`
	Severity       Severity       `json:"severity"`
	FallbackAction FallbackAction `json:"fallback_action"`
	Remediation    string         `json:"remediation"`
	ProjectID      *string        `json:"project_id,omitempty"`
	TaskID         *string        `json:"task_id,omitempty"`
	ThreadID       *string        `json:"thread_id,omitempty"`
	LeaseID        *string        `json:"lease_id,omitempty"`
	ContextRef     *string        `json:"context_ref,omitempty"`
	Detail         string         `json:"detail,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

type InboundStatus string

const (
	InboundReceived       InboundStatus = "RECEIVED"
	InboundBlocked        InboundStatus = "BLOCKED"
	InboundEnqueued       InboundStatus = "ENQUEUED"
	InboundRetryScheduled InboundStatus = "RETRY_SCHEDULED"
	InboundDeadLetter     InboundStatus = "DEAD_LETTER"
)

type InboundEmailEvent struct {
	ID                 string         `json:"id"`
	ExternalMessageID  *string        `json:"external_message_id,omitempty"`
	Channel            string         `json:"channel"`
	SenderEmail        string         `json:"sender_email"`
	SenderName         string         `json:"sender_name,omitempty"`
	Subject            string         `json:"subject,omitempty"`
	BodyText           string         `json:"body_text,omitempty"`
	Authorized         bool           `json:"authorized"`
	AuthorizationNote  string         `json:"authorization_reason,omitempty"`
	Status             InboundStatus  `json:"status"`
	AttemptCount       int            `json:"attempt_count"`
	MaxAttempts        int            `json:"max_attempts"`
	NextAttemptAt      *string        `json:"next_attempt_at,omitempty" format:"date-time"`
	LastFailureCode    *string        `json:"last_failure_code,omitempty"`
	LastFailureMessage *string        `json:"last_failure_message,omitempty"`
	ThreadID           *string        `json:"thread_id,omitempty"`
	TaskID             *string        `json:"task_id,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          string         `json:"created_at" format:"date-time"`
	UpdatedAt          string         `json:"updated_at" format:"date-time"`
}

type ChatThread struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Channel   string `json:"channel"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ChatMessage struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Author    string         `json:"author"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Role      ActorRole `json:"role"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt string    `json:"created_at" format:"date-time"`
}
