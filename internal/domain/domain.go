package domain

// Risk buckets driving the approval requirement.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Job statuses.
const (
	JobPending          = "pending"
	JobPlanned          = "planned"
	JobRequiresApproval = "requires_approval"
	JobExecuting        = "executing"
	JobSucceeded        = "succeeded"
	JobFailed           = "failed"
	JobAborted          = "aborted"
)

// Autonomy modes for tenant settings.
const (
	AutonomyOff        = "OFF"
	AutonomySupervised = "SUPERVISED"
	AutonomyAutonomous = "AUTONOMOUS"
)

// Email statuses.
const (
	EmailNew     = "new"
	EmailTriaged = "triaged"
)

type Email struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	FromAddress    string  `json:"from_address"`
	Subject        string  `json:"subject"`
	Body           string  `json:"body"`
	Status         string  `json:"status" enum:"new,triaged"`
	Classification *string `json:"classification,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type Task struct {
	ID            string  `json:"id"`
	EmailID       *string `json:"email_id,omitempty"`
	TenantID      string  `json:"tenant_id"`
	Intent        string  `json:"intent"`
	Confidence    float64 `json:"confidence"`
	Risk          string  `json:"risk" enum:"low,medium,high"`
	Status        string  `json:"status"`
	Why           string  `json:"why"`
	MissingFields *string `json:"missing_fields,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Job struct {
	ID        string  `json:"id"`
	TaskID    *string `json:"task_id,omitempty"`
	TenantID  string  `json:"tenant_id"`
	Status    string  `json:"status" enum:"pending,planned,requires_approval,executing,succeeded,failed,aborted"`
	Source    string  `json:"source"`
	StartedAt string  `json:"started_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type JobStep struct {
	ID               string  `json:"id"`
	JobID            string  `json:"job_id"`
	Index            int     `json:"index"`
	ActionID         string  `json:"action_id"`
	Backend          string  `json:"backend"`
	InputJSON        string  `json:"input_json"`
	OutputJSON       *string `json:"output_json,omitempty"`
	Status           string  `json:"status"`
	RequiresApproval bool    `json:"requires_approval"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type Approval struct {
	ID        string  `json:"id"`
	JobStepID string  `json:"job_step_id"`
	Decision  *string `json:"decision,omitempty" enum:"approved,rejected"`
	Comment   *string `json:"comment,omitempty"`
	DecidedBy *string `json:"decided_by,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type AuditEntry struct {
	ID          int64   `json:"id"`
	TenantID    string  `json:"tenant_id"`
	EventType   string  `json:"event_type"`
	EntityID    *string `json:"entity_id,omitempty"`
	PayloadJSON string  `json:"payload_json"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Settings struct {
	ID                 string `json:"id"`
	TenantID           string `json:"tenant_id"`
	AutonomyMode       string `json:"autonomy_mode" enum:"OFF,SUPERVISED,AUTONOMOUS"`
	Scopes             string `json:"scopes"`
	KillSwitch         bool   `json:"kill_switch"`
	PolicyJSON         string `json:"policy_json"`
	OutlookConnected   bool   `json:"outlook_connected"`
	RequireManualLogin bool   `json:"require_manual_login"`
}

type CapabilitySnapshot struct {
	ID           string `json:"id"`
	Version      string `json:"version"`
	ManifestJSON string `json:"manifest_json"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}
