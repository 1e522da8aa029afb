package server

import (
	"encoding/json"

	"mailplane/internal/domain"
	"mailplane/internal/engine"
)

// Request payloads

type IngestEmailRequest struct {
	TenantID    string `json:"tenant_id"`
	FromAddress string `json:"from_address"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

type TaskFromEmailRequest struct {
	EmailID string `json:"email_id"`
}

type ApprovalDecisionRequest struct {
	DecidedBy string  `json:"decided_by"`
	Comment   *string `json:"comment,omitempty"`
}

type PolicyRequest struct {
	NoDeleteWithoutApproval bool    `json:"no_delete_without_approval"`
	MaxBulkUpdates          int     `json:"max_bulk_updates"`
	MaxMonetaryChangePct    float64 `json:"max_monetary_change_pct"`
	EmailAfterHours         bool    `json:"email_after_hours"`
}

type SettingsRequest struct {
	TenantID           string        `json:"tenant_id"`
	AutonomyMode       string        `json:"autonomy_mode" enum:"OFF,SUPERVISED,AUTONOMOUS"`
	Scopes             []string      `json:"scopes"`
	KillSwitch         bool          `json:"kill_switch"`
	Policy             PolicyRequest `json:"policy"`
	OutlookConnected   bool          `json:"outlook_connected,omitempty"`
	RequireManualLogin bool          `json:"require_manual_login,omitempty"`
}

type DispatchRequest struct {
	ActionID       string          `json:"action_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	OnBehalfOf     string          `json:"on_behalf_of"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Response payloads

type JobActionResponse struct {
	OK     bool   `json:"ok"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type DecisionResponse struct {
	OK       bool   `json:"ok"`
	Decision string `json:"decision"`
}

type RescanResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
}

type DispatchResponse struct {
	OK             bool   `json:"ok"`
	ActionID       string `json:"action_id"`
	IdempotencyKey string `json:"idempotency_key"`
	PerformedAs    string `json:"performed_as"`
}

type JobDetailResponse struct {
	domain.Job
	Steps []domain.JobStep `json:"steps,omitempty"`
}

func settingsUpdate(req SettingsRequest) engine.SettingsUpdate {
	return engine.SettingsUpdate{
		TenantID:     req.TenantID,
		AutonomyMode: req.AutonomyMode,
		Scopes:       req.Scopes,
		KillSwitch:   req.KillSwitch,
		Policy: engine.PolicyDoc{
			NoDeleteWithoutApproval: req.Policy.NoDeleteWithoutApproval,
			MaxBulkUpdates:          req.Policy.MaxBulkUpdates,
			MaxMonetaryChangePct:    req.Policy.MaxMonetaryChangePct,
			EmailAfterHours:         req.Policy.EmailAfterHours,
		},
		OutlookConnected:   req.OutlookConnected,
		RequireManualLogin: req.RequireManualLogin,
	}
}
