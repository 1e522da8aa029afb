package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailplane/internal/audit"
	"mailplane/internal/domain"
	"mailplane/internal/repo"
)

// Manifest is the versioned description of UI-exposed actions.
type Manifest struct {
	Version string         `json:"version"`
	Pages   []ManifestPage `json:"pages"`
}

type ManifestPage struct {
	ID          string           `json:"id"`
	Route       string           `json:"route"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Actions     []ManifestAction `json:"actions"`
}

type ManifestAction struct {
	ID                  string            `json:"id"`
	Label               string            `json:"label"`
	Risk                string            `json:"risk" enum:"low,medium,high"`
	RequiredPermissions []string          `json:"required_permissions,omitempty"`
	Inputs              []ActionInput     `json:"inputs,omitempty"`
	UIHooks             map[string]string `json:"ui_hooks,omitempty"`
}

type ActionInput struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// LatestManifest returns the newest capability manifest. When no
// snapshot exists yet it returns the bootstrap manifest with no pages.
func (e Engine) LatestManifest(ctx context.Context) (Manifest, error) {
	snapshot, err := e.Repo.LatestSnapshot(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return Manifest{Version: "bootstrap", Pages: []ManifestPage{}}, nil
	}
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal([]byte(snapshot.ManifestJSON), &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", snapshot.ID, err)
	}
	m.Version = snapshot.Version
	if m.Pages == nil {
		m.Pages = []ManifestPage{}
	}
	return m, nil
}

// RescanManifest appends a fresh capability snapshot. The manifest
// content is the fixed demo set; a real scanner would replace demoManifest.
func (e Engine) RescanManifest(ctx context.Context) (domain.CapabilitySnapshot, error) {
	now := e.now().UTC()
	m := demoManifest(now)
	data, err := json.Marshal(m)
	if err != nil {
		return domain.CapabilitySnapshot{}, err
	}
	snapshot := domain.CapabilitySnapshot{
		ID:           uuid.NewString(),
		Version:      m.Version,
		ManifestJSON: string(data),
		CreatedAt:    now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertSnapshot(ctx, snapshot); err != nil {
		return domain.CapabilitySnapshot{}, err
	}
	return snapshot, nil
}

func demoManifest(now time.Time) Manifest {
	return Manifest{
		Version: now.Format("2006-01-02T15:04:05Z"),
		Pages: []ManifestPage{
			{
				ID:          "customers",
				Route:       "/customers",
				Title:       "Kunder",
				Description: "Customer management",
				Actions: []ManifestAction{
					{
						ID:                  "customers.create",
						Label:               "Opret kunde",
						Risk:                domain.RiskLow,
						RequiredPermissions: []string{"customers:write"},
						Inputs: []ActionInput{
							{Name: "name", Label: "Navn", Type: "text", Required: true},
							{Name: "cvr", Label: "CVR", Type: "text", Required: false},
						},
						UIHooks: map[string]string{"create_button": "[data-automation='customers-create']"},
					},
				},
			},
		},
	}
}

// DispatchOptions describe an action invocation from the UI agent.
// Dispatch records intent only; nothing is executed.
type DispatchOptions struct {
	ActionID       string
	Payload        json.RawMessage
	OnBehalfOf     string
	IdempotencyKey string
}

type DispatchResult struct {
	ActionID       string `json:"action_id"`
	IdempotencyKey string `json:"idempotency_key"`
	PerformedAs    string `json:"performed_as"`
}

// Dispatch logs the requested action to the audit trail and echoes the
// request. The idempotency key is recorded, not deduplicated.
func (e Engine) Dispatch(ctx context.Context, opts DispatchOptions) (DispatchResult, error) {
	if opts.ActionID == "" {
		return DispatchResult{}, errors.New("action_id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DispatchResult{}, err
	}
	defer tx.Rollback()

	payload := audit.Payload{
		"action_id":       opts.ActionID,
		"on_behalf_of":    opts.OnBehalfOf,
		"idempotency_key": opts.IdempotencyKey,
	}
	if len(opts.Payload) > 0 {
		payload["payload"] = opts.Payload
	}
	if err := e.Audit.Append(ctx, tx, "dispatch_called", "shared", opts.ActionID, payload); err != nil {
		return DispatchResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return DispatchResult{}, err
	}
	return DispatchResult{
		ActionID:       opts.ActionID,
		IdempotencyKey: opts.IdempotencyKey,
		PerformedAs:    opts.OnBehalfOf,
	}, nil
}
