package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mailplane/internal/domain"
	"mailplane/internal/repo"
)

const defaultScopes = "Customers,Projects,Invoices,Emails,Support"

// PolicyDoc is the typed tenant policy blob.
type PolicyDoc struct {
	NoDeleteWithoutApproval bool    `json:"no_delete_without_approval"`
	MaxBulkUpdates          int     `json:"max_bulk_updates"`
	MaxMonetaryChangePct    float64 `json:"max_monetary_change_pct"`
	EmailAfterHours         bool    `json:"email_after_hours"`
}

// DefaultPolicy returns the policy applied to newly seen tenants.
func DefaultPolicy() PolicyDoc {
	return PolicyDoc{
		NoDeleteWithoutApproval: true,
		MaxBulkUpdates:          100,
		MaxMonetaryChangePct:    10,
		EmailAfterHours:         false,
	}
}

func (e Engine) defaultSettings(tenantID string) domain.Settings {
	scopes := defaultScopes
	autonomy := domain.AutonomyOff
	if e.Config != nil {
		if len(e.Config.Defaults.Scopes) > 0 {
			scopes = strings.Join(e.Config.Defaults.Scopes, ",")
		}
		if e.Config.Defaults.AutonomyMode != "" {
			autonomy = e.Config.Defaults.AutonomyMode
		}
	}
	policy, _ := json.Marshal(DefaultPolicy())
	return domain.Settings{
		ID:                 uuid.NewString(),
		TenantID:           tenantID,
		AutonomyMode:       autonomy,
		Scopes:             scopes,
		KillSwitch:         false,
		PolicyJSON:         string(policy),
		OutlookConnected:   false,
		RequireManualLogin: true,
	}
}

// EnsureSettings returns the tenant settings, creating the defaults on
// first access. At most one row exists per tenant.
func (e Engine) EnsureSettings(ctx context.Context, tenantID string) (domain.Settings, error) {
	if tenantID == "" {
		return domain.Settings{}, errors.New("tenant_id is required")
	}
	if s, err := e.Repo.GetSettingsByTenant(ctx, tenantID); err == nil {
		return s, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Settings{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Settings{}, err
	}
	defer tx.Rollback()

	// Re-check inside the transaction; the UNIQUE constraint backstops
	// a concurrent first read.
	if s, err := e.Repo.GetSettingsByTenantTx(ctx, tx, tenantID); err == nil {
		return s, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Settings{}, err
	}
	s := e.defaultSettings(tenantID)
	if err := e.Repo.InsertSettingsTx(ctx, tx, s); err != nil {
		return domain.Settings{}, fmt.Errorf("insert settings: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Settings{}, err
	}
	return s, nil
}

// SettingsUpdate is a full replacement payload for tenant settings.
type SettingsUpdate struct {
	TenantID           string
	AutonomyMode       string
	Scopes             []string
	KillSwitch         bool
	Policy             PolicyDoc
	OutlookConnected   bool
	RequireManualLogin bool
}

// ReplaceSettings upserts the full settings row for a tenant.
func (e Engine) ReplaceSettings(ctx context.Context, opts SettingsUpdate) (domain.Settings, error) {
	if opts.TenantID == "" {
		return domain.Settings{}, errors.New("tenant_id is required")
	}
	switch opts.AutonomyMode {
	case domain.AutonomyOff, domain.AutonomySupervised, domain.AutonomyAutonomous:
	default:
		return domain.Settings{}, errors.New("autonomy_mode must be OFF, SUPERVISED or AUTONOMOUS")
	}
	policy, err := json.Marshal(opts.Policy)
	if err != nil {
		return domain.Settings{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Settings{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSettingsByTenantTx(ctx, tx, opts.TenantID)
	found := err == nil
	if errors.Is(err, repo.ErrNotFound) {
		s = domain.Settings{ID: uuid.NewString(), TenantID: opts.TenantID}
	} else if err != nil {
		return domain.Settings{}, err
	}

	s.AutonomyMode = opts.AutonomyMode
	s.Scopes = strings.Join(opts.Scopes, ",")
	s.KillSwitch = opts.KillSwitch
	s.PolicyJSON = string(policy)
	s.OutlookConnected = opts.OutlookConnected
	s.RequireManualLogin = opts.RequireManualLogin

	if found {
		err = e.Repo.UpdateSettingsTx(ctx, tx, s)
	} else {
		err = e.Repo.InsertSettingsTx(ctx, tx, s)
	}
	if err != nil {
		return domain.Settings{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Settings{}, err
	}
	return s, nil
}
