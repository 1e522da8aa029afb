package repo

import (
	"context"
	"database/sql"

	"mailplane/internal/domain"
)

const settingsColumns = `id,tenant_id,autonomy_mode,scopes,kill_switch,policy_json,outlook_connected,require_manual_login`

func scanSettings(row *sql.Row) (domain.Settings, error) {
	var s domain.Settings
	err := row.Scan(&s.ID, &s.TenantID, &s.AutonomyMode, &s.Scopes, &s.KillSwitch, &s.PolicyJSON, &s.OutlookConnected, &s.RequireManualLogin)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) GetSettingsByTenant(ctx context.Context, tenantID string) (domain.Settings, error) {
	return scanSettings(r.DB.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM settings WHERE tenant_id=?`, tenantID))
}

func (r Repo) GetSettingsByTenantTx(ctx context.Context, tx *sql.Tx, tenantID string) (domain.Settings, error) {
	return scanSettings(tx.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM settings WHERE tenant_id=?`, tenantID))
}

func (r Repo) InsertSettingsTx(ctx context.Context, tx *sql.Tx, s domain.Settings) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO settings(`+settingsColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.TenantID, s.AutonomyMode, s.Scopes, s.KillSwitch, s.PolicyJSON, s.OutlookConnected, s.RequireManualLogin)
	return err
}

func (r Repo) UpdateSettingsTx(ctx context.Context, tx *sql.Tx, s domain.Settings) error {
	res, err := tx.ExecContext(ctx, `UPDATE settings SET autonomy_mode=?, scopes=?, kill_switch=?, policy_json=?, outlook_connected=?, require_manual_login=? WHERE tenant_id=?`,
		s.AutonomyMode, s.Scopes, s.KillSwitch, s.PolicyJSON, s.OutlookConnected, s.RequireManualLogin, s.TenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const snapshotColumns = `id,version,manifest_json,created_at`

// LatestSnapshot returns the newest capability snapshot, ErrNotFound when none.
func (r Repo) LatestSnapshot(ctx context.Context) (domain.CapabilitySnapshot, error) {
	var s domain.CapabilitySnapshot
	err := r.DB.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM capability_snapshots ORDER BY created_at DESC, id DESC LIMIT 1`).
		Scan(&s.ID, &s.Version, &s.ManifestJSON, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertSnapshot(ctx context.Context, s domain.CapabilitySnapshot) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO capability_snapshots(`+snapshotColumns+`) VALUES (?,?,?,?)`,
		s.ID, s.Version, s.ManifestJSON, s.CreatedAt)
	return err
}

type AuditFilters struct {
	Query    string
	TenantID string
	Limit    int
}

// ListAudit returns audit rows newest first, optionally filtered by a
// substring over payload_json.
func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	var clauses []string
	var args []any
	if f.Query != "" {
		clauses = append(clauses, "payload_json LIKE ?")
		args = append(args, "%"+f.Query+"%")
	}
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	query := `SELECT id,tenant_id,event_type,entity_id,payload_json,created_at FROM audit_log` + buildWhere(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var a domain.AuditEntry
		var entityID sql.NullString
		if err := rows.Scan(&a.ID, &a.TenantID, &a.EventType, &entityID, &a.PayloadJSON, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.EntityID = stringPtr(entityID)
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountAudit returns the number of audit rows for an event type.
func (r Repo) CountAudit(ctx context.Context, eventType string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE event_type=?`, eventType).Scan(&n)
	return n, err
}
