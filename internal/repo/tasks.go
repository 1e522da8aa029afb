package repo

import (
	"context"
	"database/sql"

	"mailplane/internal/domain"
)

const taskColumns = `id,email_id,tenant_id,intent,confidence,risk,status,why,missing_fields,created_at`

func scanTask(row *sql.Row) (domain.Task, error) {
	var t domain.Task
	var emailID, missing sql.NullString
	err := row.Scan(&t.ID, &emailID, &t.TenantID, &t.Intent, &t.Confidence, &t.Risk, &t.Status, &t.Why, &missing, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.EmailID = stringPtr(emailID)
	t.MissingFields = stringPtr(missing)
	return t, err
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullableStringPtr(t.EmailID), t.TenantID, t.Intent, t.Confidence, t.Risk, t.Status, t.Why,
		nullableStringPtr(t.MissingFields), t.CreatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	Status   string
	TenantID string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks` + buildWhere(clauses) + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var emailID, missing sql.NullString
		if err := rows.Scan(&t.ID, &emailID, &t.TenantID, &t.Intent, &t.Confidence, &t.Risk, &t.Status, &t.Why, &missing, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.EmailID = stringPtr(emailID)
		t.MissingFields = stringPtr(missing)
		res = append(res, t)
	}
	return res, rows.Err()
}
