package repo

import (
	"context"
	"database/sql"

	"mailplane/internal/domain"
)

const emailColumns = `id,tenant_id,from_address,subject,body,status,classification,created_at`

func scanEmail(row *sql.Row) (domain.Email, error) {
	var e domain.Email
	var classification sql.NullString
	err := row.Scan(&e.ID, &e.TenantID, &e.FromAddress, &e.Subject, &e.Body, &e.Status, &classification, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.Classification = stringPtr(classification)
	return e, err
}

func (r Repo) InsertEmailTx(ctx context.Context, tx *sql.Tx, e domain.Email) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO emails(`+emailColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.TenantID, e.FromAddress, e.Subject, e.Body, e.Status, nullableStringPtr(e.Classification), e.CreatedAt)
	return err
}

func (r Repo) GetEmail(ctx context.Context, id string) (domain.Email, error) {
	return scanEmail(r.DB.QueryRowContext(ctx, `SELECT `+emailColumns+` FROM emails WHERE id=?`, id))
}

func (r Repo) GetEmailTx(ctx context.Context, tx *sql.Tx, id string) (domain.Email, error) {
	return scanEmail(tx.QueryRowContext(ctx, `SELECT `+emailColumns+` FROM emails WHERE id=?`, id))
}

// MarkEmailTriagedTx flips an email to triaged and stores the classified intent.
func (r Repo) MarkEmailTriagedTx(ctx context.Context, tx *sql.Tx, id, intent string) error {
	res, err := tx.ExecContext(ctx, `UPDATE emails SET status=?, classification=? WHERE id=?`,
		domain.EmailTriaged, intent, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type EmailFilters struct {
	Status   string
	TenantID string
}

func (r Repo) ListEmails(ctx context.Context, f EmailFilters) ([]domain.Email, error) {
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
	query := `SELECT ` + emailColumns + ` FROM emails` + buildWhere(clauses) + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Email
	for rows.Next() {
		var e domain.Email
		var classification sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &e.FromAddress, &e.Subject, &e.Body, &e.Status, &classification, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Classification = stringPtr(classification)
		res = append(res, e)
	}
	return res, rows.Err()
}
