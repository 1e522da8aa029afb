package repo

import (
	"context"
	"database/sql"

	"mailplane/internal/domain"
)

const jobColumns = `id,task_id,tenant_id,status,source,started_at,updated_at`

func scanJob(row *sql.Row) (domain.Job, error) {
	var j domain.Job
	var taskID sql.NullString
	err := row.Scan(&j.ID, &taskID, &j.TenantID, &j.Status, &j.Source, &j.StartedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	j.TaskID = stringPtr(taskID)
	return j, err
}

func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?)`,
		j.ID, nullableStringPtr(j.TaskID), j.TenantID, j.Status, j.Source, j.StartedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// JobForTaskTx reports whether a job already exists for the task.
func (r Repo) JobForTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE task_id=?`, taskID))
}

func (r Repo) UpdateJobStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type JobFilters struct {
	Status   string
	TenantID string
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
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
	query := `SELECT ` + jobColumns + ` FROM jobs` + buildWhere(clauses) + ` ORDER BY started_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		var j domain.Job
		var taskID sql.NullString
		if err := rows.Scan(&j.ID, &taskID, &j.TenantID, &j.Status, &j.Source, &j.StartedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.TaskID = stringPtr(taskID)
		res = append(res, j)
	}
	return res, rows.Err()
}

const stepColumns = `id,job_id,idx,action_id,backend,input_json,output_json,status,requires_approval,created_at`

func (r Repo) InsertJobStepTx(ctx context.Context, tx *sql.Tx, s domain.JobStep) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO job_steps(`+stepColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.JobID, s.Index, s.ActionID, s.Backend, s.InputJSON, nullableStringPtr(s.OutputJSON),
		s.Status, s.RequiresApproval, s.CreatedAt)
	return err
}

func scanStep(row *sql.Row) (domain.JobStep, error) {
	var s domain.JobStep
	var output sql.NullString
	err := row.Scan(&s.ID, &s.JobID, &s.Index, &s.ActionID, &s.Backend, &s.InputJSON, &output, &s.Status, &s.RequiresApproval, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.OutputJSON = stringPtr(output)
	return s, err
}

func (r Repo) GetJobStepTx(ctx context.Context, tx *sql.Tx, id string) (domain.JobStep, error) {
	return scanStep(tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM job_steps WHERE id=?`, id))
}

func (r Repo) ListJobSteps(ctx context.Context, jobID string) ([]domain.JobStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepColumns+` FROM job_steps WHERE job_id=? ORDER BY idx`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobStep
	for rows.Next() {
		var s domain.JobStep
		var output sql.NullString
		if err := rows.Scan(&s.ID, &s.JobID, &s.Index, &s.ActionID, &s.Backend, &s.InputJSON, &output, &s.Status, &s.RequiresApproval, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.OutputJSON = stringPtr(output)
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateJobStepStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE job_steps SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const approvalColumns = `id,job_step_id,decision,comment,decided_by,created_at`

func scanApproval(row *sql.Row) (domain.Approval, error) {
	var a domain.Approval
	var decision, comment, decidedBy sql.NullString
	err := row.Scan(&a.ID, &a.JobStepID, &decision, &comment, &decidedBy, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.Decision = stringPtr(decision)
	a.Comment = stringPtr(comment)
	a.DecidedBy = stringPtr(decidedBy)
	return a, err
}

func (r Repo) InsertApprovalTx(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(`+approvalColumns+`) VALUES (?,?,?,?,?,?)`,
		a.ID, a.JobStepID, nullableStringPtr(a.Decision), nullableStringPtr(a.Comment), nullableStringPtr(a.DecidedBy), a.CreatedAt)
	return err
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	return scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Approval, error) {
	return scanApproval(tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

// ApprovalsForStep returns approvals attached to a step, newest first.
func (r Repo) ApprovalsForStep(ctx context.Context, stepID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE job_step_id=? ORDER BY created_at DESC`, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var a domain.Approval
		var decision, comment, decidedBy sql.NullString
		if err := rows.Scan(&a.ID, &a.JobStepID, &decision, &comment, &decidedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Decision = stringPtr(decision)
		a.Comment = stringPtr(comment)
		a.DecidedBy = stringPtr(decidedBy)
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) SetApprovalDecisionTx(ctx context.Context, tx *sql.Tx, id, decision, decidedBy, comment string) error {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET decision=?, decided_by=?, comment=? WHERE id=?`,
		decision, decidedBy, nullable(comment), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
