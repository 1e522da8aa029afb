// Package engine implements the business operations: email ingestion,
// task proposal, job planning, approval decisions and tenant settings.
// Every mutating operation runs in a single transaction and appends its
// audit record inside that transaction.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailplane/internal/audit"
	"mailplane/internal/classify"
	"mailplane/internal/config"
	"mailplane/internal/domain"
	"mailplane/internal/repo"
)

// ErrConflict marks operations refused because the target is already in
// the requested state (duplicate planning, double approval decisions).
var ErrConflict = errors.New("conflict")

// Classifier yields an intent for an email. classify.Classifier is the
// production implementation; tests may stub it.
type Classifier interface {
	Classify(ctx context.Context, subject, body string) classify.Classification
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Audit      audit.Writer
	Classifier Classifier
	Config     *config.Config
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config, classifier Classifier) Engine {
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Audit:      audit.Writer{DB: db},
		Classifier: classifier,
		Config:     cfg,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// NewEmail are parameters for ingesting a normalized email.
type NewEmail struct {
	TenantID    string
	FromAddress string
	Subject     string
	Body        string
}

// IngestEmail stores a normalized email with status "new".
func (e Engine) IngestEmail(ctx context.Context, opts NewEmail) (domain.Email, error) {
	if opts.TenantID == "" {
		return domain.Email{}, errors.New("tenant_id is required")
	}
	if opts.FromAddress == "" {
		return domain.Email{}, errors.New("from_address is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Email{}, err
	}
	defer tx.Rollback()

	email := domain.Email{
		ID:          uuid.NewString(),
		TenantID:    opts.TenantID,
		FromAddress: opts.FromAddress,
		Subject:     opts.Subject,
		Body:        opts.Body,
		Status:      domain.EmailNew,
		CreatedAt:   e.timestamp(),
	}
	if err := e.Repo.InsertEmailTx(ctx, tx, email); err != nil {
		return domain.Email{}, fmt.Errorf("insert email: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, "email_ingested", email.TenantID, email.ID, audit.Payload{
		"from_address": email.FromAddress,
		"subject":      email.Subject,
	}); err != nil {
		return domain.Email{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Email{}, err
	}
	return email, nil
}

// ProposeTask classifies an email and records the proposed task. The
// task insert, the email status flip and the audit row commit together.
func (e Engine) ProposeTask(ctx context.Context, emailID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	email, err := e.Repo.GetEmailTx(ctx, tx, emailID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("email_not_found: %w", repo.ErrNotFound)
		}
		return domain.Task{}, err
	}

	c := e.Classifier.Classify(ctx, email.Subject, email.Body)

	task := domain.Task{
		ID:         uuid.NewString(),
		EmailID:    &email.ID,
		TenantID:   email.TenantID,
		Intent:     c.Intent,
		Confidence: c.Confidence,
		Risk:       c.Risk,
		Status:     "proposed",
		Why:        c.Why,
		CreatedAt:  e.timestamp(),
	}
	if c.Confidence < 0.7 {
		missing := "customer_reference"
		task.MissingFields = &missing
	}
	if err := e.Repo.InsertTaskTx(ctx, tx, task); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Repo.MarkEmailTriagedTx(ctx, tx, email.ID, c.Intent); err != nil {
		return domain.Task{}, fmt.Errorf("triage email: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, "task_suggested", email.TenantID, email.ID, audit.Payload{
		"intent":     c.Intent,
		"confidence": c.Confidence,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// PlanJob turns a proposed task into a job with one synthesized step.
// Medium/high risk routes the job through human approval; anything else
// goes straight to executing. One job per task.
func (e Engine) PlanJob(ctx context.Context, taskID string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Job{}, fmt.Errorf("task_not_found: %w", repo.ErrNotFound)
		}
		return domain.Job{}, err
	}
	if existing, err := e.Repo.JobForTaskTx(ctx, tx, task.ID); err == nil {
		return domain.Job{}, fmt.Errorf("job %s already planned for task %s: %w", existing.ID, task.ID, ErrConflict)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Job{}, err
	}

	now := e.timestamp()
	job := domain.Job{
		ID:        uuid.NewString(),
		TaskID:    &task.ID,
		TenantID:  task.TenantID,
		Status:    domain.JobPlanned,
		Source:    "email",
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertJobTx(ctx, tx, job); err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}

	input, err := json.Marshal(map[string]string{"task_id": task.ID, "intent": task.Intent})
	if err != nil {
		return domain.Job{}, err
	}
	requiresApproval := task.Risk == domain.RiskMedium || task.Risk == domain.RiskHigh
	step := domain.JobStep{
		ID:               uuid.NewString(),
		JobID:            job.ID,
		Index:            1,
		ActionID:         "tasks." + strings.ReplaceAll(task.Intent, " ", "_"),
		Backend:          "dispatch",
		InputJSON:        string(input),
		Status:           "pending",
		RequiresApproval: requiresApproval,
		CreatedAt:        now,
	}
	if err := e.Repo.InsertJobStepTx(ctx, tx, step); err != nil {
		return domain.Job{}, fmt.Errorf("insert job step: %w", err)
	}

	if requiresApproval {
		job.Status = domain.JobRequiresApproval
		approval := domain.Approval{
			ID:        uuid.NewString(),
			JobStepID: step.ID,
			CreatedAt: now,
		}
		if err := e.Repo.InsertApprovalTx(ctx, tx, approval); err != nil {
			return domain.Job{}, fmt.Errorf("insert approval: %w", err)
		}
	} else {
		job.Status = domain.JobExecuting
	}
	job.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateJobStatusTx(ctx, tx, job.ID, job.Status, job.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	if err := e.Audit.Append(ctx, tx, "job_planned", task.TenantID, job.ID, audit.Payload{
		"task_id": task.ID,
		"risk":    task.Risk,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// AbortJob moves a job to the terminal aborted state.
func (e Engine) AbortJob(ctx context.Context, jobID string) (domain.Job, error) {
	return e.setJobStatus(ctx, jobID, domain.JobAborted, "job_aborted")
}

// RetryJob moves a job back to executing.
func (e Engine) RetryJob(ctx context.Context, jobID string) (domain.Job, error) {
	return e.setJobStatus(ctx, jobID, domain.JobExecuting, "job_retried")
}

func (e Engine) setJobStatus(ctx context.Context, jobID, status, eventType string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	job, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Job{}, fmt.Errorf("job_not_found: %w", repo.ErrNotFound)
		}
		return domain.Job{}, err
	}
	job.Status = status
	job.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateJobStatusTx(ctx, tx, job.ID, job.Status, job.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	if err := e.Audit.Append(ctx, tx, eventType, job.TenantID, job.ID, audit.Payload{
		"status": job.Status,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// DecisionOptions are parameters for deciding a pending approval.
type DecisionOptions struct {
	ApprovalID string
	Decision   string
	DecidedBy  string
	Comment    string
}

// DecideApproval records a human decision and closes the loop on the
// owning job: approved steps become ready and the job executes; rejected
// steps abort the job. A decided approval cannot be re-decided.
func (e Engine) DecideApproval(ctx context.Context, opts DecisionOptions) (domain.Approval, error) {
	if opts.Decision != "approved" && opts.Decision != "rejected" {
		return domain.Approval{}, errors.New("decision must be approved or rejected")
	}
	if opts.DecidedBy == "" {
		return domain.Approval{}, errors.New("decided_by is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()

	approval, err := e.Repo.GetApprovalTx(ctx, tx, opts.ApprovalID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Approval{}, fmt.Errorf("approval_not_found: %w", repo.ErrNotFound)
		}
		return domain.Approval{}, err
	}
	if approval.Decision != nil {
		return domain.Approval{}, fmt.Errorf("approval already %s: %w", *approval.Decision, ErrConflict)
	}
	if err := e.Repo.SetApprovalDecisionTx(ctx, tx, approval.ID, opts.Decision, opts.DecidedBy, opts.Comment); err != nil {
		return domain.Approval{}, err
	}

	step, err := e.Repo.GetJobStepTx(ctx, tx, approval.JobStepID)
	if err != nil {
		return domain.Approval{}, err
	}
	job, err := e.Repo.GetJobTx(ctx, tx, step.JobID)
	if err != nil {
		return domain.Approval{}, err
	}
	stepStatus, jobStatus := "ready", domain.JobExecuting
	if opts.Decision == "rejected" {
		stepStatus, jobStatus = "rejected", domain.JobAborted
	}
	if err := e.Repo.UpdateJobStepStatusTx(ctx, tx, step.ID, stepStatus); err != nil {
		return domain.Approval{}, err
	}
	if err := e.Repo.UpdateJobStatusTx(ctx, tx, job.ID, jobStatus, e.timestamp()); err != nil {
		return domain.Approval{}, err
	}
	if err := e.Audit.Append(ctx, tx, "approval_decided", job.TenantID, approval.ID, audit.Payload{
		"decision":   opts.Decision,
		"decided_by": opts.DecidedBy,
		"job_id":     job.ID,
	}); err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}

	approval.Decision = &opts.Decision
	approval.DecidedBy = &opts.DecidedBy
	if opts.Comment != "" {
		approval.Comment = &opts.Comment
	}
	return approval, nil
}
