// Package server exposes the Mailplane API over HTTP. Handlers are thin
// request/response mappings onto the engine; errors travel in a JSON
// envelope {"error":{code,message,details}}.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"mailplane/internal/domain"
	"mailplane/internal/engine"
	"mailplane/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task_not_found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Mailplane API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Mailplane API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerStatic(router)
	registerDocs(router, basePath)
	registerHealth(group)
	registerEmails(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerCapabilities(group, cfg.Engine)
	registerSettings(group, cfg.Engine)
	registerAgent(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", notFoundCode(msg), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	}
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "must be") || strings.Contains(lowered, "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

// notFoundCode keeps the machine-readable code the engine put in front of
// the wrapped sentinel, e.g. "email_not_found: not found".
func notFoundCode(msg string) string {
	if idx := strings.Index(msg, ":"); idx > 0 {
		head := msg[:idx]
		if strings.HasSuffix(head, "_not_found") {
			return head
		}
	}
	return "not_found"
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerEmails(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-email",
		Method:        http.MethodPost,
		Path:          "/emails",
		Summary:       "Ingest a normalized email",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body IngestEmailRequest `json:"body"`
	}) (*struct {
		Body domain.Email `json:"body"`
	}, error) {
		email, err := e.IngestEmail(ctx, engine.NewEmail{
			TenantID:    input.Body.TenantID,
			FromAddress: input.Body.FromAddress,
			Subject:     input.Body.Subject,
			Body:        input.Body.Body,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Email `json:"body"`
		}{Body: email}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-emails",
		Method:      http.MethodGet,
		Path:        "/emails",
		Summary:     "List emails",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" default:"new" enum:",new,triaged"`
		TenantID string `query:"tenant_id"`
	}) (*struct {
		Body []domain.Email `json:"body"`
	}, error) {
		items, err := e.Repo.ListEmails(ctx, repo.EmailFilters{Status: input.Status, TenantID: input.TenantID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Email `json:"body"`
		}{Body: items}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "task-from-email",
		Method:        http.MethodPost,
		Path:          "/tasks/from-email",
		Summary:       "Propose a task from an email",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body TaskFromEmailRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if input.Body.EmailID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email_id is required", nil)
		}
		task, err := e.ProposeTask(ctx, input.Body.EmailID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		TenantID string `query:"tenant_id"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{Status: input.Status, TenantID: input.TenantID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "plan-job",
		Method:        http.MethodPost,
		Path:          "/jobs/plan/{task_id}",
		Summary:       "Plan a job from a proposed task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		job, err := e.PlanJob(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:",pending,planned,requires_approval,executing,succeeded,failed,aborted"`
		TenantID string `query:"tenant_id"`
	}) (*struct {
		Body []domain.Job `json:"body"`
	}, error) {
		items, err := e.Repo.ListJobs(ctx, repo.JobFilters{Status: input.Status, TenantID: input.TenantID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job with steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobDetailResponse `json:"body"`
	}, error) {
		job, err := e.Repo.GetJob(ctx, input.JobID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "job_not_found", nil)
			}
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListJobSteps(ctx, job.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobDetailResponse `json:"body"`
		}{Body: JobDetailResponse{Job: job, Steps: steps}}, nil
	})

	for _, action := range []struct {
		name    string
		summary string
		call    func(context.Context, string) (domain.Job, error)
	}{
		{"abort", "Abort a job", e.AbortJob},
		{"retry", "Retry a job", e.RetryJob},
	} {
		action := action
		huma.Register(api, huma.Operation{
			OperationID: fmt.Sprintf("%s-job", action.name),
			Method:      http.MethodPost,
			Path:        fmt.Sprintf("/jobs/{job_id}/%s", action.name),
			Summary:     action.summary,
			Errors:      []int{http.StatusNotFound},
		}, func(ctx context.Context, input *struct {
			JobID string `path:"job_id"`
		}) (*struct {
			Body JobActionResponse `json:"body"`
		}, error) {
			job, err := action.call(ctx, input.JobID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body JobActionResponse `json:"body"`
			}{Body: JobActionResponse{OK: true, JobID: job.ID, Status: job.Status}}, nil
		})
	}
}

func registerApprovals(api huma.API, e engine.Engine) {
	for _, decision := range []string{"approved", "rejected"} {
		decision := decision
		verb := "approve"
		if decision == "rejected" {
			verb = "reject"
		}
		huma.Register(api, huma.Operation{
			OperationID: fmt.Sprintf("%s-approval", verb),
			Method:      http.MethodPost,
			Path:        fmt.Sprintf("/approvals/{approval_id}/%s", verb),
			Summary:     fmt.Sprintf("Record a human %s decision", decision),
			Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ApprovalID string                  `path:"approval_id"`
			Body       ApprovalDecisionRequest `json:"body"`
		}) (*struct {
			Body DecisionResponse `json:"body"`
		}, error) {
			comment := ""
			if input.Body.Comment != nil {
				comment = *input.Body.Comment
			}
			approval, err := e.DecideApproval(ctx, engine.DecisionOptions{
				ApprovalID: input.ApprovalID,
				Decision:   decision,
				DecidedBy:  input.Body.DecidedBy,
				Comment:    comment,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body DecisionResponse `json:"body"`
			}{Body: DecisionResponse{OK: true, Decision: *approval.Decision}}, nil
		})
	}
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit log entries",
	}, func(ctx context.Context, input *struct {
		Query    string `query:"query"`
		TenantID string `query:"tenant_id"`
		Limit    int    `query:"limit" default:"200" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body []domain.AuditEntry `json:"body"`
	}, error) {
		items, err := e.Repo.ListAudit(ctx, repo.AuditFilters{Query: input.Query, TenantID: input.TenantID, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditEntry `json:"body"`
		}{Body: items}, nil
	})
}

func registerCapabilities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "capabilities-latest",
		Method:      http.MethodGet,
		Path:        "/capabilities/latest",
		Summary:     "Latest capability manifest",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Manifest `json:"body"`
	}, error) {
		m, err := e.LatestManifest(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Manifest `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "capabilities-rescan",
		Method:      http.MethodPost,
		Path:        "/capabilities/rescan",
		Summary:     "Record a fresh capability snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RescanResponse `json:"body"`
	}, error) {
		snapshot, err := e.RescanManifest(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RescanResponse `json:"body"`
		}{Body: RescanResponse{OK: true, Version: snapshot.Version}}, nil
	})
}

func registerSettings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "Get tenant settings, creating defaults on first access",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenant_id" required:"true"`
	}) (*struct {
		Body domain.Settings `json:"body"`
	}, error) {
		s, err := e.EnsureSettings(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Settings `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-settings",
		Method:      http.MethodPost,
		Path:        "/settings",
		Summary:     "Replace tenant settings",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body SettingsRequest `json:"body"`
	}) (*struct {
		Body domain.Settings `json:"body"`
	}, error) {
		s, err := e.ReplaceSettings(ctx, settingsUpdate(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Settings `json:"body"`
		}{Body: s}, nil
	})
}

func registerAgent(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "agent-manifest",
		Method:      http.MethodGet,
		Path:        "/agent/manifest",
		Summary:     "Capability manifest for the UI agent",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Manifest `json:"body"`
	}, error) {
		m, err := e.LatestManifest(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Manifest `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-dispatch",
		Method:      http.MethodPost,
		Path:        "/agent/dispatch",
		Summary:     "Record an action dispatch (logged, never executed)",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DispatchRequest `json:"body"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		result, err := e.Dispatch(ctx, engine.DispatchOptions{
			ActionID:       input.Body.ActionID,
			Payload:        input.Body.Payload,
			OnBehalfOf:     input.Body.OnBehalfOf,
			IdempotencyKey: input.Body.IdempotencyKey,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DispatchResponse `json:"body"`
		}{Body: DispatchResponse{
			OK:             true,
			ActionID:       result.ActionID,
			IdempotencyKey: result.IdempotencyKey,
			PerformedAs:    result.PerformedAs,
		}}, nil
	})
}
