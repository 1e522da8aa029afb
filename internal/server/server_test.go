package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mailplane/internal/classify"
	"mailplane/internal/config"
	"mailplane/internal/db"
	"mailplane/internal/domain"
	"mailplane/internal/engine"
	"mailplane/internal/migrate"
)

type ruleClassifier struct{}

func (ruleClassifier) Classify(ctx context.Context, subject, body string) classify.Classification {
	return classify.Rules(subject, body)
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), ruleClassifier{})
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeInto(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal %T: %v (%s)", out, err, string(data))
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestEmailToExecutingJobFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/emails", map[string]any{
		"tenant_id":    "default",
		"from_address": "kunde@example.dk",
		"subject":      "Please opret kunde",
		"body":         "Firmanavn: Acme ApS",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status %d: %s", res.StatusCode, string(data))
	}
	var email domain.Email
	decodeInto(t, data, &email)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/from-email", map[string]any{
		"email_id": email.ID,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("propose status %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	decodeInto(t, data, &task)
	if task.Intent != "create customer" || task.Risk != domain.RiskLow {
		t.Fatalf("unexpected task: %+v", task)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/plan/"+task.ID, nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("plan status %d: %s", res.StatusCode, string(data))
	}
	var job domain.Job
	decodeInto(t, data, &job)
	if job.Status != domain.JobExecuting {
		t.Fatalf("job status %q, want executing", job.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/"+job.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get job status %d: %s", res.StatusCode, string(data))
	}
	var detail JobDetailResponse
	decodeInto(t, data, &detail)
	if len(detail.Steps) != 1 || detail.Steps[0].ActionID != "tasks.create_customer" {
		t.Fatalf("unexpected job detail: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/emails?status=triaged", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list emails status %d", res.StatusCode)
	}
	var triaged []domain.Email
	decodeInto(t, data, &triaged)
	if len(triaged) != 1 || triaged[0].ID != email.ID {
		t.Fatalf("triaged email listing: %s", string(data))
	}
}

func TestHighRiskJobWaitsForApproval(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/emails", map[string]any{
		"tenant_id":    "default",
		"from_address": "kunde@example.dk",
		"subject":      "Oprydning",
		"body":         "slet det gamle projekt",
	}, nil)
	var email domain.Email
	decodeInto(t, data, &email)

	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/from-email", map[string]any{"email_id": email.ID}, nil)
	var task domain.Task
	decodeInto(t, data, &task)
	if task.Risk != domain.RiskHigh {
		t.Fatalf("risk %q, want high", task.Risk)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/plan/"+task.ID, nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("plan status %d: %s", res.StatusCode, string(data))
	}
	var job domain.Job
	decodeInto(t, data, &job)
	if job.Status != domain.JobRequiresApproval {
		t.Fatalf("job status %q, want requires_approval", job.Status)
	}

	// planning the same task twice is refused
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/plan/"+task.ID, nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate plan status %d: %s", res.StatusCode, string(data))
	}

	steps, err := srv.Engine.Repo.ListJobSteps(ctx, job.ID)
	if err != nil || len(steps) != 1 {
		t.Fatalf("steps %d err %v", len(steps), err)
	}
	approvals, err := srv.Engine.Repo.ApprovalsForStep(ctx, steps[0].ID)
	if err != nil || len(approvals) != 1 {
		t.Fatalf("approvals %d err %v", len(approvals), err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/approvals/"+approvals[0].ID+"/approve", map[string]any{
		"decided_by": "reviewer@example.dk",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var decision DecisionResponse
	decodeInto(t, data, &decision)
	if !decision.OK || decision.Decision != "approved" {
		t.Fatalf("decision response: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/"+job.ID, nil, nil)
	var detail JobDetailResponse
	decodeInto(t, data, &detail)
	if detail.Status != domain.JobExecuting {
		t.Fatalf("job status after approval %q, want executing", detail.Status)
	}
	if detail.Steps[0].Status != "ready" {
		t.Fatalf("step status %q, want ready", detail.Steps[0].Status)
	}

	// a decided approval cannot be re-decided
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/approvals/"+approvals[0].ID+"/reject", map[string]any{
		"decided_by": "reviewer@example.dk",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second decision status %d: %s", res.StatusCode, string(data))
	}
}

func TestNotFoundCodes(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	cases := []struct {
		method  string
		path    string
		body    any
		message string
	}{
		{http.MethodPost, "/v1/tasks/from-email", map[string]any{"email_id": "nope"}, "email_not_found"},
		{http.MethodPost, "/v1/jobs/plan/nope", nil, "task_not_found"},
		{http.MethodGet, "/v1/jobs/nope", nil, "job_not_found"},
		{http.MethodPost, "/v1/jobs/nope/abort", nil, "job_not_found"},
		{http.MethodPost, "/v1/approvals/nope/approve", map[string]any{"decided_by": "x"}, "approval_not_found"},
	}
	for _, tc := range cases {
		res, data := doJSON(t, client, tc.method, srv.URL+tc.path, tc.body, nil)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s status %d: %s", tc.method, tc.path, res.StatusCode, string(data))
		}
		var envelope errorEnvelope
		decodeInto(t, data, &envelope)
		if envelope.Error.Code != "not_found" {
			t.Fatalf("%s: code %q", tc.path, envelope.Error.Code)
		}
		if envelope.Error.Message != tc.message {
			t.Fatalf("%s: message %q, want %q", tc.path, envelope.Error.Message, tc.message)
		}
	}
}

func TestSettingsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/settings?tenant_id=default", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get settings status %d: %s", res.StatusCode, string(data))
	}
	var first domain.Settings
	decodeInto(t, data, &first)
	if first.AutonomyMode != domain.AutonomyOff {
		t.Fatalf("default autonomy %q", first.AutonomyMode)
	}

	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/settings?tenant_id=default", nil, nil)
	var second domain.Settings
	decodeInto(t, data, &second)
	if second.ID != first.ID {
		t.Fatalf("settings not idempotent: %s vs %s", second.ID, first.ID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/settings", map[string]any{
		"tenant_id":     "default",
		"autonomy_mode": "SUPERVISED",
		"scopes":        []string{"Customers", "Invoices"},
		"kill_switch":   false,
		"policy": map[string]any{
			"no_delete_without_approval": true,
			"max_bulk_updates":           50,
			"max_monetary_change_pct":    5,
			"email_after_hours":          false,
		},
		"outlook_connected":    false,
		"require_manual_login": true,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set settings status %d: %s", res.StatusCode, string(data))
	}
	var replaced domain.Settings
	decodeInto(t, data, &replaced)
	if replaced.ID != first.ID || replaced.AutonomyMode != "SUPERVISED" {
		t.Fatalf("replace result: %s", string(data))
	}
}

func TestCapabilitiesAndDispatch(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/capabilities/latest", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("latest status %d: %s", res.StatusCode, string(data))
	}
	var empty engine.Manifest
	decodeInto(t, data, &empty)
	if len(empty.Pages) != 0 {
		t.Fatalf("expected bootstrap manifest, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/capabilities/rescan", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rescan status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/agent/manifest", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("agent manifest status %d", res.StatusCode)
	}
	var manifest engine.Manifest
	decodeInto(t, data, &manifest)
	if len(manifest.Pages) != 1 || manifest.Pages[0].ID != "customers" {
		t.Fatalf("manifest pages: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agent/dispatch", map[string]any{
		"action_id":       "customers.create",
		"payload":         map[string]any{"name": "Acme ApS"},
		"on_behalf_of":    "owner@example.dk",
		"idempotency_key": "key-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status %d: %s", res.StatusCode, string(data))
	}
	var dispatched DispatchResponse
	decodeInto(t, data, &dispatched)
	if !dispatched.OK || dispatched.ActionID != "customers.create" {
		t.Fatalf("dispatch response: %s", string(data))
	}
	n, err := srv.Engine.Repo.CountAudit(context.Background(), "dispatch_called")
	if err != nil || n != 1 {
		t.Fatalf("dispatch_called audit count %d err %v", n, err)
	}
}

func TestBearerAuth(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	// health stays open
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	decodeInto(t, data, &envelope)
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("code %q", envelope.Error.Code)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "owner@example.dk",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Tenants: []string{"default"},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status %d: %s", res.StatusCode, string(data))
	}
}
