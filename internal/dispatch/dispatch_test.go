package dispatch_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"homeline/internal/app"
	"homeline/internal/config"
	"homeline/internal/db"
	"homeline/internal/dispatch"
	"homeline/internal/domain"
	"homeline/internal/migrate"
	"homeline/internal/repo"
)

const tenant = "tenant-1"

type stubAdvancer struct {
	phaseIDs []string
	advanced bool
	err      error
}

func (s *stubAdvancer) AdvanceIfEligible(_ context.Context, _, phaseID, _ string) (bool, error) {
	s.phaseIDs = append(s.phaseIDs, phaseID)
	return s.advanced, s.err
}

type dispatchEnv struct {
	DB       *sql.DB
	Disp     *dispatch.Dispatcher
	Advancer *stubAdvancer
	Ctx      context.Context
}

func newDispatchEnv(t *testing.T) dispatchEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	if err := app.Install(ctx, conn, config.Default(tenant), ""); err != nil {
		t.Fatalf("install config: %v", err)
	}
	adv := &stubAdvancer{}
	d := dispatch.NewDispatcher(conn, adv, zap.NewNop())
	d.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return dispatchEnv{DB: conn, Disp: d, Advancer: adv, Ctx: ctx}
}

// seedHandler registers a handler for an event type code and returns its id.
func seedHandler(t *testing.T, env dispatchEnv, eventType string, h domain.EventHandler) string {
	t.Helper()
	et, err := env.Disp.Repo.GetEventTypeByCode(env.Ctx, tenant, eventType)
	if err != nil {
		t.Fatalf("get event type %s: %v", eventType, err)
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	h.EventTypeID = et.ID
	if h.ConfigJSON == "" {
		h.ConfigJSON = "{}"
	}
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	if err := env.Disp.Repo.InsertHandlerTx(env.Ctx, tx, h); err != nil {
		t.Fatalf("insert handler: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return h.ID
}

func emit(t *testing.T, env dispatchEnv, eventType string, payload map[string]any) domain.WorkflowEvent {
	t.Helper()
	ev, err := env.Disp.Emit(env.Ctx, tenant, eventType, payload, "test", "tester")
	if err != nil {
		t.Fatalf("emit %s: %v", eventType, err)
	}
	return ev
}

func TestHandlerConfigValidation(t *testing.T) {
	cases := []struct {
		handlerType string
		config      string
		wantErr     bool
	}{
		{domain.HandlerSendEmail, `{"template":"welcome"}`, false},
		{domain.HandlerSendEmail, `{}`, true},
		{domain.HandlerCallWebhook, `{"url":"https://example.com/hook"}`, false},
		{domain.HandlerCallWebhook, `{}`, true},
		{domain.HandlerAdvanceWorkflow, `{"phase_id_path":"phase_id"}`, false},
		{domain.HandlerAdvanceWorkflow, `{}`, true},
		{domain.HandlerRunAutomation, `{"automation":"recalc"}`, false},
		{domain.HandlerRunAutomation, `{}`, true},
		{"NO_SUCH_TYPE", `{}`, true},
		{domain.HandlerSendEmail, `{not json`, true},
	}
	for _, tc := range cases {
		err := dispatch.ValidateHandlerConfig(tc.handlerType, tc.config)
		if tc.wantErr && err == nil {
			t.Errorf("%s %s: expected error", tc.handlerType, tc.config)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s %s: unexpected error %v", tc.handlerType, tc.config, err)
		}
	}
}

func TestResolveParams(t *testing.T) {
	cfg, err := dispatch.ParseHandlerConfig(domain.HandlerRunAutomation, `{
		"automation": "recalc",
		"params": {"channel": "ops", "amount": 1},
		"param_paths": {"amount": "payment.amount", "missing": "no.such.path"}
	}`)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	params := cfg.ResolveParams(map[string]any{
		"payment": map[string]any{"amount": "250.00"},
	})
	if params["channel"] != "ops" {
		t.Fatalf("static param lost: %v", params)
	}
	// payload paths win over static params on key clash
	if params["amount"] != "250.00" {
		t.Fatalf("path param should override static, got %v", params["amount"])
	}
	if _, ok := params["missing"]; ok {
		t.Fatalf("missing path should be dropped, got %v", params)
	}
}

func TestEmitRejectsUnknownAndDisabled(t *testing.T) {
	env := newDispatchEnv(t)

	if _, err := env.Disp.Emit(env.Ctx, tenant, "NO_SUCH_EVENT", nil, "test", "x"); err == nil {
		t.Fatalf("expected error for unknown event type")
	}

	if err := env.Disp.Repo.SetEventTypeEnabled(env.Ctx, tenant, "APPLICATION_CREATED", false); err != nil {
		t.Fatalf("disable type: %v", err)
	}
	if _, err := env.Disp.Emit(env.Ctx, tenant, "APPLICATION_CREATED", nil, "test", "x"); err == nil {
		t.Fatalf("expected error for disabled event type")
	}

	// disabling the channel mutes every type in it
	if err := env.Disp.Repo.SetChannelEnabled(env.Ctx, tenant, "MORTGAGE", false); err != nil {
		t.Fatalf("disable channel: %v", err)
	}
	if _, err := env.Disp.Emit(env.Ctx, tenant, "APPLICATION_SUBMITTED", nil, "test", "x"); err == nil {
		t.Fatalf("expected error for type in disabled channel")
	}
}

func TestProcessRunsHandlersInPriorityOrder(t *testing.T) {
	env := newDispatchEnv(t)
	var order []string
	env.Disp.Automations.Register("first", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		order = append(order, "first")
		return map[string]any{"step": 1}, nil
	})
	env.Disp.Automations.Register("second", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		order = append(order, "second")
		return nil, nil
	})
	seedHandler(t, env, "APPLICATION_CREATED", domain.EventHandler{
		Type: domain.HandlerRunAutomation, ConfigJSON: `{"automation":"second"}`,
		Priority: 20, Enabled: true,
	})
	seedHandler(t, env, "APPLICATION_CREATED", domain.EventHandler{
		Type: domain.HandlerRunAutomation, ConfigJSON: `{"automation":"first"}`,
		Priority: 10, Enabled: true,
	})

	ev := emit(t, env, "APPLICATION_CREATED", map[string]any{"application_id": "a-1"})
	done, err := env.Disp.Process(env.Ctx, ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if done.Status != domain.EventCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", done.Status, done.Error)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("handlers ran out of order: %v", order)
	}

	execs, err := env.Disp.Repo.ListExecutions(env.Ctx, ev.ID)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(execs))
	}
	for _, ex := range execs {
		if ex.Status != domain.ExecutionCompleted {
			t.Fatalf("execution %s status %s", ex.ID, ex.Status)
		}
	}
}

func TestProcessAlreadyClaimed(t *testing.T) {
	env := newDispatchEnv(t)
	ev := emit(t, env, "APPLICATION_CREATED", nil)

	if _, err := env.Disp.Process(env.Ctx, ev); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if _, err := env.Disp.Process(env.Ctx, ev); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second claim should miss, got %v", err)
	}
}

func TestFilterSkipsHandler(t *testing.T) {
	env := newDispatchEnv(t)
	called := false
	env.Disp.Automations.Register("audit", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		called = true
		return nil, nil
	})
	seedHandler(t, env, "PAYMENT_RECORDED", domain.EventHandler{
		Type: domain.HandlerRunAutomation, ConfigJSON: `{"automation":"audit"}`,
		FilterExpr: "amount >= 1000", Enabled: true,
	})

	ev := emit(t, env, "PAYMENT_RECORDED", map[string]any{"amount": "250", "phase_id": "p-1"})
	done, err := env.Disp.Process(env.Ctx, ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if called {
		t.Fatalf("filtered handler must not run")
	}
	// a skip is not a failure
	if done.Status != domain.EventCompleted {
		t.Fatalf("expected COMPLETED, got %s", done.Status)
	}
	execs, _ := env.Disp.Repo.ListExecutions(env.Ctx, ev.ID)
	var found bool
	for _, ex := range execs {
		if ex.Status == domain.ExecutionSkipped {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a SKIPPED execution, got %+v", execs)
	}
}

func TestPartialFailureStillCompletesEvent(t *testing.T) {
	env := newDispatchEnv(t)
	env.Disp.Automations.Register("flaky", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("downstream unavailable")
	})
	env.Disp.Automations.Register("solid", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, nil
	})
	seedHandler(t, env, "APPLICATION_CREATED", domain.EventHandler{
		Type: domain.HandlerRunAutomation, ConfigJSON: `{"automation":"flaky"}`,
		Priority: 1, Enabled: true,
	})
	seedHandler(t, env, "APPLICATION_CREATED", domain.EventHandler{
		Type: domain.HandlerRunAutomation, ConfigJSON: `{"automation":"solid"}`,
		Priority: 2, Enabled: true,
	})

	ev := emit(t, env, "APPLICATION_CREATED", nil)
	done, err := env.Disp.Process(env.Ctx, ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if done.Status != domain.EventCompleted {
		t.Fatalf("one surviving handler should complete the event, got %s", done.Status)
	}
}

func TestAllHandlersFailedFailsEventAndRetryRecovers(t *testing.T) {
	env := newDispatchEnv(t)
	healthy := false
	env.Disp.Automations.Register("notify", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		if !healthy {
			return nil, errors.New("smtp down")
		}
		return map[string]any{"sent": true}, nil
	})
	seedHandler(t, env, "APPLICATION_CREATED", domain.EventHandler{
		Type: domain.HandlerRunAutomation, ConfigJSON: `{"automation":"notify"}`,
		Enabled: true,
	})

	ev := emit(t, env, "APPLICATION_CREATED", nil)
	done, err := env.Disp.Process(env.Ctx, ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if done.Status != domain.EventFailed {
		t.Fatalf("expected FAILED, got %s", done.Status)
	}
	execs, err := env.Disp.Repo.ListExecutions(env.Ctx, ev.ID)
	if err != nil || len(execs) != 1 {
		t.Fatalf("expected 1 execution, got %d (%v)", len(execs), err)
	}

	healthy = true
	exec, err := env.Disp.RetryExecution(env.Ctx, tenant, execs[0].ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if exec.Status != domain.ExecutionCompleted {
		t.Fatalf("retry should succeed, got %s (%s)", exec.Status, exec.Error)
	}
	done, err = env.Disp.Repo.GetWorkflowEvent(env.Ctx, tenant, ev.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if done.Status != domain.EventCompleted {
		t.Fatalf("successful retry should flip the event to COMPLETED, got %s", done.Status)
	}

	// only failed executions are retryable
	if _, err := env.Disp.RetryExecution(env.Ctx, tenant, exec.ID); err == nil {
		t.Fatalf("expected error retrying a completed execution")
	}
}

func TestInlineRetriesExhaust(t *testing.T) {
	env := newDispatchEnv(t)
	attempts := 0
	env.Disp.Automations.Register("stubborn", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		attempts++
		return nil, errors.New("still broken")
	})
	seedHandler(t, env, "APPLICATION_CREATED", domain.EventHandler{
		Type: domain.HandlerRunAutomation, ConfigJSON: `{"automation":"stubborn"}`,
		Enabled: true, MaxRetries: 2, RetryDelayMs: 1,
	})

	ev := emit(t, env, "APPLICATION_CREATED", nil)
	if _, err := env.Disp.Process(env.Ctx, ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", attempts)
	}
}

func TestWebhookDelivery(t *testing.T) {
	env := newDispatchEnv(t)
	var gotBody []byte
	var gotEvent, gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotEvent = r.Header.Get("X-Homeline-Event")
		gotSecret = r.Header.Get("X-Homeline-Secret")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	seedHandler(t, env, "APPLICATION_CREATED", domain.EventHandler{
		Type:       domain.HandlerCallWebhook,
		ConfigJSON: `{"url":"` + srv.URL + `","secret":"s3cret","param_paths":{"app":"application_id"}}`,
		Enabled:    true,
	})
	ev := emit(t, env, "APPLICATION_CREATED", map[string]any{"application_id": "a-9"})
	done, err := env.Disp.Process(env.Ctx, ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if done.Status != domain.EventCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", done.Status, done.Error)
	}
	if gotEvent != "APPLICATION_CREATED" || gotSecret != "s3cret" {
		t.Fatalf("headers event=%q secret=%q", gotEvent, gotSecret)
	}
	var body struct {
		ID     int64          `json:"id"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("decode webhook body: %v", err)
	}
	if body.ID != ev.ID || body.Params["app"] != "a-9" {
		t.Fatalf("unexpected webhook body: %s", gotBody)
	}
}

func TestWebhookNon2xxFails(t *testing.T) {
	env := newDispatchEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	seedHandler(t, env, "APPLICATION_CREATED", domain.EventHandler{
		Type:       domain.HandlerCallWebhook,
		ConfigJSON: `{"url":"` + srv.URL + `"}`,
		Enabled:    true,
	})
	ev := emit(t, env, "APPLICATION_CREATED", nil)
	done, err := env.Disp.Process(env.Ctx, ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if done.Status != domain.EventFailed {
		t.Fatalf("expected FAILED, got %s", done.Status)
	}
	if !strings.Contains(done.Error, "status 500") {
		t.Fatalf("error should carry the status, got %q", done.Error)
	}
}

func TestAdvanceWorkflowHandler(t *testing.T) {
	env := newDispatchEnv(t)
	env.Advancer.advanced = true

	// the default config already wires ADVANCE_WORKFLOW to PAYMENT_RECORDED
	ev := emit(t, env, "PAYMENT_RECORDED", map[string]any{"phase_id": "phase-42", "amount": "100"})
	done, err := env.Disp.Process(env.Ctx, ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if done.Status != domain.EventCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", done.Status, done.Error)
	}
	if len(env.Advancer.phaseIDs) != 1 || env.Advancer.phaseIDs[0] != "phase-42" {
		t.Fatalf("advancer saw %v, want [phase-42]", env.Advancer.phaseIDs)
	}
}

func TestExecutionVisibleAsRunningWhileInFlight(t *testing.T) {
	env := newDispatchEnv(t)
	var ev domain.WorkflowEvent
	var observed string
	env.Disp.Automations.Register("introspect", func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		execs, err := env.Disp.Repo.ListExecutions(ctx, ev.ID)
		if err != nil {
			return nil, err
		}
		if len(execs) != 1 {
			return nil, errors.New("expected own execution row")
		}
		observed = execs[0].Status
		return nil, nil
	})
	seedHandler(t, env, "APPLICATION_CREATED", domain.EventHandler{
		Type: domain.HandlerRunAutomation, ConfigJSON: `{"automation":"introspect"}`,
		Enabled: true,
	})

	ev = emit(t, env, "APPLICATION_CREATED", nil)
	done, err := env.Disp.Process(env.Ctx, ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if done.Status != domain.EventCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", done.Status, done.Error)
	}
	// the row exists as RUNNING while the handler runs and settles afterwards
	if observed != domain.ExecutionRunning {
		t.Fatalf("in-flight execution read %s, want RUNNING", observed)
	}
	execs, err := env.Disp.Repo.ListExecutions(env.Ctx, ev.ID)
	if err != nil || len(execs) != 1 {
		t.Fatalf("expected 1 execution, got %d (%v)", len(execs), err)
	}
	if execs[0].Status != domain.ExecutionCompleted {
		t.Fatalf("settled execution status %s, want COMPLETED", execs[0].Status)
	}
	if execs[0].FinishedAt == nil {
		t.Fatalf("settled execution should carry finished_at")
	}
}

func TestWorkerDrainsPendingEvents(t *testing.T) {
	env := newDispatchEnv(t)
	processed := make(chan string, 4)
	env.Disp.Automations.Register("track", func(_ context.Context, params map[string]any) (map[string]any, error) {
		processed <- params["tag"].(string)
		return nil, nil
	})
	seedHandler(t, env, "APPLICATION_CREATED", domain.EventHandler{
		Type:       domain.HandlerRunAutomation,
		ConfigJSON: `{"automation":"track","param_paths":{"tag":"tag"}}`,
		Enabled:    true,
	})
	emit(t, env, "APPLICATION_CREATED", map[string]any{"tag": "one"})
	emit(t, env, "APPLICATION_CREATED", map[string]any{"tag": "two"})

	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	w := dispatch.NewWorker(env.Disp, 5*time.Millisecond, 10, zap.NewNop())
	go w.Run(ctx)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case tag := <-processed:
			got[tag] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("worker did not drain events, got %v", got)
		}
	}
	if !got["one"] || !got["two"] {
		t.Fatalf("missing events: %v", got)
	}
}
