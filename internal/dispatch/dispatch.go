package dispatch

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"homeline/internal/condition"
	"homeline/internal/domain"
	"homeline/internal/events"
	"homeline/internal/repo"
)

const defaultWebhookTimeout = 5 * time.Second

// Notifier delivers SEND_EMAIL / SEND_SMS / SEND_PUSH handler output.
type Notifier interface {
	Send(ctx context.Context, kind, template, to string, params map[string]any) error
}

// LogNotifier logs notifications instead of delivering them. It is the
// default when no provider is wired.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Send(_ context.Context, kind, template, to string, params map[string]any) error {
	n.Log.Info("notification",
		zap.String("kind", kind),
		zap.String("template", template),
		zap.String("to", to),
		zap.Any("params", params))
	return nil
}

// Advancer closes the loop from ADVANCE_WORKFLOW handlers back into the
// workflow engine.
type Advancer interface {
	AdvanceIfEligible(ctx context.Context, tenantID, phaseID, actorID string) (bool, error)
}

// Dispatcher processes workflow events: it looks up the handlers configured
// for the event's type, runs them in priority order, and records one
// execution row per handler.
type Dispatcher struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Emitter
	Notifier    Notifier
	Client      *http.Client
	Advancer    Advancer
	Automations *Registry
	Log         *zap.Logger
	Now         func() time.Time
}

func NewDispatcher(db *sql.DB, advancer Advancer, log *zap.Logger) *Dispatcher {
	r := repo.Repo{DB: db}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		DB:          db,
		Repo:        r,
		Events:      events.Emitter{Repo: r},
		Notifier:    LogNotifier{Log: log},
		Client:      &http.Client{Timeout: defaultWebhookTimeout},
		Advancer:    advancer,
		Automations: NewRegistry(),
		Log:         log,
		Now:         time.Now,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) ts() string {
	return d.now().UTC().Format(time.RFC3339)
}

// Emit records an externally requested event. Unknown and disabled types are
// rejected; internal engine emissions go through events.Emitter instead.
func (d *Dispatcher) Emit(ctx context.Context, tenantID, eventType string, payload map[string]any, source, actorID string) (domain.WorkflowEvent, error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowEvent{}, err
	}
	defer tx.Rollback()
	if source == "" {
		source = "api"
	}
	id, err := d.Events.EmitStrict(ctx, tx, tenantID, eventType, payload, source, actorID, "")
	if err != nil {
		return domain.WorkflowEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowEvent{}, err
	}
	return d.Repo.GetWorkflowEvent(ctx, tenantID, id)
}

// Process claims and runs one PENDING event. Handlers run sequentially in
// priority order and fail independently; the event completes unless every
// executed handler failed. Already-claimed events return repo.ErrNotFound,
// which makes concurrent workers safe.
func (d *Dispatcher) Process(ctx context.Context, ev domain.WorkflowEvent) (domain.WorkflowEvent, error) {
	if err := d.Repo.ClaimEvent(ctx, ev.ID); err != nil {
		return domain.WorkflowEvent{}, err
	}

	// Events emitted by handlers (advance, automations) carry this event as
	// their causation.
	status, errMsg := d.runHandlers(events.WithCausation(ctx, ev.ID), ev)
	if err := d.Repo.FinishEvent(ctx, ev.ID, status, errMsg, d.ts()); err != nil {
		return domain.WorkflowEvent{}, err
	}
	return d.Repo.GetWorkflowEvent(ctx, ev.TenantID, ev.ID)
}

func (d *Dispatcher) runHandlers(ctx context.Context, ev domain.WorkflowEvent) (status, errMsg string) {
	et, err := d.Repo.GetEventTypeByCode(ctx, ev.TenantID, ev.EventType)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.EventSkipped, fmt.Sprintf("event type %s is not registered", ev.EventType)
	}
	if err != nil {
		return domain.EventFailed, err.Error()
	}
	if !et.Enabled || !et.ChannelEnabled {
		return domain.EventSkipped, fmt.Sprintf("event type %s is disabled", ev.EventType)
	}
	handlers, err := d.Repo.HandlersForType(ctx, et.ID)
	if err != nil {
		return domain.EventFailed, err.Error()
	}
	if len(handlers) == 0 {
		return domain.EventCompleted, ""
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(ev.PayloadJSON), &payload); err != nil {
		return domain.EventFailed, fmt.Sprintf("event payload: %v", err)
	}

	executed, failed := 0, 0
	var failures []string
	for _, h := range handlers {
		exec := d.executeHandler(ctx, ev, h, payload)
		if exec.Status == domain.ExecutionSkipped {
			continue
		}
		executed++
		if exec.Status == domain.ExecutionFailed {
			failed++
			failures = append(failures, fmt.Sprintf("%s: %s", h.ID, exec.Error))
		}
	}
	if executed > 0 && failed == executed {
		return domain.EventFailed, strings.Join(failures, "; ")
	}
	return domain.EventCompleted, ""
}

// executeHandler runs one handler against one event and records its execution
// row. Once dispatch starts the row is written as RUNNING and updated when it
// finishes, so an in-flight handler is visible in the audit trail. Transient
// failures retry inline up to the handler's max_retries with its configured
// delay.
func (d *Dispatcher) executeHandler(ctx context.Context, ev domain.WorkflowEvent, h domain.EventHandler, payload map[string]any) domain.HandlerExecution {
	started := d.now().UTC()
	exec := domain.HandlerExecution{
		ID:        uuid.NewString(),
		EventID:   ev.ID,
		HandlerID: h.ID,
		StartedAt: started.Format(time.RFC3339),
	}
	finish := func() {
		finished := d.now().UTC()
		ts := finished.Format(time.RFC3339)
		exec.FinishedAt = &ts
		exec.DurationMs = finished.Sub(started).Milliseconds()
	}
	record := func(fn func(context.Context, domain.HandlerExecution) error) {
		if err := fn(ctx, exec); err != nil {
			d.Log.Error("record execution", zap.Int64("event", ev.ID), zap.String("handler", h.ID), zap.Error(err))
		}
	}

	if h.FilterExpr != "" {
		pred, err := condition.Parse(h.FilterExpr)
		if err != nil {
			exec.Status = domain.ExecutionFailed
			exec.Error = fmt.Sprintf("filter: %v", err)
			finish()
			record(d.Repo.InsertExecution)
			return exec
		}
		if !pred.Eval(payload) {
			exec.Status = domain.ExecutionSkipped
			finish()
			record(d.Repo.InsertExecution)
			return exec
		}
	}

	cfg, err := ParseHandlerConfig(h.Type, h.ConfigJSON)
	if err != nil {
		exec.Status = domain.ExecutionFailed
		exec.Error = err.Error()
		finish()
		record(d.Repo.InsertExecution)
		return exec
	}
	input := cfg.ResolveParams(payload)
	if raw, err := json.Marshal(input); err == nil {
		exec.InputJSON = string(raw)
	}
	exec.Status = domain.ExecutionRunning
	record(d.Repo.InsertExecution)

	attempts := h.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var output map[string]any
	var runErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		output, runErr = d.runHandler(ctx, ev, h, cfg, payload, input)
		if runErr == nil {
			break
		}
		if attempt < attempts && h.RetryDelayMs > 0 {
			select {
			case <-ctx.Done():
				runErr = ctx.Err()
				attempt = attempts
			case <-time.After(time.Duration(h.RetryDelayMs) * time.Millisecond):
			}
		}
	}
	if runErr != nil {
		exec.Status = domain.ExecutionFailed
		exec.Error = runErr.Error()
	} else {
		exec.Status = domain.ExecutionCompleted
		if output != nil {
			if raw, err := json.Marshal(output); err == nil {
				exec.OutputJSON = string(raw)
			}
		}
	}
	finish()
	record(d.Repo.UpdateExecution)
	return exec
}

func (d *Dispatcher) runHandler(ctx context.Context, ev domain.WorkflowEvent, h domain.EventHandler, cfg HandlerConfig, payload, input map[string]any) (map[string]any, error) {
	switch h.Type {
	case domain.HandlerSendEmail, domain.HandlerSendSMS, domain.HandlerSendPush:
		to := cfg.To
		if cfg.ToPath != "" {
			if v, ok := condition.Resolve(payload, cfg.ToPath); ok {
				to = condition.Stringify(v)
			}
		}
		return nil, d.Notifier.Send(ctx, h.Type, cfg.Template, to, input)

	case domain.HandlerCallWebhook:
		return nil, d.postWebhook(ctx, ev, cfg, input)

	case domain.HandlerAdvanceWorkflow:
		if d.Advancer == nil {
			return nil, errors.New("no advancer wired")
		}
		v, ok := condition.Resolve(payload, cfg.PhaseIDPath)
		if !ok {
			return nil, fmt.Errorf("payload has no %s", cfg.PhaseIDPath)
		}
		advanced, err := d.Advancer.AdvanceIfEligible(ctx, ev.TenantID, condition.Stringify(v), "dispatch")
		if err != nil {
			return nil, err
		}
		return map[string]any{"advanced": advanced}, nil

	case domain.HandlerRunAutomation:
		fn, ok := d.Automations.Get(cfg.Automation)
		if !ok {
			return nil, fmt.Errorf("automation %s is not registered", cfg.Automation)
		}
		return fn(ctx, input)
	}
	return nil, fmt.Errorf("unknown handler type %s", h.Type)
}

type webhookBody struct {
	ID        int64           `json:"id"`
	TenantID  string          `json:"tenant_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Params    map[string]any  `json:"params,omitempty"`
	ActorID   string          `json:"actor_id,omitempty"`
	CreatedAt string          `json:"created_at"`
}

func (d *Dispatcher) postWebhook(ctx context.Context, ev domain.WorkflowEvent, cfg HandlerConfig, params map[string]any) error {
	body := webhookBody{
		ID:        ev.ID,
		TenantID:  ev.TenantID,
		EventType: ev.EventType,
		Payload:   json.RawMessage(ev.PayloadJSON),
		Params:    params,
		ActorID:   ev.ActorID,
		CreatedAt: ev.CreatedAt,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := d.Client
	if cfg.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Homeline-Event", ev.EventType)
	req.Header.Set("X-Homeline-Delivery", fmt.Sprintf("%d", ev.ID))
	if cfg.Secret != "" {
		req.Header.Set("X-Homeline-Secret", cfg.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// RetryExecution reruns a failed handler execution as a fresh attempt. A
// success flips an event that had failed outright back to COMPLETED.
func (d *Dispatcher) RetryExecution(ctx context.Context, tenantID, executionID string) (domain.HandlerExecution, error) {
	prior, err := d.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return domain.HandlerExecution{}, err
	}
	if prior.Status != domain.ExecutionFailed {
		return domain.HandlerExecution{}, fmt.Errorf("execution %s is %s, only FAILED executions can be retried", prior.ID, prior.Status)
	}
	ev, err := d.Repo.GetWorkflowEvent(ctx, tenantID, prior.EventID)
	if err != nil {
		return domain.HandlerExecution{}, err
	}
	h, err := d.Repo.GetHandler(ctx, prior.HandlerID)
	if err != nil {
		return domain.HandlerExecution{}, err
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(ev.PayloadJSON), &payload); err != nil {
		return domain.HandlerExecution{}, fmt.Errorf("event payload: %v", err)
	}

	exec := d.executeHandler(events.WithCausation(ctx, ev.ID), ev, h, payload)
	if exec.Status == domain.ExecutionCompleted && ev.Status == domain.EventFailed {
		if err := d.Repo.FinishEvent(ctx, ev.ID, domain.EventCompleted, "", d.ts()); err != nil {
			return domain.HandlerExecution{}, err
		}
	}
	return exec, nil
}
