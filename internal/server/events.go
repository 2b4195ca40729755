package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"homeline/internal/condition"
	"homeline/internal/dispatch"
	"homeline/internal/domain"
	"homeline/internal/engine"
)

func registerEventConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-event-channels",
		Method:      http.MethodGet,
		Path:        "/event-channels",
		Summary:     "List event channels",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.EventChannel `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListChannels(ctx, p.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.EventChannel `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-channel-enabled",
		Method:      http.MethodPatch,
		Path:        "/event-channels/{code}",
		Summary:     "Enable or disable a channel",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Code string        `path:"code"`
		Body EnableRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.SetChannelEnabled(ctx, p.TenantID, input.Code, input.Body.Enabled); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"code": input.Code, "enabled": input.Body.Enabled}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-event-types",
		Method:      http.MethodGet,
		Path:        "/event-types",
		Summary:     "List event types",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.EventType `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListEventTypes(ctx, p.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		types := make([]domain.EventType, 0, len(items))
		for _, it := range items {
			types = append(types, it.EventType)
		}
		return &struct {
			Body []domain.EventType `json:"body"`
		}{Body: types}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-event-type-enabled",
		Method:      http.MethodPatch,
		Path:        "/event-types/{code}",
		Summary:     "Enable or disable an event type",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Code string        `path:"code"`
		Body EnableRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.SetEventTypeEnabled(ctx, p.TenantID, input.Code, input.Body.Enabled); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"code": input.Code, "enabled": input.Body.Enabled}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-handlers",
		Method:      http.MethodGet,
		Path:        "/handlers",
		Summary:     "List event handlers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.EventHandler `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListHandlers(ctx, p.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.EventHandler `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-handler",
		Method:        http.MethodPost,
		Path:          "/handlers",
		Summary:       "Register an event handler",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body HandlerRequest `json:"body"`
	}) (*struct {
		Body domain.EventHandler `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		et, err := e.Repo.GetEventTypeByCode(ctx, p.TenantID, input.Body.EventType)
		if err != nil {
			return nil, handleError(err)
		}
		raw, err := json.Marshal(input.Body.Config)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid handler config", nil)
		}
		if err := dispatch.ValidateHandlerConfig(input.Body.Type, string(raw)); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if input.Body.Filter != "" {
			if _, err := condition.Parse(input.Body.Filter); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
		}
		h := domain.EventHandler{
			ID:           uuid.NewString(),
			EventTypeID:  et.ID,
			Type:         input.Body.Type,
			ConfigJSON:   string(raw),
			Priority:     input.Body.Priority,
			Enabled:      input.Body.Enabled == nil || *input.Body.Enabled,
			MaxRetries:   input.Body.MaxRetries,
			RetryDelayMs: input.Body.RetryDelayMs,
			FilterExpr:   input.Body.Filter,
		}
		if h.Priority == 0 {
			h.Priority = 100
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertHandlerTx(ctx, tx, h); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EventHandler `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-handler",
		Method:      http.MethodPatch,
		Path:        "/handlers/{handler_id}",
		Summary:     "Update an event handler",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		HandlerID string               `path:"handler_id"`
		Body      UpdateHandlerRequest `json:"body"`
	}) (*struct {
		Body domain.EventHandler `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		h, err := e.Repo.GetHandler(ctx, input.HandlerID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Config != nil {
			raw, err := json.Marshal(input.Body.Config)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid handler config", nil)
			}
			h.ConfigJSON = string(raw)
		}
		if input.Body.Priority != nil {
			h.Priority = *input.Body.Priority
		}
		if input.Body.Enabled != nil {
			h.Enabled = *input.Body.Enabled
		}
		if input.Body.MaxRetries != nil {
			h.MaxRetries = *input.Body.MaxRetries
		}
		if input.Body.RetryDelayMs != nil {
			h.RetryDelayMs = *input.Body.RetryDelayMs
		}
		if input.Body.Filter != nil {
			if *input.Body.Filter != "" {
				if _, err := condition.Parse(*input.Body.Filter); err != nil {
					return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
				}
			}
			h.FilterExpr = *input.Body.Filter
		}
		if err := dispatch.ValidateHandlerConfig(h.Type, h.ConfigJSON); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := e.Repo.UpdateHandler(ctx, h); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EventHandler `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-handler",
		Method:      http.MethodDelete,
		Path:        "/handlers/{handler_id}",
		Summary:     "Delete an event handler",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		HandlerID string `path:"handler_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteHandler(ctx, input.HandlerID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"deleted": input.HandlerID}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List workflow events",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit"`
	}) (*struct {
		Body []domain.WorkflowEvent `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.ListEvents(ctx, p.TenantID, input.After, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkflowEvent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}",
		Summary:     "Get a workflow event with its executions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID int64 `path:"event_id"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.Repo.GetWorkflowEvent(ctx, p.TenantID, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		execs, err := e.Repo.ListExecutions(ctx, ev.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: EventResponse{WorkflowEvent: ev, Executions: execs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "emit-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Emit a workflow event",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body EmitEventRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowEvent `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := d.Emit(ctx, p.TenantID, input.Body.Type, input.Body.Payload, "api", p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowEvent `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-event",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/process",
		Summary:     "Process a pending event now",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID int64 `path:"event_id"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.Repo.GetWorkflowEvent(ctx, p.TenantID, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		if ev.Status != domain.EventPending {
			return nil, newAPIError(http.StatusConflict, "conflict", "event is not PENDING", nil)
		}
		done, err := d.Process(ctx, ev)
		if err != nil {
			return nil, handleError(err)
		}
		execs, err := e.Repo.ListExecutions(ctx, done.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: EventResponse{WorkflowEvent: done, Executions: execs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/retry",
		Summary:     "Retry a failed handler execution",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body domain.HandlerExecution `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		exec, err := d.RetryExecution(ctx, p.TenantID, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HandlerExecution `json:"body"`
		}{Body: exec}, nil
	})
}
