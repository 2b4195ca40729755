package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"homeline/internal/domain"
	"homeline/internal/engine"
)

type applicationPath struct {
	ApplicationID string `path:"application_id"`
}

func registerApplications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-application",
		Method:        http.MethodPost,
		Path:          "/applications",
		Summary:       "Create application",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string                   `header:"Idempotency-Key"`
		Body           CreateApplicationRequest `json:"body"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := decimal.NewFromString(input.Body.TotalAmount)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid total_amount", nil)
		}
		app, err := idempotent(ctx, e, p.TenantID, "create-application", input.IdempotencyKey, func() (domain.Application, error) {
			return e.CreateApplication(ctx, engine.CreateApplicationOptions{
				TenantID:      p.TenantID,
				BuyerID:       input.Body.BuyerID,
				UnitID:        input.Body.UnitID,
				PaymentMethod: input.Body.PaymentMethod,
				TotalAmount:   amount,
				ActorID:       p.ActorID,
			})
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/applications",
		Summary:     "List applications",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"DRAFT,PENDING,ACTIVE,COMPLETED,TERMINATED,TRANSFERRED,"`
	}) (*struct {
		Body []domain.Application `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListApplications(ctx, p.TenantID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Application `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-application",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}",
		Summary:     "Get application with phases",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *applicationPath) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := e.Repo.GetApplication(ctx, p.TenantID, input.ApplicationID)
		if err != nil {
			return nil, handleError(err)
		}
		app.Phases, err = e.Repo.ListPhases(ctx, app.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-application",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/submit",
		Summary:     "Submit a draft application",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ApplicationID  string `path:"application_id"`
		IdempotencyKey string `header:"Idempotency-Key"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := idempotent(ctx, e, p.TenantID, "submit-application", input.IdempotencyKey, func() (domain.Application, error) {
			return e.Submit(ctx, p.TenantID, input.ApplicationID, p.ActorID)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "terminate-application",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/terminate",
		Summary:     "Terminate an application",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ApplicationID  string           `path:"application_id"`
		IdempotencyKey string           `header:"Idempotency-Key"`
		Body           TerminateRequest `json:"body"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := idempotent(ctx, e, p.TenantID, "terminate-application", input.IdempotencyKey, func() (domain.Application, error) {
			return e.Terminate(ctx, p.TenantID, input.ApplicationID, input.Body.Reason, p.ActorID)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transfer-application",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/transfer",
		Summary:     "Transfer an application to another buyer",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ApplicationID  string          `path:"application_id"`
		IdempotencyKey string          `header:"Idempotency-Key"`
		Body           TransferRequest `json:"body"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := idempotent(ctx, e, p.TenantID, "transfer-application", input.IdempotencyKey, func() (domain.Application, error) {
			return e.Transfer(ctx, p.TenantID, input.ApplicationID, input.Body.NewBuyerID, p.ActorID)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "application-action-status",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}/action-status",
		Summary:     "Who acts next",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *applicationPath) (*struct {
		Body domain.ActionStatus `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status, err := e.ActionStatus(ctx, p.TenantID, input.ApplicationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActionStatus `json:"body"`
		}{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-phase",
		Method:      http.MethodPost,
		Path:        "/phases/{phase_id}/advance",
		Summary:     "Advance a phase when its completion criteria hold",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PhaseID string `path:"phase_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		advanced, err := e.AdvanceIfEligible(ctx, p.TenantID, input.PhaseID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"advanced": advanced}}, nil
	})
}
