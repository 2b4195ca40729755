package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"homeline/internal/domain"
	"homeline/internal/engine"
)

type phasePath struct {
	PhaseID string `path:"phase_id"`
}

// requirePhase resolves a phase to its application within the caller's
// tenant. A phase belonging to another tenant reads as not found.
func requirePhase(ctx context.Context, e engine.Engine, tenantID, phaseID string) error {
	phase, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return handleError(err)
	}
	if _, err := e.Repo.GetApplication(ctx, tenantID, phase.ApplicationID); err != nil {
		return handleError(err)
	}
	return nil
}

func registerQuestionnaires(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-answers",
		Method:      http.MethodPost,
		Path:        "/phases/{phase_id}/answers",
		Summary:     "Submit questionnaire answers",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PhaseID        string               `path:"phase_id"`
		IdempotencyKey string               `header:"Idempotency-Key"`
		Body           SubmitAnswersRequest `json:"body"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := idempotent(ctx, e, p.TenantID, "submit-answers", input.IdempotencyKey, func() (domain.Application, error) {
			return e.SubmitAnswers(ctx, p.TenantID, input.PhaseID, input.Body.Answers, p.ActorID)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-questionnaire",
		Method:      http.MethodPost,
		Path:        "/phases/{phase_id}/review",
		Summary:     "Review a submitted questionnaire",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PhaseID        string        `path:"phase_id"`
		IdempotencyKey string        `header:"Idempotency-Key"`
		Body           ReviewRequest `json:"body"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := idempotent(ctx, e, p.TenantID, "review-questionnaire", input.IdempotencyKey, func() (domain.Application, error) {
			return e.ReviewQuestionnaire(ctx, p.TenantID, input.PhaseID, input.Body.Decision, input.Body.Notes, p.ActorID, p.Role)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upload-document",
		Method:        http.MethodPost,
		Path:          "/phases/{phase_id}/documents",
		Summary:       "Upload a document",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PhaseID        string                `path:"phase_id"`
		IdempotencyKey string                `header:"Idempotency-Key"`
		Body           UploadDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := idempotent(ctx, e, p.TenantID, "upload-document", input.IdempotencyKey, func() (domain.Document, error) {
			return e.UploadDocument(ctx, engine.UploadDocumentOptions{
				TenantID:     p.TenantID,
				PhaseID:      input.PhaseID,
				Type:         input.Body.Type,
				URL:          input.Body.URL,
				UploadedBy:   p.ActorID,
				UploaderRole: p.Role,
			})
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}/documents",
		Summary:     "List documents for a phase",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *phasePath) (*struct {
		Body []domain.Document `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePhase(ctx, e, p.TenantID, input.PhaseID); err != nil {
			return nil, err
		}
		docs, err := e.Repo.ListDocuments(ctx, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Document `json:"body"`
		}{Body: docs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-document-reviews",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}/reviews",
		Summary:     "List review history for a document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
	}) (*struct {
		Body []domain.DocumentReview `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := e.Repo.GetDocument(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePhase(ctx, e, p.TenantID, doc.PhaseID); err != nil {
			return nil, err
		}
		reviews, err := e.Repo.ListDocumentReviews(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DocumentReview `json:"body"`
		}{Body: reviews}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-document",
		Method:      http.MethodPost,
		Path:        "/documents/{document_id}/review",
		Summary:     "Review a pending document",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		DocumentID     string                `path:"document_id"`
		IdempotencyKey string                `header:"Idempotency-Key"`
		Body           DocumentReviewRequest `json:"body"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := idempotent(ctx, e, p.TenantID, "review-document", input.IdempotencyKey, func() (domain.Application, error) {
			return e.ReviewDocument(ctx, engine.ReviewDocumentOptions{
				TenantID:   p.TenantID,
				DocumentID: input.DocumentID,
				Decision:   input.Body.Decision,
				Notes:      input.Body.Notes,
				ReviewerID: p.ActorID,
				Role:       p.Role,
			})
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})
}

func registerPayments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-installments",
		Method:        http.MethodPost,
		Path:          "/phases/{phase_id}/installments",
		Summary:       "Generate the installment schedule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PhaseID        string `path:"phase_id"`
		IdempotencyKey string `header:"Idempotency-Key"`
	}) (*struct {
		Body []domain.Installment `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := idempotent(ctx, e, p.TenantID, "generate-installments", input.IdempotencyKey, func() ([]domain.Installment, error) {
			return e.GenerateInstallments(ctx, p.TenantID, input.PhaseID, p.ActorID)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Installment `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-installments",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}/installments",
		Summary:     "List installments for a phase",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *phasePath) (*struct {
		Body []domain.Installment `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePhase(ctx, e, p.TenantID, input.PhaseID); err != nil {
			return nil, err
		}
		items, err := e.Installments(ctx, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Installment `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-payments",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}/payments",
		Summary:     "List payments recorded against an application",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApplicationID string `path:"application_id"`
	}) (*struct {
		Body []domain.Payment `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetApplication(ctx, p.TenantID, input.ApplicationID); err != nil {
			return nil, handleError(err)
		}
		payments, err := e.Repo.ListPayments(ctx, input.ApplicationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Payment `json:"body"`
		}{Body: payments}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-payment",
		Method:        http.MethodPost,
		Path:          "/payments",
		Summary:       "Record a payment against an installment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string               `header:"Idempotency-Key"`
		Body           RecordPaymentRequest `json:"body"`
	}) (*struct {
		Body domain.Payment `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := decimal.NewFromString(input.Body.Amount)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid amount", nil)
		}
		payment, err := idempotent(ctx, e, p.TenantID, "record-payment", input.IdempotencyKey, func() (domain.Payment, error) {
			return e.RecordPayment(ctx, engine.RecordPaymentOptions{
				TenantID:      p.TenantID,
				InstallmentID: input.Body.InstallmentID,
				Amount:        amount,
				Reference:     input.Body.Reference,
				PaidBy:        p.ActorID,
			})
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Payment `json:"body"`
		}{Body: payment}, nil
	})
}

func registerGates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "decide-gate",
		Method:      http.MethodPost,
		Path:        "/phases/{phase_id}/gate-decisions",
		Summary:     "Record a gate decision",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PhaseID        string              `path:"phase_id"`
		IdempotencyKey string              `header:"Idempotency-Key"`
		Body           GateDecisionRequest `json:"body"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := idempotent(ctx, e, p.TenantID, "decide-gate", input.IdempotencyKey, func() (domain.Application, error) {
			return e.DecideGate(ctx, engine.GateDecisionOptions{
				TenantID:   p.TenantID,
				PhaseID:    input.PhaseID,
				Decision:   input.Body.Decision,
				Notes:      input.Body.Notes,
				ApproverID: p.ActorID,
				Role:       p.Role,
			})
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})
}
