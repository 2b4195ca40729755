package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"homeline/internal/domain"
)

// ActionStatus derives who has to act next on an application. It is a pure
// projection of stored state and never mutates anything.
func (e Engine) ActionStatus(ctx context.Context, tenantID, applicationID string) (domain.ActionStatus, error) {
	app, err := e.Repo.GetApplication(ctx, tenantID, applicationID)
	if err != nil {
		return domain.ActionStatus{}, err
	}
	switch app.Status {
	case domain.ApplicationDraft, domain.ApplicationPending:
		// a PENDING application re-submits to retry the activation
		return domain.ActionStatus{NextActor: domain.RoleCustomer, ActionRequired: "submit_application"}, nil
	case domain.ApplicationCompleted, domain.ApplicationTerminated, domain.ApplicationTransferred:
		return domain.ActionStatus{NextActor: domain.RoleNone}, nil
	}
	phases, err := e.Repo.ListPhases(ctx, app.ID)
	if err != nil {
		return domain.ActionStatus{}, err
	}
	for _, p := range phases {
		if p.Status != domain.PhaseInProgress && p.Status != domain.PhaseAwaitingApproval {
			continue
		}
		return e.phaseAction(ctx, p)
	}
	return domain.ActionStatus{NextActor: domain.RoleNone}, nil
}

func (e Engine) phaseAction(ctx context.Context, p domain.Phase) (domain.ActionStatus, error) {
	switch p.Category {
	case domain.CategoryQuestionnaire:
		qp, err := e.Repo.GetQuestionnairePhase(ctx, p.ID)
		if err != nil {
			return domain.ActionStatus{}, err
		}
		if p.Status == domain.PhaseAwaitingApproval {
			var plan domain.QuestionnairePlan
			if err := json.Unmarshal([]byte(qp.PlanJSON), &plan); err != nil {
				return domain.ActionStatus{}, fmt.Errorf("questionnaire plan for phase %s: %w", p.ID, err)
			}
			actor := plan.ReviewerRole
			if actor == "" {
				actor = domain.RoleAdmin
			}
			return domain.ActionStatus{NextActor: actor, ActionCategory: p.Category, ActionRequired: "review_questionnaire"}, nil
		}
		return domain.ActionStatus{NextActor: domain.RoleCustomer, ActionCategory: p.Category, ActionRequired: "submit_answers"}, nil

	case domain.CategoryDocumentation:
		dp, err := e.Repo.GetDocumentationPhase(ctx, p.ID)
		if err != nil {
			return domain.ActionStatus{}, err
		}
		var plan domain.DocumentationPlan
		if err := json.Unmarshal([]byte(dp.PlanJSON), &plan); err != nil {
			return domain.ActionStatus{}, fmt.Errorf("documentation plan for phase %s: %w", p.ID, err)
		}
		types, err := requiredTypes(dp)
		if err != nil {
			return domain.ActionStatus{}, err
		}
		docs, err := e.Repo.ListDocuments(ctx, p.ID)
		if err != nil {
			return domain.ActionStatus{}, err
		}
		latest := latestDocsByType(docs)
		ownerByType := map[string]string{}
		for _, def := range plan.Documents {
			ownerByType[def.Type] = def.OwnerRole
		}
		for _, t := range types {
			d, ok := latest[t]
			if ok && d.Status != domain.DocumentRejected {
				continue
			}
			owner := ownerByType[t]
			if owner == "" {
				owner = domain.RoleCustomer
			}
			return domain.ActionStatus{NextActor: owner, ActionCategory: p.Category, ActionRequired: "upload_document"}, nil
		}
		stages, err := e.Repo.ListApprovalStages(ctx, p.ID)
		if err != nil {
			return domain.ActionStatus{}, err
		}
		stage := stages[dp.CurrentStage-1]
		return domain.ActionStatus{NextActor: stage.ReviewerOrgType, ActionCategory: p.Category, ActionRequired: "review_document"}, nil

	case domain.CategoryPayment:
		pp, err := e.Repo.GetPaymentPhase(ctx, p.ID)
		if err != nil {
			return domain.ActionStatus{}, err
		}
		if !pp.Generated {
			return domain.ActionStatus{NextActor: domain.RoleAdmin, ActionCategory: p.Category, ActionRequired: "generate_installments"}, nil
		}
		return domain.ActionStatus{NextActor: domain.RoleCustomer, ActionCategory: p.Category, ActionRequired: "record_payment"}, nil

	case domain.CategoryGate:
		gp, err := e.Repo.GetGatePhase(ctx, p.ID)
		if err != nil {
			return domain.ActionStatus{}, err
		}
		actor := gp.ReviewerRole
		if actor == "" {
			actor = domain.RoleAdmin
		}
		return domain.ActionStatus{NextActor: actor, ActionCategory: p.Category, ActionRequired: "decide_gate"}, nil
	}
	return domain.ActionStatus{NextActor: domain.RoleNone}, nil
}
