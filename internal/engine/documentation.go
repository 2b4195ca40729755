package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"homeline/internal/condition"
	"homeline/internal/domain"
	"homeline/internal/events"
	"homeline/internal/repo"
)

// computeRequiredDocumentsTx resolves the requirement set for a documentation
// phase at activation time. Conditional definitions are evaluated against the
// answers accumulated by earlier questionnaire phases; the result is frozen on
// the extension record.
func (e Engine) computeRequiredDocumentsTx(ctx context.Context, tx *sql.Tx, p domain.Phase, phases []domain.Phase) ([]string, error) {
	dp, err := e.Repo.GetDocumentationPhaseTx(ctx, tx, p.ID)
	if err != nil {
		return nil, err
	}
	var plan domain.DocumentationPlan
	if err := json.Unmarshal([]byte(dp.PlanJSON), &plan); err != nil {
		return nil, fmt.Errorf("documentation plan for phase %s: %w", p.ID, err)
	}
	answers, err := e.collectAnswersTx(ctx, tx, phases)
	if err != nil {
		return nil, err
	}
	required := []string{}
	for _, def := range plan.Documents {
		if def.Condition != "" {
			pred, err := condition.Parse(def.Condition)
			if err != nil {
				return nil, fmt.Errorf("condition for document %s: %w", def.Type, err)
			}
			if !pred.Eval(answers) {
				continue
			}
		}
		required = append(required, def.Type)
	}
	raw, _ := json.Marshal(required)
	dp.RequiredTypesJSON = string(raw)
	if err := e.Repo.UpdateDocumentationPhaseTx(ctx, tx, dp); err != nil {
		return nil, err
	}
	return required, nil
}

func requiredTypes(dp domain.DocumentationPhase) ([]string, error) {
	var types []string
	if err := json.Unmarshal([]byte(dp.RequiredTypesJSON), &types); err != nil {
		return nil, fmt.Errorf("required types for phase %s: %w", dp.PhaseID, err)
	}
	return types, nil
}

// latestDocsByType keeps the newest document per type; re-uploads supersede
// earlier rows.
func latestDocsByType(docs []domain.Document) map[string]domain.Document {
	latest := map[string]domain.Document{}
	for _, d := range docs {
		latest[d.Type] = d
	}
	return latest
}

// stageSatisfiedTx reports whether the stage's review is finished. With
// wait_for_all_documents the latest upload of every required type must be
// APPROVED and nothing may still sit in review; without it one approved upload
// per type suffices even when a newer re-upload is still pending.
func (e Engine) stageSatisfiedTx(ctx context.Context, tx *sql.Tx, phaseID string, dp domain.DocumentationPhase, stage domain.ApprovalStage) (bool, error) {
	types, err := requiredTypes(dp)
	if err != nil {
		return false, err
	}
	docs, err := e.Repo.ListDocumentsTx(ctx, tx, phaseID)
	if err != nil {
		return false, err
	}
	if stage.WaitForAllDocuments {
		latest := latestDocsByType(docs)
		for _, t := range types {
			d, ok := latest[t]
			if !ok || d.Status != domain.DocumentApproved {
				return false, nil
			}
		}
		for _, d := range docs {
			if d.Status == domain.DocumentPending {
				return false, nil
			}
		}
		return true, nil
	}
	approved := map[string]bool{}
	for _, d := range docs {
		if d.Status == domain.DocumentApproved {
			approved[d.Type] = true
		}
	}
	for _, t := range types {
		if !approved[t] {
			return false, nil
		}
	}
	return true, nil
}

type UploadDocumentOptions struct {
	TenantID     string
	PhaseID      string
	Type         string
	URL          string
	UploadedBy   string
	UploaderRole string
}

// UploadDocument records a document against an active documentation phase. A
// document uploaded by the role that reviews the current stage is approved on
// the spot; everything else waits for review.
func (e Engine) UploadDocument(ctx context.Context, opts UploadDocumentOptions) (domain.Document, error) {
	phase, err := e.Repo.GetPhase(ctx, opts.PhaseID)
	if err != nil {
		return domain.Document{}, err
	}
	var doc domain.Document
	_, err = e.mutate(ctx, opts.TenantID, phase.ApplicationID, func(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase) error {
		idx := phaseIndex(phases, opts.PhaseID)
		if idx < 0 {
			return repo.ErrNotFound
		}
		p := phases[idx]
		if p.Category != domain.CategoryDocumentation {
			return statef("phase %s is %s, not DOCUMENTATION", p.ID, p.Category)
		}
		if p.Status != domain.PhaseInProgress {
			return statef("phase %s is %s, not IN_PROGRESS", p.ID, p.Status)
		}
		dp, err := e.Repo.GetDocumentationPhaseTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		types, err := requiredTypes(dp)
		if err != nil {
			return err
		}
		if !contains(types, opts.Type) {
			return validationf("document type %s is not required for this phase", opts.Type)
		}
		stages, err := e.Repo.ListApprovalStagesTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		stage := stages[dp.CurrentStage-1]

		now := e.ts()
		// A re-upload supersedes the previous document of the same type; one
		// still waiting for review is withdrawn so it can never block the stage.
		existing, err := e.Repo.ListDocumentsTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if prev, ok := latestDocsByType(existing)[opts.Type]; ok && prev.Status == domain.DocumentPending {
			if err := e.Repo.UpdateDocumentStatusTx(ctx, tx, prev.ID, domain.DocumentRejected, now); err != nil {
				return err
			}
		}
		doc = domain.Document{
			ID:           uuid.NewString(),
			PhaseID:      p.ID,
			Type:         opts.Type,
			URL:          opts.URL,
			UploadedBy:   opts.UploadedBy,
			UploaderRole: opts.UploaderRole,
			Status:       domain.DocumentPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if opts.UploaderRole == stage.ReviewerOrgType {
			doc.Status = domain.DocumentApproved
		}
		if err := e.Repo.InsertDocumentTx(ctx, tx, doc); err != nil {
			return err
		}
		if doc.Status == domain.DocumentApproved {
			if err := e.Repo.InsertDocumentReviewTx(ctx, tx, domain.DocumentReview{
				ID:         uuid.NewString(),
				DocumentID: doc.ID,
				StageOrder: stage.Order,
				ReviewerID: opts.UploadedBy,
				Decision:   domain.DecisionApprove,
				Notes:      "uploaded by reviewing role",
				TS:         now,
			}); err != nil {
				return err
			}
		}
		if _, err := e.Events.Emit(ctx, tx, app.TenantID, "DOCUMENT_UPLOADED", events.Payload{
			"application_id": app.ID,
			"phase_id":       p.ID,
			"document": map[string]any{
				"id":     doc.ID,
				"type":   doc.Type,
				"url":    doc.URL,
				"status": doc.Status,
			},
			"uploaded_by": opts.UploadedBy,
		}, "engine", opts.UploadedBy, app.ID); err != nil {
			return err
		}
		_, err = e.progressDocumentationTx(ctx, tx, app, phases, idx, false, opts.UploadedBy)
		return err
	})
	return doc, err
}

type ReviewDocumentOptions struct {
	TenantID   string
	DocumentID string
	Decision   string
	Notes      string
	ReviewerID string
	Role       string
}

// ReviewDocument records a stage review on a pending document. A rejection
// applies the stage's rejection policy.
func (e Engine) ReviewDocument(ctx context.Context, opts ReviewDocumentOptions) (domain.Application, error) {
	doc, err := e.Repo.GetDocument(ctx, opts.DocumentID)
	if err != nil {
		return domain.Application{}, err
	}
	phase, err := e.Repo.GetPhase(ctx, doc.PhaseID)
	if err != nil {
		return domain.Application{}, err
	}
	return e.mutate(ctx, opts.TenantID, phase.ApplicationID, func(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase) error {
		idx := phaseIndex(phases, doc.PhaseID)
		if idx < 0 {
			return repo.ErrNotFound
		}
		p := phases[idx]
		if p.Status != domain.PhaseInProgress {
			return statef("phase %s is %s, not IN_PROGRESS", p.ID, p.Status)
		}
		d, err := e.Repo.GetDocumentTx(ctx, tx, opts.DocumentID)
		if err != nil {
			return err
		}
		if d.Status != domain.DocumentPending {
			return statef("document %s is %s, not PENDING", d.ID, d.Status)
		}
		docs, err := e.Repo.ListDocumentsTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if latestDocsByType(docs)[d.Type].ID != d.ID {
			return conflictf("document %s was superseded by a newer upload", d.ID)
		}
		dp, err := e.Repo.GetDocumentationPhaseTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		stages, err := e.Repo.ListApprovalStagesTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		stage := stages[dp.CurrentStage-1]
		if opts.Role != stage.ReviewerOrgType && opts.Role != domain.RoleAdmin {
			return validationf("role %s cannot review at stage %d", opts.Role, stage.Order)
		}
		if opts.Decision != domain.DecisionApprove && opts.Decision != domain.DecisionReject {
			return validationf("unknown decision %s", opts.Decision)
		}

		now := e.ts()
		status := domain.DocumentApproved
		if opts.Decision == domain.DecisionReject {
			status = domain.DocumentRejected
		}
		if err := e.Repo.UpdateDocumentStatusTx(ctx, tx, d.ID, status, now); err != nil {
			return err
		}
		if err := e.Repo.InsertDocumentReviewTx(ctx, tx, domain.DocumentReview{
			ID:         uuid.NewString(),
			DocumentID: d.ID,
			StageOrder: stage.Order,
			ReviewerID: opts.ReviewerID,
			Decision:   opts.Decision,
			Notes:      opts.Notes,
			TS:         now,
		}); err != nil {
			return err
		}
		if _, err := e.Events.Emit(ctx, tx, app.TenantID, "DOCUMENT_REVIEWED", events.Payload{
			"application_id": app.ID,
			"phase_id":       p.ID,
			"document_id":    d.ID,
			"document_type":  d.Type,
			"decision":       opts.Decision,
			"stage":          stage.Order,
			"reviewer":       opts.ReviewerID,
		}, "engine", opts.ReviewerID, app.ID); err != nil {
			return err
		}

		if opts.Decision == domain.DecisionReject {
			return e.applyRejectionTx(ctx, tx, app, phases, idx, dp, stage, opts.ReviewerID)
		}
		_, err = e.progressDocumentationTx(ctx, tx, app, phases, idx, false, opts.ReviewerID)
		return err
	})
}

// applyRejectionTx executes a stage's rejection policy. Cascades reopen the
// review from an earlier stage; the rejected document stays REJECTED until a
// re-upload supersedes it.
func (e Engine) applyRejectionTx(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase, idx int, dp domain.DocumentationPhase, stage domain.ApprovalStage, actorID string) error {
	switch stage.RejectionPolicy {
	case domain.RejectionFail:
		return e.failPhaseTx(ctx, tx, app, phases, idx, "document rejected", actorID)
	case domain.RejectionCascadePrevious:
		if dp.CurrentStage > 1 {
			dp.CurrentStage--
		}
	default: // CASCADE_BACK
		dp.CurrentStage = 1
	}
	if err := e.Repo.UpdateDocumentationPhaseTx(ctx, tx, dp); err != nil {
		return err
	}
	return e.resetDocsForStageTx(ctx, tx, phases[idx].ID, dp)
}

// resetDocsForStageTx reopens approved documents for re-review by the current
// stage, keeping approvals for documents the stage's own role uploaded.
func (e Engine) resetDocsForStageTx(ctx context.Context, tx *sql.Tx, phaseID string, dp domain.DocumentationPhase) error {
	stages, err := e.Repo.ListApprovalStagesTx(ctx, tx, phaseID)
	if err != nil {
		return err
	}
	stage := stages[dp.CurrentStage-1]
	docs, err := e.Repo.ListDocumentsTx(ctx, tx, phaseID)
	if err != nil {
		return err
	}
	now := e.ts()
	for _, d := range latestDocsByType(docs) {
		if d.Status != domain.DocumentApproved || d.UploaderRole == stage.ReviewerOrgType {
			continue
		}
		if err := e.Repo.UpdateDocumentStatusTx(ctx, tx, d.ID, domain.DocumentPending, now); err != nil {
			return err
		}
	}
	return nil
}

// progressDocumentationTx pushes the phase forward while stages are satisfied.
// Automatic calls respect each stage's auto_transition flag; an explicit
// advance forces the move.
func (e Engine) progressDocumentationTx(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase, idx int, force bool, actorID string) (bool, error) {
	p := phases[idx]
	moved := false
	for {
		dp, err := e.Repo.GetDocumentationPhaseTx(ctx, tx, p.ID)
		if err != nil {
			return moved, err
		}
		stages, err := e.Repo.ListApprovalStagesTx(ctx, tx, p.ID)
		if err != nil {
			return moved, err
		}
		satisfied, err := e.stageSatisfiedTx(ctx, tx, p.ID, dp, stages[dp.CurrentStage-1])
		if err != nil {
			return moved, err
		}
		if !satisfied {
			return moved, nil
		}
		stage := stages[dp.CurrentStage-1]
		if dp.CurrentStage >= len(stages) {
			if !stage.AutoTransition && !force {
				return moved, nil
			}
			return true, e.completePhaseTx(ctx, tx, app, phases, idx, actorID)
		}
		if !stage.AutoTransition && !force {
			return moved, nil
		}
		dp.CurrentStage++
		if err := e.Repo.UpdateDocumentationPhaseTx(ctx, tx, dp); err != nil {
			return moved, err
		}
		if err := e.resetDocsForStageTx(ctx, tx, p.ID, dp); err != nil {
			return moved, err
		}
		if _, err := e.Events.Emit(ctx, tx, app.TenantID, "STAGE_ADVANCED", events.Payload{
			"application_id": app.ID,
			"phase_id":       p.ID,
			"stage":          dp.CurrentStage,
		}, "engine", actorID, app.ID); err != nil {
			return moved, err
		}
		moved = true
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
