package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"homeline/internal/condition"
	"homeline/internal/domain"
	"homeline/internal/events"
	"homeline/internal/repo"
)

// SubmitAnswers records a questionnaire submission and scores it against the
// phase's snapshotted plan. With auto decision on and a passing score the
// phase completes immediately; otherwise it parks in AWAITING_APPROVAL for a
// manual review.
func (e Engine) SubmitAnswers(ctx context.Context, tenantID, phaseID string, answers map[string]any, actorID string) (domain.Application, error) {
	phase, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return domain.Application{}, err
	}
	return e.mutate(ctx, tenantID, phase.ApplicationID, func(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase) error {
		idx := phaseIndex(phases, phaseID)
		if idx < 0 {
			return repo.ErrNotFound
		}
		p := &phases[idx]
		if p.Category != domain.CategoryQuestionnaire {
			return statef("phase %s is %s, not QUESTIONNAIRE", p.ID, p.Category)
		}
		if p.Status != domain.PhaseInProgress {
			return statef("phase %s is %s, not IN_PROGRESS", p.ID, p.Status)
		}
		qp, err := e.Repo.GetQuestionnairePhaseTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		var plan domain.QuestionnairePlan
		if err := json.Unmarshal([]byte(qp.PlanJSON), &plan); err != nil {
			return fmt.Errorf("questionnaire plan for phase %s: %w", p.ID, err)
		}

		score := scoreAnswers(plan, answers)
		raw, err := json.Marshal(answers)
		if err != nil {
			return validationf("answers are not serializable: %v", err)
		}
		answersJSON := string(raw)
		qp.AnswersJSON = &answersJSON
		qp.Score = &score
		qp.Decision = nil
		qp.DecidedBy = nil
		qp.DecisionNotes = nil

		autoPass := plan.AutoDecision && score >= plan.PassingScore
		if autoPass {
			decision := domain.DecisionApprove
			decidedBy := "auto"
			qp.Decision = &decision
			qp.DecidedBy = &decidedBy
		}
		if err := e.Repo.UpdateQuestionnairePhaseTx(ctx, tx, qp); err != nil {
			return err
		}
		if _, err := e.Events.Emit(ctx, tx, app.TenantID, "QUESTIONNAIRE_SUBMITTED", events.Payload{
			"application_id": app.ID,
			"phase_id":       p.ID,
			"score":          score,
			"answers":        answers,
			"auto_approved":  autoPass,
		}, "engine", actorID, app.ID); err != nil {
			return err
		}
		if autoPass {
			return e.completePhaseTx(ctx, tx, app, phases, idx, actorID)
		}
		p.Status = domain.PhaseAwaitingApproval
		return e.Repo.UpdatePhaseStatusTx(ctx, tx, p.ID, p.Status, nil, nil)
	})
}

// ReviewQuestionnaire records a manual decision on a submitted questionnaire.
// APPROVE completes the phase, REJECT fails it and terminates the application,
// CHANGES_REQUESTED reopens it for resubmission.
func (e Engine) ReviewQuestionnaire(ctx context.Context, tenantID, phaseID, decision, notes, actorID, actorRole string) (domain.Application, error) {
	phase, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return domain.Application{}, err
	}
	return e.mutate(ctx, tenantID, phase.ApplicationID, func(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase) error {
		idx := phaseIndex(phases, phaseID)
		if idx < 0 {
			return repo.ErrNotFound
		}
		p := &phases[idx]
		if p.Category != domain.CategoryQuestionnaire {
			return statef("phase %s is %s, not QUESTIONNAIRE", p.ID, p.Category)
		}
		if p.Status != domain.PhaseAwaitingApproval {
			return statef("phase %s is %s, not AWAITING_APPROVAL", p.ID, p.Status)
		}
		qp, err := e.Repo.GetQuestionnairePhaseTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		var plan domain.QuestionnairePlan
		if err := json.Unmarshal([]byte(qp.PlanJSON), &plan); err != nil {
			return fmt.Errorf("questionnaire plan for phase %s: %w", p.ID, err)
		}
		if plan.ReviewerRole != "" && actorRole != plan.ReviewerRole && actorRole != domain.RoleAdmin {
			return validationf("role %s cannot review this questionnaire", actorRole)
		}
		switch decision {
		case domain.DecisionApprove, domain.DecisionReject, domain.DecisionChangesRequested:
		default:
			return validationf("unknown decision %s", decision)
		}

		qp.Decision = &decision
		qp.DecidedBy = &actorID
		if notes != "" {
			qp.DecisionNotes = &notes
		}
		if decision == domain.DecisionChangesRequested {
			qp.Decision = nil
			qp.DecidedBy = nil
		}
		if err := e.Repo.UpdateQuestionnairePhaseTx(ctx, tx, qp); err != nil {
			return err
		}
		if _, err := e.Events.Emit(ctx, tx, app.TenantID, "QUESTIONNAIRE_REVIEWED", events.Payload{
			"application_id": app.ID,
			"phase_id":       p.ID,
			"decision":       decision,
			"reviewer":       actorID,
		}, "engine", actorID, app.ID); err != nil {
			return err
		}
		switch decision {
		case domain.DecisionApprove:
			return e.completePhaseTx(ctx, tx, app, phases, idx, actorID)
		case domain.DecisionReject:
			return e.failPhaseTx(ctx, tx, app, phases, idx, "questionnaire rejected", actorID)
		default:
			p.Status = domain.PhaseInProgress
			return e.Repo.UpdatePhaseStatusTx(ctx, tx, p.ID, p.Status, nil, nil)
		}
	})
}

// scoreAnswers scores a submission. Per question the first matching rule wins;
// a question with no matching rule scores zero.
func scoreAnswers(plan domain.QuestionnairePlan, answers map[string]any) float64 {
	var scores []float64
	var weights []float64
	for _, q := range plan.Questions {
		val, present := answers[q.Key]
		score := 0.0
		for _, rule := range q.Rules {
			if ruleMatches(rule, val, present) {
				score = rule.Score
				break
			}
		}
		w := q.Weight
		if w == 0 {
			w = 1
		}
		scores = append(scores, score)
		weights = append(weights, w)
	}
	if len(scores) == 0 {
		return 0
	}
	switch plan.Strategy {
	case domain.StrategySum:
		total := 0.0
		for _, s := range scores {
			total += s
		}
		return total
	case domain.StrategyWeightedAvg:
		num, den := 0.0, 0.0
		for i, s := range scores {
			num += s * weights[i]
			den += weights[i]
		}
		if den == 0 {
			return 0
		}
		return num / den
	default: // MIN_ALL
		min := scores[0]
		for _, s := range scores[1:] {
			if s < min {
				min = s
			}
		}
		return min
	}
}

func ruleMatches(rule domain.ScoringRule, val any, present bool) bool {
	op := condition.Op(rule.Op)
	if op == condition.OpExists {
		return present
	}
	if !present {
		return false
	}
	return condition.Compare(op, val, rule.Value)
}
