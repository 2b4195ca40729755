package repo

import (
	"context"
	"database/sql"

	"homeline/internal/domain"
)

const phaseCols = `id,application_id,seq,category,name,status,activated_at,completed_at`

func scanPhase(row *sql.Row) (domain.Phase, error) {
	var p domain.Phase
	var activated, completed sql.NullString
	err := row.Scan(&p.ID, &p.ApplicationID, &p.Order, &p.Category, &p.Name, &p.Status, &activated, &completed)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.ActivatedAt = optional(activated)
	p.CompletedAt = optional(completed)
	return p, err
}

func (r Repo) InsertPhaseTx(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(`+phaseCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.ApplicationID, p.Order, p.Category, p.Name, p.Status, p.ActivatedAt, p.CompletedAt)
	return err
}

func (r Repo) GetPhase(ctx context.Context, id string) (domain.Phase, error) {
	return scanPhase(r.DB.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE id=?`, id))
}

func (r Repo) ListPhases(ctx context.Context, applicationID string) ([]domain.Phase, error) {
	return r.listPhases(ctx, r.DB.QueryContext, applicationID)
}

func (r Repo) ListPhasesTx(ctx context.Context, tx *sql.Tx, applicationID string) ([]domain.Phase, error) {
	return r.listPhases(ctx, tx.QueryContext, applicationID)
}

type queryFn func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) listPhases(ctx context.Context, query queryFn, applicationID string) ([]domain.Phase, error) {
	rows, err := query(ctx, `SELECT `+phaseCols+` FROM phases WHERE application_id=? ORDER BY seq`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		var p domain.Phase
		var activated, completed sql.NullString
		if err := rows.Scan(&p.ID, &p.ApplicationID, &p.Order, &p.Category, &p.Name, &p.Status, &activated, &completed); err != nil {
			return nil, err
		}
		p.ActivatedAt = optional(activated)
		p.CompletedAt = optional(completed)
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePhaseStatusTx(ctx context.Context, tx *sql.Tx, id, status string, activatedAt, completedAt *string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE phases SET status=?, activated_at=COALESCE(?,activated_at), completed_at=? WHERE id=?`,
		status, activatedAt, completedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertQuestionnairePhaseTx(ctx context.Context, tx *sql.Tx, q domain.QuestionnairePhase) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO questionnaire_phases(phase_id,plan_json,answers_json,score,decision,decided_by,decision_notes) VALUES (?,?,?,?,?,?,?)`,
		q.PhaseID, q.PlanJSON, q.AnswersJSON, q.Score, q.Decision, q.DecidedBy, q.DecisionNotes)
	return err
}

func scanQuestionnairePhase(row *sql.Row) (domain.QuestionnairePhase, error) {
	var q domain.QuestionnairePhase
	var answers, decision, decidedBy, notes sql.NullString
	var score sql.NullFloat64
	err := row.Scan(&q.PhaseID, &q.PlanJSON, &answers, &score, &decision, &decidedBy, &notes)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	q.AnswersJSON = optional(answers)
	q.Decision = optional(decision)
	q.DecidedBy = optional(decidedBy)
	q.DecisionNotes = optional(notes)
	if score.Valid {
		v := score.Float64
		q.Score = &v
	}
	return q, err
}

func (r Repo) GetQuestionnairePhase(ctx context.Context, phaseID string) (domain.QuestionnairePhase, error) {
	return scanQuestionnairePhase(r.DB.QueryRowContext(ctx,
		`SELECT phase_id,plan_json,answers_json,score,decision,decided_by,decision_notes FROM questionnaire_phases WHERE phase_id=?`, phaseID))
}

func (r Repo) GetQuestionnairePhaseTx(ctx context.Context, tx *sql.Tx, phaseID string) (domain.QuestionnairePhase, error) {
	return scanQuestionnairePhase(tx.QueryRowContext(ctx,
		`SELECT phase_id,plan_json,answers_json,score,decision,decided_by,decision_notes FROM questionnaire_phases WHERE phase_id=?`, phaseID))
}

func (r Repo) UpdateQuestionnairePhaseTx(ctx context.Context, tx *sql.Tx, q domain.QuestionnairePhase) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE questionnaire_phases SET answers_json=?, score=?, decision=?, decided_by=?, decision_notes=? WHERE phase_id=?`,
		q.AnswersJSON, q.Score, q.Decision, q.DecidedBy, q.DecisionNotes, q.PhaseID)
	return err
}

func (r Repo) InsertDocumentationPhaseTx(ctx context.Context, tx *sql.Tx, d domain.DocumentationPhase) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO documentation_phases(phase_id,plan_json,required_types_json,current_stage) VALUES (?,?,?,?)`,
		d.PhaseID, d.PlanJSON, d.RequiredTypesJSON, d.CurrentStage)
	return err
}

func scanDocumentationPhase(row *sql.Row) (domain.DocumentationPhase, error) {
	var d domain.DocumentationPhase
	err := row.Scan(&d.PhaseID, &d.PlanJSON, &d.RequiredTypesJSON, &d.CurrentStage)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) GetDocumentationPhase(ctx context.Context, phaseID string) (domain.DocumentationPhase, error) {
	return scanDocumentationPhase(r.DB.QueryRowContext(ctx,
		`SELECT phase_id,plan_json,required_types_json,current_stage FROM documentation_phases WHERE phase_id=?`, phaseID))
}

func (r Repo) GetDocumentationPhaseTx(ctx context.Context, tx *sql.Tx, phaseID string) (domain.DocumentationPhase, error) {
	return scanDocumentationPhase(tx.QueryRowContext(ctx,
		`SELECT phase_id,plan_json,required_types_json,current_stage FROM documentation_phases WHERE phase_id=?`, phaseID))
}

func (r Repo) UpdateDocumentationPhaseTx(ctx context.Context, tx *sql.Tx, d domain.DocumentationPhase) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE documentation_phases SET required_types_json=?, current_stage=? WHERE phase_id=?`,
		d.RequiredTypesJSON, d.CurrentStage, d.PhaseID)
	return err
}

func (r Repo) InsertApprovalStageTx(ctx context.Context, tx *sql.Tx, s domain.ApprovalStage) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO approval_stages(id,phase_id,seq,reviewer_org_type,wait_for_all_documents,auto_transition,rejection_policy) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.PhaseID, s.Order, s.ReviewerOrgType, s.WaitForAllDocuments, s.AutoTransition, s.RejectionPolicy)
	return err
}

func (r Repo) ListApprovalStages(ctx context.Context, phaseID string) ([]domain.ApprovalStage, error) {
	return r.listApprovalStages(ctx, r.DB.QueryContext, phaseID)
}

func (r Repo) ListApprovalStagesTx(ctx context.Context, tx *sql.Tx, phaseID string) ([]domain.ApprovalStage, error) {
	return r.listApprovalStages(ctx, tx.QueryContext, phaseID)
}

func (r Repo) listApprovalStages(ctx context.Context, query queryFn, phaseID string) ([]domain.ApprovalStage, error) {
	rows, err := query(ctx,
		`SELECT id,phase_id,seq,reviewer_org_type,wait_for_all_documents,auto_transition,rejection_policy FROM approval_stages WHERE phase_id=? ORDER BY seq`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalStage
	for rows.Next() {
		var s domain.ApprovalStage
		if err := rows.Scan(&s.ID, &s.PhaseID, &s.Order, &s.ReviewerOrgType, &s.WaitForAllDocuments, &s.AutoTransition, &s.RejectionPolicy); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertGatePhaseTx(ctx context.Context, tx *sql.Tx, g domain.GatePhase) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO gate_phases(phase_id,required_approvals,allow_retry,reviewer_role) VALUES (?,?,?,?)`,
		g.PhaseID, g.RequiredApprovals, g.AllowRetry, g.ReviewerRole)
	return err
}

func scanGatePhase(row *sql.Row) (domain.GatePhase, error) {
	var g domain.GatePhase
	err := row.Scan(&g.PhaseID, &g.RequiredApprovals, &g.AllowRetry, &g.ReviewerRole)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

func (r Repo) GetGatePhase(ctx context.Context, phaseID string) (domain.GatePhase, error) {
	return scanGatePhase(r.DB.QueryRowContext(ctx,
		`SELECT phase_id,required_approvals,allow_retry,reviewer_role FROM gate_phases WHERE phase_id=?`, phaseID))
}

func (r Repo) GetGatePhaseTx(ctx context.Context, tx *sql.Tx, phaseID string) (domain.GatePhase, error) {
	return scanGatePhase(tx.QueryRowContext(ctx,
		`SELECT phase_id,required_approvals,allow_retry,reviewer_role FROM gate_phases WHERE phase_id=?`, phaseID))
}

func (r Repo) InsertGateDecisionTx(ctx context.Context, tx *sql.Tx, d domain.GateDecision) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO gate_decisions(id,phase_id,approver_id,decision,notes,ts) VALUES (?,?,?,?,?,?)`,
		d.ID, d.PhaseID, d.ApproverID, d.Decision, d.Notes, d.TS)
	return err
}

func (r Repo) ListGateDecisionsTx(ctx context.Context, tx *sql.Tx, phaseID string) ([]domain.GateDecision, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id,phase_id,approver_id,decision,notes,ts FROM gate_decisions WHERE phase_id=? ORDER BY ts`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateDecision
	for rows.Next() {
		var d domain.GateDecision
		if err := rows.Scan(&d.ID, &d.PhaseID, &d.ApproverID, &d.Decision, &d.Notes, &d.TS); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// DeleteGateDecisionsTx clears prior decisions when a gate allows retry.
func (r Repo) DeleteGateDecisionsTx(ctx context.Context, tx *sql.Tx, phaseID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM gate_decisions WHERE phase_id=?`, phaseID)
	return err
}
