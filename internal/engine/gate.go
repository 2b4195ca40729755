package engine

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"homeline/internal/domain"
	"homeline/internal/events"
	"homeline/internal/repo"
)

type GateDecisionOptions struct {
	TenantID   string
	PhaseID    string
	Decision   string
	Notes      string
	ApproverID string
	Role       string
}

// DecideGate records one approver's decision on an active gate. Reaching the
// required approval count completes the phase. A rejection short-circuits:
// with allow_retry the gate resets and collects approvals from scratch,
// otherwise the phase fails and terminates the application.
func (e Engine) DecideGate(ctx context.Context, opts GateDecisionOptions) (domain.Application, error) {
	phase, err := e.Repo.GetPhase(ctx, opts.PhaseID)
	if err != nil {
		return domain.Application{}, err
	}
	return e.mutate(ctx, opts.TenantID, phase.ApplicationID, func(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase) error {
		idx := phaseIndex(phases, opts.PhaseID)
		if idx < 0 {
			return repo.ErrNotFound
		}
		p := phases[idx]
		if p.Category != domain.CategoryGate {
			return statef("phase %s is %s, not GATE", p.ID, p.Category)
		}
		if p.Status != domain.PhaseInProgress {
			return statef("phase %s is %s, not IN_PROGRESS", p.ID, p.Status)
		}
		gp, err := e.Repo.GetGatePhaseTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if gp.ReviewerRole != "" && opts.Role != gp.ReviewerRole && opts.Role != domain.RoleAdmin {
			return validationf("role %s cannot decide this gate", opts.Role)
		}
		if opts.Decision != domain.DecisionApprove && opts.Decision != domain.DecisionReject {
			return validationf("unknown decision %s", opts.Decision)
		}
		decisions, err := e.Repo.ListGateDecisionsTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		for _, d := range decisions {
			if d.ApproverID == opts.ApproverID {
				return conflictf("approver %s already decided this gate", opts.ApproverID)
			}
		}

		if err := e.Repo.InsertGateDecisionTx(ctx, tx, domain.GateDecision{
			ID:         uuid.NewString(),
			PhaseID:    p.ID,
			ApproverID: opts.ApproverID,
			Decision:   opts.Decision,
			Notes:      opts.Notes,
			TS:         e.ts(),
		}); err != nil {
			return err
		}
		if _, err := e.Events.Emit(ctx, tx, app.TenantID, "GATE_DECIDED", events.Payload{
			"application_id": app.ID,
			"phase_id":       p.ID,
			"decision":       opts.Decision,
			"approver":       opts.ApproverID,
		}, "engine", opts.ApproverID, app.ID); err != nil {
			return err
		}

		if opts.Decision == domain.DecisionReject {
			if gp.AllowRetry {
				return e.Repo.DeleteGateDecisionsTx(ctx, tx, p.ID)
			}
			return e.failPhaseTx(ctx, tx, app, phases, idx, "gate rejected", opts.ApproverID)
		}

		approvals := 1
		for _, d := range decisions {
			if d.Decision == domain.DecisionApprove {
				approvals++
			}
		}
		if approvals >= gp.RequiredApprovals {
			return e.completePhaseTx(ctx, tx, app, phases, idx, opts.ApproverID)
		}
		return nil
	})
}
