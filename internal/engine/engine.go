package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"homeline/internal/config"
	"homeline/internal/domain"
	"homeline/internal/events"
	"homeline/internal/repo"
)

// Engine owns every workflow mutation. Each operation runs in a single
// transaction; workflow events are appended inside it so an event exists iff
// its mutation committed.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Emitter
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Emitter{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

var hundred = decimal.NewFromInt(100)

// money truncates to 2 decimal places, never rounding up.
func money(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(2)
}

type CreateApplicationOptions struct {
	TenantID      string
	BuyerID       string
	UnitID        string
	PaymentMethod string
	TotalAmount   decimal.Decimal
	ActorID       string
}

// CreateApplication instantiates an application from a payment-method
// template, snapshotting every phase plan so later template edits never touch
// it. Payment phases must conserve the application total exactly.
func (e Engine) CreateApplication(ctx context.Context, opts CreateApplicationOptions) (domain.Application, error) {
	if e.Config == nil {
		return domain.Application{}, errors.New("config not loaded")
	}
	if opts.BuyerID == "" || opts.UnitID == "" {
		return domain.Application{}, validationf("buyer_id and unit_id are required")
	}
	if !opts.TotalAmount.IsPositive() {
		return domain.Application{}, validationf("total_amount must be positive")
	}
	template, ok := e.Config.Method(opts.PaymentMethod)
	if !ok {
		return domain.Application{}, validationf("unknown payment method %s", opts.PaymentMethod)
	}
	shares, err := paymentShares(template, opts.TotalAmount)
	if err != nil {
		return domain.Application{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()

	now := e.ts()
	app := domain.Application{
		ID:            uuid.NewString(),
		TenantID:      opts.TenantID,
		BuyerID:       opts.BuyerID,
		UnitID:        opts.UnitID,
		PaymentMethod: opts.PaymentMethod,
		TotalAmount:   opts.TotalAmount,
		Status:        domain.ApplicationDraft,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertApplicationTx(ctx, tx, app); err != nil {
		return domain.Application{}, fmt.Errorf("insert application: %w", err)
	}

	var phases []domain.Phase
	for i, tpl := range template.Phases {
		p := domain.Phase{
			ID:            uuid.NewString(),
			ApplicationID: app.ID,
			Order:         i + 1,
			Category:      tpl.Category,
			Name:          tpl.Name,
			Status:        domain.PhasePending,
		}
		if err := e.Repo.InsertPhaseTx(ctx, tx, p); err != nil {
			return domain.Application{}, fmt.Errorf("insert phase %s: %w", tpl.Name, err)
		}
		if err := e.insertExtension(ctx, tx, p, tpl, shares); err != nil {
			return domain.Application{}, err
		}
		phases = append(phases, p)
	}

	if _, err := e.Events.Emit(ctx, tx, app.TenantID, "APPLICATION_CREATED", events.Payload{
		"application_id": app.ID,
		"buyer_id":       app.BuyerID,
		"unit_id":        app.UnitID,
		"payment_method": app.PaymentMethod,
		"total_amount":   app.TotalAmount.String(),
	}, "engine", opts.ActorID, app.ID); err != nil {
		return domain.Application{}, err
	}

	if template.AutoActivate {
		if err := e.submitTx(ctx, tx, &app, phases, opts.ActorID); err != nil {
			return domain.Application{}, err
		}
		if err := e.beginWorkTx(ctx, tx, &app, phases, opts.ActorID); err != nil {
			return domain.Application{}, err
		}
		if err := e.Repo.UpdateApplicationTx(ctx, tx, app.ID, app.Status, app.Version, now); err != nil {
			return domain.Application{}, err
		}
		app.Version++
	}

	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	app.Phases, err = e.Repo.ListPhases(ctx, app.ID)
	if err != nil {
		return domain.Application{}, err
	}
	return app, nil
}

// paymentShares resolves each payment phase's share of the total, keyed by
// template index. Percent shares are truncated and the remainder lands on the
// last percent phase so the sum always equals the application total.
func paymentShares(template config.PaymentMethod, total decimal.Decimal) (map[int]decimal.Decimal, error) {
	shares := map[int]decimal.Decimal{}
	fixedSum := decimal.Zero
	percentSum := decimal.Zero
	lastPercent := -1
	for i, tpl := range template.Phases {
		if tpl.Category != domain.CategoryPayment {
			continue
		}
		if tpl.Payment.Amount != "" {
			amt, err := decimal.NewFromString(tpl.Payment.Amount)
			if err != nil {
				return nil, validationf("phase %s: invalid amount", tpl.Name)
			}
			shares[i] = money(amt)
			fixedSum = fixedSum.Add(shares[i])
			continue
		}
		pct, err := decimal.NewFromString(tpl.Payment.Percent)
		if err != nil {
			return nil, validationf("phase %s: invalid percent", tpl.Name)
		}
		shares[i] = money(total.Mul(pct).Div(hundred))
		percentSum = percentSum.Add(shares[i])
		lastPercent = i
	}
	if len(shares) == 0 {
		return shares, nil
	}
	if lastPercent >= 0 {
		remainder := total.Sub(fixedSum).Sub(percentSum)
		shares[lastPercent] = shares[lastPercent].Add(remainder)
	}
	sum := decimal.Zero
	for _, s := range shares {
		if s.IsNegative() {
			return nil, validationf("payment phases overflow the application total")
		}
		sum = sum.Add(s)
	}
	if !sum.Equal(total) {
		return nil, validationf("payment phases sum to %s, want %s", sum, total)
	}
	return shares, nil
}

func (e Engine) insertExtension(ctx context.Context, tx *sql.Tx, p domain.Phase, tpl config.PhaseTemplate, shares map[int]decimal.Decimal) error {
	switch p.Category {
	case domain.CategoryQuestionnaire:
		plan, _ := json.Marshal(tpl.Questionnaire)
		return e.Repo.InsertQuestionnairePhaseTx(ctx, tx, domain.QuestionnairePhase{
			PhaseID:  p.ID,
			PlanJSON: string(plan),
		})
	case domain.CategoryDocumentation:
		plan, _ := json.Marshal(tpl.Documentation)
		if err := e.Repo.InsertDocumentationPhaseTx(ctx, tx, domain.DocumentationPhase{
			PhaseID:           p.ID,
			PlanJSON:          string(plan),
			RequiredTypesJSON: "[]",
			CurrentStage:      1,
		}); err != nil {
			return err
		}
		for i, st := range tpl.Documentation.Stages {
			policy := st.RejectionPolicy
			if policy == "" {
				policy = domain.RejectionCascadeBack
			}
			if err := e.Repo.InsertApprovalStageTx(ctx, tx, domain.ApprovalStage{
				ID:                  uuid.NewString(),
				PhaseID:             p.ID,
				Order:               i + 1,
				ReviewerOrgType:     st.ReviewerOrgType,
				WaitForAllDocuments: st.WaitForAllDocuments,
				AutoTransition:      st.AutoTransition,
				RejectionPolicy:     policy,
			}); err != nil {
				return err
			}
		}
		return nil
	case domain.CategoryPayment:
		count := 1
		if tpl.Payment.Frequency == domain.FrequencyMonthly {
			count = tpl.Payment.Months
		}
		return e.Repo.InsertPaymentPhaseTx(ctx, tx, domain.PaymentPhase{
			PhaseID:          p.ID,
			TotalAmount:      shares[p.Order-1],
			PaidAmount:       decimal.Zero,
			Frequency:        tpl.Payment.Frequency,
			InstallmentCount: count,
			Generated:        false,
		})
	case domain.CategoryGate:
		return e.Repo.InsertGatePhaseTx(ctx, tx, domain.GatePhase{
			PhaseID:           p.ID,
			RequiredApprovals: tpl.Gate.RequiredApprovals,
			AllowRetry:        tpl.Gate.AllowRetry,
			ReviewerRole:      tpl.Gate.ReviewerRole,
		})
	}
	return validationf("unknown phase category %s", p.Category)
}

// Submit records the DRAFT→PENDING transition in its own transaction, then
// activates phase 1 and marks the application ACTIVE. If activation side
// effects fail the application stays PENDING; calling Submit again retries the
// activation only.
func (e Engine) Submit(ctx context.Context, tenantID, applicationID, actorID string) (domain.Application, error) {
	app, err := e.Repo.GetApplication(ctx, tenantID, applicationID)
	if err != nil {
		return domain.Application{}, err
	}
	switch app.Status {
	case domain.ApplicationDraft:
		if _, err := e.mutate(ctx, tenantID, applicationID, func(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase) error {
			return e.submitTx(ctx, tx, app, phases, actorID)
		}); err != nil {
			return domain.Application{}, err
		}
	case domain.ApplicationPending:
		// retry activation below
	default:
		return domain.Application{}, statef("application %s is %s, not DRAFT", app.ID, app.Status)
	}
	return e.mutate(ctx, tenantID, applicationID, func(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase) error {
		return e.beginWorkTx(ctx, tx, app, phases, actorID)
	})
}

// submitTx records the submission. Activation is a separate step so a failed
// activation leaves a durable PENDING application behind.
func (e Engine) submitTx(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase, actorID string) error {
	if len(phases) == 0 {
		return statef("application %s has no phases", app.ID)
	}
	app.Status = domain.ApplicationPending
	_, err := e.Events.Emit(ctx, tx, app.TenantID, "APPLICATION_SUBMITTED", events.Payload{
		"application_id": app.ID,
	}, "engine", actorID, app.ID)
	return err
}

// beginWorkTx activates the first pending phase and marks the application
// ACTIVE.
func (e Engine) beginWorkTx(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase, actorID string) error {
	idx := -1
	for i := range phases {
		if phases[i].Status == domain.PhasePending {
			idx = i
			break
		}
	}
	if idx < 0 {
		return statef("application %s has no pending phase", app.ID)
	}
	app.Status = domain.ApplicationActive
	return e.activatePhaseTx(ctx, tx, app, phases, idx, actorID)
}

// Terminate cancels an application in any non-terminal status. Phases that
// never started are marked SKIPPED.
func (e Engine) Terminate(ctx context.Context, tenantID, applicationID, reason, actorID string) (domain.Application, error) {
	return e.mutate(ctx, tenantID, applicationID, func(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase) error {
		if app.Status == domain.ApplicationCompleted || app.Status == domain.ApplicationTerminated || app.Status == domain.ApplicationTransferred {
			return statef("application %s is already %s", app.ID, app.Status)
		}
		app.Status = domain.ApplicationTerminated
		if err := e.skipPendingPhasesTx(ctx, tx, phases); err != nil {
			return err
		}
		_, err := e.Events.Emit(ctx, tx, app.TenantID, "APPLICATION_TERMINATED", events.Payload{
			"application_id": app.ID,
			"reason":         reason,
		}, "engine", actorID, app.ID)
		return err
	})
}

// Transfer hands an application over to another buyer. The record is closed as
// TRANSFERRED; the receiving application is created separately.
func (e Engine) Transfer(ctx context.Context, tenantID, applicationID, newBuyerID, actorID string) (domain.Application, error) {
	if newBuyerID == "" {
		return domain.Application{}, validationf("new_buyer_id is required")
	}
	return e.mutate(ctx, tenantID, applicationID, func(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase) error {
		if app.Status != domain.ApplicationActive && app.Status != domain.ApplicationCompleted {
			return statef("application %s is %s, only ACTIVE or COMPLETED applications can be transferred", app.ID, app.Status)
		}
		app.Status = domain.ApplicationTransferred
		if err := e.skipPendingPhasesTx(ctx, tx, phases); err != nil {
			return err
		}
		_, err := e.Events.Emit(ctx, tx, app.TenantID, "APPLICATION_TRANSFERRED", events.Payload{
			"application_id": app.ID,
			"from_buyer_id":  app.BuyerID,
			"new_buyer_id":   newBuyerID,
		}, "engine", actorID, app.ID)
		return err
	})
}

func (e Engine) skipPendingPhasesTx(ctx context.Context, tx *sql.Tx, phases []domain.Phase) error {
	for i := range phases {
		if phases[i].Status != domain.PhasePending {
			continue
		}
		phases[i].Status = domain.PhaseSkipped
		if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, phases[i].ID, domain.PhaseSkipped, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// mutate wraps the load-mutate-store cycle shared by every application
// mutation: read inside the tx, apply fn, then write status with a version
// check so concurrent writers collide instead of interleaving.
func (e Engine) mutate(ctx context.Context, tenantID, applicationID string, fn func(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase) error) (domain.Application, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()

	app, err := e.Repo.GetApplicationTx(ctx, tx, tenantID, applicationID)
	if err != nil {
		return domain.Application{}, err
	}
	phases, err := e.Repo.ListPhasesTx(ctx, tx, app.ID)
	if err != nil {
		return domain.Application{}, err
	}
	if err := fn(ctx, tx, &app, phases); err != nil {
		return domain.Application{}, err
	}
	if err := e.Repo.UpdateApplicationTx(ctx, tx, app.ID, app.Status, app.Version, e.ts()); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return domain.Application{}, conflictf("application %s was modified concurrently", app.ID)
		}
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	app.Version++
	app.Phases, err = e.Repo.ListPhases(ctx, app.ID)
	if err != nil {
		return domain.Application{}, err
	}
	return app, nil
}

// activatePhaseTx activates phases[idx] and applies category side effects. A
// documentation phase whose requirement set is empty completes on the spot,
// which cascades into the next activation.
func (e Engine) activatePhaseTx(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase, idx int, actorID string) error {
	p := &phases[idx]
	if p.Status != domain.PhasePending {
		return statef("phase %s is %s, not PENDING", p.ID, p.Status)
	}
	now := e.ts()
	p.Status = domain.PhaseInProgress
	p.ActivatedAt = &now
	if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, p.ID, p.Status, &now, nil); err != nil {
		return err
	}
	if _, err := e.Events.Emit(ctx, tx, app.TenantID, "PHASE_ACTIVATED", events.Payload{
		"application_id": app.ID,
		"phase_id":       p.ID,
		"category":       p.Category,
		"name":           p.Name,
	}, "engine", actorID, app.ID); err != nil {
		return err
	}

	if p.Category == domain.CategoryDocumentation {
		required, err := e.computeRequiredDocumentsTx(ctx, tx, *p, phases)
		if err != nil {
			return err
		}
		if len(required) == 0 {
			return e.completePhaseTx(ctx, tx, app, phases, idx, actorID)
		}
	}
	return nil
}

// completePhaseTx finishes a phase and activates the next one. Completing the
// last phase completes the application.
func (e Engine) completePhaseTx(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase, idx int, actorID string) error {
	p := &phases[idx]
	now := e.ts()
	p.Status = domain.PhaseCompleted
	p.CompletedAt = &now
	if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, p.ID, p.Status, nil, &now); err != nil {
		return err
	}
	if _, err := e.Events.Emit(ctx, tx, app.TenantID, "PHASE_COMPLETED", events.Payload{
		"application_id": app.ID,
		"phase_id":       p.ID,
		"category":       p.Category,
		"name":           p.Name,
	}, "engine", actorID, app.ID); err != nil {
		return err
	}
	for next := idx + 1; next < len(phases); next++ {
		if phases[next].Status == domain.PhasePending {
			return e.activatePhaseTx(ctx, tx, app, phases, next, actorID)
		}
	}
	app.Status = domain.ApplicationCompleted
	_, err := e.Events.Emit(ctx, tx, app.TenantID, "APPLICATION_COMPLETED", events.Payload{
		"application_id": app.ID,
	}, "engine", actorID, app.ID)
	return err
}

// failPhaseTx marks a phase FAILED and terminates the application.
func (e Engine) failPhaseTx(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase, idx int, reason, actorID string) error {
	p := &phases[idx]
	p.Status = domain.PhaseFailed
	if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, p.ID, p.Status, nil, nil); err != nil {
		return err
	}
	if _, err := e.Events.Emit(ctx, tx, app.TenantID, "PHASE_FAILED", events.Payload{
		"application_id": app.ID,
		"phase_id":       p.ID,
		"category":       p.Category,
		"reason":         reason,
	}, "engine", actorID, app.ID); err != nil {
		return err
	}
	app.Status = domain.ApplicationTerminated
	_, err := e.Events.Emit(ctx, tx, app.TenantID, "APPLICATION_TERMINATED", events.Payload{
		"application_id": app.ID,
		"reason":         reason,
	}, "engine", actorID, app.ID)
	return err
}

// AdvanceIfEligible completes the phase when its category's completion
// criteria hold, activating the successor. It is a no-op when the phase is not
// eligible, which makes it safe to call from event handlers.
func (e Engine) AdvanceIfEligible(ctx context.Context, tenantID, phaseID, actorID string) (advanced bool, err error) {
	phase, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return false, err
	}
	_, err = e.mutate(ctx, tenantID, phase.ApplicationID, func(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase) error {
		idx := phaseIndex(phases, phaseID)
		if idx < 0 {
			return repo.ErrNotFound
		}
		if app.Status != domain.ApplicationActive {
			return statef("application %s is %s, not ACTIVE", app.ID, app.Status)
		}
		p := phases[idx]
		if p.Status != domain.PhaseInProgress && p.Status != domain.PhaseAwaitingApproval {
			return nil
		}
		if p.Category == domain.CategoryDocumentation {
			advanced, err = e.progressDocumentationTx(ctx, tx, app, phases, idx, true, actorID)
			return err
		}
		eligible, err := e.phaseEligibleTx(ctx, tx, p)
		if err != nil {
			return err
		}
		if !eligible {
			return nil
		}
		advanced = true
		return e.completePhaseTx(ctx, tx, app, phases, idx, actorID)
	})
	return advanced, err
}

func (e Engine) phaseEligibleTx(ctx context.Context, tx *sql.Tx, p domain.Phase) (bool, error) {
	switch p.Category {
	case domain.CategoryQuestionnaire:
		qp, err := e.Repo.GetQuestionnairePhaseTx(ctx, tx, p.ID)
		if err != nil {
			return false, err
		}
		return qp.Decision != nil && *qp.Decision == domain.DecisionApprove, nil
	case domain.CategoryPayment:
		pp, err := e.Repo.GetPaymentPhaseTx(ctx, tx, p.ID)
		if err != nil {
			return false, err
		}
		if pp.TotalAmount.IsZero() {
			return true, nil
		}
		if !pp.Generated {
			return false, nil
		}
		installments, err := e.Repo.ListInstallmentsTx(ctx, tx, p.ID)
		if err != nil {
			return false, err
		}
		for _, in := range installments {
			if in.Status != domain.InstallmentPaid {
				return false, nil
			}
		}
		return true, nil
	case domain.CategoryGate:
		gp, err := e.Repo.GetGatePhaseTx(ctx, tx, p.ID)
		if err != nil {
			return false, err
		}
		decisions, err := e.Repo.ListGateDecisionsTx(ctx, tx, p.ID)
		if err != nil {
			return false, err
		}
		approvals := 0
		for _, d := range decisions {
			if d.Decision == domain.DecisionApprove {
				approvals++
			}
		}
		return approvals >= gp.RequiredApprovals, nil
	}
	return false, nil
}

func phaseIndex(phases []domain.Phase, phaseID string) int {
	for i, p := range phases {
		if p.ID == phaseID {
			return i
		}
	}
	return -1
}

// collectAnswersTx merges answers from every questionnaire phase in order, so
// later phases shadow earlier keys.
func (e Engine) collectAnswersTx(ctx context.Context, tx *sql.Tx, phases []domain.Phase) (map[string]any, error) {
	answers := map[string]any{}
	for _, p := range phases {
		if p.Category != domain.CategoryQuestionnaire {
			continue
		}
		qp, err := e.Repo.GetQuestionnairePhaseTx(ctx, tx, p.ID)
		if err != nil {
			return nil, err
		}
		if qp.AnswersJSON == nil {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(*qp.AnswersJSON), &m); err != nil {
			return nil, fmt.Errorf("answers for phase %s: %w", p.ID, err)
		}
		for k, v := range m {
			answers[k] = v
		}
	}
	return answers, nil
}
