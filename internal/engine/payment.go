package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"homeline/internal/domain"
	"homeline/internal/events"
	"homeline/internal/repo"
)

// GenerateInstallments materializes the payment schedule for an active payment
// phase. Per-installment amounts are truncated to 2 decimal places and the
// remainder lands on the last installment, so the schedule always sums to the
// phase total. Regenerating is a conflict.
func (e Engine) GenerateInstallments(ctx context.Context, tenantID, phaseID, actorID string) ([]domain.Installment, error) {
	phase, err := e.Repo.GetPhase(ctx, phaseID)
	if err != nil {
		return nil, err
	}
	var installments []domain.Installment
	_, err = e.mutate(ctx, tenantID, phase.ApplicationID, func(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase) error {
		idx := phaseIndex(phases, phaseID)
		if idx < 0 {
			return repo.ErrNotFound
		}
		p := phases[idx]
		if p.Category != domain.CategoryPayment {
			return statef("phase %s is %s, not PAYMENT", p.ID, p.Category)
		}
		if p.Status != domain.PhaseInProgress {
			return statef("phase %s is %s, not IN_PROGRESS", p.ID, p.Status)
		}
		pp, err := e.Repo.GetPaymentPhaseTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if pp.Generated {
			return conflictf("installments already generated for phase %s", p.ID)
		}

		count := pp.InstallmentCount
		if count < 1 {
			count = 1
		}
		base := money(pp.TotalAmount.Div(decimal.NewFromInt(int64(count))))
		now := e.now().UTC()
		running := decimal.Zero
		for i := 1; i <= count; i++ {
			amount := base
			if i == count {
				amount = pp.TotalAmount.Sub(running)
			}
			running = running.Add(amount)
			in := domain.Installment{
				ID:         uuid.NewString(),
				PhaseID:    p.ID,
				Seq:        i,
				DueDate:    now.AddDate(0, i, 0).Format(time.RFC3339),
				Amount:     amount,
				PaidAmount: decimal.Zero,
				Status:     domain.InstallmentPending,
			}
			if err := e.Repo.InsertInstallmentTx(ctx, tx, in); err != nil {
				return err
			}
			installments = append(installments, in)
		}
		pp.Generated = true
		pp.InstallmentCount = count
		if err := e.Repo.UpdatePaymentPhaseTx(ctx, tx, pp); err != nil {
			return err
		}
		_, err = e.Events.Emit(ctx, tx, app.TenantID, "INSTALLMENTS_GENERATED", events.Payload{
			"application_id": app.ID,
			"phase_id":       p.ID,
			"count":          count,
			"total_amount":   pp.TotalAmount.String(),
		}, "engine", actorID, app.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return installments, nil
}

// Installments lists a phase's schedule with overdueness derived at read
// time: an unpaid installment past its due date reads OVERDUE. The stored
// status stays untouched so payment transitions never race a clock.
func (e Engine) Installments(ctx context.Context, phaseID string) ([]domain.Installment, error) {
	installments, err := e.Repo.ListInstallments(ctx, phaseID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	for i, in := range installments {
		if in.Status == domain.InstallmentPaid {
			continue
		}
		due, err := time.Parse(time.RFC3339, in.DueDate)
		if err != nil {
			continue
		}
		if now.After(due) {
			installments[i].Status = domain.InstallmentOverdue
		}
	}
	return installments, nil
}

type RecordPaymentOptions struct {
	TenantID      string
	InstallmentID string
	Amount        decimal.Decimal
	Reference     string
	PaidBy        string
}

var errDuplicateReference = errors.New("duplicate payment reference")

// RecordPayment applies a payment to an installment. A reference already seen
// on the application returns the original payment and changes nothing; an
// amount above the installment's remaining balance is rejected. Paying the
// last open installment completes the phase.
func (e Engine) RecordPayment(ctx context.Context, opts RecordPaymentOptions) (domain.Payment, error) {
	if opts.Reference == "" {
		return domain.Payment{}, validationf("payment reference is required")
	}
	if !opts.Amount.IsPositive() {
		return domain.Payment{}, validationf("payment amount must be positive")
	}
	var installment domain.Installment
	err := e.DB.QueryRowContext(ctx, `SELECT phase_id FROM installments WHERE id=?`, opts.InstallmentID).Scan(&installment.PhaseID)
	if err == sql.ErrNoRows {
		return domain.Payment{}, repo.ErrNotFound
	}
	if err != nil {
		return domain.Payment{}, err
	}
	phase, err := e.Repo.GetPhase(ctx, installment.PhaseID)
	if err != nil {
		return domain.Payment{}, err
	}

	var payment domain.Payment
	_, err = e.mutate(ctx, opts.TenantID, phase.ApplicationID, func(ctx context.Context, tx *sql.Tx, app *domain.Application, phases []domain.Phase) error {
		if prior, err := e.Repo.GetPaymentByReferenceTx(ctx, tx, app.ID, opts.Reference); err == nil {
			payment = prior
			return errDuplicateReference
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		idx := phaseIndex(phases, installment.PhaseID)
		if idx < 0 {
			return repo.ErrNotFound
		}
		p := phases[idx]
		if p.Status != domain.PhaseInProgress {
			return statef("phase %s is %s, not IN_PROGRESS", p.ID, p.Status)
		}
		in, err := e.Repo.GetInstallmentTx(ctx, tx, opts.InstallmentID)
		if err != nil {
			return err
		}
		remaining := in.Amount.Sub(in.PaidAmount)
		if opts.Amount.GreaterThan(remaining) {
			return validationf("payment of %s exceeds remaining balance %s", opts.Amount, remaining)
		}

		now := e.ts()
		payment = domain.Payment{
			ID:            uuid.NewString(),
			InstallmentID: in.ID,
			ApplicationID: app.ID,
			Amount:        money(opts.Amount),
			Reference:     opts.Reference,
			PaidBy:        opts.PaidBy,
			CreatedAt:     now,
		}
		if err := e.Repo.InsertPaymentTx(ctx, tx, payment); err != nil {
			return err
		}

		in.PaidAmount = in.PaidAmount.Add(payment.Amount)
		if in.PaidAmount.Equal(in.Amount) {
			in.Status = domain.InstallmentPaid
		} else {
			in.Status = domain.InstallmentPartiallyPaid
		}
		if err := e.Repo.UpdateInstallmentTx(ctx, tx, in); err != nil {
			return err
		}
		pp, err := e.Repo.GetPaymentPhaseTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		pp.PaidAmount = pp.PaidAmount.Add(payment.Amount)
		if err := e.Repo.UpdatePaymentPhaseTx(ctx, tx, pp); err != nil {
			return err
		}
		if _, err := e.Events.Emit(ctx, tx, app.TenantID, "PAYMENT_RECORDED", events.Payload{
			"application_id": app.ID,
			"phase_id":       p.ID,
			"installment_id": in.ID,
			"amount":         payment.Amount.String(),
			"reference":      payment.Reference,
			"paid_by":        payment.PaidBy,
		}, "engine", opts.PaidBy, app.ID); err != nil {
			return err
		}

		all, err := e.Repo.ListInstallmentsTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		for _, other := range all {
			if other.ID != in.ID && other.Status != domain.InstallmentPaid {
				return nil
			}
		}
		if in.Status != domain.InstallmentPaid {
			return nil
		}
		return e.completePhaseTx(ctx, tx, app, phases, idx, opts.PaidBy)
	})
	if errors.Is(err, errDuplicateReference) {
		return payment, nil
	}
	if err != nil {
		return domain.Payment{}, err
	}
	return payment, nil
}
