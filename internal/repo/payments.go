package repo

import (
	"context"
	"database/sql"

	"homeline/internal/domain"
)

func (r Repo) InsertPaymentPhaseTx(ctx context.Context, tx *sql.Tx, p domain.PaymentPhase) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO payment_phases(phase_id,total_amount,paid_amount,frequency,installment_count,generated) VALUES (?,?,?,?,?,?)`,
		p.PhaseID, p.TotalAmount, p.PaidAmount, p.Frequency, p.InstallmentCount, p.Generated)
	return err
}

func scanPaymentPhase(row *sql.Row) (domain.PaymentPhase, error) {
	var p domain.PaymentPhase
	err := row.Scan(&p.PhaseID, &p.TotalAmount, &p.PaidAmount, &p.Frequency, &p.InstallmentCount, &p.Generated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetPaymentPhase(ctx context.Context, phaseID string) (domain.PaymentPhase, error) {
	return scanPaymentPhase(r.DB.QueryRowContext(ctx,
		`SELECT phase_id,total_amount,paid_amount,frequency,installment_count,generated FROM payment_phases WHERE phase_id=?`, phaseID))
}

func (r Repo) GetPaymentPhaseTx(ctx context.Context, tx *sql.Tx, phaseID string) (domain.PaymentPhase, error) {
	return scanPaymentPhase(tx.QueryRowContext(ctx,
		`SELECT phase_id,total_amount,paid_amount,frequency,installment_count,generated FROM payment_phases WHERE phase_id=?`, phaseID))
}

func (r Repo) UpdatePaymentPhaseTx(ctx context.Context, tx *sql.Tx, p domain.PaymentPhase) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE payment_phases SET paid_amount=?, installment_count=?, generated=? WHERE phase_id=?`,
		p.PaidAmount, p.InstallmentCount, p.Generated, p.PhaseID)
	return err
}

const installmentCols = `id,phase_id,seq,due_date,amount,paid_amount,status`

func (r Repo) InsertInstallmentTx(ctx context.Context, tx *sql.Tx, in domain.Installment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO installments(`+installmentCols+`) VALUES (?,?,?,?,?,?,?)`,
		in.ID, in.PhaseID, in.Seq, in.DueDate, in.Amount, in.PaidAmount, in.Status)
	return err
}

func (r Repo) GetInstallmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Installment, error) {
	var in domain.Installment
	err := tx.QueryRowContext(ctx, `SELECT `+installmentCols+` FROM installments WHERE id=?`, id).
		Scan(&in.ID, &in.PhaseID, &in.Seq, &in.DueDate, &in.Amount, &in.PaidAmount, &in.Status)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

func (r Repo) ListInstallments(ctx context.Context, phaseID string) ([]domain.Installment, error) {
	return r.listInstallments(ctx, r.DB.QueryContext, phaseID)
}

func (r Repo) ListInstallmentsTx(ctx context.Context, tx *sql.Tx, phaseID string) ([]domain.Installment, error) {
	return r.listInstallments(ctx, tx.QueryContext, phaseID)
}

func (r Repo) listInstallments(ctx context.Context, query queryFn, phaseID string) ([]domain.Installment, error) {
	rows, err := query(ctx, `SELECT `+installmentCols+` FROM installments WHERE phase_id=? ORDER BY seq`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Installment
	for rows.Next() {
		var in domain.Installment
		if err := rows.Scan(&in.ID, &in.PhaseID, &in.Seq, &in.DueDate, &in.Amount, &in.PaidAmount, &in.Status); err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) UpdateInstallmentTx(ctx context.Context, tx *sql.Tx, in domain.Installment) error {
	_, err := tx.ExecContext(ctx, `UPDATE installments SET paid_amount=?, status=? WHERE id=?`,
		in.PaidAmount, in.Status, in.ID)
	return err
}

func (r Repo) InsertPaymentTx(ctx context.Context, tx *sql.Tx, p domain.Payment) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO payments(id,installment_id,application_id,amount,reference,paid_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.InstallmentID, p.ApplicationID, p.Amount, p.Reference, p.PaidBy, p.CreatedAt)
	return err
}

// GetPaymentByReferenceTx backs payment idempotency: the same reference on the
// same application returns the prior payment instead of recording a new one.
func (r Repo) GetPaymentByReferenceTx(ctx context.Context, tx *sql.Tx, applicationID, reference string) (domain.Payment, error) {
	var p domain.Payment
	err := tx.QueryRowContext(ctx,
		`SELECT id,installment_id,application_id,amount,reference,paid_by,created_at FROM payments WHERE application_id=? AND reference=?`,
		applicationID, reference).
		Scan(&p.ID, &p.InstallmentID, &p.ApplicationID, &p.Amount, &p.Reference, &p.PaidBy, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPayments(ctx context.Context, applicationID string) ([]domain.Payment, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,installment_id,application_id,amount,reference,paid_by,created_at FROM payments WHERE application_id=? ORDER BY created_at`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Payment
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.InstallmentID, &p.ApplicationID, &p.Amount, &p.Reference, &p.PaidBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
