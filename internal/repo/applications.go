package repo

import (
	"context"
	"database/sql"

	"homeline/internal/domain"
)

const applicationCols = `id,tenant_id,buyer_id,unit_id,payment_method,total_amount,status,version,created_at,updated_at`

func scanApplication(row *sql.Row) (domain.Application, error) {
	var a domain.Application
	err := row.Scan(&a.ID, &a.TenantID, &a.BuyerID, &a.UnitID, &a.PaymentMethod, &a.TotalAmount, &a.Status, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertApplicationTx(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO applications(`+applicationCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, a.BuyerID, a.UnitID, a.PaymentMethod, a.TotalAmount, a.Status, a.Version, a.CreatedAt, a.UpdatedAt)
	return err
}

// GetApplication scopes by tenant; a row owned by another tenant reads as not
// found.
func (r Repo) GetApplication(ctx context.Context, tenantID, id string) (domain.Application, error) {
	return scanApplication(r.DB.QueryRowContext(ctx,
		`SELECT `+applicationCols+` FROM applications WHERE id=? AND tenant_id=?`, id, tenantID))
}

func (r Repo) GetApplicationTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.Application, error) {
	return scanApplication(tx.QueryRowContext(ctx,
		`SELECT `+applicationCols+` FROM applications WHERE id=? AND tenant_id=?`, id, tenantID))
}

func (r Repo) ListApplications(ctx context.Context, tenantID, status string) ([]domain.Application, error) {
	q := `SELECT ` + applicationCols + ` FROM applications WHERE tenant_id=?`
	args := []any{tenantID}
	if status != "" {
		q += ` AND status=?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		var a domain.Application
		if err := rows.Scan(&a.ID, &a.TenantID, &a.BuyerID, &a.UnitID, &a.PaymentMethod, &a.TotalAmount, &a.Status, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateApplicationTx bumps the version. The caller passes the version it read;
// a mismatch means another writer got there first.
func (r Repo) UpdateApplicationTx(ctx context.Context, tx *sql.Tx, id, status string, version int64, updatedAt string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE applications SET status=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		status, updatedAt, id, version)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrStale
	}
	return nil
}
