package repo

import (
	"context"
	"database/sql"
)

// GetIdempotentResponse returns the stored response for a (operation, key)
// pair, or ErrNotFound on first use.
func (r Repo) GetIdempotentResponse(ctx context.Context, tenantID, operation, key string) (string, error) {
	var resp string
	err := r.DB.QueryRowContext(ctx,
		`SELECT response_json FROM idempotency_keys WHERE tenant_id=? AND operation=? AND idem_key=?`,
		tenantID, operation, key).Scan(&resp)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return resp, err
}

func (r Repo) SaveIdempotentResponse(ctx context.Context, tenantID, operation, key, responseJSON, createdAt string) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO idempotency_keys(tenant_id,operation,idem_key,response_json,created_at) VALUES (?,?,?,?,?)
		ON CONFLICT(tenant_id,operation,idem_key) DO NOTHING`,
		tenantID, operation, key, responseJSON, createdAt)
	return err
}
