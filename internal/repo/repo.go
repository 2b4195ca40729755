package repo

import (
	"context"
	"database/sql"
	"errors"
)

// Repo wraps all SQLite access. Methods with a Tx suffix run inside a caller
// owned transaction.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStale is returned when an optimistic version check fails.
var ErrStale = errors.New("stale version")

func optional(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// SaveTenantConfig stores the validated config YAML for a tenant.
func (r Repo) SaveTenantConfig(ctx context.Context, tenantID, configYAML, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tenant_configs(tenant_id,config_yaml,updated_at) VALUES (?,?,?)
		ON CONFLICT(tenant_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`,
		tenantID, configYAML, updatedAt)
	return err
}

func (r Repo) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tenant_id FROM tenant_configs ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (r Repo) GetTenantConfig(ctx context.Context, tenantID string) (string, error) {
	var yaml string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM tenant_configs WHERE tenant_id=?`, tenantID).Scan(&yaml)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return yaml, err
}
