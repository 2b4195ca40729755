// Package app resolves the tenant and configuration a command or request runs
// against, seeding the event taxonomy on first use.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"homeline/internal/config"
	"homeline/internal/dispatch"
	"homeline/internal/domain"
	"homeline/internal/repo"
)

// Resolve returns the active tenant's config. The DB copy wins; a homeline.yml
// in the workspace is imported on first use; with neither, defaults are seeded
// under the given (or "default") tenant id.
func Resolve(ctx context.Context, database *sql.DB, workspace, tenantID string) (*config.Config, error) {
	r := repo.Repo{DB: database}

	if tenantID == "" {
		if cfg, err := config.LoadOptional(workspace); err != nil {
			return nil, err
		} else if cfg != nil {
			tenantID = cfg.Tenant.ID
		}
	}
	if tenantID == "" {
		tenants, err := r.ListTenants(ctx)
		if err != nil {
			return nil, err
		}
		switch len(tenants) {
		case 0:
			tenantID = "default"
		case 1:
			tenantID = tenants[0]
		default:
			return nil, fmt.Errorf("multiple tenants exist; specify --tenant")
		}
	}

	raw, err := r.GetTenantConfig(ctx, tenantID)
	if err == nil {
		return config.FromYAML([]byte(raw))
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	// First use: import the workspace file, or fall back to defaults.
	path := config.Path(workspace)
	if data, err := os.ReadFile(path); err == nil {
		cfg, err := config.FromYAML(data)
		if err != nil {
			return nil, err
		}
		if cfg.Tenant.ID != tenantID {
			return nil, fmt.Errorf("config %s is for tenant %s, not %s", path, cfg.Tenant.ID, tenantID)
		}
		return cfg, Install(ctx, database, cfg, string(data))
	}
	cfg := config.Default(tenantID)
	return cfg, Install(ctx, database, cfg, config.GenerateDefault(tenantID))
}

// Install stores a validated config for its tenant and synchronizes the event
// taxonomy it declares.
func Install(ctx context.Context, database *sql.DB, cfg *config.Config, rawYAML string) error {
	r := repo.Repo{DB: database}
	if rawYAML == "" {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		rawYAML = string(data)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.SaveTenantConfig(ctx, cfg.Tenant.ID, rawYAML, now); err != nil {
		return err
	}
	return seedEvents(ctx, database, cfg)
}

// seedEvents upserts the channels and types from config and inserts declared
// handlers for event types that have none yet. Handlers already present are
// left alone so admin edits survive re-imports.
func seedEvents(ctx context.Context, database *sql.DB, cfg *config.Config) error {
	r := repo.Repo{DB: database}
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	typeIDs := map[string]string{}
	for _, ch := range cfg.Events.Channels {
		channel := domain.EventChannel{
			ID:       uuid.NewString(),
			TenantID: cfg.Tenant.ID,
			Code:     ch.Code,
			Name:     ch.Name,
			Enabled:  enabled(ch.Enabled),
		}
		if err := r.UpsertChannelTx(ctx, tx, channel); err != nil {
			return fmt.Errorf("seed channel %s: %w", ch.Code, err)
		}
		stored, err := r.GetChannelByCodeTx(ctx, tx, cfg.Tenant.ID, ch.Code)
		if err != nil {
			return err
		}
		for _, tp := range ch.Types {
			et := domain.EventType{
				ID:        uuid.NewString(),
				ChannelID: stored.ID,
				Code:      tp.Code,
				Name:      tp.Name,
				Enabled:   enabled(tp.Enabled),
			}
			if err := r.UpsertEventTypeTx(ctx, tx, et); err != nil {
				return fmt.Errorf("seed event type %s: %w", tp.Code, err)
			}
			resolved, err := r.GetEventTypeByCodeTx(ctx, tx, cfg.Tenant.ID, tp.Code)
			if err != nil {
				return err
			}
			typeIDs[tp.Code] = resolved.ID
		}
	}

	for i, seed := range cfg.Handlers {
		typeID, ok := typeIDs[seed.EventType]
		if !ok {
			return fmt.Errorf("handler %d references unknown event type %s", i, seed.EventType)
		}
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM event_handlers WHERE event_type_id=? AND handler_type=?`,
			typeID, seed.Type).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		raw, err := json.Marshal(seed.Config)
		if err != nil {
			return fmt.Errorf("handler %d config: %w", i, err)
		}
		if err := dispatch.ValidateHandlerConfig(seed.Type, string(raw)); err != nil {
			return fmt.Errorf("handler %d: %w", i, err)
		}
		retries := seed.MaxRetries
		if retries == 0 {
			retries = 3
		}
		delay := seed.RetryDelayMs
		if delay == 0 {
			delay = 5000
		}
		priority := seed.Priority
		if priority == 0 {
			priority = 100
		}
		if err := r.InsertHandlerTx(ctx, tx, domain.EventHandler{
			ID:           uuid.NewString(),
			EventTypeID:  typeID,
			Type:         seed.Type,
			ConfigJSON:   string(raw),
			Priority:     priority,
			Enabled:      enabled(seed.Enabled),
			MaxRetries:   retries,
			RetryDelayMs: delay,
			FilterExpr:   seed.Filter,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func enabled(v *bool) bool {
	return v == nil || *v
}
