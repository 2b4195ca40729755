package repo

import (
	"context"
	"database/sql"

	"homeline/internal/domain"
)

func (r Repo) UpsertChannelTx(ctx context.Context, tx *sql.Tx, ch domain.EventChannel) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO event_channels(id,tenant_id,code,name,enabled) VALUES (?,?,?,?,?)
		ON CONFLICT(tenant_id,code) DO UPDATE SET name=excluded.name, enabled=excluded.enabled`,
		ch.ID, ch.TenantID, ch.Code, ch.Name, ch.Enabled)
	return err
}

func (r Repo) GetChannelByCodeTx(ctx context.Context, tx *sql.Tx, tenantID, code string) (domain.EventChannel, error) {
	var ch domain.EventChannel
	err := tx.QueryRowContext(ctx,
		`SELECT id,tenant_id,code,name,enabled FROM event_channels WHERE tenant_id=? AND code=?`, tenantID, code).
		Scan(&ch.ID, &ch.TenantID, &ch.Code, &ch.Name, &ch.Enabled)
	if err == sql.ErrNoRows {
		return ch, ErrNotFound
	}
	return ch, err
}

func (r Repo) ListChannels(ctx context.Context, tenantID string) ([]domain.EventChannel, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,tenant_id,code,name,enabled FROM event_channels WHERE tenant_id=? ORDER BY code`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EventChannel
	for rows.Next() {
		var ch domain.EventChannel
		if err := rows.Scan(&ch.ID, &ch.TenantID, &ch.Code, &ch.Name, &ch.Enabled); err != nil {
			return nil, err
		}
		res = append(res, ch)
	}
	return res, rows.Err()
}

func (r Repo) SetChannelEnabled(ctx context.Context, tenantID, code string, enabled bool) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE event_channels SET enabled=? WHERE tenant_id=? AND code=?`, enabled, tenantID, code)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertEventTypeTx(ctx context.Context, tx *sql.Tx, et domain.EventType) error {
	var existing string
	err := tx.QueryRowContext(ctx, `SELECT id FROM event_types WHERE channel_id=? AND code=?`, et.ChannelID, et.Code).Scan(&existing)
	if err == sql.ErrNoRows {
		_, err := tx.ExecContext(ctx, `INSERT INTO event_types(id,channel_id,code,name,enabled) VALUES (?,?,?,?,?)`,
			et.ID, et.ChannelID, et.Code, et.Name, et.Enabled)
		return err
	}
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE event_types SET name=?, enabled=? WHERE id=?`, et.Name, et.Enabled, existing)
	return err
}

// ResolvedEventType joins a type with its channel's enabled flag.
type ResolvedEventType struct {
	domain.EventType
	ChannelCode    string
	ChannelEnabled bool
}

func scanResolvedEventType(row *sql.Row) (ResolvedEventType, error) {
	var et ResolvedEventType
	err := row.Scan(&et.ID, &et.ChannelID, &et.Code, &et.Name, &et.Enabled, &et.ChannelCode, &et.ChannelEnabled)
	if err == sql.ErrNoRows {
		return et, ErrNotFound
	}
	return et, err
}

const resolvedTypeQuery = `SELECT t.id,t.channel_id,t.code,t.name,t.enabled,c.code,c.enabled
	FROM event_types t JOIN event_channels c ON c.id=t.channel_id
	WHERE c.tenant_id=? AND t.code=?`

func (r Repo) GetEventTypeByCode(ctx context.Context, tenantID, code string) (ResolvedEventType, error) {
	return scanResolvedEventType(r.DB.QueryRowContext(ctx, resolvedTypeQuery, tenantID, code))
}

func (r Repo) GetEventTypeByCodeTx(ctx context.Context, tx *sql.Tx, tenantID, code string) (ResolvedEventType, error) {
	return scanResolvedEventType(tx.QueryRowContext(ctx, resolvedTypeQuery, tenantID, code))
}

func (r Repo) ListEventTypes(ctx context.Context, tenantID string) ([]ResolvedEventType, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT t.id,t.channel_id,t.code,t.name,t.enabled,c.code,c.enabled
		FROM event_types t JOIN event_channels c ON c.id=t.channel_id
		WHERE c.tenant_id=? ORDER BY c.code, t.code`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ResolvedEventType
	for rows.Next() {
		var et ResolvedEventType
		if err := rows.Scan(&et.ID, &et.ChannelID, &et.Code, &et.Name, &et.Enabled, &et.ChannelCode, &et.ChannelEnabled); err != nil {
			return nil, err
		}
		res = append(res, et)
	}
	return res, rows.Err()
}

func (r Repo) SetEventTypeEnabled(ctx context.Context, tenantID, code string, enabled bool) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE event_types SET enabled=? WHERE code=? AND channel_id IN (SELECT id FROM event_channels WHERE tenant_id=?)`,
		enabled, code, tenantID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const handlerCols = `id,event_type_id,handler_type,config_json,priority,enabled,max_retries,retry_delay_ms,filter_expr`

func (r Repo) InsertHandlerTx(ctx context.Context, tx *sql.Tx, h domain.EventHandler) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO event_handlers(`+handlerCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		h.ID, h.EventTypeID, h.Type, h.ConfigJSON, h.Priority, h.Enabled, h.MaxRetries, h.RetryDelayMs, h.FilterExpr)
	return err
}

func (r Repo) UpdateHandler(ctx context.Context, h domain.EventHandler) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE event_handlers SET config_json=?, priority=?, enabled=?, max_retries=?, retry_delay_ms=?, filter_expr=? WHERE id=?`,
		h.ConfigJSON, h.Priority, h.Enabled, h.MaxRetries, h.RetryDelayMs, h.FilterExpr, h.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteHandler(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM event_handlers WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetHandler(ctx context.Context, id string) (domain.EventHandler, error) {
	var h domain.EventHandler
	err := r.DB.QueryRowContext(ctx, `SELECT `+handlerCols+` FROM event_handlers WHERE id=?`, id).
		Scan(&h.ID, &h.EventTypeID, &h.Type, &h.ConfigJSON, &h.Priority, &h.Enabled, &h.MaxRetries, &h.RetryDelayMs, &h.FilterExpr)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	return h, err
}

// HandlersForType returns enabled handlers in deterministic execution order.
func (r Repo) HandlersForType(ctx context.Context, eventTypeID string) ([]domain.EventHandler, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+handlerCols+` FROM event_handlers WHERE event_type_id=? AND enabled=1 ORDER BY priority, id`, eventTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHandlers(rows)
}

func (r Repo) ListHandlers(ctx context.Context, tenantID string) ([]domain.EventHandler, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT h.id,h.event_type_id,h.handler_type,h.config_json,h.priority,h.enabled,h.max_retries,h.retry_delay_ms,h.filter_expr
		FROM event_handlers h
		JOIN event_types t ON t.id=h.event_type_id
		JOIN event_channels c ON c.id=t.channel_id
		WHERE c.tenant_id=? ORDER BY t.code, h.priority, h.id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHandlers(rows)
}

func collectHandlers(rows *sql.Rows) ([]domain.EventHandler, error) {
	var res []domain.EventHandler
	for rows.Next() {
		var h domain.EventHandler
		if err := rows.Scan(&h.ID, &h.EventTypeID, &h.Type, &h.ConfigJSON, &h.Priority, &h.Enabled, &h.MaxRetries, &h.RetryDelayMs, &h.FilterExpr); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

const eventCols = `id,tenant_id,event_type,payload_json,source,actor_id,correlation_id,causation_id,status,error,created_at,processed_at`

func (r Repo) InsertWorkflowEventTx(ctx context.Context, tx *sql.Tx, ev domain.WorkflowEvent) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_events(tenant_id,event_type,payload_json,source,actor_id,correlation_id,causation_id,status,error,created_at,processed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ev.TenantID, ev.EventType, ev.PayloadJSON, ev.Source, ev.ActorID, ev.CorrelationID, ev.CausationID, ev.Status, ev.Error, ev.CreatedAt, ev.ProcessedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanEvent(row *sql.Row) (domain.WorkflowEvent, error) {
	var ev domain.WorkflowEvent
	var processed sql.NullString
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.EventType, &ev.PayloadJSON, &ev.Source, &ev.ActorID, &ev.CorrelationID, &ev.CausationID, &ev.Status, &ev.Error, &ev.CreatedAt, &processed)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	ev.ProcessedAt = optional(processed)
	return ev, err
}

func (r Repo) GetWorkflowEvent(ctx context.Context, tenantID string, id int64) (domain.WorkflowEvent, error) {
	return scanEvent(r.DB.QueryRowContext(ctx,
		`SELECT `+eventCols+` FROM workflow_events WHERE id=? AND tenant_id=?`, id, tenantID))
}

// PendingEvents returns the oldest PENDING events, oldest first.
func (r Repo) PendingEvents(ctx context.Context, limit int) ([]domain.WorkflowEvent, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+eventCols+` FROM workflow_events WHERE status=? ORDER BY id LIMIT ?`, domain.EventPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListEvents pages events for a tenant after a cursor id.
func (r Repo) ListEvents(ctx context.Context, tenantID string, afterID int64, limit int) ([]domain.WorkflowEvent, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+eventCols+` FROM workflow_events WHERE tenant_id=? AND id>? ORDER BY id LIMIT ?`, tenantID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]domain.WorkflowEvent, error) {
	var res []domain.WorkflowEvent
	for rows.Next() {
		var ev domain.WorkflowEvent
		var processed sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.EventType, &ev.PayloadJSON, &ev.Source, &ev.ActorID, &ev.CorrelationID, &ev.CausationID, &ev.Status, &ev.Error, &ev.CreatedAt, &processed); err != nil {
			return nil, err
		}
		ev.ProcessedAt = optional(processed)
		res = append(res, ev)
	}
	return res, rows.Err()
}

// ClaimEvent flips a PENDING event to PROCESSING. Returns ErrNotFound when the
// event was already claimed, which makes concurrent workers safe.
func (r Repo) ClaimEvent(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE workflow_events SET status=? WHERE id=? AND status=?`,
		domain.EventProcessing, id, domain.EventPending)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) FinishEvent(ctx context.Context, id int64, status, errMsg, processedAt string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE workflow_events SET status=?, error=?, processed_at=? WHERE id=?`,
		status, errMsg, processedAt, id)
	return err
}

const executionCols = `id,event_id,handler_id,status,input_json,output_json,error,started_at,finished_at,duration_ms`

func (r Repo) InsertExecution(ctx context.Context, e domain.HandlerExecution) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO handler_executions(`+executionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.EventID, e.HandlerID, e.Status, e.InputJSON, e.OutputJSON, e.Error, e.StartedAt, e.FinishedAt, e.DurationMs)
	return err
}

func (r Repo) UpdateExecution(ctx context.Context, e domain.HandlerExecution) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE handler_executions SET status=?, output_json=?, error=?, finished_at=?, duration_ms=? WHERE id=?`,
		e.Status, e.OutputJSON, e.Error, e.FinishedAt, e.DurationMs, e.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.HandlerExecution, error) {
	var e domain.HandlerExecution
	var finished sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT `+executionCols+` FROM handler_executions WHERE id=?`, id).
		Scan(&e.ID, &e.EventID, &e.HandlerID, &e.Status, &e.InputJSON, &e.OutputJSON, &e.Error, &e.StartedAt, &finished, &e.DurationMs)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.FinishedAt = optional(finished)
	return e, err
}

func (r Repo) ListExecutions(ctx context.Context, eventID int64) ([]domain.HandlerExecution, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+executionCols+` FROM handler_executions WHERE event_id=? ORDER BY started_at, id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HandlerExecution
	for rows.Next() {
		var e domain.HandlerExecution
		var finished sql.NullString
		if err := rows.Scan(&e.ID, &e.EventID, &e.HandlerID, &e.Status, &e.InputJSON, &e.OutputJSON, &e.Error, &e.StartedAt, &finished, &e.DurationMs); err != nil {
			return nil, err
		}
		e.FinishedAt = optional(finished)
		res = append(res, e)
	}
	return res, rows.Err()
}
