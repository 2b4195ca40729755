package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"homeline/internal/domain"
	"homeline/internal/repo"
)

// Emitter appends workflow events inside the mutation's transaction, so an
// event exists if and only if its mutation committed. Rows start PENDING and
// are picked up by the dispatch worker after commit.
type Emitter struct {
	Repo repo.Repo
	Now  func() time.Time
}

type Payload map[string]any

type causationKey struct{}

// WithCausation marks the context with the event that caused the work in
// flight. Events emitted under it record that event's id as their causation,
// which links handler-triggered transitions back to the event that drove them.
func WithCausation(ctx context.Context, eventID int64) context.Context {
	return context.WithValue(ctx, causationKey{}, eventID)
}

func causationFrom(ctx context.Context) string {
	if id, ok := ctx.Value(causationKey{}).(int64); ok && id > 0 {
		return strconv.FormatInt(id, 10)
	}
	return ""
}

// ErrUnknownType is returned by EmitStrict for event types the tenant never
// registered.
var ErrUnknownType = errors.New("unknown event type")

// ErrDisabled is returned by EmitStrict when the type or its channel is
// switched off.
var ErrDisabled = errors.New("event type disabled")

// Emit records an event for internal workflow transitions. Unregistered or
// disabled types are dropped silently; transitions never fail because a tenant
// muted a channel. Returns 0 when dropped.
func (e Emitter) Emit(ctx context.Context, tx *sql.Tx, tenantID, eventType string, payload Payload, source, actorID, correlationID string) (int64, error) {
	et, err := e.Repo.GetEventTypeByCodeTx(ctx, tx, tenantID, eventType)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !et.Enabled || !et.ChannelEnabled {
		return 0, nil
	}
	return e.append(ctx, tx, tenantID, eventType, payload, source, actorID, correlationID)
}

// EmitStrict records an externally requested event and rejects unknown or
// disabled types.
func (e Emitter) EmitStrict(ctx context.Context, tx *sql.Tx, tenantID, eventType string, payload Payload, source, actorID, correlationID string) (int64, error) {
	et, err := e.Repo.GetEventTypeByCodeTx(ctx, tx, tenantID, eventType)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownType, eventType)
	}
	if err != nil {
		return 0, err
	}
	if !et.Enabled || !et.ChannelEnabled {
		return 0, fmt.Errorf("%w: %s", ErrDisabled, eventType)
	}
	return e.append(ctx, tx, tenantID, eventType, payload, source, actorID, correlationID)
}

func (e Emitter) append(ctx context.Context, tx *sql.Tx, tenantID, eventType string, payload Payload, source, actorID, correlationID string) (int64, error) {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	return e.Repo.InsertWorkflowEventTx(ctx, tx, domain.WorkflowEvent{
		TenantID:      tenantID,
		EventType:     eventType,
		PayloadJSON:   string(data),
		Source:        source,
		ActorID:       actorID,
		CorrelationID: correlationID,
		CausationID:   causationFrom(ctx),
		Status:        domain.EventPending,
		CreatedAt:     now().UTC().Format(time.RFC3339),
	})
}
