package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"homeline/internal/engine"
	"homeline/internal/repo"
)

// idempotent gives a mutating operation replay semantics: a key already seen
// for this (tenant, operation) returns the stored response without running the
// call again. An empty key runs the call directly. Failed calls store nothing,
// so the key stays usable for a retry.
func idempotent[T any](ctx context.Context, e engine.Engine, tenantID, operation, key string, call func() (T, error)) (T, error) {
	var zero T
	if key == "" {
		return call()
	}
	stored, err := e.Repo.GetIdempotentResponse(ctx, tenantID, operation, key)
	if err == nil {
		var out T
		if err := json.Unmarshal([]byte(stored), &out); err == nil {
			return out, nil
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return zero, err
	}
	out, err := call()
	if err != nil {
		return zero, err
	}
	if raw, err := json.Marshal(out); err == nil {
		_ = e.Repo.SaveIdempotentResponse(ctx, tenantID, operation, key,
			string(raw), time.Now().UTC().Format(time.RFC3339))
	}
	return out, nil
}
