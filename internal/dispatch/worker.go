package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"homeline/internal/repo"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultBatch        = 100
)

// Worker polls for PENDING events and feeds them through the dispatcher.
// Claiming makes it safe to run more than one.
type Worker struct {
	Dispatcher *Dispatcher
	Interval   time.Duration
	Batch      int
	Log        *zap.Logger
}

func NewWorker(d *Dispatcher, interval time.Duration, batch int, log *zap.Logger) *Worker {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if batch <= 0 {
		batch = defaultBatch
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{Dispatcher: d, Interval: interval, Batch: batch, Log: log}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for {
		pending, err := w.Dispatcher.Repo.PendingEvents(ctx, w.Batch)
		if err != nil {
			w.Log.Error("poll events", zap.Error(err))
			return
		}
		if len(pending) == 0 {
			return
		}
		for _, ev := range pending {
			done, err := w.Dispatcher.Process(ctx, ev)
			if errors.Is(err, repo.ErrNotFound) {
				continue // claimed elsewhere
			}
			if err != nil {
				w.Log.Error("process event", zap.Int64("event", ev.ID), zap.Error(err))
				continue
			}
			w.Log.Info("event processed",
				zap.Int64("event", done.ID),
				zap.String("type", done.EventType),
				zap.String("status", done.Status))
		}
		if len(pending) < w.Batch {
			return
		}
	}
}
