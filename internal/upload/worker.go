package upload

import (
	"context"
	"log/slog"
	"time"
)

// Passer runs one upload pass.
type Passer interface {
	RunPass(ctx context.Context, sessionID string) (PassResult, error)
}

// Worker drives upload passes on a poll interval, on demand via Trigger, and
// whenever the online channel fires.
type Worker struct {
	pipeline Passer
	poll     time.Duration
	online   <-chan struct{}
	trigger  chan struct{}
	logger   *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 30s.
// online may be nil.
func NewWorker(p Passer, pollInterval time.Duration, online <-chan struct{}) *Worker {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Worker{
		pipeline: p,
		poll:     pollInterval,
		online:   online,
		trigger:  make(chan struct{}, 1),
		logger:   slog.Default(),
	}
}

// Trigger requests a pass as soon as possible. Multiple calls before the
// worker wakes collapse into one pass.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run performs passes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.trigger:
		case <-w.online:
			w.logger.Info("connectivity restored, running upload pass")
		}
		w.RunOnce(ctx)
	}
}

// RunOnce runs a single pass over every session's pending clips.
func (w *Worker) RunOnce(ctx context.Context) PassResult {
	res, err := w.pipeline.RunPass(ctx, "")
	if err != nil && ctx.Err() == nil {
		w.logger.Error("upload pass failed", "error", err)
	}
	return res
}
