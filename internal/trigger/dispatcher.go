package trigger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	// ErrNotTriggered is returned for events the definition does not accept.
	ErrNotTriggered = errors.New("event does not trigger the workflow")
	// ErrRunInProgress is returned when an accepted event arrives while a run
	// is still executing.
	ErrRunInProgress = errors.New("a sync run is already in progress")
)

// Job is the work started by an accepted event.
type Job func(ctx context.Context, ev Event) error

// Dispatcher starts Job for accepted events, one run at a time.
type Dispatcher struct {
	def    *Definition
	job    Job
	lookup func(string) (string, bool)
	mu     sync.Mutex
}

// NewDispatcher returns a Dispatcher that checks secrets against the process
// environment.
func NewDispatcher(def *Definition, job Job) *Dispatcher {
	return &Dispatcher{def: def, job: job, lookup: os.LookupEnv}
}

// Fire runs the job for ev and returns its error. The run is refused when ev
// is not accepted, a secret is missing, or another run holds the lock.
func (d *Dispatcher) Fire(ctx context.Context, ev Event) error {
	logCtx := slog.With("event", string(ev.Kind), "cron", ev.Cron, "paths", ev.Paths)

	if !d.def.Accepts(ev) {
		logCtx.Debug("Event ignored.")
		return ErrNotTriggered
	}
	if err := d.def.RequiredEnv(d.lookup); err != nil {
		logCtx.Error("Refusing to start run.", "error", err)
		return err
	}
	if !d.mu.TryLock() {
		logCtx.Warn("Run already in progress, skipping event.")
		return ErrRunInProgress
	}
	defer d.mu.Unlock()

	start := time.Now()
	logCtx.Info("Starting sync run.")
	if err := d.job(ctx, ev); err != nil {
		logCtx.Error("Sync run failed.", "error", err, "duration", time.Since(start).String())
		return err
	}
	logCtx.Info("Sync run finished.", "duration", time.Since(start).String())
	return nil
}
