package generation

import (
	"context"
	"log/slog"
	"time"

	"github.com/agenr/agenr/pkg/adapters"
)

// Generator produces adapter spec source for a platform. Progress lines go
// through logf so they land in the job record as they happen.
type Generator interface {
	Generate(ctx context.Context, platform string, logf func(line string)) ([]byte, error)
}

// Worker drains the job queue one job at a time. Generated adapters land in
// the owner's sandbox slot and the registry is synced so they are usable
// immediately.
type Worker struct {
	jobs      *Store
	adapters  *adapters.Store
	registry  *adapters.Registry
	generator Generator
	interval  time.Duration
	log       *slog.Logger
}

func NewWorker(jobs *Store, adapterStore *adapters.Store, registry *adapters.Registry, generator Generator, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Worker{
		jobs:      jobs,
		adapters:  adapterStore,
		registry:  registry,
		generator: generator,
		interval:  interval,
		log:       slog.Default().With("component", "generation"),
	}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
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
		if ctx.Err() != nil {
			return
		}
		job, err := w.jobs.ClaimNext(ctx)
		if err != nil {
			w.log.Error("claim generation job", "error", err)
			return
		}
		if job == nil {
			return
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	w.log.Info("generation job started", "job_id", job.ID, "platform", job.Platform)

	logf := func(line string) {
		if err := w.jobs.AppendLog(ctx, job.ID, line); err != nil {
			w.log.Warn("append job log", "job_id", job.ID, "error", err)
		}
	}

	source, err := w.generator.Generate(ctx, job.Platform, logf)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		w.log.Warn("generation job failed", "job_id", job.ID, "error", err)
		// Shutdown must still record the failure, so the write gets its own
		// short-lived context.
		failCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if failErr := w.jobs.Fail(failCtx, job.ID, err); failErr != nil {
			w.log.Error("mark job failed", "job_id", job.ID, "error", failErr)
		}
		return
	}

	if _, err := w.adapters.Upload(ctx, job.Platform, job.OwnerKeyID, source); err != nil {
		logf("generated spec rejected: " + err.Error())
		if failErr := w.jobs.Fail(ctx, job.ID, err); failErr != nil {
			w.log.Error("mark job failed", "job_id", job.ID, "error", failErr)
		}
		return
	}
	if err := w.registry.Sync(ctx); err != nil {
		w.log.Warn("registry sync after generation", "error", err)
	}

	if err := w.jobs.Complete(ctx, job.ID, string(source)); err != nil {
		w.log.Error("mark job complete", "job_id", job.ID, "error", err)
		return
	}
	w.log.Info("generation job complete", "job_id", job.ID, "platform", job.Platform)
}
