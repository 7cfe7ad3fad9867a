package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/talesync/talesync/internal/storage"
)

// Dispatcher is the outbound worker call the task worker depends on.
type Dispatcher interface {
	Dispatch(ctx context.Context, memoryID, audioURL string) error
}

// WorkerURLResolver resolves the audio URL handed to the external worker.
type WorkerURLResolver interface {
	WorkerURL(mem *storage.Memory) (string, error)
}

// Rebuilder recomputes a memory's similarity chain.
type Rebuilder interface {
	Rebuild(ctx context.Context, memoryID string) error
}

// Worker drains the job queue: worker dispatches and chain rebuilds
// run here, detached from the requests that scheduled them. Failures
// are only observable through the memory record and logs.
type Worker struct {
	store      *storage.Store
	dispatcher Dispatcher
	resolver   WorkerURLResolver
	chains     Rebuilder
	poll       time.Duration
	logger     *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store *storage.Store, dispatcher Dispatcher, resolver WorkerURLResolver, chains Rebuilder, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:      store,
		dispatcher: dispatcher,
		resolver:   resolver,
		chains:     chains,
		poll:       pollInterval,
		logger:     slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobDispatchWorker, JobChainRebuild})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload jobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	switch job.Type {
	case JobDispatchWorker:
		return w.dispatchWorker(ctx, payload.MemoryID)
	case JobChainRebuild:
		return w.chains.Rebuild(ctx, payload.MemoryID)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

// dispatchWorker resolves a worker-safe audio URL and calls the
// external worker. Any failure lands on the memory record as
// status=failed with the error text; the user sees it there and may
// retry explicitly.
func (w *Worker) dispatchWorker(ctx context.Context, memoryID string) error {
	mem, err := w.store.GetMemory(memoryID)
	if err != nil {
		if err == storage.ErrNotFound {
			// Deleted while queued; nothing to do.
			return nil
		}
		return fmt.Errorf("loading memory %s: %w", memoryID, err)
	}

	audioURL, err := w.resolver.WorkerURL(&mem)
	if err == nil {
		err = w.dispatcher.Dispatch(ctx, mem.ID, audioURL)
	}
	if err != nil {
		if failErr := w.store.MarkFailed(mem.ID, err.Error()); failErr != nil {
			w.logger.Error("recording dispatch failure", "memory_id", mem.ID, "error", failErr)
		}
		return fmt.Errorf("dispatching memory %s: %w", mem.ID, err)
	}
	return nil
}
