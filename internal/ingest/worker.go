package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/kalambet/chatflow/internal/storage"
)

// JobTypeRecord is the job type for single-record ingestion.
const JobTypeRecord = "ingest_record"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// JobEnqueuer adds jobs to the queue.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// DocumentLoader writes documents to the vector store.
type DocumentLoader interface {
	Load(ctx context.Context, docs []Document) (Stats, error)
}

// EnqueueDocument validates d and queues it for the worker. It returns the job id.
func EnqueueDocument(ctx context.Context, q JobEnqueuer, d Document) (string, error) {
	d.Normalize(time.Now())
	if err := d.Validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encoding document: %w", err)
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        JobTypeRecord,
		PayloadJSON: string(payload),
	}
	if err := q.EnqueueJob(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Worker processes ingest_record jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	loader DocumentLoader
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, loader DocumentLoader, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		loader: loader,
		poll:   pollInterval,
		logger: slog.Default(),
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

// RunOnce claims and processes a single job. It returns true if a job was
// processed, whether or not it succeeded.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobTypeRecord})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var doc Document
	if err := json.Unmarshal([]byte(job.PayloadJSON), &doc); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	stats, err := w.loader.Load(ctx, []Document{doc})
	if err != nil {
		return fmt.Errorf("loading document: %w", err)
	}
	if stats.Loaded != 1 {
		return fmt.Errorf("%w: record was skipped", ErrInvalidDocument)
	}
	w.logger.Debug("ingested record", "job_id", job.ID, "type", doc.Type)
	return nil
}
