// Package ingest runs the background job that turns stored knowledge-base
// documents into embedded, searchable chunks.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/leadbot/internal/retrieval"
	"github.com/kalambet/leadbot/internal/storage"
)

// JobDocumentEmbed is the job type that chunks and embeds one document.
const JobDocumentEmbed = "document_embed"

// JobStore abstracts the job queue and document operations the worker needs.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetDocument(id string) (storage.Document, error)
	UpdateDocumentChunkCount(id string, n int) error
}

// ChunkEmbedder generates embeddings for a batch of texts, preserving order.
type ChunkEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter replaces the vectors of a document.
type VectorWriter interface {
	Insert(records []retrieval.Record) error
	DeleteByDocument(documentID string) (int, error)
}

// Splitter cuts document text into chunks.
type Splitter interface {
	Split(text string) []string
}

type embedPayload struct {
	DocumentID string `json:"document_id"`
}

// NewDocumentJob returns a queued job that embeds the given document.
func NewDocumentJob(documentID string) (storage.Job, error) {
	payload, err := json.Marshal(embedPayload{DocumentID: documentID})
	if err != nil {
		return storage.Job{}, fmt.Errorf("encoding payload: %w", err)
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        JobDocumentEmbed,
		PayloadJSON: string(payload),
	}, nil
}

// Worker processes document_embed jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	splitter Splitter
	embedder ChunkEmbedder
	vectors  VectorWriter
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, splitter Splitter, embedder ChunkEmbedder, vectors VectorWriter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		splitter: splitter,
		embedder: embedder,
		vectors:  vectors,
		poll:     pollInterval,
		logger:   slog.Default(),
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

// RunOnce claims and processes a single document_embed job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobDocumentEmbed})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
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
	var payload embedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetDocument(payload.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted before the job ran; nothing to embed.
		w.logger.Info("skipping deleted document", "document_id", payload.DocumentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading document %s: %w", payload.DocumentID, err)
	}

	chunks := w.splitter.Split(doc.Content)
	vecs, err := w.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}

	now := time.Now().UTC()
	records := make([]retrieval.Record, len(chunks))
	for i, chunk := range chunks {
		records[i] = retrieval.Record{
			ID:         uuid.New().String(),
			Namespace:  doc.ClientID,
			DocumentID: doc.ID,
			TextChunk:  chunk,
			Embedding:  vecs[i],
			Tags:       doc.Tags,
			CreatedAt:  now,
		}
	}

	// A retried job must not leave duplicates from an earlier attempt.
	if _, err := w.vectors.DeleteByDocument(doc.ID); err != nil {
		return fmt.Errorf("clearing old chunks: %w", err)
	}
	if len(records) > 0 {
		if err := w.vectors.Insert(records); err != nil {
			return fmt.Errorf("inserting vectors: %w", err)
		}
	}

	err = w.store.UpdateDocumentChunkCount(doc.ID, len(records))
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted while embedding; drop what was just inserted.
		if _, delErr := w.vectors.DeleteByDocument(doc.ID); delErr != nil {
			return fmt.Errorf("removing chunks of deleted document: %w", delErr)
		}
		w.logger.Info("document deleted during embedding", "document_id", doc.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("updating chunk count: %w", err)
	}

	w.logger.Info("document embedded", "document_id", doc.ID, "client_id", doc.ClientID, "chunks", len(records))
	return nil
}
