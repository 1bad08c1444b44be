package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MediaDownloader fetches inbound WhatsApp media to a local file.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, mediaID, mediaType, senderID string) (string, error)
}

// BlobPutter stores a local file under a reference.
type BlobPutter interface {
	Put(ctx context.Context, localPath, ref string) error
}

// Indexer records a processed document for later search.
type Indexer interface {
	AddDocument(ctx context.Context, userID, content, blobPath, filename string) error
}

// Notifier sends a text message back to the user.
type Notifier interface {
	SendText(ctx context.Context, recipientID, text string) (string, error)
}

// Worker runs the document pipeline: download the media, store the blob,
// index it, and tell the user. Every step appends a checkpoint to the job
// record.
type Worker struct {
	store      *Store
	downloader MediaDownloader
	blobs      BlobPutter
	index      Indexer
	notifier   Notifier
	logger     *slog.Logger
}

// WorkerDeps bundles the worker's collaborators.
type WorkerDeps struct {
	Store      *Store
	Downloader MediaDownloader
	Blobs      BlobPutter
	Index      Indexer
	Notifier   Notifier
	Logger     *slog.Logger
}

// NewWorker validates deps and returns a worker.
func NewWorker(deps WorkerDeps) (*Worker, error) {
	if deps.Store == nil || deps.Downloader == nil || deps.Blobs == nil || deps.Index == nil || deps.Notifier == nil {
		return nil, fmt.Errorf("jobs: worker requires store, downloader, blobs, index and notifier")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Worker{
		store:      deps.Store,
		downloader: deps.Downloader,
		blobs:      deps.Blobs,
		index:      deps.Index,
		notifier:   deps.Notifier,
		logger:     deps.Logger,
	}, nil
}

// ProcessDocument handles one dequeued document job. It satisfies
// DocumentHandler. A redelivered message reuses the existing job record,
// and the user is not notified of the same failure twice.
func (w *Worker) ProcessDocument(ctx context.Context, payload DocumentJob) error {
	job := NewJob(payload)
	redelivery := false
	if _, err := w.store.Get(ctx, job.ID); err == nil {
		redelivery = true
		w.checkpoint(ctx, job.ID, "Reprocessing after redelivery.")
		if err := w.store.UpdateStatus(ctx, job.ID, StatusInProgress); err != nil {
			return err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	} else if err := w.store.Create(ctx, job); err != nil {
		return err
	}
	w.logger.Info("processing document job", "job_id", job.ID, "doc_id", payload.DocID, "redelivery", redelivery)

	if payload.DocMime != "application/pdf" {
		w.checkpoint(ctx, job.ID, fmt.Sprintf("Unsupported document type: %s", payload.DocMime))
		w.finish(ctx, job.ID, StatusFailed)
		w.notify(ctx, payload.SenderID,
			"I can only process PDF documents at the moment. Please send your invoice as a PDF.")
		return nil
	}

	reply, err := w.runPipeline(ctx, job.ID, payload)
	if err != nil {
		w.checkpoint(ctx, job.ID, fmt.Sprintf("Failed: %v", err))
		w.finish(ctx, job.ID, StatusFailed)
		if !redelivery {
			w.notify(ctx, payload.SenderID, "I received your document but had trouble processing it.")
		}
		return err
	}

	w.finish(ctx, job.ID, StatusDone)
	w.notify(ctx, payload.SenderID, reply)
	return nil
}

func (w *Worker) runPipeline(ctx context.Context, jobID string, payload DocumentJob) (string, error) {
	w.checkpoint(ctx, jobID, "Downloading document from WhatsApp...")
	localPath, err := w.downloader.DownloadMedia(ctx, payload.DocID, "document", payload.SenderID)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	defer os.Remove(localPath)
	w.checkpoint(ctx, jobID, "Downloaded document.")

	blobRef := documentBlobRef(payload)
	w.checkpoint(ctx, jobID, fmt.Sprintf("Storing document at %s...", blobRef))
	if err := w.blobs.Put(ctx, localPath, blobRef); err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	w.checkpoint(ctx, jobID, "Stored document.")

	content := documentSummary(payload)
	w.checkpoint(ctx, jobID, "Indexing the document...")
	if err := w.index.AddDocument(ctx, payload.SenderID, content, blobRef, payload.DocFilename); err != nil {
		return "", fmt.Errorf("index document: %w", err)
	}
	w.checkpoint(ctx, jobID, "Indexed the document.")

	return fmt.Sprintf("I've received your PDF document and processed it.\n*Summary:* %s", content), nil
}

func (w *Worker) checkpoint(ctx context.Context, jobID, message string) {
	if err := w.store.AppendLog(ctx, jobID, message); err != nil {
		w.logger.Warn("failed to append job log", "job_id", jobID, "error", err)
	}
}

func (w *Worker) finish(ctx context.Context, jobID string, status Status) {
	if err := w.store.UpdateStatus(ctx, jobID, status); err != nil {
		w.logger.Warn("failed to update job status", "job_id", jobID, "status", status, "error", err)
	}
}

func (w *Worker) notify(ctx context.Context, recipientID, text string) {
	if _, err := w.notifier.SendText(ctx, recipientID, text); err != nil {
		w.logger.Error("failed to notify user", "recipient", recipientID, "error", err)
	}
}

// documentBlobRef keys stored documents by sender and content hash so a
// re-sent file overwrites its earlier copy.
func documentBlobRef(payload DocumentJob) string {
	name := payload.DocFilename
	if name == "" {
		name = payload.DocID + ".pdf"
	}
	hash := payload.DocSHA256
	if hash == "" {
		hash = payload.DocID
	}
	return fmt.Sprintf("documents/%s/%s_%s", payload.SenderID, hash, filepath.Base(name))
}

// documentSummary builds the indexed summary line from what the message
// carries. Text extraction is out of scope; caption and filename are what
// the user searches by.
func documentSummary(payload DocumentJob) string {
	parts := []string{fmt.Sprintf("Filename: %s", payload.DocFilename)}
	if payload.DocCaption != "" {
		parts = append(parts, fmt.Sprintf("Caption: %s", payload.DocCaption))
	}
	parts = append(parts, fmt.Sprintf("Received: %s", time.Now().UTC().Format("2006-01-02")))
	return strings.Join(parts, " ")
}
