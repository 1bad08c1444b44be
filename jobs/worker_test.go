package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeDownloader struct {
	path string
	err  error
}

func (f *fakeDownloader) DownloadMedia(ctx context.Context, mediaID, mediaType, senderID string) (string, error) {
	return f.path, f.err
}

type fakeBlobs struct {
	putRef string
	err    error
}

func (f *fakeBlobs) Put(ctx context.Context, localPath, ref string) error {
	f.putRef = ref
	return f.err
}

type fakeIndexer struct {
	userID  string
	content string
	blob    string
	err     error
}

func (f *fakeIndexer) AddDocument(ctx context.Context, userID, content, blobPath, filename string) error {
	f.userID = userID
	f.content = content
	f.blob = blobPath
	return f.err
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) SendText(ctx context.Context, recipientID, text string) (string, error) {
	f.messages = append(f.messages, text)
	return "wamid.out", nil
}

func tempPDF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.pdf")
	if err := os.WriteFile(path, []byte("%PDF-"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func newTestWorker(t *testing.T, deps WorkerDeps) (*Worker, *Store) {
	t.Helper()
	store := newTestJobStore(t)
	deps.Store = store
	w, err := NewWorker(deps)
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	return w, store
}

func TestWorker_ProcessDocument(t *testing.T) {
	blobs := &fakeBlobs{}
	indexer := &fakeIndexer{}
	notifier := &fakeNotifier{}
	w, store := newTestWorker(t, WorkerDeps{
		Downloader: &fakeDownloader{path: tempPDF(t)},
		Blobs:      blobs,
		Index:      indexer,
		Notifier:   notifier,
	})

	if err := w.ProcessDocument(context.Background(), samplePayload()); err != nil {
		t.Fatalf("ProcessDocument failed: %v", err)
	}

	list, err := store.ListRecent(context.Background(), 1)
	if err != nil || len(list) != 1 {
		t.Fatalf("Expected 1 job record, got %d (err=%v)", len(list), err)
	}
	job := list[0]
	if job.Status != StatusDone {
		t.Errorf("Expected done, got %s", job.Status)
	}
	if len(job.Logs) == 0 {
		t.Error("Expected progress checkpoints in the job log")
	}

	if indexer.userID != "user-1" {
		t.Errorf("Indexed under wrong user: %q", indexer.userID)
	}
	if !strings.Contains(indexer.content, "acme-june.pdf") || !strings.Contains(indexer.content, "June invoice") {
		t.Errorf("Summary missing filename or caption: %q", indexer.content)
	}
	if indexer.blob != blobs.putRef {
		t.Errorf("Indexed blob path %q does not match stored ref %q", indexer.blob, blobs.putRef)
	}
	if !strings.HasPrefix(blobs.putRef, "documents/user-1/") {
		t.Errorf("Blob ref not scoped to the sender: %q", blobs.putRef)
	}

	if len(notifier.messages) != 1 || !strings.Contains(notifier.messages[0], "processed") {
		t.Errorf("Expected a success notification, got %v", notifier.messages)
	}
}

func TestWorker_UnsupportedMimeType(t *testing.T) {
	notifier := &fakeNotifier{}
	w, store := newTestWorker(t, WorkerDeps{
		Downloader: &fakeDownloader{path: "unused"},
		Blobs:      &fakeBlobs{},
		Index:      &fakeIndexer{},
		Notifier:   notifier,
	})

	payload := samplePayload()
	payload.DocMime = "image/png"

	if err := w.ProcessDocument(context.Background(), payload); err != nil {
		t.Fatalf("Unsupported types are not worker errors, got %v", err)
	}

	list, _ := store.ListRecent(context.Background(), 1)
	if list[0].Status != StatusFailed {
		t.Errorf("Expected failed, got %s", list[0].Status)
	}
	if len(notifier.messages) != 1 || !strings.Contains(notifier.messages[0], "PDF") {
		t.Errorf("Expected a PDF-only notice, got %v", notifier.messages)
	}
}

func TestWorker_DownloadFailure(t *testing.T) {
	notifier := &fakeNotifier{}
	w, store := newTestWorker(t, WorkerDeps{
		Downloader: &fakeDownloader{err: errors.New("media expired")},
		Blobs:      &fakeBlobs{},
		Index:      &fakeIndexer{},
		Notifier:   notifier,
	})

	if err := w.ProcessDocument(context.Background(), samplePayload()); err == nil {
		t.Fatal("Expected the download error to propagate for requeueing")
	}

	list, _ := store.ListRecent(context.Background(), 1)
	if list[0].Status != StatusFailed {
		t.Errorf("Expected failed, got %s", list[0].Status)
	}
	if len(notifier.messages) != 1 || !strings.Contains(notifier.messages[0], "trouble") {
		t.Errorf("Expected a failure notice, got %v", notifier.messages)
	}
}

type flakyDownloader struct {
	path  string
	calls int
}

func (f *flakyDownloader) DownloadMedia(ctx context.Context, mediaID, mediaType, senderID string) (string, error) {
	f.calls++
	if f.calls == 1 {
		return "", errors.New("media server hiccup")
	}
	return f.path, nil
}

func TestNewJob_IDDerivedFromMessage(t *testing.T) {
	payload := samplePayload()
	if NewJob(payload).ID != NewJob(payload).ID {
		t.Error("Same message should map to the same job ID")
	}

	other := samplePayload()
	other.MessageID = "wamid.other"
	if NewJob(payload).ID == NewJob(other).ID {
		t.Error("Different messages should map to different job IDs")
	}
}

func TestWorker_RedeliveryReusesJob(t *testing.T) {
	notifier := &fakeNotifier{}
	w, store := newTestWorker(t, WorkerDeps{
		Downloader: &flakyDownloader{path: tempPDF(t)},
		Blobs:      &fakeBlobs{},
		Index:      &fakeIndexer{},
		Notifier:   notifier,
	})
	payload := samplePayload()

	if err := w.ProcessDocument(context.Background(), payload); err == nil {
		t.Fatal("First delivery should fail and be requeued")
	}
	if err := w.ProcessDocument(context.Background(), payload); err != nil {
		t.Fatalf("Redelivery failed: %v", err)
	}

	list, err := store.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("Redelivery must reuse the job record, got %d records", len(list))
	}
	job := list[0]
	if job.Status != StatusDone {
		t.Errorf("Expected done after the retry, got %s", job.Status)
	}
	var reprocessed bool
	for _, entry := range job.Logs {
		if strings.Contains(entry.Message, "redelivery") {
			reprocessed = true
		}
	}
	if !reprocessed {
		t.Error("Expected a redelivery checkpoint in the job log")
	}

	if len(notifier.messages) != 2 {
		t.Fatalf("Expected one failure notice and one success notice, got %v", notifier.messages)
	}
	if !strings.Contains(notifier.messages[0], "trouble") || !strings.Contains(notifier.messages[1], "processed") {
		t.Errorf("Unexpected notifications: %v", notifier.messages)
	}
}

func TestWorker_RedeliveredFailureNotifiesOnce(t *testing.T) {
	notifier := &fakeNotifier{}
	w, store := newTestWorker(t, WorkerDeps{
		Downloader: &fakeDownloader{err: errors.New("media expired")},
		Blobs:      &fakeBlobs{},
		Index:      &fakeIndexer{},
		Notifier:   notifier,
	})
	payload := samplePayload()

	for i := 0; i < 2; i++ {
		if err := w.ProcessDocument(context.Background(), payload); err == nil {
			t.Fatalf("Delivery %d should fail", i+1)
		}
	}

	list, _ := store.ListRecent(context.Background(), 10)
	if len(list) != 1 {
		t.Fatalf("Expected one job record, got %d", len(list))
	}
	if len(notifier.messages) != 1 {
		t.Errorf("The user should hear about a failure once, got %v", notifier.messages)
	}
}

func TestWorker_DepsValidation(t *testing.T) {
	if _, err := NewWorker(WorkerDeps{}); err == nil {
		t.Fatal("Expected an error for missing dependencies")
	}
}
