package webhook

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/invobot/invobot"
	"github.com/invobot/invobot/internal/memstore"
	"github.com/invobot/invobot/jobs"
	"github.com/invobot/invobot/providers/mock"
)

type fakeSender struct {
	mu     sync.Mutex
	texts  []string
	sent   chan struct{}
	typing int
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan struct{}, 16)}
}

func (f *fakeSender) SendText(ctx context.Context, recipientID, text string) (string, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	f.sent <- struct{}{}
	return "wamid.out", nil
}

func (f *fakeSender) SendTypingIndicator(ctx context.Context, messageID string) error {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) lastText(t *testing.T) string {
	t.Helper()
	select {
	case <-f.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for an outbound message")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts[len(f.texts)-1]
}

type fakePublisher struct {
	mu       sync.Mutex
	payloads []jobs.DocumentJob
	nudge    chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{nudge: make(chan struct{}, 16)}
}

func (f *fakePublisher) PublishDocument(ctx context.Context, payload jobs.DocumentJob) error {
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	f.mu.Unlock()
	f.nudge <- struct{}{}
	return nil
}

func newTestServer(t *testing.T, sender Sender, publisher DocumentPublisher) *Server {
	t.Helper()
	store := memstore.New()
	registry, err := invobot.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	assistant, err := invobot.New(invobot.Config{
		Provider: mock.New().WithResponse("Hi there!", nil).Repeat(),
		Store:    store,
		Registry: registry,
	})
	if err != nil {
		t.Fatalf("New assistant failed: %v", err)
	}

	srv, err := NewServer(Options{
		Assistant:   assistant,
		Sender:      sender,
		Dedup:       store,
		Publisher:   publisher,
		VerifyToken: "verify-secret",
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv
}

func TestHandleVerify(t *testing.T) {
	srv := newTestServer(t, newFakeSender(), nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=verify-secret&hub.challenge=12345")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	buf := make([]byte, 16)
	n, _ := resp.Body.Read(buf)
	if got := string(buf[:n]); got != "12345" {
		t.Errorf("Expected the challenge echoed back, got %q", got)
	}
}

func TestHandleVerify_WrongToken(t *testing.T) {
	srv := newTestServer(t, newFakeSender(), nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", resp.StatusCode)
	}
}

func textPayload(messageID, body string) string {
	return fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{"id": "1", "changes": [{"field": "messages", "value": {
			"messages": [{"id": %q, "from": "15551234567", "type": "text", "text": {"body": %q}}]
		}}]}]
	}`, messageID, body)
}

func TestHandleWebhook_TextMessage(t *testing.T) {
	sender := newFakeSender()
	srv := newTestServer(t, sender, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/webhook/whatsapp", "application/json",
		strings.NewReader(textPayload("wamid.1", "Hello")))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	if got := sender.lastText(t); got != "Hi there!" {
		t.Errorf("Expected the assistant reply, got %q", got)
	}
}

func TestHandleWebhook_DeduplicatesRedelivery(t *testing.T) {
	sender := newFakeSender()
	srv := newTestServer(t, sender, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Post(ts.URL+"/webhook/whatsapp", "application/json",
			strings.NewReader(textPayload("wamid.same", "Hello")))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		resp.Body.Close()
	}

	sender.lastText(t)
	select {
	case <-sender.sent:
		t.Fatal("Redelivered message was handled twice")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestHandleWebhook_DocumentMessage(t *testing.T) {
	sender := newFakeSender()
	publisher := newFakePublisher()
	srv := newTestServer(t, sender, publisher)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	payload := `{
		"object": "whatsapp_business_account",
		"entry": [{"id": "1", "changes": [{"field": "messages", "value": {
			"messages": [{
				"id": "wamid.doc", "from": "15551234567", "type": "document",
				"document": {"id": "media-1", "mime_type": "application/pdf", "filename": "acme.pdf", "caption": "June"}
			}]
		}}]}]
	}`
	resp, err := http.Post(ts.URL+"/webhook/whatsapp", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()

	select {
	case <-publisher.nudge:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the job publish")
	}

	publisher.mu.Lock()
	job := publisher.payloads[0]
	publisher.mu.Unlock()
	if job.DocID != "media-1" || job.SenderID != "15551234567" || job.DocFilename != "acme.pdf" {
		t.Errorf("Job payload wrong: %+v", job)
	}

	// The user gets a receipt notice.
	if got := sender.lastText(t); !strings.Contains(got, "received your document") {
		t.Errorf("Expected a receipt notice, got %q", got)
	}
}

func TestHandleWebhook_MalformedPayload(t *testing.T) {
	srv := newTestServer(t, newFakeSender(), nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/webhook/whatsapp", "application/json", strings.NewReader(`{"entry":[]}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	// The Cloud API retries non-200 responses; bad payloads are acknowledged.
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for a bad payload, got %d", resp.StatusCode)
	}
}

type blockingSender struct {
	fakeSender
	release chan struct{}
}

func (b *blockingSender) SendText(ctx context.Context, recipientID, text string) (string, error) {
	<-b.release
	return b.fakeSender.SendText(ctx, recipientID, text)
}

func TestDrainWaitsForInFlightTurns(t *testing.T) {
	sender := &blockingSender{
		fakeSender: fakeSender{sent: make(chan struct{}, 16)},
		release:    make(chan struct{}),
	}
	srv := newTestServer(t, sender, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/webhook/whatsapp", "application/json",
		strings.NewReader(textPayload("wamid.drain", "Hello")))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()

	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := srv.Drain(shortCtx); err == nil {
		t.Fatal("Drain should time out while a turn is still running")
	}

	close(sender.release)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelDrain()
	if err := srv.Drain(drainCtx); err != nil {
		t.Fatalf("Drain failed after the turn finished: %v", err)
	}
	if got := sender.lastText(t); got != "Hi there!" {
		t.Errorf("Expected the reply delivered before exit, got %q", got)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t, newFakeSender(), nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}
