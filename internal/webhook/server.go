// Package webhook serves the WhatsApp Cloud API webhook: verification
// handshake, inbound message fan-out, health and admin surfaces.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/invobot/invobot"
	"github.com/invobot/invobot/jobs"
	"github.com/invobot/invobot/whatsapp"
)

// DedupTTL bounds how long a processed message ID blocks redelivery.
const DedupTTL = 5 * time.Minute

const dedupKeyPrefix = "processed:"

// Sender is the outbound surface the webhook needs from the WhatsApp client.
type Sender interface {
	SendText(ctx context.Context, recipientID, text string) (string, error)
	SendTypingIndicator(ctx context.Context, messageID string) error
}

// DocumentPublisher enqueues document jobs for the worker.
type DocumentPublisher interface {
	PublishDocument(ctx context.Context, payload jobs.DocumentJob) error
}

// JobLister backs the admin job listing.
type JobLister interface {
	ListRecent(ctx context.Context, limit int) ([]*jobs.Job, error)
}

// Server handles webhook traffic.
type Server struct {
	assistant   *invobot.Assistant
	sender      Sender
	dedup       invobot.TranscriptStore
	publisher   DocumentPublisher
	jobLister   JobLister
	verifyToken string
	logger      *slog.Logger
	turnTimeout time.Duration
	inflight    sync.WaitGroup
}

// Options configures the webhook server.
type Options struct {
	Assistant   *invobot.Assistant
	Sender      Sender
	Dedup       invobot.TranscriptStore
	Publisher   DocumentPublisher
	JobLister   JobLister
	VerifyToken string
	Logger      *slog.Logger
	TurnTimeout time.Duration // Defaults to 2 minutes
}

// NewServer validates options and returns a server.
func NewServer(opts Options) (*Server, error) {
	if opts.Assistant == nil || opts.Sender == nil || opts.Dedup == nil {
		return nil, fmt.Errorf("webhook: assistant, sender and dedup store are required")
	}
	if opts.VerifyToken == "" {
		return nil, fmt.Errorf("webhook: verify token is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 2 * time.Minute
	}
	return &Server{
		assistant:   opts.Assistant,
		sender:      opts.Sender,
		dedup:       opts.Dedup,
		publisher:   opts.Publisher,
		jobLister:   opts.JobLister,
		verifyToken: opts.VerifyToken,
		logger:      opts.Logger,
		turnTimeout: opts.TurnTimeout,
	}, nil
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/webhook/whatsapp", s.handleVerify)
	r.Post("/webhook/whatsapp", s.handleWebhook)
	r.Get("/admin/jobs", s.handleListJobs)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleVerify answers the Cloud API subscription handshake: echo
// hub.challenge when the verify token matches.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || token != s.verifyToken {
		s.logger.Warn("webhook verification rejected", "mode", mode)
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	if challenge == "" {
		http.Error(w, "no challenge provided", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	payload, err := whatsapp.ParseWebhookPayload(body)
	if err != nil {
		s.logger.Warn("rejecting webhook payload", "error", err)
		respondJSON(w, http.StatusOK, map[string]any{"success": false, "error": "no entry data in payload"})
		return
	}

	for _, msg := range payload.InboundMessages() {
		if s.alreadyProcessed(r.Context(), msg.ID) {
			continue
		}
		s.dispatch(msg)
	}

	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// alreadyProcessed dedups on the WhatsApp message ID. Cloud API redelivers
// webhooks until acknowledged, so each ID is marked before handling.
func (s *Server) alreadyProcessed(ctx context.Context, messageID string) bool {
	if messageID == "" {
		return false
	}
	key := dedupKeyPrefix + messageID

	_, found, err := s.dedup.Load(ctx, key)
	if err != nil {
		s.logger.Error("dedup lookup failed, handling message anyway", "message_id", messageID, "error", err)
		return false
	}
	if found {
		s.logger.Warn("message already processed", "message_id", messageID)
		return true
	}
	if err := s.dedup.Save(ctx, key, []byte(`{"status":"processed"}`), DedupTTL); err != nil {
		s.logger.Error("dedup mark failed", "message_id", messageID, "error", err)
	}
	return false
}

// dispatch hands one inbound message to its handler on a fresh goroutine so
// the webhook response is never held up by a model turn. Drain waits for
// these goroutines at shutdown.
func (s *Server) dispatch(msg whatsapp.Message) {
	var handle func(whatsapp.Message)
	switch msg.Type {
	case "text":
		handle = s.handleText
	case "document":
		handle = s.handleDocument
	default:
		s.logger.Info("skipping unsupported message type", "type", msg.Type, "message_id", msg.ID)
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		handle(msg)
	}()
}

// Drain blocks until in-flight message handlers finish or ctx expires.
// Shutting down mid-turn risks replying to the user without persisting the
// transcript, so the process waits for turns before exiting.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleText(msg whatsapp.Message) {
	if msg.Text == nil || msg.Text.Body == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.turnTimeout)
	defer cancel()

	if err := s.sender.SendTypingIndicator(ctx, msg.ID); err != nil {
		s.logger.Warn("typing indicator failed", "message_id", msg.ID, "error", err)
	}

	reply, err := s.assistant.HandleMessage(ctx, invobot.Inbound{
		UserID:          msg.From,
		Text:            msg.Text.Body,
		SourceMessageID: msg.ID,
	})
	if err != nil {
		s.logger.Error("assistant turn failed", "user_id", msg.From, "message_id", msg.ID, "error", err)
		reply = "Sorry, I ran into a problem handling your message. Please try again in a moment."
	}

	if _, err := s.sender.SendText(ctx, msg.From, reply); err != nil {
		s.logger.Error("reply send failed", "user_id", msg.From, "error", err)
	}
}

func (s *Server) handleDocument(msg whatsapp.Message) {
	if msg.Document == nil {
		return
	}
	if s.publisher == nil {
		s.logger.Warn("document received but no job queue configured", "message_id", msg.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload := jobs.DocumentJob{
		SenderID:    msg.From,
		MessageID:   msg.ID,
		DocID:       msg.Document.ID,
		DocCaption:  msg.Document.Caption,
		DocFilename: msg.Document.Filename,
		DocMime:     msg.Document.MimeType,
		DocSHA256:   msg.Document.SHA256,
	}
	if err := s.publisher.PublishDocument(ctx, payload); err != nil {
		s.logger.Error("document job publish failed", "message_id", msg.ID, "error", err)
		if _, err := s.sender.SendText(ctx, msg.From, "I couldn't queue your document for processing. Please try again."); err != nil {
			s.logger.Error("failure notice send failed", "user_id", msg.From, "error", err)
		}
		return
	}

	if _, err := s.sender.SendText(ctx, msg.From, "I've received your document and will process it shortly."); err != nil {
		s.logger.Error("receipt notice send failed", "user_id", msg.From, "error", err)
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobLister == nil {
		http.Error(w, "job store unavailable", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	list, err := s.jobLister.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("job listing failed", "error", err)
		http.Error(w, "job listing failed", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
