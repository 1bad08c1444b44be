// Command invobot runs the WhatsApp webhook server: it receives inbound
// messages, runs assistant turns for text, and enqueues document jobs for
// the worker.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/invobot/invobot"
	"github.com/invobot/invobot/blob"
	"github.com/invobot/invobot/index"
	"github.com/invobot/invobot/internal/config"
	"github.com/invobot/invobot/internal/webhook"
	"github.com/invobot/invobot/jobs"
	"github.com/invobot/invobot/providers/openai"
	sqlitestore "github.com/invobot/invobot/store/sqlite"
	"github.com/invobot/invobot/whatsapp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file loaded, using system environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return err
	}

	store, err := sqlitestore.New(filepath.Join(cfg.Storage.DataDir, "transcripts.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	searchIndex, err := index.New(filepath.Join(cfg.Storage.DataDir, "index.db"), logger.With("component", "index"))
	if err != nil {
		return err
	}
	defer searchIndex.Close()

	jobStore, err := jobs.NewStore(filepath.Join(cfg.Storage.DataDir, "jobs.db"))
	if err != nil {
		return err
	}
	defer jobStore.Close()

	blobs, err := blob.New(cfg.Storage.BlobDir, cfg.Storage.TempDir, logger.With("component", "blob"))
	if err != nil {
		return err
	}

	waClient, err := whatsapp.New(whatsapp.Config{
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		Token:         cfg.WhatsApp.Token,
		BaseURL:       cfg.WhatsApp.BaseURL,
		TempDir:       cfg.Storage.TempDir,
		Logger:        logger.With("component", "whatsapp"),
	})
	if err != nil {
		return err
	}
	if err := waClient.CheckToken(ctx); err != nil {
		logger.Warn("whatsapp token check failed, messages may not send", "error", err)
	}

	registry, err := invobot.NewRegistry(invobot.BuiltinTools(invobot.ToolDeps{
		Store:     store,
		Index:     searchIndex,
		Blobs:     blobs,
		Messenger: waClient,
		Logger:    logger.With("component", "tools"),
	})...)
	if err != nil {
		return err
	}

	var tracer invobot.Tracer = invobot.NoOpTracer{}
	if cfg.Tracing.Enabled {
		otlp, err := invobot.NewOTLPTracer(invobot.OTLPConfig{
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			ServiceName: "invobot",
			Environment: cfg.Tracing.Environment,
		})
		if err != nil {
			logger.Warn("tracing disabled, exporter setup failed", "error", err)
		} else {
			tracer = otlp
			defer otlp.Shutdown(context.Background())
		}
	}

	assistant, err := invobot.New(invobot.Config{
		Provider:      openai.New(cfg.OpenAI.APIKey, logger.With("component", "openai")),
		Store:         store,
		Registry:      registry,
		Model:         cfg.OpenAI.Model,
		Temperature:   cfg.OpenAI.Temperature,
		TranscriptTTL: cfg.Storage.TranscriptTTL,
		Timeout:       invobot.DefaultTimeoutConfig(),
		Tracer:        tracer,
		Logging:       &invobot.LoggingConfig{Logger: logger.With("component", "assistant")},
	})
	if err != nil {
		return err
	}

	var publisher webhook.DocumentPublisher
	conn, err := jobs.DialWithRetry(ctx, jobs.DialOptions{
		URL:           cfg.Broker.URL,
		RetryAttempts: cfg.Broker.RetryAttempts,
		Delay:         cfg.Broker.RetryDelay,
		Logger:        logger.With("component", "broker"),
	})
	if err != nil {
		logger.Warn("job queue unavailable, documents will be rejected", "error", err)
	} else {
		defer conn.Close()
		pub, err := jobs.NewPublisher(conn, logger.With("component", "publisher"))
		if err != nil {
			return err
		}
		publisher = pub
	}

	server, err := webhook.NewServer(webhook.Options{
		Assistant:   assistant,
		Sender:      waClient,
		Dedup:       store,
		Publisher:   publisher,
		JobLister:   jobStore,
		VerifyToken: cfg.WhatsApp.VerifyToken,
		Logger:      logger.With("component", "webhook"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("webhook server listening", "addr", cfg.Server.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := server.Drain(shutdownCtx); err != nil {
			logger.Warn("exiting with message handlers still in flight", "error", err)
		}
	}
	return nil
}
