// Command invobot-worker drains the document job queue: it downloads
// WhatsApp media, stores it, indexes it for search, and notifies the user.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/invobot/invobot/blob"
	"github.com/invobot/invobot/index"
	"github.com/invobot/invobot/internal/config"
	"github.com/invobot/invobot/jobs"
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
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return err
	}

	jobStore, err := jobs.NewStore(filepath.Join(cfg.Storage.DataDir, "jobs.db"))
	if err != nil {
		return err
	}
	defer jobStore.Close()

	searchIndex, err := index.New(filepath.Join(cfg.Storage.DataDir, "index.db"), logger.With("component", "index"))
	if err != nil {
		return err
	}
	defer searchIndex.Close()

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

	worker, err := jobs.NewWorker(jobs.WorkerDeps{
		Store:      jobStore,
		Downloader: waClient,
		Blobs:      blobs,
		Index:      searchIndex,
		Notifier:   waClient,
		Logger:     logger.With("component", "worker"),
	})
	if err != nil {
		return err
	}

	conn, err := jobs.DialWithRetry(ctx, jobs.DialOptions{
		URL:           cfg.Broker.URL,
		RetryAttempts: cfg.Broker.RetryAttempts,
		Delay:         cfg.Broker.RetryDelay,
		Logger:        logger.With("component", "broker"),
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	consumer, err := jobs.NewConsumer(conn, worker.ProcessDocument, jobs.ConsumerOptions{
		QueueName: cfg.Broker.QueueName,
		Logger:    logger.With("component", "consumer"),
	})
	if err != nil {
		return err
	}
	if err := consumer.Start(); err != nil {
		return err
	}

	logger.Info("worker running", "queue", cfg.Broker.QueueName)
	<-ctx.Done()

	logger.Info("shutting down")
	return consumer.Close()
}
