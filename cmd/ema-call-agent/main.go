package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koscakluka/ema-calls/internal/config"
	"github.com/koscakluka/ema-calls/internal/httpapi"
	"github.com/koscakluka/ema-calls/internal/store"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const (
	shutdownTimeout      = 10 * time.Second
	knowledgeLoadTimeout = 30 * time.Second
)

var logger = otelslog.NewLogger("github.com/koscakluka/ema-calls/cmd/ema-call-agent")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ema-call-agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	callStore, err := store.Open(store.Config{
		Driver:        cfg.Store.Driver,
		DSN:           cfg.Store.DSN,
		SupabaseURL:   cfg.Store.SupabaseURL,
		SupabaseKey:   cfg.Store.SupabaseKey,
		SupabaseTable: cfg.Store.SupabaseTable,
	})
	if err != nil {
		return fmt.Errorf("failed to open call store: %w", err)
	}
	defer func() {
		if err := callStore.Close(); err != nil {
			logger.Warn("failed to close call store", "error", err)
		}
	}()

	if cfg.Agent.KnowledgeFile != "" {
		if err := loadKnowledge(cfg.Agent.KnowledgeFile, callStore); err != nil {
			return err
		}
	}

	server := httpapi.New(cfg, callStore)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	// The deferred store close runs after Shutdown has waited for every call
	// session and its pending call end record.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return <-serveErr
}

func loadKnowledge(path string, callStore store.CallEndStore) error {
	knowledge, ok := callStore.(store.KnowledgeStore)
	if !ok {
		return fmt.Errorf("call store %T cannot hold a knowledge base", callStore)
	}
	snippets, err := store.LoadKnowledgeFile(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), knowledgeLoadTimeout)
	defer cancel()
	if err := knowledge.ReplaceKnowledge(ctx, snippets); err != nil {
		return fmt.Errorf("failed to load knowledge base: %w", err)
	}
	logger.Info("knowledge base loaded", "path", path, "snippets", len(snippets))
	return nil
}
