package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/assistantworks/vigil/internal/classify"
	"github.com/assistantworks/vigil/internal/config"
	"github.com/assistantworks/vigil/internal/dedup"
	"github.com/assistantworks/vigil/internal/httpapi"
	"github.com/assistantworks/vigil/internal/ingest"
	"github.com/assistantworks/vigil/internal/notify"
	"github.com/assistantworks/vigil/internal/platform"
	"github.com/assistantworks/vigil/internal/snapshot"
	"github.com/assistantworks/vigil/internal/statestore"
	"github.com/assistantworks/vigil/internal/watch"
)

const storeCapacity = 1000

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dedupBackend, err := statestore.BuildBackend(cfg.DedupDSN, "vigil_dedup")
	if err != nil {
		logger.Error("dedup backend unavailable", "dsn", cfg.DedupDSN, "error", err)
		os.Exit(1)
	}
	snapshotBackend, err := statestore.BuildBackend(cfg.SnapshotDSN, "vigil_snapshots")
	if err != nil {
		logger.Error("snapshot backend unavailable", "dsn", cfg.SnapshotDSN, "error", err)
		os.Exit(1)
	}
	dedups := dedup.NewStore(dedupBackend, storeCapacity, logger)
	snapshots := snapshot.NewStore(snapshotBackend, storeCapacity, logger)

	queue, err := ingest.BuildQueue(cfg.QueueDSN, cfg.QueueSize)
	if err != nil {
		logger.Error("delivery queue unavailable", "dsn", cfg.QueueDSN, "error", err)
		os.Exit(1)
	}

	client := platform.NewClient(cfg.PlatformBaseURL, cfg.PlatformAPIKey, logger)
	accounts := &accountHolder{}

	gate, gateCleanup := buildGate(cfg, logger)
	defer gateCleanup()

	hub := notify.NewWebsocketHub(logger)
	dispatcher := notify.NewDispatcher(hub, logger)

	registry := watch.NewRegistry(client, accounts.Provider(), logger)
	go resolveAccount(ctx, client, accounts, registry, logger)
	watcher := watch.NewWatcher(client, accounts.Provider(), snapshots, gate, dispatcher, watch.Options{
		Interval:          cfg.PollInterval,
		PageSize:          cfg.PageSize,
		TrackedFields:     cfg.TrackedFields,
		AlertOnFirstSight: cfg.AlertOnFirstSight,
	}, logger)
	watcher.Start(ctx)

	pushHandler := watch.NewPushHandler(watcher, registry, dispatcher, logger)
	workers := ingest.NewWorkers(queue, pushHandler.Handle, 2, logger)
	workers.Start(ctx)

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewServer(queue, dedups, snapshots, registry, accounts.Provider(), hub, httpapi.ServerConfig{
			WebhookSecret: cfg.WebhookSecret,
			MaxBodyBytes:  cfg.MaxBodyBytes,
		}, logger),
	}
	go func() {
		logger.Info("vigil listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	watcher.Stop()
	workers.Close()
	_ = queue.Close()
	_ = hub.Close()
	_ = statestore.Close(dedupBackend)
	_ = statestore.Close(snapshotBackend)
}

// accountHolder hands out the latest resolved account context. Identity
// resolution can lag behind startup; readers just see an empty context
// until it lands.
type accountHolder struct {
	mu      sync.RWMutex
	account platform.AccountContext
}

func (h *accountHolder) set(account platform.AccountContext) {
	h.mu.Lock()
	h.account = account
	h.mu.Unlock()
}

func (h *accountHolder) Provider() platform.AccountProvider {
	return func() platform.AccountContext {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.account
	}
}

// resolveAccount fetches the connected identity, retrying with backoff
// until it succeeds or the process stops. Without an identity the watcher
// idles and webhooks pass through unfiltered.
func resolveAccount(ctx context.Context, client *platform.Client, holder *accountHolder, registry *watch.Registry, logger *slog.Logger) {
	delay := 5 * time.Second
	for {
		account, err := client.CurrentUser(ctx, "default")
		if err == nil && account.Connected() {
			holder.set(account)
			logger.Info("account resolved", "displayName", account.DisplayName)
			if err := registry.Bootstrap(ctx); err != nil {
				logger.Warn("trigger bootstrap incomplete", "error", err)
			}
			return
		}
		if err != nil {
			logger.Warn("account resolution failed, will retry", "error", err, "delay", delay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < 2*time.Minute {
			delay *= 2
		}
	}
}

func buildGate(cfg config.Config, logger *slog.Logger) (classify.Gate, func()) {
	switch cfg.GateStrategy {
	case "none":
		return classify.PassGate{}, func() {}
	case "model":
		completer := classify.NewLLMClient(classify.LLMConfig{
			BaseURL: cfg.CompletionBaseURL,
			APIKey:  cfg.CompletionAPIKey,
			Model:   cfg.CompletionModel,
		})
		gate, err := classify.NewModelGate(completer, logger)
		if err != nil {
			logger.Error("model gate unavailable, falling back to rules", "error", err)
			break
		}
		return gate, func() {}
	case "rules":
	default:
		logger.Warn("unknown gate strategy, using rules", "strategy", cfg.GateStrategy)
	}
	gate := classify.NewRuleGate(cfg.RulesPath, logger)
	return gate, func() { _ = gate.Close() }
}
