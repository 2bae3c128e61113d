// Foreman orchestrator server — provides the HTTP API and executes
// time-budgeted work orders with a pool of model-driven pods.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgeline/foreman/pkg/api"
	"github.com/forgeline/foreman/pkg/checkpoint"
	"github.com/forgeline/foreman/pkg/clarify"
	"github.com/forgeline/foreman/pkg/clock"
	"github.com/forgeline/foreman/pkg/config"
	"github.com/forgeline/foreman/pkg/contract"
	"github.com/forgeline/foreman/pkg/engine"
	"github.com/forgeline/foreman/pkg/events"
	"github.com/forgeline/foreman/pkg/llm"
	"github.com/forgeline/foreman/pkg/pool"
	"github.com/forgeline/foreman/pkg/receipt"
	"github.com/forgeline/foreman/pkg/store"
	"github.com/forgeline/foreman/pkg/tools"
)

func main() {
	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	consts := cfg.Constants

	slog.Info("Starting foreman",
		"listen_addr", cfg.ListenAddr,
		"model", cfg.ModelName,
		"postgres", cfg.DatabaseURL != "",
		"workspace_mode", cfg.WorkspaceURL != "")

	// 2. Store: Postgres when configured, in-memory otherwise
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, consts.StoreQuotaBytes, consts.StoreRetainCount)
		if err != nil {
			slog.Error("Failed to connect to Postgres", "error", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("Connected to Postgres store")
	} else {
		st = store.NewMemoryStore(consts.StoreQuotaBytes, consts.StoreRetainCount)
		slog.Info("Using in-memory store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	// 3. Model client
	if cfg.ModelAPIKey == "" {
		slog.Warn("FOREMAN_MODEL_API_KEY is empty; model calls will be rejected by the provider")
	}
	model := llm.NewOpenAIClient(cfg.ModelBaseURL, cfg.ModelAPIKey)

	// 4. Tool dispatcher: HTTP backend when configured, stub otherwise
	var dispatcher tools.Dispatcher
	if cfg.ToolBackendURL != "" {
		dispatcher = tools.NewHTTPDispatcher(cfg.ToolBackendURL)
		slog.Info("Tool dispatcher initialized", "endpoint", cfg.ToolBackendURL)
	} else {
		dispatcher = tools.NewStubDispatcher()
		slog.Warn("No tool backend configured; using the in-memory stub dispatcher")
	}

	// 5. Workspace backend (nil selects direct path mode)
	var workspaces engine.Workspaces
	if cfg.WorkspaceURL != "" {
		workspaces = engine.NewHTTPWorkspaces(cfg.WorkspaceURL)
		slog.Info("Workspace backend initialized", "endpoint", cfg.WorkspaceURL)
	}

	// 6. Engine wiring
	clk := clock.New()
	stream := events.NewStream(consts.EventHistoryLimit, nil)
	podPool := pool.New(clk, consts.PoolContextCap)

	eng := engine.New(engine.Deps{
		Store:       st,
		Contracts:   contract.NewService(clk),
		Stream:      stream,
		Pool:        podPool,
		Model:       model,
		ModelName:   cfg.ModelName,
		Dispatcher:  dispatcher,
		Workspaces:  workspaces,
		Checkpoints: checkpoint.New(st, stream, clk, consts.DecisionPollInterval, consts.CheckpointTimeout),
		Clarify:     clarify.New(st, model, cfg.ModelName, clk, consts.DecisionPollInterval, consts.ClarificationTimeout),
		Receipts:    receipt.New(model, cfg.ModelName, clk),
		Clock:       clk,
		Constants:   consts,
	})

	// 7. HTTP server
	server := api.NewServer(eng, st, clk)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop accepting requests, then tear down the
	// streaming and pod infrastructure. Live executions observe context
	// cancellation at their next cooperative boundary.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	stream.Shutdown()
	podPool.Shutdown()

	slog.Info("Shutdown complete")
}
