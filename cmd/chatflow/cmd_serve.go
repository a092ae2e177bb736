package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/chatflow/internal/config"
	"github.com/user/chatflow/internal/guardrail"
	"github.com/user/chatflow/internal/httpapi"
	"github.com/user/chatflow/internal/ledger"
	"github.com/user/chatflow/internal/memory"
	"github.com/user/chatflow/internal/orchestrator"
	"github.com/user/chatflow/internal/prompt"
	"github.com/user/chatflow/internal/run"
	"github.com/user/chatflow/internal/state"
	"github.com/user/chatflow/internal/title"
	"github.com/user/chatflow/internal/tokens"
	"github.com/user/chatflow/internal/types"
	"github.com/user/chatflow/pkg/llm"
	"github.com/user/chatflow/pkg/llm/engine"
	"github.com/user/chatflow/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chatflow service",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	counter, err := tokens.New(cfg.LLM.Model)
	if err != nil {
		return fmt.Errorf("create token counter: %w", err)
	}

	agents, err := config.LoadAgents(cfg.AgentsDir)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	conversations := state.NewConversationStore(cfg.DataDir)
	prefs := state.NewPrefsStore(cfg.DataDir, cfg.Memory.Enabled)

	spendStore, err := ledger.OpenStore(filepath.Join(cfg.DataDir, "spend.db"))
	if err != nil {
		return fmt.Errorf("open spend store: %w", err)
	}
	defer spendStore.Close()
	spendLedger := ledger.New(spendStore, ledger.DefaultPrices)

	// One backend serves every provider/model pair for now; the resolver
	// is the seam for per-provider clients.
	resolve := func(provider, model string) (llm.Provider, error) {
		return openai.New(&llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		}), nil
	}
	runEngine := engine.New(resolve)
	tenant := run.TenantLimits{
		MaxRecursionLimit: cfg.Tenant.MaxRecursionLimit,
		ChainingEnabled:   cfg.Tenant.ChainingEnabled,
	}

	var memories *memory.Coordinator
	if cfg.Memory.Enabled {
		memories = memory.New(
			memory.NewFileStore(filepath.Join(cfg.DataDir, "memories")),
			prefs,
			agents,
			types.AgentID(cfg.Memory.AgentID),
			time.Duration(cfg.Memory.WriteTimeoutMS)*time.Millisecond,
		)
	}

	var guardSvc guardrail.Service
	if cfg.Guardrail.Endpoint != "" {
		guardSvc = guardrail.NewHTTPService(cfg.Guardrail.Endpoint, cfg.Guardrail.APIKey, cfg.Guardrail.ObserveOnly)
	}

	titles := title.New(resolve, title.Endpoint{
		Provider: cfg.Title.Provider,
		Model:    cfg.Title.Model,
	}, conversations, spendLedger, nil)

	client := orchestrator.NewClient(orchestrator.Options{
		Messages:      conversations,
		Conversations: conversations,
		Registry:      agents,
		Counter:       counter,
		Budgeter:      prompt.NewBudgeter(counter, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve, nil),
		Memory:        memories,
		Guardrail:     guardrail.New(guardSvc),
		Runner:        run.NewRunner(runEngine, tenant),
		Ledger:        spendLedger,
		Titles:        titles,
		Tenant:        tenant,
		Strategy:      prompt.Strategy(cfg.Context.Strategy),
		System:        prompt.SystemParts{Branding: cfg.Branding},
	})

	lanes := orchestrator.NewLanes(client, int64(cfg.MaxConcurrent))
	server := httpapi.NewServer(lanes, agents, spendStore)
	httpServer := &http.Server{Addr: cfg.Listen, Handler: server}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lanes.Start(ctx)
	defer lanes.Stop()

	go func() {
		slog.Info("chatflow started",
			"listen", cfg.Listen,
			"data_dir", cfg.DataDir,
			"log_level", cfg.LogLevel,
			"agents", len(agents.List()),
			"llm_provider", cfg.LLM.Provider,
			"llm_model", cfg.LLM.Model,
			"memory_enabled", cfg.Memory.Enabled,
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
