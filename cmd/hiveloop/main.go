// Package main is the hiveloop server entry point. It wires the event
// bus, the sqlite journal, session storage, the tool registry, the
// multi-graph runtime, and the HTTP gateway into one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hiveloop/hiveloop/internal/common/config"
	"github.com/hiveloop/hiveloop/internal/common/logger"
	"github.com/hiveloop/hiveloop/internal/events/bus"
	"github.com/hiveloop/hiveloop/internal/events/journal"
	"github.com/hiveloop/hiveloop/internal/gateway"
	"github.com/hiveloop/hiveloop/internal/graph"
	"github.com/hiveloop/hiveloop/internal/llm"
	"github.com/hiveloop/hiveloop/internal/monitoring"
	"github.com/hiveloop/hiveloop/internal/runtime"
	"github.com/hiveloop/hiveloop/internal/session"
	"github.com/hiveloop/hiveloop/internal/tools"
	"github.com/hiveloop/hiveloop/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting hiveloop",
		zap.String("storage_root", cfg.Storage.Root),
		zap.String("agents_dir", cfg.Agents.Dir))

	// Event bus, with the sqlite journal attached when configured.
	eventBus := bus.New(cfg.Bus.SubscriberBuffer, log)
	defer eventBus.Close()

	journalPath := cfg.Storage.JournalPath
	if journalPath == "" {
		journalPath = filepath.Join(cfg.Storage.Root, "journal.db")
	}
	var j *journal.Journal
	if journalPath != "off" {
		j, err = journal.Open(journalPath)
		if err != nil {
			log.Fatal("Failed to open event journal", zap.Error(err))
		}
		defer j.Close()
		eventBus.AttachSink(j)
	}

	store, err := session.NewStore(cfg.Storage.Root, log)
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err))
	}

	// Tool registry: the set_output builtin plus the monitoring tools.
	registry := tools.NewLocal()
	if err := tools.RegisterSetOutput(registry); err != nil {
		log.Fatal("Failed to register builtins", zap.Error(err))
	}

	client := llm.NewRetryingClient(llm.NewOpenAIClient(llm.OpenAIOptions{
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
	}), cfg.Loop.MaxLLMAttempts, log)

	rt, err := runtime.New(runtime.Options{
		Bus:      eventBus,
		Store:    store,
		Registry: registry,
		Client:   client,
		Loop:     cfg.Loop,
		Log:      log,
	})
	if err != nil {
		log.Fatal("Failed to create runtime", zap.Error(err))
	}

	// Monitoring tools register after the runtime exists so they can see
	// the operator idle clock.
	ticketPath := filepath.Join(cfg.Storage.Root, "tickets.jsonl")
	tickets, err := monitoring.OpenTicketLog(ticketPath)
	if err != nil {
		log.Fatal("Failed to open ticket log", zap.Error(err))
	}
	if err := monitoring.RegisterTools(registry, monitoring.Deps{
		Store:   store,
		Journal: j,
		Bus:     eventBus,
		Tickets: tickets,
		Idle:    rt.UserIdleSeconds,
	}); err != nil {
		log.Fatal("Failed to register monitoring tools", zap.Error(err))
	}

	if err := loadAgents(rt, cfg.Agents, log); err != nil {
		log.Fatal("Failed to load agent packages", zap.Error(err))
	}

	srv := gateway.New(rt, eventBus, store, j, log)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("Gateway failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("Gateway shutdown failed", zap.Error(err))
	}
	if err := rt.Shutdown(shutdownCtx); err != nil && shutdownCtx.Err() == nil {
		log.Warn("Runtime shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}

// loadAgents scans the agents directory and registers every package it
// finds: *.yaml files and subdirectories containing agent.yaml. The
// primary graph is cfg.Primary when set, otherwise the first package
// loaded.
func loadAgents(rt *runtime.Runtime, cfg config.AgentsConfig, log *logger.Logger) error {
	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("Agents directory missing, starting with no graphs",
				zap.String("dir", cfg.Dir))
			return nil
		}
		return err
	}

	var pkgs []*graph.Package
	for _, entry := range entries {
		path := filepath.Join(cfg.Dir, entry.Name())
		switch {
		case entry.IsDir():
			if _, statErr := os.Stat(filepath.Join(path, "agent.yaml")); statErr != nil {
				continue
			}
		case strings.HasSuffix(entry.Name(), ".yaml") || strings.HasSuffix(entry.Name(), ".yml"):
		default:
			continue
		}
		pkg, err := graph.LoadPackage(path)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		pkgs = append(pkgs, pkg)
	}
	if len(pkgs) == 0 {
		log.Warn("No agent packages found", zap.String("dir", cfg.Dir))
		return nil
	}

	primaryIdx := 0
	if cfg.Primary != "" {
		primaryIdx = -1
		for i, pkg := range pkgs {
			if pkg.Graph.ID == cfg.Primary {
				primaryIdx = i
				break
			}
		}
		if primaryIdx == -1 {
			return fmt.Errorf("primary graph %s not found in %s", cfg.Primary, cfg.Dir)
		}
	}

	// Primary first so secondary graphs nest their sessions under it.
	if err := rt.AddGraph(pkgs[primaryIdx], true); err != nil {
		return err
	}
	for i, pkg := range pkgs {
		if i == primaryIdx {
			continue
		}
		if err := rt.AddGraph(pkg, false); err != nil {
			return err
		}
	}
	log.Info("Agent packages loaded",
		zap.Int("count", len(pkgs)),
		zap.String("primary", pkgs[primaryIdx].Graph.ID))
	return nil
}
