package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"swarmbridge/internal/adapter/bridge"
	"swarmbridge/internal/adapter/gateway"
	"swarmbridge/internal/adapter/llm"
	"swarmbridge/internal/adapter/memory"
	"swarmbridge/internal/adapter/store"
	"swarmbridge/internal/adapter/tool"
	"swarmbridge/internal/domain"
	"swarmbridge/internal/infra/config"
	"swarmbridge/internal/infra/logger"
	"swarmbridge/internal/infra/tracer"
	"swarmbridge/internal/usecase"
	"swarmbridge/internal/usecase/eventbus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config
	cfgPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Persistence
	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return fmt.Errorf("storage dir: %w", err)
	}
	messages, err := store.NewSQLiteMessageStore(filepath.Join(cfg.Storage.Dir, "messages.db"))
	if err != nil {
		return fmt.Errorf("message store: %w", err)
	}
	defer messages.Close()

	lessons, err := memory.NewSQLiteLessonLog(filepath.Join(cfg.Storage.Dir, "lessons.db"))
	if err != nil {
		return fmt.Errorf("lesson log: %w", err)
	}
	defer lessons.Close()

	// 4. Inference provider
	var provider domain.InferenceProvider = llm.NewOpenAIProvider(cfg.Provider, log)
	if cfg.Provider.CircuitBreaker.Enabled {
		provider = llm.NewCircuitBreakerProvider(provider, cfg.Provider.CircuitBreaker, log)
	}

	// 5. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 6. Bridge mailbox server
	contextLog, err := bridge.NewContextLog(cfg.Bridge.ContextLog)
	if err != nil {
		return fmt.Errorf("context log: %w", err)
	}
	bridgeSrv := bridge.NewServer(cfg.Bridge, contextLog, bus, log)

	// 7. Roster, selector, tools, orchestrator
	roster := make(domain.Roster, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		roster = append(roster, domain.Agent{
			ID:           a.ID,
			Name:         a.Name,
			Role:         a.Role,
			Instructions: a.Instructions,
			Model:        a.Model,
		})
	}

	selector := usecase.NewSpeakerSelector(provider, usecase.SelectorConfig{
		TailWindow:  cfg.Selector.TailWindow,
		EntryCap:    cfg.Selector.EntryCap,
		Temperature: cfg.Selector.Temperature,
		MaxTokens:   cfg.Selector.MaxTokens,
	}, log)

	runner := tool.NewWorkspaceRunner(cfg.Workspace, log)

	orchestrator := usecase.NewOrchestrator(usecase.SchedulerConfig{
		MaxRounds:        cfg.Scheduler.MaxRounds,
		FallbackLead:     cfg.Scheduler.FallbackLead,
		FallbackCritic:   cfg.Scheduler.FallbackCritic,
		CriticAfterRound: cfg.Scheduler.CriticAfterRound,
		FinalAgent:       cfg.Scheduler.FinalAgent,
		CompletionMarker: cfg.Scheduler.CompletionMarker,
		JitterMin:        cfg.Scheduler.JitterMin,
		JitterMax:        cfg.Scheduler.JitterMax,
	}, usecase.OrchestratorDeps{
		Store:    messages,
		Provider: provider,
		Selector: selector,
		Roster:   roster,
		Lessons:  lessons,
		Bus:      bus,
		Publish: func(_ context.Context, msg domain.Message) {
			if err := bridgeSrv.Publish(msg); err != nil {
				log.Error("bridge publish failed", "error", err)
			}
		},
		OnClear: func(context.Context) {
			if err := contextLog.Reset(); err != nil {
				log.Error("context log reset failed", "error", err)
			}
		},
		Logger: log,
	})

	gate := usecase.NewApprovalGate(messages, runner, lessons, bus, log)

	// 8. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 9. Bridge HTTP listener
	bridgeHTTP := &http.Server{Addr: cfg.Bridge.Listen, Handler: bridgeSrv.Handler()}
	go func() {
		log.Info("bridge started", "addr", cfg.Bridge.Listen)
		if err := bridgeHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("bridge server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = bridgeHTTP.Shutdown(shutdownCtx)
	}()

	// 10. Engine-side poll loop. Submitted goals go over the same HTTP
	// surface the driver uses, so the mailbox stays the only channel.
	appClient := bridge.NewAppClient("http://"+cfg.Bridge.Listen, cfg.Bridge.ProbeTimeout)
	poller := bridge.NewPoller(appClient, cfg.Bridge.PollInterval, func(ctx context.Context, goal string) {
		if err := orchestrator.Start(ctx, goal); err != nil {
			log.Warn("cycle start rejected", "error", err)
		}
	}, log)
	go poller.Run(ctx)

	// 11. Control gateway
	gw := gateway.NewServer(cfg.Gateway, orchestrator, gate, messages, bus, poller.Reachable, log)
	go func() {
		if err := gw.Start(ctx); err != nil {
			log.Error("gateway server error", "error", err)
		}
	}()

	log.Info("swarmd running",
		"bridge", cfg.Bridge.Listen,
		"gateway", cfg.Gateway.Listen,
		"agents", roster.IDs(),
	)

	<-ctx.Done()
	orchestrator.Stop()
	log.Info("shutting down")
	return nil
}
