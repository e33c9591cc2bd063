package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/opentalon/conductor/internal/api"
	"github.com/opentalon/conductor/internal/config"
	"github.com/opentalon/conductor/internal/dispatch"
	"github.com/opentalon/conductor/internal/health"
	"github.com/opentalon/conductor/internal/metrics"
	"github.com/opentalon/conductor/internal/orchestrator"
	"github.com/opentalon/conductor/internal/registry"
	"github.com/opentalon/conductor/internal/router"
	"github.com/opentalon/conductor/internal/version"
	"github.com/opentalon/conductor/internal/workflow"
)

const (
	shutdownTimeout = 30 * time.Second
	pruneSchedule   = "@every 1h"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Println(version.Get())

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	reg := registry.New()
	remotes := connectAgents(ctx, reg, cfg.Agents)
	defer closeAll(remotes)

	catalog, errs := loadCatalog(cfg.Workflows.Dir, knownCapabilities(reg))
	for _, err := range errs {
		log.Printf("conductor: pattern rejected: %v", err)
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	sink, closeSink := notifySink(cfg.Notify)
	defer closeSink()

	d := dispatch.New(reg, dispatchConfig(cfg), m)
	engine := workflow.NewEngine(catalog, st, reg, d, sink, workflowConfig(cfg.Workflows), m)
	defer engine.Close()
	if _, err := engine.Resume(ctx); err != nil {
		return fmt.Errorf("resuming workflows: %w", err)
	}

	cls, err := classifier(cfg.Routing, reg)
	if err != nil {
		return err
	}
	rt, err := router.New(reg, routerConfig(cfg.Routing, catalog), cls, m)
	if err != nil {
		return err
	}

	if cfg.Workflows.Dir != "" && cfg.Workflows.Watch {
		watcher, err := workflow.NewWatcher(cfg.Workflows.Dir, catalog, func() map[string]bool { return knownCapabilities(reg) })
		if err != nil {
			return err
		}
		watcher.Start()
		defer watcher.Close()
	}

	monitor := health.NewMonitor(reg, health.Config{
		Interval:          cfg.Health.Interval,
		CheckTimeout:      cfg.Health.CheckTimeout,
		FailureThreshold:  cfg.Health.FailureThreshold,
		RecoveryThreshold: cfg.Health.RecoveryThreshold,
	}, m)
	if err := monitor.Start(); err != nil {
		return err
	}
	defer monitor.Stop()

	if st.Prune != nil {
		pruner, err := schedulePrune(st, cfg.Store.Retention)
		if err != nil {
			return err
		}
		defer pruner.Stop()
	}

	orch := orchestrator.New(rt, d, engine, monitor, orchestrator.Config{
		DispatchTimeout: cfg.Dispatch.Timeout,
		WorkflowWait:    cfg.Workflows.SubmitWait,
	}, m)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.New(orch, promReg),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("conductor: listening on %s (%d agents, patterns %v)", cfg.Server.Addr, len(reg.List()), catalog.Names())
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Printf("conductor: shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("conductor: http shutdown: %v", err)
		_ = server.Close()
	}
	return nil
}

// schedulePrune deletes finished instances older than retention.
func schedulePrune(st *instanceStore, retention time.Duration) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(pruneSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := st.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Printf("conductor: pruning instances: %v", err)
			return
		}
		if n > 0 {
			log.Printf("conductor: pruned %d finished instance(s)", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule prune: %w", err)
	}
	c.Start()
	return c, nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
