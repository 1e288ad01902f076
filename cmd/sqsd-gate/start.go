package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/mattjoyce/sqsd-gate/internal/config"
	"github.com/mattjoyce/sqsd-gate/internal/gate"
	"github.com/mattjoyce/sqsd-gate/internal/joblog"
	"github.com/mattjoyce/sqsd-gate/internal/jobs"
	"github.com/mattjoyce/sqsd-gate/internal/lifecycle"
	"github.com/mattjoyce/sqsd-gate/internal/lock"
	"github.com/mattjoyce/sqsd-gate/internal/log"
	"github.com/mattjoyce/sqsd-gate/internal/metrics"
	"github.com/mattjoyce/sqsd-gate/internal/server"
	"github.com/mattjoyce/sqsd-gate/internal/storage"
	"github.com/mattjoyce/sqsd-gate/internal/upstream"
)

const pruneInterval = time.Hour

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path, err := config.Discover(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	if *configPath == "" {
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("sqsd-gate starting", "version", version, "config", path)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	ledger := joblog.New(db)
	m := metrics.New()

	runner, err := buildRunner(cfg, ledger, m)
	if err != nil {
		logger.Error("failed to register job handlers", "error", err)
		return 1
	}

	flagState := lifecycle.NewFlag()
	gateConfig, err := gate.FromGlobalConfig(cfg.Gate)
	if err != nil {
		logger.Error("failed to configure gate", "error", err)
		return 1
	}
	g, err := gate.New(gateConfig, flagState, runner, log.WithComponent("gate"),
		gate.WithTaskRunner(runner),
		gate.WithRecorder(m),
	)
	if err != nil {
		logger.Error("failed to build gate", "error", err)
		return 1
	}

	app, err := buildUpstream(cfg)
	if err != nil {
		logger.Error("failed to configure upstream", "error", err)
		return 1
	}

	serverConfig := server.Config{
		Listen:          cfg.Listen,
		DrainGrace:      cfg.Shutdown.DrainGrace,
		ShutdownTimeout: cfg.Shutdown.Timeout,
	}
	if cfg.Metrics.Enabled {
		serverConfig.MetricsListen = cfg.Metrics.Listen
	}
	srv := server.New(serverConfig, g, app, flagState, m, log.WithComponent("server"))

	go ledger.RunPruner(ctx, pruneInterval, cfg.State.JobLogRetention, log.WithComponent("joblog"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	logger.Info("sqsd-gate running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
		if err := <-errCh; err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			return 1
		}
	}

	logger.Info("sqsd-gate stopped")
	return 0
}

func buildRunner(cfg *config.Config, ledger jobs.Ledger, observer jobs.Observer) (*jobs.Runner, error) {
	reg := jobs.NewRegistry()
	opts := []jobs.RunnerOption{
		jobs.WithLedger(ledger),
		jobs.WithObserver(observer),
		jobs.WithDefaultTimeout(cfg.Jobs.DefaultTimeout),
	}

	for _, name := range sortedHandlerNames(cfg.Jobs.Handlers) {
		h := cfg.Jobs.Handlers[name]
		handler := jobs.NewCommandHandler(h.Command, h.Args, log.WithComponent("jobs"))
		if err := reg.Register(name, handler); err != nil {
			return nil, err
		}
		if h.Timeout > 0 {
			opts = append(opts, jobs.WithTimeout(name, h.Timeout))
		}
	}

	logger := log.WithComponent("jobs")
	logger.Info("job handlers registered", "handlers", reg.Names())
	return jobs.NewRunner(reg, logger, opts...), nil
}

func buildUpstream(cfg *config.Config) (http.Handler, error) {
	if cfg.Upstream.URL == "" {
		return upstream.NotConfigured(), nil
	}
	return upstream.New(cfg.Upstream.URL, cfg.Upstream.Timeout, log.WithComponent("upstream"))
}

func sortedHandlerNames(handlers map[string]config.HandlerConfig) []string {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
