package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"yesterday/internal/api"
	"yesterday/internal/comfy"
	"yesterday/internal/config"
	"yesterday/internal/core"
	"yesterday/internal/logging"
	yesterdaymcp "yesterday/internal/mcp"
	"yesterday/internal/notify"
	"yesterday/internal/store"
)

// app bundles what every run mode needs.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	location   *time.Location
	store      *store.Store
	scheduler  *core.Scheduler
	dispatcher *notify.Dispatcher
	mcp        *yesterdaymcp.MCPServer
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the protocol in stdio MCP modes.
	var logger *slog.Logger
	if cfg.Server.Mode == config.ModeHTTP {
		logger = logging.New(cfg.LogLevel)
	} else {
		logger = logging.NewWithWriter(os.Stderr, cfg.LogLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup", "err", err)
		os.Exit(1)
	}
	defer a.store.Close()

	if cfg.Scheduler.Autostart {
		a.scheduler.Start(ctx)
	}
	stopCleanup := a.startCleanup(ctx)
	defer stopCleanup()

	switch cfg.Server.Mode {
	case config.ModeHTTP:
		a.runHTTP(ctx, nil)
	case config.ModeMCP:
		a.runMCP(cancel)
	case config.ModeBoth:
		mcpErr := make(chan error, 1)
		go func() {
			if err := a.mcp.Run(); err != nil {
				mcpErr <- err
			}
		}()
		a.runHTTP(ctx, mcpErr)
	}

	a.shutdown()
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	location := cfg.Location()

	storeInst, err := store.Open(ctx, cfg.StateDir)
	if err != nil {
		return nil, err
	}
	storeInst.MaxRetries = cfg.Scheduler.DefaultMaxRetries

	senders := []notify.Notifier{notify.NewLogNotifier(logger)}
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			logger.Warn("bark notifications disabled", "err", err)
		} else {
			senders = append(senders, bark)
		}
	}
	dispatcher := notify.NewDispatcher(notify.NewMultiNotifier(senders...), logger,
		cfg.Notification.Rate, cfg.Notification.QueueSize)

	client := comfy.NewClient(cfg.Comfy.URL, cfg.Comfy.Timeout)
	scheduler := core.NewScheduler(storeInst, client, dispatcher, logger, core.SchedulerOptions{
		CheckInterval:    cfg.Scheduler.CheckInterval,
		LookAheadMinutes: cfg.Scheduler.LookAheadMinutes,
		Location:         location,
	})
	logger.Info("configured",
		"state_dir", cfg.StateDir,
		"comfy_url", cfg.Comfy.URL,
		"client_id", client.ClientID(),
		"mode", cfg.Server.Mode,
	)

	return &app{
		cfg:        cfg,
		logger:     logger,
		location:   location,
		store:      storeInst,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		mcp:        yesterdaymcp.NewMCPServer(storeInst, scheduler, logger, location),
	}, nil
}

// startCleanup deletes old completed tasks now and then once a day.
func (a *app) startCleanup(ctx context.Context) func() {
	days := a.cfg.Scheduler.CleanupDays
	if days <= 0 {
		return func() {}
	}
	run := func() {
		n, err := a.store.CleanupOldTasks(ctx, days)
		if err != nil {
			a.logger.Error("cleanup old tasks", "err", err)
			return
		}
		if n > 0 {
			a.logger.Info("cleaned up old tasks", "deleted", n, "older_than_days", days)
		}
	}
	run()
	c := cron.New(cron.WithLocation(a.location))
	if _, err := c.AddFunc("@daily", run); err != nil {
		a.logger.Error("schedule cleanup", "err", err)
		return func() {}
	}
	c.Start()
	return func() { <-c.Stop().Done() }
}

// runHTTP serves the REST API, with MCP mounted at /mcp, until a signal, a
// server error or an MCP error arrives.
func (a *app) runHTTP(ctx context.Context, mcpErr <-chan error) {
	server := api.NewServer(a.cfg.Server.Addr, a.cfg.Server.AuthToken, a.store, a.scheduler,
		a.mcp.HTTPHandler(), a.logger, a.location)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		a.logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		a.logger.Error("server error", "err", err)
	case err := <-mcpErr:
		a.logger.Error("mcp server error", "err", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown", "err", err)
	}
}

// runMCP serves MCP over stdio until stdin closes or a signal arrives.
func (a *app) runMCP(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		a.logger.Info("received signal, shutting down")
		cancel()
	}()

	if err := a.mcp.Run(); err != nil {
		a.logger.Error("mcp server error", "err", err)
	}
}

func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()
	if err := a.scheduler.Shutdown(ctx); err != nil {
		a.logger.Warn("scheduler stop timed out", "err", err)
	}
	if err := a.dispatcher.Close(ctx); err != nil {
		a.logger.Warn("notification drain timed out", "err", err)
	}
	a.logger.Info("shutdown complete")
}
