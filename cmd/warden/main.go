package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gm-agent-org/gm-warden/pkg/api"
	"github.com/gm-agent-org/gm-warden/pkg/audit"
	"github.com/gm-agent-org/gm-warden/pkg/broker"
	"github.com/gm-agent-org/gm-warden/pkg/config"
	"github.com/gm-agent-org/gm-warden/pkg/proxy"
	"github.com/gm-agent-org/gm-warden/pkg/queue"
	"github.com/gm-agent-org/gm-warden/pkg/syncer"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		logger.Error("warden exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	flagSet := flag.NewFlagSet("warden", flag.ContinueOnError)
	configPath := flagSet.String("config", "", "Path to server configuration file")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	if !strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	var maxUptime time.Duration
	if cfg.MaxUptime != "" {
		d, ok := config.ParseUptime(cfg.MaxUptime)
		if !ok {
			logger.Warn("ignoring unparseable MAX_UPTIME", "value", cfg.MaxUptime)
		} else {
			maxUptime = d
		}
	}

	store := config.NewStore(cfg.SandboxPath, logger)
	store.Load()

	auditLog := audit.New(filepath.Join(cfg.DataDir, "audit.log"), logger)
	q := queue.New(filepath.Join(cfg.DataDir, "queue.json"), auditLog, logger)
	if err := q.Init(); err != nil {
		logger.Warn("queue state not restored", "error", err)
	}

	files := syncer.NewFileSyncer(cfg.Workspace, cfg.HostProject, q, store, logger)
	git := syncer.NewGitSyncer(q, store, logger)

	proxySrv := proxy.New(q, store, logger)
	if cfg.ProxyInline {
		if err := proxySrv.Start(fmt.Sprintf(":%d", cfg.ProxyPort)); err != nil {
			return fmt.Errorf("start proxy: %w", err)
		}
	}

	startedAt := time.Now()
	apiSrv := api.NewServer(
		api.Config{
			Addr:      fmt.Sprintf(":%d", cfg.ServerPort),
			StartedAt: startedAt,
			MaxUptime: maxUptime,
			ProxyPort: cfg.ProxyPort,
		},
		api.Deps{
			Queue:    q,
			Store:    store,
			Audit:    auditLog,
			Exec:     broker.NewExecBroker(q, store, logger),
			Packages: broker.NewPackageBroker(q, store, logger),
			Files:    files,
			Git:      git,
		},
		logger,
	)
	if err := apiSrv.Start(); err != nil {
		return fmt.Errorf("start control plane: %w", err)
	}

	syncCtx, stopSync := context.WithCancel(context.Background())
	defer stopSync()
	go files.Start(syncCtx)

	uptimeFired := make(chan struct{})
	if maxUptime > 0 {
		logger.Info("max uptime armed", "duration", maxUptime)
		timer := time.AfterFunc(maxUptime, func() { close(uptimeFired) })
		defer timer.Stop()
	}

	reason := ""
	select {
	case <-ctx.Done():
		reason = "shutdown signal received"
	case <-uptimeFired:
		reason = "max uptime reached"
	}

	return gracefulShutdown(reason, logger, stopSync, files, q, apiSrv, proxySrv)
}

// gracefulShutdown runs the strict sequence: stop the live mirror, flush it
// one last time, deny every in-flight waiter, tell connected clients, then
// tear the listeners down. No agent waiter survives a clean shutdown.
func gracefulShutdown(reason string, logger *slog.Logger, stopSync context.CancelFunc,
	files *syncer.FileSyncer, q *queue.Queue, apiSrv *api.Server, proxySrv *proxy.Server) error {

	logger.Info("graceful shutdown", "reason", reason)

	stopSync()
	files.Stop()

	if count, err := files.FullSync(); err != nil {
		logger.Warn("final full sync failed", "error", err)
	} else {
		logger.Info("final full sync complete", "files", count)
	}

	if denied := q.DenyAllPending(); denied > 0 {
		logger.Info("pending requests auto-denied", "count", denied)
	}
	if err := q.Flush(); err != nil {
		logger.Warn("final queue flush failed", "error", err)
	}

	apiSrv.BroadcastShutdown(reason)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = proxySrv.Shutdown(shutdownCtx)
	_ = apiSrv.Shutdown(shutdownCtx)
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
