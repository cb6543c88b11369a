package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/contexthub/internal/adapter"
	"github.com/user/contexthub/internal/adapter/github"
	"github.com/user/contexthub/internal/adapter/slack"
	"github.com/user/contexthub/internal/config"
	"github.com/user/contexthub/internal/httpapi"
	"github.com/user/contexthub/internal/identity"
	"github.com/user/contexthub/internal/indexer"
	"github.com/user/contexthub/internal/jobs"
	"github.com/user/contexthub/internal/notify"
	"github.com/user/contexthub/internal/platform"
	"github.com/user/contexthub/internal/scheduler"
	"github.com/user/contexthub/internal/store"
	"github.com/user/contexthub/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the contexthub daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "contexthub.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func buildRegistry(cfg *config.Config) *adapter.Registry {
	registry := adapter.NewRegistry()
	if cfg.GitHub.ClientID != "" {
		registry.Register(github.New(github.Config{
			ClientID:      cfg.GitHub.ClientID,
			ClientSecret:  cfg.GitHub.ClientSecret,
			WebhookSecret: cfg.GitHub.WebhookSecret,
		}))
	}
	if cfg.Slack.ClientID != "" {
		registry.Register(slack.New(slack.Config{
			ClientID:      cfg.Slack.ClientID,
			ClientSecret:  cfg.Slack.ClientSecret,
			SigningSecret: cfg.Slack.SigningSecret,
		}))
	}
	return registry
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Stores
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	box, err := store.NewSecretBox(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("init secret box: %w", err)
	}

	creds := store.NewCredentialStore(db, box)
	graph := store.NewGraphStore(db)
	status := store.NewStatusStore(db)
	weblog := store.NewWebhookLog(db)

	// Platform adapters
	registry := buildRegistry(cfg)
	if len(registry.Platforms()) == 0 {
		slog.Warn("no platform adapters configured")
	}

	// Queues and the sync/webhook pipeline
	orch := jobs.NewOrchestrator()
	defaultTeam := types.TeamID("")
	if len(cfg.AuthTokens) > 0 {
		defaultTeam = types.TeamID(cfg.AuthTokens[0].TeamID)
	}
	manager := platform.NewManager(platform.Config{
		SyncInterval:   time.Duration(cfg.Sync.IntervalMinutes) * time.Minute,
		RefreshMargin:  time.Duration(cfg.Sync.RefreshMarginMinutes) * time.Minute,
		AdapterTimeout: time.Duration(cfg.Sync.AdapterTimeoutSecs) * time.Second,
		DefaultTeam:    defaultTeam,
	}, registry, creds, graph, status, weblog, orch)
	if err := manager.Attach(); err != nil {
		return fmt.Errorf("attach platform manager: %w", err)
	}

	ix, err := indexer.New(graph)
	if err != nil {
		return fmt.Errorf("create indexer: %w", err)
	}
	if err := ix.Attach(orch); err != nil {
		return fmt.Errorf("attach indexer: %w", err)
	}

	// Notifications
	notifyReg := notify.NewRegistry()
	if err := notifyReg.Attach(orch); err != nil {
		return fmt.Errorf("attach notification registry: %w", err)
	}
	deadTarget := ""
	if cfg.Telegram.Token != "" && cfg.Telegram.OperatorChatID != 0 {
		tg, err := notify.NewTelegramChannel(cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("create telegram channel: %w", err)
		}
		notifyReg.Register("telegram:", tg.Send)
		deadTarget = fmt.Sprintf("telegram:%d", cfg.Telegram.OperatorChatID)
		slog.Info("telegram notifications enabled", "chat_id", cfg.Telegram.OperatorChatID)
	} else {
		slog.Warn("telegram notifications disabled (no token or chat id)")
	}
	notify.NewDeadLetterNotifier(orch, deadTarget)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch.Start(ctx)
	defer orch.Stop()

	// Scheduler
	sched := scheduler.New(status, manager, "@every 1m")
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// HTTP server
	resolver := identity.NewStaticResolver(cfg.AuthTokens)
	api := httpapi.NewServer(manager, graph, status, orch, resolver, cfg.HTTP.PublicURL)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: api,
	}
	go func() {
		slog.Info("http server started", "listen", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("contexthub started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"platforms", registry.Platforms(),
		"listen", cfg.HTTP.Listen,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
