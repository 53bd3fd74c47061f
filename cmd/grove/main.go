package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"grove/internal/assembler"
	"grove/internal/bus"
	"grove/internal/channel"
	"grove/internal/config"
	"grove/internal/engine"
	"grove/internal/metrics"
	"grove/internal/prompt"
	"grove/internal/provider"
	"grove/internal/registry"
	"grove/internal/router"
	"grove/internal/store"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	engine.SetVersion(version)

	root := &cobra.Command{
		Use:   "grove",
		Short: "Grove: multi-handler chat router with shared history",
		Long:  "Grove routes chat messages across a pool of model-backed handlers that share one conversation history per channel.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.grove/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if cfg.Handlers.Dir != "" {
				if err := os.MkdirAll(cfg.Handlers.Dir, 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "db", cfg.Store.DBPath)
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		return config.Defaults()
	}
	return cfg
}

// setupLogger rebuilds the process logger from config: level from
// general.logLevel, destination from general.logFile if set.
func setupLogger(cfg *config.Config) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.General.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	out := os.Stderr
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		out = f
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return nil
}

// core holds the wired pipeline shared by chat and gateway.
type core struct {
	cfg    *config.Config
	bus    *bus.InMemoryBus
	store  *store.SQLiteStore
	engine *engine.Engine
}

func buildCore(cfg *config.Config) (*core, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.DBPath), 0o755); err != nil {
		return nil, err
	}

	messageBus := bus.New(cfg.General.BusBuffer, logger)

	ctxStore, err := store.NewSQLiteStore(cfg.Store.DBPath, cfg.General.DefaultWindowSize, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	descriptors := registry.Builtins()
	if dir := cfg.Handlers.Dir; dir != "" {
		if extra, err := registry.LoadFromDirectory(dir, logger); err != nil {
			logger.Warn("handler pack load failed", "dir", dir, "err", err)
		} else {
			descriptors = append(descriptors, extra...)
		}
	}
	reg, err := registry.New(descriptors)
	if err != nil {
		ctxStore.Close()
		return nil, fmt.Errorf("handler registry: %w", err)
	}

	factory := provider.NewFactory(cfg, logger)

	eng := engine.New(engine.Config{
		Store:       ctxStore,
		Registry:    reg,
		Router:      router.New(reg, logger),
		Renderer:    prompt.NewRenderer(cfg.General.Timezone),
		Assembler:   assembler.New(factory, ctxStore, logger),
		Bus:         messageBus,
		Logger:      logger,
		Concurrency: cfg.General.MaxConcurrentMessages,
	})

	// Mirror every core event into the debug log so a verbose run shows the
	// full routing lifecycle without instrumenting each component.
	eng.Events().On("*", func(ev bus.Event) {
		logger.Debug("core event", "type", ev.Type, "source", ev.Source, "payload", ev.Payload)
	})

	return &core{cfg: cfg, bus: messageBus, store: ctxStore, engine: eng}, nil
}

func (c *core) close() {
	c.bus.Close()
	if err := c.store.Close(); err != nil {
		logger.Warn("store close", "err", err)
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start interactive chat (CLI)",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if err := setupLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := buildCore(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	go c.engine.Run(ctx)

	cli := channel.NewCLI(channel.CLIConfig{Logger: logger})
	return cli.Start(ctx, c.bus)
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start all enabled channels and the routing engine",
		Long:  "Starts Discord and Telegram channels (as enabled in config) plus the routing engine. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := setupLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := buildCore(cfg)
	if err != nil {
		return err
	}

	go c.engine.Run(ctx)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetricsServer(cfg.Metrics)
	}

	started := 0
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc := channel.NewDiscord(channel.DiscordConfig{
			Token:   cfg.Channels.Discord.Token,
			GuildID: cfg.Channels.Discord.GuildID,
			Admins:  cfg.Channels.Discord.Admins,
			Logger:  logger,
		})
		go func() {
			if err := dc.Start(ctx, c.bus); err != nil {
				logger.Error("discord channel error", "err", err)
			}
		}()
		started++
		logger.Info("discord channel enabled")
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			Admins:    cfg.Channels.Telegram.Admins,
			ParseMode: cfg.Channels.Telegram.ParseMode,
			Logger:    logger,
		})
		go func() {
			if err := tg.Start(ctx, c.bus); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		started++
		logger.Info("telegram channel enabled")
	}

	if started == 0 {
		c.close()
		return errors.New("no channels enabled; enable discord or telegram in config, or use `grove chat`")
	}

	logger.Info("gateway started", "channels", started, "version", version)

	<-ctx.Done()
	logger.Info("shutting down gateway...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "err", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return errors.New("shutdown timed out")
	}
}

func startMetricsServer(cfg config.MetricsConfig) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Endpoint, metrics.Collector.Handler())

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", srv.Addr, "endpoint", cfg.Endpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "err", err)
		}
	}()
	return srv
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			for name, pc := range cfg.Providers {
				logger.Info("provider", "name", name, "enabled", pc.Enabled)
			}

			reg, err := registry.New(registry.Builtins())
			if err != nil {
				return err
			}
			logger.Info("handlers", "count", len(reg.List()), "default", reg.Fallback().ID)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. general.defaultWindowSize)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. general.timezone America/Chicago)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
