package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"rentchat/internal/bot"
	"rentchat/internal/bus"
	"rentchat/internal/chat"
	"rentchat/internal/client"
	"rentchat/internal/config"
	"rentchat/internal/domain"
	"rentchat/internal/gateway"
	"rentchat/internal/logging"
	"rentchat/internal/memory"
	"rentchat/internal/transport"
	"rentchat/internal/widget"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// A missing .env is fine.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "rentchat",
		Short:        "Rental support chat: gateway, widget and agent console",
		Long:         "rentchat runs the support chat gateway for the car-rental site, a terminal chat widget and the agent console.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.rentchat/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(adminCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults when it does not exist.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
		cfg.Store.DBPath = config.ExpandPath(cfg.Store.DBPath)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogging replaces the start-up logger with the configured one.
func setupLogging(cfg config.LogConfig) (func() error, error) {
	l, closeFn, err := logging.Open(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	logger = l
	slog.SetDefault(l)
	return closeFn, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			cfg.Client.UserID = "guest-" + uuid.NewString()[:8]
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "user_id", cfg.Client.UserID, "db", cfg.Store.DBPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat gateway (REST + WebSocket)",
		Long:  "Serves the chat REST API and WebSocket push channel, and closes idle sessions in the background. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := memory.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer store.Close()

	var responder *bot.Responder
	greeting := ""
	if cfg.Bot.Enabled {
		if responder, err = bot.New(cfg.Bot.RulesFile, logger); err != nil {
			return fmt.Errorf("bot rules: %w", err)
		}
		greeting = cfg.Bot.Greeting
		logger.Info("bot enabled", "rules", len(responder.Rules()), "rules_file", cfg.Bot.RulesFile)
	}

	var limiter *gateway.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = gateway.NewRateLimiter(cfg.RateLimit.Burst, float64(cfg.RateLimit.MessagesPerMinute))
	}

	svc, err := gateway.NewService(gateway.ServiceConfig{
		Store:            store,
		Events:           bus.NewEventBus(cfg.Gateway.EventHistory, logger),
		Bot:              responder,
		Limiter:          limiter,
		Greeting:         greeting,
		MaxMessageLength: cfg.Chat.MaxMessageLength,
		HistoryLimit:     cfg.Chat.HistoryLimit,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	srv := gateway.NewServer(gateway.Config{
		Service:        svc,
		AdminToken:     cfg.Gateway.AdminToken,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Metrics:        cfg.Metrics,
		Consent:        cfg.Consent,
		Logger:         logger,
	})
	if cfg.Gateway.AdminToken == "" {
		logger.Warn("gateway.adminToken is empty, admin endpoints are open")
	}

	reaper := gateway.NewReaper(gateway.ReaperConfig{
		Service: svc,
		Retention: memory.NewRetention(memory.RetentionConfig{
			Store:   store,
			MaxDays: cfg.Store.RetentionDays,
			Logger:  logger,
		}),
		Limiter:     limiter,
		IdleTimeout: cfg.Chat.IdleTimeout(),
		Interval:    cfg.Chat.ReaperInterval(),
		Logger:      logger,
	})

	var notifier *gateway.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier, err = gateway.NewNotifier(gateway.NotifierConfig{
			URL:     cfg.Notify.WebhookURL,
			Secret:  cfg.Notify.Secret,
			Timeout: cfg.Notify.Timeout(),
			Events:  svc.Events(),
			Logger:  logger,
		})
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Gateway.Addr()) })
	g.Go(func() error { return reaper.Run(gctx) })
	if notifier != nil {
		g.Go(func() error { return notifier.Run(gctx) })
	}

	logger.Info("gateway started. Press Ctrl+C to stop.", "version", version, "addr", cfg.Gateway.Addr())
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func chatCmd() *cobra.Command {
	var (
		userID   string
		restOnly bool
		noColor  bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the chat widget in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Keep the terminal for the conversation unless logs go to a file.
			logCfg := cfg.Log
			if logCfg.File == "" && logging.ParseLevel(logCfg.Level) < slog.LevelWarn {
				logCfg.Level = "warn"
			}
			closeLog, err := setupLogging(logCfg)
			if err != nil {
				return err
			}
			defer closeLog()

			if userID == "" {
				userID = cfg.Client.UserID
			}
			if userID == "" {
				userID = "guest-" + uuid.NewString()[:8]
				logger.Warn("no client.userId configured, using a one-off id", "user_id", userID)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, cfg, userID, restOnly, noColor)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id (default: client.userId)")
	cmd.Flags().BoolVar(&restOnly, "rest-only", false, "do not open the WebSocket push channel")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	return cmd
}

func runChat(ctx context.Context, cfg *config.Config, userID string, restOnly, noColor bool) error {
	api, err := client.New(client.Config{
		BaseURL:    cfg.Client.BaseURL,
		UserID:     userID,
		Timeout:    cfg.Client.Timeout(),
		MaxRetries: cfg.Client.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var push domain.Transport
	if !restOnly {
		ws := transport.New(transport.Config{
			URL:    cfg.Client.WSURL,
			UserID: userID,
			Logger: logger,
		})
		if err := ws.Connect(ctx); err != nil {
			logger.Warn("push channel unavailable, using REST only", "err", err)
			_ = ws.Close()
		} else {
			push = ws
			defer ws.Close()
		}
	}

	coord, err := chat.New(chat.CoordinatorConfig{
		API:            api,
		Transport:      push,
		Logger:         logger,
		DedupWindow:    cfg.Chat.DedupWindow(),
		ConfirmTimeout: cfg.Chat.ConfirmTimeout(),
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	w := widget.New(widget.Config{
		Chat:    coord,
		In:      os.Stdin,
		Out:     os.Stdout,
		NoColor: noColor,
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	g.Go(func() error { return coord.Run(runCtx) })
	g.Go(func() error {
		defer cancel()
		return w.Run(runCtx)
	})
	return g.Wait()
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway health and the configured user's chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			api, err := client.New(client.Config{
				BaseURL: cfg.Client.BaseURL,
				UserID:  cfg.Client.UserID,
				Timeout: cfg.Client.Timeout(),
				Logger:  logger,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			fmt.Fprintf(stdout, "rentchat %s\n", version)
			fmt.Fprintf(stdout, "  config:  %s\n", resolveConfigPath())
			fmt.Fprintf(stdout, "  gateway: %s\n", cfg.Client.BaseURL)
			if err := api.Health(ctx); err != nil {
				fmt.Fprintf(stdout, "  health:  %s (%v)\n", red("unreachable"), err)
				return nil
			}
			fmt.Fprintf(stdout, "  health:  %s\n", green("ok"))

			if cfg.Client.UserID == "" {
				return nil
			}
			sess, err := api.GetActiveSession(ctx)
			if err != nil {
				return fmt.Errorf("active session: %w", err)
			}
			if sess == nil {
				fmt.Fprintf(stdout, "  chat:    no open chat for %s\n", cfg.Client.UserID)
				return nil
			}
			fmt.Fprintf(stdout, "  chat:    %s %s, %d messages", sess.ID, statusColor(sess.Status), len(sess.Messages))
			if sess.AssignedAgent != nil {
				fmt.Fprintf(stdout, ", agent %s", sess.AssignedAgent.Name)
			}
			fmt.Fprintln(stdout)
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
		Short: "Get a config value (e.g. chat.idleTimeoutMinutes)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Fprintln(stdout, string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. gateway.port 9090)",
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
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			table := newTable(stdout, []string{"PATH", "VALUE"})
			for _, p := range config.SortedPaths(paths) {
				data, _ := json.Marshal(paths[p])
				_ = table.Append([]string{p, string(data)})
			}
			return table.Render()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(stdout, resolveConfigPath())
		},
	})

	return cmd
}
