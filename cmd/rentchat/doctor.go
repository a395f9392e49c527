package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"rentchat/internal/bot"
	"rentchat/internal/client"
	"rentchat/internal/config"
	"rentchat/internal/logging"
	"rentchat/internal/memory"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your rentchat installation",
		Long: `Verifies that the configuration, database, bot rules and gateway are
correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Fprintf(stdout, "rentchat doctor v%s\n", version)
			fmt.Fprintf(stdout, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed, failed, warned := 0, 0, 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Fprintf(stdout, "\nRun 'rentchat init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Fprintf(stdout, "\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Database opens, migrates and is writable
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if detail, err := checkDatabase(ctx, cfg.Store.DBPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", detail)
				passed++
			}

			// 4. Bot rules
			if cfg.Bot.Enabled {
				r, err := bot.New(cfg.Bot.RulesFile, logger)
				if err != nil {
					printFail("Bot rules", err.Error())
					failed++
				} else {
					printPass("Bot rules", fmt.Sprintf("%d rules", len(r.Rules())))
					passed++
				}
			} else {
				printWarn("Bot rules", "bot disabled, chats wait for an agent")
				warned++
			}

			// 5. Admin token
			if cfg.Gateway.AdminToken == "" {
				printWarn("Admin token", "gateway.adminToken is empty, admin endpoints are open")
				warned++
			} else {
				printPass("Admin token", "configured")
				passed++
			}

			// 6. Gateway reachable, or its port free to serve on
			api, err := client.New(client.Config{BaseURL: cfg.Client.BaseURL, Timeout: 3 * time.Second, Logger: logger})
			if err == nil {
				err = api.Health(ctx)
			}
			if err == nil {
				printPass("Gateway", cfg.Client.BaseURL+" is up")
				passed++
			} else if perr := checkPort(cfg.Gateway.Addr()); perr == nil {
				printWarn("Gateway", fmt.Sprintf("not running; %s is free for 'rentchat serve'", cfg.Gateway.Addr()))
				warned++
			} else {
				printFail("Gateway", fmt.Sprintf("%s unreachable and %s in use: %v", cfg.Client.BaseURL, cfg.Gateway.Addr(), perr))
				failed++
			}

			// 7. Log file writable
			if cfg.Log.File != "" {
				_, closeFn, err := logging.Open(cfg.Log, os.Stderr)
				if err != nil {
					printWarn("Log file", err.Error())
					warned++
				} else {
					_ = closeFn()
					printPass("Log file", cfg.Log.File)
					passed++
				}
			}

			fmt.Fprintf(stdout, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Fprintf(stdout, "Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Fprintf(stdout, "\nPlease fix the failed checks before running rentchat.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Fprintf(stdout, "\nrentchat should work but consider fixing the warnings.\n")
			} else {
				fmt.Fprintf(stdout, "\nAll checks passed! rentchat is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(ctx context.Context, dbPath string) (string, error) {
	store, err := memory.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return "", err
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return "", fmt.Errorf("cannot ping: %w", err)
	}
	v, err := store.SchemaVersion()
	if err != nil {
		return "", fmt.Errorf("schema version: %w", err)
	}
	return fmt.Sprintf("%s (schema v%d)", dbPath, v), nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
