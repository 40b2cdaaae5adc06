package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"unllamabot/internal/bot"
	"unllamabot/internal/chat"
	"unllamabot/internal/config"
	"unllamabot/internal/discord"
	"unllamabot/internal/handler"
	"unllamabot/internal/llama"
	"unllamabot/internal/storage"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/bcrypt"
)

var (
	configFile      string
	overwriteConfig bool
	logLevel        string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "unllamabot",
	Short: "Discord bridge to a llama.cpp-compatible inference server",
	Long: `unllamabot connects a Discord bot to a locally hosted llama.cpp server.

It relays prompts to the inference server, streams the generated answer
back through message edits and keeps a per-user conversation history in
SQLite. The Discord token comes from the ` + config.EnvDiscordToken + `
environment variable; the server URL from the config file or ` + config.EnvLlamaURL + `.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional, ignore a missing file
		_ = godotenv.Load()

		zapConfig := zap.NewProductionConfig()
		level, err := zapcore.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		zapConfig.Level = zap.NewAtomicLevelAt(level)
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBot()
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Generate a bcrypt hash for the admin API password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		fmt.Println(string(hash))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config-file", "unllamabot.toml",
		"path to the bot configuration file; created with defaults when missing")
	rootCmd.PersistentFlags().BoolVar(&overwriteConfig, "overwrite-config", false,
		"replace an existing config file with defaults when it cannot be loaded")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.AddCommand(hashPasswordCmd)
}

func runBot() error {
	cfg, err := config.LoadOrCreate(configFile, overwriteConfig)
	if err != nil {
		return err
	}
	if cfg.DiscordToken == "" {
		return fmt.Errorf("discord token missing, set the %s environment variable", config.EnvDiscordToken)
	}
	if cfg.Llama.URL == "" {
		return fmt.Errorf("inference server URL missing, set llama.url in %s or the %s environment variable",
			configFile, config.EnvLlamaURL)
	}

	store, err := storage.Open(cfg.Bot.ChatDatabasePath, cfg.Bot.DefaultSystemPrompt)
	if err != nil {
		return err
	}
	defer store.Close()

	var formatter *chat.Formatter
	if cfg.Llama.ChatTemplateFile != "" {
		formatter, err = chat.NewFormatterFromFile(cfg.Llama.ChatTemplateFile)
	} else {
		formatter, err = chat.NewFormatter(cfg.Llama.ChatTemplate)
	}
	if err != nil {
		return err
	}

	client := llama.NewClient(cfg.Llama.URL,
		time.Duration(cfg.Llama.RequestTimeoutMS)*time.Millisecond,
		logger.Named("llama"))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		logger.Warn("inference server not healthy yet, starting anyway", zap.Error(err))
	}

	core := bot.New(cfg, store, client, formatter, logger.Named("bot"))

	front, err := discord.New(cfg, core, logger.Named("discord"))
	if err != nil {
		return err
	}
	if err := front.Open(); err != nil {
		return err
	}
	defer front.Close()
	logger.Info("bot is running",
		zap.String("chat_template", formatter.Name()),
		zap.String("config", configFile))

	if cfg.AdminAPI.Enabled {
		api := handler.NewAPI(core, cfg.AdminAPI, logger.Named("admin"))
		go func() {
			if err := api.Serve(); err != nil {
				logger.Error("admin API stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
