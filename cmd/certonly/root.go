package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/caasmo/restinpieces"
	legolog "github.com/go-acme/lego/v4/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	acme "github.com/caasmo/restinpieces-certonly"
	"github.com/caasmo/restinpieces-certonly/zombiezen"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configFile string
	dbPath     string
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:           "certonly",
		Short:         "Issue and renew Let's Encrypt certificates using a webroot",
		Long:          "certonly obtains and renews certificates through HTTP-01 challenges published in a webroot directory and keeps key, certificate, chain, fullchain and key+fullchain files up to date.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load .env: %w", err)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "Path to a TOML configuration file")
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "Path to the SQLite database recording issued certificates (optional)")
	bindConfigFlags(root.PersistentFlags())

	root.AddCommand(newCertonlyCmd(g), newRenewCmd(g), newServeCmd(g))
	return root
}

// session is what every command needs once the configuration is loaded.
type session struct {
	cfg          acme.Config
	logger       *slog.Logger
	orchestrator *acme.Orchestrator
	close        func()
}

func openSession(ctx context.Context, cmd *cobra.Command, g *globalOptions) (*session, error) {
	cfg, err := loadConfig(cmd, g.configFile)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Debug)
	logger.Debug("Configuration loaded", "config", cfg.String())

	configDir := cfg.PathContext().ConfigDir
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create --config-dir %q: %w", configDir, err)
	}

	s := &session{cfg: cfg, logger: logger, close: func() {}}
	var opts []acme.Option
	if g.dbPath != "" {
		logger.Info("Creating sqlite database pool", "path", g.dbPath)
		pool, err := restinpieces.NewZombiezenPool(g.dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		db := zombiezen.NewWriter(pool)
		if err := db.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		s.close = func() {
			if err := pool.Close(); err != nil {
				logger.Error("Error closing database pool", "error", err)
			}
		}
		opts = append(opts, acme.WithHistory(db))
	}

	s.orchestrator = acme.NewOrchestrator(logger, opts...)
	return s, nil
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug || os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	// lego's own progress output is only interesting when debugging
	legolog.Logger = slog.NewLogLogger(logger.Handler(), slog.LevelDebug)
	return logger
}
