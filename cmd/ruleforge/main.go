// RuleForge - detection rule builder
// Main entry point with CLI interface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ruleforge/ruleforge/internal/catalog"
	"github.com/ruleforge/ruleforge/internal/client"
	"github.com/ruleforge/ruleforge/internal/config"
	"github.com/ruleforge/ruleforge/internal/draft"
	"github.com/ruleforge/ruleforge/internal/gateway"
	"github.com/ruleforge/ruleforge/internal/importer"
	"github.com/ruleforge/ruleforge/internal/logging"
	"github.com/ruleforge/ruleforge/internal/storage"
	"github.com/ruleforge/ruleforge/internal/types"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "ruleforge",
		Short: "Detection rule builder",
		Long: `RuleForge builds detection rules from a catalog of parameterized tests.

Rules are authored through a five-step wizard (over HTTP with 'ruleforge serve')
or from YAML/JSON draft documents, compiled to the rule query language and
saved to local storage or a remote rule API.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ruleforge.yaml", "Config file path")

	cmd.AddCommand(
		newInitCmd(&configPath),
		newServeCmd(&configPath),
		newCatalogCmd(&configPath),
		newCompileCmd(&configPath),
		newValidateCmd(&configPath),
		newSubmitCmd(&configPath),
		newRulesCmd(&configPath),
		newStatusCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "RuleForge %s (built %s)\n", Version, BuildTime)
			},
		},
	)
	return cmd
}

// env is what every command needs from the config file.
type env struct {
	cfg      *config.Config
	catalog  *catalog.Catalog
	defaults draft.Defaults
}

func loadEnv(configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, catalog: cat, defaults: defaultsFrom(cfg.Wizard)}, nil
}

// defaultsFrom converts the wizard config section into draft defaults.
func defaultsFrom(w config.WizardConfig) draft.Defaults {
	d := draft.DefaultDefaults()
	d.Name = w.DefaultRuleName
	if w.DefaultGroup != "" {
		d.Group = w.DefaultGroup
	}
	if w.DefaultSeverity != "" {
		d.Severity = types.ParseSeverity(w.DefaultSeverity)
	}
	return d
}

// openRepository returns the remote rule API when it is enabled and the local
// SQLite store otherwise.
func openRepository(cfg *config.Config, logger zerolog.Logger) (storage.RuleRepository, func(), error) {
	if cfg.Remote.Enabled {
		return client.NewRemote(cfg.Remote.BaseURL, cfg.Remote.Timeout, logger), func() {}, nil
	}
	if cfg.Storage.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.DSN), 0750); err != nil {
			return nil, nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	store, err := storage.NewSQLite(cfg.Storage.DSN, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

// cliLogger is used by one-shot commands; it only reports warnings, on stderr.
func cliLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()
}

func newInitCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if _, err := os.Stat(*configPath); err == nil {
				fmt.Fprintf(out, "%s already exists. Delete it to re-initialize.\n", *configPath)
				return nil
			}

			cfg := config.DefaultConfig()
			if err := os.MkdirAll(cfg.Importer.Dir, 0750); err != nil {
				return fmt.Errorf("creating drafts directory: %w", err)
			}
			if err := cfg.Save(*configPath); err != nil {
				return err
			}
			_, closeRepo, err := openRepository(cfg, zerolog.Nop())
			if err != nil {
				return fmt.Errorf("initializing database: %w", err)
			}
			closeRepo()

			fmt.Fprintln(out, "✓ RuleForge initialized successfully!")
			fmt.Fprintf(out, "  Config: %s\n", *configPath)
			fmt.Fprintf(out, "  Drafts: %s\n", cfg.Importer.Dir)
			fmt.Fprintf(out, "  DB:     %s\n", cfg.Storage.DSN)
			fmt.Fprintln(out, "\nRun 'ruleforge serve' to start the API.")
			return nil
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API (and the draft importer when enabled)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), e)
		},
	}
}

func serve(parent context.Context, e *env) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg := e.cfg

	logger, closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer closer.Close()

	log := logging.Component(logger, "main")
	log.Info().
		Str("version", Version).
		Int("catalog_tests", e.catalog.Len()).
		Msg("starting RuleForge")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openRepository(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer closeRepo()

	deps := gateway.Deps{
		Catalog:  e.catalog,
		Repo:     repo,
		Defaults: e.defaults,
		Version:  Version,
	}
	if cfg.Tester.Enabled {
		deps.Tester = client.NewTester(cfg.Tester.BaseURL, cfg.Tester.Timeout, logger)
	}

	srv, err := gateway.NewServer(cfg.Server, deps, logger)
	if err != nil {
		return err
	}

	if cfg.Importer.Enabled {
		if err := os.MkdirAll(cfg.Importer.Dir, 0750); err != nil {
			return fmt.Errorf("creating drafts directory: %w", err)
		}
		im, err := importer.New(cfg.Importer.Dir, e.catalog, repo, e.defaults, logger)
		if err != nil {
			return err
		}
		defer im.Stop()
		go func() {
			if err := im.Start(ctx); err != nil {
				log.Error().Err(err).Msg("importer stopped")
			}
		}()
	}

	log.Info().
		Str("addr", cfg.Server.ListenAddr).
		Bool("remote", cfg.Remote.Enabled).
		Bool("tester", cfg.Tester.Enabled).
		Bool("importer", cfg.Importer.Enabled).
		Msg("RuleForge is running")

	err = srv.Start(ctx)
	log.Info().Msg("RuleForge shutting down")
	return err
}
