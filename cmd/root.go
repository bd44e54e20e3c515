package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/tdd/internal/holder"
	"github.com/joescharf/tdd/internal/log"
	"github.com/joescharf/tdd/internal/output"
	"github.com/joescharf/tdd/internal/session"
	"github.com/joescharf/tdd/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store
	registry  *session.Registry

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "tdd",
	Short: "TDD session engine - guide AI agents through test-driven development",
	Long: `tdd keeps an AI agent honest about test-driven development.

Each session is an append-only log of events (start, phase changes with
evidence, rollbacks, notes). The current phase and cycle are always derived
by replaying that log. Agents drive sessions through the MCP server
('tdd mcp'); the other commands inspect and repair stored sessions.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	closeDeps()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/tdd/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if dir, err := configDirFunc(); err == nil {
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// TDD_MCP_SESSION_DIR, TDD_MCP_LOCK_STALE_AFTER, ...
	viper.SetEnvPrefix("TDD_MCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default value.
func setDefaults() {
	viper.SetDefault("session_dir", filepath.Join(".tdd-mcp", "sessions"))
	viper.SetDefault("backend", store.BackendFile)
	viper.SetDefault("db_path", filepath.Join(".tdd-mcp", "tdd.db"))
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "json")
	viper.SetDefault("lock.stale_after", "0s")
	viper.SetDefault("holder_name", "tdd-mcp")
	viper.SetDefault("serve.addr", "127.0.0.1:8484")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := viper.GetString("log_level")
	if verbose {
		level = "debug"
	}
	log.Configure(log.Config{
		Level:   level,
		Console: viper.GetString("log_format") == "console",
		Version: buildVersion,
	})

	// The store is opened lazily so config/version run without one.
}

// storeConfig reads the backend selection from configuration.
func storeConfig() store.Config {
	return store.Config{
		Backend:    viper.GetString("backend"),
		SessionDir: viper.GetString("session_dir"),
		DBPath:     viper.GetString("db_path"),
	}
}

// getStore returns the shared store, opening it on first call.
func getStore(ctx context.Context) (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}
	s, err := store.Open(ctx, storeConfig())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", viper.GetString("backend"), err)
	}
	dataStore = s
	return dataStore, nil
}

// getRegistry returns the process-wide session registry, building it and
// the store it sits on at first use.
func getRegistry(ctx context.Context) (*session.Registry, error) {
	if registry != nil {
		return registry, nil
	}
	s, err := getStore(ctx)
	if err != nil {
		return nil, err
	}
	checker := holder.NewChecker(viper.GetDuration("lock.stale_after"))
	registry = session.NewRegistry(s, holder.New(viper.GetString("holder_name")),
		session.WithStaleChecker(checker),
	)
	return registry, nil
}

// closeDeps releases locks still held by this process and closes the store.
func closeDeps() {
	ctx := context.Background()
	if registry != nil {
		if err := registry.Close(ctx); err != nil {
			l := log.WithComponent("cmd")
			l.Warn().Err(err).Msg("release locks on exit")
		}
		registry = nil
	}
	if dataStore != nil {
		_ = dataStore.Close()
		dataStore = nil
	}
}
