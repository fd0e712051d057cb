package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/regpull/internal/auth"
	"github.com/BadgerOps/regpull/internal/config"
	"github.com/BadgerOps/regpull/internal/download"
	"github.com/BadgerOps/regpull/internal/logging"
	"github.com/BadgerOps/regpull/internal/registry"
	"github.com/BadgerOps/regpull/internal/safety"
	"github.com/BadgerOps/regpull/internal/store"
)

var (
	// Global flags
	cfgPath   string
	logLevel  string
	logFormat string
	logFile   string
	noHistory bool
	globalCfg *config.Config
	logger    = slog.New(slog.NewTextHandler(os.Stderr, nil))
	logHandle *logging.Handle

	// Global components
	globalStore *store.Store
)

// initializeComponents opens the pull history store when enabled
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if !globalCfg.History.Enabled || noHistory {
		return nil
	}

	dbPath := globalCfg.HistoryDBPath()
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
		"show":    true,
		"catalog": true,
		"tags":    true,
		"exist":   true,
		"inspect": true,
		"ping":    true,
	}
	return skipInitCmds[cmdName]
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
		"init":    true,
	}
	return skipConfigCmds[cmdName]
}

// closeComponents closes the store and the log file
func closeComponents() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
	if logHandle != nil {
		_ = logHandle.Close()
		logHandle = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regpull",
		Short: "Pull container images from OCI and Docker registries without a daemon",
		Long: `regpull talks the Docker Registry HTTP API V2 directly. It resolves image
references, negotiates bearer or basic authentication, selects a platform
from manifest lists and downloads layers concurrently into a tar archive
that "docker load" accepts.`,
		Example: `  regpull pull alpine:3.20
  regpull pull --platform linux/arm64/v8 ghcr.io/org/app@sha256:...
  regpull tags quay.io/prometheus/node-exporter
  regpull catalog --registry localhost:5000
  regpull history`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd.Name()) {
				return setupLogging(config.LogConfig{Level: logLevel, Format: logFormat, File: logFile})
			}

			if cfgPath == "" {
				if found, err := config.FindConfigFile(); err == nil {
					cfgPath = found
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			// Command-line flags win over the config file
			logCfg := globalCfg.Log
			if cmd.Flags().Changed("log-level") || logCfg.Level == "" {
				logCfg.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") || logCfg.Format == "" {
				logCfg.Format = logFormat
			}
			if logFile != "" {
				logCfg.File = logFile
			}
			if err := setupLogging(logCfg); err != nil {
				return err
			}
			logger.Debug("config loaded", "path", cfgPath)

			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	cmd.PersistentFlags().BoolVar(&noHistory, "no-history", false, "do not record pulls in the history database")

	cmd.AddCommand(
		newPullCmd(),
		newTagsCmd(),
		newCatalogCmd(),
		newExistCmd(),
		newInspectCmd(),
		newPingCmd(),
		newHistoryCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging replaces the global logger
func setupLogging(cfg config.LogConfig) error {
	h, err := logging.New(logging.Options{Level: cfg.Level, Format: cfg.Format, File: cfg.File})
	if err != nil {
		return err
	}
	if logHandle != nil {
		_ = logHandle.Close()
	}
	logHandle = h
	logger = h.Logger()
	slog.SetDefault(logger)
	return nil
}

// newRegistryClient builds a client for host from the registry settings in
// the loaded config.
func newRegistryClient(host string) (*registry.Client, error) {
	if globalCfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	rc := globalCfg.Registry(registry.NormalizeHost(host))

	var authOpts []auth.Option
	if rc.BasicAuth {
		authOpts = append(authOpts, auth.WithBasicScheme())
	}
	client, err := registry.NewClient(registry.Options{
		Host:   rc.Host,
		Scheme: rc.Scheme,
		Credentials: auth.Credentials{
			Username: rc.Username,
			Password: rc.Password,
		},
		HTTPClient: safety.NewHTTPClient(safety.ClientOptions{
			Timeout:            globalCfg.Pull.Timeout,
			InsecureSkipVerify: rc.Insecure,
		}),
		Logger:      logger,
		AuthOptions: authOpts,
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("registry client", "url", client.BaseURL(), "basic_auth", rc.BasicAuth, "insecure", rc.Insecure)
	return client, nil
}

// newDownloader builds the blob download client for host. Layer downloads
// have no overall timeout.
func newDownloader(host string) *download.Client {
	rc := globalCfg.Registry(registry.NormalizeHost(host))
	return download.NewClient(safety.NewHTTPClient(safety.ClientOptions{
		InsecureSkipVerify: rc.Insecure,
	}), logger)
}
