package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/regpull/internal/config"
)

var configInitForce bool

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage regpull configuration. Subcommands print the effective
configuration or write a starter file.`,
		Example: `  regpull config show
  regpull config init --config ./regpull.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigInitCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration in YAML format. Registry passwords
are masked.`,
		Example: `  regpull config show
  regpull config show --config /etc/regpull/regpull.yaml`,
		Args: cobra.NoArgs,
		RunE: configShowRun,
	}
}

func configShowRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	shown := *globalCfg
	shown.Registries = make(map[string]config.RegistryConfig, len(globalCfg.Registries))
	for name, r := range globalCfg.Registries {
		if r.Password != "" {
			r.Password = "********"
		}
		shown.Registries[name] = r
	}

	data, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if cfgPath != "" {
		fmt.Printf("# %s\n", cfgPath)
	}
	fmt.Print(string(data))
	return nil
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Write the default configuration to --config, or to
~/.config/regpull/regpull.yaml when no path is given.`,
		Example: `  regpull config init
  regpull config init --config ./regpull.yaml --force`,
		Args: cobra.NoArgs,
		RunE: configInitRun,
	}
	cmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	return cmd
}

func configInitRun(cmd *cobra.Command, args []string) error {
	path := config.DefaultConfigPath()
	if cfgPath != "" {
		path = cfgPath
	}

	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}
	slog.Default().Info("wrote config", "path", path)
	fmt.Printf("Wrote %s\n", path)
	return nil
}
