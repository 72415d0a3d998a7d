package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rescale/only/internal/appid"
	"github.com/rescale/only/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage only configuration",
		Long: `Configuration management commands for only.

Commands:
  init  - Write a configuration file with default values
  show  - Display the effective configuration
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var (
		force   bool
		logFile bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		Long: `Write only.conf with default values.

Flag overrides (--app, --runtime-dir) are stored in the new file.
Use --force to overwrite an existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return fmt.Errorf("failed to determine config path: %w", err)
			}

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Configuration already exists at: %s\n", path)
					fmt.Fprintln(cmd.OutOrStdout(), "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			c := config.New()
			c.Instance.AppName = appName
			c.Instance.RuntimeDir = runtimeDir
			if logFile {
				c.Logging.File = filepath.Join(config.LogDirectory(), "only.log")
			}

			if err := config.Save(c, path); err != nil {
				return err
			}
			GetLogger().Debug().Str("path", path).Msg("Configuration written")
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing configuration")
	cmd.Flags().BoolVar(&logFile, "log-file", false, "Enable the rotating log file in the default log directory")

	return cmd
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := currentConfig()
			path, _ := configPath()

			app := c.Instance.AppName
			if app == "" {
				app = appid.ExecutableName() + " (executable name)"
			}
			dir := c.Instance.RuntimeDir
			if dir == "" {
				dir = appid.DefaultRuntimeDir() + " (default)"
			}
			logFile := c.Logging.File
			if logFile == "" {
				logFile = "(none)"
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration file: %s\n\n", path)
			fmt.Fprintf(out, "[instance]\n")
			fmt.Fprintf(out, "  app_name:           %s\n", app)
			fmt.Fprintf(out, "  runtime_dir:        %s\n", dir)
			fmt.Fprintf(out, "  connect_attempts:   %d\n", c.Instance.ConnectAttempts)
			fmt.Fprintf(out, "  connect_timeout_ms: %d\n", c.Instance.ConnectTimeoutMs)
			fmt.Fprintf(out, "  read_timeout_ms:    %d\n", c.Instance.ReadTimeoutMs)
			fmt.Fprintf(out, "[logging]\n")
			fmt.Fprintf(out, "  level:              %s\n", c.Logging.Level)
			fmt.Fprintf(out, "  file:               %s\n", logFile)
			fmt.Fprintf(out, "[notifications]\n")
			fmt.Fprintf(out, "  enabled:            %t\n", c.Notifications.Enabled)
			return nil
		},
	}
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
