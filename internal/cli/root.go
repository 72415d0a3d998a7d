// Package cli provides the command-line interface for only.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rescale/only/internal/appid"
	"github.com/rescale/only/internal/config"
	"github.com/rescale/only/internal/logging"
	"github.com/rescale/only/internal/version"
)

var (
	// Global flags
	cfgFile    string
	appName    string
	runtimeDir string
	verbose    bool
	debug      bool

	// Loaded by the root command before any subcommand runs
	cfg *config.Config

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// ExitError carries a specific process exit code out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode maps an Execute result to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "only",
		Short: "Single-instance coordination for desktop applications",
		Long: `only ` + version.String() + `
Keeps one running instance per application and user. The first launch
becomes the leader; later launches hand their arguments to it and exit.

Configuration is read from ` + defaultConfigHint() + `
and may be overridden with ONLY_APP_NAME, ONLY_RUNTIME_DIR and ONLY_LOG_LEVEL.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initialize()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&appName, "app", "", "Application name (default: executable name)")
	rootCmd.PersistentFlags().StringVar(&runtimeDir, "runtime-dir", "", "Directory for lock, PID and socket files")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output (same as --verbose)")

	rootCmd.Version = version.String()
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	return rootCmd
}

func defaultConfigHint() string {
	path, err := config.DefaultConfigPath()
	if err != nil {
		return "only.conf"
	}
	return path
}

// initialize loads configuration, applies flag overrides and sets up logging.
func initialize() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if appName != "" {
		loaded.Instance.AppName = appName
	}
	if runtimeDir != "" {
		loaded.Instance.RuntimeDir = runtimeDir
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = loaded

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	if verbose || debug {
		level = zerolog.DebugLevel
	}
	logging.SetGlobalLevel(level)

	l, err := logging.NewLogger(cfg.LogFile())
	if err != nil {
		return err
	}
	logger = l
	return nil
}

// Execute runs the CLI.
func Execute() error {
	// Create a context that can be cancelled by signals
	rootContext, cancelFunc = context.WithCancel(context.Background())
	defer cancelFunc()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		for sig := range sigChan {
			if sig != nil {
				GetLogger().Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := executeRoot(rootCmd)

	// Clean up signal handler
	signal.Stop(sigChan)
	close(sigChan)

	return err
}

// executeRoot runs rootCmd and closes the logger afterwards. Cobra skips
// post-run hooks when RunE fails, so the log file is closed here instead.
func executeRoot(rootCmd *cobra.Command) error {
	defer closeLogger()
	return rootCmd.Execute()
}

func closeLogger() {
	if logger == nil {
		return
	}
	if err := logger.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
	}
	logger = nil
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newIDCmd())
	rootCmd.AddCommand(newConfigCmd())
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return logger
}

// GetContext returns the global CLI context with signal handling.
// This context will be cancelled when the user presses Ctrl+C.
func GetContext() context.Context {
	if rootContext == nil {
		// Fallback to background context if called before Execute()
		return context.Background()
	}
	return rootContext
}

// currentConfig returns the loaded configuration, or defaults before load.
func currentConfig() *config.Config {
	if cfg == nil {
		return config.New()
	}
	return cfg
}

// resolveID derives the instance identifier from the configured app name and
// the current user.
func resolveID() (appid.ID, error) {
	return appid.Default(currentConfig().Instance.AppName)
}
