package cli

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rescale/only/internal/appid"
	"github.com/rescale/only/internal/gate"
	"github.com/rescale/only/internal/instance"
	"github.com/rescale/only/internal/notify"
)

// instanceOptions builds facade options from the loaded configuration.
func instanceOptions(id appid.ID, args []string) instance.Options {
	c := currentConfig()
	if args == nil {
		args = []string{}
	}
	return instance.Options{
		ID:              id,
		Args:            args,
		RuntimeDir:      c.Instance.RuntimeDir,
		Logger:          GetLogger(),
		ConnectAttempts: c.Instance.ConnectAttempts,
		ConnectTimeout:  c.ConnectTimeout(),
		ReadTimeout:     c.ReadTimeout(),
	}
}

// newRunCmd creates the 'run' command.
func newRunCmd() *cobra.Command {
	var withNotify bool

	cmd := &cobra.Command{
		Use:   "run [-- args...]",
		Short: "Run as the leader, or forward arguments to the running leader",
		Long: `Run as the single instance for this application and user.

If no instance is running, this process becomes the leader: it prints every
activation it receives and keeps running until interrupted (Ctrl+C).

If an instance is already running, the arguments are handed to it and this
process exits with status 0.

Examples:
  only run --app editor
  only run --app editor -- --open notes.txt`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()

			id, err := resolveID()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var notifier *notify.Notifier
			if withNotify || currentConfig().Notifications.Enabled {
				name := currentConfig().Instance.AppName
				if name == "" {
					name = appid.ExecutableName()
				}
				notifier = notify.NewNotifier(&notify.Config{Enabled: true, AppName: name}, logger)
			}

			opts := instanceOptions(id, args)
			opts.Sink = instance.SinkFunc(func(ctx context.Context, received []string) error {
				fmt.Fprintf(out, "activation: %q\n", received)
				if notifier != nil {
					return notifier.OnActivationRequested(ctx, received)
				}
				return nil
			})
			opts.Main = func(ctx context.Context) int {
				fmt.Fprintf(out, "Running as %s (PID %d). Press Ctrl+C to stop.\n", id, os.Getpid())
				if notifier != nil {
					notifier.LeaderStarted(id.String())
				}
				<-ctx.Done()
				return 0
			}

			code, err := instance.Run(GetContext(), opts)
			if err != nil {
				if notifier != nil {
					notifier.Alert(fmt.Sprintf("%s could not start: %v", id, err))
				}
				return err
			}
			if code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withNotify, "notify", false, "Raise a desktop notification on each activation")

	return cmd
}

// newSendCmd creates the 'send' command.
func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send [-- args...]",
		Short: "Forward arguments to the running leader",
		Long: `Forward arguments to the running instance without ever becoming the leader.

Unlike 'run', a failed hand-off is reported and exits with a non-zero status.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveID()
			if err != nil {
				return err
			}
			if err := instance.Forward(GetContext(), instanceOptions(id, args)); err != nil {
				return fmt.Errorf("no running instance of %s accepted the arguments: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Delivered %d argument(s) to %s\n", len(args), id)
			return nil
		},
	}
}

// newStatusCmd creates the 'status' command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the identifier, paths and current leader",
		Long: `Show where the instance lock and endpoint live and which process leads.

Status never connects to the leader or takes the lock, so it cannot
trigger an activation or steal leadership.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveID()
			if err != nil {
				return err
			}
			paths, err := appid.Resolve(id, currentConfig().Instance.RuntimeDir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Instance %s\n", id)
			fmt.Fprintf(out, "  Runtime dir: %s\n", paths.Dir)
			fmt.Fprintf(out, "  Lock file:   %s\n", paths.Lock)
			fmt.Fprintf(out, "  Endpoint:    %s%s\n", paths.Endpoint, endpointState(paths.Endpoint))

			info := gate.InspectLeader(paths.PID)
			switch {
			case info.PID == 0:
				fmt.Fprintf(out, "  Leader:      none\n")
			case !info.Alive:
				fmt.Fprintf(out, "  Leader:      none (stale PID file for %d)\n", info.PID)
			default:
				name := info.Name
				if name == "" {
					name = "unknown"
				}
				fmt.Fprintf(out, "  Leader:      PID %d (%s)\n", info.PID, name)
				if !info.Since.IsZero() {
					fmt.Fprintf(out, "  Leading:     since %s\n", humanize.Time(info.Since))
				}
			}
			return nil
		},
	}
}

func endpointState(endpoint string) string {
	if runtime.GOOS == "windows" {
		return ""
	}
	if _, err := os.Stat(endpoint); err != nil {
		return " (absent)"
	}
	return " (present)"
}

// newIDCmd creates the 'id' command.
func newIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the instance identifier for this application and user",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveID()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
