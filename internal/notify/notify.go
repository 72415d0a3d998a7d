// Package notify raises desktop notifications when a running instance is
// activated by a later launch.
// It uses github.com/gen2brain/beeep for cross-platform notification support.
package notify

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/rescale/only/internal/logging"
)

// Notifier turns activations into desktop notifications. It satisfies
// instance.ActivationSink.
type Notifier struct {
	logger  *logging.Logger
	title   string
	beep    bool
	enabled bool
	mu      sync.RWMutex

	// send delivers one notification; beeep.Notify outside tests.
	send func(title, message string) error

	// alert delivers a prominent notification; beeep.Alert outside tests.
	alert func(title, message string) error
}

// Config holds notification configuration.
type Config struct {
	// Enabled determines if notifications are sent.
	Enabled bool

	// AppName is the notification title and the application name reported
	// to the desktop.
	AppName string

	// Beep plays the system beep along with each notification.
	Beep bool
}

// DefaultConfig returns the default notification configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		AppName: "only",
	}
}

// NewNotifier creates a new notifier with the given configuration.
func NewNotifier(cfg *Config, logger *logging.Logger) *Notifier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	title := cfg.AppName
	if title == "" {
		title = DefaultConfig().AppName
	}
	beeep.AppName = title

	return &Notifier{
		logger:  logger,
		title:   title,
		beep:    cfg.Beep,
		enabled: cfg.Enabled,
		send:    sendDesktop,
		alert:   alertDesktop,
	}
}

// SetEnabled enables or disables notifications.
func (n *Notifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// IsEnabled returns whether notifications are enabled.
func (n *Notifier) IsEnabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled
}

// OnActivationRequested shows the arguments of the launch that activated
// this instance.
func (n *Notifier) OnActivationRequested(_ context.Context, args []string) error {
	if !n.IsEnabled() {
		return nil
	}

	if err := n.send(n.title, describeArgs(args)); err != nil {
		return fmt.Errorf("failed to send activation notification: %w", err)
	}
	if n.beep {
		_ = beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
	}
	return nil
}

// LeaderStarted announces that this process now owns the instance.
func (n *Notifier) LeaderStarted(id string) {
	if !n.IsEnabled() {
		return
	}

	message := fmt.Sprintf("Running as %s.\nLater launches will be forwarded here.", truncate(id, 60))
	if err := n.send(n.title, message); err != nil && n.logger != nil {
		n.logger.Warn().Err(err).Msg("Failed to send leader started notification")
	}
}

// Alert sends an alert notification (error level).
// This is for critical issues that require user attention, such as a leader
// that could not start.
func (n *Notifier) Alert(message string) {
	if !n.IsEnabled() {
		return
	}

	title := n.title + " alert"

	if err := n.alert(title, message); err != nil {
		// Fall back to regular notify
		if err := n.send(title, message); err != nil && n.logger != nil {
			n.logger.Error().Err(err).Str("message", message).Msg("Failed to send alert notification")
		}
	}
}

// alertDesktop uses beeep.Alert, which is more prominent on some platforms.
func alertDesktop(title, message string) error {
	return beeep.Alert(title, message, "")
}

// sendDesktop is cross-platform:
// - Windows: toast notifications
// - macOS: osascript / terminal-notifier
// - Linux: D-Bus notifications
func sendDesktop(title, message string) error {
	return beeep.Notify(title, message, "")
}

// describeArgs renders an argument list for a notification body.
func describeArgs(args []string) string {
	if len(args) == 0 {
		return "Activated without arguments."
	}

	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if strings.ContainsAny(arg, `/\`) && !strings.HasPrefix(arg, "-") {
			arg = shortenPath(arg)
		}
		parts = append(parts, arg)
	}
	return "Activated with:\n" + truncate(strings.Join(parts, " "), 200)
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// shortenPath abbreviates a long path for display in notifications.
func shortenPath(path string) string {
	const maxLen = 60

	if len(path) <= maxLen {
		return path
	}

	// Try to show drive/root + ... + last 2 path components
	_, file := filepath.Split(path)
	parentDir := filepath.Base(filepath.Dir(path))

	short := filepath.Join("...", parentDir, file)

	// Add volume/drive if there's room
	vol := filepath.VolumeName(path)
	if vol != "" && len(vol)+len(short)+1 <= maxLen {
		short = vol + string(filepath.Separator) + short
	}

	// If still too long, just truncate
	if len(short) > maxLen {
		return "..." + path[len(path)-(maxLen-3):]
	}

	return short
}
