package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

const appName = "Issue Orchestrator"

// DesktopNotifier shows outcomes through osascript or notify-send
type DesktopNotifier struct {
	enabled bool
	command func(ctx context.Context, name string, args ...string) error
}

// NewDesktopNotifier creates a new desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled, command: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Send sends a desktop notification
func (d *DesktopNotifier) Send(ctx context.Context, n Notification) error {
	if !d.enabled {
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification "%s" with title "%s" subtitle "%s"`,
			escapeAppleScript(n.Message), appName, escapeAppleScript(n.Title))
		return d.command(ctx, "osascript", "-e", script)
	case "linux":
		return d.command(ctx, "notify-send",
			"--app-name", appName,
			"--urgency", urgency(n.Type),
			"--icon", IconForType(n.Type),
			n.Title, n.Message)
	default:
		return nil
	}
}

func escapeAppleScript(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func urgency(t NotificationType) string {
	if t == NotifyError {
		return "critical"
	}
	return "normal"
}

// IconForType returns an icon name for the notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
