package hooks

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Notifier tells the surrounding launcher that the installation changed
type Notifier interface {
	// RequestUpdateCheck asks the launcher to run a fresh update check
	RequestUpdateCheck(ctx context.Context) error
	// InvalidateUpdateStatus drops any cached "update available" status
	InvalidateUpdateStatus(ctx context.Context) error
}

// CommandNotifier implements Notifier by running external commands.
// An empty argv disables the corresponding hook.
type CommandNotifier struct {
	updateCheck []string
	invalidate  []string
}

// NewCommandNotifier creates a notifier from the configured argv lists
func NewCommandNotifier(updateCheck, invalidate []string) *CommandNotifier {
	return &CommandNotifier{updateCheck: updateCheck, invalidate: invalidate}
}

// RequestUpdateCheck runs the update-check hook
func (n *CommandNotifier) RequestUpdateCheck(ctx context.Context) error {
	return run(ctx, "update_check", n.updateCheck)
}

// InvalidateUpdateStatus runs the invalidate-update-status hook
func (n *CommandNotifier) InvalidateUpdateStatus(ctx context.Context) error {
	return run(ctx, "invalidate_update_status", n.invalidate)
}

func run(ctx context.Context, name string, argv []string) error {
	if len(argv) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s hook %q failed: %w: %s", name, argv[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Nop is a Notifier that does nothing
type Nop struct{}

func (Nop) RequestUpdateCheck(context.Context) error     { return nil }
func (Nop) InvalidateUpdateStatus(context.Context) error { return nil }
