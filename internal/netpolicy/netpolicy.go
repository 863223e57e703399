// Package netpolicy applies per-lab network restrictions through an
// external privileged helper.
//
// The control plane never touches nftables itself. Each mode change
// shells out to the configured helper (typically a setuid wrapper or a
// sudo rule) which owns the actual rule set. Lifecycle ordering is the
// manager's job: rules are cleared before a lab stops and applied after
// it starts, because the helper needs the running container's network
// namespace.
package netpolicy

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/jkaninda/isolab/internal/netmode"
)

const helperTimeout = 10 * time.Second

// Applier applies and clears network rules for a lab.
type Applier interface {
	// Apply installs the rules for the lab's mode. The lab's container
	// must be running.
	Apply(ctx context.Context, name string, mode netmode.Mode) error
	// Clear removes any rules installed for the lab. Clearing a lab
	// that has no rules is not an error.
	Clear(ctx context.Context, name string) error
}

// New returns an ExecApplier for the given helper command, or a
// NopApplier when no helper is configured.
func New(command string, logger *slog.Logger) Applier {
	if strings.TrimSpace(command) == "" {
		return NopApplier{}
	}
	return &ExecApplier{command: command, logger: logger}
}

// ExecApplier invokes the helper binary with "apply <name> <mode>" and
// "clear <name>" argument forms under a hard timeout.
type ExecApplier struct {
	command string // helper command, may carry leading args ("sudo isolab-netctl")
	logger  *slog.Logger
}

func (a *ExecApplier) Apply(ctx context.Context, name string, mode netmode.Mode) error {
	return a.run(ctx, "apply", name, mode.String())
}

func (a *ExecApplier) Clear(ctx context.Context, name string) error {
	return a.run(ctx, "clear", name)
}

func (a *ExecApplier) run(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, helperTimeout)
	defer cancel()

	fields := strings.Fields(a.command)
	argv := append(fields[1:], args...)

	out, err := exec.CommandContext(ctx, fields[0], argv...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("net helper %s %s: %w (output: %s)",
			fields[0], strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}

	a.logger.Debug("net helper ran",
		slog.String("helper", fields[0]),
		slog.Any("args", args),
	)
	return nil
}

// NopApplier is used when no helper command is configured. Labs still
// get Docker-level network attachment by mode; fine-grained filtering
// is simply absent.
type NopApplier struct{}

func (NopApplier) Apply(ctx context.Context, name string, mode netmode.Mode) error { return nil }
func (NopApplier) Clear(ctx context.Context, name string) error                    { return nil }
