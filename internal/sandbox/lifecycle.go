package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"

	"github.com/jkaninda/isolab/internal/netmode"
)

// SSHKeyError reports a missing or unreadable operator SSH key. Its
// message is shown to the operator verbatim.
type SSHKeyError struct {
	Path string
}

func (e *SSHKeyError) Error() string { return "SSH key not found: " + e.Path }

// CreateResult reports the outcome of a successful create.
type CreateResult struct {
	Name string
	Port int
	// Warning is non-empty when the lab is running but a helper step
	// failed (mode file, network rules). The lab is kept; the operator
	// decides what to do.
	Warning string
}

// Create provisions and starts a new lab with the given network mode.
// Port allocation and container creation happen under the manager lock
// so concurrent creates cannot claim the same port.
func (m *Manager) Create(ctx context.Context, name string, mode netmode.Mode) (*CreateResult, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	sshKey, err := m.readSSHKey()
	if err != nil {
		return nil, err
	}

	id, port, err := m.createContainer(ctx, name, mode, sshKey)
	if err != nil {
		return nil, err
	}

	if err := m.engine.Start(ctx, id); err != nil {
		return nil, fmt.Errorf("starting lab %s: %w", name, err)
	}

	var warnings []string
	if err := m.modes.Put(name, mode); err != nil {
		m.logger.ErrorContext(ctx, "recording network mode failed",
			slog.String("lab", name),
			slog.String("mode", mode.String()),
			slog.String("error", err.Error()),
		)
		warnings = append(warnings, "network mode not recorded")
	}
	if err := m.rules.Apply(ctx, name, mode); err != nil {
		m.logger.ErrorContext(ctx, "applying network rules failed",
			slog.String("lab", name),
			slog.String("mode", mode.String()),
			slog.String("error", err.Error()),
		)
		warnings = append(warnings, "network rules not applied")
	}

	m.logger.InfoContext(ctx, "lab created",
		slog.String("lab", name),
		slog.String("mode", mode.String()),
		slog.Int("ssh_port", port),
	)

	return &CreateResult{Name: name, Port: port, Warning: strings.Join(warnings, "; ")}, nil
}

// createContainer allocates a port and creates the container under the
// manager lock.
func (m *Manager) createContainer(ctx context.Context, name string, mode netmode.Mode, sshKey string) (id string, port int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cname := m.containerName(name)
	if _, err := m.engine.Inspect(ctx, cname); err == nil {
		return "", 0, fmt.Errorf("lab %q: %w", name, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return "", 0, err
	}

	port, err = m.nextFreePort(ctx)
	if err != nil {
		return "", 0, err
	}

	cfg, host := m.containerSpec(name, mode, sshKey, port)
	id, err = m.engine.Create(ctx, cfg, host, cname)
	if err != nil {
		return "", 0, err
	}
	return id, port, nil
}

// containerSpec builds the engine-level container shape for a lab.
func (m *Manager) containerSpec(name string, mode netmode.Mode, sshKey string, port int) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:    m.cfg.Image,
		Hostname: name,
		Env: []string{
			"SSH_PUBLIC_KEY=" + sshKey,
			"ISOLAB_NET_MODE=" + mode.Display(),
		},
		ExposedPorts: nat.PortSet{sshPort: struct{}{}},
		Labels: map[string]string{
			labelLab:     "true",
			labelName:    name,
			labelNet:     mode.String(),
			labelCreated: time.Now().Format(time.RFC3339),
		},
	}

	host := &container.HostConfig{
		Runtime: m.cfg.Runtime,
		PortBindings: nat.PortMap{
			sshPort: []nat.PortBinding{{HostIP: m.BindIP(), HostPort: strconv.Itoa(port)}},
		},
		Resources: container.Resources{
			Memory:   m.cfg.MemoryBytes,
			NanoCPUs: m.cfg.NanoCPUs,
		},
	}

	// Engine-level attachment per mode. Web and open labs sit on the
	// default bridge; the netpolicy helper narrows web further.
	switch mode {
	case netmode.ModeNone:
		host.NetworkMode = "none"
	case netmode.ModePackages:
		host.NetworkMode = container.NetworkMode(m.cfg.PackagesNet)
	}

	return cfg, host
}

// Start brings a stopped lab up and reapplies its network rules.
func (m *Manager) Start(ctx context.Context, name string) (warning string, err error) {
	info, err := m.engine.Inspect(ctx, m.containerName(name))
	if err != nil {
		return "", err
	}

	if err := m.engine.Start(ctx, m.containerName(name)); err != nil {
		return "", err
	}

	mode := m.resolveMode(name, info)
	if err := m.rules.Apply(ctx, name, mode); err != nil {
		m.logger.ErrorContext(ctx, "applying network rules failed",
			slog.String("lab", name),
			slog.String("mode", mode.String()),
			slog.String("error", err.Error()),
		)
		warning = "network rules not applied"
	}

	m.logger.InfoContext(ctx, "lab started", slog.String("lab", name))
	return warning, nil
}

// Stop clears the lab's network rules and stops its container, in that
// order: a lab never keeps running with its restrictions already gone,
// and stale rules never outlive the lab's network namespace.
func (m *Manager) Stop(ctx context.Context, name string) (warning string, err error) {
	if _, err := m.engine.Inspect(ctx, m.containerName(name)); err != nil {
		return "", err
	}

	if err := m.rules.Clear(ctx, name); err != nil {
		m.logger.ErrorContext(ctx, "clearing network rules failed",
			slog.String("lab", name),
			slog.String("error", err.Error()),
		)
		warning = "network rules not cleared"
	}

	if err := m.engine.Stop(ctx, m.containerName(name), m.stopTimeout()); err != nil {
		return warning, err
	}

	m.logger.InfoContext(ctx, "lab stopped", slog.String("lab", name))
	return warning, nil
}

// Restart clears rules, restarts the container, and applies rules to
// the fresh network namespace.
func (m *Manager) Restart(ctx context.Context, name string) (warning string, err error) {
	info, err := m.engine.Inspect(ctx, m.containerName(name))
	if err != nil {
		return "", err
	}

	var warnings []string
	if err := m.rules.Clear(ctx, name); err != nil {
		m.logger.ErrorContext(ctx, "clearing network rules failed",
			slog.String("lab", name),
			slog.String("error", err.Error()),
		)
		warnings = append(warnings, "network rules not cleared")
	}

	if err := m.engine.Restart(ctx, m.containerName(name), m.stopTimeout()); err != nil {
		return strings.Join(warnings, "; "), err
	}

	mode := m.resolveMode(name, info)
	if err := m.rules.Apply(ctx, name, mode); err != nil {
		m.logger.ErrorContext(ctx, "applying network rules failed",
			slog.String("lab", name),
			slog.String("mode", mode.String()),
			slog.String("error", err.Error()),
		)
		warnings = append(warnings, "network rules not applied")
	}

	m.logger.InfoContext(ctx, "lab restarted", slog.String("lab", name))
	return strings.Join(warnings, "; "), nil
}

// Remove clears rules, force-removes the container, and forgets the
// lab's recorded mode.
func (m *Manager) Remove(ctx context.Context, name string) (warning string, err error) {
	if _, err := m.engine.Inspect(ctx, m.containerName(name)); err != nil {
		return "", err
	}

	var warnings []string
	if err := m.rules.Clear(ctx, name); err != nil {
		m.logger.ErrorContext(ctx, "clearing network rules failed",
			slog.String("lab", name),
			slog.String("error", err.Error()),
		)
		warnings = append(warnings, "network rules not cleared")
	}

	if err := m.engine.Remove(ctx, m.containerName(name)); err != nil {
		return strings.Join(warnings, "; "), err
	}

	if err := m.modes.Delete(name); err != nil {
		m.logger.ErrorContext(ctx, "removing mode file failed",
			slog.String("lab", name),
			slog.String("error", err.Error()),
		)
		warnings = append(warnings, "network mode file not removed")
	}

	m.logger.InfoContext(ctx, "lab removed", slog.String("lab", name))
	return strings.Join(warnings, "; "), nil
}

// NukeAll force-removes every lab and wipes the mode store. Labs that
// fail to remove are logged and skipped; the call reports how many were
// actually removed.
func (m *Manager) NukeAll(ctx context.Context) (removed int, err error) {
	summaries, err := m.engine.List(ctx)
	if err != nil {
		return 0, err
	}

	for _, s := range summaries {
		cname := summaryName(s)
		name := strings.TrimPrefix(cname, m.cfg.Prefix)

		if cerr := m.rules.Clear(ctx, name); cerr != nil {
			m.logger.ErrorContext(ctx, "clearing network rules failed",
				slog.String("lab", name),
				slog.String("error", cerr.Error()),
			)
		}
		if rerr := m.engine.Remove(ctx, s.ID); rerr != nil {
			m.logger.ErrorContext(ctx, "removing lab failed",
				slog.String("lab", name),
				slog.String("error", rerr.Error()),
			)
			continue
		}
		removed++
	}

	if derr := m.modes.DeleteAll(); derr != nil {
		m.logger.ErrorContext(ctx, "wiping mode store failed",
			slog.String("error", derr.Error()),
		)
	}

	m.logger.InfoContext(ctx, "all labs removed", slog.Int("removed", removed))
	return removed, nil
}

// Ping reports whether the container engine is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.engine.Ping(ctx)
}

// resolveMode determines a lab's effective mode from the mode store and
// the container's legacy label.
func (m *Manager) resolveMode(name string, info container.InspectResponse) netmode.Mode {
	var legacy string
	if info.Config != nil {
		legacy = info.Config.Labels[labelNet]
	}
	return m.modes.Resolve(name, legacy)
}

func (m *Manager) stopTimeout() int {
	if m.cfg.StopTimeout > 0 {
		return m.cfg.StopTimeout
	}
	return 5
}
