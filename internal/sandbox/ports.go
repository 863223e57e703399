package sandbox

import (
	"context"
	"fmt"
	"strconv"

	"github.com/docker/go-connections/nat"
)

const sshPort = nat.Port("22/tcp")

const defaultPortSpan = 1000

// nextFreePort scans upward from the base port and returns the first
// port no existing lab has claimed. Stopped labs keep their bindings in
// the engine's host config, so their ports are not reused out from
// under them. Callers must hold m.mu so the port stays free until the
// container claiming it exists.
func (m *Manager) nextFreePort(ctx context.Context) (int, error) {
	used, err := m.usedPorts(ctx)
	if err != nil {
		return 0, err
	}

	span := m.cfg.PortSpan
	if span <= 0 {
		span = defaultPortSpan
	}
	for port := m.cfg.BasePort; port < m.cfg.BasePort+span; port++ {
		if !used[port] {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w in %d-%d", ErrPortsExhausted, m.cfg.BasePort, m.cfg.BasePort+span-1)
}

// usedPorts collects the SSH host ports bound by every lab container,
// running or stopped.
func (m *Manager) usedPorts(ctx context.Context) (map[int]bool, error) {
	summaries, err := m.engine.List(ctx)
	if err != nil {
		return nil, err
	}

	used := make(map[int]bool, len(summaries))
	for _, s := range summaries {
		info, err := m.engine.Inspect(ctx, s.ID)
		if err != nil {
			// A lab removed mid-scan just stops occupying its port.
			continue
		}
		if info.ContainerJSONBase == nil || info.HostConfig == nil {
			continue
		}
		for _, binding := range info.HostConfig.PortBindings[sshPort] {
			if port, err := strconv.Atoi(binding.HostPort); err == nil && port > 0 {
				used[port] = true
			}
		}
	}
	return used, nil
}
