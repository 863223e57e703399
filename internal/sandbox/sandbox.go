// Package sandbox manages the lab containers behind the dashboard.
//
// A lab is a gVisor-isolated container named iso-<lab> carrying the
// isolab labels, reachable over SSH on a host port allocated upward
// from the base port. The Manager drives the container engine through
// the injected Engine interface, keeps the per-lab network mode in the
// netmode store, and delegates fine-grained filtering to the netpolicy
// helper with a fixed ordering: rules are cleared before a lab stops
// and applied after it starts.
package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/isolab/internal/netmode"
	"github.com/jkaninda/isolab/internal/netpolicy"
)

// Container labels identifying labs and carrying their metadata.
const (
	labelLab     = "isolab"
	labelName    = "isolab.name"
	labelNet     = "isolab.net"
	labelCreated = "isolab.created"
)

const maxNameLen = 32

var (
	// ErrNotFound means no lab with that name exists.
	ErrNotFound = errors.New("lab not found")
	// ErrAlreadyExists means a lab with that name already exists.
	ErrAlreadyExists = errors.New("lab already exists")
	// ErrInvalidName means the lab name failed validation.
	ErrInvalidName = errors.New("invalid lab name")
	// ErrPortsExhausted means no SSH port is free in the scan range.
	ErrPortsExhausted = errors.New("no free ssh ports")
)

// Config holds the container shape shared by every lab.
type Config struct {
	Prefix      string // container name prefix, e.g. "iso-"
	Image       string // lab image reference
	SSHKeyPath  string // public key injected into each lab
	BasePort    int    // first SSH host port to try
	PortSpan    int    // size of the scan range above BasePort
	BindIP      string // host IP for port bindings; empty = auto-detect
	Runtime     string // container runtime, e.g. "runsc"
	MemoryBytes int64  // per-lab memory hard limit
	NanoCPUs    int64  // per-lab CPU limit
	StopTimeout int    // seconds to wait before SIGKILL on stop
	PackagesNet string // network attached in packages mode
}

// Manager owns lab lifecycle, the registry view, and port allocation.
type Manager struct {
	engine Engine
	modes  *netmode.Store
	rules  netpolicy.Applier
	cfg    Config
	logger *slog.Logger

	// mu serializes port allocation through container creation so two
	// concurrent creates cannot claim the same port. One control-plane
	// process per host is assumed.
	mu sync.Mutex

	bindOnce sync.Once
	bindIP   string
}

// NewManager creates a Manager. All collaborators are injected; the
// Manager holds no global state.
func NewManager(engine Engine, modes *netmode.Store, rules netpolicy.Applier, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		engine: engine,
		modes:  modes,
		rules:  rules,
		cfg:    cfg,
		logger: logger,
	}
}

// containerName returns the engine-level name for a lab.
func (m *Manager) containerName(lab string) string {
	return m.cfg.Prefix + lab
}

// ValidateName checks a lab name: alphanumeric plus hyphens and
// underscores, at most 32 characters.
func ValidateName(name string) error {
	stripped := strings.NewReplacer("-", "", "_", "").Replace(name)
	if stripped == "" || len(name) > maxNameLen {
		return ErrInvalidName
	}
	for _, r := range stripped {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return ErrInvalidName
		}
	}
	return nil
}

// BindIP returns the host IP labs bind their SSH port to. A configured
// address wins; otherwise the tailnet address is used so labs are not
// exposed on every interface, falling back to loopback.
func (m *Manager) BindIP() string {
	m.bindOnce.Do(func() {
		if m.cfg.BindIP != "" {
			m.bindIP = m.cfg.BindIP
			return
		}
		m.bindIP = detectTailscaleIP()
		m.logger.Info("resolved lab bind address", slog.String("ip", m.bindIP))
	})
	return m.bindIP
}

// detectTailscaleIP asks the tailscale CLI for the host's IPv4 tailnet
// address. Any failure falls back to loopback.
func detectTailscaleIP() string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "tailscale", "ip", "-4").Output()
	if err == nil {
		if ip, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n"); ip != "" {
			return ip
		}
	}
	return "127.0.0.1"
}

// readSSHKey loads the operator's public key for injection into a lab.
func (m *Manager) readSSHKey() (string, error) {
	path := m.cfg.SSHKeyPath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home + path[1:]
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &SSHKeyError{Path: path}
	}
	return strings.TrimSpace(string(data)), nil
}
