package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/isolab/internal/audit"
	"github.com/jkaninda/isolab/internal/config"
	"github.com/jkaninda/isolab/internal/credential"
	"github.com/jkaninda/isolab/internal/netmode"
	"github.com/jkaninda/isolab/internal/netpolicy"
	"github.com/jkaninda/isolab/internal/observability"
	"github.com/jkaninda/isolab/internal/ratelimit"
	"github.com/jkaninda/isolab/internal/sandbox"
	"github.com/jkaninda/isolab/internal/session"
)

// SharedComponents holds all initialized subsystems the server requires.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Obs      *observability.Observability
	Creds    *credential.Credential
	Sessions *session.Manager
	Limiter  *ratelimit.Limiter
	Engine   sandbox.Engine
	Modes    *netmode.Store
	Rules    netpolicy.Applier
	Labs     *sandbox.Manager
	Store    audit.Store
	Recorder *audit.Recorder

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared builds every subsystem the server needs, in dependency order.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := obs.Shutdown(shutdownCtx); err != nil {
				logger.Warn("observability shutdown", slog.Any("error", err))
			}
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Operator credential. The server refuses to start without one so
	// it can never come up unauthenticated.
	credPath := cfg.ResolvedCredentialPath()
	creds, err := credential.Load(credPath)
	if err != nil {
		sc.Cleanup()
		if errors.Is(err, credential.ErrNotConfigured) {
			return nil, fmt.Errorf("no operator credential at %s (run `isolab setup` first)", credPath)
		}
		return nil, fmt.Errorf("loading credential: %w", err)
	}
	sc.Creds = creds
	logger.Debug("credential loaded", slog.String("username", creds.Username))

	// Sessions, signed with a key derived from the credential hash so
	// rotating the password invalidates every cookie.
	sessions, err := session.NewManager(creds.SessionKey(), cfg.Auth.SessionTTL())
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sessions: %w", err)
	}
	sc.Sessions = sessions
	logger.Debug("session manager initialized", slog.String("ttl", sessions.TTL().String()))

	// Rate limiter shared by login and create throttles.
	sc.Limiter = ratelimit.New()

	// Container engine.
	docker, err := sandbox.NewDockerEngine(logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing container engine: %w", err)
	}
	sc.addCleanup(func() {
		if err := docker.Close(); err != nil {
			logger.Error("closing container engine", slog.String("error", err.Error()))
		}
	})

	var engine sandbox.Engine = docker
	if obs != nil && obs.Metrics != nil {
		engine = observability.NewInstrumentedEngine(docker, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Engine = engine
	logger.Debug("container engine initialized")

	// Network mode store.
	modes, err := netmode.NewStore(cfg.ResolvedModeDir())
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing mode store: %w", err)
	}
	sc.Modes = modes
	logger.Debug("mode store initialized", slog.String("dir", cfg.ResolvedModeDir()))

	// Firewall rule applier (no-op when no helper is configured).
	rules := netpolicy.New(cfg.Labs.NetHelper, logger)
	if obs != nil && obs.Metrics != nil {
		rules = observability.NewInstrumentedApplier(rules, obs.Metrics, obs.TracerOrNil())
	}
	sc.Rules = rules

	// Lab manager.
	sc.Labs = sandbox.NewManager(engine, modes, rules, sandbox.Config{
		Prefix:      cfg.Labs.LabPrefix(),
		Image:       cfg.Labs.LabImage(),
		SSHKeyPath:  cfg.Labs.KeyPath(),
		BasePort:    cfg.Labs.Base(),
		PortSpan:    cfg.Labs.Span(),
		BindIP:      cfg.Labs.BindIP,
		Runtime:     cfg.Labs.LabRuntime(),
		MemoryBytes: cfg.Labs.Memory(),
		NanoCPUs:    cfg.Labs.NanoCPUs(),
		StopTimeout: cfg.Labs.StopTimeout(),
		PackagesNet: cfg.Labs.PackagesNet(),
	}, logger)
	logger.Debug("lab manager initialized",
		slog.String("image", cfg.Labs.LabImage()),
		slog.String("runtime", cfg.Labs.LabRuntime()),
		slog.Int("base_port", cfg.Labs.Base()),
		slog.Int("port_span", cfg.Labs.Span()),
	)

	// Audit trail (SQLite by default, PostgreSQL when configured).
	store, err := audit.Open(buildAuditConfig(cfg), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing audit store: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing audit store", slog.String("error", err.Error()))
		}
	})
	sc.Recorder = audit.NewRecorder(store, logger)
	logger.Debug("audit store initialized", slog.String("driver", store.Driver()))

	// Readiness checks.
	if obs != nil && obs.Health != nil && cfg.Observability.Health != nil {
		hc := cfg.Observability.Health
		if hc.IncludeEngine {
			obs.Health.AddCheck("engine", engine.Ping)
		}
		if hc.IncludeAudit {
			obs.Health.AddCheck("audit", func(ctx context.Context) error {
				_, err := store.Recent(ctx, 1)
				return err
			})
		}
	}

	return sc, nil
}

// buildAuditConfig maps the file config onto the audit store config,
// filling in the default SQLite path under the data directory.
func buildAuditConfig(cfg *config.Config) audit.Config {
	out := audit.Config{
		Driver: cfg.Audit.AuditDriver(),
		SQLite: audit.SQLiteConfig{Path: cfg.AuditDBPath()},
	}
	if cfg.Audit != nil && cfg.Audit.Postgres != nil {
		out.Postgres = audit.PostgresConfig{
			DSN:              cfg.Audit.Postgres.DSN,
			MaxOpenConns:     cfg.Audit.Postgres.MaxOpenConns,
			MaxIdleConns:     cfg.Audit.Postgres.MaxIdleConns,
			ConnMaxLifetimeS: cfg.Audit.Postgres.ConnMaxLifetimeS,
		}
	}
	return out
}
