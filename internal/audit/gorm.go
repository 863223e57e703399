package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// eventModel maps to the "audit_events" table.
type eventModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt     time.Time `gorm:"index"`
	CorrelationID string    `gorm:"index"`
	Actor         string
	Action        string `gorm:"not null;index"`
	Lab           string `gorm:"index"`
	Outcome       string `gorm:"not null"`
	Detail        string
	ClientIP      string
}

func (eventModel) TableName() string { return "audit_events" }

// gormStore implements Store for both backends. GORM's dialects absorb
// the SQL differences; the domain Event type stays ORM-free.
type gormStore struct {
	db     *gorm.DB
	driver string
}

// Open creates the store selected by cfg.Driver, defaulting to SQLite.
func Open(cfg Config, slogger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return OpenSQLite(cfg.SQLite, slogger)
	case DriverPostgres:
		return OpenPostgres(cfg.Postgres, slogger)
	default:
		return nil, fmt.Errorf("unknown audit driver %q", cfg.Driver)
	}
}

// OpenSQLite opens (creating if needed) a SQLite-backed store. WAL mode
// keeps reads concurrent with the write path.
func OpenSQLite(cfg SQLiteConfig, slogger *slog.Logger) (Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  newGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	s := &gormStore{db: db, driver: DriverSQLite}
	if err := s.migrate(); err != nil {
		return nil, err
	}

	slogger.Info("audit store opened", slog.String("driver", DriverSQLite), slog.String("path", cfg.Path))
	return s, nil
}

// OpenPostgres connects to PostgreSQL and configures the pool.
func OpenPostgres(cfg PostgresConfig, slogger *slog.Logger) (Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      newGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 25))
	sqlDB.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 5))
	sqlDB.SetConnMaxLifetime(time.Duration(orDefault(cfg.ConnMaxLifetimeS, 1800)) * time.Second)

	s := &gormStore{db: db, driver: DriverPostgres}
	if err := s.migrate(); err != nil {
		return nil, err
	}

	slogger.Info("audit store opened", slog.String("driver", DriverPostgres))
	return s, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (s *gormStore) migrate() error {
	if err := s.db.AutoMigrate(&eventModel{}); err != nil {
		return fmt.Errorf("auto-migrating audit_events: %w", err)
	}
	return nil
}

func (s *gormStore) Append(ctx context.Context, event Event) error {
	model := toModel(event)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

func (s *gormStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	var models []eventModel
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]Event, len(models))
	for i := range models {
		events[i] = toDomain(&models[i])
	}
	return events, nil
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *gormStore) Driver() string { return s.driver }

func toModel(e Event) eventModel {
	return eventModel{
		ID:            uuid.New(),
		CreatedAt:     e.Timestamp,
		CorrelationID: e.CorrelationID,
		Actor:         e.Actor,
		Action:        e.Action,
		Lab:           e.Lab,
		Outcome:       e.Outcome,
		Detail:        e.Detail,
		ClientIP:      e.ClientIP,
	}
}

func toDomain(m *eventModel) Event {
	return Event{
		Timestamp:     m.CreatedAt,
		CorrelationID: m.CorrelationID,
		Actor:         m.Actor,
		Action:        m.Action,
		Lab:           m.Lab,
		Outcome:       m.Outcome,
		Detail:        m.Detail,
		ClientIP:      m.ClientIP,
	}
}

// newGormLogger routes GORM's internal logging through slog.
func newGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ Store = (*gormStore)(nil)
