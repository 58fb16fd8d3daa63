package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/raaihank/desensitizer/internal/privacy"
)

// Store persists audit records in PostgreSQL or SQLite
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS detection_audit (
		id VARCHAR(36) PRIMARY KEY,
		text_hash VARCHAR(64) NOT NULL,
		text_length INTEGER NOT NULL,
		strategy VARCHAR(16) NOT NULL,
		detectors VARCHAR(16) NOT NULL,
		source VARCHAR(16) NOT NULL,
		total_entities INTEGER NOT NULL,
		duration_us BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_detection_audit_created_at ON detection_audit (created_at)`,
	`CREATE TABLE IF NOT EXISTS detection_audit_entities (
		audit_id VARCHAR(36) NOT NULL REFERENCES detection_audit (id) ON DELETE CASCADE,
		entity_type VARCHAR(32) NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (audit_id, entity_type)
	)`,
}

// NewStore opens the audit database and creates the schema
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch config.Driver {
	case "postgres":
		db, err = sqlx.Connect("postgres", config.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	case "sqlite":
		dsn := config.DSN
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
			dsn += "?mode=rwc"
		}
		db, err = sqlx.Connect("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// SQLite only supports one writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	default:
		return nil, fmt.Errorf("unsupported audit driver: %s", config.Driver)
	}

	store := &Store{db: db, logger: logger}
	if err := store.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Audit store initialized successfully",
		zap.String("driver", config.Driver),
		zap.String("dsn", maskDSN(config.DSN)))

	return store, nil
}

// Migrate creates the audit tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if s.db.DriverName() == "sqlite" {
		if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			return fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create audit schema: %w", err)
		}
	}
	return nil
}

// NewRecord builds a record for one desensitize call
func NewRecord(text string, opts privacy.Options, result *privacy.MaskResult, duration time.Duration, source string) *Record {
	sum := sha256.Sum256([]byte(text))
	return &Record{
		ID:            uuid.NewString(),
		TextHash:      hex.EncodeToString(sum[:]),
		TextLength:    len([]rune(text)),
		Strategy:      string(opts.Strategy),
		Detectors:     opts.Detectors.String(),
		Source:        source,
		TotalEntities: len(result.Entities),
		DurationUS:    duration.Microseconds(),
		CreatedAt:     time.Now().UTC(),
		EntityCounts:  privacy.CountLabels(result.Entities),
	}
}

// Insert stores a record and its per-type counts in one transaction
func (s *Store) Insert(ctx context.Context, record *Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.CreatedAtMS = record.CreatedAt.UnixMilli()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO detection_audit (id, text_hash, text_length, strategy, detectors, source, total_entities, duration_us, created_at)
		VALUES (:id, :text_hash, :text_length, :strategy, :detectors, :source, :total_entities, :duration_us, :created_at)`,
		record)
	if err != nil {
		s.logger.Error("Failed to insert audit record", zap.Error(err))
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	query := tx.Rebind(`INSERT INTO detection_audit_entities (audit_id, entity_type, count) VALUES (?, ?, ?)`)
	for entityType, count := range record.EntityCounts {
		if _, err := tx.ExecContext(ctx, query, record.ID, entityType, count); err != nil {
			return fmt.Errorf("failed to insert audit entity counts: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit record: %w", err)
	}

	s.logger.Debug("Audit record inserted",
		zap.String("id", record.ID),
		zap.Int("total_entities", record.TotalEntities))
	return nil
}

// Recent returns the newest records first
func (s *Store) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}

	var records []*Record
	err := s.db.SelectContext(ctx, &records, s.db.Rebind(`
		SELECT id, text_hash, text_length, strategy, detectors, source, total_entities, duration_us, created_at
		FROM detection_audit
		ORDER BY created_at DESC, id
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	if len(records) == 0 {
		return records, nil
	}

	byID := make(map[string]*Record, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		r.CreatedAt = time.UnixMilli(r.CreatedAtMS).UTC()
		r.EntityCounts = make(map[string]int)
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}

	query, args, err := sqlx.In(`SELECT audit_id, entity_type, count FROM detection_audit_entities WHERE audit_id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build entity count query: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, entityType string
			count          int
		)
		if err := rows.Scan(&id, &entityType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan entity count: %w", err)
		}
		if r, ok := byID[id]; ok {
			r.EntityCounts[entityType] = count
		}
	}
	return records, rows.Err()
}

// Stats returns aggregate statistics over all records
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var totals struct {
		Calls       int64   `db:"calls"`
		Entities    int64   `db:"entities"`
		AvgDuration float64 `db:"avg_duration"`
	}
	err := s.db.GetContext(ctx, &totals, `
		SELECT COUNT(*) AS calls,
			COALESCE(SUM(total_entities), 0) AS entities,
			COALESCE(AVG(duration_us), 0) AS avg_duration
		FROM detection_audit`)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit totals: %w", err)
	}

	stats := &Stats{
		TotalCalls:     totals.Calls,
		TotalEntities:  totals.Entities,
		AvgDurationMS:  totals.AvgDuration / 1000,
		EntitiesByType: make(map[string]int64),
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT entity_type, SUM(count) AS total
		FROM detection_audit_entities
		GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to get entity totals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entityType string
			total      int64
		)
		if err := rows.Scan(&entityType, &total); err != nil {
			return nil, fmt.Errorf("failed to scan entity total: %w", err)
		}
		stats.EntitiesByType[entityType] = total
	}
	return stats, rows.Err()
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// maskDSN hides the password of a postgres URL for logging
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 {
		return dsn
	}
	userInfo := dsn[scheme+3 : at]
	if user, _, ok := strings.Cut(userInfo, ":"); ok {
		return dsn[:scheme+3] + user + ":***" + dsn[at:]
	}
	return dsn
}
