package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"parkwise/internal/domain"
	"parkwise/internal/events"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB is the sqlite-backed space and lot store.
type DB struct {
	*sql.DB
	path      string
	logger    *zerolog.Logger
	publisher domain.EventPublisher
}

type options struct {
	busyTimeoutMS int
	publisher     domain.EventPublisher
}

type Option func(*options)

// WithBusyTimeout sets how long a writer waits on a locked database file.
func WithBusyTimeout(ms int) Option {
	return func(o *options) { o.busyTimeoutMS = ms }
}

// WithPublisher makes the store announce committed changes.
func WithPublisher(p domain.EventPublisher) Option {
	return func(o *options) { o.publisher = p }
}

var _ domain.Store = (*DB)(nil)

func NewDB(path string, logger *zerolog.Logger, opts ...Option) (*DB, error) {
	o := options{busyTimeoutMS: 5000}
	for _, opt := range opts {
		opt(&o)
	}

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", dsn(path, o.busyTimeoutMS))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if inMemory {
		// every connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	logger.Info().Str("path", path).Msg("database initialized")

	return &DB{DB: sqlDB, path: path, logger: logger, publisher: o.publisher}, nil
}

func dsn(path string, busyTimeoutMS int) string {
	params := []string{
		"_txlock=immediate",
		"_foreign_keys=on",
		fmt.Sprintf("_busy_timeout=%d", busyTimeoutMS),
	}
	if path != ":memory:" {
		params = append(params, "_journal_mode=WAL")
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// SetPublisher replaces the change publisher. Must be called before the
// store is shared between goroutines.
func (db *DB) SetPublisher(p domain.EventPublisher) {
	db.publisher = p
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS lots (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            location TEXT NOT NULL DEFAULT '',
            total_spaces INTEGER NOT NULL DEFAULT 0 CHECK (total_spaces >= 0),
            available_spaces INTEGER NOT NULL DEFAULT 0 CHECK (available_spaces >= 0),
            occupied_spaces INTEGER NOT NULL DEFAULT 0 CHECK (occupied_spaces >= 0),
            booked_spaces INTEGER NOT NULL DEFAULT 0 CHECK (booked_spaces >= 0),
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS spaces (
            id TEXT PRIMARY KEY,
            lot_id TEXT NOT NULL REFERENCES lots(id) ON DELETE CASCADE,
            number INTEGER NOT NULL CHECK (number > 0),
            status TEXT NOT NULL DEFAULT 'vacant',
            occupant_user_id TEXT,
            occupant_email TEXT,
            vehicle_info TEXT,
            start_time DATETIME,
            booking_expiry_time DATETIME,
            version INTEGER NOT NULL DEFAULT 1,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_spaces_lot_number ON spaces(lot_id, number)`,
		`CREATE INDEX IF NOT EXISTS idx_spaces_lot_status ON spaces(lot_id, status)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func (db *DB) publish(eventType, lotID, spaceID string) {
	if db.publisher == nil {
		return
	}
	payload := events.ChangePayload{LotID: lotID, SpaceID: spaceID}
	if err := db.publisher.PublishJSON(eventType, payload); err != nil {
		db.logger.Warn().Err(err).Str("event", eventType).Str("lot_id", lotID).Msg("failed to publish change")
	}
}

// withTx runs fn inside an immediate transaction.
func (db *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}
