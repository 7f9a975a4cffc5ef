package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// SQLiteStore provides a SQLite-based storage implementation
type SQLiteStore struct {
	db      *sql.DB
	dbPath  string
	metrics *StorageMetrics
	mu      sync.RWMutex
	closed  bool
}

// StorageMetrics tracks storage usage
type StorageMetrics struct {
	QueryCount       int64
	TransactionCount int64
	ErrorCount       int64
	mu               sync.RWMutex
}

// Transaction represents a database transaction with rollback support
type Transaction struct {
	tx     *sql.Tx
	store  *SQLiteStore
	active bool
	mu     sync.Mutex
}

// Config holds SQLiteStore configuration
type Config struct {
	DatabasePath    string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns default SQLite configuration
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "dbsandbox.db",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

// NewSQLiteStore creates a new SQLite storage instance
func NewSQLiteStore(config *Config) (*SQLiteStore, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets a teardown in another process read while setup writes
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", config.DatabasePath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &SQLiteStore{
		db:      db,
		dbPath:  config.DatabasePath,
		metrics: &StorageMetrics{},
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := store.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug().
		Str("database_path", config.DatabasePath).
		Int("max_open_conns", config.MaxOpenConns).
		Msg("SQLite store initialized")

	return store, nil
}

// initializeSchema creates all required tables and indexes
func (s *SQLiteStore) initializeSchema() error {
	schema := `
	-- One row per sandbox port, the latest known outcome
	CREATE TABLE IF NOT EXISTS sandbox_deployments (
		port INTEGER PRIMARY KEY,
		run_id TEXT NOT NULL,
		deployed_here INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- Append-only history of ledger changes
	CREATE TABLE IF NOT EXISTS deployment_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		port INTEGER NOT NULL,
		run_id TEXT NOT NULL,
		action TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_deployments_run ON sandbox_deployments(run_id);
	CREATE INDEX IF NOT EXISTS idx_events_port ON deployment_events(port, id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// BeginTransaction starts a new database transaction
func (s *SQLiteStore) BeginTransaction(ctx context.Context) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.metrics.incrementErrors()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	s.metrics.incrementTransactions()

	return &Transaction{
		tx:     tx,
		store:  s,
		active: true,
	}, nil
}

// Commit commits the transaction
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return fmt.Errorf("transaction is not active")
	}

	err := t.tx.Commit()
	t.active = false
	if err != nil {
		t.store.metrics.incrementErrors()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback rolls back the transaction. It is a no-op after Commit.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil
	}

	err := t.tx.Rollback()
	t.active = false
	if err != nil {
		t.store.metrics.incrementErrors()
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// Exec executes a query within the transaction
func (t *Transaction) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil, fmt.Errorf("transaction is not active")
	}

	t.store.metrics.incrementQueries()
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		t.store.metrics.incrementErrors()
	}
	return result, err
}

// Query executes a query that returns rows
func (s *SQLiteStore) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	s.metrics.incrementQueries()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.metrics.incrementErrors()
	}
	return rows, err
}

// QueryRow executes a query that returns a single row
func (s *SQLiteStore) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.metrics.incrementQueries()
	return s.db.QueryRowContext(ctx, query, args...)
}

// GetMetrics returns a snapshot of the store counters
func (s *SQLiteStore) GetMetrics() StorageMetrics {
	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()

	return StorageMetrics{
		QueryCount:       s.metrics.QueryCount,
		TransactionCount: s.metrics.TransactionCount,
		ErrorCount:       s.metrics.ErrorCount,
	}
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	log.Debug().Str("database_path", s.dbPath).Msg("SQLite store closed")
	return nil
}

// CheckIntegrity runs SQLite's integrity check
func (s *SQLiteStore) CheckIntegrity(ctx context.Context) error {
	var result string
	if err := s.QueryRow(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database integrity check failed: %s", result)
	}
	return nil
}

func (m *StorageMetrics) incrementQueries() {
	m.mu.Lock()
	m.QueryCount++
	m.mu.Unlock()
}

func (m *StorageMetrics) incrementTransactions() {
	m.mu.Lock()
	m.TransactionCount++
	m.mu.Unlock()
}

func (m *StorageMetrics) incrementErrors() {
	m.mu.Lock()
	m.ErrorCount++
	m.mu.Unlock()
}
