package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Deployment states kept in the ledger
const (
	StateDeployed = "deployed"
	StateReset    = "reset"
	StateRemoved  = "removed"
)

// ErrNotFound is returned when a port has no ledger entry
var ErrNotFound = errors.New("deployment not found")

// Deployment is the latest known outcome for one sandbox port
type Deployment struct {
	Port         int       `json:"port"`
	RunID        string    `json:"run_id"`
	DeployedHere bool      `json:"deployed_here"`
	State        string    `json:"state"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Event is one entry of a port's ledger history
type Event struct {
	ID        int64     `json:"id"`
	Port      int       `json:"port"`
	RunID     string    `json:"run_id"`
	Action    string    `json:"action"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRunID returns a fresh identifier for one setup or teardown run
func NewRunID() string {
	return uuid.NewString()
}

// Ledger records which sandboxes a run deployed, so that a later teardown
// knows whether to delete them or only reset them.
type Ledger struct {
	store *SQLiteStore
}

// NewLedger creates a ledger on top of store
func NewLedger(store *SQLiteStore) *Ledger {
	return &Ledger{store: store}
}

// OpenLedger opens (creating if needed) the ledger database at path
func OpenLedger(path string) (*Ledger, error) {
	config := DefaultConfig()
	config.DatabasePath = path
	store, err := NewSQLiteStore(config)
	if err != nil {
		return nil, err
	}
	if err := store.CheckIntegrity(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("ledger at %s is unusable: %w", path, err)
	}
	return NewLedger(store), nil
}

// Close closes the underlying store
func (l *Ledger) Close() error {
	metrics := l.store.GetMetrics()
	log.Debug().
		Int64("queries", metrics.QueryCount).
		Int64("transactions", metrics.TransactionCount).
		Int64("errors", metrics.ErrorCount).
		Msg("Closing ledger")
	return l.store.Close()
}

// Record stores the outcome of a reset-or-deploy on port. Resetting a
// sandbox that an earlier run deployed keeps it marked as deployed, so only
// MarkRemoved clears the mark.
func (l *Ledger) Record(ctx context.Context, runID string, port int, deployed bool) error {
	state := StateReset
	if deployed {
		state = StateDeployed
	}
	return l.write(ctx, runID, port, deployed, state, "record")
}

// MarkRemoved records that the sandbox on port was deleted
func (l *Ledger) MarkRemoved(ctx context.Context, runID string, port int) error {
	return l.write(ctx, runID, port, false, StateRemoved, "remove")
}

func (l *Ledger) write(ctx context.Context, runID string, port int, deployed bool, state, action string) error {
	if runID == "" {
		return fmt.Errorf("run ID cannot be empty")
	}

	tx, err := l.store.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO sandbox_deployments (port, run_id, deployed_here, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(port) DO UPDATE SET
			run_id = CASE WHEN sandbox_deployments.state = ? AND excluded.state = ?
				THEN sandbox_deployments.run_id ELSE excluded.run_id END,
			deployed_here = CASE WHEN sandbox_deployments.state = ? AND excluded.state = ?
				THEN sandbox_deployments.deployed_here ELSE excluded.deployed_here END,
			state = CASE WHEN sandbox_deployments.state = ? AND excluded.state = ?
				THEN sandbox_deployments.state ELSE excluded.state END,
			updated_at = excluded.updated_at`,
		port, runID, deployed, state, now,
		StateDeployed, StateReset,
		StateDeployed, StateReset,
		StateDeployed, StateReset)
	if err != nil {
		return fmt.Errorf("failed to upsert deployment for port %d: %w", port, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO deployment_events (port, run_id, action, state, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		port, runID, action, state, now)
	if err != nil {
		return fmt.Errorf("failed to insert event for port %d: %w", port, err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Debug().
		Int("port", port).
		Str("run_id", runID).
		Str("state", state).
		Msg("Ledger updated")
	return nil
}

// Get returns the ledger entry for port
func (l *Ledger) Get(ctx context.Context, port int) (*Deployment, error) {
	row := l.store.QueryRow(ctx, `
		SELECT port, run_id, deployed_here, state, updated_at
		FROM sandbox_deployments
		WHERE port = ?`, port)

	var d Deployment
	err := row.Scan(&d.Port, &d.RunID, &d.DeployedHere, &d.State, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan deployment: %w", err)
	}
	return &d, nil
}

// List returns every ledger entry ordered by port
func (l *Ledger) List(ctx context.Context) ([]*Deployment, error) {
	rows, err := l.store.Query(ctx, `
		SELECT port, run_id, deployed_here, state, updated_at
		FROM sandbox_deployments
		ORDER BY port`)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []*Deployment
	for rows.Next() {
		var d Deployment
		if err := rows.Scan(&d.Port, &d.RunID, &d.DeployedHere, &d.State, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, &d)
	}
	return deployments, rows.Err()
}

// DeployedHere reports whether any of ports holds a sandbox that a recorded
// run deployed and that has not been removed since.
func (l *Ledger) DeployedHere(ctx context.Context, ports []int) (bool, error) {
	for _, port := range ports {
		d, err := l.Get(ctx, port)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if d.DeployedHere && d.State == StateDeployed {
			return true, nil
		}
	}
	return false, nil
}

// History returns the most recent events for port, newest first
func (l *Ledger) History(ctx context.Context, port int, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.store.Query(ctx, `
		SELECT id, port, run_id, action, state, created_at
		FROM deployment_events
		WHERE port = ?
		ORDER BY id DESC
		LIMIT ?`, port, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Port, &e.RunID, &e.Action, &e.State, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
