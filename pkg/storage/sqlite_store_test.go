package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	config := &Config{
		DatabasePath:    filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
	}

	store, err := NewSQLiteStore(config)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	store := setupTestStore(t)

	var result int
	err := store.QueryRow(context.Background(), "SELECT 1").Scan(&result)
	assert.NoError(t, err)
	assert.Equal(t, 1, result)

	assert.NoError(t, store.CheckIntegrity(context.Background()))
}

func TestSQLiteStore_Transactions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	t.Run("successful transaction", func(t *testing.T) {
		tx, err := store.BeginTransaction(ctx)
		require.NoError(t, err)

		_, err = tx.Exec(ctx, "INSERT INTO sandbox_deployments (port, run_id, state) VALUES (?, ?, ?)",
			3310, "run-1", StateDeployed)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		var runID string
		err = store.QueryRow(ctx, "SELECT run_id FROM sandbox_deployments WHERE port = ?", 3310).Scan(&runID)
		assert.NoError(t, err)
		assert.Equal(t, "run-1", runID)

		// Rollback after commit is a no-op
		assert.NoError(t, tx.Rollback())
	})

	t.Run("rollback transaction", func(t *testing.T) {
		tx, err := store.BeginTransaction(ctx)
		require.NoError(t, err)

		_, err = tx.Exec(ctx, "INSERT INTO sandbox_deployments (port, run_id, state) VALUES (?, ?, ?)",
			3320, "run-2", StateDeployed)
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		var count int
		err = store.QueryRow(ctx, "SELECT COUNT(*) FROM sandbox_deployments WHERE port = ?", 3320).Scan(&count)
		assert.NoError(t, err)
		assert.Equal(t, 0, count)

		_, err = tx.Exec(ctx, "SELECT 1")
		assert.Error(t, err)
	})

	metrics := store.GetMetrics()
	assert.Equal(t, int64(2), metrics.TransactionCount)
	assert.Greater(t, metrics.QueryCount, int64(0))
}

func TestSQLiteStore_Closed(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err := store.BeginTransaction(context.Background())
	assert.Error(t, err)
	_, err = store.Query(context.Background(), "SELECT 1")
	assert.Error(t, err)
}
