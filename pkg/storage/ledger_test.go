package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLedger(t *testing.T) *Ledger {
	t.Helper()
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "state", "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func TestOpenLedger_RejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a database file at all, just text"), 0644))

	_, err := OpenLedger(path)
	assert.Error(t, err)
}

func TestNewRunID(t *testing.T) {
	id := NewRunID()
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.NotEqual(t, id, NewRunID())
}

func TestLedger_RecordAndGet(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Record(ctx, "run-a", 3310, true))
	require.NoError(t, ledger.Record(ctx, "run-a", 3320, false))

	d, err := ledger.Get(ctx, 3310)
	require.NoError(t, err)
	assert.Equal(t, 3310, d.Port)
	assert.Equal(t, "run-a", d.RunID)
	assert.True(t, d.DeployedHere)
	assert.Equal(t, StateDeployed, d.State)
	assert.False(t, d.UpdatedAt.IsZero())

	d, err = ledger.Get(ctx, 3320)
	require.NoError(t, err)
	assert.False(t, d.DeployedHere)
	assert.Equal(t, StateReset, d.State)

	_, err = ledger.Get(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedger_RecordOverwrites(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Record(ctx, "run-a", 3310, false))
	require.NoError(t, ledger.Record(ctx, "run-b", 3310, true))

	d, err := ledger.Get(ctx, 3310)
	require.NoError(t, err)
	assert.Equal(t, "run-b", d.RunID)
	assert.True(t, d.DeployedHere)
	assert.Equal(t, StateDeployed, d.State)

	events, err := ledger.History(ctx, 3310, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "run-b", events[0].RunID)
	assert.Equal(t, "run-a", events[1].RunID)
}

func TestLedger_ResetKeepsEarlierDeployment(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Record(ctx, "run-1", 3310, true))
	require.NoError(t, ledger.Record(ctx, "run-2", 3310, false))

	d, err := ledger.Get(ctx, 3310)
	require.NoError(t, err)
	assert.Equal(t, StateDeployed, d.State)
	assert.True(t, d.DeployedHere)
	assert.Equal(t, "run-1", d.RunID)

	deployed, err := ledger.DeployedHere(ctx, []int{3310})
	require.NoError(t, err)
	assert.True(t, deployed)

	events, err := ledger.History(ctx, 3310, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, StateReset, events[0].State)

	require.NoError(t, ledger.MarkRemoved(ctx, "teardown", 3310))
	require.NoError(t, ledger.Record(ctx, "run-3", 3310, false))

	d, err = ledger.Get(ctx, 3310)
	require.NoError(t, err)
	assert.Equal(t, StateReset, d.State)
	assert.False(t, d.DeployedHere)
	assert.Equal(t, "run-3", d.RunID)
}

func TestLedger_RecordRequiresRunID(t *testing.T) {
	ledger := setupTestLedger(t)
	assert.Error(t, ledger.Record(context.Background(), "", 3310, true))
}

func TestLedger_List(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	for _, port := range []int{3330, 3310, 3320} {
		require.NoError(t, ledger.Record(ctx, "run", port, true))
	}

	deployments, err := ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, deployments, 3)
	assert.Equal(t, 3310, deployments[0].Port)
	assert.Equal(t, 3330, deployments[2].Port)
}

func TestLedger_DeployedHere(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()
	ports := []int{3310, 3320}

	deployed, err := ledger.DeployedHere(ctx, ports)
	require.NoError(t, err)
	assert.False(t, deployed, "empty ledger")

	require.NoError(t, ledger.Record(ctx, "run", 3310, false))
	deployed, err = ledger.DeployedHere(ctx, ports)
	require.NoError(t, err)
	assert.False(t, deployed, "only reset")

	require.NoError(t, ledger.Record(ctx, "run", 3320, true))
	deployed, err = ledger.DeployedHere(ctx, ports)
	require.NoError(t, err)
	assert.True(t, deployed)

	require.NoError(t, ledger.MarkRemoved(ctx, "teardown", 3320))
	deployed, err = ledger.DeployedHere(ctx, ports)
	require.NoError(t, err)
	assert.False(t, deployed, "removed")

	d, err := ledger.Get(ctx, 3320)
	require.NoError(t, err)
	assert.Equal(t, StateRemoved, d.State)

	events, err := ledger.History(ctx, 3320, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "remove", events[0].Action)
}
