package backup

import (
	"context"
	"testing"

	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/jbweber/homelab/keaport/internal/repository"
	"github.com/jbweber/homelab/keaport/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, retain int) (*Manager, *repository.Store) {
	t.Helper()
	db, cleanup := testutil.SetupTestDBWithMigrations(t, t.Name())
	t.Cleanup(cleanup)
	store := repository.NewStore(db)
	return NewManager(store, retain), store
}

func seedTopology(t *testing.T, store *repository.Store) {
	t.Helper()
	ctx := context.Background()
	sw, err := store.Switches.Save(ctx, domain.Switch{Hostname: "CIN-Building4"})
	require.NoError(t, err)
	bvi, err := store.Bvis.Save(ctx, domain.BviInterface{SwitchID: sw.ID, IPv6Address: "2001:db8:1::1"})
	require.NoError(t, err)
	_, err = store.Subnets.Save(ctx, domain.Subnet{
		Subnet: "2001:db8:1::/64", PoolStart: "2001:db8:1::2", PoolEnd: "2001:db8:1::ff", BviInterfaceID: &bvi.ID,
	})
	require.NoError(t, err)
}

func TestManager_SnapshotCapturesTopology(t *testing.T) {
	m, store := newTestManager(t, 10)
	seedTopology(t, store)
	ctx := context.Background()

	b, err := m.Snapshot(ctx, "kea-1", "import_config", "alice")
	require.NoError(t, err)

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	p, err := Decode(got)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, p.SchemaVersion)
	require.Len(t, p.Switches, 1)
	assert.Equal(t, "CIN-Building4", p.Switches[0].Hostname)
	require.Len(t, p.Subnets, 1)
	assert.Equal(t, "2001:db8:1::/64", p.Subnets[0].Subnet)
	assert.Equal(t, "alice", got.CreatedBy)
}

func TestManager_RetentionKeepsNewest(t *testing.T) {
	const retain = 3
	m, _ := newTestManager(t, retain)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < retain+1; i++ {
		b, err := m.Snapshot(ctx, "kea-1", "import_config", "alice")
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}

	list, err := m.List(ctx, "kea-1")
	require.NoError(t, err)
	require.Len(t, list, retain)
	for _, b := range list {
		assert.NotEqual(t, ids[0], b.ID, "oldest backup should be pruned")
	}
}

func TestManager_RetentionIsPerServer(t *testing.T) {
	m, _ := newTestManager(t, 1)
	ctx := context.Background()

	_, err := m.Snapshot(ctx, "kea-1", "import_config", "a")
	require.NoError(t, err)
	_, err = m.Snapshot(ctx, "kea-2", "import_config", "a")
	require.NoError(t, err)

	all, err := m.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestManager_Prune(t *testing.T) {
	m, _ := newTestManager(t, 10)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := m.Snapshot(ctx, "kea-1", "manual", "a")
		require.NoError(t, err)
	}

	removed, err := m.Prune(ctx, "kea-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	_, err = m.Prune(ctx, "kea-1", 0)
	assert.Error(t, err)
}

func TestManager_Restore(t *testing.T) {
	m, store := newTestManager(t, 10)
	seedTopology(t, store)
	ctx := context.Background()

	b, err := m.Snapshot(ctx, "kea-1", "import_config", "alice")
	require.NoError(t, err)

	// Change the topology after the snapshot
	_, err = store.Subnets.Save(ctx, domain.Subnet{Subnet: "2001:db8:2::/64", PoolStart: "2001:db8:2::2", PoolEnd: "2001:db8:2::ff"})
	require.NoError(t, err)

	require.NoError(t, m.Restore(ctx, b.ID))

	subnets, err := store.Subnets.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, subnets, 1)
	assert.Equal(t, "2001:db8:1::/64", subnets[0].Subnet)
	require.NotNil(t, subnets[0].BviInterfaceID)

	// The backup survives the restore
	_, err = m.Get(ctx, b.ID)
	assert.NoError(t, err)
}

func TestManager_RestoreRejectsBadPayload(t *testing.T) {
	m, store := newTestManager(t, 10)
	seedTopology(t, store)
	ctx := context.Background()

	bad, err := store.Backups.Save(ctx, domain.Backup{Server: "kea-1", Operation: "manual", Payload: []byte(`{"schema_version": 99}`)})
	require.NoError(t, err)

	err = m.Restore(ctx, bad.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema version")

	subnets, err := store.Subnets.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, subnets, 1, "topology untouched")

	err = m.Restore(ctx, 12345)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestManager_RestoreWithUndo(t *testing.T) {
	m, store := newTestManager(t, 2)
	seedTopology(t, store)
	ctx := context.Background()

	oldest, err := m.Snapshot(ctx, "kea-1", "import_config", "alice")
	require.NoError(t, err)
	_, err = m.Snapshot(ctx, "kea-1", "import_config", "alice")
	require.NoError(t, err)

	_, err = store.Subnets.Save(ctx, domain.Subnet{Subnet: "2001:db8:2::/64", PoolStart: "2001:db8:2::2", PoolEnd: "2001:db8:2::ff"})
	require.NoError(t, err)

	// The undo snapshot prunes the target; the restore still uses it
	undo, err := m.RestoreWithUndo(ctx, oldest.ID, "kea-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, OperationPreRestore, undo.Operation)

	subnets, err := store.Subnets.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, subnets, 1)
	assert.Equal(t, "2001:db8:1::/64", subnets[0].Subnet)

	p, err := m.Get(ctx, undo.ID)
	require.NoError(t, err)
	payload, err := Decode(p)
	require.NoError(t, err)
	assert.Len(t, payload.Subnets, 2, "undo holds the pre-restore topology")

	_, err = m.RestoreWithUndo(ctx, 12345, "kea-1", "bob")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
