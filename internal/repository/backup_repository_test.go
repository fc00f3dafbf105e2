package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupRepository_SaveAndFind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	saved, err := store.Backups.Save(ctx, domain.Backup{
		Server: "kea-1", Operation: "import_config", CreatedBy: "alice", CreatedAt: created,
		Payload: []byte(`{"schema_version":1}`),
	})
	require.NoError(t, err)
	require.NotZero(t, saved.ID)

	found, err := store.Backups.FindByID(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "kea-1", found.Server)
	assert.Equal(t, "alice", found.CreatedBy)
	assert.True(t, created.Equal(found.CreatedAt))
	assert.JSONEq(t, `{"schema_version":1}`, string(found.Payload))

	_, err = store.Backups.Save(ctx, saved)
	assert.ErrorIs(t, err, ErrOperationNotSupported)

	_, err = store.Backups.Save(ctx, domain.Backup{Server: "kea-1", Operation: "x"})
	assert.ErrorIs(t, err, ErrInvalidEntity)
}

func TestBackupRepository_DeleteAllButNewest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		b, err := store.Backups.Save(ctx, domain.Backup{Server: "kea-1", Operation: "import_config", Payload: []byte("{}")})
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}
	_, err := store.Backups.Save(ctx, domain.Backup{Server: "kea-2", Operation: "import_config", Payload: []byte("{}")})
	require.NoError(t, err)

	removed, err := store.Backups.DeleteAllButNewest(ctx, "kea-1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	remaining, err := store.Backups.FindByServer(ctx, "kea-1")
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	assert.Equal(t, ids[4], remaining[0].ID, "newest first")
	assert.Equal(t, ids[2], remaining[2].ID)
	assert.Nil(t, remaining[0].Payload, "listing omits payloads")

	other, err := store.Backups.FindByServer(ctx, "kea-2")
	require.NoError(t, err)
	assert.Len(t, other, 1)

	all, err := store.Backups.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
