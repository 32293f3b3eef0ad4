package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "snapshots.db")
	store, err := NewGormStore(zap.NewNop(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	saved := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := &Snapshot{
		Bot: "btc-bot",
		Engines: map[string][]byte{
			"registry": []byte(`{"instances":[]}`),
			"selector": []byte(`{"hasTransitioned":true}`),
		},
		Timestamp: saved,
	}
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	loaded, err := store.LoadSnapshot(ctx, "btc-bot")
	require.NoError(t, err)
	assert.Equal(t, "btc-bot", loaded.Bot)
	assert.Equal(t, snap.Engines, loaded.Engines)
	assert.True(t, loaded.Timestamp.Equal(saved))
}

func TestSaveSnapshotOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, &Snapshot{
		Bot:       "btc-bot",
		Engines:   map[string][]byte{"registry": []byte(`v1`)},
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, store.SaveSnapshot(ctx, &Snapshot{
		Bot:       "btc-bot",
		Engines:   map[string][]byte{"registry": []byte(`v2`)},
		Timestamp: time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC),
	}))

	loaded, err := store.LoadSnapshot(ctx, "btc-bot")
	require.NoError(t, err)
	assert.Equal(t, []byte(`v2`), loaded.Engines["registry"])
	assert.Equal(t, 13, loaded.Timestamp.UTC().Hour())

	// Distinct bots keep distinct rows.
	require.NoError(t, store.SaveSnapshot(ctx, &Snapshot{
		Bot:       "eth-bot",
		Engines:   map[string][]byte{"registry": []byte(`other`)},
		Timestamp: time.Now(),
	}))
	loaded, err = store.LoadSnapshot(ctx, "btc-bot")
	require.NoError(t, err)
	assert.Equal(t, []byte(`v2`), loaded.Engines["registry"])
}

func TestLoadSnapshotMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LoadSnapshot(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestDeleteSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, &Snapshot{
		Bot:       "btc-bot",
		Engines:   map[string][]byte{"registry": []byte(`x`)},
		Timestamp: time.Now(),
	}))

	existed, err := store.DeleteSnapshot(ctx, "btc-bot")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = store.DeleteSnapshot(ctx, "btc-bot")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = store.LoadSnapshot(ctx, "btc-bot")
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestNopStore(t *testing.T) {
	var store NopStore
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, &Snapshot{Bot: "x"}))
	_, err := store.LoadSnapshot(ctx, "x")
	require.ErrorIs(t, err, ErrNoSnapshot)
	existed, err := store.DeleteSnapshot(ctx, "x")
	require.NoError(t, err)
	assert.False(t, existed)
	require.NoError(t, store.Close())
}
