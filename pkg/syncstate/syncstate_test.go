package syncstate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/painvault/pkg/codec"
	"github.com/forest6511/painvault/pkg/crypto"
	"github.com/forest6511/painvault/pkg/kv"
	"github.com/forest6511/painvault/pkg/storage"
	"github.com/forest6511/painvault/pkg/vault"
)

func newTracker(t *testing.T) (*Tracker, *storage.Engine) {
	t.Helper()
	ctx := context.Background()
	store, err := kv.Open(ctx, kv.BackendBolt, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	v := vault.New(store, vault.Options{KDF: crypto.KDFParams{Memory: 64, Time: 1, Threads: 1}, AutoLock: -1})
	require.NoError(t, v.Init(ctx, "correct-horse"))

	records := storage.New(store, codec.New(v), storage.Options{})
	return New(store, records), records
}

func TestStateRoundTrip(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	_, ok, err := tr.Get(ctx, "entries", "e1")
	require.NoError(t, err)
	assert.False(t, ok, "never-synced entity has no state")

	v, err := tr.Version(ctx, "entries", "e1")
	require.NoError(t, err)
	assert.Empty(t, v)

	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, tr.Set(ctx, "entries", "e1", State{RemoteVersion: "v3", SyncedAt: at}))

	s, ok, err := tr.Get(ctx, "entries", "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v3", s.RemoteVersion)
	assert.True(t, at.Equal(s.SyncedAt))

	// state is per entity
	_, ok, err = tr.Get(ctx, "entries", "e")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnsureBase(t *testing.T) {
	tr, records := newTracker(t)
	ctx := context.Background()

	// nothing local yet: no base
	require.NoError(t, tr.EnsureBase(ctx, "entries", "e1"))
	base, err := tr.Base(ctx, "entries", "e1")
	require.NoError(t, err)
	assert.Nil(t, base)

	// never synced: an earlier local edit is not a common ancestor
	require.NoError(t, records.Put(ctx, "entries", "e1", storage.Record{"pain": 4.0}))
	require.NoError(t, tr.EnsureBase(ctx, "entries", "e1"))
	base, err = tr.Base(ctx, "entries", "e1")
	require.NoError(t, err)
	assert.Nil(t, base)

	require.NoError(t, tr.Set(ctx, "entries", "e1", State{RemoteVersion: "v1"}))
	require.NoError(t, tr.EnsureBase(ctx, "entries", "e1"))

	// later edits do not move an existing base
	require.NoError(t, records.Put(ctx, "entries", "e1", storage.Record{"pain": 7.0}))
	require.NoError(t, tr.EnsureBase(ctx, "entries", "e1"))

	base, err = tr.Base(ctx, "entries", "e1")
	require.NoError(t, err)
	assert.Equal(t, storage.Record{"pain": 4.0}, base)
}

func TestSettle(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	rec := storage.Record{"pain": 2.0}
	require.NoError(t, tr.Settle(ctx, "entries", "e1", State{RemoteVersion: "v1"}, rec))

	base, err := tr.Base(ctx, "entries", "e1")
	require.NoError(t, err)
	assert.Equal(t, rec, base)

	// a delete settles with no base
	require.NoError(t, tr.Settle(ctx, "entries", "e1", State{RemoteVersion: "v2"}, nil))
	base, err = tr.Base(ctx, "entries", "e1")
	require.NoError(t, err)
	assert.Nil(t, base)

	v, err := tr.Version(ctx, "entries", "e1")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestLastSync(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	ts, err := tr.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	at := time.Date(2026, 3, 10, 12, 30, 0, 0, time.FixedZone("CET", 3600))
	require.NoError(t, tr.SetLastSync(ctx, at))

	ts, err = tr.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, at.Equal(ts))
	assert.Equal(t, time.UTC, ts.Location())
}

func TestBaseLongID(t *testing.T) {
	tr, records := newTracker(t)
	ctx := context.Background()

	id := strings.Repeat("a", 250)
	require.NoError(t, storage.ValidateID(id))
	require.NoError(t, records.Put(ctx, "entries", id, storage.Record{"pain": 1.0}))
	require.NoError(t, tr.Set(ctx, "entries", id, State{RemoteVersion: "v1"}))

	require.NoError(t, tr.EnsureBase(ctx, "entries", id))
	base, err := tr.Base(ctx, "entries", id)
	require.NoError(t, err)
	assert.Equal(t, storage.Record{"pain": 1.0}, base)

	assert.NoError(t, storage.ValidateID(BaseID("entries", id)))
	assert.NotEqual(t, BaseID("entries", "e1"), BaseID("entrie", "s/e1"))
}
