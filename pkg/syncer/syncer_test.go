package syncer

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/painvault/pkg/codec"
	"github.com/forest6511/painvault/pkg/conflict"
	"github.com/forest6511/painvault/pkg/crypto"
	"github.com/forest6511/painvault/pkg/kv"
	"github.com/forest6511/painvault/pkg/remote"
	"github.com/forest6511/painvault/pkg/remote/remotetest"
	"github.com/forest6511/painvault/pkg/storage"
	"github.com/forest6511/painvault/pkg/syncq"
	"github.com/forest6511/painvault/pkg/syncstate"
	"github.com/forest6511/painvault/pkg/vault"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time           { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	clock     *clock
	srv       *remotetest.Server
	vault     *vault.Vault
	records   *storage.Engine
	queue     *syncq.Queue
	state     *syncstate.Tracker
	conflicts *conflict.Store
	driver    *Driver
}

func newFixture(t *testing.T, qopts syncq.Options) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := kv.Open(ctx, kv.BackendSQLite, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	v := vault.New(store, vault.Options{KDF: crypto.KDFParams{Memory: 64, Time: 1, Threads: 1}, AutoLock: -1})
	require.NoError(t, v.Init(ctx, "correct-horse"))
	c := codec.New(v)

	srv := remotetest.New()
	t.Cleanup(srv.Close)
	client, err := remote.New(srv.URL, remote.Options{Timeout: 5 * time.Second})
	require.NoError(t, err)

	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	qopts.Now = clk.Now
	f := &fixture{
		clock:     clk,
		srv:       srv,
		vault:     v,
		records:   storage.New(store, c, storage.Options{}),
		queue:     syncq.New(store, qopts),
		conflicts: conflict.NewStore(store, c),
	}
	f.state = syncstate.New(store, f.records)
	f.driver = New(client, f.queue, f.records, f.state, f.conflicts, Options{Now: clk.Now})
	return f
}

// put writes rec locally and queues it against the known remote version.
func (f *fixture) put(t *testing.T, id string, rec storage.Record, p syncq.Priority) uint64 {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.records.Put(ctx, "entries", id, rec))
	base, err := f.state.Version(ctx, "entries", id)
	require.NoError(t, err)
	itemID, err := f.queue.Enqueue(ctx, syncq.Operation{
		Method: syncq.MethodPut, Table: "entries", ID: id, BodyRef: "entries/" + id, BaseVersion: base,
	}, p)
	require.NoError(t, err)
	return itemID
}

func (f *fixture) drain(t *testing.T) Report {
	t.Helper()
	report, err := f.driver.Drain(context.Background())
	require.NoError(t, err)
	return report
}

func TestDeliverCreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncq.Options{})

	f.put(t, "e1", storage.Record{"pain": 7}, syncq.Medium)
	report := f.drain(t)
	assert.Equal(t, 1, report.Delivered)

	e, ok := f.srv.Entity("entries", "e1")
	require.True(t, ok)
	assert.Equal(t, "v1", e.Version)
	assert.Equal(t, float64(7), e.Fields["pain"])

	st, ok, err := f.state.Get(ctx, "entries", "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", st.RemoteVersion)
	base, err := f.state.Base(ctx, "entries", "e1")
	require.NoError(t, err)
	assert.Equal(t, storage.Record{"pain": float64(7)}, base)

	last, err := f.state.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(f.clock.Now()))

	// the update goes out against v1
	f.put(t, "e1", storage.Record{"pain": 4}, syncq.Medium)
	report = f.drain(t)
	assert.Equal(t, 1, report.Delivered)
	e, _ = f.srv.Entity("entries", "e1")
	assert.Equal(t, "v2", e.Version)

	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestLaterItemsAreRebased(t *testing.T) {
	f := newFixture(t, syncq.Options{})

	// two edits before the first sync: both are based on "no remote yet"
	f.put(t, "e1", storage.Record{"pain": 7}, syncq.Medium)
	f.put(t, "e1", storage.Record{"pain": 8}, syncq.Medium)

	report := f.drain(t)
	assert.Equal(t, 2, report.Delivered)
	assert.Zero(t, report.Conflicts)
	e, _ := f.srv.Entity("entries", "e1")
	assert.Equal(t, "v2", e.Version)
	assert.Equal(t, float64(8), e.Fields["pain"])
}

func TestConflictDetected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncq.Options{})

	require.NoError(t, f.state.Settle(ctx, "entries", "e1", syncstate.State{RemoteVersion: "v1"}, storage.Record{"mood": 5.0}))
	f.srv.Set(remote.Entity{Type: "entries", ID: "e1", Version: "v2", Fields: map[string]any{"mood": 3.0}})

	f.put(t, "e1", storage.Record{"mood": 8}, syncq.High)
	report := f.drain(t)
	assert.Equal(t, 1, report.Conflicts)
	assert.Zero(t, report.Delivered)

	// no blind overwrite
	e, _ := f.srv.Entity("entries", "e1")
	assert.Equal(t, "v2", e.Version)
	assert.Equal(t, 3.0, e.Fields["mood"])

	open, err := f.conflicts.Open(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	c := open[0]
	assert.Equal(t, "v2", c.RemoteVersion)
	assert.Equal(t, "v1", c.BaseVersion)
	assert.Equal(t, []string{"mood"}, c.Fields)
	assert.Equal(t, syncq.High, c.Priority)
	snap, err := f.conflicts.Snapshots(&c)
	require.NoError(t, err)
	assert.Equal(t, storage.Record{"mood": 8.0}, snap.Local)
	assert.Equal(t, storage.Record{"mood": 3.0}, snap.Remote)
	assert.Equal(t, storage.Record{"mood": 5.0}, snap.Base)

	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	// further edits are held while the conflict is open
	f.put(t, "e1", storage.Record{"mood": 9}, syncq.High)
	report = f.drain(t)
	assert.Equal(t, 1, report.Held)
	assert.Zero(t, report.Attempted)
}

func TestConvergedIsNotAConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncq.Options{})

	require.NoError(t, f.state.Settle(ctx, "entries", "e1", syncstate.State{RemoteVersion: "v1"}, storage.Record{"mood": 5.0}))
	f.srv.Set(remote.Entity{Type: "entries", ID: "e1", Version: "v2", Fields: map[string]any{"mood": 8.0}})

	f.put(t, "e1", storage.Record{"mood": 8}, syncq.Medium)
	report := f.drain(t)
	assert.Equal(t, 1, report.Delivered)
	assert.Zero(t, report.Conflicts)

	v, err := f.state.Version(ctx, "entries", "e1")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestIdempotentRedelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncq.Options{BaseDelay: time.Second})

	id := f.put(t, "e1", storage.Record{"pain": 7}, syncq.Medium)
	it, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	key := it.Op.IdempotencyKey

	f.srv.LoseReplies(1)
	report := f.drain(t)
	assert.Equal(t, 1, report.Retrying)
	assert.Equal(t, 1, f.srv.Applied(key))

	f.clock.Advance(time.Minute)
	report = f.drain(t)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, f.srv.Applied(key))

	e, _ := f.srv.Entity("entries", "e1")
	assert.Equal(t, "v1", e.Version)
}

func TestNoHeadOfLineBlocking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncq.Options{})

	a1 := f.put(t, "a", storage.Record{"n": 1}, syncq.High)
	f.put(t, "a", storage.Record{"n": 2}, syncq.High)
	f.put(t, "b", storage.Record{"n": 1}, syncq.Low)

	f.srv.FailNext(http.StatusServiceUnavailable)
	report := f.drain(t)
	assert.Equal(t, 1, report.Retrying)
	assert.Equal(t, 1, report.Delivered)

	_, ok := f.srv.Entity("entries", "b")
	assert.True(t, ok)
	_, ok = f.srv.Entity("entries", "a")
	assert.False(t, ok)

	// a's second edit waits behind its first
	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a1, pending[0].ID)
	assert.Equal(t, 1, pending[0].RetryCount)
}

func TestRejectedIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncq.Options{})

	f.put(t, "e1", storage.Record{"pain": 7}, syncq.Medium)
	f.srv.FailNext(http.StatusUnprocessableEntity)
	report := f.drain(t)
	assert.Equal(t, 1, report.DeadLettered)

	dead, err := f.queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Reason, "rejected")
}

func TestDeadLetterAfterRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncq.Options{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Second})

	f.put(t, "e1", storage.Record{"pain": 7}, syncq.Medium)
	f.srv.FailNext(500, 500, 500)

	var total Report
	for range 3 {
		r := f.drain(t)
		total.Retrying += r.Retrying
		total.DeadLettered += r.DeadLettered
		f.clock.Advance(time.Minute)
	}
	assert.Equal(t, 2, total.Retrying)
	assert.Equal(t, 1, total.DeadLettered)

	dead, err := f.queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].RetryCount)
}

func TestDeletedBeforeDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncq.Options{})

	f.put(t, "e1", storage.Record{"pain": 7}, syncq.Medium)
	require.NoError(t, f.records.Delete(ctx, "entries", "e1"))
	_, err := f.queue.Enqueue(ctx, syncq.Operation{Method: syncq.MethodDelete, Table: "entries", ID: "e1"}, syncq.Medium)
	require.NoError(t, err)

	report := f.drain(t)
	assert.Equal(t, 1, report.Superseded)
	assert.Equal(t, 1, report.Delivered)
	e, ok := f.srv.Entity("entries", "e1")
	require.True(t, ok)
	assert.True(t, e.Deleted)
}

func TestLockedDrainStops(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncq.Options{})

	f.put(t, "e1", storage.Record{"pain": 7}, syncq.Medium)
	f.vault.Lock()
	_, err := f.driver.Drain(ctx)
	require.ErrorIs(t, err, vault.ErrLocked)

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, syncq.StatePending, pending[0].State)
	assert.Zero(t, pending[0].RetryCount)
}

func TestCancelledDrain(t *testing.T) {
	f := newFixture(t, syncq.Options{})
	f.put(t, "e1", storage.Record{"pain": 7}, syncq.Medium)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.driver.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.srv.Requests())
}

func TestRunDrainsOnNotify(t *testing.T) {
	f := newFixture(t, syncq.Options{})
	f.put(t, "e1", storage.Record{"pain": 7}, syncq.Medium)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.driver.Run(ctx) }()

	f.driver.Notify(TriggerConnectivity)
	assert.Eventually(t, func() bool {
		_, ok := f.srv.Entity("entries", "e1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
