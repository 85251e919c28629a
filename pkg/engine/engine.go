// Package engine wires the vault, storage, sync and insight components into
// the single entry point the domain layer and the CLI use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forest6511/painvault/internal/config"
	"github.com/forest6511/painvault/internal/logging"
	"github.com/forest6511/painvault/internal/metrics"
	"github.com/forest6511/painvault/pkg/audit"
	"github.com/forest6511/painvault/pkg/backup"
	"github.com/forest6511/painvault/pkg/codec"
	"github.com/forest6511/painvault/pkg/conflict"
	"github.com/forest6511/painvault/pkg/insight"
	"github.com/forest6511/painvault/pkg/kv"
	"github.com/forest6511/painvault/pkg/remote"
	"github.com/forest6511/painvault/pkg/storage"
	"github.com/forest6511/painvault/pkg/syncer"
	"github.com/forest6511/painvault/pkg/syncq"
	"github.com/forest6511/painvault/pkg/syncstate"
	"github.com/forest6511/painvault/pkg/vault"
)

// ErrSyncDisabled is returned by sync operations when no remote is configured.
var ErrSyncDisabled = errors.New("engine: sync is not configured")

// Remote is the remote authority the engine syncs with.
type Remote interface {
	syncer.Remote
}

// Option configures Open.
type Option func(*options)

type options struct {
	logger *slog.Logger
	actor  audit.Actor
	now    func() time.Time
}

// WithLogger sets the logger. The default is the logger carried by the Open
// context.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithActor names who audited operations are attributed to.
func WithActor(a audit.Actor) Option {
	return func(o *options) { o.actor = a }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Engine is an open data directory.
type Engine struct {
	cfg  *config.Config
	log  *slog.Logger
	opts options

	devLock   *vault.DeviceLock
	store     kv.Store
	vault     *vault.Vault
	codec     *codec.Codec
	records   *storage.Engine
	queue     *syncq.Queue
	state     *syncstate.Tracker
	conflicts *conflict.Store
	audit     *audit.Logger
	driver    *syncer.Driver // nil when sync is disabled
	resolver  *conflict.Resolver
	insights  *insight.Processor
	scheduler *insight.Scheduler
	exporter  *backup.Exporter

	mu     sync.RWMutex
	synced map[string]bool

	closeOnce sync.Once
	closeErr  error
}

// NewRemote builds the HTTP remote client from cfg. It returns nil when no
// remote is configured.
func NewRemote(cfg *config.Config, log *slog.Logger) (Remote, error) {
	if !cfg.SyncEnabled() {
		return nil, nil
	}
	c, err := remote.New(cfg.Sync.RemoteURL, remote.Options{
		Token:   cfg.Sync.Token,
		Timeout: cfg.Sync.Timeout,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Open opens the data directory described by cfg. A nil remote disables
// sync; everything else works offline.
func Open(ctx context.Context, cfg *config.Config, r Remote, opt ...Option) (_ *Engine, err error) {
	o := options{actor: audit.Actor{Source: "engine"}, now: time.Now}
	for _, fn := range opt {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = logging.FromContext(ctx)
	}
	e := &Engine{cfg: cfg, log: o.logger.With("component", "engine"), opts: o, synced: make(map[string]bool)}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	// 1. device lock
	if e.devLock, err = vault.AcquireDeviceLock(cfg.Dir); err != nil {
		return nil, err
	}

	// 2. durable tier
	if e.store, err = kv.Open(ctx, cfg.Storage.Backend, cfg.Dir); err != nil {
		return nil, err
	}

	// 3. vault, with the audit log it installs its key into
	e.audit = audit.NewLogger(cfg.AuditDir())
	autoLock := cfg.Vault.AutoLock
	if autoLock == 0 {
		autoLock = -1
	}
	e.vault = vault.New(e.store, vault.Options{
		KDF:        cfg.Vault.KDF,
		KeyHistory: cfg.Vault.KeyHistory,
		AutoLock:   autoLock,
		Audit:      e.audit,
		Logger:     o.logger,
		Now:        o.now,
	})

	// 4. codec
	e.codec = codec.NewWithStore(e.vault, e.store)

	// 5. storage
	e.records = storage.New(e.store, e.codec, storage.Options{
		CacheSize:    cfg.Storage.CacheSize,
		CacheTTL:     cfg.Storage.CacheTTL,
		PageSize:     cfg.Storage.PageSize,
		MaxBytes:     cfg.Storage.MaxBytes,
		MinFreeBytes: cfg.Storage.MinFreeBytes,
		Audit:        e.audit,
		Logger:       o.logger,
	})
	if err = e.records.LoadFlags(ctx); err != nil {
		return nil, err
	}

	// 6. queue
	e.queue = syncq.New(e.store, syncq.Options{
		MaxRetries: cfg.Sync.MaxRetries,
		BaseDelay:  cfg.Sync.BaseDelay,
		MaxDelay:   cfg.Sync.MaxDelay,
		Jitter:     cfg.Sync.Jitter,
		Audit:      e.audit,
		Logger:     o.logger,
		Now:        o.now,
	})

	// 7. sync state and conflict store
	e.state = syncstate.New(e.store, e.records)
	e.conflicts = conflict.NewStore(e.store, e.codec)

	// 8. driver
	var fetcher conflict.Fetcher
	if r != nil {
		fetcher = r
		e.driver = syncer.New(r, e.queue, e.records, e.state, e.conflicts, syncer.Options{
			Interval: cfg.Sync.Interval,
			Logger:   o.logger,
			Now:      o.now,
		})
	}

	// 9. resolver
	policy, err := conflict.LoadPolicy(cfg.PolicyDir())
	switch {
	case errors.Is(err, conflict.ErrPolicyNotFound):
		policy = conflict.DefaultPolicy()
	case err != nil:
		return nil, err
	}
	e.resolver = conflict.NewResolver(e.conflicts, e.records, e.queue, e.state, conflict.ResolverOptions{
		Policy: policy,
		Remote: fetcher,
		Audit:  e.audit,
		Logger: o.logger,
		Now:    o.now,
	})

	// 10. insight
	e.insights = insight.New(e.records, insight.Options{
		Tables:    cfg.Insight.Tables,
		TimeField: cfg.Insight.TimeField,
		Logger:    o.logger,
		Now:       o.now,
	})
	e.scheduler = insight.NewScheduler(e.records, insight.SchedulerOptions{
		Yield:  cfg.Insight.Yield,
		Logger: o.logger,
	})

	e.exporter = backup.New(e.records, backup.Options{
		Keys:   e.vault,
		Audit:  e.audit,
		Actor:  o.actor,
		Logger: o.logger,
		Now:    o.now,
	})

	// configured tables start as lazy v1 tables until the domain registers
	// its own schema
	for _, t := range cfg.Insight.Tables {
		if err := e.records.Register(ctx, storage.TableSchema{Name: t}); err != nil {
			return nil, err
		}
	}
	for _, t := range cfg.Sync.Tables {
		if err := e.records.Register(ctx, storage.TableSchema{Name: t}); err != nil {
			return nil, err
		}
		e.synced[t] = true
	}

	e.log.DebugContext(ctx, "engine opened", "dir", cfg.Dir, "backend", cfg.Storage.Backend, "sync", e.driver != nil)
	return e, nil
}

// Close locks the vault, closes the store and releases the data directory.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		if e.vault != nil {
			errs = append(errs, e.vault.Close())
		}
		if e.store != nil {
			errs = append(errs, e.store.Close())
		}
		errs = append(errs, e.devLock.Release())
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Audit returns the audit log.
func (e *Engine) Audit() *audit.Logger { return e.audit }

// Exists reports whether the vault was initialized.
func (e *Engine) Exists(ctx context.Context) (bool, error) {
	return e.vault.Exists(ctx)
}

// Init creates the vault and leaves it unlocked.
func (e *Engine) Init(ctx context.Context, secret string) error {
	if err := e.vault.Init(ctx, secret); err != nil {
		return err
	}
	e.unlocked(ctx)
	return nil
}

// Unlock opens the session.
func (e *Engine) Unlock(ctx context.Context, secret string) error {
	if err := e.vault.Unlock(ctx, secret); err != nil {
		return err
	}
	e.unlocked(ctx)
	return nil
}

// unlocked runs deferred work that needed keys.
func (e *Engine) unlocked(ctx context.Context) {
	if err := e.records.MigratePending(ctx); err != nil {
		e.log.WarnContext(ctx, "deferred migration failed", "error", err)
	}
	e.notify(syncer.TriggerForeground)
	e.refreshInsights()
}

// Lock closes the session and drops everything derived from plaintext.
func (e *Engine) Lock() {
	e.vault.Lock()
	e.insights.Invalidate()
}

// IsLocked reports whether the session is closed.
func (e *Engine) IsLocked() bool {
	return e.vault.IsLocked()
}

// RotateKey switches to a new data key sealed under newSecret and returns
// its version. Existing records move to the new key as they are rewritten,
// or all at once with Reencrypt.
func (e *Engine) RotateKey(ctx context.Context, newSecret string) (int, error) {
	return e.vault.RotateKey(ctx, newSecret)
}

// Reencrypt rewrites every record of every table under the current key.
func (e *Engine) Reencrypt(ctx context.Context) (map[string]storage.SweepReport, error) {
	tables := append(e.records.Tables(), syncstate.BaseTable)
	out := make(map[string]storage.SweepReport, len(tables))
	for _, t := range tables {
		r, err := e.records.Reencrypt(ctx, t)
		out[t] = r
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func checkTable(table string) error {
	if err := storage.ValidateTable(table); err != nil {
		return err
	}
	if strings.HasPrefix(table, "_") {
		return fmt.Errorf("%w: %q", storage.ErrReservedTable, table)
	}
	return nil
}

// RegisterTable declares a table schema. Writes to a synced table are
// queued for the remote.
func (e *Engine) RegisterTable(ctx context.Context, s storage.TableSchema, synced bool) error {
	if err := checkTable(s.Name); err != nil {
		return err
	}
	if err := e.records.Register(ctx, s); err != nil {
		return err
	}
	e.mu.Lock()
	e.synced[s.Name] = synced
	e.mu.Unlock()
	return nil
}

// Synced reports whether writes to table are synced.
func (e *Engine) Synced(table string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.synced[table]
}

// Tables lists the registered user tables.
func (e *Engine) Tables() []string {
	var out []string
	for _, t := range e.records.Tables() {
		if !strings.HasPrefix(t, "_") {
			out = append(out, t)
		}
	}
	return out
}

// Get returns one record.
func (e *Engine) Get(ctx context.Context, table, id string) (storage.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	return e.records.Get(ctx, table, id)
}

// Scan yields every record of table.
func (e *Engine) Scan(ctx context.Context, table string) iter.Seq2[storage.Item, error] {
	if err := checkTable(table); err != nil {
		return func(yield func(storage.Item, error) bool) { yield(storage.Item{}, err) }
	}
	return e.records.Scan(ctx, table)
}

// Count returns the number of records in table. It works while locked.
func (e *Engine) Count(ctx context.Context, table string) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	return e.records.Count(ctx, table)
}

// RecordInfo is what can be said about a record without decrypting it.
type RecordInfo struct {
	Table         string    `json:"table"`
	ID            string    `json:"id"`
	SchemaVersion int       `json:"schema_version"`
	KeyVersion    int       `json:"key_version"`
	WrittenAt     time.Time `json:"written_at"`
}

// Describe reads a record's envelope header. It works while locked.
func (e *Engine) Describe(ctx context.Context, table, id string) (*RecordInfo, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	data, err := e.records.GetEnvelope(ctx, table, id)
	if err != nil {
		return nil, err
	}
	env, err := codec.Peek(data)
	if err != nil {
		return nil, err
	}
	return &RecordInfo{
		Table:         table,
		ID:            id,
		SchemaVersion: env.SchemaVersion,
		KeyVersion:    env.KeyVersion,
		WrittenAt:     env.CreatedAt,
	}, nil
}

// Put stores a record, queuing it for sync at medium priority when the
// table is synced.
func (e *Engine) Put(ctx context.Context, table, id string, rec storage.Record) error {
	return e.PutPriority(ctx, table, id, rec, syncq.Medium)
}

// PutPriority is Put with an explicit sync priority.
func (e *Engine) PutPriority(ctx context.Context, table, id string, rec storage.Record, p syncq.Priority) error {
	return e.write(ctx, syncq.MethodPut, table, id, p, func() error {
		return e.records.Put(ctx, table, id, rec)
	})
}

// Delete removes a record, queuing the delete when the table is synced.
func (e *Engine) Delete(ctx context.Context, table, id string) error {
	return e.DeletePriority(ctx, table, id, syncq.Medium)
}

// DeletePriority is Delete with an explicit sync priority.
func (e *Engine) DeletePriority(ctx context.Context, table, id string, p syncq.Priority) error {
	return e.write(ctx, syncq.MethodDelete, table, id, p, func() error {
		return e.records.Delete(ctx, table, id)
	})
}

// write applies a local mutation and, for synced tables, queues it. The
// merge base is captured before the first edit since the last sync, so it
// still holds the pre-edit record. Writes to one entity run one at a time
// from base capture to enqueue.
func (e *Engine) write(ctx context.Context, method syncq.Method, table, id string, p syncq.Priority, apply func() error) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	unlock := e.records.LockEntity(table, id)
	defer unlock()

	synced := e.Synced(table)
	if synced {
		if err := e.state.EnsureBase(ctx, table, id); err != nil {
			return err
		}
	}
	if err := apply(); err != nil {
		return err
	}
	defer e.refreshInsights()
	if !synced {
		return nil
	}

	base, err := e.state.Version(ctx, table, id)
	if err != nil {
		return err
	}
	op := syncq.Operation{
		Method:      method,
		Table:       table,
		ID:          id,
		BaseVersion: base,
	}
	if method == syncq.MethodPut {
		op.BodyRef = storage.Addr(table, id)
	}
	if _, err := e.queue.Enqueue(ctx, op, p); err != nil {
		return fmt.Errorf("engine: record written but not queued for sync: %w", err)
	}
	e.notify(syncer.TriggerWrite)
	return nil
}

func (e *Engine) notify(t syncer.Trigger) {
	if e.driver != nil {
		e.driver.Notify(t)
	}
}

// refreshInsights schedules a recompute. It is dropped if the scheduler is
// already backed up.
func (e *Engine) refreshInsights() {
	e.scheduler.Submit("refresh", func(ctx context.Context) error {
		if e.vault.IsLocked() {
			return nil
		}
		_, err := e.insights.ProcessPending(ctx)
		return err
	})
}

// Connectivity tells the driver the network came back.
func (e *Engine) Connectivity() {
	e.notify(syncer.TriggerConnectivity)
}

// Sync runs one drain pass now.
func (e *Engine) Sync(ctx context.Context) (syncer.Report, error) {
	if e.driver == nil {
		return syncer.Report{}, ErrSyncDisabled
	}
	return e.driver.Drain(ctx)
}

// Run drives background work until ctx ends: the sync driver, the insight
// scheduler and the metrics collector. Auto-lock runs on the vault's own
// timer.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if e.driver != nil {
		g.Go(func() error { return e.driver.Run(ctx) })
	}
	g.Go(func() error { return e.scheduler.Run(ctx) })
	g.Go(func() error {
		metrics.StartCollector(ctx, e.snapshot, e.cfg.Diag.MetricsInterval)
		return nil
	})
	return g.Wait()
}

func (e *Engine) snapshot(ctx context.Context) (metrics.Snapshot, error) {
	st, err := e.Status(ctx)
	if err != nil {
		return metrics.Snapshot{}, err
	}
	return metrics.Snapshot{
		QueueDepth:    st.QueueDepth,
		DeadLetters:   st.DeadLetters,
		ConflictsOpen: st.Conflicts,
		Flagged:       st.Flagged,
		Locked:        st.Locked,
	}, nil
}

// Insights returns the current insights, recomputing them if records
// changed. It needs an unlocked vault.
func (e *Engine) Insights(ctx context.Context) ([]insight.Insight, error) {
	return e.insights.ProcessPending(ctx)
}

// CachedInsights returns the last computed insights without decrypting
// anything.
func (e *Engine) CachedInsights() ([]insight.Insight, bool) {
	return e.insights.Cached()
}

// Export writes the stored envelopes of tables to w. The vault may be locked.
func (e *Engine) Export(ctx context.Context, w io.Writer, tables []string) (*backup.ExportResult, error) {
	return e.exporter.Export(ctx, w, tables)
}

// ExportDecrypted writes tables as labeled plaintext.
func (e *Engine) ExportDecrypted(ctx context.Context, w io.Writer, tables []string) (*backup.ExportResult, error) {
	return e.exporter.ExportDecrypted(ctx, w, tables)
}

// Import restores an export file. Imported records are local state and are
// not queued for sync.
func (e *Engine) Import(ctx context.Context, r io.Reader, opts backup.ImportOptions) (*backup.ImportResult, error) {
	res, err := e.exporter.Import(ctx, r, opts)
	if err == nil && !opts.DryRun {
		e.refreshInsights()
	}
	return res, err
}

// Flagged lists records that failed integrity checks.
func (e *Engine) Flagged() []storage.Flagged {
	return e.records.Flagged()
}

// Quarantine moves a flagged record out of its table.
func (e *Engine) Quarantine(ctx context.Context, table, id, reason string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	return e.records.Quarantine(ctx, table, id, reason)
}
