// Package insight derives health insights from stored entries.
//
// Insights are never authoritative: they are computed from the durable
// records on demand, cached against the storage write watermark, and can be
// thrown away at any time.
package insight

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/forest6511/painvault/internal/metrics"
	"github.com/forest6511/painvault/pkg/storage"
	"github.com/forest6511/painvault/pkg/vault"
)

// DefaultTimeField is the record field holding when an entry was recorded.
const DefaultTimeField = "recorded_at"

// Insight is one derived observation.
type Insight struct {
	Type            string    `json:"type"`
	Confidence      int       `json:"confidence"`
	GeneratedAt     time.Time `json:"generated_at"`
	Summary         string    `json:"summary"`
	Recommendations []string  `json:"recommendations,omitempty"`
	SourceCount     int       `json:"source_count"`
}

// Entry is the part of a record generators look at.
type Entry struct {
	Table string
	ID    string
	At    time.Time // zero when the record carries no timestamp
	Pain  *float64
	Mood  *float64
}

// Dataset is the input of one generation run.
type Dataset struct {
	Entries []Entry
	Now     time.Time
}

// Since returns the timestamped entries recorded after t, oldest first.
func (d Dataset) Since(t time.Time) []Entry {
	var out []Entry
	for _, e := range d.Entries {
		if !e.At.IsZero() && e.At.After(t) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return a.At.Compare(b.At) })
	return out
}

// Generator computes one kind of insight. A nil insight with a nil error
// means there is not enough data.
type Generator interface {
	Type() string
	Generate(ctx context.Context, d Dataset) (*Insight, error)
}

// Source is the read side of storage the processor scans.
type Source interface {
	Scan(ctx context.Context, table string) iter.Seq2[storage.Item, error]
	Watermark() uint64
}

// Options configure a Processor.
type Options struct {
	Tables     []string
	TimeField  string
	Generators []Generator
	Logger     *slog.Logger
	Now        func() time.Time
}

// Processor runs generators over the configured tables.
type Processor struct {
	src  Source
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	cached   []Insight
	cachedAt uint64
	valid    bool
}

// New returns a Processor. With no generators configured it uses the
// built-in ones.
func New(src Source, opts Options) *Processor {
	if opts.TimeField == "" {
		opts.TimeField = DefaultTimeField
	}
	if opts.Generators == nil {
		opts.Generators = Builtin()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Processor{src: src, opts: opts, log: log.With("component", "insight")}
}

// Builtin returns the built-in generators.
func Builtin() []Generator {
	return []Generator{PainTrend{}, MoodAverage{}, LoggingConsistency{}}
}

// ProcessPending returns the current insights, recomputing them only when
// storage was written since the last run. Generator failures are logged and
// left out; they are not retried until the data changes.
func (p *Processor) ProcessPending(ctx context.Context) ([]Insight, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wm := p.src.Watermark()
	if p.valid && p.cachedAt == wm {
		return slices.Clone(p.cached), nil
	}

	d, err := p.load(ctx)
	if err != nil {
		return nil, err
	}

	var out []Insight
	for _, g := range p.opts.Generators {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ins, err := g.Generate(ctx, d)
		switch {
		case err != nil:
			metrics.InsightRuns.WithLabelValues(g.Type(), "error").Inc()
			p.log.WarnContext(ctx, "insight generator failed", "generator", g.Type(), "error", err)
		case ins == nil:
			metrics.InsightRuns.WithLabelValues(g.Type(), "skipped").Inc()
		default:
			metrics.InsightRuns.WithLabelValues(g.Type(), "ok").Inc()
			ins.Type = g.Type()
			ins.GeneratedAt = d.Now
			ins.Confidence = min(max(ins.Confidence, 0), 100)
			out = append(out, *ins)
		}
	}

	p.cached, p.cachedAt, p.valid = out, wm, true
	return slices.Clone(out), nil
}

// Cached returns the last computed insights without running anything.
func (p *Processor) Cached() ([]Insight, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.cached), p.valid
}

// Invalidate drops the cache.
func (p *Processor) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached, p.valid = nil, false
}

func (p *Processor) load(ctx context.Context) (Dataset, error) {
	d := Dataset{Now: p.opts.Now().UTC()}
	for _, table := range p.opts.Tables {
		for item, err := range p.src.Scan(ctx, table) {
			if err != nil {
				if errors.Is(err, vault.ErrLocked) || ctx.Err() != nil {
					return Dataset{}, err
				}
				p.log.DebugContext(ctx, "skipping unreadable record", "table", table, "error", err)
				continue
			}
			d.Entries = append(d.Entries, p.entry(table, item))
		}
	}
	return d, nil
}

func (p *Processor) entry(table string, item storage.Item) Entry {
	e := Entry{Table: table, ID: item.ID}
	if s, ok := item.Record[p.opts.TimeField].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			e.At = t.UTC()
		}
	}
	e.Pain = number(item.Record["pain"])
	e.Mood = number(item.Record["mood"])
	return e
}

func number(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	default:
		return nil
	}
	return &f
}
