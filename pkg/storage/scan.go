package storage

import (
	"context"
	"errors"
	"iter"

	"github.com/forest6511/painvault/pkg/codec"
	"github.com/forest6511/painvault/pkg/kv"
	"github.com/forest6511/painvault/pkg/vault"
)

// Item is one record yielded by Scan.
type Item struct {
	ID     string
	Record Record
}

// EnvelopeItem is one raw envelope yielded by ScanEnvelopes.
type EnvelopeItem struct {
	ID   string
	Data []byte
}

// Scan yields every record of table in id order.
//
// The sequence reads the durable tier one page at a time and holds nothing
// open between pages, so ranging over it again starts a fresh read. A record
// that cannot be decoded is yielded with its error and the scan continues;
// a locked vault ends the scan. Lazy migrations are applied to the yielded
// records but not written back.
func (e *Engine) Scan(ctx context.Context, table string) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		if err := ValidateTable(table); err != nil {
			yield(Item{}, err)
			return
		}
		prefix := TableKeyPrefix(table)
		s := e.schema(table)

		for p, err := range e.pairs(ctx, prefix) {
			if err != nil {
				yield(Item{}, err)
				return
			}
			id := p.Key[len(prefix):]
			rec, err := e.decodeForScan(ctx, s, id, p.Value)
			if err != nil {
				if !yield(Item{ID: id}, err) || errors.Is(err, vault.ErrLocked) {
					return
				}
				continue
			}
			if !yield(Item{ID: id, Record: rec}, nil) {
				return
			}
		}
	}
}

func (e *Engine) decodeForScan(ctx context.Context, s TableSchema, id string, data []byte) (Record, error) {
	env, err := codec.Unmarshal(data)
	if err != nil {
		e.flag(ctx, s.Name, id, err)
		return nil, err
	}
	rec, err := e.decode(ctx, s.Name, id, env)
	if err != nil {
		return nil, err
	}
	if env.SchemaVersion >= s.Version {
		return rec, nil
	}
	return migrateRecord(s, env.SchemaVersion, rec)
}

// ScanEnvelopes yields the stored envelope bytes of table in id order
// without decrypting them.
func (e *Engine) ScanEnvelopes(ctx context.Context, table string) iter.Seq2[EnvelopeItem, error] {
	return func(yield func(EnvelopeItem, error) bool) {
		if err := ValidateTable(table); err != nil {
			yield(EnvelopeItem{}, err)
			return
		}
		prefix := TableKeyPrefix(table)
		for p, err := range e.pairs(ctx, prefix) {
			if err != nil {
				yield(EnvelopeItem{}, err)
				return
			}
			if !yield(EnvelopeItem{ID: p.Key[len(prefix):], Data: p.Value}, nil) {
				return
			}
		}
	}
}

// Count returns the number of records in table.
func (e *Engine) Count(ctx context.Context, table string) (int, error) {
	if err := ValidateTable(table); err != nil {
		return 0, err
	}
	return kv.Count(ctx, e.store, TableKeyPrefix(table))
}

// pairs pages through prefix in key order.
func (e *Engine) pairs(ctx context.Context, prefix string) iter.Seq2[kv.Pair, error] {
	return func(yield func(kv.Pair, error) bool) {
		after := ""
		for {
			page, err := e.store.List(ctx, prefix, after, e.opts.PageSize)
			if err != nil {
				yield(kv.Pair{}, err)
				return
			}
			for _, p := range page {
				if !yield(p, nil) {
					return
				}
			}
			if len(page) < e.opts.PageSize {
				return
			}
			after = page[len(page)-1].Key
		}
	}
}
