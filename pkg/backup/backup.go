package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/forest6511/painvault/pkg/audit"
	"github.com/forest6511/painvault/pkg/codec"
	"github.com/forest6511/painvault/pkg/storage"
	"github.com/forest6511/painvault/pkg/vault"
)

// ConflictMode specifies how to handle records that already exist.
type ConflictMode string

const (
	// ConflictFail aborts the import before anything is written.
	ConflictFail ConflictMode = "fail"
	// ConflictSkip keeps the existing record.
	ConflictSkip ConflictMode = "skip"
	// ConflictOverwrite replaces the existing record.
	ConflictOverwrite ConflictMode = "overwrite"
)

// ParseConflictMode parses a conflict mode name.
func ParseConflictMode(s string) (ConflictMode, error) {
	switch m := ConflictMode(s); m {
	case ConflictFail, ConflictSkip, ConflictOverwrite:
		return m, nil
	case "":
		return ConflictFail, nil
	}
	return "", fmt.Errorf("backup: unknown conflict mode %q (use fail, skip or overwrite)", s)
}

// DecryptedFormat labels the first line of a decrypted export.
const DecryptedFormat = "painvault-decrypted"

// KeyRing reports which key versions the open session holds.
type KeyRing interface {
	IsLocked() bool
	RetainedVersions() []int
}

// Options configure an Exporter.
type Options struct {
	Keys   KeyRing
	Audit  *audit.Logger
	Actor  audit.Actor
	Logger *slog.Logger
	Now    func() time.Time
}

// ImportOptions contains options for Import.
type ImportOptions struct {
	OnConflict ConflictMode
	DryRun     bool
}

// ExportResult contains the outcome of an export.
type ExportResult struct {
	Tables      []string `json:"tables"`
	Count       int      `json:"count"`
	KeyVersions []int    `json:"key_versions,omitempty"`
	Failed      int      `json:"failed,omitempty"`
}

// ImportResult contains the outcome of an import.
type ImportResult struct {
	Header      *Header `json:"header"`
	Restored    int     `json:"restored"`
	Overwritten int     `json:"overwritten"`
	Skipped     int     `json:"skipped"`
	Unchanged   int     `json:"unchanged"`
	// KeyUnavailable counts envelopes sealed under a key version this
	// session does not hold. They are stored anyway. KeysChecked is false
	// when the vault was locked and nothing could be compared.
	KeyUnavailable int  `json:"key_unavailable"`
	KeysChecked    bool `json:"keys_checked"`
	DryRun         bool `json:"dry_run"`
}

// VerifyResult contains the result of checking an export file.
type VerifyResult struct {
	Header *Header `json:"header"`
	Valid  bool    `json:"valid"`
	Error  string  `json:"error,omitempty"`
}

// Exporter moves stored envelopes in and out of export files.
type Exporter struct {
	st   *storage.Engine
	opts Options
	log  *slog.Logger
}

// New returns an Exporter over st.
func New(st *storage.Engine, opts Options) *Exporter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Actor.Source == "" {
		opts.Actor.Source = "engine"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{st: st, opts: opts, log: log.With("component", "backup")}
}

// Export writes every record of tables to w. With no tables it exports every
// registered user table. The vault may be locked.
func (x *Exporter) Export(ctx context.Context, w io.Writer, tables []string) (*ExportResult, error) {
	if w == nil {
		return nil, ErrOutputNil
	}
	tables, err := x.tables(tables)
	if err != nil {
		return nil, err
	}

	entries, versions, err := x.collect(ctx, tables)
	if err != nil {
		return nil, err
	}

	header := &Header{
		Version:     FormatVersion,
		CreatedAt:   x.opts.Now().UTC(),
		Tables:      tables,
		Count:       len(entries),
		KeyVersions: versions,
		Checksum:    ChecksumAlgo,
	}
	fw, err := writeHeader(w, header)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if err := fw.frame(&entries[i]); err != nil {
			return nil, err
		}
	}
	if err := fw.writeTrailer(); err != nil {
		return nil, err
	}

	x.audit(audit.OpExportEnvelopes, map[string]any{"tables": tables, "count": len(entries)})
	return &ExportResult{Tables: tables, Count: len(entries), KeyVersions: versions}, nil
}

// collect reads the envelopes of tables into memory so the header can carry
// the count.
func (x *Exporter) collect(ctx context.Context, tables []string) ([]Entry, []int, error) {
	var entries []Entry
	seen := make(map[int]struct{})
	for _, table := range tables {
		for item, err := range x.st.ScanEnvelopes(ctx, table) {
			if err != nil {
				return nil, nil, fmt.Errorf("backup: failed to read %s: %w", table, err)
			}
			if env, err := codec.Peek(item.Data); err == nil {
				seen[env.KeyVersion] = struct{}{}
			} else {
				x.log.WarnContext(ctx, "exporting unparsable envelope as is", "table", table, "error", err)
			}
			entries = append(entries, Entry{Table: table, ID: item.ID, Envelope: item.Data})
		}
	}
	versions := make([]int, 0, len(seen))
	for v := range seen {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	return entries, versions, nil
}

func (x *Exporter) tables(requested []string) ([]string, error) {
	if len(requested) == 0 {
		var out []string
		for _, t := range x.st.Tables() {
			if !strings.HasPrefix(t, "_") {
				out = append(out, t)
			}
		}
		return out, nil
	}
	out := slices.Clone(requested)
	slices.Sort(out)
	out = slices.Compact(out)
	for _, t := range out {
		if err := userTable(t); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func userTable(t string) error {
	if err := storage.ValidateTable(t); err != nil {
		return err
	}
	if strings.HasPrefix(t, "_") {
		return fmt.Errorf("%w: %q", storage.ErrReservedTable, t)
	}
	return nil
}

// readAll reads and verifies a whole export file. Nothing is returned unless
// the checksum matches.
func readAll(r io.Reader) (*Header, []Entry, error) {
	header, fr, err := readHeader(r)
	if err != nil {
		return nil, nil, err
	}
	entries := make([]Entry, 0, min(header.Count, 4096))
	for range header.Count {
		var e Entry
		if err := fr.frame(maxEntrySize, &e); err != nil {
			return nil, nil, err
		}
		entries = append(entries, e)
	}
	if err := fr.verifyTrailer(); err != nil {
		return nil, nil, err
	}
	return header, entries, nil
}

// Verify checks an export file without importing it.
func Verify(r io.Reader) (*VerifyResult, error) {
	header, entries, err := readAll(r)
	if err != nil {
		if errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrCorrupt) || errors.Is(err, ErrTruncated) {
			return &VerifyResult{Header: header, Valid: false, Error: err.Error()}, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if err := userTable(e.Table); err != nil {
			return &VerifyResult{Header: header, Valid: false, Error: err.Error()}, nil
		}
	}
	return &VerifyResult{Header: header, Valid: true}, nil
}

type entryState int

const (
	entryNew entryState = iota
	entrySame
	entryDiffers
)

// Import restores the envelopes of an export file byte for byte. The whole
// file is read and its checksum verified before anything is written.
func (x *Exporter) Import(ctx context.Context, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	mode, err := ParseConflictMode(string(opts.OnConflict))
	if err != nil {
		return nil, err
	}
	header, entries, err := readAll(r)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Header: header, DryRun: opts.DryRun}
	retained := x.retained()
	result.KeysChecked = retained != nil

	state := make([]entryState, len(entries))
	conflicts := 0
	for i, e := range entries {
		if err := userTable(e.Table); err != nil {
			return nil, err
		}
		if err := storage.ValidateID(e.ID); err != nil {
			return nil, err
		}
		cur, err := x.st.GetEnvelope(ctx, e.Table, e.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			state[i] = entryNew
		case err != nil:
			return nil, err
		case bytes.Equal(cur, e.Envelope):
			state[i] = entrySame
		default:
			state[i] = entryDiffers
			conflicts++
		}
	}
	if conflicts > 0 && mode == ConflictFail {
		return nil, fmt.Errorf("%w: %d records", ErrConflict, conflicts)
	}

	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		switch {
		case state[i] == entrySame:
			result.Unchanged++
		case state[i] == entryDiffers && mode == ConflictSkip:
			result.Skipped++
			continue
		case state[i] == entryDiffers:
			result.Overwritten++
		default:
			result.Restored++
		}
		if retained != nil {
			if env, err := codec.Peek(e.Envelope); err == nil && !slices.Contains(retained, env.KeyVersion) {
				result.KeyUnavailable++
			}
		}
		if opts.DryRun || state[i] == entrySame {
			continue
		}
		if err := x.st.PutEnvelope(ctx, e.Table, e.ID, e.Envelope); err != nil {
			return result, fmt.Errorf("backup: failed to restore %s: %w", storage.Addr(e.Table, e.ID), err)
		}
	}

	if !opts.DryRun {
		x.audit(audit.OpImportEnvelopes, map[string]any{
			"restored":        result.Restored,
			"overwritten":     result.Overwritten,
			"skipped":         result.Skipped,
			"key_unavailable": result.KeyUnavailable,
		})
	}
	return result, nil
}

// retained returns the key versions the session holds, or nil when the vault
// is locked or no key ring was configured.
func (x *Exporter) retained() []int {
	if x.opts.Keys == nil || x.opts.Keys.IsLocked() {
		return nil
	}
	return x.opts.Keys.RetainedVersions()
}

type decryptedHeader struct {
	Format    string    `json:"format"`
	Warning   string    `json:"warning"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Tables    []string  `json:"tables"`
}

type decryptedLine struct {
	Table  string         `json:"table"`
	ID     string         `json:"id"`
	Record storage.Record `json:"record"`
}

// ExportDecrypted writes tables as plaintext JSON lines. It requires an
// unlocked vault and refuses to run if the export cannot be audited.
// Records that fail to decrypt are left out and counted.
func (x *Exporter) ExportDecrypted(ctx context.Context, w io.Writer, tables []string) (*ExportResult, error) {
	if w == nil {
		return nil, ErrOutputNil
	}
	if x.opts.Keys != nil && x.opts.Keys.IsLocked() {
		return nil, vault.ErrLocked
	}
	tables, err := x.tables(tables)
	if err != nil {
		return nil, err
	}
	if x.opts.Audit != nil {
		err := x.opts.Audit.Log(audit.Entry{
			Op:      audit.OpExportDecrypted,
			Source:  x.opts.Actor.Source,
			Actor:   x.opts.Actor.Name,
			Context: map[string]any{"tables": tables},
		})
		if err != nil {
			return nil, fmt.Errorf("backup: decrypted export not audited: %w", err)
		}
	}

	enc := json.NewEncoder(w)
	err = enc.Encode(decryptedHeader{
		Format:    DecryptedFormat,
		Warning:   "PLAINTEXT",
		Version:   FormatVersion,
		CreatedAt: x.opts.Now().UTC(),
		Tables:    tables,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	result := &ExportResult{Tables: tables}
	for _, table := range tables {
		for item, err := range x.st.Scan(ctx, table) {
			if err != nil {
				if errors.Is(err, vault.ErrLocked) || ctx.Err() != nil {
					return result, err
				}
				x.log.WarnContext(ctx, "record left out of decrypted export", "table", table, "id", item.ID, "error", err)
				result.Failed++
				continue
			}
			if err := enc.Encode(decryptedLine{Table: table, ID: item.ID, Record: item.Record}); err != nil {
				return result, fmt.Errorf("failed to write record: %w", err)
			}
			result.Count++
		}
	}
	return result, nil
}

// audit records an export or import. The vault may be locked, in which case
// there is no audit key and the event is skipped.
func (x *Exporter) audit(op string, details map[string]any) {
	if x.opts.Audit == nil {
		return
	}
	err := x.opts.Audit.Log(audit.Entry{
		Op:      op,
		Source:  x.opts.Actor.Source,
		Actor:   x.opts.Actor.Name,
		Context: details,
	})
	if err != nil {
		x.log.Debug("audit write skipped", "op", op, "error", err)
	}
}

// WriteFile writes an export to path through a temporary file in the same
// directory, so a failed export never leaves a partial file behind.
func WriteFile(path string, fn func(io.Writer) error) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".painvault-export-*")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op after rename

	if err := f.Chmod(0600); err != nil {
		f.Close()
		return fmt.Errorf("failed to set output permissions: %w", err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync output file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move output file into place: %w", err)
	}
	return nil
}
