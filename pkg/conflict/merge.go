package conflict

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"time"

	"github.com/forest6511/painvault/pkg/storage"
)

// TieBreak decides a field both sides changed to different values.
type TieBreak string

const (
	// LatestTimestamp keeps the side updated most recently. Equal
	// timestamps keep the remote value.
	LatestTimestamp TieBreak = "latest-timestamp"
	PreferLocal     TieBreak = "prefer-local"
	PreferRemote    TieBreak = "prefer-remote"
	// Manual refuses to pick a side.
	Manual TieBreak = "manual"
)

func (t TieBreak) valid() bool {
	switch t {
	case LatestTimestamp, PreferLocal, PreferRemote, Manual:
		return true
	}
	return false
}

// ParseTieBreak parses a tie-break name.
func ParseTieBreak(s string) (TieBreak, error) {
	t := TieBreak(s)
	if !t.valid() {
		return "", fmt.Errorf("conflict: unknown tie-break %q", s)
	}
	return t, nil
}

// ErrUnresolved is returned when a conflict needs a decision nobody made.
var ErrUnresolved = errors.New("conflict: unresolved")

// Side names where a merged field value came from.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
	// SideBoth means both sides made the same change.
	SideBoth Side = "both"
)

// Decision records how one changed field was merged.
type Decision struct {
	Side Side `json:"side"`
	// TieBreak is set when both sides changed the field differently.
	TieBreak TieBreak `json:"tie_break,omitempty"`
	// Removed is set when the chosen side deleted the field.
	Removed bool `json:"removed,omitempty"`
}

// MergeInput is one three-way merge. A nil Base means the entity did not
// exist at the base version, so every field counts as changed.
type MergeInput struct {
	Base            storage.Record
	Local           storage.Record
	Remote          storage.Record
	LocalUpdatedAt  time.Time
	RemoteUpdatedAt time.Time
	TieBreak        TieBreak
}

// MergeResult is the merged record and what was decided for each field
// either side changed.
type MergeResult struct {
	Fields      storage.Record
	Decisions   map[string]Decision
	Conflicting []string
}

// Merge reconciles local and remote field by field against base. Fields
// changed on one side keep that side's value; fields changed on both sides
// to different values go to the tie-break. With Manual, any such field
// makes Merge fail with ErrUnresolved.
func Merge(in MergeInput) (MergeResult, error) {
	tb := in.TieBreak
	if tb == "" {
		tb = LatestTimestamp
	}
	if !tb.valid() {
		return MergeResult{}, fmt.Errorf("conflict: unknown tie-break %q", tb)
	}

	out := MergeResult{
		Fields:    storage.Record{},
		Decisions: map[string]Decision{},
	}
	for _, name := range fieldNames(in.Base, in.Local, in.Remote) {
		base, inBase := in.Base[name]
		local, inLocal := in.Local[name]
		remote, inRemote := in.Remote[name]
		localChanged := inLocal != inBase || !equal(local, base)
		remoteChanged := inRemote != inBase || !equal(remote, base)

		var side Side
		var d Decision
		switch {
		case !localChanged && !remoteChanged:
			if inBase {
				out.Fields[name] = base
			}
			continue
		case localChanged && !remoteChanged:
			side = SideLocal
		case remoteChanged && !localChanged:
			side = SideRemote
		case inLocal == inRemote && equal(local, remote):
			side = SideBoth
		default:
			out.Conflicting = append(out.Conflicting, name)
			d.TieBreak = tb
			switch tb {
			case PreferLocal:
				side = SideLocal
			case PreferRemote:
				side = SideRemote
			case LatestTimestamp:
				side = SideRemote
				if in.LocalUpdatedAt.After(in.RemoteUpdatedAt) {
					side = SideLocal
				}
			case Manual:
				continue
			}
		}

		d.Side = side
		v, present := remote, inRemote
		if side == SideLocal {
			v, present = local, inLocal
		}
		if present {
			out.Fields[name] = v
		} else {
			d.Removed = true
		}
		out.Decisions[name] = d
	}

	if tb == Manual && len(out.Conflicting) > 0 {
		return out, fmt.Errorf("%w: fields %v need a manual decision", ErrUnresolved, out.Conflicting)
	}
	return out, nil
}

// ConflictingFields lists the fields local and remote both changed, to
// different values, relative to base.
func ConflictingFields(base, local, remote storage.Record) []string {
	var out []string
	for _, name := range fieldNames(base, local, remote) {
		b, inBase := base[name]
		l, inLocal := local[name]
		r, inRemote := remote[name]
		localChanged := inLocal != inBase || !equal(l, b)
		remoteChanged := inRemote != inBase || !equal(r, b)
		if localChanged && remoteChanged && (inLocal != inRemote || !equal(l, r)) {
			out = append(out, name)
		}
	}
	return out
}

func fieldNames(recs ...storage.Record) []string {
	seen := map[string]struct{}{}
	for _, r := range recs {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// equal compares decoded JSON values.
func equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
