package conflict

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Policy selects the merge tie-break per entity type. It is loaded from
// merge-policy.yaml in the data directory:
//
//	version: 1
//	default_tie_break: latest-timestamp
//	types:
//	  medications: manual
//	  entries: prefer-local
type Policy struct {
	Version         int                 `yaml:"version"`
	DefaultTieBreak TieBreak            `yaml:"default_tie_break"`
	Types           map[string]TieBreak `yaml:"types"`
}

// PolicyFileName is the name of the policy file
const PolicyFileName = "merge-policy.yaml"

// ErrPolicyNotFound is returned when no policy file exists
var ErrPolicyNotFound = errors.New("conflict: merge policy file not found")

// ErrPolicyInsecure is returned when policy file has insecure permissions
var ErrPolicyInsecure = errors.New("conflict: merge policy file has insecure permissions")

// ErrPolicySymlink is returned when policy file is a symlink
var ErrPolicySymlink = errors.New("conflict: merge policy file is a symlink")

// ErrPolicyNotOwnedByUser is returned when policy file is not owned by current user
var ErrPolicyNotOwnedByUser = errors.New("conflict: merge policy file not owned by current user")

// DefaultPolicy resolves every type with the latest-timestamp tie-break.
func DefaultPolicy() *Policy {
	return &Policy{Version: 1, DefaultTieBreak: LatestTimestamp}
}

// LoadPolicy loads the merge policy from dir.
//
// The file is opened without following symlinks and checked through the
// open descriptor, so it cannot be swapped between check and read. It must
// be owned by the current user and not readable by group or others.
func LoadPolicy(dir string) (*Policy, error) {
	f, err := openPolicyFile(filepath.Join(dir, PolicyFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("conflict: failed to stat policy file: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return nil, fmt.Errorf("%w: %o (expected 0600 or stricter)", ErrPolicyInsecure, perm)
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("conflict: failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return nil, fmt.Errorf("conflict: failed to parse policy file: %w", err)
	}
	if policy.DefaultTieBreak == "" {
		policy.DefaultTieBreak = LatestTimestamp
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// Validate checks the version and every tie-break name.
func (p *Policy) Validate() error {
	if p.Version != 1 {
		return fmt.Errorf("conflict: unsupported policy version: %d", p.Version)
	}
	if !p.DefaultTieBreak.valid() {
		return fmt.Errorf("conflict: invalid default_tie_break: %q", p.DefaultTieBreak)
	}
	for typ, tb := range p.Types {
		if !tb.valid() {
			return fmt.Errorf("conflict: invalid tie-break %q for type %q", tb, typ)
		}
	}
	return nil
}

// TieBreakFor returns the tie-break for an entity type.
func (p *Policy) TieBreakFor(typ string) TieBreak {
	if p == nil {
		return LatestTimestamp
	}
	if tb, ok := p.Types[typ]; ok {
		return tb
	}
	if p.DefaultTieBreak == "" {
		return LatestTimestamp
	}
	return p.DefaultTieBreak
}
