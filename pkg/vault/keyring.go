package vault

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/forest6511/painvault/pkg/audit"
	"github.com/forest6511/painvault/pkg/crypto"
	"github.com/forest6511/painvault/pkg/security"
)

// sealed is a nonce and ciphertext pair produced by crypto.Seal.
type sealed struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ct"`
}

type wrappedKey struct {
	Version   int       `json:"version"`
	Key       sealed    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// meta is the persisted vault metadata. Everything secret in it is wrapped
// under the KEK.
type meta struct {
	FormatVersion  int              `json:"format_version"`
	Salt           []byte           `json:"salt"`
	KDF            crypto.KDFParams `json:"kdf"`
	CurrentVersion int              `json:"current_version"`
	Canary         sealed           `json:"canary"`
	Keys           []wrappedKey     `json:"keys"`
	AuditSecret    sealed           `json:"audit_secret"`
	CreatedAt      time.Time        `json:"created_at"`
	RotatedAt      time.Time        `json:"rotated_at,omitempty"`
}

func canaryAAD(version int) []byte {
	return []byte("painvault/canary/" + strconv.Itoa(version))
}

func keyAAD(version int) []byte {
	return []byte("painvault/key/" + strconv.Itoa(version))
}

var auditAAD = []byte("painvault/audit")

func seal(kek, plaintext, aad []byte) (sealed, error) {
	nonce, ct, err := crypto.Seal(kek, plaintext, aad)
	if err != nil {
		return sealed{}, fmt.Errorf("vault: failed to wrap key material: %w", err)
	}
	return sealed{Nonce: nonce, Ciphertext: ct}, nil
}

// buildMeta wraps every key in keys and the audit secret under kek.
func buildMeta(kek, salt []byte, kdf crypto.KDFParams, current int, keys map[int][]byte, auditSecret []byte, now time.Time) (*meta, error) {
	m := &meta{
		FormatVersion:  FormatVersion,
		Salt:           salt,
		KDF:            kdf,
		CurrentVersion: current,
	}

	var err error
	if m.Canary, err = seal(kek, canaryPlaintext, canaryAAD(current)); err != nil {
		return nil, err
	}
	if m.AuditSecret, err = seal(kek, auditSecret, auditAAD); err != nil {
		return nil, err
	}

	versions := make([]int, 0, len(keys))
	for ver := range keys {
		versions = append(versions, ver)
	}
	sort.Ints(versions)
	for _, ver := range versions {
		w, err := seal(kek, keys[ver], keyAAD(ver))
		if err != nil {
			return nil, err
		}
		m.Keys = append(m.Keys, wrappedKey{Version: ver, Key: w, CreatedAt: now})
	}
	return m, nil
}

// unwrapKeyRing decrypts all retained keys. The canary has already proven
// the KEK, so any failure here means the metadata is damaged.
func unwrapKeyRing(kek []byte, m *meta) (map[int][]byte, []byte, error) {
	keys := make(map[int][]byte, len(m.Keys))
	fail := func(err error) (map[int][]byte, []byte, error) {
		for _, k := range keys {
			crypto.SecureWipe(k)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	for _, w := range m.Keys {
		k, err := crypto.Open(kek, w.Key.Nonce, w.Key.Ciphertext, keyAAD(w.Version))
		if err != nil {
			return fail(fmt.Errorf("key version %d: %w", w.Version, err))
		}
		keys[w.Version] = k
	}
	if _, ok := keys[m.CurrentVersion]; !ok {
		return fail(fmt.Errorf("current key version %d missing", m.CurrentVersion))
	}

	auditSecret, err := crypto.Open(kek, m.AuditSecret.Nonce, m.AuditSecret.Ciphertext, auditAAD)
	if err != nil {
		return fail(fmt.Errorf("audit secret: %w", err))
	}
	return keys, auditSecret, nil
}

// RotateKey generates a new data key, re-wraps the retained history under a
// KEK derived from newSecret, and returns the new key version.
//
// Existing records are not re-encrypted here; they stay readable through
// their recorded key version until it falls out of the history window.
func (v *Vault) RotateKey(ctx context.Context, newSecret string) (int, error) {
	if a := security.EvaluatePassphrase(newSecret); !a.Valid {
		return 0, fmt.Errorf("%w: %s", ErrWeakSecret, a.Warnings[0])
	}
	m, err := v.loadMeta(ctx)
	if err != nil {
		return 0, err
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return 0, fmt.Errorf("vault: %w", err)
	}
	kek, err := deriveKEK(ctx, newSecret, salt, v.opts.KDF)
	if err != nil {
		return 0, err
	}
	defer crypto.SecureWipe(kek)

	dek, err := crypto.GenerateKey()
	if err != nil {
		return 0, fmt.Errorf("vault: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.keys == nil {
		crypto.SecureWipe(dek)
		return 0, ErrLocked
	}

	next := v.current + 1
	ring := make(map[int][]byte, len(v.keys)+1)
	for ver, k := range v.keys {
		ring[ver] = k
	}
	ring[next] = dek

	// Drop the oldest versions beyond the history bound.
	versions := make([]int, 0, len(ring))
	for ver := range ring {
		versions = append(versions, ver)
	}
	sort.Ints(versions)
	var dropped []int
	for len(versions) > v.opts.KeyHistory {
		dropped = append(dropped, versions[0])
		versions = versions[1:]
	}
	for _, ver := range dropped {
		delete(ring, ver)
	}

	now := v.opts.Now().UTC()
	nm, err := buildMeta(kek, salt, v.opts.KDF, next, ring, v.auditSecret, now)
	if err != nil {
		crypto.SecureWipe(dek)
		return 0, err
	}
	nm.CreatedAt = m.CreatedAt
	nm.RotatedAt = now
	if err := v.saveMeta(ctx, nm); err != nil {
		crypto.SecureWipe(dek)
		return 0, err
	}

	for _, ver := range dropped {
		crypto.SecureWipe(v.keys[ver])
	}
	v.keys = ring
	v.current = next
	v.generation.Add(1)
	v.touch()

	if v.opts.Audit != nil {
		if err := v.opts.Audit.LogSuccess(audit.OpVaultRotate, audit.SourceSystem, "",
			map[string]any{"key_version": next, "dropped": dropped}); err != nil {
			v.log.Debug("audit write skipped", "error", err)
		}
	}
	v.log.InfoContext(ctx, "key rotated", "key_version", next, "dropped_versions", dropped)
	return next, nil
}
