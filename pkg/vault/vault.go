// Package vault is the key manager: it derives the key-encryption key from
// the user's passphrase, holds the unlocked key ring in memory, and owns the
// locked/unlocked lifecycle.
//
// Data keys are random. Each retained key version is stored wrapped under
// the passphrase-derived KEK, together with a canary that proves the KEK is
// correct. The passphrase itself is never stored or compared.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forest6511/painvault/pkg/audit"
	"github.com/forest6511/painvault/pkg/crypto"
	"github.com/forest6511/painvault/pkg/kv"
	"github.com/forest6511/painvault/pkg/security"
)

// Constants
const (
	// MetaKey is where the vault metadata lives in the durable store.
	MetaKey = "meta:vault"

	// FormatVersion is the current metadata format.
	FormatVersion = 1

	// DefaultKeyHistory is how many key versions stay decryptable.
	DefaultKeyHistory = 8

	// DefaultAutoLock is the default inactivity window.
	DefaultAutoLock = 15 * time.Minute
)

var canaryPlaintext = []byte("painvault-canary-v1")

// Errors
var (
	ErrNotInitialized     = errors.New("vault: vault is not initialized")
	ErrAlreadyInitialized = errors.New("vault: vault already exists")
	ErrWrongSecret        = errors.New("vault: wrong secret")
	ErrKeyUnavailable     = errors.New("vault: key unavailable")
	ErrLocked             = fmt.Errorf("%w: vault is locked", ErrKeyUnavailable)
	ErrCorrupted          = errors.New("vault: metadata is corrupted")
	ErrWeakSecret         = errors.New("vault: secret does not meet requirements")
)

// Options configure a Vault. Zero values select defaults.
type Options struct {
	KDF        crypto.KDFParams
	KeyHistory int
	// AutoLock is the inactivity window; negative disables auto-lock.
	AutoLock time.Duration
	Audit    *audit.Logger
	Logger   *slog.Logger
	Now      func() time.Time
}

// Key is a copy of one data key, tagged with its version and the session
// generation it was minted under. Callers Wipe it after use.
type Key struct {
	Version    int
	Generation uint64
	Material   []byte
}

// Wipe zeroes the key material.
func (k *Key) Wipe() {
	crypto.SecureWipe(k.Material)
	k.Material = nil
}

// Vault manages the key ring and session lifecycle.
type Vault struct {
	store kv.Store
	opts  Options
	log   *slog.Logger

	mu          sync.RWMutex
	keys        map[int][]byte // nil when locked
	current     int
	auditSecret []byte
	generation  atomic.Uint64

	lastActivity atomic.Int64
	timer        *time.Timer
}

// New creates a Vault over the given durable store.
func New(store kv.Store, opts Options) *Vault {
	if opts.KDF == (crypto.KDFParams{}) {
		opts.KDF = crypto.DefaultKDFParams()
	}
	if opts.KeyHistory <= 0 {
		opts.KeyHistory = DefaultKeyHistory
	}
	if opts.AutoLock == 0 {
		opts.AutoLock = DefaultAutoLock
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Vault{store: store, opts: opts, log: log.With("component", "vault")}
}

// Exists reports whether the vault has been initialized.
func (v *Vault) Exists(ctx context.Context) (bool, error) {
	_, err := v.store.Get(ctx, MetaKey)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vault: failed to read metadata: %w", err)
	}
	return true, nil
}

// Init creates a new vault protected by secret and leaves it unlocked.
//  1. Generate salt, derive KEK from secret
//  2. Generate data key version 1 and the audit secret
//  3. Wrap both under the KEK and seal the canary
//  4. Persist metadata in one write
func (v *Vault) Init(ctx context.Context, secret string) error {
	if a := security.EvaluatePassphrase(secret); !a.Valid {
		return fmt.Errorf("%w: %s", ErrWeakSecret, a.Warnings[0])
	}
	exists, err := v.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyInitialized
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	kek, err := deriveKEK(ctx, secret, salt, v.opts.KDF)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(kek)

	dek, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	auditSecret, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	now := v.opts.Now().UTC()
	keys := map[int][]byte{1: dek}
	m, err := buildMeta(kek, salt, v.opts.KDF, 1, keys, auditSecret, now)
	if err != nil {
		return err
	}
	m.CreatedAt = now
	if err := v.saveMeta(ctx, m); err != nil {
		return err
	}

	v.install(keys, 1, auditSecret)
	v.auditLog(audit.OpVaultInit, nil)
	v.log.InfoContext(ctx, "vault initialized", "key_version", 1)
	return nil
}

// Unlock verifies secret against the canary and loads the key ring.
//
// A wrong secret yields ErrWrongSecret. Calling Unlock on an unlocked vault
// re-verifies the secret and keeps the session on success.
func (v *Vault) Unlock(ctx context.Context, secret string) error {
	m, err := v.loadMeta(ctx)
	if err != nil {
		return err
	}

	kek, err := deriveKEK(ctx, secret, m.Salt, m.KDF)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(kek)

	canary, err := crypto.Open(kek, m.Canary.Nonce, m.Canary.Ciphertext, canaryAAD(m.CurrentVersion))
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			v.auditError(audit.OpVaultUnlockFailed, "AUTH_FAILED", "wrong secret")
			return ErrWrongSecret
		}
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if !bytes.Equal(canary, canaryPlaintext) {
		return ErrCorrupted
	}

	if !v.IsLocked() {
		v.touch()
		return nil
	}

	keys, auditSecret, err := unwrapKeyRing(kek, m)
	if err != nil {
		return err
	}

	v.install(keys, m.CurrentVersion, auditSecret)
	v.auditLog(audit.OpVaultUnlock, map[string]any{"key_version": m.CurrentVersion})
	v.log.InfoContext(ctx, "vault unlocked", "key_version", m.CurrentVersion)
	return nil
}

// install replaces the in-memory session.
func (v *Vault) install(keys map[int][]byte, current int, auditSecret []byte) {
	v.mu.Lock()
	v.wipeLocked()
	v.keys = keys
	v.current = current
	v.auditSecret = auditSecret
	v.generation.Add(1)
	v.mu.Unlock()

	if v.opts.Audit != nil {
		if err := v.opts.Audit.SetHMACKey(auditSecret); err != nil {
			v.log.Warn("failed to initialize audit logger", "error", err)
		}
	}
	v.touch()
	v.armAutoLock()
}

// Lock zeroes all key material and invalidates every outstanding Key.
func (v *Vault) Lock() {
	v.lock(audit.OpVaultLock)
}

func (v *Vault) lock(op string) {
	if v.IsLocked() {
		return
	}
	v.auditLog(op, nil)
	if v.opts.Audit != nil {
		v.opts.Audit.ClearKey()
	}

	v.mu.Lock()
	v.wipeLocked()
	v.generation.Add(1)
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
	v.mu.Unlock()
	v.log.Info("vault locked", "reason", op)
}

func (v *Vault) wipeLocked() {
	for _, k := range v.keys {
		crypto.SecureWipe(k)
	}
	v.keys = nil
	crypto.SecureWipe(v.auditSecret)
	v.auditSecret = nil
}

// IsLocked reports whether the vault is locked.
func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keys == nil
}

// Generation returns the current session generation. It changes on every
// unlock, lock and rotation.
func (v *Vault) Generation() uint64 {
	return v.generation.Load()
}

// KeyVersion returns the current key version, or 0 when locked.
func (v *Vault) KeyVersion() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.keys == nil {
		return 0
	}
	return v.current
}

// RetainedVersions lists the key versions held by the session, oldest first.
func (v *Vault) RetainedVersions() []int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	versions := make([]int, 0, len(v.keys))
	for ver := range v.keys {
		versions = append(versions, ver)
	}
	sort.Ints(versions)
	return versions
}

// CurrentKey returns a copy of the current data key.
func (v *Vault) CurrentKey() (Key, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.keys == nil {
		return Key{}, ErrLocked
	}
	v.touch()
	return v.copyKey(v.current), nil
}

// KeyFor returns a copy of the data key for version. Versions that fell out
// of the retained history yield ErrKeyUnavailable.
func (v *Vault) KeyFor(version int) (Key, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.keys == nil {
		return Key{}, ErrLocked
	}
	if _, ok := v.keys[version]; !ok {
		return Key{}, fmt.Errorf("%w: key version %d is not retained", ErrKeyUnavailable, version)
	}
	v.touch()
	return v.copyKey(version), nil
}

func (v *Vault) copyKey(version int) Key {
	return Key{
		Version:    version,
		Generation: v.generation.Load(),
		Material:   bytes.Clone(v.keys[version]),
	}
}

// Valid reports whether k was minted under the live session.
func (v *Vault) Valid(k Key) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keys != nil && k.Generation == v.generation.Load()
}

// Close locks the vault.
func (v *Vault) Close() error {
	v.Lock()
	return nil
}

func (v *Vault) auditLog(op string, ctx map[string]any) {
	if v.opts.Audit == nil {
		return
	}
	if err := v.opts.Audit.LogSuccess(op, audit.SourceSystem, "", ctx); err != nil {
		v.log.Debug("audit write skipped", "op", op, "error", err)
	}
}

func (v *Vault) auditError(op, code, msg string) {
	if v.opts.Audit == nil {
		return
	}
	if err := v.opts.Audit.LogError(op, audit.SourceSystem, "", code, msg); err != nil {
		v.log.Debug("audit write skipped", "op", op, "error", err)
	}
}

// deriveKEK runs Argon2id off the caller's goroutine so ctx cancellation is
// observed immediately; a late result is wiped.
func deriveKEK(ctx context.Context, secret string, salt []byte, params crypto.KDFParams) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	done := make(chan []byte, 1)
	go func() {
		pw := crypto.NormalizeSecret(secret)
		done <- crypto.DeriveKey(pw, salt, params)
		crypto.SecureWipe(pw)
	}()

	select {
	case kek := <-done:
		return kek, nil
	case <-ctx.Done():
		go func() { crypto.SecureWipe(<-done) }()
		return nil, ctx.Err()
	}
}

func (v *Vault) loadMeta(ctx context.Context) (*meta, error) {
	data, err := v.store.Get(ctx, MetaKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read metadata: %w", err)
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if m.FormatVersion != FormatVersion || len(m.Salt) != crypto.SaltLength {
		return nil, ErrCorrupted
	}
	return &m, nil
}

func (v *Vault) saveMeta(ctx context.Context, m *meta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal metadata: %w", err)
	}
	if err := v.store.Put(ctx, MetaKey, data); err != nil {
		return fmt.Errorf("vault: failed to save metadata: %w", err)
	}
	return nil
}
