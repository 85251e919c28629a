package vault

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forest6511/painvault/pkg/audit"
	"github.com/forest6511/painvault/pkg/crypto"
	"github.com/forest6511/painvault/pkg/kv"
)

var testKDF = crypto.KDFParams{Memory: 64, Time: 1, Threads: 1}

func newTestVault(t *testing.T, opts Options) (*Vault, kv.Store) {
	t.Helper()
	store, err := kv.Open(context.Background(), kv.BackendSQLite, t.TempDir())
	if err != nil {
		t.Fatalf("kv.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if opts.KDF == (crypto.KDFParams{}) {
		opts.KDF = testKDF
	}
	if opts.AutoLock == 0 {
		opts.AutoLock = -1
	}
	return New(store, opts), store
}

func TestInit(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t, Options{})

	exists, err := v.Exists(ctx)
	if err != nil || exists {
		t.Fatalf("Exists() = %v, %v; want false, nil", exists, err)
	}

	if err := v.Init(ctx, "correct-horse"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if v.IsLocked() {
		t.Error("vault should be unlocked after Init")
	}
	if v.KeyVersion() != 1 {
		t.Errorf("KeyVersion() = %d, want 1", v.KeyVersion())
	}

	if err := v.Init(ctx, "another-secret"); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestInitRejectsWeakSecret(t *testing.T) {
	v, _ := newTestVault(t, Options{})
	if err := v.Init(context.Background(), "short"); !errors.Is(err, ErrWeakSecret) {
		t.Errorf("expected ErrWeakSecret, got %v", err)
	}
}

func TestUnlockBeforeInit(t *testing.T) {
	v, _ := newTestVault(t, Options{})
	if err := v.Unlock(context.Background(), "correct-horse"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestLockUnlockCycle(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t, Options{})
	if err := v.Init(ctx, "correct-horse"); err != nil {
		t.Fatal(err)
	}

	before, err := v.CurrentKey()
	if err != nil {
		t.Fatalf("CurrentKey failed: %v", err)
	}
	gen := v.Generation()

	v.Lock()
	if !v.IsLocked() {
		t.Fatal("expected vault to be locked")
	}
	if v.Generation() == gen {
		t.Error("Lock should bump the generation")
	}
	if v.Valid(before) {
		t.Error("key minted before Lock should be invalid")
	}

	_, err = v.CurrentKey()
	if !errors.Is(err, ErrLocked) || !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("CurrentKey while locked = %v, want ErrLocked wrapping ErrKeyUnavailable", err)
	}

	if err := v.Unlock(ctx, "wrong-pass"); !errors.Is(err, ErrWrongSecret) {
		t.Errorf("expected ErrWrongSecret, got %v", err)
	}
	if !v.IsLocked() {
		t.Error("wrong secret must not unlock")
	}

	if err := v.Unlock(ctx, "correct-horse"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	after, err := v.CurrentKey()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before.Material, after.Material) {
		t.Error("unlock should restore the same data key")
	}
	if !v.Valid(after) {
		t.Error("fresh key should be valid")
	}

	// re-verifying while unlocked
	if err := v.Unlock(ctx, "wrong-pass"); !errors.Is(err, ErrWrongSecret) {
		t.Errorf("expected ErrWrongSecret while unlocked, got %v", err)
	}
	if v.IsLocked() {
		t.Error("failed re-verification must not lock the session")
	}
}

func TestKeyWipe(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t, Options{})
	if err := v.Init(ctx, "correct-horse"); err != nil {
		t.Fatal(err)
	}
	k, _ := v.CurrentKey()
	material := k.Material
	k.Wipe()
	if k.Material != nil {
		t.Error("Wipe should drop the material")
	}
	for _, b := range material {
		if b != 0 {
			t.Fatal("Wipe should zero the material")
		}
	}
	// the vault's own copy is untouched
	k2, _ := v.CurrentKey()
	if bytes.Equal(k2.Material, make([]byte, crypto.KeyLength)) {
		t.Error("wiping a copy must not affect the session key")
	}
}

func TestUnlockPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	v, store := newTestVault(t, Options{})
	if err := v.Init(ctx, "correct-horse"); err != nil {
		t.Fatal(err)
	}
	k1, _ := v.CurrentKey()

	v2 := New(store, Options{KDF: testKDF, AutoLock: -1})
	if !v2.IsLocked() {
		t.Fatal("new instance should start locked")
	}
	if err := v2.Unlock(ctx, "correct-horse"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	k2, _ := v2.CurrentKey()
	if !bytes.Equal(k1.Material, k2.Material) {
		t.Error("second instance should unwrap the same key")
	}
}

func TestRotateKey(t *testing.T) {
	ctx := context.Background()
	v, store := newTestVault(t, Options{})
	if err := v.Init(ctx, "correct-horse"); err != nil {
		t.Fatal(err)
	}
	old, _ := v.CurrentKey()
	gen := v.Generation()

	ver, err := v.RotateKey(ctx, "battery-staple")
	if err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}
	if ver != 2 || v.KeyVersion() != 2 {
		t.Errorf("rotated version = %d (KeyVersion %d), want 2", ver, v.KeyVersion())
	}
	if v.Generation() == gen {
		t.Error("rotation should bump the generation")
	}
	if v.Valid(old) {
		t.Error("key minted before rotation should be invalid")
	}

	// old envelopes stay readable
	k1, err := v.KeyFor(1)
	if err != nil {
		t.Fatalf("KeyFor(1) failed: %v", err)
	}
	if !bytes.Equal(k1.Material, old.Material) {
		t.Error("version 1 key changed across rotation")
	}

	// the new secret unlocks, the old one does not
	v2 := New(store, Options{KDF: testKDF, AutoLock: -1})
	if err := v2.Unlock(ctx, "correct-horse"); !errors.Is(err, ErrWrongSecret) {
		t.Errorf("old secret after rotation: %v, want ErrWrongSecret", err)
	}
	if err := v2.Unlock(ctx, "battery-staple"); err != nil {
		t.Fatalf("Unlock with new secret failed: %v", err)
	}
	if got := v2.RetainedVersions(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("RetainedVersions() = %v, want [1 2]", got)
	}
}

func TestRotateKeyHistoryBound(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t, Options{KeyHistory: 2})
	if err := v.Init(ctx, "correct-horse"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := v.RotateKey(ctx, "correct-horse"); err != nil {
			t.Fatal(err)
		}
	}

	if got := v.RetainedVersions(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("RetainedVersions() = %v, want [2 3]", got)
	}
	_, err := v.KeyFor(1)
	if !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("KeyFor(1) = %v, want ErrKeyUnavailable", err)
	}
	if errors.Is(err, ErrWrongSecret) {
		t.Error("KeyUnavailable must be distinct from WrongSecret")
	}
}

func TestRotateKeyWhileLocked(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t, Options{})
	if err := v.Init(ctx, "correct-horse"); err != nil {
		t.Fatal(err)
	}
	v.Lock()
	if _, err := v.RotateKey(ctx, "battery-staple"); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
}

func TestAutoLock(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t, Options{AutoLock: 50 * time.Millisecond})
	if err := v.Init(ctx, "correct-horse"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !v.IsLocked() {
		if time.Now().After(deadline) {
			t.Fatal("vault did not auto-lock")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := v.CurrentKey(); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked after auto-lock, got %v", err)
	}
}

func TestActivityDefersAutoLock(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t, Options{AutoLock: 150 * time.Millisecond})
	if err := v.Init(ctx, "correct-horse"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		time.Sleep(50 * time.Millisecond)
		if _, err := v.CurrentKey(); err != nil {
			t.Fatalf("vault locked despite activity: %v", err)
		}
	}
}

func TestUnlockHonorsCancellation(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t, Options{})
	if err := v.Init(ctx, "correct-horse"); err != nil {
		t.Fatal(err)
	}
	v.Lock()

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := v.Unlock(cctx, "correct-horse"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if !v.IsLocked() {
		t.Error("cancelled unlock must leave the vault locked")
	}
}

func TestVaultAuditTrail(t *testing.T) {
	ctx := context.Background()
	logger := audit.NewLogger(t.TempDir())
	v, _ := newTestVault(t, Options{Audit: logger})
	if err := v.Init(ctx, "correct-horse"); err != nil {
		t.Fatal(err)
	}
	if _, err := v.RotateKey(ctx, "correct-horse"); err != nil {
		t.Fatal(err)
	}

	events, err := logger.ListEvents(audit.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Operation != audit.OpVaultInit || events[1].Operation != audit.OpVaultRotate {
		t.Fatalf("unexpected audit events: %+v", events)
	}

	v.Lock()
	if logger.HasKey() {
		t.Error("lock should clear the audit key")
	}
	if err := v.Unlock(ctx, "correct-horse"); err != nil {
		t.Fatal(err)
	}
	result, err := logger.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid || result.RecordsTotal != 4 {
		t.Errorf("expected valid chain of 4 (init, rotate, lock, unlock), got %+v", result)
	}
}

func TestCorruptedMetadata(t *testing.T) {
	ctx := context.Background()
	v, store := newTestVault(t, Options{})
	if err := store.Put(ctx, MetaKey, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if err := v.Unlock(ctx, "correct-horse"); !errors.Is(err, ErrCorrupted) {
		t.Errorf("expected ErrCorrupted, got %v", err)
	}
}

func TestDeviceLock(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireDeviceLock(dir)
	if err != nil {
		t.Fatalf("AcquireDeviceLock failed: %v", err)
	}
	if _, err := AcquireDeviceLock(dir); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("second lock = %v, want ErrAlreadyOpen", err)
	}
	if err := first.Release(); err != nil {
		t.Fatal(err)
	}
	again, err := AcquireDeviceLock(dir)
	if err != nil {
		t.Fatalf("lock after release failed: %v", err)
	}
	again.Release()
}
