package mcp

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/painvault/internal/config"
	"github.com/forest6511/painvault/pkg/crypto"
	"github.com/forest6511/painvault/pkg/engine"
	"github.com/forest6511/painvault/pkg/kv"
	"github.com/forest6511/painvault/pkg/storage"
)

const testPassword = "testpassword123"

// testEngine opens an engine on a temporary directory and initializes it.
func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	cfg.Storage.Backend = kv.BackendBolt
	cfg.Vault.AutoLock = 0
	cfg.Vault.KDF = crypto.KDFParams{Memory: 64, Time: 1, Threads: 1}

	ctx := context.Background()
	e, err := engine.Open(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	if err := e.Init(ctx, testPassword); err != nil {
		t.Fatalf("failed to init vault: %v", err)
	}
	return e
}

// addEntry writes an entry for testing
func addEntry(t *testing.T, e *engine.Engine, id string, rec storage.Record) {
	t.Helper()
	if err := e.Put(context.Background(), "entries", id, rec); err != nil {
		t.Fatalf("failed to add entry '%s': %v", id, err)
	}
}

func TestNewServer_NoEngine(t *testing.T) {
	if _, err := NewServer(context.Background(), nil); err == nil {
		t.Error("expected error without an engine")
	}
}

func TestNewServer_InvalidPassword(t *testing.T) {
	e := testEngine(t)
	e.Lock()

	_, err := NewServer(context.Background(), &ServerOptions{Engine: e, Password: "wrongpassword"})
	if err == nil {
		t.Error("expected error with invalid password")
	}
}

func TestNewServer_FromEnvironment(t *testing.T) {
	e := testEngine(t)
	e.Lock()

	t.Setenv(PasswordEnv, testPassword)
	server, err := NewServer(context.Background(), &ServerOptions{Engine: e})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if e.IsLocked() {
		t.Error("vault should be unlocked")
	}
	if os.Getenv(PasswordEnv) != "" {
		t.Error("password variable should be cleared after reading")
	}
	server.Close()
}

func TestNewServer_Locked(t *testing.T) {
	e := testEngine(t)
	e.Lock()
	t.Setenv(PasswordEnv, "")

	server, err := NewServer(context.Background(), &ServerOptions{Engine: e})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if !e.IsLocked() {
		t.Error("vault should stay locked without a password")
	}

	_, out, err := server.handleVaultStatus(context.Background(), nil, VaultStatusInput{})
	if err != nil {
		t.Fatalf("handleVaultStatus failed: %v", err)
	}
	if !out.Locked || !out.Initialized {
		t.Errorf("unexpected status: %+v", out)
	}
}

func TestServer_Close(t *testing.T) {
	e := testEngine(t)
	server := &Server{engine: e}

	if err := server.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
	if !e.IsLocked() {
		t.Error("vault should be locked after Close")
	}
}

func TestHandleVaultStatus(t *testing.T) {
	e := testEngine(t)
	addEntry(t, e, "e1", storage.Record{"pain": 4})
	server := &Server{engine: e}

	_, out, err := server.handleVaultStatus(context.Background(), nil, VaultStatusInput{})
	if err != nil {
		t.Fatalf("handleVaultStatus failed: %v", err)
	}
	if out.Locked {
		t.Error("expected unlocked")
	}
	if out.KeyVersion != 1 {
		t.Errorf("expected key version 1, got %d", out.KeyVersion)
	}
	if out.QueueDepth != 1 {
		t.Errorf("expected queue depth 1, got %d", out.QueueDepth)
	}
	if out.NeedsAttention {
		t.Error("nothing should need attention")
	}
}

func TestHandleRecordList(t *testing.T) {
	e := testEngine(t)
	addEntry(t, e, "e1", storage.Record{"pain": 4})
	addEntry(t, e, "e2", storage.Record{"pain": 5})
	server := &Server{engine: e}

	_, out, err := server.handleRecordList(context.Background(), nil, RecordListInput{})
	if err != nil {
		t.Fatalf("handleRecordList failed: %v", err)
	}
	if len(out.Tables) != 1 || out.Tables[0].Name != "entries" || out.Tables[0].Count != 2 {
		t.Errorf("unexpected tables: %+v", out.Tables)
	}

	if _, _, err := server.handleRecordList(context.Background(), nil, RecordListInput{Table: "_sync_base"}); err == nil {
		t.Error("reserved table should be rejected")
	}
}

func TestHandleRecordExists_Found(t *testing.T) {
	e := testEngine(t)
	addEntry(t, e, "e1", storage.Record{"pain": 4, "note": "private words"})
	e.Lock()
	server := &Server{engine: e}

	_, out, err := server.handleRecordExists(context.Background(), nil, RecordExistsInput{Table: "entries", ID: "e1"})
	if err != nil {
		t.Fatalf("handleRecordExists failed: %v", err)
	}
	if !out.Exists {
		t.Error("expected record to exist")
	}
	if out.KeyVersion != 1 || out.SchemaVersion != 1 {
		t.Errorf("unexpected versions: %+v", out)
	}
	if strings.Contains(fmt.Sprintf("%+v", out), "private words") {
		t.Error("output must not contain record contents")
	}
}

func TestHandleRecordExists_NotFound(t *testing.T) {
	server := &Server{engine: testEngine(t)}

	_, out, err := server.handleRecordExists(context.Background(), nil, RecordExistsInput{Table: "entries", ID: "missing"})
	if err != nil {
		t.Fatalf("handleRecordExists failed: %v", err)
	}
	if out.Exists {
		t.Error("expected record to not exist")
	}
}

func TestHandleRecordExists_EmptyInput(t *testing.T) {
	server := &Server{engine: testEngine(t)}

	if _, _, err := server.handleRecordExists(context.Background(), nil, RecordExistsInput{Table: "entries"}); err == nil {
		t.Error("expected error for missing id")
	}
}

func TestHandleConflictList_Empty(t *testing.T) {
	server := &Server{engine: testEngine(t)}

	_, out, err := server.handleConflictList(context.Background(), nil, ConflictListInput{})
	if err != nil {
		t.Fatalf("handleConflictList failed: %v", err)
	}
	if len(out.Conflicts) != 0 {
		t.Errorf("expected 0 conflicts, got %d", len(out.Conflicts))
	}
}

func TestHandleDeadLetterList(t *testing.T) {
	server := &Server{engine: testEngine(t)}

	_, out, err := server.handleDeadLetterList(context.Background(), nil, DeadLetterListInput{OlderThan: "7d"})
	if err != nil {
		t.Fatalf("handleDeadLetterList failed: %v", err)
	}
	if len(out.DeadLetters) != 0 {
		t.Errorf("expected 0 dead letters, got %d", len(out.DeadLetters))
	}

	if _, _, err := server.handleDeadLetterList(context.Background(), nil, DeadLetterListInput{OlderThan: "x"}); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestHandleInsightList(t *testing.T) {
	e := testEngine(t)
	now := time.Now().UTC()
	for i := range 4 {
		at := now.Add(-time.Duration(4-i) * 24 * time.Hour)
		addEntry(t, e, fmt.Sprintf("e%d", i), storage.Record{
			"pain":        float64(3 + i),
			"recorded_at": at.Format(time.RFC3339),
		})
	}
	server := &Server{engine: e}

	_, out, err := server.handleInsightList(context.Background(), nil, InsightListInput{Type: "pain-trend"})
	if err != nil {
		t.Fatalf("handleInsightList failed: %v", err)
	}
	if len(out.Insights) != 1 {
		t.Fatalf("expected 1 pain-trend insight, got %d", len(out.Insights))
	}

	// locking drops the cache and nothing can be recomputed
	e.Lock()
	if _, _, err := server.handleInsightList(context.Background(), nil, InsightListInput{}); err == nil {
		t.Error("expected an error while locked")
	}
}
