// Package audit provides an append-only audit trail with an HMAC chain for
// tamper detection.
//
// Events are written as JSON lines to one file per month. Every event carries
// the HMAC of the previous one, so deleting, reordering or editing a line
// breaks the chain and is reported by Verify.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/painvault/internal/diskspace"
)

// MinAuditDiskSpace is the free space required before an event is appended.
const MinAuditDiskSpace = 1024 * 1024

// Operation types for audit logging
const (
	OpVaultInit         = "vault.init"
	OpVaultUnlock       = "vault.unlock"
	OpVaultUnlockFailed = "vault.unlock_failed"
	OpVaultLock         = "vault.lock"
	OpVaultAutoLock     = "vault.auto_lock"
	OpVaultRotate       = "vault.rotate"

	OpConflictResolve = "conflict.resolve"

	OpQueueRequeue = "queue.requeue"
	OpQueueDiscard = "queue.discard"

	OpExportEnvelopes = "export.envelopes"
	OpExportDecrypted = "export.decrypted"
	OpImportEnvelopes = "import.envelopes"

	OpRecordQuarantine = "record.quarantine"
)

// Source identifies where the operation originated
const (
	SourceCLI    = "cli"
	SourceMCP    = "mcp"
	SourceAPI    = "api"
	SourcePolicy = "policy"
	SourceSystem = "system"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

const genesis = "genesis"

var (
	ErrKeyNotSet        = errors.New("audit: HMAC key not set")
	ErrInsufficientDisk = errors.New("audit: insufficient disk space")
)

// Event is a single audit log record.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Timestamp string `json:"ts"` // RFC 3339, nanosecond precision

	Operation string `json:"op"`
	// Subject is the HMAC of the entity address the event concerns, so the
	// log never reveals which records exist.
	Subject string `json:"subject,omitempty"`

	Actor  Actor      `json:"actor"`
	Result string     `json:"result"`
	Error  *ErrorInfo `json:"error,omitempty"`

	Context map[string]any `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// Actor records who performed the operation.
type Actor struct {
	Name      string `json:"name,omitempty"`
	Source    string `json:"source"`
	SessionID string `json:"session_id"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links an event to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// Entry is the input to Log.
type Entry struct {
	Op      string
	Source  string
	Actor   string
	Result  string
	Subject string
	Error   *ErrorInfo
	Context map[string]any
}

// Logger appends HMAC-chained events to monthly JSONL files.
type Logger struct {
	path      string
	hmacKey   []byte
	mu        sync.Mutex
	sequence  int64
	prevHash  string
	sessionID string
	now       func() time.Time
}

// NewLogger creates a logger writing under path. No event can be written
// until SetHMACKey is called.
func NewLogger(path string) *Logger {
	return &Logger{
		path:      path,
		prevHash:  genesis,
		sessionID: newSessionID(),
		now:       time.Now,
	}
}

// Path returns the audit log directory path
func (l *Logger) Path() string {
	return l.path
}

// SetHMACKey derives the chain key from secret with HKDF-SHA256 and loads
// the persisted chain state.
func (l *Logger) SetHMACKey(secret []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := make([]byte, 32)
	if _, err := hkdf.New(sha256.New, secret, nil, []byte("painvault-audit-v1")).Read(key); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.wipeKey()
	l.hmacKey = key

	if err := l.loadChainState(); err != nil {
		// first run
		l.sequence = 0
		l.prevHash = genesis
	}
	return nil
}

// ClearKey zeroes the chain key. Logging fails with ErrKeyNotSet until the
// key is set again.
func (l *Logger) ClearKey() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wipeKey()
}

// HasKey reports whether events can currently be written.
func (l *Logger) HasKey() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hmacKey != nil
}

func (l *Logger) wipeKey() {
	for i := range l.hmacKey {
		l.hmacKey[i] = 0
	}
	l.hmacKey = nil
}

// Log appends one event.
func (l *Logger) Log(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return ErrKeyNotSet
	}
	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	result := e.Result
	if result == "" {
		result = ResultSuccess
	}
	now := l.now().UTC()
	event := Event{
		Version:   1,
		ID:        uuid.NewString(),
		Timestamp: now.Format(time.RFC3339Nano),
		Operation: e.Op,
		Actor:     Actor{Name: e.Actor, Source: e.Source, SessionID: l.sessionID},
		Result:    result,
		Error:     e.Error,
		Context:   e.Context,
	}
	if e.Subject != "" {
		event.Subject = l.mac([]byte(e.Subject))
	}

	event.Chain.Sequence = l.sequence + 1
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.mac(recordData(&event))

	if err := l.writeEvent(now, &event); err != nil {
		return err
	}
	l.sequence = event.Chain.Sequence
	l.prevHash = event.Chain.HMAC
	return l.saveChainState()
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op, source, subject string, ctx map[string]any) error {
	return l.Log(Entry{Op: op, Source: source, Subject: subject, Context: ctx})
}

// LogError records a failed operation.
func (l *Logger) LogError(op, source, subject, code, msg string) error {
	return l.Log(Entry{Op: op, Source: source, Subject: subject, Result: ResultError,
		Error: &ErrorInfo{Code: code, Message: msg}})
}

// SubjectHMAC returns the value Log stores for subject, for lookups.
func (l *Logger) SubjectHMAC(subject string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hmacKey == nil {
		return "", ErrKeyNotSet
	}
	return l.mac([]byte(subject)), nil
}

func (l *Logger) mac(data []byte) string {
	m := hmac.New(sha256.New, l.hmacKey)
	m.Write(data)
	return hex.EncodeToString(m.Sum(nil))
}

// recordData is the canonical byte form covered by the chain HMAC. Context
// keys are sorted so the HMAC is deterministic.
func recordData(e *Event) []byte {
	var ctx strings.Builder
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := json.Marshal(e.Context[k])
		fmt.Fprintf(&ctx, "%s=%s|", k, v)
	}

	errData := ""
	if e.Error != nil {
		errData = e.Error.Code + "|" + e.Error.Message
	}

	return []byte(fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		e.Version, e.ID, e.Timestamp, e.Operation, e.Subject,
		e.Actor.Name, e.Actor.Source, e.Actor.SessionID,
		e.Result, errData, ctx.String(),
		e.Chain.Sequence, e.Chain.PrevHash,
	))
}

func (l *Logger) writeEvent(now time.Time, event *Event) error {
	name := filepath.Join(l.path, now.Format("2006-01")+".jsonl")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return f.Sync()
}

type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, "audit.meta"))
	if err != nil {
		return err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, "audit.meta"), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

func (l *Logger) checkDiskSpace() error {
	info, err := diskspace.Check(l.path)
	if err != nil {
		// unknown free space does not block auditing
		return nil
	}
	if info.Available < MinAuditDiskSpace {
		return fmt.Errorf("%w: only %d bytes available, need at least %d",
			ErrInsufficientDisk, info.Available, MinAuditDiskSpace)
	}
	return nil
}

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid        bool     `json:"valid"`
	RecordsTotal int      `json:"records_total"`
	Errors       []string `json:"errors,omitempty"`
}

// Verify walks every log file in order and checks sequence numbers,
// previous-hash links and HMACs.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrKeyNotSet
	}

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrev := genesis
	var expectedSeq int64 = 1
	for i := range events {
		e := &events[i]
		result.RecordsTotal++

		if e.Chain.Sequence != expectedSeq {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d", e.ID, expectedSeq, e.Chain.Sequence))
		}
		if e.Chain.PrevHash != expectedPrev {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %s", e.ID))
		}
		if !hmac.Equal([]byte(e.Chain.HMAC), []byte(l.mac(recordData(e)))) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering", e.ID))
		}

		expectedPrev = e.Chain.HMAC
		expectedSeq = e.Chain.Sequence + 1
	}
	return result, nil
}

// ListOptions filters ListEvents.
type ListOptions struct {
	Operation string    // exact match; empty = all
	Since     time.Time // zero = no filter
	Limit     int       // most recent N; 0 = all
}

// ListEvents returns events in chronological order.
func (l *Logger) ListEvents(opts ListOptions) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	var filtered []Event
	for _, e := range events {
		if opts.Operation != "" && e.Operation != opts.Operation {
			continue
		}
		if !opts.Since.IsZero() {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			if err != nil || !ts.After(opts.Since) {
				continue
			}
		}
		filtered = append(filtered, e)
	}

	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[len(filtered)-opts.Limit:]
	}
	return filtered, nil
}

func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM.jsonl sorts chronologically
	sort.Strings(files)

	var all []Event
	for _, file := range files {
		events, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		all = append(all, events...)
	}
	return all, nil
}

func readLogFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, e)
	}
	return events, sc.Err()
}
