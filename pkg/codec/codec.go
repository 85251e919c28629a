// Package codec turns plaintext records into encrypted envelopes and back.
//
// An envelope is bound to the address it is stored under: the GCM additional
// data covers the address, schema version and key version, so an envelope
// moved to another record or relabelled fails integrity checks.
package codec

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/forest6511/painvault/pkg/crypto"
	"github.com/forest6511/painvault/pkg/kv"
	"github.com/forest6511/painvault/pkg/vault"
)

// MaxSealsPerKey bounds random-nonce GCM use per key (NIST SP 800-38D).
const MaxSealsPerKey = 1 << 32

// Seal reservations are persisted under SealPrefix<key version>, SealBlock
// seals at a time.
const (
	SealPrefix = "meta:seals:"
	SealBlock  = 1 << 16
)

var (
	// ErrIntegrity matches every *IntegrityError.
	ErrIntegrity = errors.New("codec: integrity check failed")
	// ErrKeyExhausted means the current key reached its seal budget and
	// must be rotated.
	ErrKeyExhausted = errors.New("codec: key exhausted, rotate the vault key")
	// ErrMalformed means the stored bytes are not an envelope at all.
	ErrMalformed = errors.New("codec: malformed envelope")
)

// IntegrityError reports an envelope that failed authentication. The data
// is kept; callers decide whether to quarantine or alert.
type IntegrityError struct {
	Addr string
	Err  error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("codec: integrity check failed for %s: %v", e.Addr, e.Err)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

func (e *IntegrityError) Unwrap() error { return e.Err }

// Envelope is the encrypted-at-rest form of one record.
type Envelope struct {
	SchemaVersion int               `json:"schema_version"`
	KeyVersion    int               `json:"key_version"`
	Nonce         []byte            `json:"nonce"`
	Ciphertext    []byte            `json:"ciphertext"`
	CreatedAt     time.Time         `json:"created_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Marshal returns the stored byte form of e.
func Marshal(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("codec: failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Unmarshal parses stored bytes. It does not decrypt.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(e.Nonce) != crypto.NonceLength || e.KeyVersion <= 0 {
		return nil, ErrMalformed
	}
	return &e, nil
}

// Peek returns the envelope's non-secret fields without decrypting. The
// returned envelope has no ciphertext.
func Peek(data []byte) (*Envelope, error) {
	e, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	e.Ciphertext = nil
	return e, nil
}

// KeySource is the read-only key capability the codec needs. *vault.Vault
// implements it.
type KeySource interface {
	CurrentKey() (vault.Key, error)
	KeyFor(version int) (vault.Key, error)
	Valid(k vault.Key) bool
}

// Codec encodes and decodes envelopes with keys fetched per call.
//
// Every seal counts against MaxSealsPerKey. With a store the count is
// reserved there in blocks of SealBlock, so it carries over restarts; a
// restarted process resumes at the end of the last reserved block. Without
// one the count covers the current process only.
type Codec struct {
	keys  KeySource
	store kv.Store
	now   func() time.Time

	mu        sync.Mutex
	lastNonce map[int][]byte
	seals     map[int]uint64
	reserved  map[int]uint64
	loaded    map[int]bool
}

// New returns a Codec drawing keys from keys. Its seal budget is not
// persisted.
func New(keys KeySource) *Codec {
	return &Codec{
		keys:      keys,
		now:       time.Now,
		lastNonce: make(map[int][]byte),
		seals:     make(map[int]uint64),
		reserved:  make(map[int]uint64),
		loaded:    make(map[int]bool),
	}
}

// NewWithStore is New with seal reservations persisted in store.
func NewWithStore(keys KeySource, store kv.Store) *Codec {
	c := New(keys)
	c.store = store
	return c
}

func aad(addr string, schemaVersion, keyVersion int) []byte {
	return []byte("painvault/envelope/v1|" + addr + "|" +
		strconv.Itoa(schemaVersion) + "|" + strconv.Itoa(keyVersion))
}

// Encode seals plaintext for addr under the current key.
func (c *Codec) Encode(addr string, plaintext []byte, schemaVersion int, metadata map[string]string) (*Envelope, error) {
	key, err := c.keys.CurrentKey()
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	if err := c.reserve(key.Version); err != nil {
		return nil, err
	}

	nonce, ct, err := crypto.Seal(key.Material, plaintext, aad(addr, schemaVersion, key.Version))
	if err != nil {
		return nil, fmt.Errorf("codec: failed to seal %s: %w", addr, err)
	}
	c.checkNonce(key.Version, nonce)

	return &Envelope{
		SchemaVersion: schemaVersion,
		KeyVersion:    key.Version,
		Nonce:         nonce,
		Ciphertext:    ct,
		CreatedAt:     c.now().UTC(),
		Metadata:      metadata,
	}, nil
}

// Decode verifies and decrypts e, which must have been encoded for addr.
//
// If the vault is locked or rotated while decrypting, the plaintext is
// zeroed and vault.ErrKeyUnavailable is returned instead.
func (c *Codec) Decode(addr string, e *Envelope) ([]byte, error) {
	key, err := c.keys.KeyFor(e.KeyVersion)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	plaintext, err := crypto.Open(key.Material, e.Nonce, e.Ciphertext, aad(addr, e.SchemaVersion, e.KeyVersion))
	if err != nil {
		return nil, &IntegrityError{Addr: addr, Err: err}
	}

	if !c.keys.Valid(key) {
		crypto.SecureWipe(plaintext)
		return nil, fmt.Errorf("%w: session changed during decode of %s", vault.ErrKeyUnavailable, addr)
	}
	return plaintext, nil
}

// KeyVersion returns the version Encode would seal under right now.
func (c *Codec) KeyVersion() (int, error) {
	key, err := c.keys.CurrentKey()
	if err != nil {
		return 0, err
	}
	key.Wipe()
	return key.Version, nil
}

// reserve counts one seal against the key's budget.
func (c *Codec) reserve(version int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil && !c.loaded[version] {
		n, err := c.loadReserved(version)
		if err != nil {
			return err
		}
		c.seals[version] = max(c.seals[version], n)
		c.reserved[version] = c.seals[version]
		c.loaded[version] = true
	}
	if c.seals[version] >= MaxSealsPerKey {
		return ErrKeyExhausted
	}
	if c.store != nil && c.seals[version] >= c.reserved[version] {
		next := min(c.seals[version]+SealBlock, MaxSealsPerKey)
		if err := c.storeReserved(version, next); err != nil {
			return err
		}
		c.reserved[version] = next
	}
	c.seals[version]++
	return nil
}

func sealKey(version int) string {
	return SealPrefix + strconv.Itoa(version)
}

func (c *Codec) loadReserved(version int) (uint64, error) {
	data, err := c.store.Get(context.Background(), sealKey(version))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("codec: failed to read seal count: %w", err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("codec: corrupt seal count for key version %d", version)
	}
	return binary.BigEndian.Uint64(data), nil
}

func (c *Codec) storeReserved(version int, n uint64) error {
	if err := c.store.Put(context.Background(), sealKey(version), binary.BigEndian.AppendUint64(nil, n)); err != nil {
		return fmt.Errorf("codec: failed to reserve seals: %w", err)
	}
	return nil
}

// checkNonce panics if the RNG handed out the same nonce twice in a row for
// one key. That is a broken platform, not a condition to recover from.
func (c *Codec) checkNonce(version int, nonce []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bytes.Equal(c.lastNonce[version], nonce) {
		panic(fmt.Sprintf("codec: nonce reuse detected for key version %d", version))
	}
	c.lastNonce[version] = nonce
}
