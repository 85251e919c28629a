// Package crypto provides the cryptographic primitives used by painvault.
//
// Records are sealed with AES-256-GCM. Keys protecting the key ring are
// derived from the user's passphrase with Argon2id.
//
// # Security Features
//
//   - AES-256-GCM authenticated encryption with additional data
//   - Argon2id key derivation with stored, tunable parameters
//   - Unicode NFC normalization of passphrases before derivation
//   - Secure memory wiping for key material and plaintext buffers
//
// # Example Usage
//
//	salt, _ := crypto.GenerateSalt()
//	kek := crypto.DeriveKey(crypto.NormalizeSecret("passphrase"), salt, crypto.DefaultKDFParams())
//	defer crypto.SecureWipe(kek)
//
//	nonce, ciphertext, err := crypto.Seal(kek, plaintext, aad)
//	plaintext, err := crypto.Open(kek, nonce, ciphertext, aad)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/text/unicode/norm"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// SaltLength is the length of KDF salts in bytes (128 bits).
	SaltLength = 16
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than the GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrInvalidKDFParams indicates stored KDF parameters are unusable.
	ErrInvalidKDFParams = errors.New("crypto: invalid key derivation parameters")
)

// KDFParams are the Argon2id cost parameters. They are persisted next to the
// salt so an installation keeps deriving the same key if defaults change.
type KDFParams struct {
	Memory  uint32 `json:"memory"`
	Time    uint32 `json:"time"`
	Threads uint8  `json:"threads"`
}

// DefaultKDFParams returns the OWASP-recommended Argon2id parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{Memory: Argon2Memory, Time: Argon2Time, Threads: Argon2Threads}
}

// Validate reports whether the parameters can be passed to Argon2id.
func (p KDFParams) Validate() error {
	if p.Time == 0 || p.Threads == 0 || p.Memory < 8*uint32(p.Threads) {
		return ErrInvalidKDFParams
	}
	return nil
}

// NormalizeSecret returns the NFC form of a passphrase as bytes. The same
// passphrase entered through different input methods must derive one key.
func NormalizeSecret(secret string) []byte {
	return norm.NFC.Bytes([]byte(secret))
}

// DeriveKey derives a 256-bit key from a secret using Argon2id.
//
// The salt should be at least 16 bytes of cryptographically secure random data.
func DeriveKey(secret, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(secret, salt, p.Time, p.Memory, p.Threads, KeyLength)
}

// GenerateKey returns a fresh random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate key: %w", err)
	}
	return key, nil
}

// GenerateSalt returns a fresh random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext with AES-256-GCM under a fresh random nonce.
// The aad is authenticated but not encrypted; the same aad must be
// supplied to Open.
//
// Returns:
//   - nonce: 12-byte nonce (must be stored with ciphertext for decryption)
//   - ciphertext: encrypted data with the 16-byte authentication tag appended
//   - err: ErrInvalidKeyLength if key is not 32 bytes
func Seal(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	return nonce, gcm.Seal(nil, nonce, plaintext, aad), nil
}

// Open verifies and decrypts ciphertext produced by Seal.
//
// Tag verification happens before any plaintext is returned. Any mismatch of
// key, nonce, ciphertext or aad yields ErrDecryptionFailed.
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive keeps b live past the loop so the stores are not elided.
	runtime.KeepAlive(b)
}
