// Package backup exports and imports stored records.
//
// An export file holds the stored envelopes bit-for-bit, so it is as
// encrypted as the store itself and can be written while the vault is
// locked. The decrypted export is a separate operation with its own format.
package backup

import "errors"

// Export/Import errors
var (
	// ErrInvalidMagic indicates the file is not an export file.
	ErrInvalidMagic = errors.New("backup: invalid export file: magic number mismatch")

	// ErrUnsupportedVersion indicates the export format version is not supported.
	ErrUnsupportedVersion = errors.New("backup: unsupported export format")

	// ErrTruncated indicates the file ended early.
	ErrTruncated = errors.New("backup: export file truncated")

	// ErrCorrupt indicates a malformed frame.
	ErrCorrupt = errors.New("backup: export file corrupt")

	// ErrChecksumMismatch indicates the trailer does not match the content.
	ErrChecksumMismatch = errors.New("backup: integrity check failed: checksum mismatch")

	// ErrConflict indicates a record already exists during import.
	ErrConflict = errors.New("backup: import conflict: record already exists")

	// ErrOutputNil indicates no writer was given.
	ErrOutputNil = errors.New("backup: output writer is nil")
)
