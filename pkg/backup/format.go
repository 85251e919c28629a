package backup

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"time"
)

// MagicNumber opens every export file: "PVEXPORT"
var MagicNumber = [8]byte{'P', 'V', 'E', 'X', 'P', 'O', 'R', 'T'}

// Current export format version.
const FormatVersion = 1

// ChecksumAlgo names the trailer checksum.
const ChecksumAlgo = "sha256"

// Frame size limits. The header is small; an entry holds one envelope.
const (
	maxHeaderSize = 1024 * 1024
	maxEntrySize  = 64 * 1024 * 1024
)

// Header describes an export file.
type Header struct {
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	Tables      []string  `json:"tables"`
	Count       int       `json:"count"`
	KeyVersions []int     `json:"key_versions"`
	Checksum    string    `json:"checksum"`
}

// Entry is one exported record. Envelope holds the stored bytes unchanged.
type Entry struct {
	Table    string `json:"table"`
	ID       string `json:"id"`
	Envelope []byte `json:"envelope"`
}

// frameWriter writes length-prefixed JSON frames and hashes everything it
// writes after the magic.
type frameWriter struct {
	w   io.Writer
	sum hash.Hash
}

func newFrameWriter(w io.Writer) *frameWriter {
	sum := sha256.New()
	return &frameWriter{w: io.MultiWriter(w, sum), sum: sum}
}

func (f *frameWriter) frame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	// 4 bytes, big-endian
	if err := binary.Write(f.w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := f.w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// writeTrailer appends the checksum of everything written so far.
func (f *frameWriter) writeTrailer() error {
	if _, err := f.w.Write(f.sum.Sum(nil)); err != nil {
		return fmt.Errorf("failed to write checksum: %w", err)
	}
	return nil
}

// WriteHeader writes the magic number and the header frame.
func WriteHeader(w io.Writer, header *Header) error {
	_, err := writeHeader(w, header)
	return err
}

func writeHeader(w io.Writer, header *Header) (*frameWriter, error) {
	if _, err := w.Write(MagicNumber[:]); err != nil {
		return nil, fmt.Errorf("failed to write magic number: %w", err)
	}
	fw := newFrameWriter(w)
	if err := fw.frame(header); err != nil {
		return nil, err
	}
	return fw, nil
}

// frameReader is the reading side of frameWriter.
type frameReader struct {
	r   io.Reader // tees into sum
	raw io.Reader
	sum hash.Hash
}

func (f *frameReader) frame(limit uint32, v any) error {
	var n uint32
	if err := binary.Read(f.r, binary.BigEndian, &n); err != nil {
		return fmt.Errorf("%w: failed to read frame length: %w", ErrTruncated, err)
	}
	if n > limit {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrCorrupt, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(f.r, data); err != nil {
		return fmt.Errorf("%w: failed to read frame: %w", ErrTruncated, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: failed to parse frame: %w", ErrCorrupt, err)
	}
	return nil
}

// verifyTrailer reads the checksum trailer and checks that nothing follows
// it.
func (f *frameReader) verifyTrailer() error {
	want := make([]byte, sha256.Size)
	if _, err := io.ReadFull(f.raw, want); err != nil {
		return fmt.Errorf("%w: failed to read checksum: %w", ErrTruncated, err)
	}
	if subtle.ConstantTimeCompare(want, f.sum.Sum(nil)) != 1 {
		return ErrChecksumMismatch
	}
	var extra [1]byte
	if _, err := io.ReadFull(f.raw, extra[:]); err == nil {
		return fmt.Errorf("%w: data after checksum", ErrCorrupt)
	}
	return nil
}

// ReadHeader reads and validates the magic number and the header frame.
func ReadHeader(r io.Reader) (*Header, error) {
	h, _, err := readHeader(r)
	return h, err
}

func readHeader(r io.Reader) (*Header, *frameReader, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to read magic number: %w", ErrTruncated, err)
	}
	if magic != MagicNumber {
		return nil, nil, ErrInvalidMagic
	}

	sum := sha256.New()
	fr := &frameReader{r: io.TeeReader(r, sum), raw: r, sum: sum}
	var header Header
	if err := fr.frame(maxHeaderSize, &header); err != nil {
		return nil, nil, err
	}
	if header.Version != FormatVersion {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header.Version)
	}
	if header.Checksum != ChecksumAlgo {
		return nil, nil, fmt.Errorf("%w: checksum %q", ErrUnsupportedVersion, header.Checksum)
	}
	if header.Count < 0 {
		return nil, nil, fmt.Errorf("%w: negative entry count", ErrCorrupt)
	}
	return &header, fr, nil
}
