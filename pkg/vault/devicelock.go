package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName is the advisory lock guarding a data directory.
const LockFileName = "painvault.lock"

// ErrAlreadyOpen is returned when another process holds the data directory.
var ErrAlreadyOpen = errors.New("vault: data directory is in use by another process")

// DeviceLock enforces a single active writer per data directory.
type DeviceLock struct {
	fl *flock.Flock
}

// AcquireDeviceLock takes an exclusive, non-blocking lock on dir.
func AcquireDeviceLock(dir string) (*DeviceLock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("vault: failed to create data directory: %w", err)
	}
	fl := flock.New(filepath.Join(dir, LockFileName))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("vault: failed to lock data directory: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyOpen
	}
	return &DeviceLock{fl: fl}, nil
}

// Release unlocks the data directory.
func (l *DeviceLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
