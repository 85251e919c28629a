package storage

import (
	"context"
	"fmt"

	"github.com/forest6511/painvault/internal/diskspace"
)

// checkQuota rejects a write of n bytes that would push the store past
// MaxBytes or the filesystem below MinFreeBytes.
func (e *Engine) checkQuota(ctx context.Context, n int) error {
	if e.opts.MaxBytes > 0 {
		size, err := e.store.Size(ctx)
		if err != nil {
			return fmt.Errorf("storage: failed to read store size: %w", err)
		}
		if size+int64(n) > e.opts.MaxBytes {
			return fmt.Errorf("%w: %d of %d bytes used", ErrQuotaExceeded, size, e.opts.MaxBytes)
		}
	}

	if e.opts.MinFreeBytes > 0 {
		info, err := diskspace.Check(e.store.Path())
		if err != nil {
			// Can't determine free space; don't block the write
			e.log.WarnContext(ctx, "disk space check failed", "error", err)
			return nil
		}
		if info.Available < e.opts.MinFreeBytes+uint64(n) {
			return fmt.Errorf("%w: %d bytes free, %d required", ErrQuotaExceeded,
				info.Available, e.opts.MinFreeBytes)
		}
	}
	return nil
}
