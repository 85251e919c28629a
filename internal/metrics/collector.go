package metrics

import (
	"context"
	"log/slog"
	"time"
)

// Snapshot is one reading of the gauge metrics.
type Snapshot struct {
	QueueDepth    int
	DeadLetters   int
	ConflictsOpen int
	Flagged       int
	Locked        bool
}

// SnapshotFunc reads the current gauge values.
type SnapshotFunc func(ctx context.Context) (Snapshot, error)

// StartCollector periodically updates the gauge metrics until ctx ends.
func StartCollector(ctx context.Context, read SnapshotFunc, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on startup
	Collect(ctx, read)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Collect(ctx, read)
		}
	}
}

// Collect takes one snapshot and publishes it.
func Collect(ctx context.Context, read SnapshotFunc) {
	// Use a timeout for the collection reads
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	s, err := read(ctx)
	if err != nil {
		slog.Debug("failed to collect metrics", "error", err)
		return
	}
	QueueDepth.Set(float64(s.QueueDepth))
	DeadLetters.Set(float64(s.DeadLetters))
	ConflictsOpen.Set(float64(s.ConflictsOpen))
	FlaggedRecords.Set(float64(s.Flagged))
	if s.Locked {
		VaultLocked.Set(1)
	} else {
		VaultLocked.Set(0)
	}
}
