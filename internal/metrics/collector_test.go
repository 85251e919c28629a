package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollect(t *testing.T) {
	read := func(context.Context) (Snapshot, error) {
		return Snapshot{QueueDepth: 3, DeadLetters: 1, ConflictsOpen: 2, Flagged: 4, Locked: true}, nil
	}
	Collect(context.Background(), read)

	assert.Equal(t, 3.0, testutil.ToFloat64(QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(DeadLetters))
	assert.Equal(t, 2.0, testutil.ToFloat64(ConflictsOpen))
	assert.Equal(t, 4.0, testutil.ToFloat64(FlaggedRecords))
	assert.Equal(t, 1.0, testutil.ToFloat64(VaultLocked))

	// a failed read leaves the gauges alone
	Collect(context.Background(), func(context.Context) (Snapshot, error) { return Snapshot{}, errors.New("boom") })
	assert.Equal(t, 3.0, testutil.ToFloat64(QueueDepth))
}

func TestStartCollectorStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	calls := make(chan struct{}, 8)
	go func() {
		StartCollector(ctx, func(context.Context) (Snapshot, error) {
			select {
			case calls <- struct{}{}:
			default:
			}
			return Snapshot{}, nil
		}, 5*time.Millisecond)
		close(done)
	}()

	<-calls
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
}
