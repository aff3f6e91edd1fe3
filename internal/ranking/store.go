package ranking

import (
	"context"
	"time"
)

// SnapshotStore is the durable collection of period snapshots consumed by
// the engine. Absent rows are reported as (nil, nil).
type SnapshotStore interface {
	// UpsertSnapshot replaces the whole document keyed on Timestamp.
	UpsertSnapshot(ctx context.Context, s *Snapshot) error
	GetSnapshot(ctx context.Context, ts time.Time) (*Snapshot, error)
	LatestSnapshot(ctx context.Context) (*Snapshot, error)
	// SnapshotsInRange returns rows with timestamp in [start, end),
	// ascending.
	SnapshotsInRange(ctx context.Context, start, end time.Time) ([]*Snapshot, error)
}
