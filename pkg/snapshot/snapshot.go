// Package snapshot holds the opaque, timestamped state blob of an identity and
// the stores that persist it between sessions.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("snapshot: not found")

// Snapshot is the full synchronized state of one identity. Data is opaque to
// everything but the session host.
type Snapshot struct {
	Identity uuid.UUID
	Taken    time.Time // when the snapshot was captured
	LastSeen time.Time // last time the identity was active on the capturing node
	Data     []byte
}

// Size is the number of bytes the snapshot accounts for in caches.
func (s Snapshot) Size() int {
	return len(s.Data) + len(s.Identity)
}

// Store persists snapshots and the per-identity last-seen timestamp.
type Store interface {
	Load(ctx context.Context, id uuid.UUID) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
	// LastSeen returns the zero time for identities the store never saw.
	LastSeen(ctx context.Context, id uuid.UUID) (time.Time, error)
	SetLastSeen(ctx context.Context, id uuid.UUID, t time.Time) error
}

// ToMillis converts t to unix milliseconds; the zero time maps to 0.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of ToMillis. Results are in UTC.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
