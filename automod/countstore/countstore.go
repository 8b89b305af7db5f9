package countstore

import (
	"context"
	"time"
)

// A single counted occurrence. Payload is optional, and is used by content-aware counters (eg, a hash of message text).
type Entry struct {
	At      time.Time
	Payload string
}

// Selects a subset of entries when counting. A nil filter matches every entry.
type EntryFilter func(e Entry) bool

func PayloadEquals(payload string) EntryFilter {
	return func(e Entry) bool {
		return e.Payload == payload
	}
}

// Keyed sliding-window event counter.
//
// Every method is atomic with respect to other calls for the same key. Calls for different keys do not block each other.
type WindowStore interface {
	// Appends an entry, evicts all entries older than the window (relative to the newest entry), and returns the resulting count.
	Record(ctx context.Context, key string, at time.Time, payload string, window time.Duration) (int, error)
	// Same as Record, then evaluates the resulting count with trigger. If trigger returns true, the key is reset before the call returns, so no other caller can observe or re-trigger the pre-reset count.
	Hit(ctx context.Context, key string, at time.Time, payload string, window time.Duration, trigger func(count int) bool) (count int, fired bool, err error)
	// Clears all entries for the key.
	Reset(ctx context.Context, key string) error
	// Returns the number of entries within [now - window, now], optionally filtered, without appending.
	Count(ctx context.Context, key string, now time.Time, window time.Duration, filter EntryFilter) (int, error)
}
