package countstore

import (
	"context"
	"time"

	"github.com/bouncerbot/bouncer/automod/helpers"
)

// Specialization of a WindowStore keyed on (source, hash of content), rather than source alone.
//
// Only repeats of identical content count towards the same key: a source sending many distinct payloads never accumulates a count above one for any of them. Empty content is never tracked.
type DuplicateTracker struct {
	Store WindowStore
	// namespace prefix for keys, usually the name of the policy using the tracker
	Name string
}

func NewDuplicateTracker(store WindowStore, name string) *DuplicateTracker {
	return &DuplicateTracker{
		Store: store,
		Name:  name,
	}
}

func (d *DuplicateTracker) Key(source, content string) string {
	return d.Name + "/" + source + "/" + helpers.HashOfString(content)
}

func (d *DuplicateTracker) Record(ctx context.Context, source, content string, at time.Time, size time.Duration) (int, error) {
	if content == "" {
		return 0, nil
	}
	return d.Store.Record(ctx, d.Key(source, content), at, helpers.HashOfString(content), size)
}

func (d *DuplicateTracker) Hit(ctx context.Context, source, content string, at time.Time, size time.Duration, trigger func(count int) bool) (int, bool, error) {
	if content == "" {
		return 0, false, nil
	}
	return d.Store.Hit(ctx, d.Key(source, content), at, helpers.HashOfString(content), size, trigger)
}

func (d *DuplicateTracker) Count(ctx context.Context, source, content string, now time.Time, size time.Duration) (int, error) {
	if content == "" {
		return 0, nil
	}
	hash := helpers.HashOfString(content)
	return d.Store.Count(ctx, d.Key(source, content), now, size, PayloadEquals(hash))
}

func (d *DuplicateTracker) Reset(ctx context.Context, source, content string) error {
	return d.Store.Reset(ctx, d.Key(source, content))
}
