package countstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// upper bound on entries retained for a single key; the oldest entries are dropped first
var DefaultMaxEntriesPerKey = 10_000

// In-process WindowStore. Each key has its own mutex; the key map itself is a concurrent map, so unrelated keys never contend.
type MemWindowStore struct {
	MaxEntriesPerKey int

	windows *xsync.MapOf[string, *window]
}

type window struct {
	mu      sync.Mutex
	entries []Entry
	// largest window size this key has been recorded with
	size time.Duration
	// set when the window has been removed from the map; holders of a stale pointer must look the key up again
	dead bool
}

var _ WindowStore = (*MemWindowStore)(nil)

func NewMemWindowStore() *MemWindowStore {
	return &MemWindowStore{
		MaxEntriesPerKey: DefaultMaxEntriesPerKey,
		windows:          xsync.NewMapOf[string, *window](),
	}
}

// returns the live window for the key, with its lock held
func (s *MemWindowStore) acquire(key string) *window {
	for {
		w, _ := s.windows.LoadOrCompute(key, func() *window {
			return &window{}
		})
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

// must be called with the window lock held
func (s *MemWindowStore) remove(key string, w *window) {
	w.dead = true
	w.entries = nil
	s.windows.Delete(key)
}

func (s *MemWindowStore) record(w *window, at time.Time, payload string, size time.Duration) int {
	w.insert(Entry{At: at, Payload: payload})
	if size > w.size {
		w.size = size
	}
	now := w.entries[len(w.entries)-1].At
	w.evict(now.Add(-size))
	if s.MaxEntriesPerKey > 0 && len(w.entries) > s.MaxEntriesPerKey {
		w.entries = slices.Delete(w.entries, 0, len(w.entries)-s.MaxEntriesPerKey)
	}
	return len(w.entries)
}

func (s *MemWindowStore) Record(ctx context.Context, key string, at time.Time, payload string, size time.Duration) (int, error) {
	w := s.acquire(key)
	defer w.mu.Unlock()
	return s.record(w, at, payload, size), nil
}

func (s *MemWindowStore) Hit(ctx context.Context, key string, at time.Time, payload string, size time.Duration, trigger func(count int) bool) (int, bool, error) {
	w := s.acquire(key)
	defer w.mu.Unlock()
	count := s.record(w, at, payload, size)
	if trigger == nil || !trigger(count) {
		return count, false, nil
	}
	s.remove(key, w)
	return count, true, nil
}

func (s *MemWindowStore) Reset(ctx context.Context, key string) error {
	w, ok := s.windows.Load(key)
	if !ok {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dead {
		s.remove(key, w)
	}
	return nil
}

func (s *MemWindowStore) Count(ctx context.Context, key string, now time.Time, size time.Duration, filter EntryFilter) (int, error) {
	w, ok := s.windows.Load(key)
	if !ok {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-size)
	c := 0
	for _, e := range w.entries {
		if e.At.Before(cutoff) || e.At.After(now) {
			continue
		}
		if filter == nil || filter(e) {
			c++
		}
	}
	return c, nil
}

// Removes every key whose entries are all older than maxAge (relative to now). Keys recorded with a window longer than maxAge are trimmed to their own window instead, so a sweep never changes a count taken over the window a key was recorded with.
//
// Returns the number of keys removed.
func (s *MemWindowStore) Sweep(now time.Time, maxAge time.Duration) int {
	removed := 0
	s.windows.Range(func(key string, w *window) bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.dead {
			return true
		}
		w.evict(now.Add(-max(maxAge, w.size)))
		if len(w.entries) == 0 {
			s.remove(key, w)
			removed++
		}
		return true
	})
	return removed
}

// Number of keys currently tracked.
func (s *MemWindowStore) Len() int {
	return s.windows.Size()
}

// entries are kept in ascending time order; late arrivals are placed in order
func (w *window) insert(e Entry) {
	n := len(w.entries)
	if n == 0 || !e.At.Before(w.entries[n-1].At) {
		w.entries = append(w.entries, e)
		return
	}
	idx := sort.Search(n, func(i int) bool {
		return w.entries[i].At.After(e.At)
	})
	w.entries = slices.Insert(w.entries, idx, e)
}

// prefix trim of everything strictly older than cutoff
func (w *window) evict(cutoff time.Time) {
	idx := sort.Search(len(w.entries), func(i int) bool {
		return !w.entries[i].At.Before(cutoff)
	})
	if idx > 0 {
		w.entries = slices.Delete(w.entries, 0, idx)
	}
}
