package setstore

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
)

type SetStore interface {
	InSet(ctx context.Context, name, val string) (bool, error)
}

// Named sets of strings (eg, URL shortener domains, trusted account IDs). Values are compared case-insensitively.
type MemSetStore struct {
	mu   sync.RWMutex
	Sets map[string]map[string]bool
}

func NewMemSetStore() *MemSetStore {
	return &MemSetStore{
		Sets: make(map[string]map[string]bool),
	}
}

func normalize(val string) string {
	return strings.ToLower(strings.TrimSpace(val))
}

func (s *MemSetStore) InSet(ctx context.Context, name, val string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.Sets[name]
	if !ok {
		// NOTE: currently returns false when entire set isn't found
		return false, nil
	}
	return set[normalize(val)], nil
}

// Replaces the contents of a single set.
func (s *MemSetStore) SetMembers(name string, vals []string) {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		if n := normalize(v); n != "" {
			m[n] = true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sets[name] = m
}

// Sorted members of a set; nil if the set does not exist.
func (s *MemSetStore) Members(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.Sets[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Loads sets from a JSON object mapping set names to arrays of values. Sets in the file replace existing sets of the same name; other sets are left alone.
func (s *MemSetStore) LoadFromFileJSON(p string) error {

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	raw, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	var sets map[string][]string
	if err := json.Unmarshal(raw, &sets); err != nil {
		return err
	}

	for name, l := range sets {
		s.SetMembers(name, l)
	}
	return nil
}
