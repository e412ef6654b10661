// ABOUTME: In-process replay store bounded by TTL and entry count.
// ABOUTME: Expired entries are swept lazily on access and by a background ticker.

package replay

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	entry   Entry
	element *list.Element
}

// MemoryStore keeps entries in a map with an insertion-ordered list so the oldest
// entry can be evicted in O(1) when the store is full.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	order      *list.List // keys, oldest at front
	maxEntries int
	now        func() time.Time
	done       chan struct{}
	closed     bool
}

// NewMemoryStore creates a store holding at most maxEntries entries. A background
// goroutine sweeps expired entries every sweepInterval; zero disables it.
func NewMemoryStore(maxEntries int, sweepInterval time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	s := &MemoryStore{
		entries:    make(map[string]*memoryEntry),
		order:      list.New(),
		maxEntries: maxEntries,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

// Get returns the entry for key, dropping it if it has expired.
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	me, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if me.entry.Expired(s.now()) {
		s.removeLocked(key)
		return Entry{}, false, nil
	}
	return me.entry, true, nil
}

// Put stores e, evicting the oldest entry when full.
func (s *MemoryStore) Put(_ context.Context, key string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if me, ok := s.entries[key]; ok {
		if !me.entry.Expired(s.now()) && me.entry.Fingerprint != e.Fingerprint {
			return fmt.Errorf("%w: key %s", ErrConflict, key)
		}
		me.entry = e
		s.order.MoveToBack(me.element)
		return nil
	}

	s.insertLocked(key, e)
	return nil
}

// Reserve stores the pending marker e unless key holds a live entry.
func (s *MemoryStore) Reserve(_ context.Context, key string, e Entry) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if me, ok := s.entries[key]; ok {
		if !me.entry.Expired(s.now()) {
			return me.entry, false, nil
		}
		s.removeLocked(key)
	}
	s.insertLocked(key, e)
	return Entry{}, true, nil
}

// Release drops a pending marker left by a run that produced nothing to cache.
func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if me, ok := s.entries[key]; ok && me.entry.Pending && me.entry.Fingerprint == fingerprint {
		s.removeLocked(key)
	}
	return nil
}

func (s *MemoryStore) insertLocked(key string, e Entry) {
	for len(s.entries) >= s.maxEntries {
		front := s.order.Front()
		if front == nil {
			break
		}
		oldest, _ := front.Value.(string)
		s.removeLocked(oldest)
	}
	s.entries[key] = &memoryEntry{entry: e, element: s.order.PushBack(key)}
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the background sweep. It is safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.done)
		s.closed = true
	}
	return nil
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, me := range s.entries {
		if me.entry.Expired(now) {
			s.removeLocked(key)
		}
	}
}

func (s *MemoryStore) removeLocked(key string) {
	me, ok := s.entries[key]
	if !ok {
		return
	}
	s.order.Remove(me.element)
	delete(s.entries, key)
}
