package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/obsidianstack/emitter/pkg/types"
)

// Entry is what the collector knows about one installation.
type Entry struct {
	Fingerprint string
	Machine     int64

	// Received counts every record accepted from this installation.
	Received int
	// Recent holds the latest records, oldest first, without identity fields.
	Recent []types.Record

	FirstSeen time.Time
	UpdatedAt time.Time
}

// Store is a thread-safe in-memory installation store, keyed by fingerprint.
// A background goroutine (Run) periodically evicts installations that have
// not uploaded within the configured TTL. A TTL of zero keeps them forever.
type Store struct {
	mu         sync.RWMutex
	data       map[string]*Entry
	ttl        time.Duration
	maxRecords int
	now        func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given TTL that keeps up to maxRecords recent
// records per installation.
func New(ttl time.Duration, maxRecords int) *Store {
	return &Store{
		data:       make(map[string]*Entry),
		ttl:        ttl,
		maxRecords: maxRecords,
		now:        time.Now,
	}
}

// TTL returns the configured retention.
func (s *Store) TTL() time.Duration { return s.ttl }

// Put records one accepted upload.
func (s *Store) Put(id types.Identity, rec types.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.data[id.Fingerprint]
	if !ok {
		e = &Entry{Fingerprint: id.Fingerprint, FirstSeen: now}
		s.data[id.Fingerprint] = e
	}
	e.Machine = id.Machine
	e.Received++
	e.UpdatedAt = now
	if s.maxRecords > 0 {
		e.Recent = append(e.Recent, rec)
		if over := len(e.Recent) - s.maxRecords; over > 0 {
			e.Recent = append([]types.Record(nil), e.Recent[over:]...)
		}
	}
}

// Get returns a copy of the entry for fingerprint. Entries past the TTL are
// reported as missing even before Run evicts them.
func (s *Store) Get(fingerprint string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[fingerprint]
	if !ok || !s.live(e, s.now()) {
		return Entry{}, false
	}
	return e.clone(), true
}

// List returns copies of all live entries ordered by fingerprint.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]Entry, 0, len(s.data))
	for _, e := range s.data {
		if s.live(e, now) {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// Count returns the total number of entries currently held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes entries whose UpdatedAt is older than now minus TTL.
// It returns the number of entries removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for fp, e := range s.data {
		if !s.live(e, now) {
			delete(s.data, fp)
			removed++
		}
	}
	return removed
}

// Run starts the background TTL eviction loop. It ticks at half the TTL interval
// (minimum 1 second) and blocks until ctx is cancelled. With no TTL it only
// waits for ctx.
func (s *Store) Run(ctx context.Context) {
	if s.ttl <= 0 {
		<-ctx.Done()
		return
	}
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted silent installations", "count", n)
			}
		}
	}
}

func (s *Store) live(e *Entry, now time.Time) bool {
	return s.ttl <= 0 || e.UpdatedAt.After(now.Add(-s.ttl))
}

func (e *Entry) clone() Entry {
	c := *e
	c.Recent = append([]types.Record(nil), e.Recent...)
	return c
}
