package usage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStream is an in-process Stream used in tests and single-node runs
// without Redis. Delivery semantics match RedisStream: entries stay pending
// until acked, so a crashed consumer re-reads them.
type MemoryStream struct {
	mu      sync.Mutex
	next    int64
	entries []memoryEntry
}

type memoryEntry struct {
	id      string
	event   Event
	pending bool
	acked   bool
}

// NewMemoryStream returns an empty stream.
func NewMemoryStream() *MemoryStream {
	return &MemoryStream{}
}

func (s *MemoryStream) Append(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.entries = append(s.entries, memoryEntry{
		id:    fmt.Sprintf("%d-0", s.next),
		event: e,
	})
	return nil
}

func (s *MemoryStream) Read(_ context.Context, max int, _ time.Duration) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Delivery
	for i := range s.entries {
		if len(out) >= max {
			break
		}
		e := &s.entries[i]
		if e.acked || e.pending {
			continue
		}
		e.pending = true
		out = append(out, Delivery{StreamID: e.id, Event: e.event})
	}
	return out, nil
}

func (s *MemoryStream) Ack(_ context.Context, streamIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range streamIDs {
		for i := range s.entries {
			if s.entries[i].id == id {
				s.entries[i].acked = true
				s.entries[i].pending = false
			}
		}
	}
	return nil
}

// Redeliver returns unacked pending entries to the readable state, the way
// a consumer-group claim would after a worker crash.
func (s *MemoryStream) Redeliver() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].pending && !s.entries[i].acked {
			s.entries[i].pending = false
		}
	}
}

// Pending reports how many entries are delivered but not acked.
func (s *MemoryStream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.pending && !e.acked {
			n++
		}
	}
	return n
}

// Len reports the total number of appended entries.
func (s *MemoryStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
