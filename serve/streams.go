package serve

import (
	"context"
	"sync"
)

const defaultMaxStreams = 50

// streamSet tracks open SSE streams so they can be capped and ended
// together on shutdown.
type streamSet struct {
	max     int
	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
	next    uint64
	closed  bool
}

func newStreamSet(max int) *streamSet {
	return &streamSet{
		max:     max,
		cancels: make(map[uint64]context.CancelFunc),
	}
}

// Acquire registers a stream. The returned context ends when the parent
// does or when the set is closed. It reports false when the set is full
// or closed; release must be called otherwise.
func (s *streamSet) Acquire(parent context.Context) (ctx context.Context, release func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.cancels) >= s.max {
		return nil, nil, false
	}

	ctx, cancel := context.WithCancel(parent)
	id := s.next
	s.next++
	s.cancels[id] = cancel

	release = func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
		cancel()
	}
	return ctx, release, true
}

// Len returns the number of open streams.
func (s *streamSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

// Close ends every open stream and rejects new ones.
func (s *streamSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
}
