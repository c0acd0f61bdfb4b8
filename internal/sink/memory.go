package sink

import (
	"context"
	"sync"

	"github.com/hido-network/bal/internal/block"
)

// MemorySink is an in-memory, thread-safe Sink. It is primarily useful
// for testing and for single-process deployments that do not require
// persistence across restarts.
//
// Get returns the stored block; callers must treat blocks as read-only.
type MemorySink struct {
	mu     sync.RWMutex
	blocks []*block.Block
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Put implements Sink. It enforces index contiguity.
func (s *MemorySink) Put(_ context.Context, b *block.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Index < uint64(len(s.blocks)) {
		return ErrIndexExists
	}
	s.blocks = append(s.blocks, b)
	return nil
}

// Get implements Sink.
func (s *MemorySink) Get(_ context.Context, index uint64) (*block.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index >= uint64(len(s.blocks)) {
		return nil, ErrNotFound
	}
	return s.blocks[index], nil
}

// GetRange implements Sink.
func (s *MemorySink) GetRange(_ context.Context, from, to uint64) ([]*block.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := uint64(len(s.blocks))
	if from >= n || from > to {
		return nil, nil
	}
	if to >= n {
		to = n - 1
	}
	out := make([]*block.Block, 0, to-from+1)
	out = append(out, s.blocks[from:to+1]...)
	return out, nil
}

// Len implements Sink.
func (s *MemorySink) Len(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.blocks)), nil
}
