package sink

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hido-network/bal/internal/block"
)

// asyncMirrorTimeout bounds a background secondary write so a stuck
// backend cannot leak goroutines forever.
const asyncMirrorTimeout = 30 * time.Second

// HybridSink mirrors every write to a primary and a secondary backend.
// The primary serves reads; the secondary is the redundant copy and is
// consulted when the primary misses or fails.
type HybridSink struct {
	primary   Sink
	secondary Sink
	mode      MirrorMode
	logger    *zap.Logger
}

// NewHybridSink combines two sinks. Mode defaults to MirrorSync.
func NewHybridSink(primary, secondary Sink, mode MirrorMode, logger *zap.Logger) *HybridSink {
	if mode == "" {
		mode = MirrorSync
	}
	return &HybridSink{
		primary:   primary,
		secondary: secondary,
		mode:      mode,
		logger:    logger,
	}
}

// Put implements Sink. The acknowledgement covers the primary: once the
// primary write is durable the block exists and reporting failure would
// leave the caller's view behind the store. Sync mode writes the
// secondary before returning, async mode in the background; in both
// modes a secondary failure is logged and healed later by the read
// fallback, never surfaced.
func (s *HybridSink) Put(ctx context.Context, b *block.Block) error {
	if err := s.primary.Put(ctx, b); err != nil {
		return err
	}

	switch s.mode {
	case MirrorAsync:
		go func() {
			mctx, cancel := context.WithTimeout(context.Background(), asyncMirrorTimeout)
			defer cancel()
			s.mirror(mctx, b)
		}()
	default:
		s.mirror(ctx, b)
	}
	return nil
}

func (s *HybridSink) mirror(ctx context.Context, b *block.Block) {
	if err := s.secondary.Put(ctx, b); err != nil && !errors.Is(err, ErrIndexExists) {
		s.logger.Warn("hybrid secondary write failed",
			zap.Uint64("idx", b.Index),
			zap.Error(err),
		)
	}
}

// Get implements Sink. A miss or failure on the primary falls back to
// the secondary.
func (s *HybridSink) Get(ctx context.Context, index uint64) (*block.Block, error) {
	b, err := s.primary.Get(ctx, index)
	if err == nil {
		return b, nil
	}
	return s.secondary.Get(ctx, index)
}

// GetRange implements Sink. Ranges are served by the primary; the
// secondary is used only if the primary fails outright.
func (s *HybridSink) GetRange(ctx context.Context, from, to uint64) ([]*block.Block, error) {
	blocks, err := s.primary.GetRange(ctx, from, to)
	if err != nil {
		return s.secondary.GetRange(ctx, from, to)
	}
	return blocks, nil
}

// Len implements Sink.
func (s *HybridSink) Len(ctx context.Context) (uint64, error) {
	n, err := s.primary.Len(ctx)
	if err != nil {
		return s.secondary.Len(ctx)
	}
	return n, nil
}
