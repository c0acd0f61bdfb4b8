// Package sink abstracts durable storage for audit chain blocks.
//
// A Sink stores blocks addressed by index. Put must not return success
// before the block is durable: an acknowledged Put survives process
// restart. Blocks are append-only; no Sink exposes mutation or deletion.
//
// Four implementations are provided, selected by configuration:
//   - MemorySink:    in-process, for testing and development.
//   - PostgresSink:  relational, durable, for production use.
//   - LogObjectSink: Redis stream log plus filesystem object store.
//   - HybridSink:    primary/secondary pair mirroring writes.
package sink

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hido-network/bal/internal/block"
)

// ErrNotFound is returned when no block exists at the requested index.
var ErrNotFound = errors.New("block not found")

// ErrIndexExists is returned when a Put targets an index that is already
// occupied. The appender serializes writes, so hitting this in production
// means two writers share one chain.
var ErrIndexExists = errors.New("block index already exists")

// Sink is the durable storage contract required by the chain core.
type Sink interface {
	// Put persists a block. It must not acknowledge before the write is
	// durable. Blocks arrive with contiguous indices.
	Put(ctx context.Context, b *block.Block) error

	// Get returns the block at the given index, or ErrNotFound.
	Get(ctx context.Context, index uint64) (*block.Block, error)

	// GetRange returns blocks with indices in [from, to] inclusive,
	// ordered by index. Indices beyond the tip are omitted.
	GetRange(ctx context.Context, from, to uint64) ([]*block.Block, error)

	// Len returns the number of persisted blocks.
	Len(ctx context.Context) (uint64, error)
}

// Kind names a sink backend variant.
type Kind string

const (
	KindMemory    Kind = "memory"
	KindPostgres  Kind = "postgres"
	KindLogObject Kind = "logobject"
	KindHybrid    Kind = "hybrid"
)

// Config selects and parameterizes a sink backend.
type Config struct {
	Kind      Kind
	Postgres  PostgresConfig
	LogObject LogObjectConfig
	Hybrid    HybridConfig
}

// HybridConfig pairs a primary sink (fast reads) with a secondary sink
// (redundant, typically append-friendlier) and a mirror mode.
type HybridConfig struct {
	Primary   Kind
	Secondary Kind
	Mode      MirrorMode
}

// MirrorMode controls how the hybrid sink propagates writes to the
// secondary backend.
type MirrorMode string

const (
	// MirrorSync acknowledges only after both backends are durable.
	MirrorSync MirrorMode = "sync"
	// MirrorAsync acknowledges after the primary write; the secondary is
	// written in the background and failures are logged, not surfaced.
	MirrorAsync MirrorMode = "async"
)

// Open builds a sink from configuration. Hybrid sinks may not nest.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Sink, error) {
	return open(ctx, cfg, logger, false)
}

func open(ctx context.Context, cfg Config, logger *zap.Logger, nested bool) (Sink, error) {
	switch cfg.Kind {
	case KindMemory:
		return NewMemorySink(), nil
	case KindPostgres:
		return OpenPostgresSink(ctx, cfg.Postgres, logger)
	case KindLogObject:
		return OpenLogObjectSink(ctx, cfg.LogObject, logger)
	case KindHybrid:
		if nested {
			return nil, errors.New("hybrid sinks cannot nest")
		}
		primaryCfg := cfg
		primaryCfg.Kind = cfg.Hybrid.Primary
		primary, err := open(ctx, primaryCfg, logger, true)
		if err != nil {
			return nil, fmt.Errorf("open hybrid primary %q: %w", cfg.Hybrid.Primary, err)
		}
		secondaryCfg := cfg
		secondaryCfg.Kind = cfg.Hybrid.Secondary
		secondary, err := open(ctx, secondaryCfg, logger, true)
		if err != nil {
			return nil, fmt.Errorf("open hybrid secondary %q: %w", cfg.Hybrid.Secondary, err)
		}
		return NewHybridSink(primary, secondary, cfg.Hybrid.Mode, logger), nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}
