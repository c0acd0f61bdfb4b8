package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hido-network/bal/internal/block"
)

// LogObjectConfig holds parameters for the log-plus-object-store backend.
type LogObjectConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Stream        string // Redis stream key for the append log
	Dir           string // directory for the object store
}

// LogObjectSink streams each block to a Redis stream (the ordered append
// log, consumable by downstream compliance pipelines) and persists it as
// a JSON object file (the read store). A Put is acknowledged only after
// both the stream append and the object write have completed; the object
// file is written atomically via rename.
//
// Reads are served from the object store, so a trimmed stream does not
// affect Get/GetRange.
type LogObjectSink struct {
	client *redis.Client
	stream string
	dir    string
	logger *zap.Logger
}

// OpenLogObjectSink connects to Redis, prepares the object directory, and
// returns the sink.
func OpenLogObjectSink(ctx context.Context, cfg LogObjectConfig, logger *zap.Logger) (*LogObjectSink, error) {
	if cfg.Dir == "" {
		return nil, errors.New("logobject sink: object dir not configured")
	}
	stream := cfg.Stream
	if stream == "" {
		stream = "bal:blocks"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create object dir %q: %w", cfg.Dir, err)
	}

	return &LogObjectSink{
		client: client,
		stream: stream,
		dir:    cfg.Dir,
		logger: logger,
	}, nil
}

// Put implements Sink.
func (s *LogObjectSink) Put(ctx context.Context, b *block.Block) error {
	path := s.objectPath(b.Index)
	if _, err := os.Stat(path); err == nil {
		return ErrIndexExists
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block %d: %w", b.Index, err)
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"idx":   strconv.FormatUint(b.Index, 10),
			"hash":  b.ContentHash.String(),
			"block": data,
		},
	}).Err(); err != nil {
		return fmt.Errorf("append block %d to log stream: %w", b.Index, err)
	}

	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("write block object %d: %w", b.Index, err)
	}

	s.logger.Debug("audit block persisted",
		zap.Uint64("idx", b.Index),
		zap.String("stream", s.stream),
	)
	return nil
}

// Get implements Sink.
func (s *LogObjectSink) Get(_ context.Context, index uint64) (*block.Block, error) {
	data, err := os.ReadFile(s.objectPath(index))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read block object %d: %w", index, err)
	}

	var b block.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode block object %d: %w", index, err)
	}
	return &b, nil
}

// GetRange implements Sink.
func (s *LogObjectSink) GetRange(ctx context.Context, from, to uint64) ([]*block.Block, error) {
	if from > to {
		return nil, nil
	}
	var out []*block.Block
	for i := from; i <= to; i++ {
		b, err := s.Get(ctx, i)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Len implements Sink. The object store is scanned for the highest
// stored index; objects are named by index so the scan is a directory
// listing, not a content read. Contiguity below that index is the
// appender's guarantee, not this scan's.
func (s *LogObjectSink) Len(_ context.Context) (uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("list object dir: %w", err)
	}

	var n uint64
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		idx, err := strconv.ParseUint(name[:len(name)-len(".json")], 10, 64)
		if err != nil {
			continue
		}
		if idx+1 > n {
			n = idx + 1
		}
	}
	return n, nil
}

// Close releases the Redis client.
func (s *LogObjectSink) Close() error {
	return s.client.Close()
}

func (s *LogObjectSink) objectPath(index uint64) string {
	return filepath.Join(s.dir, strconv.FormatUint(index, 10)+".json")
}

// writeFileAtomic writes data to a temp file, fsyncs, and renames it into
// place so a crash cannot leave a torn object.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-block-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
