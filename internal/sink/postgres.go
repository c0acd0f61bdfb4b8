package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hido-network/bal/internal/block"
)

// PostgresConfig holds connection parameters for the relational backend.
type PostgresConfig struct {
	URL string
}

// Schema creates the audit block table. Applied by OpenPostgresSink so a
// fresh database is usable without a separate migration step.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_blocks (
	idx          BIGINT PRIMARY KEY,
	ts           BIGINT NOT NULL,
	actor        TEXT   NOT NULL,
	payload      BYTEA  NOT NULL,
	prev_hash    BYTEA  NOT NULL,
	content_hash BYTEA  NOT NULL,
	signature    BYTEA
);
CREATE INDEX IF NOT EXISTS audit_blocks_actor_idx ON audit_blocks (actor);
`

// PostgresSink persists audit blocks to a PostgreSQL database.
// A Put is acknowledged once the INSERT commits; the primary key on idx
// makes double-writes to one index impossible.
type PostgresSink struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// OpenPostgresSink connects to the database, ensures the schema, and
// returns the sink.
func OpenPostgresSink(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	return &PostgresSink{pool: pool, logger: logger}, nil
}

// NewPostgresSink wraps an existing connection pool without touching the
// schema. The caller owns the pool lifecycle.
func NewPostgresSink(pool *pgxpool.Pool, logger *zap.Logger) *PostgresSink {
	return &PostgresSink{pool: pool, logger: logger}
}

// Put implements Sink.
func (s *PostgresSink) Put(ctx context.Context, b *block.Block) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_blocks (idx, ts, actor, payload, prev_hash, content_hash, signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(b.Index), b.Timestamp, b.Actor, b.Payload,
		b.PrevHash[:], b.ContentHash[:], b.Signature,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIndexExists
		}
		return fmt.Errorf("insert audit block %d: %w", b.Index, err)
	}

	s.logger.Debug("audit block persisted",
		zap.Uint64("idx", b.Index),
		zap.String("actor", b.Actor),
	)
	return nil
}

// Get implements Sink.
func (s *PostgresSink) Get(ctx context.Context, index uint64) (*block.Block, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT idx, ts, actor, payload, prev_hash, content_hash, signature
		 FROM audit_blocks WHERE idx = $1`, int64(index),
	)
	b, err := scanBlock(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get audit block %d: %w", index, err)
	}
	return b, nil
}

// GetRange implements Sink.
func (s *PostgresSink) GetRange(ctx context.Context, from, to uint64) ([]*block.Block, error) {
	if from > to {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT idx, ts, actor, payload, prev_hash, content_hash, signature
		 FROM audit_blocks WHERE idx BETWEEN $1 AND $2 ORDER BY idx ASC`,
		int64(from), int64(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query audit blocks [%d,%d]: %w", from, to, err)
	}
	defer rows.Close()

	var out []*block.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit block row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Len implements Sink.
func (s *PostgresSink) Len(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_blocks").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit blocks: %w", err)
	}
	return uint64(n), nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (*block.Block, error) {
	var (
		idx         int64
		b           block.Block
		prevHash    []byte
		contentHash []byte
	)
	if err := row.Scan(&idx, &b.Timestamp, &b.Actor, &b.Payload, &prevHash, &contentHash, &b.Signature); err != nil {
		return nil, err
	}
	b.Index = uint64(idx)
	if len(prevHash) != block.HashSize || len(contentHash) != block.HashSize {
		return nil, fmt.Errorf("malformed hash column for block %d", idx)
	}
	copy(b.PrevHash[:], prevHash)
	copy(b.ContentHash[:], contentHash)
	return &b, nil
}
