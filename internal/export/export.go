// Package export streams persisted ledger blocks to compliance tooling
// as JSON lines or CSV. Exports read through the sink with a snapshot
// upper bound, so a running appender is never blocked and never raced.
package export

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hido-network/bal/internal/block"
	"github.com/hido-network/bal/internal/sink"
)

// Format selects the wire shape of an export.
type Format string

const (
	FormatJSON Format = "json" // one JSON object per line
	FormatCSV  Format = "csv"  // header row + one record per block
)

var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat maps a user-supplied format name to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatCSV:
		return Format(s), nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Filter narrows which blocks an export emits. Zero values mean
// unbounded; ToIndex is a pointer so a bound of 0 (genesis only) stays
// distinguishable from no bound. Index bounds are inclusive; time
// bounds apply to the block timestamp. ActionType matches the payload
// prefix up to the first '/', the convention agents use for structured
// action payloads.
type Filter struct {
	FromIndex  uint64
	ToIndex    *uint64
	Actor      string
	ActionType string
	Since      time.Time
	Until      time.Time
}

func (f Filter) matches(b *block.Block) bool {
	if f.Actor != "" && b.Actor != f.Actor {
		return false
	}
	if f.ActionType != "" && actionType(b.Payload) != f.ActionType {
		return false
	}
	if !f.Since.IsZero() && b.Timestamp < f.Since.UnixNano() {
		return false
	}
	if !f.Until.IsZero() && b.Timestamp > f.Until.UnixNano() {
		return false
	}
	return true
}

// actionType extracts the action-type prefix from a payload, the part
// before the first '/'. Payloads without a separator are their own type.
func actionType(payload []byte) string {
	for i, c := range payload {
		if c == '/' {
			return string(payload[:i])
		}
	}
	return string(payload)
}

// batchSize caps how many blocks one sink read pulls while streaming.
const batchSize = 256

// Exporter streams blocks out of a sink.
type Exporter struct {
	view   sink.Sink
	logger *zap.Logger
}

func New(view sink.Sink, logger *zap.Logger) *Exporter {
	return &Exporter{view: view, logger: logger}
}

// Export writes every block matching filter to w in the given format
// and returns the number of blocks emitted. The upper index bound is
// snapshotted from the sink before streaming begins.
func (e *Exporter) Export(ctx context.Context, w io.Writer, format Format, filter Filter) (uint64, error) {
	n, err := e.view.Len(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot chain length: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	to := n - 1
	if filter.ToIndex != nil && *filter.ToIndex < to {
		to = *filter.ToIndex
	}
	from := filter.FromIndex
	if from > to {
		return 0, nil
	}

	var enc recordWriter
	switch format {
	case FormatJSON:
		enc = newJSONWriter(w)
	case FormatCSV:
		enc = newCSVWriter(w)
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	var emitted uint64
	for lo := from; lo <= to; lo += batchSize {
		hi := lo + batchSize - 1
		if hi > to {
			hi = to
		}
		batch, err := e.view.GetRange(ctx, lo, hi)
		if err != nil {
			return emitted, fmt.Errorf("read blocks [%d,%d]: %w", lo, hi, err)
		}
		for _, b := range batch {
			if !filter.matches(b) {
				continue
			}
			if err := enc.write(b); err != nil {
				return emitted, fmt.Errorf("write block %d: %w", b.Index, err)
			}
			emitted++
		}
	}
	if err := enc.flush(); err != nil {
		return emitted, fmt.Errorf("flush export: %w", err)
	}

	// Exports are audit-logged, never recorded as ledger blocks.
	e.logger.Info("export completed",
		zap.String("format", string(format)),
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Uint64("blocks", emitted))
	return emitted, nil
}

type recordWriter interface {
	write(b *block.Block) error
	flush() error
}

type jsonWriter struct {
	enc *json.Encoder
}

func newJSONWriter(w io.Writer) *jsonWriter {
	return &jsonWriter{enc: json.NewEncoder(w)}
}

func (j *jsonWriter) write(b *block.Block) error { return j.enc.Encode(b) }
func (j *jsonWriter) flush() error               { return nil }

var csvHeader = []string{"index", "timestamp", "actor", "action_type", "payload_b64", "prev_hash", "content_hash", "signature_b64"}

type csvWriter struct {
	w         *csv.Writer
	wroteHead bool
}

func newCSVWriter(w io.Writer) *csvWriter {
	return &csvWriter{w: csv.NewWriter(w)}
}

func (c *csvWriter) write(b *block.Block) error {
	if !c.wroteHead {
		if err := c.w.Write(csvHeader); err != nil {
			return err
		}
		c.wroteHead = true
	}
	return c.w.Write([]string{
		strconv.FormatUint(b.Index, 10),
		strconv.FormatInt(b.Timestamp, 10),
		b.Actor,
		actionType(b.Payload),
		base64.StdEncoding.EncodeToString(b.Payload),
		b.PrevHash.String(),
		b.ContentHash.String(),
		base64.StdEncoding.EncodeToString(b.Signature),
	})
}

func (c *csvWriter) flush() error {
	c.w.Flush()
	return c.w.Error()
}

// ActorHistory returns every block authored by actor, oldest first.
// It is a filtered scan; the sink stays the single source of truth.
func (e *Exporter) ActorHistory(ctx context.Context, actor string, limit int) ([]*block.Block, error) {
	return e.scan(ctx, Filter{Actor: actor}, limit)
}

// ActionsByType returns blocks whose payload carries the given
// action-type prefix, oldest first.
func (e *Exporter) ActionsByType(ctx context.Context, actionType string, limit int) ([]*block.Block, error) {
	return e.scan(ctx, Filter{ActionType: actionType}, limit)
}

func (e *Exporter) scan(ctx context.Context, filter Filter, limit int) ([]*block.Block, error) {
	n, err := e.view.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot chain length: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	var out []*block.Block
	for lo := uint64(0); lo < n; lo += batchSize {
		hi := lo + batchSize - 1
		if hi >= n {
			hi = n - 1
		}
		batch, err := e.view.GetRange(ctx, lo, hi)
		if err != nil {
			return nil, fmt.Errorf("read blocks [%d,%d]: %w", lo, hi, err)
		}
		for _, b := range batch {
			if !filter.matches(b) {
				continue
			}
			out = append(out, b)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}
