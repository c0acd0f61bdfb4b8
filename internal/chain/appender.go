package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/hido-network/bal/internal/block"
	"github.com/hido-network/bal/internal/keys"
	"github.com/hido-network/bal/internal/sink"
)

// ClockPolicy controls what happens when the wall clock reads earlier
// than the previous block's timestamp.
type ClockPolicy string

const (
	// ClockClamp reuses the previous block's timestamp. The chain never
	// records a smaller value.
	ClockClamp ClockPolicy = "clamp"
	// ClockReject fails the append with ErrClockRegression.
	ClockReject ClockPolicy = "reject"
)

// DefaultMaxPayload bounds payload size unless configured otherwise.
const DefaultMaxPayload = 1 << 20 // 1 MiB

// Config parameterizes an Appender.
type Config struct {
	MaxPayload int           // maximum payload bytes; DefaultMaxPayload when 0
	Clock      ClockPolicy   // ClockClamp when empty
	LockWait   time.Duration // max wait for the append slot; 5s when 0
	PutTimeout time.Duration // per-persist deadline; 10s when 0
}

func (c Config) withDefaults() Config {
	if c.MaxPayload == 0 {
		c.MaxPayload = DefaultMaxPayload
	}
	if c.Clock == "" {
		c.Clock = ClockClamp
	}
	if c.LockWait == 0 {
		c.LockWait = 5 * time.Second
	}
	if c.PutTimeout == 0 {
		c.PutTimeout = 10 * time.Second
	}
	return c
}

// Signer produces a detached signature over a candidate content hash.
// The candidate hash only exists once the appender has fixed the index,
// timestamp, and previous hash under the append slot, so the signature is
// requested through this callback rather than passed up front.
type Signer func(contentHash block.Hash) ([]byte, error)

// State is a consistent snapshot of the chain tip for readers. Length is
// zero while the chain is empty (no genesis yet).
type State struct {
	Length uint64
	Tip    block.Ref
}

type tipState struct {
	empty     bool
	index     uint64
	hash      block.Hash
	timestamp int64
}

type idemResult struct {
	ref         block.Ref
	payloadHash [32]byte
}

// Appender is the single writer extending one chain. Appends are
// serialized first-come-first-served through a slot channel; readers see
// the tip through an atomic snapshot and are never blocked by an
// in-flight append.
type Appender struct {
	store    sink.Sink
	resolver keys.Resolver
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	slot chan struct{}
	tip  atomic.Pointer[tipState]

	idemMu  sync.Mutex
	done    map[string]idemResult
	pending map[string]*block.Block // candidates whose persist failed ambiguously
}

// NewAppender recovers the tip from the sink and returns a ready appender.
func NewAppender(ctx context.Context, store sink.Sink, resolver keys.Resolver, cfg Config, logger *zap.Logger) (*Appender, error) {
	a := &Appender{
		store:    store,
		resolver: resolver,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
		slot:     make(chan struct{}, 1),
		done:     make(map[string]idemResult),
		pending:  make(map[string]*block.Block),
	}

	n, err := store.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover chain length: %w", err)
	}
	if n == 0 {
		a.tip.Store(&tipState{empty: true})
		return a, nil
	}

	last, err := store.Get(ctx, n-1)
	if err != nil {
		return nil, fmt.Errorf("recover chain tip: %w", err)
	}
	a.tip.Store(&tipState{
		index:     last.Index,
		hash:      last.ContentHash,
		timestamp: last.Timestamp,
	})
	balChainLength.Set(float64(n))
	return a, nil
}

// State returns a snapshot of the tip. Blocks at indices below
// State.Length are fully published and immutable.
func (a *Appender) State() State {
	t := a.tip.Load()
	if t.empty {
		return State{}
	}
	return State{
		Length: t.index + 1,
		Tip:    block.Ref{Index: t.index, Hash: t.hash},
	}
}

// EnsureGenesis seeds the system genesis block if the chain is empty and
// returns the genesis reference either way.
func (a *Appender) EnsureGenesis(ctx context.Context) (block.Ref, error) {
	if err := a.acquire(ctx); err != nil {
		return block.Ref{}, err
	}
	defer a.release()

	if t := a.tip.Load(); !t.empty {
		g, err := a.store.Get(ctx, 0)
		if err != nil {
			return block.Ref{}, fmt.Errorf("load genesis: %w", err)
		}
		return g.Ref(), nil
	}

	g := block.Genesis(a.now())
	if err := a.persist(ctx, g); err != nil {
		// Another writer seeded the chain first; adopt its blocks.
		if errors.Is(err, errTipStale) {
			if rerr := a.resyncTip(ctx); rerr != nil {
				return block.Ref{}, rerr
			}
			stored, gerr := a.store.Get(ctx, 0)
			if gerr != nil {
				return block.Ref{}, fmt.Errorf("load genesis: %w", gerr)
			}
			return stored.Ref(), nil
		}
		return block.Ref{}, err
	}
	a.advance(g)
	a.logger.Info("genesis block created", zap.String("hash", g.ContentHash.String()))
	return g.Ref(), nil
}

// Append extends the chain with a new block for actor carrying payload.
//
// The actor's key is resolved, a candidate block is built against the
// current tip, the caller signs the candidate content hash through sign,
// and the block is persisted before the tip advances. A failed append
// never advances the tip. token deduplicates retries: replaying a
// completed append returns the original reference without writing a
// second block.
func (a *Appender) Append(ctx context.Context, actor string, payload []byte, sign Signer, token string) (block.Ref, error) {
	start := a.now()

	if len(payload) > a.cfg.MaxPayload {
		recordAppend("validation", 0)
		return block.Ref{}, fmt.Errorf("%w: %d bytes (max %d)", ErrInvalidPayload, len(payload), a.cfg.MaxPayload)
	}

	pub, err := a.resolver.Resolve(ctx, actor)
	if err != nil {
		recordAppend("validation", 0)
		return block.Ref{}, fmt.Errorf("resolve actor %q: %w", actor, err)
	}

	payloadSum := sha3.Sum256(payload)
	if ref, ok, err := a.replay(token, payloadSum); err != nil {
		return block.Ref{}, err
	} else if ok {
		return ref, nil
	}

	if err := a.acquire(ctx); err != nil {
		recordAppend("busy", 0)
		return block.Ref{}, err
	}
	defer a.release()

	// A concurrent holder of the slot may have completed this token.
	if ref, ok, err := a.replay(token, payloadSum); err != nil {
		return block.Ref{}, err
	} else if ok {
		return ref, nil
	}

	// A failed persist can leave the in-memory tip behind the sink, or
	// leave a pending candidate behind an interleaved append. When a
	// persist loses its index to a different block, the candidate was
	// built against stale state: drop it, re-sync the tip from the
	// sink, and rebuild.
	for attempt := 0; ; attempt++ {
		candidate, err := a.candidate(token, actor, payload)
		if err != nil {
			recordAppend("validation", 0)
			return block.Ref{}, err
		}

		if candidate.Signature == nil {
			if sign == nil {
				recordAppend("validation", 0)
				return block.Ref{}, fmt.Errorf("%w: no signer supplied", ErrSignatureInvalid)
			}
			sig, err := sign(candidate.ContentHash)
			if err != nil {
				recordAppend("validation", 0)
				return block.Ref{}, fmt.Errorf("sign candidate block: %w", err)
			}
			candidate.Signature = sig
		}
		if !candidate.VerifySignature(pub) {
			recordAppend("validation", 0)
			return block.Ref{}, fmt.Errorf("%w: actor %q at index %d", ErrSignatureInvalid, actor, candidate.Index)
		}

		err = a.persist(ctx, candidate)
		if err == nil {
			a.advance(candidate)
			ref := candidate.Ref()
			if token != "" {
				a.idemMu.Lock()
				a.done[token] = idemResult{ref: ref, payloadHash: payloadSum}
				delete(a.pending, token)
				a.idemMu.Unlock()
			}

			recordAppend("ok", a.now().Sub(start).Seconds())
			a.logger.Debug("block appended",
				zap.Uint64("idx", ref.Index),
				zap.String("actor", actor),
				zap.String("hash", ref.Hash.String()),
			)
			return ref, nil
		}

		if errors.Is(err, errTipStale) && attempt < maxTipResyncs {
			a.dropPending(token)
			if rerr := a.resyncTip(ctx); rerr == nil {
				continue
			}
		}

		// Keep the candidate so a retry with the same token re-attempts
		// the identical block instead of building a diverging one. A
		// stale candidate must not survive: its index belongs to
		// another block.
		if token != "" && !errors.Is(err, errTipStale) {
			a.idemMu.Lock()
			a.pending[token] = candidate
			a.idemMu.Unlock()
		}
		recordAppend("sink", 0)
		return block.Ref{}, err
	}
}

// replay checks the idempotency registry for a completed append.
func (a *Appender) replay(token string, payloadSum [32]byte) (block.Ref, bool, error) {
	if token == "" {
		return block.Ref{}, false, nil
	}
	a.idemMu.Lock()
	defer a.idemMu.Unlock()
	res, ok := a.done[token]
	if !ok {
		return block.Ref{}, false, nil
	}
	if res.payloadHash != payloadSum {
		return block.Ref{}, false, ErrTokenReuse
	}
	return res.ref, true, nil
}

// candidate returns the block to persist: a pending candidate from an
// earlier ambiguous failure with the same token, or a fresh one built
// against the current tip.
func (a *Appender) candidate(token, actor string, payload []byte) (*block.Block, error) {
	if token != "" {
		a.idemMu.Lock()
		p, ok := a.pending[token]
		a.idemMu.Unlock()
		if ok {
			return p, nil
		}
	}

	t := a.tip.Load()
	index := uint64(0)
	prev := block.ZeroHash
	prevTs := int64(0)
	if !t.empty {
		index = t.index + 1
		prev = t.hash
		prevTs = t.timestamp
	}

	ts := a.now().UnixNano()
	if ts < prevTs {
		if a.cfg.Clock == ClockReject {
			return nil, fmt.Errorf("%w: %d < %d", ErrClockRegression, ts, prevTs)
		}
		ts = prevTs
	}

	return block.New(index, ts, actor, payload, prev), nil
}

// errTipStale reports a persist that lost its index to a different
// block: the candidate was built against a tip the sink has moved past,
// and the candidate's own write never landed.
var errTipStale = errors.New("candidate index occupied by a different block")

// maxTipResyncs bounds how often one Append rebuilds its candidate
// after losing an index. One re-sync resolves any single stale tip; the
// bound guards against a sink that keeps answering inconsistently.
const maxTipResyncs = 2

// persist writes the block under the configured deadline. A duplicate
// index answer is disambiguated by content: if the stored block matches
// the candidate, an earlier ambiguous write actually succeeded and the
// persist counts as done. A mismatch means the tip is stale.
func (a *Appender) persist(ctx context.Context, b *block.Block) error {
	pctx, cancel := context.WithTimeout(ctx, a.cfg.PutTimeout)
	defer cancel()

	err := a.store.Put(pctx, b)
	if err == nil {
		return nil
	}
	if errors.Is(err, sink.ErrIndexExists) {
		stored, getErr := a.store.Get(ctx, b.Index)
		if getErr == nil && stored.ContentHash == b.ContentHash {
			return nil
		}
		return fmt.Errorf("persist block %d: %w", b.Index, errTipStale)
	}
	return fmt.Errorf("persist block %d: %w", b.Index, err)
}

func (a *Appender) dropPending(token string) {
	if token == "" {
		return
	}
	a.idemMu.Lock()
	delete(a.pending, token)
	a.idemMu.Unlock()
}

// resyncTip reloads the tip from the sink. Caller must hold the slot.
func (a *Appender) resyncTip(ctx context.Context) error {
	n, err := a.store.Len(ctx)
	if err != nil {
		return fmt.Errorf("re-sync chain length: %w", err)
	}
	if n == 0 {
		a.tip.Store(&tipState{empty: true})
		return nil
	}
	last, err := a.store.Get(ctx, n-1)
	if err != nil {
		return fmt.Errorf("re-sync chain tip: %w", err)
	}
	a.tip.Store(&tipState{
		index:     last.Index,
		hash:      last.ContentHash,
		timestamp: last.Timestamp,
	})
	balChainLength.Set(float64(n))
	return nil
}

// advance publishes the block to readers. Persistence happens first, so
// no reader ever observes a tip without its durable block.
func (a *Appender) advance(b *block.Block) {
	a.tip.Store(&tipState{
		index:     b.Index,
		hash:      b.ContentHash,
		timestamp: b.Timestamp,
	})
	balChainLength.Set(float64(b.Index + 1))
}

func (a *Appender) acquire(ctx context.Context) error {
	timer := time.NewTimer(a.cfg.LockWait)
	defer timer.Stop()
	select {
	case a.slot <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrAppendBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Appender) release() {
	<-a.slot
}
