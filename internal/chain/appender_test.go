package chain_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hido-network/bal/internal/block"
	"github.com/hido-network/bal/internal/chain"
	"github.com/hido-network/bal/internal/keys"
	"github.com/hido-network/bal/internal/sink"
)

var ctx = context.Background()

// testActor bundles an identity with its signing key.
type testActor struct {
	id   string
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newActor(t *testing.T, id string, resolver *keys.StaticResolver) *testActor {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	resolver.Register(id, pub)
	return &testActor{id: id, pub: pub, priv: priv}
}

func (a *testActor) signer() chain.Signer {
	return func(h block.Hash) ([]byte, error) {
		return ed25519.Sign(a.priv, h[:]), nil
	}
}

// harness wires an appender over a memory sink with one registered actor.
type harness struct {
	store    *sink.MemorySink
	resolver *keys.StaticResolver
	appender *chain.Appender
	actor    *testActor
}

func newHarness(t *testing.T, cfg chain.Config) *harness {
	t.Helper()
	store := sink.NewMemorySink()
	resolver := keys.NewStaticResolver()
	actor := newActor(t, "did:hido:abc", resolver)

	a, err := chain.NewAppender(ctx, store, resolver, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.EnsureGenesis(ctx); err != nil {
		t.Fatal(err)
	}
	return &harness{store: store, resolver: resolver, appender: a, actor: actor}
}

func TestEnsureGenesis(t *testing.T) {
	h := newHarness(t, chain.Config{})

	st := h.appender.State()
	if st.Length != 1 {
		t.Fatalf("length after genesis: got %d, want 1", st.Length)
	}

	g, err := h.store.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !g.PrevHash.IsZero() {
		t.Errorf("genesis prev_hash: got %s, want zero sentinel", g.PrevHash)
	}

	// Idempotent: a second call returns the same reference.
	ref, err := h.appender.EnsureGenesis(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ref.Index != 0 || ref.Hash != g.ContentHash {
		t.Error("second EnsureGenesis returned a different reference")
	}
	if h.appender.State().Length != 1 {
		t.Error("second EnsureGenesis grew the chain")
	}
}

func TestAppend_linksToTip(t *testing.T) {
	h := newHarness(t, chain.Config{})

	ref, err := h.appender.Append(ctx, h.actor.id, []byte("analyze_data/finance"), h.actor.signer(), "")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Index != 1 {
		t.Errorf("ref index: got %d, want 1", ref.Index)
	}

	g, _ := h.store.Get(ctx, 0)
	b, err := h.store.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if b.PrevHash != g.ContentHash {
		t.Errorf("prev_hash: got %s, want genesis hash %s", b.PrevHash, g.ContentHash)
	}
	if !b.VerifySignature(h.actor.pub) {
		t.Error("persisted block signature does not verify")
	}

	st := h.appender.State()
	if st.Length != 2 || st.Tip.Index != 1 || st.Tip.Hash != b.ContentHash {
		t.Errorf("state: got %+v", st)
	}
}

func TestAppend_unknownActor(t *testing.T) {
	h := newHarness(t, chain.Config{})

	_, err := h.appender.Append(ctx, "did:hido:stranger", []byte("x"), h.actor.signer(), "")
	if !errors.Is(err, keys.ErrUnknownActor) {
		t.Errorf("expected ErrUnknownActor, got %v", err)
	}
	if h.appender.State().Length != 1 {
		t.Error("failed append advanced the tip")
	}
}

func TestAppend_revokedActor(t *testing.T) {
	h := newHarness(t, chain.Config{})
	h.resolver.Revoke(h.actor.id)

	_, err := h.appender.Append(ctx, h.actor.id, []byte("x"), h.actor.signer(), "")
	if !errors.Is(err, keys.ErrRevokedActor) {
		t.Errorf("expected ErrRevokedActor, got %v", err)
	}
}

func TestAppend_badSignature(t *testing.T) {
	h := newHarness(t, chain.Config{})
	wrongKey := newActor(t, "did:hido:other", h.resolver)

	_, err := h.appender.Append(ctx, h.actor.id, []byte("x"), wrongKey.signer(), "")
	if !errors.Is(err, chain.ErrSignatureInvalid) {
		t.Errorf("expected ErrSignatureInvalid, got %v", err)
	}
	if h.appender.State().Length != 1 {
		t.Error("rejected append advanced the tip")
	}
}

func TestAppend_oversizePayload(t *testing.T) {
	h := newHarness(t, chain.Config{MaxPayload: 8})

	_, err := h.appender.Append(ctx, h.actor.id, []byte("123456789"), h.actor.signer(), "")
	if !errors.Is(err, chain.ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestAppend_idempotentReplay(t *testing.T) {
	h := newHarness(t, chain.Config{})

	ref1, err := h.appender.Append(ctx, h.actor.id, []byte("pay"), h.actor.signer(), "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	ref2, err := h.appender.Append(ctx, h.actor.id, []byte("pay"), h.actor.signer(), "tok-1")
	if err != nil {
		t.Fatal(err)
	}

	if ref1 != ref2 {
		t.Errorf("replay refs differ: %+v vs %+v", ref1, ref2)
	}
	if st := h.appender.State(); st.Length != 2 {
		t.Errorf("chain length: got %d, want 2 (one block)", st.Length)
	}
}

func TestAppend_tokenReuseDifferentPayload(t *testing.T) {
	h := newHarness(t, chain.Config{})

	if _, err := h.appender.Append(ctx, h.actor.id, []byte("pay"), h.actor.signer(), "tok-1"); err != nil {
		t.Fatal(err)
	}
	_, err := h.appender.Append(ctx, h.actor.id, []byte("other"), h.actor.signer(), "tok-1")
	if !errors.Is(err, chain.ErrTokenReuse) {
		t.Errorf("expected ErrTokenReuse, got %v", err)
	}
}

// flakySink fails the first put at each index, then behaves.
type flakySink struct {
	*sink.MemorySink
	mu     sync.Mutex
	failed map[uint64]bool
}

func (f *flakySink) Put(ctx context.Context, b *block.Block) error {
	f.mu.Lock()
	first := !f.failed[b.Index]
	f.failed[b.Index] = true
	f.mu.Unlock()
	if first {
		return fmt.Errorf("simulated outage at %d", b.Index)
	}
	return f.MemorySink.Put(ctx, b)
}

func TestAppend_retryAfterSinkFailure(t *testing.T) {
	store := &flakySink{MemorySink: sink.NewMemorySink(), failed: map[uint64]bool{0: true}}
	resolver := keys.NewStaticResolver()
	actor := newActor(t, "did:hido:abc", resolver)

	a, err := chain.NewAppender(ctx, store, resolver, chain.Config{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.EnsureGenesis(ctx); err != nil {
		t.Fatal(err)
	}

	// First attempt fails at the sink; tip must not move.
	_, err = a.Append(ctx, actor.id, []byte("pay"), actor.signer(), "tok-9")
	if err == nil {
		t.Fatal("expected sink failure")
	}
	if a.State().Length != 1 {
		t.Fatal("failed append advanced the tip")
	}

	// Retry with the same token persists the identical candidate.
	ref, err := a.Append(ctx, actor.id, []byte("pay"), actor.signer(), "tok-9")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if ref.Index != 1 {
		t.Errorf("retry index: got %d, want 1", ref.Index)
	}
	if a.State().Length != 2 {
		t.Errorf("chain length after retry: got %d, want 2", a.State().Length)
	}
}

func TestAppend_retryAfterInterleavedAppend(t *testing.T) {
	// Only the first write at index 1 fails.
	store := &flakySink{MemorySink: sink.NewMemorySink(), failed: map[uint64]bool{0: true, 2: true}}
	resolver := keys.NewStaticResolver()
	actor := newActor(t, "did:hido:abc", resolver)

	a, err := chain.NewAppender(ctx, store, resolver, chain.Config{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.EnsureGenesis(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Append(ctx, actor.id, []byte("pay"), actor.signer(), "tok-A"); err == nil {
		t.Fatal("expected sink failure")
	}

	// Another caller lands a block at the index the failed append
	// targeted.
	mid, err := a.Append(ctx, actor.id, []byte("other"), actor.signer(), "")
	if err != nil {
		t.Fatal(err)
	}
	if mid.Index != 1 {
		t.Fatalf("interleaved index: got %d, want 1", mid.Index)
	}

	// The retry must rebuild against the new tip instead of fighting
	// over the occupied index forever.
	ref, err := a.Append(ctx, actor.id, []byte("pay"), actor.signer(), "tok-A")
	if err != nil {
		t.Fatalf("retry after interleaved append failed: %v", err)
	}
	if ref.Index != 2 {
		t.Errorf("retry index: got %d, want 2", ref.Index)
	}

	blocks, err := store.GetRange(ctx, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 3 {
		t.Fatalf("chain length: got %d, want 3", len(blocks))
	}
	if blocks[2].PrevHash != blocks[1].ContentHash {
		t.Error("retried block does not link to the interleaved block")
	}
}

// ackLostSink persists the block but reports failure, like a backend
// that commits and then drops the connection.
type ackLostSink struct {
	*sink.MemorySink
	loseNext bool
}

func (s *ackLostSink) Put(ctx context.Context, b *block.Block) error {
	err := s.MemorySink.Put(ctx, b)
	if err == nil && s.loseNext {
		s.loseNext = false
		return errors.New("connection reset after commit")
	}
	return err
}

func TestAppend_recoversFromLostAck(t *testing.T) {
	store := &ackLostSink{MemorySink: sink.NewMemorySink()}
	resolver := keys.NewStaticResolver()
	actor := newActor(t, "did:hido:abc", resolver)

	a, err := chain.NewAppender(ctx, store, resolver, chain.Config{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.EnsureGenesis(ctx); err != nil {
		t.Fatal(err)
	}

	store.loseNext = true
	if _, err := a.Append(ctx, actor.id, []byte("pay"), actor.signer(), ""); err == nil {
		t.Fatal("expected lost ack to surface")
	}
	if a.State().Length != 1 {
		t.Fatal("tip moved on reported failure")
	}

	// The sink holds the block; the next append must adopt it and
	// continue instead of wedging on the occupied index.
	ref, err := a.Append(ctx, actor.id, []byte("more"), actor.signer(), "")
	if err != nil {
		t.Fatalf("append after lost ack: %v", err)
	}
	if ref.Index != 2 {
		t.Errorf("post-recovery index: got %d, want 2", ref.Index)
	}
	if a.State().Length != 3 {
		t.Errorf("chain length: got %d, want 3", a.State().Length)
	}

	blocks, err := store.GetRange(ctx, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if blocks[2].PrevHash != blocks[1].ContentHash {
		t.Error("adopted block is not linked by its successor")
	}
}

func TestAppend_lostAckTokenRetryAdopts(t *testing.T) {
	store := &ackLostSink{MemorySink: sink.NewMemorySink()}
	resolver := keys.NewStaticResolver()
	actor := newActor(t, "did:hido:abc", resolver)

	a, err := chain.NewAppender(ctx, store, resolver, chain.Config{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.EnsureGenesis(ctx); err != nil {
		t.Fatal(err)
	}

	store.loseNext = true
	if _, err := a.Append(ctx, actor.id, []byte("pay"), actor.signer(), "tok-5"); err == nil {
		t.Fatal("expected lost ack to surface")
	}

	// The pending candidate matches the durable block, so the retry
	// adopts it instead of writing a duplicate.
	ref, err := a.Append(ctx, actor.id, []byte("pay"), actor.signer(), "tok-5")
	if err != nil {
		t.Fatalf("token retry after lost ack: %v", err)
	}
	if ref.Index != 1 {
		t.Errorf("adopted index: got %d, want 1", ref.Index)
	}

	n, err := store.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("sink length: got %d, want 2 (no duplicate)", n)
	}
}

func TestAppend_concurrentProducesContiguousChain(t *testing.T) {
	h := newHarness(t, chain.Config{LockWait: 10 * time.Second})

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.appender.Append(ctx, h.actor.id, []byte(fmt.Sprintf("action-%d", i)), h.actor.signer(), "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append failed: %v", err)
		}
	}

	st := h.appender.State()
	if st.Length != n+1 {
		t.Fatalf("chain length: got %d, want %d", st.Length, n+1)
	}

	// Indices are unique and contiguous; every block links to its
	// predecessor.
	blocks, err := h.store.GetRange(ctx, 0, n)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range blocks {
		if b.Index != uint64(i) {
			t.Errorf("position %d: got index %d", i, b.Index)
		}
		if i > 0 && b.PrevHash != blocks[i-1].ContentHash {
			t.Errorf("block %d does not link to predecessor", i)
		}
		if i > 0 && b.Timestamp < blocks[i-1].Timestamp {
			t.Errorf("block %d timestamp regressed", i)
		}
	}
}

func TestNewAppender_recoversTip(t *testing.T) {
	h := newHarness(t, chain.Config{})
	ref, err := h.appender.Append(ctx, h.actor.id, []byte("pay"), h.actor.signer(), "")
	if err != nil {
		t.Fatal(err)
	}

	// A second appender over the same sink sees the same tip.
	recovered, err := chain.NewAppender(ctx, h.store, h.resolver, chain.Config{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	st := recovered.State()
	if st.Length != 2 || st.Tip != ref {
		t.Errorf("recovered state: got %+v, want tip %+v", st, ref)
	}

	next, err := recovered.Append(ctx, h.actor.id, []byte("more"), h.actor.signer(), "")
	if err != nil {
		t.Fatal(err)
	}
	if next.Index != 2 {
		t.Errorf("post-recovery index: got %d, want 2", next.Index)
	}
}
