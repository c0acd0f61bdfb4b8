package chain_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hido-network/bal/internal/block"
	"github.com/hido-network/bal/internal/chain"
	"github.com/hido-network/bal/internal/keys"
	"github.com/hido-network/bal/internal/sink"
)

// appendN appends n payloads through the harness actor and returns the refs.
func appendN(t *testing.T, h *harness, n int) []block.Ref {
	t.Helper()
	refs := make([]block.Ref, 0, n)
	for i := 0; i < n; i++ {
		ref, err := h.appender.Append(ctx, h.actor.id, []byte(fmt.Sprintf("action-%d", i)), h.actor.signer(), "")
		if err != nil {
			t.Fatal(err)
		}
		refs = append(refs, ref)
	}
	return refs
}

func (h *harness) verifier() *chain.Verifier {
	return chain.NewVerifier(h.store, h.resolver, zap.NewNop())
}

// mustGet pulls a stored block pointer for in-place tampering.
func mustGet(t *testing.T, h *harness, idx uint64) *block.Block {
	t.Helper()
	b, err := h.store.Get(ctx, idx)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func hasViolation(vs []chain.Violation, idx uint64, kind chain.ViolationKind) bool {
	for _, v := range vs {
		if v.Index == idx && v.Kind == kind {
			return true
		}
	}
	return false
}

func TestVerifyFull_cleanChain(t *testing.T) {
	h := newHarness(t, chain.Config{})
	appendN(t, h, 5)

	vs, err := h.verifier().VerifyFull(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 0 {
		t.Errorf("clean chain reported violations: %+v", vs)
	}
}

func TestVerifyFull_genesisOnly(t *testing.T) {
	h := newHarness(t, chain.Config{})

	vs, err := h.verifier().VerifyFull(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 0 {
		t.Errorf("genesis-only chain reported violations: %+v", vs)
	}
}

func TestVerifyFull_payloadTamper(t *testing.T) {
	h := newHarness(t, chain.Config{})
	appendN(t, h, 4)

	// Flip one byte in the middle of the chain.
	mustGet(t, h, 2).Payload[0] ^= 0xff

	vs, err := h.verifier().VerifyFull(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !hasViolation(vs, 2, chain.HashMismatch) {
		t.Errorf("missing HashMismatch at 2: %+v", vs)
	}
	if !hasViolation(vs, 3, chain.LinkBroken) {
		t.Errorf("missing LinkBroken at 3: %+v", vs)
	}
	if len(vs) != 2 {
		t.Errorf("want exactly 2 violations, got %+v", vs)
	}
}

func TestVerifyFull_genesisTamper(t *testing.T) {
	h := newHarness(t, chain.Config{})
	ref, err := h.appender.Append(ctx, "did:hido:abc", []byte("analyze_data/finance"), h.actor.signer(), "")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Index != 1 {
		t.Fatalf("expected append at index 1, got %d", ref.Index)
	}

	mustGet(t, h, 0).Payload = []byte("genesis/forged")

	vs, err := h.verifier().VerifyFull(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !hasViolation(vs, 0, chain.HashMismatch) {
		t.Errorf("missing HashMismatch at 0: %+v", vs)
	}
	if !hasViolation(vs, 1, chain.LinkBroken) {
		t.Errorf("missing LinkBroken at 1: %+v", vs)
	}
}

func TestVerifyFull_corruptSignature(t *testing.T) {
	h := newHarness(t, chain.Config{})
	appendN(t, h, 3)

	b := mustGet(t, h, 2)
	b.Signature[0] ^= 0xff

	vs, err := h.verifier().VerifyFull(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 1 || !hasViolation(vs, 2, chain.SignatureInvalid) {
		t.Errorf("want only SignatureInvalid at 2, got %+v", vs)
	}
}

func TestVerifyFull_unknownSigner(t *testing.T) {
	h := newHarness(t, chain.Config{})
	appendN(t, h, 2)

	// Verify against a resolver that has never seen the actor.
	v := chain.NewVerifier(h.store, keys.NewStaticResolver(), zap.NewNop())
	vs, err := v.VerifyFull(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !hasViolation(vs, 1, chain.SignatureInvalid) || !hasViolation(vs, 2, chain.SignatureInvalid) {
		t.Errorf("missing SignatureInvalid for unknown signer: %+v", vs)
	}
}

func TestVerifyFull_revokedSignerUsesHistoricalKey(t *testing.T) {
	h := newHarness(t, chain.Config{})
	appendN(t, h, 3)

	h.resolver.Revoke(h.actor.id)

	// Pre-revocation signatures must still verify through the retained key.
	vs, err := h.verifier().VerifyFull(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 0 {
		t.Errorf("revocation broke historical signature checks: %+v", vs)
	}
}

func TestVerifyIncremental_trustedAnchor(t *testing.T) {
	h := newHarness(t, chain.Config{})
	refs := appendN(t, h, 6)

	anchor := refs[2] // verified out of band up to index 3

	vs, err := h.verifier().VerifyIncremental(ctx, anchor.Index+1, anchor.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 0 {
		t.Errorf("clean suffix reported violations: %+v", vs)
	}

	// Tamper past the anchor and the incremental pass must see it.
	mustGet(t, h, 5).Actor = "did:hido:mallory"
	vs, err = h.verifier().VerifyIncremental(ctx, anchor.Index+1, anchor.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if !hasViolation(vs, 5, chain.HashMismatch) {
		t.Errorf("incremental pass missed suffix tamper: %+v", vs)
	}
}

func TestVerifyIncremental_wrongAnchor(t *testing.T) {
	h := newHarness(t, chain.Config{})
	appendN(t, h, 3)

	var bogus block.Hash
	bogus[0] = 0x01
	vs, err := h.verifier().VerifyIncremental(ctx, 2, bogus)
	if err != nil {
		t.Fatal(err)
	}
	if !hasViolation(vs, 2, chain.LinkBroken) {
		t.Errorf("mismatched anchor not reported: %+v", vs)
	}
}

func TestVerifyIncremental_beyondTip(t *testing.T) {
	h := newHarness(t, chain.Config{})
	appendN(t, h, 2)

	if _, err := h.verifier().VerifyIncremental(ctx, 99, block.ZeroHash); err == nil {
		t.Error("expected error for from index beyond tip")
	}
}

func TestVerifyRange(t *testing.T) {
	h := newHarness(t, chain.Config{})
	appendN(t, h, 5)

	vs, err := h.verifier().VerifyRange(ctx, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 0 {
		t.Errorf("clean range reported violations: %+v", vs)
	}

	// An upper bound past the tip clamps to the tip.
	if _, err := h.verifier().VerifyRange(ctx, 0, 1000); err != nil {
		t.Errorf("clamped range failed: %v", err)
	}

	if _, err := h.verifier().VerifyRange(ctx, 4, 2); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestVerifyRange_emptyChain(t *testing.T) {
	v := chain.NewVerifier(&craftedSink{}, nil, zap.NewNop())
	if _, err := v.VerifyRange(ctx, 0, 0); !errors.Is(err, chain.ErrEmptyChain) {
		t.Errorf("expected ErrEmptyChain, got %v", err)
	}
}

// craftedSink serves hand-built blocks without the contiguity checks a
// real sink enforces, so walks can be exercised against malformed data.
type craftedSink struct {
	blocks []*block.Block
}

func (s *craftedSink) Put(_ context.Context, b *block.Block) error {
	s.blocks = append(s.blocks, b)
	return nil
}

func (s *craftedSink) Get(_ context.Context, idx uint64) (*block.Block, error) {
	for _, b := range s.blocks {
		if b.Index == idx {
			return b, nil
		}
	}
	return nil, sink.ErrNotFound
}

func (s *craftedSink) GetRange(_ context.Context, from, to uint64) ([]*block.Block, error) {
	var out []*block.Block
	for _, b := range s.blocks {
		if b.Index >= from && b.Index <= to {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *craftedSink) Len(_ context.Context) (uint64, error) {
	return uint64(len(s.blocks)), nil
}

func TestVerifyFull_indexGap(t *testing.T) {
	store := &craftedSink{}
	g := block.Genesis(time.Now())
	b2 := block.New(2, g.Timestamp+1, "did:hido:abc", []byte("skipped one"), g.ContentHash)
	store.blocks = []*block.Block{g, b2}

	v := chain.NewVerifier(store, nil, zap.NewNop())
	vs, err := v.VerifyFull(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !hasViolation(vs, 2, chain.IndexGap) {
		t.Errorf("missing IndexGap at 2: %+v", vs)
	}
}

func TestVerifyFull_timestampRegression(t *testing.T) {
	store := &craftedSink{}
	g := block.Genesis(time.Unix(1000, 0))
	b1 := block.New(1, g.Timestamp-5, "did:hido:abc", []byte("back in time"), g.ContentHash)
	store.blocks = []*block.Block{g, b1}

	v := chain.NewVerifier(store, nil, zap.NewNop())
	vs, err := v.VerifyFull(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !hasViolation(vs, 1, chain.TimestampRegression) {
		t.Errorf("missing TimestampRegression at 1: %+v", vs)
	}
}

func TestAuditRevocations(t *testing.T) {
	h := newHarness(t, chain.Config{})
	other := newActor(t, "did:hido:def", h.resolver)
	if _, err := h.appender.Append(ctx, h.actor.id, []byte("a"), h.actor.signer(), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.appender.Append(ctx, other.id, []byte("b"), other.signer(), ""); err != nil {
		t.Fatal(err)
	}

	h.resolver.Revoke(other.id)

	flagged, err := h.verifier().AuditRevocations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(flagged) != 1 || !hasViolation(flagged, 2, chain.SignerRevoked) {
		t.Errorf("want SignerRevoked at 2 only, got %+v", flagged)
	}

	// The audit flags, it never invalidates the chain.
	vs, err := h.verifier().VerifyFull(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 0 {
		t.Errorf("revocation audit must not affect verification: %+v", vs)
	}
}
