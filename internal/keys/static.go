package keys

import (
	"context"
	"crypto/ed25519"
	"sync"
)

// StaticResolver is an in-memory Resolver backed by an explicit key table.
// It is used in tests and in single-process deployments where the identity
// layer pushes key material at startup.
type StaticResolver struct {
	mu      sync.RWMutex
	keys    map[string]ed25519.PublicKey
	revoked map[string]bool
}

// NewStaticResolver creates an empty StaticResolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		keys:    make(map[string]ed25519.PublicKey),
		revoked: make(map[string]bool),
	}
}

// Register associates an actor identifier with its public key.
func (r *StaticResolver) Register(actorID string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[actorID] = pub
	delete(r.revoked, actorID)
}

// Revoke marks an actor's credential as revoked. Subsequent Resolve calls
// fail with ErrRevokedActor; the key material is retained so that
// revocation audits can still verify historical signatures.
func (r *StaticResolver) Revoke(actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[actorID]; ok {
		r.revoked[actorID] = true
	}
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, actorID string) (ed25519.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pub, ok := r.keys[actorID]
	if !ok {
		return nil, ErrUnknownActor
	}
	if r.revoked[actorID] {
		return nil, ErrRevokedActor
	}
	return pub, nil
}

// HistoricalKey returns the key registered for an actor regardless of
// revocation status. Used by the revocation audit pass, which must verify
// signatures made before the credential was revoked.
func (r *StaticResolver) HistoricalKey(actorID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[actorID]
	return pub, ok
}

// Revoked reports whether the actor's credential is currently revoked.
func (r *StaticResolver) Revoked(actorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revoked[actorID]
}
