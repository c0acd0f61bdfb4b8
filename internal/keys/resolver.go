// Package keys is the boundary to the external identity layer. The ledger
// never generates or stores private key material; it only resolves an
// actor identifier to the Ed25519 public key that signatures are checked
// against at append time.
package keys

import (
	"context"
	"crypto/ed25519"
	"errors"
)

var (
	// ErrUnknownActor indicates the identity layer has no key for the actor.
	ErrUnknownActor = errors.New("actor unknown to identity layer")

	// ErrRevokedActor indicates the actor's credential has been revoked.
	// Revocation is checked at write time only; blocks signed before
	// revocation remain valid chain members.
	ErrRevokedActor = errors.New("actor credential revoked")
)

// Resolver resolves an actor identifier to its current public key.
type Resolver interface {
	Resolve(ctx context.Context, actorID string) (ed25519.PublicKey, error)
}
