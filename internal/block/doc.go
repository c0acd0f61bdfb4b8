// Package block defines the content-addressed action block that forms the
// unit of the audit chain.
//
// A block's ContentHash is a SHA3-256 digest over a canonical, fixed-order,
// length-prefixed encoding of its logical fields. Two constructions over
// identical inputs always produce identical bytes and identical digests;
// the hash is the block's canonical reference. Signatures are detached
// Ed25519 signatures over the content hash.
//
// The genesis block is at index 0 and links to ZeroHash (32 zero bytes).
package block
