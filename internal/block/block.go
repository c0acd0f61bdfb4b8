package block

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

// HashSize is the size in bytes of a content hash digest.
const HashSize = 32

// Hash is a SHA3-256 digest identifying a block by its contents.
type Hash [HashSize]byte

// ZeroHash is the sentinel previous-hash of the genesis block.
var ZeroHash Hash

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is the all-zero sentinel.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// ParseHash decodes a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("decode hash: got %d bytes, want %d", len(raw), HashSize)
	}
	copy(h[:], raw)
	return h, nil
}

// MarshalJSON encodes the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a hex string into the hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Block is a single immutable record in the audit chain.
type Block struct {
	Index       uint64 `json:"index"`
	Timestamp   int64  `json:"timestamp"` // unix nanoseconds, monotone per chain
	Actor       string `json:"actor"`     // opaque agent identifier (did:hido:...)
	Payload     []byte `json:"payload"`
	PrevHash    Hash   `json:"prev_hash"`
	ContentHash Hash   `json:"content_hash"`
	Signature   []byte `json:"signature,omitempty"` // Ed25519 over ContentHash
}

// Ref identifies a persisted block by index and content hash.
type Ref struct {
	Index uint64 `json:"index"`
	Hash  Hash   `json:"hash"`
}

// New constructs a block and computes its content hash.
func New(index uint64, timestamp int64, actor string, payload []byte, prev Hash) *Block {
	b := &Block{
		Index:     index,
		Timestamp: timestamp,
		Actor:     actor,
		Payload:   payload,
		PrevHash:  prev,
	}
	b.ContentHash = b.computeHash()
	return b
}

// Genesis constructs the system genesis block at index 0. The previous
// hash is the zero sentinel and the payload names the initialization
// action; no signature is attached (the chain itself is the authority).
func Genesis(now time.Time) *Block {
	return New(0, now.UnixNano(), "system", []byte("genesis/chain"), ZeroHash)
}

// IsGenesis reports whether the block occupies the genesis position.
func (b *Block) IsGenesis() bool {
	return b.Index == 0 && b.PrevHash.IsZero()
}

// Preimage returns the canonical byte encoding the content hash is
// computed over: fixed-width big-endian integers, length-prefixed
// variable fields, previous hash last.
//
//	be64(index) || be64(timestamp) || be32(len(actor)) || actor ||
//	be32(len(payload)) || payload || prev_hash
func (b *Block) Preimage() []byte {
	buf := make([]byte, 0, 8+8+4+len(b.Actor)+4+len(b.Payload)+HashSize)
	buf = binary.BigEndian.AppendUint64(buf, b.Index)
	buf = binary.BigEndian.AppendUint64(buf, uint64(b.Timestamp))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Actor)))
	buf = append(buf, b.Actor...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Payload)))
	buf = append(buf, b.Payload...)
	buf = append(buf, b.PrevHash[:]...)
	return buf
}

func (b *Block) computeHash() Hash {
	return sha3.Sum256(b.Preimage())
}

// Tampered reports whether the stored content hash no longer matches the
// block's fields.
func (b *Block) Tampered() bool {
	return b.computeHash() != b.ContentHash
}

// Sign attaches a detached Ed25519 signature over the content hash.
func (b *Block) Sign(priv ed25519.PrivateKey) {
	b.Signature = ed25519.Sign(priv, b.ContentHash[:])
}

// VerifySignature checks the detached signature against pub.
func (b *Block) VerifySignature(pub ed25519.PublicKey) bool {
	if len(b.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, b.ContentHash[:], b.Signature)
}

// Ref returns the block's persistent reference.
func (b *Block) Ref() Ref {
	return Ref{Index: b.Index, Hash: b.ContentHash}
}
