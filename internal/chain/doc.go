// Package chain implements the append side and the audit side of the
// tamper-evident action ledger.
//
// The Appender is the single writer per chain instance: concurrent
// callers are serialized first-come-first-served on an append slot, a
// block is persisted through the sink before the tip advances, and the
// tip is published atomically so readers never observe a half-appended
// block. Idempotency tokens make retries after ambiguous sink failures
// safe.
//
// The Verifier independently re-walks persisted blocks and collects
// every violation (hash mismatches, broken links, bad signatures, index
// gaps, timestamp regressions) in one pass. It reads a snapshot bound
// taken at invocation and never takes the append slot.
package chain
