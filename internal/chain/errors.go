package chain

import "errors"

// Validation errors are raised before any persistence; the caller can
// correct the request and retry safely.
var (
	// ErrInvalidPayload indicates the payload exceeds the configured
	// maximum size.
	ErrInvalidPayload = errors.New("payload exceeds maximum size")

	// ErrClockRegression indicates the computed timestamp would precede
	// the previous block's timestamp and the clock policy is Reject.
	ErrClockRegression = errors.New("clock regressed below previous block timestamp")

	// ErrSignatureInvalid indicates the supplied signature does not
	// verify over the candidate content hash under the actor's key.
	ErrSignatureInvalid = errors.New("signature invalid for candidate block")

	// ErrTokenReuse indicates an idempotency token was replayed with a
	// different payload than the append it originally identified.
	ErrTokenReuse = errors.New("idempotency token reused with different request")
)

// Concurrency and backend errors are retryable; the tip is guaranteed
// not to have advanced.
var (
	// ErrAppendBusy indicates the append slot could not be acquired
	// within the configured wait.
	ErrAppendBusy = errors.New("timed out waiting for append slot")

	// ErrEmptyChain indicates an operation that requires at least a
	// genesis block ran against an empty chain.
	ErrEmptyChain = errors.New("chain is empty")
)
