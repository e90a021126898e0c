package blockchain

import "errors"

// Error taxonomy shared by every component. Callers classify with errors.Is;
// concrete failures wrap one of these with fmt.Errorf("%w: ...").
var (
	// ErrMalformedInput is a bad encoding or shape. Rejected, never applied.
	ErrMalformedInput = errors.New("malformed input")

	// ErrKeyFormat is a private key that is not a valid secp256k1 scalar.
	ErrKeyFormat = errors.New("invalid key format")

	ErrInvalidSignature    = errors.New("invalid signature")
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrChainLinkage covers index continuity and previous-hash linkage.
	ErrChainLinkage = errors.New("chain linkage violated")

	// ErrProofOfWork is a hash that does not match the block contents or
	// does not satisfy the difficulty predicate.
	ErrProofOfWork = errors.New("proof of work invalid")

	// ErrDuplicate is an idempotent no-op, not a failure.
	ErrDuplicate = errors.New("duplicate")

	// ErrPeerUnreachable is transient; callers retry with backoff.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrPersistence is fatal for the local node once retries are exhausted.
	ErrPersistence = errors.New("persistence failure")
)

// IsRejection reports whether err permanently rejects the item it was
// raised for (as opposed to a duplicate or a transient/local failure).
func IsRejection(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDuplicate),
		errors.Is(err, ErrPeerUnreachable),
		errors.Is(err, ErrPersistence):
		return false
	}
	return true
}
