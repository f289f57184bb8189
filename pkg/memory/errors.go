package memory

import "errors"

var (
	// ErrNotFound is returned when a memory or session does not exist.
	ErrNotFound = errors.New("memory: not found")

	// ErrInvalidMemory wraps validation failures for records handed to the store.
	ErrInvalidMemory = errors.New("memory: invalid record")

	// ErrInvalidWeights is returned for retrieval weights that are negative or
	// do not sum to 1.
	ErrInvalidWeights = errors.New("memory: retrieval weights must be non-negative and sum to 1")

	// ErrIndexUnavailable marks a similarity index failure. Callers degrade
	// instead of failing the turn.
	ErrIndexUnavailable = errors.New("memory: similarity index unavailable")

	// ErrEmbeddingUnavailable marks an embedder that timed out, errored, or is
	// not configured.
	ErrEmbeddingUnavailable = errors.New("memory: embedding unavailable")
)
