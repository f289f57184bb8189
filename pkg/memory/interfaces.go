package memory

import "context"

// Embedder turns text into a fixed-length vector. Implementations must be
// safe for concurrent use.
type Embedder interface {
	ModelID() string
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// IndexHit is a single similarity index match.
type IndexHit struct {
	MemoryID   int64
	Similarity float64
}

// SimilarityIndex is the approximate nearest neighbour side of the store. It
// is derived data: everything in it can be rebuilt from stored embeddings.
type SimilarityIndex interface {
	Available() bool
	Disable()
	Enable()
	Add(ctx context.Context, sessionID string, memoryID int64, content string, vector []float32) error
	Remove(ctx context.Context, sessionID string, memoryIDs ...int64) error
	Search(ctx context.Context, sessionID string, vector []float32, k int) ([]IndexHit, error)
	Count(ctx context.Context, sessionID string) (int, error)
	DropSession(ctx context.Context, sessionID string) error
	Reset(ctx context.Context) error
}

// Reader is the read-only view of the memory store used by the extractor and
// retriever.
type Reader interface {
	GetBySession(ctx context.Context, sessionID string, f Filter) ([]Memory, error)
	Count(ctx context.Context, sessionID string) (int, error)
	SimilaritySearch(ctx context.Context, sessionID string, vector []float32, k int) []ScoredMemory
	SimilarityAvailable() bool
}

// Toucher records that memories were surfaced to a caller.
type Toucher interface {
	Touch(ctx context.Context, ids ...int64) error
}
