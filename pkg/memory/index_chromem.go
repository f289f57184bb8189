package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/philippgille/chromem-go"
)

const collectionPrefix = "session:"

// ChromemIndex keeps one chromem collection per session. Documents are keyed
// by memory id and carry the memory's precomputed embedding.
type ChromemIndex struct {
	db        *chromem.DB
	available atomic.Bool
}

// NewChromemIndex opens a persistent index under dir, or an in-memory one when
// dir is empty.
func NewChromemIndex(dir string) (*ChromemIndex, error) {
	var (
		db  *chromem.DB
		err error
	)
	if dir == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("open similarity index at %s: %w", dir, err)
		}
	}
	idx := &ChromemIndex{db: db}
	idx.available.Store(true)
	return idx, nil
}

func (x *ChromemIndex) Available() bool { return x.available.Load() }
func (x *ChromemIndex) Disable()        { x.available.Store(false) }
func (x *ChromemIndex) Enable()         { x.available.Store(true) }

func (x *ChromemIndex) Add(ctx context.Context, sessionID string, memoryID int64, content string, vector []float32) error {
	if !x.Available() {
		return ErrIndexUnavailable
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector for memory %d", ErrIndexUnavailable, memoryID)
	}
	col, err := x.db.GetOrCreateCollection(collectionPrefix+sessionID, nil, nil)
	if err != nil {
		return fmt.Errorf("%w: collection for %q: %v", ErrIndexUnavailable, sessionID, err)
	}
	doc := chromem.Document{
		ID:        strconv.FormatInt(memoryID, 10),
		Content:   content,
		Embedding: append([]float32(nil), vector...),
		Metadata:  map[string]string{"session_id": sessionID},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("%w: add memory %d: %v", ErrIndexUnavailable, memoryID, err)
	}
	return nil
}

func (x *ChromemIndex) Remove(ctx context.Context, sessionID string, memoryIDs ...int64) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	col := x.db.GetCollection(collectionPrefix+sessionID, nil)
	if col == nil {
		return nil
	}
	ids := make([]string, len(memoryIDs))
	for i, id := range memoryIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("remove from similarity index: %w", err)
	}
	return nil
}

func (x *ChromemIndex) Search(ctx context.Context, sessionID string, vector []float32, k int) ([]IndexHit, error) {
	if !x.Available() {
		return nil, ErrIndexUnavailable
	}
	col := x.db.GetCollection(collectionPrefix+sessionID, nil)
	if col == nil || k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	// chromem rejects nResults larger than the collection.
	n := min(k, col.Count())
	if n == 0 {
		return nil, nil
	}
	res, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrIndexUnavailable, err)
	}
	hits := make([]IndexHit, 0, len(res))
	for _, r := range res {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		hits = append(hits, IndexHit{MemoryID: id, Similarity: float64(r.Similarity)})
	}
	return hits, nil
}

func (x *ChromemIndex) Count(_ context.Context, sessionID string) (int, error) {
	col := x.db.GetCollection(collectionPrefix+sessionID, nil)
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

func (x *ChromemIndex) DropSession(_ context.Context, sessionID string) error {
	if x.db.GetCollection(collectionPrefix+sessionID, nil) == nil {
		return nil
	}
	if err := x.db.DeleteCollection(collectionPrefix + sessionID); err != nil {
		return fmt.Errorf("drop similarity collection: %w", err)
	}
	return nil
}

func (x *ChromemIndex) Reset(_ context.Context) error {
	if err := x.db.Reset(); err != nil {
		return fmt.Errorf("reset similarity index: %w", err)
	}
	return nil
}
