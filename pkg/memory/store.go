package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Store is the memory store: the SQLite record store plus an optional
// similarity index, joined by a single write path. Rows are written inside a
// SQLite transaction, index entries are added before the commit, and index
// entries are removed again if the transaction does not commit.
type Store struct {
	sql          *SQLiteStore
	index        SimilarityIndex
	log          zerolog.Logger
	indexTimeout time.Duration
}

type StoreOption func(*Store)

// WithIndexTimeout bounds each similarity index query.
func WithIndexTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.indexTimeout = d
		}
	}
}

// NewStore joins a record store with an index. index may be nil.
func NewStore(records *SQLiteStore, index SimilarityIndex, log zerolog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		sql:          records,
		index:        index,
		log:          log,
		indexTimeout: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenStore opens the SQLite file at dbPath and, when indexEnabled, a chromem
// index persisted under indexDir (in memory when indexDir is empty).
func OpenStore(ctx context.Context, dbPath string, indexEnabled bool, indexDir string, log zerolog.Logger, opts ...StoreOption) (*Store, error) {
	records, err := OpenSQLiteStore(ctx, dbPath, log)
	if err != nil {
		return nil, err
	}
	if !indexEnabled {
		return NewStore(records, nil, log, opts...), nil
	}
	idx, err := NewChromemIndex(indexDir)
	if err != nil {
		// The index is optional; run without it rather than refuse to start.
		log.Warn().Err(err).Str("index_dir", indexDir).Msg("similarity index unavailable, continuing without it")
		return NewStore(records, nil, log, opts...), nil
	}
	return NewStore(records, idx, log, opts...), nil
}

func (s *Store) Close() error {
	return s.sql.Close()
}

// Records exposes the structured half for maintenance tasks.
func (s *Store) Records() *SQLiteStore { return s.sql }

// Index returns the similarity index, or nil when none is configured.
func (s *Store) Index() SimilarityIndex { return s.index }

func (s *Store) SimilarityAvailable() bool {
	return s.index != nil && s.index.Available()
}

// Put persists a single memory and returns its id. When the index is not
// available the embedding is dropped and the memory stays vectorless.
func (s *Store) Put(ctx context.Context, m Memory) (int64, error) {
	if err := m.validate(); err != nil {
		return 0, err
	}
	indexed := false
	err := s.sql.withWriteTx(ctx, func(tx *sql.Tx) error {
		s.prepareEmbedding(&m)
		if err := insertMemoryTx(ctx, tx, &m); err != nil {
			return err
		}
		if m.HasEmbedding() {
			if err := s.index.Add(ctx, m.SessionID, m.ID, m.Content, m.Embedding); err != nil {
				return err
			}
			indexed = true
		}
		return nil
	})
	if err != nil {
		if indexed {
			s.removeFromIndex(ctx, m.SessionID, m.ID)
		}
		return 0, fmt.Errorf("put memory: %w", err)
	}
	return m.ID, nil
}

// CommitTurn stores the outcome of one turn atomically: new memories,
// confidence raises for duplicates, and the session's turn counter moving to
// turn. Either all of it lands or none of it does.
func (s *Store) CommitTurn(ctx context.Context, sessionID string, turn int, inserts []Memory, raises []ConfidenceRaise) ([]Memory, error) {
	for i := range inserts {
		if inserts[i].SessionID != sessionID || inserts[i].TurnNumber != turn {
			return nil, fmt.Errorf("%w: memory for %s/%d in commit for %s/%d",
				ErrInvalidMemory, inserts[i].SessionID, inserts[i].TurnNumber, sessionID, turn)
		}
		if err := inserts[i].validate(); err != nil {
			return nil, err
		}
	}

	stored := make([]Memory, len(inserts))
	copy(stored, inserts)
	var indexed []int64

	err := s.sql.withWriteTx(ctx, func(tx *sql.Tx) error {
		for i := range stored {
			s.prepareEmbedding(&stored[i])
			if err := insertMemoryTx(ctx, tx, &stored[i]); err != nil {
				return err
			}
			if stored[i].HasEmbedding() {
				m := stored[i]
				if err := s.index.Add(ctx, sessionID, m.ID, m.Content, m.Embedding); err != nil {
					return err
				}
				indexed = append(indexed, m.ID)
			}
		}
		for _, r := range raises {
			if r.Confidence < 0 || r.Confidence > 1 {
				return fmt.Errorf("%w: raise to %.3f", ErrInvalidMemory, r.Confidence)
			}
			if _, err := raiseConfidenceTx(ctx, tx, r.MemoryID, r.Confidence); err != nil {
				return err
			}
		}
		return advanceTurnTx(ctx, tx, sessionID, turn)
	})
	if err != nil {
		s.removeFromIndex(ctx, sessionID, indexed...)
		return nil, fmt.Errorf("commit turn %d for %s: %w", turn, sessionID, err)
	}
	return stored, nil
}

func (s *Store) prepareEmbedding(m *Memory) {
	if !m.HasEmbedding() {
		m.EmbeddingModel = ""
		return
	}
	if !s.SimilarityAvailable() {
		m.Embedding = nil
		m.EmbeddingModel = ""
	}
}

func (s *Store) removeFromIndex(ctx context.Context, sessionID string, ids ...int64) {
	if s.index == nil || len(ids) == 0 {
		return
	}
	if err := s.index.Remove(context.WithoutCancel(ctx), sessionID, ids...); err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Ints64("memory_ids", ids).
			Msg("could not remove index entries for rolled back memories; run reindex")
	}
}

// SimilaritySearch returns up to k memories of the session nearest to vector.
// It never fails: an unavailable or failing index yields an empty result.
func (s *Store) SimilaritySearch(ctx context.Context, sessionID string, vector []float32, k int) []ScoredMemory {
	if !s.SimilarityAvailable() || len(vector) == 0 || k <= 0 {
		return []ScoredMemory{}
	}
	qctx, cancel := context.WithTimeout(ctx, s.indexTimeout)
	defer cancel()

	hits, err := s.index.Search(qctx, sessionID, vector, k)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("similarity search degraded")
		return []ScoredMemory{}
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.MemoryID
	}
	byID, err := s.sql.getMany(ctx, ids)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("similarity search could not load memories")
		return []ScoredMemory{}
	}
	out := make([]ScoredMemory, 0, len(hits))
	for _, h := range hits {
		m, ok := byID[h.MemoryID]
		if !ok || m.SessionID != sessionID {
			s.log.Debug().Int64("memory_id", h.MemoryID).Str("session_id", sessionID).Msg("skipping orphaned index entry")
			continue
		}
		out = append(out, ScoredMemory{Memory: m, Score: h.Similarity})
	}
	return out
}

func (s *Store) GetBySession(ctx context.Context, sessionID string, f Filter) ([]Memory, error) {
	return s.sql.GetBySession(ctx, sessionID, f)
}

func (s *Store) Get(ctx context.Context, id int64) (Memory, error) {
	return s.sql.Get(ctx, id)
}

func (s *Store) Touch(ctx context.Context, ids ...int64) error {
	return s.sql.Touch(ctx, ids...)
}

func (s *Store) RaiseConfidence(ctx context.Context, id int64, confidence float64) error {
	return s.sql.RaiseConfidence(ctx, id, confidence)
}

// ClearSession deletes every memory of the session and resets its turn
// counter. The records go first; the index collection follows. Once the
// records are gone the clear has happened, so an index failure only disables
// the index until a rebuild.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	if err := s.sql.clearSession(ctx, sessionID); err != nil {
		return fmt.Errorf("clear session %s: %w", sessionID, err)
	}
	if s.index != nil {
		if err := s.index.DropSession(ctx, sessionID); err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID).Msg("index drop failed after clear; disabling index until reindex")
			s.index.Disable()
		}
	}
	return nil
}

func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	return s.sql.Count(ctx, sessionID)
}

func (s *Store) AllSessions(ctx context.Context) ([]string, error) {
	return s.sql.AllSessions(ctx)
}

func (s *Store) Session(ctx context.Context, sessionID string) (Session, error) {
	return s.sql.Session(ctx, sessionID)
}

func (s *Store) TurnNumber(ctx context.Context, sessionID string) (int, error) {
	return s.sql.TurnNumber(ctx, sessionID)
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	return s.sql.Stats(ctx)
}

func (s *Store) SessionStats(ctx context.Context, sessionID string) (SessionStats, error) {
	return s.sql.SessionStats(ctx, sessionID)
}

func (s *Store) SearchText(ctx context.Context, sessionID, query string, k int) ([]Memory, error) {
	return s.sql.SearchText(ctx, sessionID, query, k)
}

// RebuildIndex discards the similarity index and repopulates it from the
// embeddings stored in SQLite. It re-enables a disabled index.
func (s *Store) RebuildIndex(ctx context.Context) (int, error) {
	if s.index == nil {
		return 0, ErrIndexUnavailable
	}
	if err := s.index.Reset(ctx); err != nil {
		return 0, err
	}
	s.index.Enable()

	n := 0
	err := s.sql.eachEmbedded(ctx, func(m Memory) error {
		if err := s.index.Add(ctx, m.SessionID, m.ID, m.Content, m.Embedding); err != nil {
			return fmt.Errorf("reindex memory %d: %w", m.ID, err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	s.log.Info().Int("memories", n).Msg("similarity index rebuilt")
	return n, nil
}

// VerifyIndex compares stored vectors with index entries per session. It
// reports drift and never repairs it.
func (s *Store) VerifyIndex(ctx context.Context) ([]IndexAudit, error) {
	if s.index == nil {
		return nil, ErrIndexUnavailable
	}
	stored, err := s.sql.embeddedCounts(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := s.sql.AllSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]IndexAudit, 0, len(sessions))
	for _, id := range sessions {
		n, err := s.index.Count(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("count index entries for %s: %w", id, err)
		}
		out = append(out, IndexAudit{SessionID: id, StoredVectors: stored[id], IndexedVectors: n})
	}
	return out, nil
}

// IsIndexFailure reports whether err came from the similarity index rather
// than from the record store.
func IsIndexFailure(err error) bool {
	return errors.Is(err, ErrIndexUnavailable)
}
