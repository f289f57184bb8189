package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

// Summary is the admin view of one session.
type Summary struct {
	SessionID  string              `json:"session_id"`
	TurnNumber int                 `json:"turn_number"`
	Phase      Phase               `json:"phase"`
	Stats      memory.SessionStats `json:"stats"`
	Critical   []memory.Memory     `json:"critical_memories"`
}

// GlobalStats aggregates every session.
type GlobalStats struct {
	memory.Stats
	SimilarityAvailable bool `json:"similarity_available"`
}

// ClearSession deletes the session's memories and resets its counter. It
// waits for an in-flight turn of the session to finish first.
func (o *Orchestrator) ClearSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	unlock, err := o.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := o.store.ClearSession(ctx, sessionID); err != nil {
		return err
	}
	o.log.Info().Str("session_id", sessionID).Msg("session cleared")
	return nil
}

func (o *Orchestrator) ListMemories(ctx context.Context, sessionID string, f memory.Filter) ([]memory.Memory, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	return o.store.GetBySession(ctx, sessionID, f)
}

func (o *Orchestrator) Stats(ctx context.Context) (GlobalStats, error) {
	st, err := o.store.Stats(ctx)
	if err != nil {
		return GlobalStats{}, err
	}
	return GlobalStats{Stats: st, SimilarityAvailable: o.store.SimilarityAvailable()}, nil
}

// SessionSummary reports the counter, memory statistics and the memories a
// responder should always see. Unknown sessions report turn 0.
func (o *Orchestrator) SessionSummary(ctx context.Context, sessionID string) (Summary, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Summary{}, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	turn, err := o.store.TurnNumber(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}
	st, err := o.store.SessionStats(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}
	critical, err := o.retriever.RetrieveCritical(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		SessionID:  sessionID,
		TurnNumber: turn,
		Phase:      o.Phase(sessionID),
		Stats:      st,
		Critical:   critical,
	}, nil
}

// Search looks up memories by meaning when a session, an embedder and the
// index are available, and by text otherwise. It does not count as access.
func (o *Orchestrator) Search(ctx context.Context, sessionID, query string, k int) ([]memory.ScoredMemory, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	if k <= 0 {
		k = 5
	}
	if sessionID != "" && o.embedder != nil && o.store.SimilarityAvailable() {
		vec, err := o.embedder.Embed(ctx, query)
		if err == nil {
			if hits := o.store.SimilaritySearch(ctx, sessionID, vec, k); len(hits) > 0 {
				return hits, nil
			}
		} else if !errors.Is(err, memory.ErrEmbeddingUnavailable) {
			o.log.Warn().Err(err).Msg("search embedding failed, falling back to text")
		}
	}
	list, err := o.store.SearchText(ctx, sessionID, query, k)
	if err != nil {
		return nil, err
	}
	out := make([]memory.ScoredMemory, len(list))
	for i, m := range list {
		out[i] = memory.ScoredMemory{Memory: m, Score: m.Confidence}
	}
	return out, nil
}

func (o *Orchestrator) RebuildIndex(ctx context.Context) (int, error) {
	return o.store.RebuildIndex(ctx)
}

func (o *Orchestrator) VerifyIndex(ctx context.Context) ([]memory.IndexAudit, error) {
	return o.store.VerifyIndex(ctx)
}

// SimilarityAvailable reports whether the similarity index is serving.
func (o *Orchestrator) SimilarityAvailable() bool {
	return o.store.SimilarityAvailable()
}

func (o *Orchestrator) Store() *memory.Store { return o.store }
