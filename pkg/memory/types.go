package memory

import (
	"fmt"
	"strings"
	"time"
)

// MemoryType is the closed set of fact categories a memory can belong to.
type MemoryType string

const (
	TypePreference  MemoryType = "preference"
	TypeConstraint  MemoryType = "constraint"
	TypeCommitment  MemoryType = "commitment"
	TypeFact        MemoryType = "fact"
	TypeInstruction MemoryType = "instruction"
	TypeEntity      MemoryType = "entity"
)

// AllTypes lists every memory type in a stable order.
var AllTypes = []MemoryType{
	TypePreference,
	TypeConstraint,
	TypeCommitment,
	TypeFact,
	TypeInstruction,
	TypeEntity,
}

func (t MemoryType) Valid() bool {
	switch t {
	case TypePreference, TypeConstraint, TypeCommitment, TypeFact, TypeInstruction, TypeEntity:
		return true
	}
	return false
}

// ParseType accepts a memory type name case-insensitively.
func ParseType(s string) (MemoryType, error) {
	t := MemoryType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown memory type %q", ErrInvalidMemory, s)
	}
	return t, nil
}

// Memory is a single retained fact. ID, SessionID, TurnNumber, Type, Content
// and CreatedAt never change after creation.
type Memory struct {
	ID             int64      `json:"id"`
	SessionID      string     `json:"session_id"`
	TurnNumber     int        `json:"turn_number"`
	Type           MemoryType `json:"type"`
	Content        string     `json:"content"`
	Confidence     float64    `json:"confidence"`
	Embedding      []float32  `json:"-"`
	EmbeddingModel string     `json:"embedding_model,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	AccessCount    int        `json:"access_count"`
}

// HasEmbedding reports whether the memory carries a vector.
func (m Memory) HasEmbedding() bool {
	return len(m.Embedding) > 0
}

func (m Memory) validate() error {
	if strings.TrimSpace(m.SessionID) == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidMemory)
	}
	if m.TurnNumber < 1 {
		return fmt.Errorf("%w: turn number must be positive, got %d", ErrInvalidMemory, m.TurnNumber)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown memory type %q", ErrInvalidMemory, m.Type)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidMemory)
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrInvalidMemory, m.Confidence)
	}
	return nil
}

// ScoredMemory pairs a memory with the score it earned in a search or
// retrieval.
type ScoredMemory struct {
	Memory
	Score   float64  `json:"score"`
	Signals *Signals `json:"signals,omitempty"`
}

// Signals is the per-signal breakdown behind a retrieval score. Each value is
// in [0,1] before weighting.
type Signals struct {
	Recency    float64 `json:"recency"`
	Confidence float64 `json:"confidence"`
	Access     float64 `json:"access"`
	Similarity float64 `json:"similarity"`
}

// Candidate is an extracted, not yet persisted memory.
type Candidate struct {
	Type       MemoryType `json:"type"`
	Content    string     `json:"content"`
	Confidence float64    `json:"confidence"`
	TurnNumber int        `json:"turn_number,omitempty"`
}

// Session is a conversation's turn counter. Its memories are fetched through
// the store.
type Session struct {
	ID         string    `json:"session_id"`
	TurnNumber int       `json:"turn_number"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Filter narrows GetBySession. Zero values mean no constraint.
type Filter struct {
	Types         []MemoryType
	MinConfidence float64
	MinTurn       int
	MaxTurn       int
	Limit         int
}

// ConfidenceRaise records a duplicate that lifts an existing memory's
// confidence.
type ConfidenceRaise struct {
	MemoryID   int64
	Confidence float64
}

// Stats is the global aggregate over all sessions.
type Stats struct {
	TotalMemories       int                    `json:"total_memories"`
	Sessions            int                    `json:"sessions"`
	AvgConfidenceByType map[MemoryType]float64 `json:"avg_confidence_by_type"`
	CountByType         map[MemoryType]int     `json:"count_by_type"`
	AvgConfidence       float64                `json:"avg_confidence"`
	EarliestTurn        int                    `json:"earliest_turn"`
	LatestTurn          int                    `json:"latest_turn"`
}

// SessionStats summarizes one session's memories and how often they were used.
type SessionStats struct {
	SessionID        string             `json:"session_id"`
	TotalMemories    int                `json:"total_memories"`
	TotalAccesses    int                `json:"total_accesses"`
	AvgConfidence    float64            `json:"avg_confidence"`
	TypeDistribution map[MemoryType]int `json:"type_distribution"`
	MostAccessed     *Memory            `json:"most_accessed,omitempty"`
}

// IndexAudit reports how far the similarity index has drifted from the stored
// embeddings of one session.
type IndexAudit struct {
	SessionID      string `json:"session_id"`
	StoredVectors  int    `json:"stored_vectors"`
	IndexedVectors int    `json:"indexed_vectors"`
}

func (a IndexAudit) Consistent() bool {
	return a.StoredVectors == a.IndexedVectors
}
