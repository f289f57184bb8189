package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Weights are the coefficients of the four retrieval signals. They must be
// non-negative and sum to 1.
type Weights struct {
	Recency    float64 `json:"recency"`
	Confidence float64 `json:"confidence"`
	Access     float64 `json:"access"`
	Similarity float64 `json:"similarity"`
}

func DefaultWeights() Weights {
	return Weights{Recency: 0.3, Confidence: 0.4, Access: 0.2, Similarity: 0.1}
}

const weightTolerance = 1e-6

func (w Weights) Validate() error {
	if w.Recency < 0 || w.Confidence < 0 || w.Access < 0 || w.Similarity < 0 {
		return fmt.Errorf("%w: got %+v", ErrInvalidWeights, w)
	}
	if sum := w.Recency + w.Confidence + w.Access + w.Similarity; math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: sum is %.6f", ErrInvalidWeights, sum)
	}
	return nil
}

func (w Weights) combine(s Signals) float64 {
	return w.Recency*s.Recency + w.Confidence*s.Confidence + w.Access*s.Access + w.Similarity*s.Similarity
}

type RetrieverConfig struct {
	Weights Weights
	// TypeCap is the most memories of one type a result may hold while other
	// types can still fill it.
	TypeCap int
	// HalfLifeTurns is the turn distance at which the decaying part of the
	// recency signal halves.
	HalfLifeTurns float64
	// RecencyFloor is the lowest recency any memory can reach.
	RecencyFloor float64
	// AccessSaturation is the access count at which the access signal hits 1.
	AccessSaturation int
	// NeutralSimilarity stands in for similarity when it cannot be computed.
	NeutralSimilarity float64
	// FullScanLimit is the session size up to which every memory is scored.
	FullScanLimit int
	// CandidateLimit bounds the similarity top-N in large sessions.
	CandidateLimit int
	// RecentWindow is how many turns back large sessions always consider.
	RecentWindow int
	// CriticalConfidence is the confidence at which large sessions always
	// consider a memory.
	CriticalConfidence float64
	MinScore           float64
}

func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		Weights:            DefaultWeights(),
		TypeCap:            2,
		HalfLifeTurns:      60,
		RecencyFloor:       0.05,
		AccessSaturation:   5,
		NeutralSimilarity:  0.5,
		FullScanLimit:      500,
		CandidateLimit:     100,
		RecentWindow:       50,
		CriticalConfidence: 0.85,
	}
}

func (c *RetrieverConfig) fillDefaults() {
	d := DefaultRetrieverConfig()
	if c.Weights == (Weights{}) {
		c.Weights = d.Weights
	}
	if c.TypeCap <= 0 {
		c.TypeCap = d.TypeCap
	}
	if c.HalfLifeTurns <= 0 {
		c.HalfLifeTurns = d.HalfLifeTurns
	}
	if c.RecencyFloor <= 0 || c.RecencyFloor >= 1 {
		c.RecencyFloor = d.RecencyFloor
	}
	if c.AccessSaturation <= 0 {
		c.AccessSaturation = d.AccessSaturation
	}
	if c.NeutralSimilarity <= 0 || c.NeutralSimilarity >= 1 {
		c.NeutralSimilarity = d.NeutralSimilarity
	}
	if c.FullScanLimit <= 0 {
		c.FullScanLimit = d.FullScanLimit
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = d.CandidateLimit
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = d.RecentWindow
	}
	if c.CriticalConfidence <= 0 || c.CriticalConfidence > 1 {
		c.CriticalConfidence = d.CriticalConfidence
	}
}

// RetrieverStore is what the retriever needs from the memory store.
type RetrieverStore interface {
	Reader
	Toucher
}

// Retriever scores a session's memories against a query turn and selects a
// bounded, type-diverse set.
type Retriever struct {
	store    RetrieverStore
	embedder Embedder
	cfg      RetrieverConfig
	log      zerolog.Logger
	now      func() time.Time
}

// NewRetriever validates cfg and returns a retriever. embedder may be nil, in
// which case similarity always scores neutral.
func NewRetriever(store RetrieverStore, embedder Embedder, cfg RetrieverConfig, log zerolog.Logger) (*Retriever, error) {
	cfg.fillDefaults()
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	return &Retriever{store: store, embedder: embedder, cfg: cfg, log: log, now: time.Now}, nil
}

func (r *Retriever) Config() RetrieverConfig { return r.cfg }

// Retrieve returns up to limit memories of the session most relevant to query at
// turn, highest score first. Each returned memory is touched once and the
// returned copies reflect that. Unknown sessions yield an empty result.
func (r *Retriever) Retrieve(ctx context.Context, sessionID, query string, turn, limit int) ([]ScoredMemory, error) {
	if sessionID == "" || limit <= 0 {
		return []ScoredMemory{}, nil
	}
	started := r.now()

	total, err := r.store.Count(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count session memories: %w", err)
	}
	if total == 0 {
		return []ScoredMemory{}, nil
	}

	qvec := r.embedQuery(ctx, query)
	pool, err := r.candidates(ctx, sessionID, qvec, turn, total)
	if err != nil {
		return nil, err
	}
	if turn <= 0 {
		for _, m := range pool {
			turn = max(turn, m.TurnNumber)
		}
	}

	useSim := qvec != nil && r.store.SimilarityAvailable()
	scored := make([]ScoredMemory, 0, len(pool))
	for _, m := range pool {
		sig := r.signals(m, turn, qvec, useSim)
		score := r.cfg.Weights.combine(sig)
		if score < r.cfg.MinScore {
			continue
		}
		scored = append(scored, ScoredMemory{Memory: m, Score: score, Signals: &sig})
	}
	rankScored(scored)
	out := diversify(scored, limit, r.cfg.TypeCap)
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]int64, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	if err := r.store.Touch(ctx, ids...); err != nil {
		return nil, fmt.Errorf("touch retrieved memories: %w", err)
	}
	touched := r.now().UTC()
	for i := range out {
		out[i].AccessCount++
		t := touched
		out[i].LastAccessedAt = &t
	}

	r.log.Debug().
		Str("session_id", sessionID).
		Int("turn", turn).
		Int("pool", len(pool)).
		Int("selected", len(out)).
		Bool("similarity", useSim).
		Dur("took", r.now().Sub(started)).
		Msg("memories retrieved")
	return out, nil
}

func (r *Retriever) embedQuery(ctx context.Context, query string) []float32 {
	if r.embedder == nil || strings.TrimSpace(query) == "" {
		return nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.log.Debug().Err(err).Msg("query embedding unavailable, similarity scores neutral")
		return nil
	}
	return vec
}

// candidates is the scoring pool. Sessions small enough are scanned whole;
// larger ones union the similarity top-N with recent and high-confidence
// memories so strong old facts are never lost to the index cut-off.
func (r *Retriever) candidates(ctx context.Context, sessionID string, qvec []float32, turn, total int) ([]Memory, error) {
	if total <= r.cfg.FullScanLimit {
		all, err := r.store.GetBySession(ctx, sessionID, Filter{})
		if err != nil {
			return nil, fmt.Errorf("load candidates: %w", err)
		}
		return all, nil
	}

	byID := map[int64]Memory{}
	var order []int64
	add := func(m Memory) {
		if _, ok := byID[m.ID]; ok {
			return
		}
		byID[m.ID] = m
		order = append(order, m.ID)
	}

	if qvec != nil {
		for _, h := range r.store.SimilaritySearch(ctx, sessionID, qvec, r.cfg.CandidateLimit) {
			add(h.Memory)
		}
	}
	recentFrom := 0
	if turn > r.cfg.RecentWindow {
		recentFrom = turn - r.cfg.RecentWindow
	}
	recent, err := r.store.GetBySession(ctx, sessionID, Filter{MinTurn: recentFrom})
	if err != nil {
		return nil, fmt.Errorf("load recent candidates: %w", err)
	}
	for _, m := range recent {
		add(m)
	}
	critical, err := r.store.GetBySession(ctx, sessionID, Filter{MinConfidence: r.cfg.CriticalConfidence})
	if err != nil {
		return nil, fmt.Errorf("load high-confidence candidates: %w", err)
	}
	for _, m := range critical {
		add(m)
	}

	out := make([]Memory, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

func (r *Retriever) signals(m Memory, turn int, qvec []float32, useSim bool) Signals {
	return Signals{
		Recency:    r.recency(turn - m.TurnNumber),
		Confidence: clamp01(m.Confidence),
		Access:     r.access(m.AccessCount),
		Similarity: r.similarity(m, qvec, useSim),
	}
}

// recency decays exponentially with turn distance toward the floor, never
// reaching it.
func (r *Retriever) recency(distance int) float64 {
	if distance < 0 {
		distance = 0
	}
	decay := math.Exp2(-float64(distance) / r.cfg.HalfLifeTurns)
	return r.cfg.RecencyFloor + (1-r.cfg.RecencyFloor)*decay
}

func (r *Retriever) access(count int) float64 {
	if count <= 0 {
		return 0
	}
	return math.Min(1, math.Log1p(float64(count))/math.Log1p(float64(r.cfg.AccessSaturation)))
}

func (r *Retriever) similarity(m Memory, qvec []float32, useSim bool) float64 {
	if !useSim || !m.HasEmbedding() || len(m.Embedding) != len(qvec) {
		return r.cfg.NeutralSimilarity
	}
	if r.embedder != nil && m.EmbeddingModel != r.embedder.ModelID() {
		return r.cfg.NeutralSimilarity
	}
	return clamp01((CosineSimilarity(qvec, m.Embedding) + 1) / 2)
}

// rankScored orders by score, then newer turn, then lower id.
func rankScored(s []ScoredMemory) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		if s[i].TurnNumber != s[j].TurnNumber {
			return s[i].TurnNumber > s[j].TurnNumber
		}
		return s[i].ID < s[j].ID
	})
}

// diversify walks ranked in order taking at most typeCap per type. If that
// leaves the result short, skipped memories fill it in rank order.
func diversify(ranked []ScoredMemory, limit, typeCap int) []ScoredMemory {
	if typeCap <= 0 {
		typeCap = limit
	}
	picked := make([]bool, len(ranked))
	perType := map[MemoryType]int{}
	n := 0
	for i, m := range ranked {
		if n == limit {
			break
		}
		if perType[m.Type] >= typeCap {
			continue
		}
		picked[i] = true
		perType[m.Type]++
		n++
	}
	for i := range ranked {
		if n == limit {
			break
		}
		if !picked[i] {
			picked[i] = true
			n++
		}
	}
	out := make([]ScoredMemory, 0, n)
	for i, m := range ranked {
		if picked[i] {
			out = append(out, m)
		}
	}
	return out
}

// RetrieveByType lists a session's memories of one type by confidence, then
// recency. It does not touch them.
func (r *Retriever) RetrieveByType(ctx context.Context, sessionID string, t MemoryType, limit int) ([]Memory, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown memory type %q", ErrInvalidMemory, t)
	}
	list, err := r.store.GetBySession(ctx, sessionID, Filter{Types: []MemoryType{t}})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Confidence != list[j].Confidence {
			return list[i].Confidence > list[j].Confidence
		}
		if list[i].TurnNumber != list[j].TurnNumber {
			return list[i].TurnNumber > list[j].TurnNumber
		}
		return list[i].ID < list[j].ID
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// RetrieveByTurnRange lists memories created between from and to inclusive.
func (r *Retriever) RetrieveByTurnRange(ctx context.Context, sessionID string, from, to int) ([]Memory, error) {
	if from < 1 {
		from = 1
	}
	if to < from {
		return []Memory{}, nil
	}
	return r.store.GetBySession(ctx, sessionID, Filter{MinTurn: from, MaxTurn: to})
}

// RetrieveCritical returns the memories a responder should always see:
// instructions and commitments, plus strongly held preferences.
func (r *Retriever) RetrieveCritical(ctx context.Context, sessionID string) ([]Memory, error) {
	out := []Memory{}
	for _, t := range []MemoryType{TypeInstruction, TypeCommitment} {
		list, err := r.RetrieveByType(ctx, sessionID, t, 3)
		if err != nil {
			return nil, err
		}
		out = append(out, list...)
	}
	prefs, err := r.RetrieveByType(ctx, sessionID, TypePreference, 0)
	if err != nil {
		return nil, err
	}
	for _, m := range prefs {
		if m.Confidence > 0.8 {
			out = append(out, m)
		}
	}
	return out, nil
}

// FormatForPrompt renders memories as a markdown block grouped by type, for
// responders that put memory into a model prompt.
func FormatForPrompt(memories []ScoredMemory, withMetadata bool) string {
	if len(memories) == 0 {
		return ""
	}
	groups := map[MemoryType][]ScoredMemory{}
	for _, m := range memories {
		groups[m.Type] = append(groups[m.Type], m)
	}
	var b strings.Builder
	b.WriteString("## Active Memories\n")
	for _, t := range AllTypes {
		list := groups[t]
		if len(list) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n### %s:\n", typeHeading(t))
		for _, m := range list {
			if withMetadata {
				fmt.Fprintf(&b, "- %s (from turn %d, confidence: %.2f)\n", m.Content, m.TurnNumber, m.Confidence)
			} else {
				fmt.Fprintf(&b, "- %s\n", m.Content)
			}
		}
	}
	return b.String()
}

func typeHeading(t MemoryType) string {
	s := string(t)
	if s == "" {
		return s
	}
	s = strings.ToUpper(s[:1]) + s[1:]
	if strings.HasSuffix(s, "y") {
		return strings.TrimSuffix(s, "y") + "ies"
	}
	return s + "s"
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
