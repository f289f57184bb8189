package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

// Responder produces the assistant reply for a turn from the user message and
// the memories retrieved for it.
type Responder interface {
	Respond(ctx context.Context, message string, memories []memory.ScoredMemory) (string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, message string, memories []memory.ScoredMemory) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, message string, memories []memory.ScoredMemory) (string, error) {
	return f(ctx, message, memories)
}

type Options struct {
	Store     *memory.Store
	Extractor *memory.Extractor
	Retriever *memory.Retriever
	Responder Responder
	// Embedder vectors new memories for the similarity index. nil stores
	// memories without vectors.
	Embedder memory.Embedder
	// MaxMemories bounds retrieval per turn. Defaults to 5.
	MaxMemories int
	// MinConfidence filters extracted candidates. Negative uses the
	// extractor's default.
	MinConfidence float64
	Logger        zerolog.Logger
}

// Orchestrator runs turns through RETRIEVING, RESPONDING, EXTRACTING and
// STORING, one turn at a time per session.
type Orchestrator struct {
	store         *memory.Store
	extractor     *memory.Extractor
	retriever     *memory.Retriever
	responder     Responder
	embedder      memory.Embedder
	maxMemories   int
	minConfidence float64
	log           zerolog.Logger

	locks  *keyedMutex
	phases *phaseTracker
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.Responder == nil {
		return nil, errors.New("session: responder is required")
	}
	if opts.Extractor == nil {
		opts.Extractor = memory.NewExtractor(memory.DefaultExtractorConfig())
	}
	if opts.Retriever == nil {
		r, err := memory.NewRetriever(opts.Store, opts.Embedder, memory.DefaultRetrieverConfig(), opts.Logger)
		if err != nil {
			return nil, err
		}
		opts.Retriever = r
	}
	if opts.MaxMemories <= 0 {
		opts.MaxMemories = 5
	}
	return &Orchestrator{
		store:         opts.Store,
		extractor:     opts.Extractor,
		retriever:     opts.Retriever,
		responder:     opts.Responder,
		embedder:      opts.Embedder,
		maxMemories:   opts.MaxMemories,
		minConfidence: opts.MinConfidence,
		log:           logger.Component(opts.Logger, "session"),
		locks:         newKeyedMutex(),
		phases:        newPhaseTracker(),
	}, nil
}

type TurnRequest struct {
	SessionID string `json:"session_id"`
	// TurnNumber is optional. When set it must be the session's next turn.
	TurnNumber    *int   `json:"turn_number,omitempty"`
	Message       string `json:"user_message"`
	SkipRetrieval bool   `json:"skip_retrieval,omitempty"`
}

// ActiveMemory is a retrieved memory as reported to the caller.
type ActiveMemory struct {
	MemoryID       int64             `json:"memory_id"`
	Content        string            `json:"content"`
	Type           memory.MemoryType `json:"type"`
	OriginTurn     int               `json:"origin_turn"`
	Confidence     float64           `json:"confidence"`
	RelevanceScore float64           `json:"relevance_score"`
	Signals        *memory.Signals   `json:"signals,omitempty"`
}

type Performance struct {
	Total  time.Duration
	Phases map[Phase]time.Duration
}

func (p Performance) MarshalJSON() ([]byte, error) {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return json.Marshal(map[string]float64{
		"total_latency_ms":      ms(p.Total),
		"retrieval_latency_ms":  ms(p.Phases[PhaseRetrieving]),
		"response_latency_ms":   ms(p.Phases[PhaseResponding]),
		"extraction_latency_ms": ms(p.Phases[PhaseExtracting]),
		"storage_latency_ms":    ms(p.Phases[PhaseStoring]),
	})
}

type TurnResult struct {
	TurnID            uuid.UUID          `json:"turn_id"`
	SessionID         string             `json:"session_id"`
	TurnNumber        int                `json:"turn_number"`
	AssistantResponse string             `json:"assistant_response"`
	ExtractedMemories []memory.Candidate `json:"extracted_memories"`
	ActiveMemories    []ActiveMemory     `json:"active_memories"`
	StoredMemories    int                `json:"stored_memories"`
	Deduplicated      int                `json:"deduplicated_memories"`
	Performance       Performance        `json:"performance"`
}

// Phase reports where the session's in-flight turn is, or IDLE.
func (o *Orchestrator) Phase(sessionID string) Phase {
	return o.phases.get(sessionID)
}

// ProcessTurn runs one turn. Turns of the same session queue behind each
// other; different sessions run in parallel. Invalid requests fail with
// ErrInvalidInput or ErrTurnOutOfOrder before anything changes; a failure in
// a phase comes back as *TurnError.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	message := strings.TrimSpace(req.Message)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	if message == "" {
		return nil, fmt.Errorf("%w: user message is required", ErrInvalidInput)
	}
	if req.TurnNumber != nil && *req.TurnNumber < 1 {
		return nil, fmt.Errorf("%w: turn number must be positive, got %d", ErrInvalidInput, *req.TurnNumber)
	}

	unlock, err := o.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	defer o.phases.set(sessionID, PhaseIdle)

	current, err := o.store.TurnNumber(ctx, sessionID)
	if err != nil {
		return nil, &TurnError{Phase: PhaseIdle, SessionID: sessionID, TurnNumber: current + 1, Err: err}
	}
	turn := current + 1
	if req.TurnNumber != nil && *req.TurnNumber != turn {
		return nil, fmt.Errorf("%w: session %s expects turn %d, got %d", ErrTurnOutOfOrder, sessionID, turn, *req.TurnNumber)
	}

	res := &TurnResult{
		TurnID:            uuid.New(),
		SessionID:         sessionID,
		TurnNumber:        turn,
		ExtractedMemories: []memory.Candidate{},
		ActiveMemories:    []ActiveMemory{},
		Performance:       Performance{Phases: map[Phase]time.Duration{}},
	}
	log := o.log.With().Str("session_id", sessionID).Int("turn", turn).Str("turn_id", res.TurnID.String()).Logger()
	ctx = logger.WithContext(ctx, log)
	ctx, span := startTurnSpan(ctx, sessionID, turn, res.TurnID.String())
	started := time.Now()

	t := &turnRun{o: o, res: res, sessionID: sessionID, turn: turn}
	err = o.runPhases(ctx, t, message, req.SkipRetrieval)
	res.Performance.Total = time.Since(started)
	endSpan(span, err, attribute.Int("turn.extracted", len(res.ExtractedMemories)), attribute.Int("turn.active", len(res.ActiveMemories)))
	if err != nil {
		var te *TurnError
		if errors.As(err, &te) && te.Phase == PhaseStoring {
			log.Error().Err(err).Msg("turn failed to store")
		} else {
			log.Warn().Err(err).Msg("turn failed")
		}
		return nil, err
	}

	log.Debug().
		Dur("total", res.Performance.Total).
		Dur("retrieving", res.Performance.Phases[PhaseRetrieving]).
		Dur("responding", res.Performance.Phases[PhaseResponding]).
		Dur("extracting", res.Performance.Phases[PhaseExtracting]).
		Dur("storing", res.Performance.Phases[PhaseStoring]).
		Int("active", len(res.ActiveMemories)).
		Int("stored", res.StoredMemories).
		Msg("turn complete")
	return res, nil
}

type turnRun struct {
	o         *Orchestrator
	res       *TurnResult
	sessionID string
	turn      int
}

func (t *turnRun) phase(ctx context.Context, p Phase, fn func(ctx context.Context) error) error {
	t.o.phases.set(t.sessionID, p)
	ctx, span := startPhaseSpan(ctx, p)
	started := time.Now()
	err := fn(ctx)
	t.res.Performance.Phases[p] = time.Since(started)
	endSpan(span, err)
	if err != nil {
		return &TurnError{Phase: p, SessionID: t.sessionID, TurnNumber: t.turn, Err: err}
	}
	return nil
}

func (o *Orchestrator) runPhases(ctx context.Context, t *turnRun, message string, skipRetrieval bool) error {
	var active []memory.ScoredMemory
	err := t.phase(ctx, PhaseRetrieving, func(ctx context.Context) error {
		if skipRetrieval {
			return nil
		}
		var err error
		active, err = o.retriever.Retrieve(ctx, t.sessionID, message, t.turn, o.maxMemories)
		return err
	})
	if err != nil {
		return err
	}
	for _, m := range active {
		t.res.ActiveMemories = append(t.res.ActiveMemories, ActiveMemory{
			MemoryID:       m.ID,
			Content:        m.Content,
			Type:           m.Type,
			OriginTurn:     m.TurnNumber,
			Confidence:     m.Confidence,
			RelevanceScore: m.Score,
			Signals:        m.Signals,
		})
	}

	err = t.phase(ctx, PhaseResponding, func(ctx context.Context) error {
		reply, err := o.responder.Respond(ctx, message, active)
		if err != nil {
			return err
		}
		t.res.AssistantResponse = reply
		return nil
	})
	if err != nil {
		return err
	}

	var candidates []memory.Candidate
	_ = t.phase(ctx, PhaseExtracting, func(context.Context) error {
		candidates = o.extractor.Filter(o.extractor.Extract(message, t.turn), o.minConfidence)
		return nil
	})
	t.res.ExtractedMemories = candidates

	return t.phase(ctx, PhaseStoring, func(ctx context.Context) error {
		stored, plan, err := o.commit(ctx, t.sessionID, t.turn, candidates)
		if err != nil {
			return err
		}
		t.res.StoredMemories = len(stored)
		t.res.Deduplicated = len(plan.Duplicates)
		return nil
	})
}

// commit embeds, deduplicates and stores the turn's candidates and advances
// the session counter in one transaction. An index failure disables the
// index and the turn is stored once more without vectors.
func (o *Orchestrator) commit(ctx context.Context, sessionID string, turn int, candidates []memory.Candidate) ([]memory.Memory, memory.DedupPlan, error) {
	log := logger.FromCtx(ctx)
	prepared := o.embedCandidates(ctx, candidates)

	plan, err := o.extractor.Deduplicate(ctx, o.store, sessionID, prepared)
	if err != nil {
		return nil, memory.DedupPlan{}, err
	}
	inserts := make([]memory.Memory, 0, len(plan.New))
	for _, p := range plan.New {
		inserts = append(inserts, memory.Memory{
			SessionID:      sessionID,
			TurnNumber:     turn,
			Type:           p.Type,
			Content:        p.Content,
			Confidence:     p.Confidence,
			Embedding:      p.Embedding,
			EmbeddingModel: p.EmbeddingModel,
		})
	}

	stored, err := o.store.CommitTurn(ctx, sessionID, turn, inserts, plan.Raises)
	if err != nil && memory.IsIndexFailure(err) && o.store.Index() != nil {
		log.Warn().Err(err).Msg("similarity index failed while storing, disabling it and storing without vectors")
		o.store.Index().Disable()
		for i := range inserts {
			inserts[i].Embedding = nil
			inserts[i].EmbeddingModel = ""
		}
		stored, err = o.store.CommitTurn(ctx, sessionID, turn, inserts, plan.Raises)
	}
	if err != nil {
		return nil, memory.DedupPlan{}, err
	}
	return stored, plan, nil
}

func (o *Orchestrator) embedCandidates(ctx context.Context, candidates []memory.Candidate) []memory.Prepared {
	prepared := make([]memory.Prepared, len(candidates))
	embed := o.embedder != nil && o.store.SimilarityAvailable()
	for i, c := range candidates {
		prepared[i] = memory.Prepared{Candidate: c}
		if !embed {
			continue
		}
		vec, err := o.embedder.Embed(ctx, c.Content)
		if err != nil {
			// One failure is enough to know the provider is down for this turn.
			logger.FromCtx(ctx).Warn().Err(err).Msg("embedding unavailable, storing memories without vectors")
			embed = false
			continue
		}
		prepared[i].Embedding = vec
		prepared[i].EmbeddingModel = o.embedder.ModelID()
	}
	return prepared
}
