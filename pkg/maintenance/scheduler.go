// Package maintenance runs periodic housekeeping against the memory store:
// an index consistency audit and a WAL checkpoint.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

const defaultTick = time.Minute

// Report is the outcome of one maintenance run.
type Report struct {
	StartedAt    time.Time
	Duration     time.Duration
	Audits       []memory.IndexAudit
	Inconsistent []string
	Checkpointed bool
	Err          error
}

type Scheduler struct {
	store *memory.Store
	expr  string
	gron  *gronx.Gronx
	log   zerolog.Logger

	tick time.Duration
	now  func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	last    *Report
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New checks expr, a five-field cron expression, and returns a stopped
// scheduler.
func New(store *memory.Store, expr string, log zerolog.Logger) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("maintenance: store is required")
	}
	g := gronx.New()
	if !g.IsValid(expr) {
		return nil, fmt.Errorf("maintenance: invalid schedule %q", expr)
	}
	return &Scheduler{
		store: store,
		expr:  expr,
		gron:  g,
		log:   logger.Component(log, "maintenance"),
		tick:  defaultTick,
		now:   time.Now,
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info().Str("schedule", s.expr).Msg("maintenance scheduler started")
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maybeRun(ctx)
		}
	}
}

func (s *Scheduler) maybeRun(ctx context.Context) {
	now := s.now().Truncate(time.Minute)
	due, err := s.gron.IsDue(s.expr, now)
	if err != nil {
		s.log.Error().Err(err).Msg("schedule check failed")
		return
	}
	s.mu.Lock()
	already := !s.lastRun.Before(now)
	if due && !already {
		s.lastRun = now
	}
	s.mu.Unlock()
	if !due || already {
		return
	}
	s.RunOnce(ctx)
}

// RunOnce audits the similarity index and checkpoints the database. Index
// mismatches are logged, not repaired; reindexing is an explicit admin
// action.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	rep := Report{StartedAt: time.Now()}

	audits, err := s.store.VerifyIndex(ctx)
	switch {
	case errors.Is(err, memory.ErrIndexUnavailable):
		s.log.Debug().Msg("similarity index disabled, skipping audit")
	case err != nil:
		rep.Err = err
		s.log.Error().Err(err).Msg("index audit failed")
	default:
		rep.Audits = audits
		for _, a := range audits {
			if a.Consistent() {
				continue
			}
			rep.Inconsistent = append(rep.Inconsistent, a.SessionID)
			s.log.Warn().
				Str("session_id", a.SessionID).
				Int("stored_vectors", a.StoredVectors).
				Int("indexed_vectors", a.IndexedVectors).
				Msg("similarity index out of sync; run reindex to repair")
		}
	}

	if err := s.store.Records().Checkpoint(ctx); err != nil {
		rep.Err = errors.Join(rep.Err, err)
		s.log.Error().Err(err).Msg("checkpoint failed")
	} else {
		rep.Checkpointed = true
	}

	rep.Duration = time.Since(rep.StartedAt)
	s.log.Info().
		Int("sessions", len(rep.Audits)).
		Int("inconsistent", len(rep.Inconsistent)).
		Dur("duration", rep.Duration).
		Msg("maintenance run finished")

	s.mu.Lock()
	s.last = &rep
	s.mu.Unlock()
	return rep
}

// LastReport returns the most recent run, or nil before the first.
func (s *Scheduler) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
