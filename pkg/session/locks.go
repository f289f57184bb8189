package session

import (
	"context"
	"sync"
)

// Phase is where a session's current turn is in the pipeline.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseRetrieving Phase = "RETRIEVING"
	PhaseResponding Phase = "RESPONDING"
	PhaseExtracting Phase = "EXTRACTING"
	PhaseStoring    Phase = "STORING"
)

// keyedMutex hands out one lock per session id. Entries are reference counted
// and dropped once nobody holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyLock{}}
}

// Lock blocks until key is free or ctx is done. The returned func releases it.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.release(key, l)
		})
	}, nil
}

func (k *keyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// phaseTracker records the phase of every session with a turn in flight.
type phaseTracker struct {
	mu     sync.RWMutex
	phases map[string]Phase
}

func newPhaseTracker() *phaseTracker {
	return &phaseTracker{phases: map[string]Phase{}}
}

func (p *phaseTracker) set(sessionID string, phase Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if phase == PhaseIdle {
		delete(p.phases, sessionID)
		return
	}
	p.phases[sessionID] = phase
}

func (p *phaseTracker) get(sessionID string) Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if phase, ok := p.phases[sessionID]; ok {
		return phase
	}
	return PhaseIdle
}
