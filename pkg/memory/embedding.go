package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	ChargramModelID = "dotmemory-chargram-384-v1"
	HashModelID     = "dotmemory-hash-256-v1"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

// HashEmbedder hashes word tokens into signed buckets.
type HashEmbedder struct {
	dims int
}

func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) ModelID() string { return HashModelID }
func (e *HashEmbedder) Dimensions() int { return e.dims }

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		sum := hash64(token)
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[idx] += sign * float32(1+len(token)/8)
	}
	normalizeVector(vec)
	return vec, nil
}

// ChargramEmbedder mixes character trigrams with whole-word tokens, which
// keeps near-duplicate phrasings close together without a model download.
type ChargramEmbedder struct {
	dims int
}

func NewChargramEmbedder(dims int) *ChargramEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &ChargramEmbedder{dims: dims}
}

func (e *ChargramEmbedder) ModelID() string { return ChargramModelID }
func (e *ChargramEmbedder) Dimensions() int { return e.dims }

func (e *ChargramEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty text", ErrEmbeddingUnavailable)
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		vec[int(hash64(window[i:i+3])%uint64(e.dims))] += 1
	}
	for _, token := range tokenize(normalized) {
		vec[int(hash64("tok:"+token)%uint64(e.dims))] += 1.25
	}
	normalizeVector(vec)
	return vec, nil
}

// NewLocalEmbedder returns one of the built-in offline embedders by name.
// "none" and "disabled" yield nil, which callers treat as no embedder.
func NewLocalEmbedder(name string, dims int) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "chargram", ChargramModelID:
		return NewChargramEmbedder(dims), nil
	case "hash", HashModelID:
		return NewHashEmbedder(dims), nil
	case "none", "disabled":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown local embedder %q", name)
	}
}

// TimeoutEmbedder bounds every call to the wrapped embedder. Any failure is
// reported as ErrEmbeddingUnavailable so callers can degrade uniformly.
type TimeoutEmbedder struct {
	inner   Embedder
	timeout time.Duration
}

func NewTimeoutEmbedder(inner Embedder, timeout time.Duration) *TimeoutEmbedder {
	if timeout <= 0 {
		timeout = 750 * time.Millisecond
	}
	return &TimeoutEmbedder{inner: inner, timeout: timeout}
}

func (e *TimeoutEmbedder) ModelID() string { return e.inner.ModelID() }
func (e *TimeoutEmbedder) Dimensions() int { return e.inner.Dimensions() }

func (e *TimeoutEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		vec []float32
		err error
	}
	done := make(chan result, 1)
	go func() {
		vec, err := e.inner.Embed(ctx, text)
		done <- result{vec: vec, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, ErrEmbeddingUnavailable) {
				return nil, r.err
			}
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, r.err)
		}
		if len(r.vec) == 0 {
			return nil, fmt.Errorf("%w: empty vector", ErrEmbeddingUnavailable)
		}
		return r.vec, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, ctx.Err())
	}
}

// CachedEmbedder memoizes vectors per model and text.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
}

func NewCachedEmbedder(inner Embedder, maxEntries int64) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (e *CachedEmbedder) ModelID() string { return e.inner.ModelID() }
func (e *CachedEmbedder) Dimensions() int { return e.inner.Dimensions() }

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.inner.ModelID() + "\x00" + text
	if v, ok := e.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(key, vec, 1)
	return vec, nil
}

// Wait blocks until pending cache writes are visible.
func (e *CachedEmbedder) Wait() { e.cache.Wait() }

func (e *CachedEmbedder) Close() { e.cache.Close() }

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func normalizeVector(vec []float32) {
	n := vectorNorm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either is empty or their lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
