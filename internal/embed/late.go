package embed

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// LateDimensions is the per-token vector width for the static late-interaction
// adapter (D_late).
const LateDimensions = 32

// MaxLateQueryTokens bounds q_late's token dimension; longer queries are truncated.
const MaxLateQueryTokens = 32

// LateTokenVector is one row of a [T x D_late] late-interaction matrix: a
// token ID (for the rerank skip-list) paired with its dense vector.
type LateTokenVector struct {
	TokenID uint32
	Vector  []float32
}

// LateEmbedder is the black-box collaborator behind embed_late,
// encode_query_late, and rerank_late: it produces per-token matrices for
// documents and queries instead of a single pooled vector. Segregated from
// Embedder the same way the donor segregates Reranker from Embedder
// (internal/search/reranker.go) — a component may need one, the other, or
// both.
type LateEmbedder interface {
	// EmbedLate computes the document-side late-interaction matrix M_d for
	// text, returned as one row per token.
	EmbedLate(ctx context.Context, text string) ([]LateTokenVector, error)

	// EncodeQueryLate computes q_late, the query-side matrix, capped at
	// MaxLateQueryTokens rows.
	EncodeQueryLate(ctx context.Context, query string) ([]LateTokenVector, error)

	// Dimensions returns D_late.
	Dimensions() int

	// Available checks if the late-interaction adapter is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// StaticLateEmbedder is a deterministic, dependency-free LateEmbedder used
// for tests and offline operation. Each token gets a hash-projected vector
// the same way StaticEmbedder hash-projects whole documents (static.go);
// here the projection runs once per token instead of once per document.
type StaticLateEmbedder struct {
	mu     sync.RWMutex
	closed bool
}

// NewStaticLateEmbedder creates a new static late-interaction embedder.
func NewStaticLateEmbedder() *StaticLateEmbedder {
	return &StaticLateEmbedder{}
}

func (e *StaticLateEmbedder) embedTokens(text string, maxTokens int) ([]LateTokenVector, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("late embedder is closed")
	}

	tokens := filterStopWords(tokenize(strings.TrimSpace(text)))
	if maxTokens > 0 && len(tokens) > maxTokens {
		tokens = tokens[:maxTokens]
	}

	out := make([]LateTokenVector, 0, len(tokens))
	for _, tok := range tokens {
		vec := make([]float32, LateDimensions)
		idx := hashToIndex(tok, LateDimensions)
		vec[idx] = 1.0
		// Spread a little signal across neighboring ngram-derived positions
		// so MaxSim has more than a single-hot dimension to compare against.
		for _, ng := range extractNgrams(tok, 3) {
			vec[hashToIndex(ng, LateDimensions)] += 0.3
		}
		out = append(out, LateTokenVector{
			TokenID: uint32(hashToIndex(tok, 1<<31)),
			Vector:  normalizeVector(vec),
		})
	}
	return out, nil
}

// EmbedLate computes the document-side matrix for text.
func (e *StaticLateEmbedder) EmbedLate(_ context.Context, text string) ([]LateTokenVector, error) {
	return e.embedTokens(text, 0)
}

// EncodeQueryLate computes q_late, capped at MaxLateQueryTokens.
func (e *StaticLateEmbedder) EncodeQueryLate(_ context.Context, query string) ([]LateTokenVector, error) {
	return e.embedTokens(query, MaxLateQueryTokens)
}

// Dimensions returns D_late.
func (e *StaticLateEmbedder) Dimensions() int {
	return LateDimensions
}

// Available always returns true for the static adapter.
func (e *StaticLateEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close marks the embedder closed. Idempotent.
func (e *StaticLateEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

var _ LateEmbedder = (*StaticLateEmbedder)(nil)
