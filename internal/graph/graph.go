// Package graph answers structural trace queries (definition, callers,
// callees) against the metadata store, without touching the embedding
// adapter or vector index. Grounded on the daemon's JSON-RPC param/result
// shape (internal/daemon/protocol.go) and the metadata store's
// array-contains lookups (internal/store.MetadataStore).
package graph

import (
	"context"
	"fmt"

	"github.com/osgrep/osgrep/internal/store"
)

// DefaultCallerLimit bounds how many callers trace() returns for a symbol.
const DefaultCallerLimit = 20

// TraceOptions configures a trace query.
type TraceOptions struct {
	// Depth controls how many hops the callee frontier is expanded (default 1).
	Depth int

	// CallersOnly restricts the result to the center and its callers.
	CallersOnly bool

	// CalleesOnly restricts the result to the center and its callees.
	CalleesOnly bool

	// PathPrefix restricts the definition lookup to paths under this prefix.
	PathPrefix string
}

// TraceResult is the {center, callers[], callees[]} answer to a trace query.
type TraceResult struct {
	Symbol  string
	Center  *store.Chunk
	Callers []*store.Chunk
	Callees []*store.Chunk

	// CalleeSymbols holds, index-aligned with Callees, the referenced-symbol
	// name that resolved to each callee chunk. The persisted trace shape
	// reports callees as bare symbol names, not locations.
	CalleeSymbols []string
}

// Builder answers trace queries over a MetadataStore.
type Builder struct {
	metadata store.MetadataStore
}

// NewBuilder creates a graph Builder backed by metadata.
func NewBuilder(metadata store.MetadataStore) *Builder {
	return &Builder{metadata: metadata}
}

// Trace resolves symbol's definition, callers, and callees per §4.11:
//   - Definitions: rows defining symbol; the first (optionally path-scoped) is the center.
//   - Callers: rows referencing symbol, minus rows that also define it (self-reference filter).
//   - Callees: center's referenced symbols intersected with symbols that have
//     any definition in the store (internal-only), expanded over depth>1
//     with a visited set over the callee frontier.
func (b *Builder) Trace(ctx context.Context, symbol string, opts TraceOptions) (*TraceResult, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	depth := opts.Depth
	if depth < 1 {
		depth = 1
	}

	definitions, err := b.metadata.FindChunksDefining(ctx, symbol, opts.PathPrefix, 1)
	if err != nil {
		return nil, fmt.Errorf("find definitions of %q: %w", symbol, err)
	}
	if len(definitions) == 0 {
		return &TraceResult{Symbol: symbol}, nil
	}
	center := definitions[0]

	result := &TraceResult{Symbol: symbol, Center: center}

	if !opts.CalleesOnly {
		callers, err := b.findCallers(ctx, symbol, opts.PathPrefix, center.ID)
		if err != nil {
			return nil, err
		}
		result.Callers = callers
	}

	if !opts.CallersOnly {
		callees, calleeSymbols, err := b.findCallees(ctx, center, depth)
		if err != nil {
			return nil, err
		}
		result.Callees = callees
		result.CalleeSymbols = calleeSymbols
	}

	return result, nil
}

// findCallers returns rows referencing symbol, excluding any that also
// define it (so a recursive function is not its own caller) and the
// center chunk itself.
func (b *Builder) findCallers(ctx context.Context, symbol, pathPrefix, centerID string) ([]*store.Chunk, error) {
	referencing, err := b.metadata.FindChunksReferencing(ctx, symbol, pathPrefix, DefaultCallerLimit*2)
	if err != nil {
		return nil, fmt.Errorf("find callers of %q: %w", symbol, err)
	}

	callers := make([]*store.Chunk, 0, len(referencing))
	for _, chunk := range referencing {
		if chunk.ID == centerID {
			continue
		}
		if definesSymbol(chunk, symbol) {
			continue
		}
		callers = append(callers, chunk)
		if len(callers) >= DefaultCallerLimit {
			break
		}
	}
	return callers, nil
}

// findCallees intersects center's referenced symbols with symbols that have
// a definition anywhere in the store, then expands the frontier depth-1
// more times with a visited set.
func (b *Builder) findCallees(ctx context.Context, center *store.Chunk, depth int) ([]*store.Chunk, []string, error) {
	visited := map[string]bool{center.ID: true}
	seenSymbols := make(map[string]bool, len(center.DefinedSymbols))
	for _, s := range center.DefinedSymbols {
		seenSymbols[s] = true
	}

	frontier := []*store.Chunk{center}
	var callees []*store.Chunk
	var calleeSymbols []string

	for hop := 0; hop < depth; hop++ {
		var next []*store.Chunk
		for _, chunk := range frontier {
			for _, ref := range chunk.ReferencedSymbols {
				if seenSymbols[ref] {
					continue
				}
				defs, err := b.metadata.FindChunksDefining(ctx, ref, "", 1)
				if err != nil {
					return nil, nil, fmt.Errorf("resolve callee %q: %w", ref, err)
				}
				seenSymbols[ref] = true
				if len(defs) == 0 {
					continue // not project-internal, skip
				}
				def := defs[0]
				if visited[def.ID] {
					continue
				}
				visited[def.ID] = true
				callees = append(callees, def)
				calleeSymbols = append(calleeSymbols, ref)
				next = append(next, def)
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}

	return callees, calleeSymbols, nil
}

func definesSymbol(chunk *store.Chunk, symbol string) bool {
	for _, s := range chunk.DefinedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}
