package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/osgrep/osgrep/internal/config"
	"github.com/osgrep/osgrep/internal/embed"
	"github.com/osgrep/osgrep/internal/graph"
	"github.com/osgrep/osgrep/internal/search"
	"github.com/osgrep/osgrep/internal/store"
)

// projectState holds the loaded stores and search engine for one project
// root, kept warm across requests so repeated searches skip re-opening the
// index and re-initializing the embedder.
type projectState struct {
	rootPath string
	loadedAt time.Time
	lastUsed time.Time

	metadata store.MetadataStore
	bm25     store.BM25Index
	vector   store.VectorStore
	engine   *search.Engine
}

// Close releases the project's stores. Safe to call on a state whose stores
// were never opened.
func (p *projectState) Close() error {
	// engine.Close() owns and closes bm25/vector/metadata; when the engine
	// was never built (e.g. a bare test fixture), fall back to closing
	// whichever stores were set directly.
	if p.engine != nil {
		return p.engine.Close()
	}
	if p.bm25 != nil {
		_ = p.bm25.Close()
	}
	if p.vector != nil {
		_ = p.vector.Close()
	}
	if p.metadata != nil {
		_ = p.metadata.Close()
	}
	return nil
}

// Daemon keeps the embedder and a bounded LRU of project stores loaded in
// memory, serving search/trace requests over a Unix socket so the CLI
// doesn't pay embedder-init cost on every invocation.
type Daemon struct {
	config   Config
	embedder embed.Embedder

	started time.Time
	server  *Server
	pidFile *PIDFile

	compactionMgr *CompactionManager

	mu       sync.RWMutex
	projects map[string]*projectState
}

// Option configures a Daemon at construction time.
type Option func(*Daemon)

// WithEmbedder overrides the daemon's embedder (used in tests to avoid a
// real MLX/Ollama dependency).
func WithEmbedder(e embed.Embedder) Option {
	return func(d *Daemon) {
		d.embedder = e
	}
}

// NewDaemon creates a Daemon from cfg. The embedder is left nil unless
// WithEmbedder is passed or Start ends up constructing one lazily per
// project (HandleSearch falls back to each project's configured provider).
func NewDaemon(cfg Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		config:   cfg,
		pidFile:  NewPIDFile(cfg.PIDPath),
		projects: make(map[string]*projectState),
	}

	for _, opt := range opts {
		opt(d)
	}

	d.compactionMgr = NewCompactionManager(d, config.NewConfig().Compaction)

	return d, nil
}

// Start runs the daemon until ctx is cancelled: writes the PID file, cleans
// any stale socket, listens for RPC requests, and tears everything down on
// shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.config.EnsureDir(); err != nil {
		return err
	}

	// Clean up a stale PID file left by a process that no longer exists.
	if d.pidFile.IsRunning() {
		return fmt.Errorf("daemon already running")
	}
	_ = d.pidFile.Remove()
	if err := d.pidFile.Write(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer func() { _ = d.pidFile.Remove() }()

	srv, err := NewServer(d.config.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	srv.SetHandler(d)
	d.server = srv

	d.started = time.Now()
	d.compactionMgr.Start(ctx)
	defer d.compactionMgr.Stop()
	defer d.cleanup()

	slog.Info("daemon starting",
		slog.String("socket", d.config.SocketPath),
		slog.Int("pid", os.Getpid()))

	return srv.ListenAndServe(ctx)
}

// HandleSearch implements RequestHandler: loads (or reuses) the project at
// params.RootPath and runs a hybrid search against it.
func (d *Daemon) HandleSearch(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	state, err := d.getOrLoadProject(ctx, params.RootPath)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	state.lastUsed = time.Now()
	d.mu.Unlock()
	d.compactionMgr.InterruptCompaction(params.RootPath)

	opts := search.SearchOptions{
		Limit:    params.Limit,
		Filter:   params.Filter,
		Language: params.Language,
		Scopes:   params.Scopes,
		BM25Only: params.BM25Only,
		Explain:  params.Explain,
		PerFile:  params.PerFile,
	}

	results, err := state.engine.Search(ctx, params.Query, opts)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	d.compactionMgr.OnSearchComplete(params.RootPath)

	return toRPCResults(results), nil
}

// HandleTrace implements RequestHandler: loads (or reuses) the project at
// params.RootPath and resolves the call-graph trace for a symbol.
func (d *Daemon) HandleTrace(ctx context.Context, params TraceParams) (*TraceResult, error) {
	state, err := d.getOrLoadProject(ctx, params.RootPath)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	state.lastUsed = time.Now()
	d.mu.Unlock()

	builder := graph.NewBuilder(state.metadata)
	result, err := builder.Trace(ctx, params.Symbol, graph.TraceOptions{
		Depth:       params.Depth,
		CallersOnly: params.CallersOnly,
		CalleesOnly: params.CalleesOnly,
		PathPrefix:  params.PathPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("trace failed: %w", err)
	}

	return toRPCTrace(result), nil
}

// GetStatus implements RequestHandler.
func (d *Daemon) GetStatus() StatusResult {
	d.mu.RLock()
	loaded := len(d.projects)
	d.mu.RUnlock()

	status := StatusResult{
		Running:        true,
		PID:            os.Getpid(),
		Uptime:         time.Since(d.started).Round(time.Second).String(),
		EmbedderType:   "unavailable",
		EmbedderStatus: "unavailable",
		ProjectsLoaded: loaded,
	}

	if d.embedder != nil {
		status.EmbedderType = d.embedder.ModelName()
		status.EmbedderStatus = "ready"
	}

	return status
}

// getOrLoadProject returns the cached projectState for rootPath, opening
// its stores on first use and evicting the LRU entry if MaxProjects is
// exceeded.
func (d *Daemon) getOrLoadProject(ctx context.Context, rootPath string) (*projectState, error) {
	d.mu.RLock()
	state, ok := d.projects[rootPath]
	d.mu.RUnlock()
	if ok {
		return state, nil
	}

	dataDir := filepath.Join(rootPath, ".osgrep")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no index found for %s. Run 'osgrep index' first", rootPath)
	}

	cfg, err := config.Load(rootPath)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		_ = metadata.Close()
		return nil, fmt.Errorf("failed to open BM25 index: %w", err)
	}

	embedder := d.embedder
	if embedder == nil {
		embed.SetMLXConfig(embed.MLXServerConfig{
			Endpoint: cfg.Embeddings.MLXEndpoint,
			Model:    cfg.Embeddings.MLXModel,
		})
		provider := embed.ParseProvider(cfg.Embeddings.Provider)
		embedder, err = embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
		if err != nil {
			_ = bm25.Close()
			_ = metadata.Close()
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
	}

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	vectorConfig := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorConfig)
	if err != nil {
		_ = bm25.Close()
		_ = metadata.Close()
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}
	if _, err := os.Stat(vectorPath); err == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Warn("vector_load_failed", slog.String("error", loadErr.Error()))
		}
	}

	engineConfig := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineConfig.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineConfig.DefaultWeights = search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		}
	}
	lateEmbedder := embed.NewStaticLateEmbedder()
	engine := search.New(bm25, vector, embedder, metadata, engineConfig,
		search.WithMultiQuerySearch(search.NewPatternDecomposer()),
		search.WithLateInteractionReranker(search.NewLateInteractionReranker(lateEmbedder, nil)))

	newState := &projectState{
		rootPath: rootPath,
		loadedAt: time.Now(),
		lastUsed: time.Now(),
		metadata: metadata,
		bm25:     bm25,
		vector:   vector,
		engine:   engine,
	}

	d.mu.Lock()
	d.projects[rootPath] = newState
	d.evictLRU()
	d.mu.Unlock()

	return newState, nil
}

// evictLRU drops the least-recently-used project whenever the cache is at
// or above MaxProjects, keeping room for the entry that triggered the call.
// Caller must hold d.mu.
func (d *Daemon) evictLRU() {
	maxProjects := d.config.MaxProjects
	if maxProjects <= 0 {
		maxProjects = 5
	}
	for len(d.projects) >= maxProjects {
		var oldestPath string
		var oldestTime time.Time
		for path, state := range d.projects {
			if oldestPath == "" || state.lastUsed.Before(oldestTime) {
				oldestPath = path
				oldestTime = state.lastUsed
			}
		}
		if oldestPath == "" {
			return
		}
		if state := d.projects[oldestPath]; state != nil {
			_ = state.Close()
		}
		delete(d.projects, oldestPath)
	}
}

// cleanup releases every loaded project and the daemon's own embedder.
func (d *Daemon) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for path, state := range d.projects {
		_ = state.Close()
		delete(d.projects, path)
	}
	if d.embedder != nil {
		_ = d.embedder.Close()
		d.embedder = nil
	}
}

// toRPCResults converts engine search results to the wire shape.
func toRPCResults(results []*search.SearchResult) []SearchResult {
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		rr := SearchResult{
			FilePath:          r.Chunk.FilePath,
			Hash:              r.Chunk.Hash,
			StartLine:         r.Chunk.StartLine,
			EndLine:           r.Chunk.EndLine,
			Score:             r.Score,
			Confidence:        string(r.ConfidenceCategory),
			Content:           r.Chunk.Content,
			Language:          r.Chunk.Language,
			IsAnchor:          r.Chunk.IsAnchor,
			ChunkType:         r.Chunk.ChunkType,
			Role:              string(r.Chunk.Role),
			ParentSymbol:      r.Chunk.ParentSymbol,
			Complexity:        r.Chunk.Complexity,
			IsExported:        r.Chunk.IsExported,
			DefinedSymbols:    r.Chunk.DefinedSymbols,
			ReferencedSymbols: r.Chunk.ReferencedSymbols,
			Imports:           r.Chunk.Imports,
			Exports:           r.Chunk.Exports,
			BM25Score:         r.BM25Score,
			VecScore:          r.VecScore,
			BM25Rank:          r.BM25Rank,
			VecRank:           r.VecRank,
		}
		if r.Explain != nil {
			rr.Explain = &ExplainData{
				Query:                r.Explain.Query,
				BM25ResultCount:      r.Explain.BM25ResultCount,
				VectorResultCount:    r.Explain.VectorResultCount,
				BM25Weight:           r.Explain.Weights.BM25,
				SemanticWeight:       r.Explain.Weights.Semantic,
				RRFConstant:          r.Explain.RRFConstant,
				BM25Only:             r.Explain.BM25Only,
				DimensionMismatch:    r.Explain.DimensionMismatch,
				MultiQueryDecomposed: r.Explain.MultiQueryDecomposed,
				SubQueries:           r.Explain.SubQueries,
			}
		}
		out = append(out, rr)
	}
	return out
}

// toRPCTrace converts a graph trace result to the wire shape.
func toRPCTrace(result *graph.TraceResult) *TraceResult {
	out := &TraceResult{Symbol: result.Symbol}
	if result.Center != nil {
		out.Center = toTraceChunk(result.Center, result.Symbol)
	}
	for _, c := range result.Callers {
		if tc := toTraceChunk(c, callerSymbol(c, result.Symbol)); tc != nil {
			out.Callers = append(out.Callers, *tc)
		}
	}
	for i, c := range result.Callees {
		symbol := ""
		if i < len(result.CalleeSymbols) {
			symbol = result.CalleeSymbols[i]
		}
		if tc := toTraceChunk(c, symbol); tc != nil {
			out.Callees = append(out.Callees, *tc)
		}
	}
	return out
}

// callerSymbol picks the name identifying the caller chunk: its first
// defined symbol if any, else its parent-symbol breadcrumb, else the
// traced symbol itself as a last resort.
func callerSymbol(c *store.Chunk, traced string) string {
	if len(c.DefinedSymbols) > 0 {
		return c.DefinedSymbols[0]
	}
	if c.ParentSymbol != "" {
		return c.ParentSymbol
	}
	return traced
}

func toTraceChunk(c *store.Chunk, symbol string) *TraceChunk {
	if c == nil {
		return nil
	}
	return &TraceChunk{
		Symbol:    symbol,
		FilePath:  c.FilePath,
		StartLine: c.StartLine,
		EndLine:   c.EndLine,
		Content:   c.Content,
		Language:  c.Language,
		Role:      string(c.Role),
	}
}
