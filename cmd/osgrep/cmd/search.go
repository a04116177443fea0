package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/internal/config"
	"github.com/osgrep/osgrep/internal/daemon"
	"github.com/osgrep/osgrep/internal/embed"
	"github.com/osgrep/osgrep/internal/index"
	"github.com/osgrep/osgrep/internal/logging"
	"github.com/osgrep/osgrep/internal/output"
	"github.com/osgrep/osgrep/internal/search"
	"github.com/osgrep/osgrep/internal/store"
	"github.com/osgrep/osgrep/internal/ui"
)

// searchOptions holds CLI flags for search, matching the external CLI surface.
type searchOptions struct {
	maxCount int  // -m|--max-count
	content  bool // -c|--content: print full chunk content, not a snippet
	perFile  int  // --per-file: diversification cap override
	scores   bool // --scores: show score/confidence detail
	compact  bool // --compact: one line per result
	plain    bool // --plain: no icons/decoration, machine-friendly
	sync     bool // -s|--sync: run a full sync before searching
	dryRun   bool // --dry-run: only meaningful combined with --sync

	// Additive flags beyond the mandated surface: genuine functionality the
	// underlying engine already supports, kept as opt-in extras.
	filter   string   // --type: all, code, docs
	language string   // --language
	bm25Only bool     // --bm25-only
	local    bool     // --local: bypass daemon
	explain  bool     // --explain
	jsonOut  bool     // --json: structured output (spec's normative shape)
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <pattern> [path]",
		Short: "Search the indexed codebase",
		Long: `Search the indexed codebase using hybrid search.

Combines BM25 (keyword) and semantic (embedding) search
with Reciprocal Rank Fusion for optimal results.

Examples:
  osgrep search "authentication middleware"
  osgrep search "handleRequest" internal/server
  osgrep search "error handling" --json
  osgrep search "setup" --sync`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := args[0]
			var path string
			if len(args) == 2 {
				path = args[1]
			}
			return runSearch(cmd.Context(), cmd, pattern, path, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.maxCount, "max-count", "m", 10, "Maximum number of results")
	cmd.Flags().BoolVarP(&opts.content, "content", "c", false, "Print full chunk content instead of a snippet")
	cmd.Flags().IntVar(&opts.perFile, "per-file", 0, "Override the diversification cap on results sharing one path")
	cmd.Flags().BoolVar(&opts.scores, "scores", false, "Show score/confidence detail per result")
	cmd.Flags().BoolVar(&opts.compact, "compact", false, "One line per result")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "Disable icons/decoration for machine-friendly output")
	cmd.Flags().BoolVarP(&opts.sync, "sync", "s", false, "Run a full sync before searching")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "With --sync, report sync counts without writing")

	cmd.Flags().StringVar(&opts.filter, "type", "all", "Filter by type: all, code, docs")
	cmd.Flags().StringVarP(&opts.language, "language", "l", "", "Filter by language (e.g., go, python)")
	cmd.Flags().BoolVar(&opts.bm25Only, "bm25-only", false, "Use keyword search only (skip semantic search)")
	cmd.Flags().BoolVar(&opts.local, "local", false, "Force local search (bypass daemon)")
	cmd.Flags().BoolVar(&opts.explain, "explain", false, "Show search decision process (BM25/vector results, weights, RRF fusion)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Structured JSON output")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, pattern, path string, opts searchOptions) error {
	// Initialize logging for CLI observability (BUG-039)
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if _, cleanup, err := logging.Setup(logCfg); err == nil {
		defer cleanup()
	}

	slog.Info("search_started", slog.String("query", pattern), slog.Int("max_count", opts.maxCount))
	out := output.New(cmd.OutOrStdout())

	// Find project root
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}

	// Check for index
	dataDir := filepath.Join(root, ".osgrep")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return fmt.Errorf("no index found. Run 'osgrep index' first")
	}

	scopes := opts.scopesFor(path)

	// Try daemon-based search first (fast, keeps embedder loaded)
	// Skip daemon if --local flag is set, or if the caller asked us to sync
	// first: the daemon's loaded project state can't be told to re-sync.
	daemonCfg := daemon.DefaultConfig()
	client := daemon.NewClient(daemonCfg)
	if !opts.local && !opts.sync && client.IsRunning() {
		slog.Info("search_using_daemon")
		results, err := client.Search(ctx, daemon.SearchParams{
			Query:    pattern,
			RootPath: root,
			Limit:    opts.maxCount,
			Filter:   opts.filter,
			Language: opts.language,
			Scopes:   scopes,
			BM25Only: opts.bm25Only,
			Explain:  opts.explain,
			PerFile:  opts.perFile,
		})
		if err != nil {
			slog.Warn("Daemon search failed, falling back to local",
				slog.String("error", err.Error()))
		} else {
			slog.Info("search_complete", slog.String("mode", "daemon"), slog.Int("results", len(results)))
			return formatDaemonResults(cmd, out, pattern, results, opts)
		}
	}

	// Fallback: Local search with dimension-compatible StaticEmbedder
	slog.Info("search_using_local")
	return runLocalSearch(ctx, cmd, root, pattern, scopes, opts)
}

// scopesFor builds the scope filter list from the optional positional path.
func (o searchOptions) scopesFor(path string) []string {
	if path == "" {
		return nil
	}
	return []string{path}
}

// runLocalSearch performs search without daemon using StaticEmbedder.
// This is fast but has lower semantic quality than Hugot embeddings.
func runLocalSearch(ctx context.Context, cmd *cobra.Command, root, query string, scopes []string, opts searchOptions) error {
	out := output.New(cmd.OutOrStdout())
	dataDir := filepath.Join(root, ".osgrep")

	// Load configuration
	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	// Initialize stores
	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	// Use factory for BM25 backend selection (SQLite default for concurrent access)
	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25Config := store.DefaultBM25Config()
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, bm25Config, cfg.Search.BM25Backend)
	if err != nil {
		return fmt.Errorf("failed to open BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	// Check existing vector store dimensions
	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	existingDims, err := store.ReadHNSWStoreDimensions(vectorPath)
	if err != nil {
		slog.Debug("Could not read vector dimensions", slog.String("error", err.Error()))
		existingDims = 0
	}

	// BUG-073: Only create embedder when not using --bm25-only
	var embedder embed.Embedder
	var dimensions int

	if opts.bm25Only {
		// Use static embedder for BM25-only mode (no network calls needed)
		embedder = embed.NewStaticEmbedder768()
		dimensions = embedder.Dimensions()
		slog.Debug("bm25_only_mode", slog.Int("dimensions", dimensions))
	} else {
		// Wire MLX config from config.yaml to embedder factory
		embed.SetMLXConfig(embed.MLXServerConfig{
			Endpoint: cfg.Embeddings.MLXEndpoint,
			Model:    cfg.Embeddings.MLXModel,
		})

		// Use config-based embedder selection (same as index command) - fixes BUG-039
		provider := embed.ParseProvider(cfg.Embeddings.Provider)
		embedder, err = embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
		if err != nil {
			return fmt.Errorf("failed to create embedder: %w", err)
		}
		dimensions = embedder.Dimensions()
		slog.Debug("embedder_initialized",
			slog.String("provider", provider.String()),
			slog.String("model", embedder.ModelName()),
			slog.Int("dimensions", dimensions),
			slog.Int("existing_dims", existingDims))
	}
	defer func() { _ = embedder.Close() }()
	vectorConfig := store.DefaultVectorStoreConfig(dimensions)
	vector, err := store.NewHNSWStore(vectorConfig)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()

	// Try to load vectors
	if _, err := os.Stat(vectorPath); err == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Debug("vector_load_failed", slog.String("error", loadErr.Error()))
		}
	}

	// -s|--sync: run a full sync before the query executes, per §4.8's
	// initial_sync entry point.
	if opts.sync {
		if err := runSyncBeforeSearch(ctx, root, dataDir, cfg, metadata, bm25, vector, embedder, opts.dryRun, opts.plain); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		if _, err := os.Stat(vectorPath); err == nil {
			if loadErr := vector.Load(vectorPath); loadErr != nil {
				slog.Debug("vector_reload_failed", slog.String("error", loadErr.Error()))
			}
		}
	}

	// Create search engine with defaults
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
	// FEAT-QI3: Add multi-query decomposition for generic queries
	lateEmbedder := embed.NewStaticLateEmbedder()
	engine := search.New(bm25, vector, embedder, metadata, engineConfig,
		search.WithMultiQuerySearch(search.NewPatternDecomposer()),
		search.WithLateInteractionReranker(search.NewLateInteractionReranker(lateEmbedder, nil)))

	// Build search options
	searchOpts := search.SearchOptions{
		Limit:    opts.maxCount,
		Filter:   opts.filter,
		Language: opts.language,
		Scopes:   scopes,
		BM25Only: opts.bm25Only,
		Explain:  opts.explain,
		PerFile:  opts.perFile,
	}

	// Execute search
	results, err := engine.Search(ctx, query, searchOpts)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	slog.Info("search_complete", slog.String("mode", "local"), slog.Int("results", len(results)))

	// Format and output results
	if len(results) == 0 {
		if opts.plain {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No matches found.")
		} else {
			out.Status("", fmt.Sprintf("No results found for %q", query))
		}
		return nil
	}

	if opts.jsonOut {
		return formatJSON(cmd, results)
	}
	return formatText(out, query, results, opts)
}

// runSyncBeforeSearch runs the full indexing pipeline inline before a search,
// reusing the stores search already opened.
func runSyncBeforeSearch(ctx context.Context, root, dataDir string, cfg *config.Config, metadata store.MetadataStore, bm25 store.BM25Index, vector store.VectorStore, embedder embed.Embedder, dryRun, plain bool) error {
	renderer := ui.NewRenderer(ui.Config{
		Output:     os.Stderr,
		ForcePlain: plain,
		NoColor:    plain,
		ProjectDir: root,
	})
	if err := renderer.Start(ctx); err != nil {
		slog.Warn("failed to start sync progress renderer", slog.String("error", err.Error()))
	}
	defer func() { _ = renderer.Stop() }()

	runner, err := index.NewRunner(index.RunnerDependencies{
		Renderer: renderer,
		Config:   cfg,
		Metadata: metadata,
		BM25:     bm25,
		Vector:   vector,
		Embedder: embedder,
	})
	if err != nil {
		return err
	}
	defer func() { _ = runner.Close() }()

	_, err = runner.Run(ctx, index.RunnerConfig{
		RootDir: root,
		DataDir: dataDir,
		DryRun:  dryRun,
	})
	return err
}

// formatDaemonResults formats search results from daemon.
func formatDaemonResults(cmd *cobra.Command, out *output.Writer, query string, results []daemon.SearchResult, opts searchOptions) error {
	if len(results) == 0 {
		if opts.plain {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No matches found.")
		} else {
			out.Status("", fmt.Sprintf("No results found for %q", query))
		}
		return nil
	}

	if opts.jsonOut {
		return formatDaemonResultsJSON(cmd, results)
	}

	if len(results) > 0 && results[0].Explain != nil {
		formatDaemonExplainHeader(out, results[0].Explain)
	}

	if !opts.plain {
		out.Statusf("🔍", "Found %d results for %q:", len(results), query)
		out.Newline()
	}

	hasExplain := len(results) > 0 && results[0].Explain != nil
	for i, r := range results {
		location := r.FilePath
		if r.StartLine > 0 {
			location = fmt.Sprintf("%s:%d", r.FilePath, r.StartLine)
		}
		printResultLine(out, i+1, location, r.Score, r.Confidence, opts)

		if hasExplain && opts.scores {
			out.Status("", fmt.Sprintf("      BM25: rank %d (score: %.3f) | Vector: rank %d (score: %.3f)",
				r.BM25Rank, r.BM25Score, r.VecRank, r.VecScore))
		}

		if !opts.compact {
			printResultBody(out, r.Content, opts)
		}
	}
	return nil
}

// formatDaemonExplainHeader outputs the explain summary for daemon results.
// FEAT-UNIX3: Implements Unix Rule of Transparency for search debugging.
func formatDaemonExplainHeader(out *output.Writer, explain *daemon.ExplainData) {
	out.Status("", "════════════════════════════════════════")
	out.Status("", "SEARCH EXPLANATION")
	out.Status("", "════════════════════════════════════════")
	out.Status("", fmt.Sprintf("Query: %q", explain.Query))
	out.Newline()

	// Show search mode
	if explain.BM25Only {
		out.Status("", "Mode: BM25-only (--bm25-only flag)")
	} else if explain.DimensionMismatch {
		out.Status("", "Mode: BM25-only (dimension mismatch - run 'osgrep reindex --force')")
	} else if explain.MultiQueryDecomposed {
		out.Status("", "Mode: Multi-query decomposition")
		out.Status("", "Sub-queries:")
		for _, sq := range explain.SubQueries {
			out.Status("", fmt.Sprintf("  - %q", sq))
		}
	} else {
		out.Status("", "Mode: Hybrid (BM25 + Vector)")
	}
	out.Newline()

	// Show result counts and weights
	out.Status("", fmt.Sprintf("BM25 Results: %d (weight: %.2f)", explain.BM25ResultCount, explain.BM25Weight))
	out.Status("", fmt.Sprintf("Vector Results: %d (weight: %.2f)", explain.VectorResultCount, explain.SemanticWeight))
	out.Status("", fmt.Sprintf("RRF Constant: k=%d", explain.RRFConstant))
	out.Status("", "════════════════════════════════════════")
	out.Newline()
}

// printResultLine prints one result's header line, honoring --compact/--plain/--scores.
func printResultLine(out *output.Writer, n int, location string, score float64, confidence string, opts searchOptions) {
	if opts.scores {
		if confidence != "" {
			out.Statusf("", "%d. %s (score: %.3f, confidence: %s)", n, location, score, confidence)
		} else {
			out.Statusf("", "%d. %s (score: %.3f)", n, location, score)
		}
		return
	}
	out.Statusf("", "%d. %s", n, location)
}

// printResultBody prints a result's content: a 3-line snippet by default, or
// the full chunk content when --content is set.
func printResultBody(out *output.Writer, content string, opts searchOptions) {
	lines := strings.Split(content, "\n")
	if !opts.content && len(lines) > 3 {
		lines = lines[:3]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	for _, line := range lines {
		out.Status("", "   "+line)
	}
	out.Newline()
}

// formatText outputs results in human-readable format.
func formatText(out *output.Writer, query string, results []*search.SearchResult, opts searchOptions) error {
	if len(results) > 0 && results[0].Explain != nil {
		formatExplainHeader(out, results[0].Explain)
	}

	if !opts.plain {
		out.Statusf("🔍", "Found %d results for %q:", len(results), query)
		out.Newline()
	}

	hasExplain := len(results) > 0 && results[0].Explain != nil
	for i, r := range results {
		if r.Chunk == nil {
			continue
		}

		location := r.Chunk.FilePath
		if r.Chunk.StartLine > 0 {
			location = fmt.Sprintf("%s:%d", r.Chunk.FilePath, r.Chunk.StartLine)
		}
		printResultLine(out, i+1, location, r.Score, string(r.ConfidenceCategory), opts)

		if hasExplain && opts.scores {
			out.Status("", fmt.Sprintf("      BM25: rank %d (score: %.3f) | Vector: rank %d (score: %.3f)",
				r.BM25Rank, r.BM25Score, r.VecRank, r.VecScore))
		}

		if !opts.compact {
			printResultBody(out, r.Chunk.Content, opts)
		}
	}

	return nil
}

// formatExplainHeader outputs the explain summary for a search.
// FEAT-UNIX3: Implements Unix Rule of Transparency for search debugging.
func formatExplainHeader(out *output.Writer, explain *search.ExplainData) {
	out.Status("", "════════════════════════════════════════")
	out.Status("", "SEARCH EXPLANATION")
	out.Status("", "════════════════════════════════════════")
	out.Status("", fmt.Sprintf("Query: %q", explain.Query))
	out.Newline()

	// Show search mode
	if explain.BM25Only {
		out.Status("", "Mode: BM25-only (--bm25-only flag)")
	} else if explain.DimensionMismatch {
		out.Status("", "Mode: BM25-only (dimension mismatch - run 'osgrep reindex --force')")
	} else if explain.MultiQueryDecomposed {
		out.Status("", "Mode: Multi-query decomposition")
		out.Status("", "Sub-queries:")
		for _, sq := range explain.SubQueries {
			out.Status("", fmt.Sprintf("  - %q", sq))
		}
	} else {
		out.Status("", "Mode: Hybrid (BM25 + Vector)")
	}
	out.Newline()

	// Show result counts and weights
	out.Status("", fmt.Sprintf("BM25 Results: %d (weight: %.2f)", explain.BM25ResultCount, explain.Weights.BM25))
	out.Status("", fmt.Sprintf("Vector Results: %d (weight: %.2f)", explain.VectorResultCount, explain.Weights.Semantic))
	out.Status("", fmt.Sprintf("RRF Constant: k=%d", explain.RRFConstant))
	out.Status("", "════════════════════════════════════════")
	out.Newline()
}

// jsonResultItem is the normative persisted shape of a search result item.
type jsonResultItem struct {
	Type             string           `json:"type"`
	Text             string           `json:"text"`
	Score            float64          `json:"score"`
	Confidence       string           `json:"confidence"`
	Metadata         jsonItemMetadata `json:"metadata"`
	GeneratedMeta    jsonGeneratedMeta `json:"generated_metadata"`
	Complexity       int              `json:"complexity"`
	IsExported       bool             `json:"is_exported"`
	Role             string           `json:"role"`
	ParentSymbol     string           `json:"parent_symbol,omitempty"`
	DefinedSymbols   []string         `json:"defined_symbols"`
	ReferencedSymbols []string        `json:"referenced_symbols"`
	Imports          []string         `json:"imports"`
	Exports          []string         `json:"exports"`
}

type jsonItemMetadata struct {
	Path     string `json:"path"`
	Hash     string `json:"hash"`
	IsAnchor bool   `json:"is_anchor"`
}

type jsonGeneratedMeta struct {
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	NumLines  int    `json:"num_lines"`
	Type      string `json:"type"`
}

// formatJSON outputs local search results in the normative persisted shape.
func formatJSON(cmd *cobra.Command, results []*search.SearchResult) error {
	items := make([]jsonResultItem, 0, len(results))
	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		c := r.Chunk
		items = append(items, jsonResultItem{
			Type:       "text",
			Text:       c.Content,
			Score:      r.Score,
			Confidence: string(r.ConfidenceCategory),
			Metadata: jsonItemMetadata{
				Path:     c.FilePath,
				Hash:     c.Hash,
				IsAnchor: c.IsAnchor,
			},
			GeneratedMeta: jsonGeneratedMeta{
				StartLine: c.StartLine,
				EndLine:   c.EndLine,
				NumLines:  numLines(c.StartLine, c.EndLine),
				Type:      c.ChunkType,
			},
			Complexity:        c.Complexity,
			IsExported:        c.IsExported,
			Role:              string(c.Role),
			ParentSymbol:      c.ParentSymbol,
			DefinedSymbols:    c.DefinedSymbols,
			ReferencedSymbols: c.ReferencedSymbols,
			Imports:           c.Imports,
			Exports:           c.Exports,
		})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

// formatDaemonResultsJSON outputs daemon-sourced results in the same
// normative shape as formatJSON.
func formatDaemonResultsJSON(cmd *cobra.Command, results []daemon.SearchResult) error {
	items := make([]jsonResultItem, 0, len(results))
	for _, r := range results {
		items = append(items, jsonResultItem{
			Type:       "text",
			Text:       r.Content,
			Score:      r.Score,
			Confidence: r.Confidence,
			Metadata: jsonItemMetadata{
				Path:     r.FilePath,
				Hash:     r.Hash,
				IsAnchor: r.IsAnchor,
			},
			GeneratedMeta: jsonGeneratedMeta{
				StartLine: r.StartLine,
				EndLine:   r.EndLine,
				NumLines:  numLines(r.StartLine, r.EndLine),
				Type:      r.ChunkType,
			},
			Complexity:        r.Complexity,
			IsExported:        r.IsExported,
			Role:              r.Role,
			ParentSymbol:      r.ParentSymbol,
			DefinedSymbols:    r.DefinedSymbols,
			ReferencedSymbols: r.ReferencedSymbols,
			Imports:           r.Imports,
			Exports:           r.Exports,
		})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

func numLines(start, end int) int {
	if end < start {
		return 0
	}
	return end - start + 1
}
