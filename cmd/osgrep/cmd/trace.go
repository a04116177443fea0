package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/osgrep/osgrep/internal/config"
	"github.com/osgrep/osgrep/internal/daemon"
	"github.com/osgrep/osgrep/internal/graph"
	"github.com/osgrep/osgrep/internal/logging"
	"github.com/osgrep/osgrep/internal/output"
	"github.com/osgrep/osgrep/internal/store"
)

// traceOptions holds CLI flags for trace, matching the external CLI surface.
type traceOptions struct {
	depth   int  // -d|--depth
	callers bool // --callers: restrict to center + callers
	callees bool // --callees: restrict to center + callees
	path    string // -p|--path

	pretty bool // --pretty: human-readable with icons (default)
	plain  bool // --plain: human-readable, no icons
	json   bool // --json: structured output

	local bool // --local: bypass daemon (additive, kept for the same reason search.go keeps it)
}

func newTraceCmd() *cobra.Command {
	var opts traceOptions

	cmd := &cobra.Command{
		Use:   "trace <symbol>",
		Short: "Trace a symbol's definition, callers, and callees",
		Long: `Trace resolves where a symbol is defined and walks the call graph
around it: who references it (callers) and what it references in turn
(callees), using the project's indexed structural metadata.

Examples:
  osgrep trace HandleRequest
  osgrep trace NewServer --callers
  osgrep trace Run --depth 2
  osgrep trace Parse --path internal/chunk/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.Context(), cmd, args[0], opts)
		},
	}

	cmd.Flags().IntVarP(&opts.depth, "depth", "d", 1, "Callee expansion depth")
	cmd.Flags().BoolVar(&opts.callers, "callers", false, "Show only the symbol's callers")
	cmd.Flags().BoolVar(&opts.callees, "callees", false, "Show only the symbol's callees")
	cmd.Flags().StringVarP(&opts.path, "path", "p", "", "Restrict the definition lookup to paths under this prefix")
	cmd.Flags().BoolVar(&opts.pretty, "pretty", false, "Human-readable output with icons (default)")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "Human-readable output without icons")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Structured JSON output")
	cmd.Flags().BoolVar(&opts.local, "local", false, "Force local trace (bypass daemon)")

	return cmd
}

func runTrace(ctx context.Context, cmd *cobra.Command, symbol string, opts traceOptions) error {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if _, cleanup, err := logging.Setup(logCfg); err == nil {
		defer cleanup()
	}

	slog.Info("trace_started", slog.String("symbol", symbol))
	out := output.New(cmd.OutOrStdout())

	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}

	dataDir := filepath.Join(root, ".osgrep")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return fmt.Errorf("no index found. Run 'osgrep index' first")
	}

	daemonCfg := daemon.DefaultConfig()
	client := daemon.NewClient(daemonCfg)
	if !opts.local && client.IsRunning() {
		slog.Info("trace_using_daemon")
		result, err := client.Trace(ctx, daemon.TraceParams{
			Symbol:      symbol,
			RootPath:    root,
			Depth:       opts.depth,
			CallersOnly: opts.callers && !opts.callees,
			CalleesOnly: opts.callees && !opts.callers,
			PathPrefix:  opts.path,
		})
		if err != nil {
			slog.Warn("Daemon trace failed, falling back to local",
				slog.String("error", err.Error()))
		} else {
			slog.Info("trace_complete", slog.String("mode", "daemon"))
			return formatDaemonTrace(cmd, out, symbol, result, opts)
		}
	}

	slog.Info("trace_using_local")
	return runLocalTrace(ctx, cmd, root, metadataPath, symbol, opts)
}

// runLocalTrace performs a trace directly against the metadata store,
// without the daemon's warm embedder/engine cache.
func runLocalTrace(ctx context.Context, cmd *cobra.Command, _, metadataPath, symbol string, opts traceOptions) error {
	out := output.New(cmd.OutOrStdout())

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	builder := graph.NewBuilder(metadata)
	result, err := builder.Trace(ctx, symbol, graph.TraceOptions{
		Depth:       opts.depth,
		CallersOnly: opts.callers && !opts.callees,
		CalleesOnly: opts.callees && !opts.callers,
		PathPrefix:  opts.path,
	})
	if err != nil {
		return fmt.Errorf("trace failed: %w", err)
	}
	slog.Info("trace_complete", slog.String("mode", "local"))

	if opts.json {
		return formatTraceJSON(cmd, result)
	}
	return formatLocalTraceText(out, symbol, result, opts.plain)
}

func formatLocalTraceText(out *output.Writer, symbol string, result *graph.TraceResult, plain bool) error {
	icon := "🔗"
	if plain {
		icon = ""
	}

	if result.Center == nil {
		out.Status("", fmt.Sprintf("No definition found for %q", symbol))
		return nil
	}

	out.Statusf(icon, "Trace for %q", symbol)
	out.Newline()
	out.Status("", fmt.Sprintf("Defined at %s (%s)", chunkLocation(result.Center), result.Center.Role))
	out.Newline()

	if result.Callers != nil {
		out.Status("", fmt.Sprintf("Callers (%d):", len(result.Callers)))
		for _, c := range result.Callers {
			out.Status("", fmt.Sprintf("  %s %s", callerSymbol(c, symbol), chunkLocation(c)))
		}
		out.Newline()
	}

	if result.Callees != nil {
		out.Status("", fmt.Sprintf("Callees (%d):", len(result.Callees)))
		for i := range result.Callees {
			name := symbol
			if i < len(result.CalleeSymbols) {
				name = result.CalleeSymbols[i]
			}
			out.Status("", "  "+name)
		}
		out.Newline()
	}

	return nil
}

// callerSymbol picks the best symbol name to attribute a caller chunk to:
// the first symbol it defines, falling back to its enclosing breadcrumb,
// falling back to the traced symbol itself.
func callerSymbol(c *store.Chunk, traced string) string {
	if len(c.DefinedSymbols) > 0 {
		return c.DefinedSymbols[0]
	}
	if c.ParentSymbol != "" {
		return c.ParentSymbol
	}
	return traced
}

func chunkLocation(c *store.Chunk) string {
	if c.StartLine > 0 {
		return fmt.Sprintf("%s:%d", c.FilePath, c.StartLine)
	}
	return c.FilePath
}

// jsonTraceCenter is the normative shape of a trace's center chunk.
type jsonTraceCenter struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Role string `json:"role"`
}

// jsonTraceCaller is the normative shape of one caller entry.
type jsonTraceCaller struct {
	Symbol string `json:"symbol"`
	File   string `json:"file"`
	Line   int    `json:"line"`
}

// jsonTraceResult is the normative persisted shape of a trace result:
// callers carry full location detail, callees are bare symbol names.
type jsonTraceResult struct {
	Symbol  string             `json:"symbol"`
	Center  *jsonTraceCenter   `json:"center"`
	Callers []jsonTraceCaller  `json:"callers"`
	Callees []string           `json:"callees"`
}

func formatTraceJSON(cmd *cobra.Command, result *graph.TraceResult) error {
	jr := jsonTraceResult{
		Symbol:  result.Symbol,
		Callers: []jsonTraceCaller{},
		Callees: []string{},
	}
	if result.Center != nil {
		jr.Center = &jsonTraceCenter{
			File: result.Center.FilePath,
			Line: result.Center.StartLine,
			Role: string(result.Center.Role),
		}
	}
	for _, c := range result.Callers {
		jr.Callers = append(jr.Callers, jsonTraceCaller{
			Symbol: callerSymbol(c, result.Symbol),
			File:   c.FilePath,
			Line:   c.StartLine,
		})
	}
	if len(result.CalleeSymbols) == len(result.Callees) {
		jr.Callees = append(jr.Callees, result.CalleeSymbols...)
	} else {
		for _, c := range result.Callees {
			jr.Callees = append(jr.Callees, callerSymbol(c, result.Symbol))
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(jr)
}

// formatDaemonTrace formats a trace result returned by the daemon.
func formatDaemonTrace(cmd *cobra.Command, out *output.Writer, symbol string, result *daemon.TraceResult, opts traceOptions) error {
	if opts.json {
		jr := jsonTraceResult{
			Symbol:  result.Symbol,
			Callers: []jsonTraceCaller{},
			Callees: []string{},
		}
		if result.Center != nil {
			jr.Center = &jsonTraceCenter{File: result.Center.FilePath, Line: result.Center.StartLine, Role: result.Center.Role}
		}
		for _, c := range result.Callers {
			jr.Callers = append(jr.Callers, jsonTraceCaller{Symbol: c.Symbol, File: c.FilePath, Line: c.StartLine})
		}
		for _, c := range result.Callees {
			jr.Callees = append(jr.Callees, c.Symbol)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(jr)
	}

	icon := "🔗"
	if opts.plain {
		icon = ""
	}

	if result.Center == nil {
		out.Status("", fmt.Sprintf("No definition found for %q", symbol))
		return nil
	}

	out.Statusf(icon, "Trace for %q", symbol)
	out.Newline()
	out.Status("", fmt.Sprintf("Defined at %s (%s)", daemonChunkLocation(result.Center), result.Center.Role))
	out.Newline()

	if result.Callers != nil {
		out.Status("", fmt.Sprintf("Callers (%d):", len(result.Callers)))
		for i := range result.Callers {
			c := &result.Callers[i]
			out.Status("", fmt.Sprintf("  %s %s", c.Symbol, daemonChunkLocation(c)))
		}
		out.Newline()
	}

	if result.Callees != nil {
		out.Status("", fmt.Sprintf("Callees (%d):", len(result.Callees)))
		for i := range result.Callees {
			out.Status("", "  "+result.Callees[i].Symbol)
		}
		out.Newline()
	}

	return nil
}

func daemonChunkLocation(c *daemon.TraceChunk) string {
	if c.StartLine > 0 {
		return fmt.Sprintf("%s:%d", c.FilePath, c.StartLine)
	}
	return c.FilePath
}
