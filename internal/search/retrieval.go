package search

import (
	"regexp"
	"sort"
	"strings"
)

// Retrieval-pipeline constants. PreK/RerankK/MaxPerFile/WFuse are fixed by
// the hybrid retriever design, not user-configurable.
const (
	// PreKMin is the floor for candidate-generation depth regardless of top_k.
	PreKMin = 500
	// PreKMultiplier scales PreKMin against the requested result count.
	PreKMultiplier = 5
	// RerankK bounds how many fused candidates go through late-interaction rerank.
	RerankK = 80
	// MaxPerFile caps how many results may share a single path after diversification.
	MaxPerFile = 3
	// WFuse is the blend weight applied to the RRF score during the rerank/fusion blend.
	WFuse = 0.5
)

// truncateRerankSet takes the first min(|Fused|, RerankK) documents per the
// rerank-set step of the retrieval pipeline.
func truncateRerankSet(fused []*fusedResult) []*fusedResult {
	if len(fused) > RerankK {
		return fused[:RerankK]
	}
	return fused
}

// finalizeResults runs the post-rerank tail of the pipeline: blend the RRF
// score back in, apply structural boosts, dedup by id/overlap, diversify
// per-file, and calibrate the final scores. Filters must already have been
// applied by the caller.
func (e *Engine) finalizeResults(results []*SearchResult, topK int) []*SearchResult {
	return e.finalizeResultsPerFile(results, topK, MaxPerFile)
}

// finalizeResultsPerFile is finalizeResults with an overridable
// diversification cap, letting callers honor an explicit --per-file request.
func (e *Engine) finalizeResultsPerFile(results []*SearchResult, topK, maxPerFile int) []*SearchResult {
	BlendFusionScore(results)
	ApplyStructuralBoost(results)
	results = ApplyPathBoost(results)
	results = Dedup(results)
	results = DiversifyPerFile(results, topK, maxPerFile)
	Calibrate(results)
	return results
}

// ComputePreK returns the ANN/FTS candidate depth for a requested topK.
func ComputePreK(topK int) int {
	k := topK * PreKMultiplier
	if k < PreKMin {
		return PreKMin
	}
	return k
}

// Confidence is the calibrated relevance category attached to a result after
// score normalization against the list's own top score.
type Confidence string

const (
	ConfidenceHigh   Confidence = "High"
	ConfidenceMedium Confidence = "Medium"
	ConfidenceLow    Confidence = "Low"
)

// classify buckets a calibrated (0-1) score into a confidence category.
func classifyConfidence(score float64) Confidence {
	switch {
	case score > 0.8:
		return ConfidenceHigh
	case score > 0.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

var generatedCodePattern = regexp.MustCompile(`(?i)(_pb2\.py$|\.pb\.go$|_generated\.|/generated/|\.g\.dart$|\.min\.js$)`)

var docsConfigExtPattern = regexp.MustCompile(`(?i)\.(md|markdown|rst|txt|ya?ml|json|toml|ini|cfg)$`)

// toolsPathPattern matches paths conventionally holding ancillary scripts
// rather than shipped implementation.
var toolsPathPattern = regexp.MustCompile(`(^|/)(tools|scripts|experiments)(/|$)`)

// ApplyStructuralBoost multiplies each result's score by the anchor/tests/
// docs/tools/generated-code factors from the retrieval design, in place.
func ApplyStructuralBoost(results []*SearchResult) {
	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		path := r.Chunk.FilePath
		if r.Chunk.IsAnchor {
			r.Score *= 0.99
		}
		if IsTestFile(path) {
			r.Score *= 0.5
		}
		if docsConfigExtPattern.MatchString(path) {
			r.Score *= 0.6
		}
		if toolsPathPattern.MatchString(path) {
			r.Score *= 0.35
		}
		if generatedCodePattern.MatchString(path) {
			r.Score *= 0.4
		}
	}
}

// BlendFusionScore folds the RRF score back into the rerank score per
// score = score_r + W_fuse * rrf(d), writing the result into r.Score.
func BlendFusionScore(results []*SearchResult) {
	for _, r := range results {
		r.Score = r.Score + WFuse*r.RRFScoreRaw
	}
}

// overlapFraction returns the fraction of the shorter [start,end] range that
// the two ranges share, used by the dedup-by-overlap rule (P7: reflexive,
// symmetric, idempotent).
func overlapFraction(aStart, aEnd, bStart, bEnd int) float64 {
	lo := aStart
	if bStart > lo {
		lo = bStart
	}
	hi := aEnd
	if bEnd < hi {
		hi = bEnd
	}
	overlap := hi - lo + 1
	if overlap <= 0 {
		return 0
	}
	aLen := aEnd - aStart + 1
	bLen := bEnd - bStart + 1
	shorter := aLen
	if bLen < shorter {
		shorter = bLen
	}
	if shorter <= 0 {
		return 0
	}
	return float64(overlap) / float64(shorter)
}

// Dedup drops exact-id duplicates, then collapses same-path results whose
// line ranges overlap by more than 50% of the shorter range, keeping the
// higher-scored member of each pair.
func Dedup(results []*SearchResult) []*SearchResult {
	seen := make(map[string]bool, len(results))
	unique := make([]*SearchResult, 0, len(results))
	for _, r := range results {
		if r.Chunk == nil || seen[r.Chunk.ID] {
			continue
		}
		seen[r.Chunk.ID] = true
		unique = append(unique, r)
	}

	sort.SliceStable(unique, func(i, j int) bool { return unique[i].Score > unique[j].Score })

	byPath := make(map[string][]*SearchResult, len(unique))
	kept := make([]*SearchResult, 0, len(unique))
	dropped := make(map[string]bool, len(unique))

	for _, r := range unique {
		path := r.Chunk.FilePath
		isDup := false
		for _, other := range byPath[path] {
			if dropped[other.Chunk.ID] {
				continue
			}
			if overlapFraction(r.Chunk.StartLine, r.Chunk.EndLine, other.Chunk.StartLine, other.Chunk.EndLine) > 0.5 {
				isDup = true
				break
			}
		}
		byPath[path] = append(byPath[path], r)
		if isDup {
			dropped[r.Chunk.ID] = true
			continue
		}
		kept = append(kept, r)
	}

	return kept
}

// Diversify walks results in descending score and keeps at most MaxPerFile
// entries per path, stopping once topK accepted results are collected.
func Diversify(results []*SearchResult, topK int) []*SearchResult {
	return DiversifyPerFile(results, topK, MaxPerFile)
}

// DiversifyPerFile is Diversify with an overridable per-path cap.
func DiversifyPerFile(results []*SearchResult, topK, maxPerFile int) []*SearchResult {
	if maxPerFile <= 0 {
		maxPerFile = MaxPerFile
	}
	counts := make(map[string]int, len(results))
	out := make([]*SearchResult, 0, topK)
	for _, r := range results {
		if len(out) >= topK {
			break
		}
		path := r.Chunk.FilePath
		if counts[path] >= maxPerFile {
			continue
		}
		counts[path]++
		out = append(out, r)
	}
	return out
}

// Calibrate normalizes scores against the list's own top score and attaches
// a categorical confidence to every result.
func Calibrate(results []*SearchResult) {
	if len(results) == 0 {
		return
	}
	top := results[0].Score
	for _, r := range results {
		top = max(top, r.Score)
	}
	if top <= 0 {
		return
	}
	for _, r := range results {
		r.Score = r.Score / top
		r.ConfidenceCategory = classifyConfidence(r.Score)
	}
}

// normalizeFTSQuery implements the FTS query-normalization rule: lowercase,
// strip non-word characters, drop short tokens and stopwords, cap at 16
// tokens. Returns "" if nothing survives (caller should then skip FTS).
func normalizeFTSQuery(query string) string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})

	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if ftsStopwords[f] {
			continue
		}
		out = append(out, f)
		if len(out) >= 16 {
			break
		}
	}
	return strings.Join(out, " ")
}

var ftsStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "are": true, "was": true, "were": true,
	"have": true, "has": true, "had": true, "not": true, "but": true,
	"what": true, "all": true, "can": true, "will": true, "would": true,
	"could": true, "should": true, "does": true, "when": true, "where": true,
	"which": true, "how": true, "into": true, "over": true, "about": true,
}
