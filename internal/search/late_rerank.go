package search

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"

	"github.com/osgrep/osgrep/internal/embed"
	"github.com/osgrep/osgrep/internal/store"
)

// PackColbertMatrix quantizes a [T x D_late] float32 matrix into the
// on-disk ColbertVector blob: a little-endian float32 scale (the global
// max-abs value across the matrix) followed by row-major INT8 values, each
// INT8 representing value/scale*127. Document tokenIDs are returned
// unchanged for storage in Chunk.DocTokenIDs.
func PackColbertMatrix(rows []embed.LateTokenVector) (blob []byte, tokenIDs []uint32) {
	if len(rows) == 0 {
		return nil, nil
	}

	var maxAbs float32
	for _, row := range rows {
		for _, v := range row.Vector {
			if a := float32(math.Abs(float64(v))); a > maxAbs {
				maxAbs = a
			}
		}
	}
	if maxAbs == 0 {
		maxAbs = 1
	}

	dLate := len(rows[0].Vector)
	blob = make([]byte, 4+len(rows)*dLate)
	binary.LittleEndian.PutUint32(blob[0:4], math.Float32bits(maxAbs))

	tokenIDs = make([]uint32, len(rows))
	for i, row := range rows {
		tokenIDs[i] = row.TokenID
		base := 4 + i*dLate
		for j, v := range row.Vector {
			q := int32(v / maxAbs * 127)
			if q > 127 {
				q = 127
			}
			if q < -128 {
				q = -128
			}
			blob[base+j] = byte(int8(q))
		}
	}
	return blob, tokenIDs
}

// unpackColbertMatrix is the inverse of PackColbertMatrix, dequantizing
// each row back to float32 via x/127 * scale.
func unpackColbertMatrix(blob []byte, dLate int) (matrix [][]float32, ok bool) {
	if len(blob) < 4 || dLate <= 0 {
		return nil, false
	}
	scale := math.Float32frombits(binary.LittleEndian.Uint32(blob[0:4]))
	body := blob[4:]
	if len(body)%dLate != 0 {
		return nil, false
	}
	rows := len(body) / dLate
	matrix = make([][]float32, rows)
	for i := 0; i < rows; i++ {
		row := make([]float32, dLate)
		base := i * dLate
		for j := 0; j < dLate; j++ {
			row[j] = float32(int8(body[base+j])) / 127 * scale
		}
		matrix[i] = row
	}
	return matrix, true
}

// maxSim computes MaxSim(q_late, M_d) = Σ_i max_j (q_late[i] · dequant(M_d[j])),
// skipping document rows whose token ID is in skipTokenIDs.
func maxSim(qLate []embed.LateTokenVector, docMatrix [][]float32, docTokenIDs []uint32, skipTokenIDs map[uint32]bool) float64 {
	if len(qLate) == 0 || len(docMatrix) == 0 {
		return 0
	}

	var total float64
	for _, q := range qLate {
		best := math.Inf(-1)
		for j, drow := range docMatrix {
			if skipTokenIDs != nil && j < len(docTokenIDs) && skipTokenIDs[docTokenIDs[j]] {
				continue
			}
			sim := dotProduct(q.Vector, drow)
			if sim > best {
				best = sim
			}
		}
		if !math.IsInf(best, -1) {
			total += best
		}
	}
	return total
}

func dotProduct(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// LateInteractionReranker implements the late-interaction rerank step
// (§4.10 step 5): for each document in the rerank set, dequantize its
// stored ColbertVector and score it against the query's late-interaction
// matrix with MaxSim. Grounded on the same optional-collaborator shape as
// MLXReranker (internal/search/mlx_reranker.go), but scores chunks directly
// instead of round-tripping through an HTTP cross-encoder.
type LateInteractionReranker struct {
	embedder     embed.LateEmbedder
	skipTokenIDs map[uint32]bool
}

// NewLateInteractionReranker creates a reranker over the given late
// embedder. skipTokenIDs is an optional token-ID stop set excluded from the
// max before scoring; nil means no positions are skipped.
func NewLateInteractionReranker(embedder embed.LateEmbedder, skipTokenIDs map[uint32]bool) *LateInteractionReranker {
	return &LateInteractionReranker{embedder: embedder, skipTokenIDs: skipTokenIDs}
}

// Available reports whether the underlying late embedder is ready.
func (r *LateInteractionReranker) Available(ctx context.Context) bool {
	return r.embedder != nil && r.embedder.Available(ctx)
}

// Close releases the underlying late embedder.
func (r *LateInteractionReranker) Close() error {
	if r.embedder == nil {
		return nil
	}
	return r.embedder.Close()
}

// RerankChunks scores chunks against query using MaxSim and returns a
// score per chunk ID, in the same order as chunks. Chunks without a stored
// ColbertVector are skipped (caller should fall back to the fusion score
// for those, per §4.10 step 5's "if rerank=false" fallback path).
func (r *LateInteractionReranker) RerankChunks(ctx context.Context, query string, chunks []*store.Chunk) (map[string]float64, error) {
	scores := make(map[string]float64, len(chunks))
	if r.embedder == nil {
		return scores, nil
	}

	qLate, err := r.embedder.EncodeQueryLate(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(qLate) == 0 {
		return scores, nil
	}

	dLate := r.embedder.Dimensions()
	for _, chunk := range chunks {
		if len(chunk.ColbertVector) == 0 {
			continue
		}
		matrix, ok := unpackColbertMatrix(chunk.ColbertVector, dLate)
		if !ok {
			slog.Debug("failed to unpack colbert matrix, skipping late rerank",
				slog.String("chunk_id", chunk.ID))
			continue
		}
		scores[chunk.ID] = maxSim(qLate, matrix, chunk.DocTokenIDs, r.skipTokenIDs)
	}
	return scores, nil
}
