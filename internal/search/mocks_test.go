package search

import (
	"context"
	"time"

	"github.com/osgrep/osgrep/internal/store"
)

// MockBM25Index is a function-configurable stub of store.BM25Index for
// benchmark/test setup that only needs to drive a handful of call paths.
type MockBM25Index struct {
	SearchFn func(ctx context.Context, query string, limit int) ([]*store.BM25Result, error)
	StatsFn  func() *store.IndexStats
}

func (m *MockBM25Index) Index(_ context.Context, _ []*store.Document) error { return nil }

func (m *MockBM25Index) Search(ctx context.Context, query string, limit int) ([]*store.BM25Result, error) {
	if m.SearchFn != nil {
		return m.SearchFn(ctx, query, limit)
	}
	return nil, nil
}

func (m *MockBM25Index) Delete(_ context.Context, _ []string) error { return nil }
func (m *MockBM25Index) AllIDs() ([]string, error)                  { return nil, nil }

func (m *MockBM25Index) Stats() *store.IndexStats {
	if m.StatsFn != nil {
		return m.StatsFn()
	}
	return &store.IndexStats{}
}

func (m *MockBM25Index) Save(_ string) error { return nil }
func (m *MockBM25Index) Load(_ string) error { return nil }
func (m *MockBM25Index) Close() error        { return nil }

var _ store.BM25Index = (*MockBM25Index)(nil)

// MockVectorStore is a function-configurable stub of store.VectorStore.
type MockVectorStore struct {
	SearchFn func(ctx context.Context, query []float32, k int) ([]*store.VectorResult, error)
	CountFn  func() int
}

func (m *MockVectorStore) Add(_ context.Context, _ []string, _ [][]float32) error { return nil }

func (m *MockVectorStore) Search(ctx context.Context, query []float32, k int) ([]*store.VectorResult, error) {
	if m.SearchFn != nil {
		return m.SearchFn(ctx, query, k)
	}
	return nil, nil
}

func (m *MockVectorStore) Delete(_ context.Context, _ []string) error { return nil }
func (m *MockVectorStore) AllIDs() []string                          { return nil }
func (m *MockVectorStore) Contains(_ string) bool                    { return false }

func (m *MockVectorStore) Count() int {
	if m.CountFn != nil {
		return m.CountFn()
	}
	return 0
}

func (m *MockVectorStore) Save(_ string) error { return nil }
func (m *MockVectorStore) Load(_ string) error { return nil }
func (m *MockVectorStore) Close() error        { return nil }

var _ store.VectorStore = (*MockVectorStore)(nil)

// MockEmbedder is a function-configurable stub of embed.Embedder.
type MockEmbedder struct {
	EmbedFn      func(ctx context.Context, text string) ([]float32, error)
	DimensionsFn func() int
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFn != nil {
		return m.EmbedFn(ctx, text)
	}
	return make([]float32, 768), nil
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *MockEmbedder) Dimensions() int {
	if m.DimensionsFn != nil {
		return m.DimensionsFn()
	}
	return 768
}

func (m *MockEmbedder) ModelName() string             { return "mock" }
func (m *MockEmbedder) Available(_ context.Context) bool { return true }
func (m *MockEmbedder) Close() error                  { return nil }
func (m *MockEmbedder) SetBatchIndex(_ int)           {}
func (m *MockEmbedder) SetFinalBatch(_ bool)          {}

// MockMetadataStore is an in-memory stub of store.MetadataStore, keyed by
// chunk ID, sufficient for benchmark/test setups that only exercise chunk
// lookups.
type MockMetadataStore struct {
	chunks map[string]*store.Chunk
}

// NewMockMetadataStore creates an empty mock metadata store.
func NewMockMetadataStore() *MockMetadataStore {
	return &MockMetadataStore{chunks: make(map[string]*store.Chunk)}
}

func (m *MockMetadataStore) SaveProject(_ context.Context, _ *store.Project) error { return nil }
func (m *MockMetadataStore) GetProject(_ context.Context, _ string) (*store.Project, error) {
	return nil, nil
}
func (m *MockMetadataStore) UpdateProjectStats(_ context.Context, _ string, _, _ int) error {
	return nil
}
func (m *MockMetadataStore) RefreshProjectStats(_ context.Context, _ string) error { return nil }
func (m *MockMetadataStore) SaveFiles(_ context.Context, _ []*store.File) error    { return nil }
func (m *MockMetadataStore) GetFileByPath(_ context.Context, _, _ string) (*store.File, error) {
	return nil, nil
}
func (m *MockMetadataStore) GetChangedFiles(_ context.Context, _ string, _ time.Time) ([]*store.File, error) {
	return nil, nil
}
func (m *MockMetadataStore) ListFiles(_ context.Context, _ string, _ string, _ int) ([]*store.File, string, error) {
	return nil, "", nil
}
func (m *MockMetadataStore) GetFilePathsByProject(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}
func (m *MockMetadataStore) GetFilesForReconciliation(_ context.Context, _ string) (map[string]*store.File, error) {
	return nil, nil
}
func (m *MockMetadataStore) ListFilePathsUnder(_ context.Context, _, _ string) ([]string, error) {
	return nil, nil
}
func (m *MockMetadataStore) DeleteFile(_ context.Context, _ string) error          { return nil }
func (m *MockMetadataStore) DeleteFilesByProject(_ context.Context, _ string) error { return nil }

func (m *MockMetadataStore) SaveChunks(_ context.Context, chunks []*store.Chunk) error {
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	return nil
}

func (m *MockMetadataStore) GetChunk(_ context.Context, id string) (*store.Chunk, error) {
	return m.chunks[id], nil
}

func (m *MockMetadataStore) GetChunks(_ context.Context, ids []string) ([]*store.Chunk, error) {
	out := make([]*store.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MockMetadataStore) GetChunksByFile(_ context.Context, _ string) ([]*store.Chunk, error) {
	return nil, nil
}
func (m *MockMetadataStore) DeleteChunks(_ context.Context, ids []string) error {
	for _, id := range ids {
		delete(m.chunks, id)
	}
	return nil
}
func (m *MockMetadataStore) DeleteChunksByFile(_ context.Context, _ string) error { return nil }

func (m *MockMetadataStore) SearchSymbols(_ context.Context, _ string, _ int) ([]*store.Symbol, error) {
	return nil, nil
}

func (m *MockMetadataStore) FindChunksDefining(_ context.Context, _, _ string, _ int) ([]*store.Chunk, error) {
	return nil, nil
}

func (m *MockMetadataStore) FindChunksReferencing(_ context.Context, _, _ string, _ int) ([]*store.Chunk, error) {
	return nil, nil
}

func (m *MockMetadataStore) GetState(_ context.Context, _ string) (string, error) { return "", nil }
func (m *MockMetadataStore) SetState(_ context.Context, _, _ string) error        { return nil }

func (m *MockMetadataStore) SaveChunkEmbeddings(_ context.Context, _ []string, _ [][]float32, _ string) error {
	return nil
}
func (m *MockMetadataStore) GetAllEmbeddings(_ context.Context) (map[string][]float32, error) {
	return nil, nil
}
func (m *MockMetadataStore) GetEmbeddingStats(_ context.Context) (int, int, error) { return 0, 0, nil }

func (m *MockMetadataStore) SaveIndexCheckpoint(_ context.Context, _ string, _, _ int, _ string) error {
	return nil
}
func (m *MockMetadataStore) LoadIndexCheckpoint(_ context.Context) (*store.IndexCheckpoint, error) {
	return nil, nil
}
func (m *MockMetadataStore) ClearIndexCheckpoint(_ context.Context) error { return nil }

func (m *MockMetadataStore) Close() error { return nil }

var _ store.MetadataStore = (*MockMetadataStore)(nil)
