package graph

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osgrep/osgrep/internal/store"
)

// fakeMetadataStore is a minimal in-memory store.MetadataStore covering only
// the graph lookups Trace depends on.
type fakeMetadataStore struct {
	chunks []*store.Chunk
}

func (f *fakeMetadataStore) SaveProject(context.Context, *store.Project) error { return nil }
func (f *fakeMetadataStore) GetProject(context.Context, string) (*store.Project, error) {
	return nil, nil
}
func (f *fakeMetadataStore) UpdateProjectStats(context.Context, string, int, int) error { return nil }
func (f *fakeMetadataStore) RefreshProjectStats(context.Context, string) error          { return nil }
func (f *fakeMetadataStore) SaveFiles(context.Context, []*store.File) error             { return nil }
func (f *fakeMetadataStore) GetFileByPath(context.Context, string, string) (*store.File, error) {
	return nil, nil
}
func (f *fakeMetadataStore) GetChangedFiles(context.Context, string, time.Time) ([]*store.File, error) {
	return nil, nil
}

func (f *fakeMetadataStore) ListFiles(context.Context, string, string, int) ([]*store.File, string, error) {
	return nil, "", nil
}
func (f *fakeMetadataStore) GetFilePathsByProject(context.Context, string) ([]string, error) {
	return nil, nil
}
func (f *fakeMetadataStore) GetFilesForReconciliation(context.Context, string) (map[string]*store.File, error) {
	return nil, nil
}
func (f *fakeMetadataStore) ListFilePathsUnder(context.Context, string, string) ([]string, error) {
	return nil, nil
}
func (f *fakeMetadataStore) DeleteFile(context.Context, string) error          { return nil }
func (f *fakeMetadataStore) DeleteFilesByProject(context.Context, string) error { return nil }

func (f *fakeMetadataStore) SaveChunks(context.Context, []*store.Chunk) error { return nil }
func (f *fakeMetadataStore) GetChunk(context.Context, string) (*store.Chunk, error) {
	return nil, nil
}
func (f *fakeMetadataStore) GetChunks(context.Context, []string) ([]*store.Chunk, error) {
	return nil, nil
}
func (f *fakeMetadataStore) GetChunksByFile(context.Context, string) ([]*store.Chunk, error) {
	return nil, nil
}
func (f *fakeMetadataStore) DeleteChunks(context.Context, []string) error   { return nil }
func (f *fakeMetadataStore) DeleteChunksByFile(context.Context, string) error { return nil }

func (f *fakeMetadataStore) SearchSymbols(context.Context, string, int) ([]*store.Symbol, error) {
	return nil, nil
}

func (f *fakeMetadataStore) FindChunksDefining(_ context.Context, symbol, pathPrefix string, limit int) ([]*store.Chunk, error) {
	var out []*store.Chunk
	for _, c := range f.chunks {
		if pathPrefix != "" && !strings.HasPrefix(c.FilePath, pathPrefix) {
			continue
		}
		for _, s := range c.DefinedSymbols {
			if s == symbol {
				out = append(out, c)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeMetadataStore) FindChunksReferencing(_ context.Context, symbol, pathPrefix string, limit int) ([]*store.Chunk, error) {
	var out []*store.Chunk
	for _, c := range f.chunks {
		if pathPrefix != "" && !strings.HasPrefix(c.FilePath, pathPrefix) {
			continue
		}
		for _, s := range c.ReferencedSymbols {
			if s == symbol {
				out = append(out, c)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeMetadataStore) GetState(context.Context, string) (string, error) { return "", nil }
func (f *fakeMetadataStore) SetState(context.Context, string, string) error   { return nil }

func (f *fakeMetadataStore) SaveChunkEmbeddings(context.Context, []string, [][]float32, string) error {
	return nil
}
func (f *fakeMetadataStore) GetAllEmbeddings(context.Context) (map[string][]float32, error) {
	return nil, nil
}
func (f *fakeMetadataStore) GetEmbeddingStats(context.Context) (int, int, error) { return 0, 0, nil }

func (f *fakeMetadataStore) SaveIndexCheckpoint(context.Context, string, int, int, string) error {
	return nil
}
func (f *fakeMetadataStore) LoadIndexCheckpoint(context.Context) (*store.IndexCheckpoint, error) {
	return nil, nil
}
func (f *fakeMetadataStore) ClearIndexCheckpoint(context.Context) error { return nil }

func (f *fakeMetadataStore) Close() error { return nil }

var _ store.MetadataStore = (*fakeMetadataStore)(nil)

func chunk(id, path string, defines, refs []string) *store.Chunk {
	return &store.Chunk{
		ID:                id,
		FilePath:          path,
		DefinedSymbols:    defines,
		ReferencedSymbols: refs,
	}
}

func TestTrace_DefinitionNotFound(t *testing.T) {
	b := NewBuilder(&fakeMetadataStore{})
	result, err := b.Trace(context.Background(), "missing", TraceOptions{})
	require.NoError(t, err)
	assert.Nil(t, result.Center)
	assert.Empty(t, result.Callers)
	assert.Empty(t, result.Callees)
}

func TestTrace_CallersExcludeSelfDefiningChunk(t *testing.T) {
	fakeStore := &fakeMetadataStore{chunks: []*store.Chunk{
		chunk("c1", "a.go", []string{"Foo"}, nil),
		chunk("c2", "b.go", nil, []string{"Foo"}),
		// a chunk that both defines and calls Foo (e.g. recursive helper)
		chunk("c3", "c.go", []string{"Foo"}, []string{"Foo"}),
	}}
	b := NewBuilder(fakeStore)

	result, err := b.Trace(context.Background(), "Foo", TraceOptions{})
	require.NoError(t, err)
	require.NotNil(t, result.Center)
	assert.Equal(t, "c1", result.Center.ID)

	require.Len(t, result.Callers, 1)
	assert.Equal(t, "c2", result.Callers[0].ID)
}

func TestTrace_CalleesResolveOnlyProjectInternalSymbols(t *testing.T) {
	fakeStore := &fakeMetadataStore{chunks: []*store.Chunk{
		chunk("center", "main.go", []string{"Run"}, []string{"Helper", "fmt.Println"}),
		chunk("helper", "helper.go", []string{"Helper"}, nil),
	}}
	b := NewBuilder(fakeStore)

	result, err := b.Trace(context.Background(), "Run", TraceOptions{})
	require.NoError(t, err)
	require.Len(t, result.Callees, 1)
	assert.Equal(t, "helper", result.Callees[0].ID)
}

func TestTrace_DepthExpandsCalleeFrontier(t *testing.T) {
	fakeStore := &fakeMetadataStore{chunks: []*store.Chunk{
		chunk("a", "a.go", []string{"A"}, []string{"B"}),
		chunk("b", "b.go", []string{"B"}, []string{"C"}),
		chunk("c", "c.go", []string{"C"}, nil),
	}}
	b := NewBuilder(fakeStore)

	shallow, err := b.Trace(context.Background(), "A", TraceOptions{Depth: 1})
	require.NoError(t, err)
	require.Len(t, shallow.Callees, 1)
	assert.Equal(t, "b", shallow.Callees[0].ID)

	deep, err := b.Trace(context.Background(), "A", TraceOptions{Depth: 2})
	require.NoError(t, err)
	require.Len(t, deep.Callees, 2)
}

func TestTrace_CallersOnlyOmitsCallees(t *testing.T) {
	fakeStore := &fakeMetadataStore{chunks: []*store.Chunk{
		chunk("a", "a.go", []string{"A"}, []string{"B"}),
		chunk("b", "b.go", []string{"B"}, nil),
		chunk("caller", "caller.go", nil, []string{"A"}),
	}}
	b := NewBuilder(fakeStore)

	result, err := b.Trace(context.Background(), "A", TraceOptions{CallersOnly: true})
	require.NoError(t, err)
	assert.Len(t, result.Callers, 1)
	assert.Nil(t, result.Callees)
}

func TestTrace_PathPrefixScopesDefinition(t *testing.T) {
	fakeStore := &fakeMetadataStore{chunks: []*store.Chunk{
		chunk("other", "vendor/pkg/foo.go", []string{"Foo"}, nil),
		chunk("mine", "internal/foo.go", []string{"Foo"}, nil),
	}}
	b := NewBuilder(fakeStore)

	result, err := b.Trace(context.Background(), "Foo", TraceOptions{PathPrefix: "internal/"})
	require.NoError(t, err)
	require.NotNil(t, result.Center)
	assert.Equal(t, "mine", result.Center.ID)
}
