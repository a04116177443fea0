package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osgrep/osgrep/internal/store"
)

func TestTraceCmd_RequiresIndex(t *testing.T) {
	tmpDir := t.TempDir()

	rootCmd := NewRootCmd()
	rootCmd.SetArgs([]string{"trace", "Foo"})

	oldDir, _ := os.Getwd()
	_ = os.Chdir(tmpDir)
	defer func() { _ = os.Chdir(oldDir) }()

	err := rootCmd.Execute()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no index found")
}

func TestTraceCmd_RequiresSymbol(t *testing.T) {
	rootCmd := NewRootCmd()
	rootCmd.SetArgs([]string{"trace"})

	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)

	err := rootCmd.Execute()

	require.Error(t, err)
}

func TestTraceCmd_WithIndex_FindsDefinition(t *testing.T) {
	tmpDir := t.TempDir()
	dataDir := filepath.Join(tmpDir, ".osgrep")
	require.NoError(t, os.MkdirAll(dataDir, 0755))

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadataStore, err := store.NewSQLiteStore(metadataPath)
	require.NoError(t, err)

	ctx := context.Background()
	project := &store.Project{ID: "p1", Name: "test", RootPath: tmpDir}
	require.NoError(t, metadataStore.SaveProject(ctx, project))

	file := &store.File{ID: "f1", ProjectID: "p1", Path: "main.go", Language: "go"}
	require.NoError(t, metadataStore.SaveFiles(ctx, []*store.File{file}))

	definer := &store.Chunk{
		ID:             "c1",
		FileID:         "f1",
		FilePath:       "main.go",
		Content:        "func Run() { Helper() }",
		ContentType:    store.ContentTypeCode,
		Language:       "go",
		StartLine:      1,
		EndLine:        1,
		DefinedSymbols: []string{"Run"},
	}
	caller := &store.Chunk{
		ID:                "c2",
		FileID:            "f1",
		FilePath:          "other.go",
		Content:           "func Caller() { Run() }",
		ContentType:       store.ContentTypeCode,
		Language:          "go",
		StartLine:         3,
		EndLine:           3,
		ReferencedSymbols: []string{"Run"},
	}
	require.NoError(t, metadataStore.SaveChunks(ctx, []*store.Chunk{definer, caller}))
	require.NoError(t, metadataStore.Close())

	oldDir, _ := os.Getwd()
	_ = os.Chdir(tmpDir)
	defer func() { _ = os.Chdir(oldDir) }()

	rootCmd := NewRootCmd()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"trace", "Run", "--local"})

	err = rootCmd.Execute()

	require.NoError(t, err)
	output := buf.String()
	assert.Contains(t, output, "main.go")
	assert.Contains(t, output, "other.go")
}

func TestTraceCmd_NoDefinition_ShowsMessage(t *testing.T) {
	tmpDir := t.TempDir()
	dataDir := filepath.Join(tmpDir, ".osgrep")
	require.NoError(t, os.MkdirAll(dataDir, 0755))

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadataStore, err := store.NewSQLiteStore(metadataPath)
	require.NoError(t, err)

	ctx := context.Background()
	project := &store.Project{ID: "p1", Name: "test", RootPath: tmpDir}
	require.NoError(t, metadataStore.SaveProject(ctx, project))
	require.NoError(t, metadataStore.Close())

	oldDir, _ := os.Getwd()
	_ = os.Chdir(tmpDir)
	defer func() { _ = os.Chdir(oldDir) }()

	rootCmd := NewRootCmd()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"trace", "NoSuchSymbol", "--local"})

	err = rootCmd.Execute()

	require.NoError(t, err)
	output := buf.String()
	assert.Contains(t, output, "No definition found")
}

func TestTraceCmd_DepthFlag(t *testing.T) {
	rootCmd := NewRootCmd()
	traceCmd, _, _ := rootCmd.Find([]string{"trace"})
	require.NotNil(t, traceCmd)

	depthFlag := traceCmd.Flags().Lookup("depth")
	assert.NotNil(t, depthFlag)
	assert.Equal(t, "1", depthFlag.DefValue)
}

func TestTraceCmd_FormatJSON_ValidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	dataDir := filepath.Join(tmpDir, ".osgrep")
	require.NoError(t, os.MkdirAll(dataDir, 0755))

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadataStore, err := store.NewSQLiteStore(metadataPath)
	require.NoError(t, err)

	ctx := context.Background()
	project := &store.Project{ID: "p1", Name: "test", RootPath: tmpDir}
	require.NoError(t, metadataStore.SaveProject(ctx, project))

	file := &store.File{ID: "f1", ProjectID: "p1", Path: "main.go", Language: "go"}
	require.NoError(t, metadataStore.SaveFiles(ctx, []*store.File{file}))

	definer := &store.Chunk{
		ID:             "c1",
		FileID:         "f1",
		FilePath:       "main.go",
		Content:        "func Run() {}",
		ContentType:    store.ContentTypeCode,
		Language:       "go",
		StartLine:      1,
		EndLine:        1,
		DefinedSymbols: []string{"Run"},
	}
	require.NoError(t, metadataStore.SaveChunks(ctx, []*store.Chunk{definer}))
	require.NoError(t, metadataStore.Close())

	oldDir, _ := os.Getwd()
	_ = os.Chdir(tmpDir)
	defer func() { _ = os.Chdir(oldDir) }()

	rootCmd := NewRootCmd()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"trace", "Run", "--local", "--json"})

	err = rootCmd.Execute()

	require.NoError(t, err)
	output := buf.String()
	assert.Contains(t, output, "{")
	assert.Contains(t, output, "main.go")
}
