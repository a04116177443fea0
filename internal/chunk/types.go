package chunk

import (
	"context"
	"time"
)

// Chunk size defaults (based on 2025 RAG research)
const (
	DefaultMaxChunkTokens = 512 // Optimal for 85-90% recall
	DefaultOverlapTokens  = 64  // ~12.5% overlap
	MinChunkTokens        = 100 // Minimum viable chunk
	TokensPerChar         = 4   // Rough approximation: 4 chars = 1 token
)

// ContentType represents the type of content in a chunk
type ContentType string

const (
	ContentTypeCode     ContentType = "code"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeText     ContentType = "text"
)

// Role classifies a chunk's place in the call structure, assigned by the
// chunker from complexity and call-expression density.
type Role string

const (
	RoleOrchestration Role = "ORCHESTRATION"
	RoleDefinition    Role = "DEFINITION"
	RoleImplementation Role = "IMPLEMENTATION"
)

// RoleComplexityThreshold is the minimum complexity score for a chunk to be
// eligible for RoleOrchestration (also requires >= 2 internal call expressions).
const RoleComplexityThreshold = 6

// DefinitionComplexityCeiling is the maximum complexity for a type/interface
// or simple export to still be classified RoleDefinition.
const DefinitionComplexityCeiling = 2

// Chunk is a retrievable unit of content
type Chunk struct {
	ID          string            // content-addressable: derived from file path + content hash
	FilePath    string            // Relative to project root
	ChunkIndex  int               // position within the file; -1 for the anchor chunk, 0..N-1 otherwise
	Content     string            // Full content with context
	RawContent  string            // Just the symbol, no context (code only)
	Context     string            // Imports, package decl (code only)
	DisplayText string            // content prefixed with breadcrumb/imports; what gets embedded
	ContextPrev string            // display text of the preceding chunk
	ContextNext string            // display text of the following chunk
	ContentType ContentType       // code, markdown, text
	ChunkType   string            // function|class|method|interface|type_alias|anchor|other
	Role        Role              // ORCHESTRATION | DEFINITION | IMPLEMENTATION
	ParentSymbol string           // breadcrumb of enclosing chunk-producing nodes, dot-joined
	Complexity  int               // 1 + count of branch/loop/logical-operator nodes
	IsAnchor    bool              // true for the one synthetic per-file summary chunk
	IsExported  bool              // from language-specific export markers
	Language    string            // go, typescript, python, etc.
	StartLine   int               // 1-indexed
	EndLine     int               // Inclusive
	Symbols     []*Symbol         // Functions, classes, etc.
	DefinedSymbols    []string    // symbol names this chunk defines
	ReferencedSymbols []string    // identifiers and call-expression callees referenced in the body
	Imports           []string    // import paths/modules (anchor chunk carries the file's full set)
	Exports           []string    // exported symbol names (anchor chunk carries the file's full set)
	Metadata    map[string]string // Custom metadata
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FileInput is input for the Chunker interface
type FileInput struct {
	Path     string // Relative path
	Content  []byte // File content
	Language string // go, typescript, python, etc.
}

// Chunker is the interface for splitting files into chunks
type Chunker interface {
	// Chunk splits a file into semantic chunks
	Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error)

	// SupportedExtensions returns file extensions this chunker handles
	SupportedExtensions() []string
}

// SymbolType represents the kind of code symbol
type SymbolType string

const (
	SymbolTypeFunction  SymbolType = "function"
	SymbolTypeClass     SymbolType = "class"
	SymbolTypeInterface SymbolType = "interface"
	SymbolTypeType      SymbolType = "type"
	SymbolTypeVariable  SymbolType = "variable"
	SymbolTypeConstant  SymbolType = "constant"
	SymbolTypeMethod    SymbolType = "method"
)

// Symbol represents a code symbol extracted from parsing
type Symbol struct {
	Name       string
	Type       SymbolType
	StartLine  int
	EndLine    int
	Signature  string
	DocComment string
}

// Tree represents a parsed AST
type Tree struct {
	Root     *Node
	Source   []byte
	Language string
}

// Node represents a node in the AST
type Node struct {
	Type       string
	StartByte  uint32
	EndByte    uint32
	StartPoint Point
	EndPoint   Point
	Children   []*Node
	HasError   bool
}

// Point represents a position in the source code
type Point struct {
	Row    uint32 // 0-indexed line number
	Column uint32
}

// LanguageConfig holds configuration for a supported language
type LanguageConfig struct {
	Name       string
	Extensions []string

	// Node types that indicate function declarations
	FunctionTypes []string

	// Node types that indicate class/struct definitions
	ClassTypes []string

	// Node types that indicate interface definitions
	InterfaceTypes []string

	// Node types that indicate method definitions
	MethodTypes []string

	// Node types that indicate type definitions
	TypeDefTypes []string

	// Node types that indicate constant declarations
	ConstantTypes []string

	// Node types that indicate variable declarations
	VariableTypes []string

	// Node type for name identifier
	NameField string
}
