package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver (no CGO), same as sqlite_bm25.go
)

// SQLiteMetadataStore implements MetadataStore on top of SQLite. It is the
// concrete form of the spec's columnar chunk table (C5) plus the project/file
// bookkeeping the syncer needs; array-typed columns (defined_symbols,
// referenced_symbols, imports, exports) are stored as JSON text and queried
// with json_each, matching the "materialize to a string slice on read"
// discipline called for by lazy array columns.
type SQLiteMetadataStore struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

var _ MetadataStore = (*SQLiteMetadataStore)(nil)

// NewSQLiteMetadataStore opens (creating if absent) the metadata database at path.
// An empty path opens an in-memory store, used by tests.
func NewSQLiteMetadataStore(path string) (*SQLiteMetadataStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteMetadataStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize metadata schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteMetadataStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		root_path TEXT NOT NULL,
		project_type TEXT,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		file_count INTEGER NOT NULL DEFAULT 0,
		indexed_at TEXT,
		version TEXT
	);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		mod_time TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		language TEXT,
		content_type TEXT,
		indexed_at TEXT,
		UNIQUE(project_id, path)
	);
	CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id);
	CREATE INDEX IF NOT EXISTS idx_files_path ON files(project_id, path);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL REFERENCES files(id),
		file_path TEXT NOT NULL,
		chunk_index INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL,
		raw_content TEXT,
		context TEXT,
		display_text TEXT,
		context_prev TEXT,
		context_next TEXT,
		content_type TEXT,
		chunk_type TEXT,
		role TEXT,
		parent_symbol TEXT,
		complexity INTEGER NOT NULL DEFAULT 1,
		is_anchor INTEGER NOT NULL DEFAULT 0,
		is_exported INTEGER NOT NULL DEFAULT 0,
		language TEXT,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		symbols_json TEXT,
		defined_symbols_json TEXT,
		referenced_symbols_json TEXT,
		imports_json TEXT,
		exports_json TEXT,
		colbert BLOB,
		doc_token_ids_json TEXT,
		metadata_json TEXT,
		created_at TEXT,
		updated_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(file_path);

	CREATE TABLE IF NOT EXISTS kv_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunk_embeddings (
		chunk_id TEXT PRIMARY KEY REFERENCES chunks(id),
		embedding BLOB NOT NULL,
		dims INTEGER NOT NULL,
		model TEXT NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (2);
	`
	_, err := s.db.Exec(schema)
	return err
}

func jsonEncode(v any) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func jsonDecodeStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}

// --- Project operations ---

func (s *SQLiteMetadataStore) SaveProject(ctx context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, root_path, project_type, chunk_count, file_count, indexed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, root_path=excluded.root_path, project_type=excluded.project_type,
			chunk_count=excluded.chunk_count, file_count=excluded.file_count,
			indexed_at=excluded.indexed_at, version=excluded.version`,
		p.ID, p.Name, p.RootPath, p.ProjectType, p.ChunkCount, p.FileCount, p.IndexedAt.Format(time.RFC3339Nano), p.Version)
	return err
}

func (s *SQLiteMetadataStore) GetProject(ctx context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT id, name, root_path, project_type, chunk_count, file_count, indexed_at, version FROM projects WHERE id = ?`, id)
	var p Project
	var indexedAt string
	if err := row.Scan(&p.ID, &p.Name, &p.RootPath, &p.ProjectType, &p.ChunkCount, &p.FileCount, &indexedAt, &p.Version); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	p.IndexedAt, _ = time.Parse(time.RFC3339Nano, indexedAt)
	return &p, nil
}

func (s *SQLiteMetadataStore) UpdateProjectStats(ctx context.Context, id string, fileCount, chunkCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET file_count = ?, chunk_count = ? WHERE id = ?`, fileCount, chunkCount, id)
	return err
}

func (s *SQLiteMetadataStore) RefreshProjectStats(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET
			file_count = (SELECT COUNT(*) FROM files WHERE project_id = ?),
			chunk_count = (SELECT COUNT(*) FROM chunks c JOIN files f ON c.file_id = f.id WHERE f.project_id = ?),
			indexed_at = ?
		WHERE id = ?`, id, id, time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// --- File operations ---

func (s *SQLiteMetadataStore) SaveFiles(ctx context.Context, files []*File) error {
	if len(files) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, path) DO UPDATE SET
			size=excluded.size, mod_time=excluded.mod_time, content_hash=excluded.content_hash,
			language=excluded.language, content_type=excluded.content_type, indexed_at=excluded.indexed_at,
			id=excluded.id`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, f.ID, f.ProjectID, f.Path, f.Size,
			f.ModTime.Format(time.RFC3339Nano), f.ContentHash, f.Language, f.ContentType,
			f.IndexedAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("save file %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteMetadataStore) scanFile(row interface{ Scan(...any) error }) (*File, error) {
	var f File
	var modTime, indexedAt string
	if err := row.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Size, &modTime, &f.ContentHash, &f.Language, &f.ContentType, &indexedAt); err != nil {
		return nil, err
	}
	f.ModTime, _ = time.Parse(time.RFC3339Nano, modTime)
	f.IndexedAt, _ = time.Parse(time.RFC3339Nano, indexedAt)
	return &f, nil
}

func (s *SQLiteMetadataStore) GetFileByPath(ctx context.Context, projectID, path string) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at FROM files WHERE project_id = ? AND path = ?`, projectID, path)
	f, err := s.scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

func (s *SQLiteMetadataStore) GetChangedFiles(ctx context.Context, projectID string, since time.Time) ([]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at FROM files WHERE project_id = ? AND mod_time > ?`, projectID, since.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*File
	for rows.Next() {
		f, err := s.scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteMetadataStore) ListFiles(ctx context.Context, projectID string, cursor string, limit int) ([]*File, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at FROM files WHERE project_id = ? AND path > ? ORDER BY path LIMIT ?`, projectID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var out []*File
	for rows.Next() {
		f, err := s.scanFile(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, f)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].Path
	}
	return out, next, rows.Err()
}

func (s *SQLiteMetadataStore) GetFilePathsByProject(ctx context.Context, projectID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteMetadataStore) GetFilesForReconciliation(ctx context.Context, projectID string) (map[string]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]*File)
	for rows.Next() {
		f, err := s.scanFile(rows)
		if err != nil {
			return nil, err
		}
		out[f.Path] = f
	}
	return out, rows.Err()
}

func (s *SQLiteMetadataStore) ListFilePathsUnder(ctx context.Context, projectID, dirPrefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM files WHERE project_id = ? AND path LIKE ? ESCAPE '\'`, projectID, escapeLike(dirPrefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteMetadataStore) DeleteFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteMetadataStore) DeleteFilesByProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)`, projectID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE project_id = ?`, projectID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Chunk operations ---

func (s *SQLiteMetadataStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (
			id, file_id, file_path, chunk_index, content, raw_content, context, display_text,
			context_prev, context_next, content_type, chunk_type, role, parent_symbol, complexity,
			is_anchor, is_exported, language, start_line, end_line, symbols_json,
			defined_symbols_json, referenced_symbols_json, imports_json, exports_json,
			colbert, doc_token_ids_json, metadata_json, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			content=excluded.content, raw_content=excluded.raw_content, context=excluded.context,
			display_text=excluded.display_text, context_prev=excluded.context_prev, context_next=excluded.context_next,
			chunk_type=excluded.chunk_type, role=excluded.role, parent_symbol=excluded.parent_symbol,
			complexity=excluded.complexity, is_anchor=excluded.is_anchor, is_exported=excluded.is_exported,
			start_line=excluded.start_line, end_line=excluded.end_line, symbols_json=excluded.symbols_json,
			defined_symbols_json=excluded.defined_symbols_json, referenced_symbols_json=excluded.referenced_symbols_json,
			imports_json=excluded.imports_json, exports_json=excluded.exports_json, colbert=excluded.colbert,
			doc_token_ids_json=excluded.doc_token_ids_json, metadata_json=excluded.metadata_json, updated_at=excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range chunks {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.FileID, c.FilePath, c.ChunkIndex, c.Content, c.RawContent, c.Context, c.DisplayText,
			c.ContextPrev, c.ContextNext, string(c.ContentType), c.ChunkType, string(c.Role), c.ParentSymbol, c.Complexity,
			boolToInt(c.IsAnchor), boolToInt(c.IsExported), c.Language, c.StartLine, c.EndLine, jsonEncode(c.Symbols),
			jsonEncode(c.DefinedSymbols), jsonEncode(c.ReferencedSymbols), jsonEncode(c.Imports), jsonEncode(c.Exports),
			c.ColbertVector, jsonEncode(c.DocTokenIDs), jsonEncode(c.Metadata),
			c.CreatedAt.Format(time.RFC3339Nano), c.UpdatedAt.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("save chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const chunkColumns = `id, file_id, file_path, chunk_index, content, raw_content, context, display_text,
	context_prev, context_next, content_type, chunk_type, role, parent_symbol, complexity,
	is_anchor, is_exported, language, start_line, end_line, symbols_json,
	defined_symbols_json, referenced_symbols_json, imports_json, exports_json,
	colbert, doc_token_ids_json, metadata_json, created_at, updated_at`

func scanChunk(row interface{ Scan(...any) error }) (*Chunk, error) {
	var c Chunk
	var isAnchor, isExported int
	var symbolsJSON, definedJSON, refJSON, importsJSON, exportsJSON, docTokenJSON, metaJSON sql.NullString
	var createdAt, updatedAt string
	var role string
	if err := row.Scan(
		&c.ID, &c.FileID, &c.FilePath, &c.ChunkIndex, &c.Content, &c.RawContent, &c.Context, &c.DisplayText,
		&c.ContextPrev, &c.ContextNext, &c.ContentType, &c.ChunkType, &role, &c.ParentSymbol, &c.Complexity,
		&isAnchor, &isExported, &c.Language, &c.StartLine, &c.EndLine, &symbolsJSON,
		&definedJSON, &refJSON, &importsJSON, &exportsJSON,
		&c.ColbertVector, &docTokenJSON, &metaJSON, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	c.Role = Role(role)
	c.IsAnchor = isAnchor != 0
	c.IsExported = isExported != 0
	c.DefinedSymbols = jsonDecodeStrings(definedJSON)
	c.ReferencedSymbols = jsonDecodeStrings(refJSON)
	c.Imports = jsonDecodeStrings(importsJSON)
	c.Exports = jsonDecodeStrings(exportsJSON)
	if symbolsJSON.Valid {
		_ = json.Unmarshal([]byte(symbolsJSON.String), &c.Symbols)
	}
	if docTokenJSON.Valid {
		_ = json.Unmarshal([]byte(docTokenJSON.String), &c.DocTokenIDs)
	}
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &c.Metadata)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}

func (s *SQLiteMetadataStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteMetadataStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Chunk
	for _, batch := range chunkStrings(ids, 500) {
		placeholders, args := inClause(batch)
		rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			c, err := scanChunk(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func (s *SQLiteMetadataStore) GetChunksByFile(ctx context.Context, fileID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE file_id = ? ORDER BY chunk_index`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteMetadataStore) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, batch := range chunkStrings(ids, 500) {
		placeholders, args := inClause(batch)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteMetadataStore) DeleteChunksByFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID)
	return err
}

// --- Symbol / graph operations (C11 grounding: array_contains over JSON columns) ---

func (s *SQLiteMetadataStore) SearchSymbols(ctx context.Context, name string, limit int) ([]*Symbol, error) {
	chunks, err := s.FindChunksDefining(ctx, name, "", limit)
	if err != nil {
		return nil, err
	}
	var out []*Symbol
	for _, c := range chunks {
		for _, sym := range c.Symbols {
			if sym.Name == name {
				out = append(out, sym)
			}
		}
	}
	return out, nil
}

func (s *SQLiteMetadataStore) FindChunksDefining(ctx context.Context, symbol, pathPrefix string, limit int) ([]*Chunk, error) {
	return s.findChunksByArrayContains(ctx, "defined_symbols_json", symbol, pathPrefix, limit)
}

func (s *SQLiteMetadataStore) FindChunksReferencing(ctx context.Context, symbol, pathPrefix string, limit int) ([]*Chunk, error) {
	return s.findChunksByArrayContains(ctx, "referenced_symbols_json", symbol, pathPrefix, limit)
}

// findChunksByArrayContains implements the spec's `array_contains(col, v)`
// filter using SQLite's json_each table-valued function over the JSON-text
// array columns.
func (s *SQLiteMetadataStore) findChunksByArrayContains(ctx context.Context, column, value, pathPrefix string, limit int) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}

	query := fmt.Sprintf(`SELECT %s FROM chunks c
		WHERE EXISTS (SELECT 1 FROM json_each(c.%s) je WHERE je.value = ?)`, chunkColumns, column)
	args := []any{value}
	if pathPrefix != "" {
		query += ` AND c.file_path LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(pathPrefix)+"%")
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- State (kv) ---

func (s *SQLiteMetadataStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (s *SQLiteMetadataStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// --- Embeddings (HNSW compaction support) ---

func (s *SQLiteMetadataStore) SaveChunkEmbeddings(ctx context.Context, chunkIDs []string, embeddings [][]float32, model string) error {
	if len(chunkIDs) != len(embeddings) {
		return fmt.Errorf("chunkIDs/embeddings length mismatch: %d != %d", len(chunkIDs), len(embeddings))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunk_embeddings (chunk_id, embedding, dims, model) VALUES (?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET embedding=excluded.embedding, dims=excluded.dims, model=excluded.model`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, id := range chunkIDs {
		raw := encodeFloat32s(embeddings[i])
		if _, err := stmt.ExecContext(ctx, id, raw, len(embeddings[i]), model); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteMetadataStore) GetAllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, embedding, dims FROM chunk_embeddings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var raw []byte
		var dims int
		if err := rows.Scan(&id, &raw, &dims); err != nil {
			return nil, err
		}
		out[id] = decodeFloat32s(raw, dims)
	}
	return out, rows.Err()
}

func (s *SQLiteMetadataStore) GetEmbeddingStats(ctx context.Context) (withEmbedding, withoutEmbedding int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_embeddings`).Scan(&withEmbedding); err != nil {
		return 0, 0, err
	}
	var total int
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&total); err != nil {
		return 0, 0, err
	}
	withoutEmbedding = total - withEmbedding
	return withEmbedding, withoutEmbedding, nil
}

// --- Checkpoint operations ---

func (s *SQLiteMetadataStore) SaveIndexCheckpoint(ctx context.Context, stage string, total, embeddedCount int, embedderModel string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for k, v := range map[string]string{
		StateKeyCheckpointStage:         stage,
		StateKeyCheckpointTotal:         fmt.Sprint(total),
		StateKeyCheckpointEmbedded:      fmt.Sprint(embeddedCount),
		StateKeyCheckpointTimestamp:     now,
		StateKeyCheckpointEmbedderModel: embedderModel,
	} {
		if err := s.SetState(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteMetadataStore) LoadIndexCheckpoint(ctx context.Context) (*IndexCheckpoint, error) {
	stage, err := s.GetState(ctx, StateKeyCheckpointStage)
	if err != nil || stage == "" {
		return nil, err
	}
	var cp IndexCheckpoint
	cp.Stage = stage
	if v, _ := s.GetState(ctx, StateKeyCheckpointTotal); v != "" {
		fmt.Sscanf(v, "%d", &cp.Total)
	}
	if v, _ := s.GetState(ctx, StateKeyCheckpointEmbedded); v != "" {
		fmt.Sscanf(v, "%d", &cp.EmbeddedCount)
	}
	if v, _ := s.GetState(ctx, StateKeyCheckpointTimestamp); v != "" {
		cp.Timestamp, _ = time.Parse(time.RFC3339Nano, v)
	}
	cp.EmbedderModel, _ = s.GetState(ctx, StateKeyCheckpointEmbedderModel)
	return &cp, nil
}

func (s *SQLiteMetadataStore) ClearIndexCheckpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range []string{StateKeyCheckpointStage, StateKeyCheckpointTotal, StateKeyCheckpointEmbedded, StateKeyCheckpointTimestamp, StateKeyCheckpointEmbedderModel} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_state WHERE key = ?`, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// --- helpers ---

func escapeLike(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}

func inClause(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}

func chunkStrings(in []string, size int) [][]string {
	var out [][]string
	for size < len(in) {
		in, out = in[size:], append(out, in[:size:size])
	}
	return append(out, in)
}
