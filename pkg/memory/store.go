package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

const vectorTable = "vec_chunks"

const schema = `
	CREATE TABLE IF NOT EXISTS files (
		path TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		modified_at INTEGER NOT NULL,
		size INTEGER NOT NULL,
		indexed_at INTEGER NOT NULL,
		indexed_with_embeddings INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_path TEXT NOT NULL,
		heading TEXT,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		text TEXT NOT NULL,
		content_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_path);
	CREATE INDEX IF NOT EXISTS idx_chunks_hash ON chunks(content_hash);

	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		text,
		heading,
		tokenize='porter unicode61'
	);

	CREATE TABLE IF NOT EXISTS embedding_cache (
		content_hash TEXT NOT NULL,
		model TEXT NOT NULL,
		dimensions INTEGER NOT NULL,
		embedding BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (content_hash, model)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
`

// StoreStats counts the rows of each index table.
type StoreStats struct {
	Files            int `json:"files"`
	Chunks           int `json:"chunks"`
	Vectors          int `json:"vectors"`
	CachedEmbeddings int `json:"cached_embeddings"`
	VectorDimensions int `json:"vector_dimensions"`
}

// Store is the sqlite-backed index: file records, chunks, the FTS5 lexical
// index, the vec0 vector index, the embedding cache and index metadata.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	vecDims int // 0 while no vector table exists
}

// OpenStore opens (creating if needed) the index database at path.
func OpenStore(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite has a single writer; share one connection between sync and search
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		path:   path,
		logger: logger.With().Str("component", "memory_store").Logger(),
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.loadVectorDimensions(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) loadVectorDimensions(ctx context.Context) error {
	exists, err := s.tableExists(ctx, vectorTable)
	if err != nil {
		return err
	}
	dims := 0
	if exists {
		value, ok, err := s.GetMeta(ctx, MetaDimensions)
		if err != nil {
			return err
		}
		if ok {
			dims, _ = strconv.Atoi(value)
		}
	}

	s.mu.Lock()
	s.vecDims = dims
	s.mu.Unlock()
	return nil
}

func (s *Store) tableExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	return count > 0, nil
}

// VectorDimensions returns the dimensionality of the vector index, or 0 when
// no vector index exists.
func (s *Store) VectorDimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vecDims
}

// VectorIndexExists reports whether the vector table has been created.
func (s *Store) VectorIndexExists() bool {
	return s.VectorDimensions() > 0
}

// DropAndRecreateVectorIndex drops every vector row and the whole embedding
// cache, then creates an empty vector index of the given dimensionality.
// A dims of 0 leaves no vector index behind.
func (s *Store) DropAndRecreateVectorIndex(ctx context.Context, dims int) error {
	if dims < 0 {
		return fmt.Errorf("invalid vector dimensions %d", dims)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+vectorTable); err != nil {
		return fmt.Errorf("failed to drop vector table: %w", err)
	}
	s.vecDims = 0

	if _, err := s.db.ExecContext(ctx, "DELETE FROM embedding_cache"); err != nil {
		return fmt.Errorf("failed to purge embedding cache: %w", err)
	}

	if dims > 0 {
		create := fmt.Sprintf(
			"CREATE VIRTUAL TABLE %s USING vec0(embedding float[%d] distance_metric=cosine)",
			vectorTable, dims,
		)
		if _, err := s.db.ExecContext(ctx, create); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	if err := s.setMeta(ctx, s.db, MetaDimensions, strconv.Itoa(dims)); err != nil {
		return err
	}
	s.vecDims = dims

	s.logger.Info().Int("dimensions", dims).Msg("Vector index recreated")
	return nil
}

// GetFile returns the record for path.
func (s *Store) GetFile(ctx context.Context, path string) (FileRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT path, content_hash, modified_at, size, indexed_at, indexed_with_embeddings
		FROM files WHERE path = ?
	`, path)

	rec, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, fmt.Errorf("failed to load file record: %w", err)
	}
	return rec, true, nil
}

// ListFiles returns every file record ordered by path.
func (s *Store) ListFiles(ctx context.Context) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, content_hash, modified_at, size, indexed_at, indexed_with_embeddings
		FROM files ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (FileRecord, error) {
	var rec FileRecord
	var modified, indexed int64
	var withEmbeddings int
	if err := row.Scan(&rec.Path, &rec.ContentHash, &modified, &rec.Size, &indexed, &withEmbeddings); err != nil {
		return FileRecord{}, err
	}
	rec.ModifiedAt = time.UnixMilli(modified)
	rec.IndexedAt = time.UnixMilli(indexed)
	rec.IndexedWithEmbeddings = withEmbeddings != 0
	return rec, nil
}

// UpsertFile inserts or replaces a file record.
func (s *Store) UpsertFile(ctx context.Context, rec FileRecord) error {
	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (path, content_hash, modified_at, size, indexed_at, indexed_with_embeddings)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash = excluded.content_hash,
			modified_at = excluded.modified_at,
			size = excluded.size,
			indexed_at = excluded.indexed_at,
			indexed_with_embeddings = excluded.indexed_with_embeddings
	`, rec.Path, rec.ContentHash, rec.ModifiedAt.UnixMilli(), rec.Size, rec.IndexedAt.UnixMilli(), boolInt(rec.IndexedWithEmbeddings))
	if err != nil {
		return fmt.Errorf("failed to upsert file record: %w", err)
	}
	return nil
}

// DeleteFile removes a file record together with its chunks, lexical rows
// and vector rows in one transaction.
func (s *Store) DeleteFile(ctx context.Context, path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.deleteChunksTx(ctx, tx, path); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE path = ?", path); err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	return tx.Commit()
}

// deleteChunksTx removes a file's chunk rows and their lexical and vector
// mirrors. Caller holds s.mu.
func (s *Store) deleteChunksTx(ctx context.Context, tx *sql.Tx, path string) error {
	rows, err := tx.QueryContext(ctx, "SELECT id FROM chunks WHERE file_path = ?", path)
	if err != nil {
		return fmt.Errorf("failed to list chunks: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks_fts WHERE rowid = ?", id); err != nil {
			return fmt.Errorf("failed to delete lexical row: %w", err)
		}
		if s.vecDims > 0 {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+vectorTable+" WHERE rowid = ?", id); err != nil {
				return fmt.Errorf("failed to delete vector row: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE file_path = ?", path); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// ReplaceChunks deletes every chunk of path and inserts chunks in their
// place, mirroring each into the lexical index and, where vectors[i] is
// non-nil and matches the index dimensionality, the vector index.
// It returns the new chunk ids in input order and the number of vector rows
// written.
func (s *Store) ReplaceChunks(ctx context.Context, path string, chunks []Chunk, vectors [][]float32) ([]int64, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	if err := s.deleteChunksTx(ctx, tx, path); err != nil {
		return nil, 0, err
	}

	ids := make([]int64, 0, len(chunks))
	written := 0
	for i, chunk := range chunks {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (file_path, heading, start_line, end_line, text, content_hash)
			VALUES (?, ?, ?, ?, ?, ?)
		`, path, nullString(chunk.Heading), chunk.StartLine, chunk.EndLine, chunk.Text, chunk.ContentHash)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to insert chunk: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, 0, err
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chunks_fts (rowid, text, heading) VALUES (?, ?, ?)",
			id, chunk.Text, chunk.Heading,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to insert lexical row: %w", err)
		}

		if i < len(vectors) && vectors[i] != nil {
			ok, err := s.insertVectorTx(ctx, tx, id, vectors[i])
			if err != nil {
				return nil, 0, err
			}
			if ok {
				written++
			}
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return ids, written, nil
}

// SetVectors replaces the vector rows of existing chunks and returns how
// many were written.
func (s *Store) SetVectors(ctx context.Context, ids []int64, vectors [][]float32) (int, error) {
	if len(ids) != len(vectors) {
		return 0, fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(ids))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.vecDims == 0 {
		return 0, errors.New("vector index does not exist")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	written := 0
	for i, id := range ids {
		if vectors[i] == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+vectorTable+" WHERE rowid = ?", id); err != nil {
			return 0, fmt.Errorf("failed to delete vector row: %w", err)
		}
		ok, err := s.insertVectorTx(ctx, tx, id, vectors[i])
		if err != nil {
			return 0, err
		}
		if ok {
			written++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

// insertVectorTx writes one vector row and reports whether it did. Vectors
// that do not match the index dimensionality are skipped. Caller holds s.mu.
func (s *Store) insertVectorTx(ctx context.Context, tx *sql.Tx, id int64, vec []float32) (bool, error) {
	if s.vecDims == 0 || len(vec) != s.vecDims {
		s.logger.Debug().Int64("chunk_id", id).Int("dimensions", len(vec)).Int("index_dimensions", s.vecDims).Msg("Skipping vector with mismatched dimensions")
		return false, nil
	}
	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return false, fmt.Errorf("failed to serialize vector: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO "+vectorTable+" (rowid, embedding) VALUES (?, ?)", id, blob); err != nil {
		return false, fmt.Errorf("failed to insert vector row: %w", err)
	}
	return true, nil
}

// ChunksForFile returns the chunks of path in line order.
func (s *Store) ChunksForFile(ctx context.Context, path string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_path, heading, start_line, end_line, text, content_hash
		FROM chunks WHERE file_path = ? ORDER BY start_line, id
	`, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// GetChunks loads chunks by id. Ids that no longer exist are absent from the map.
func (s *Store) GetChunks(ctx context.Context, ids []int64) (map[int64]Chunk, error) {
	out := make(map[int64]Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_path, heading, start_line, end_line, text, content_hash
		FROM chunks WHERE id IN (`+strings.Join(placeholders, ",")+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	defer rows.Close()

	chunks, err := scanChunks(rows)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		out[c.ID] = c
	}
	return out, nil
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var out []Chunk
	for rows.Next() {
		var c Chunk
		var heading sql.NullString
		if err := rows.Scan(&c.ID, &c.FilePath, &heading, &c.StartLine, &c.EndLine, &c.Text, &c.ContentHash); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Heading = heading.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// LexicalHit is a full-text match. Relevance is the negated BM25 score, so
// larger is better.
type LexicalHit struct {
	ID        int64
	Relevance float64
}

// LexicalSearch ranks chunks by BM25 over text and heading and returns their
// ids, best first.
func (s *Store) LexicalSearch(ctx context.Context, query string, limit int) ([]int64, error) {
	hits, err := s.LexicalSearchScored(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	return ids, nil
}

// LexicalSearchScored is LexicalSearch with BM25 relevance. Every query word
// is quoted so user input cannot inject FTS5 syntax; a query the engine still
// rejects yields no results rather than an error.
func (s *Store) LexicalSearchScored(ctx context.Context, query string, limit int) ([]LexicalHit, error) {
	match := ftsQuery(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, bm25(chunks_fts) AS score FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, match, limit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn().Err(err).Str("query", query).Msg("Lexical query rejected")
		return nil, nil
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var hit LexicalHit
		var rank float64
		if err := rows.Scan(&hit.ID, &rank); err != nil {
			return nil, err
		}
		hit.Relevance = -rank
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn().Err(err).Str("query", query).Msg("Lexical query failed")
		return nil, nil
	}
	return hits, nil
}

// VectorHit is a nearest-neighbour match. Similarity is 1 minus the cosine
// distance, so unit vectors pointing the same way score 1.
type VectorHit struct {
	ID         int64
	Similarity float64
}

// VectorSearch returns the nearest chunks to vec by cosine distance, closest
// first.
func (s *Store) VectorSearch(ctx context.Context, vec []float32, limit int) ([]VectorHit, error) {
	dims := s.VectorDimensions()
	if dims == 0 || limit <= 0 {
		return nil, nil
	}
	if len(vec) != dims {
		return nil, fmt.Errorf("query vector has %d dimensions, index has %d", len(vec), dims)
	}

	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize vector: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, distance FROM `+vectorTable+`
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, blob, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var hit VectorHit
		var distance float64
		if err := rows.Scan(&hit.ID, &distance); err != nil {
			return nil, err
		}
		hit.Similarity = 1 - distance
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// GetCachedEmbeddings returns cached vectors for the given chunk hashes under model.
func (s *Store) GetCachedEmbeddings(ctx context.Context, model string, hashes []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(hashes))
	for _, hash := range hashes {
		var blob []byte
		err := s.db.QueryRowContext(ctx,
			"SELECT embedding FROM embedding_cache WHERE content_hash = ? AND model = ?",
			hash, model,
		).Scan(&blob)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read embedding cache: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			s.logger.Warn().Err(err).Str("hash", hash).Msg("Dropping corrupt cache entry")
			continue
		}
		out[hash] = vec
	}
	return out, nil
}

// PutCachedEmbeddings stores vectors keyed by chunk hash under model.
func (s *Store) PutCachedEmbeddings(ctx context.Context, model string, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for hash, vec := range vectors {
		blob, err := sqlite_vec.SerializeFloat32(vec)
		if err != nil {
			return fmt.Errorf("failed to serialize vector: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO embedding_cache (content_hash, model, dimensions, embedding, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, hash, model, len(vec), blob, now); err != nil {
			return fmt.Errorf("failed to write embedding cache: %w", err)
		}
	}
	return tx.Commit()
}

// decodeVector reads the little-endian float32 layout written by
// sqlite_vec.SerializeFloat32.
func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// GetMeta reads a metadata value.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read meta %q: %w", key, err)
	}
	return value, true, nil
}

// SetMeta writes a metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return s.setMeta(ctx, s.db, key, value)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) setMeta(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %q: %w", key, err)
	}
	return nil
}

// ResetEmbeddingFlags marks every file as indexed without embeddings so the
// next sync backfills vectors.
func (s *Store) ResetEmbeddingFlags(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE files SET indexed_with_embeddings = 0"); err != nil {
		return fmt.Errorf("failed to reset embedding flags: %w", err)
	}
	return nil
}

// ClearAll wipes every derived row: files, chunks, the lexical index, the
// vector rows and the embedding cache. The vector table itself and index
// metadata are kept.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []string{
		"DELETE FROM chunks_fts",
		"DELETE FROM chunks",
		"DELETE FROM files",
		"DELETE FROM embedding_cache",
	}
	if s.vecDims > 0 {
		statements = append(statements, "DELETE FROM "+vectorTable)
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear index: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM meta WHERE key = ?", MetaLastFullSync); err != nil {
		return fmt.Errorf("failed to clear index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info().Msg("Index cleared")
	return nil
}

// Stats counts the rows of each table.
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	stats := StoreStats{VectorDimensions: s.VectorDimensions()}

	counts := []struct {
		table string
		dest  *int
	}{
		{"files", &stats.Files},
		{"chunks", &stats.Chunks},
		{"embedding_cache", &stats.CachedEmbeddings},
	}
	if stats.VectorDimensions > 0 {
		counts = append(counts, struct {
			table string
			dest  *int
		}{vectorTable, &stats.Vectors})
	}

	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dest); err != nil {
			return StoreStats{}, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}
	return stats, nil
}

// queryWords lower-cases query and splits it into letter/digit runs.
func queryWords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func ftsQuery(query string) string {
	words := queryWords(query)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " OR ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
