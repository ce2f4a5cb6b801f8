package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PostgresStore keeps chunks and documents in Postgres with pgvector for
// similarity search. Rows are scoped by a project key derived from the
// folder path, so several folders can share one database.
type PostgresStore struct {
	pool       *pgxpool.Pool
	project    string
	dimensions int
}

func NewPostgresStore(ctx context.Context, dsn, folderPath string, dimensions int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres DSN: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStore{
		pool:       pool,
		project:    projectKey(folderPath),
		dimensions: dimensions,
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// projectKey derives a stable identifier for the folder from its path.
func projectKey(folderPath string) string {
	sum := sha256.Sum256([]byte(folderPath))
	return hex.EncodeToString(sum[:8])
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS folderd_chunks (
			project      text NOT NULL,
			id           text NOT NULL,
			file_path    text NOT NULL,
			start_line   integer NOT NULL,
			end_line     integer NOT NULL,
			content      text NOT NULL,
			embedding    vector(%d) NOT NULL,
			hash         text NOT NULL,
			content_hash text NOT NULL DEFAULT '',
			updated_at   timestamptz NOT NULL,
			PRIMARY KEY (project, id)
		)`, s.dimensions),
		`CREATE TABLE IF NOT EXISTS folderd_documents (
			project   text NOT NULL,
			path      text NOT NULL,
			hash      text NOT NULL,
			mod_time  timestamptz NOT NULL,
			chunk_ids text[] NOT NULL DEFAULT '{}',
			PRIMARY KEY (project, path)
		)`,
		`CREATE INDEX IF NOT EXISTS folderd_chunks_file_path_idx ON folderd_chunks (project, file_path)`,
		`CREATE INDEX IF NOT EXISTS folderd_chunks_content_hash_idx ON folderd_chunks (content_hash)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`INSERT INTO folderd_chunks
			(project, id, file_path, start_line, end_line, content, embedding, hash, content_hash, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (project, id) DO UPDATE SET
				file_path = EXCLUDED.file_path,
				start_line = EXCLUDED.start_line,
				end_line = EXCLUDED.end_line,
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				hash = EXCLUDED.hash,
				content_hash = EXCLUDED.content_hash,
				updated_at = EXCLUDED.updated_at`,
			s.project, c.ID, c.FilePath, c.StartLine, c.EndLine, c.Content,
			pgvector.NewVector(c.Vector), c.Hash, c.ContentHash, c.UpdatedAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to save chunks: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) DeleteByFile(ctx context.Context, filePath string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM folderd_chunks WHERE project = $1 AND file_path = $2`,
		s.project, filePath)
	if err != nil {
		return fmt.Errorf("failed to delete chunks for %s: %w", filePath, err)
	}
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, queryVector []float32, limit int) ([]SearchResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, file_path, start_line, end_line, content, hash, content_hash, updated_at,
			1 - (embedding <=> $2) AS score
		 FROM folderd_chunks
		 WHERE project = $1
		 ORDER BY embedding <=> $2
		 LIMIT $3`,
		s.project, pgvector.NewVector(queryVector), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres search failed: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var score float64
		if err := rows.Scan(&r.Chunk.ID, &r.Chunk.FilePath, &r.Chunk.StartLine, &r.Chunk.EndLine,
			&r.Chunk.Content, &r.Chunk.Hash, &r.Chunk.ContentHash, &r.Chunk.UpdatedAt, &score); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		r.Score = float32(score)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) GetDocument(ctx context.Context, filePath string) (*Document, error) {
	var doc Document
	err := s.pool.QueryRow(ctx,
		`SELECT path, hash, mod_time, chunk_ids FROM folderd_documents WHERE project = $1 AND path = $2`,
		s.project, filePath).Scan(&doc.Path, &doc.Hash, &doc.ModTime, &doc.ChunkIDs)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", filePath, err)
	}
	return &doc, nil
}

func (s *PostgresStore) SaveDocument(ctx context.Context, doc Document) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO folderd_documents (project, path, hash, mod_time, chunk_ids)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (project, path) DO UPDATE SET
			hash = EXCLUDED.hash,
			mod_time = EXCLUDED.mod_time,
			chunk_ids = EXCLUDED.chunk_ids`,
		s.project, doc.Path, doc.Hash, doc.ModTime, doc.ChunkIDs)
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", doc.Path, err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, filePath string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM folderd_documents WHERE project = $1 AND path = $2`,
		s.project, filePath)
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", filePath, err)
	}
	return nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT path FROM folderd_documents WHERE project = $1 ORDER BY path`, s.project)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Load is a no-op: Postgres is the source of truth.
func (s *PostgresStore) Load(ctx context.Context) error { return nil }

// Persist is a no-op: writes go straight to the database.
func (s *PostgresStore) Persist(ctx context.Context) error { return nil }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetStats(ctx context.Context) (*IndexStats, error) {
	stats := &IndexStats{}
	err := s.pool.QueryRow(ctx,
		`SELECT
			(SELECT count(*) FROM folderd_documents WHERE project = $1),
			(SELECT count(*) FROM folderd_chunks WHERE project = $1),
			(SELECT coalesce(max(updated_at), 'epoch'::timestamptz) FROM folderd_chunks WHERE project = $1)`,
		s.project).Scan(&stats.TotalFiles, &stats.TotalChunks, &stats.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) ListFilesWithStats(ctx context.Context) ([]FileStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT path, coalesce(array_length(chunk_ids, 1), 0), mod_time
		 FROM folderd_documents WHERE project = $1 ORDER BY path`, s.project)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var stats []FileStats
	for rows.Next() {
		var fs FileStats
		if err := rows.Scan(&fs.Path, &fs.ChunkCount, &fs.ModTime); err != nil {
			return nil, err
		}
		stats = append(stats, fs)
	}
	return stats, rows.Err()
}

func (s *PostgresStore) GetChunksForFile(ctx context.Context, filePath string) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, file_path, start_line, end_line, content, embedding, hash, content_hash, updated_at
		 FROM folderd_chunks WHERE project = $1 AND file_path = $2 ORDER BY start_line`,
		s.project, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks for %s: %w", filePath, err)
	}
	defer rows.Close()
	return scanChunkRows(rows)
}

func (s *PostgresStore) GetAllChunks(ctx context.Context) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, file_path, start_line, end_line, content, embedding, hash, content_hash, updated_at
		 FROM folderd_chunks WHERE project = $1`, s.project)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()
	return scanChunkRows(rows)
}

func scanChunkRows(rows pgx.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var vec pgvector.Vector
		if err := rows.Scan(&c.ID, &c.FilePath, &c.StartLine, &c.EndLine, &c.Content,
			&vec, &c.Hash, &c.ContentHash, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Vector = vec.Slice()
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// LookupByContentHash implements EmbeddingCache: identical content
// anywhere in the project reuses its existing embedding.
func (s *PostgresStore) LookupByContentHash(ctx context.Context, contentHash string) ([]float32, bool, error) {
	var vec pgvector.Vector
	err := s.pool.QueryRow(ctx,
		`SELECT embedding FROM folderd_chunks WHERE content_hash = $1 LIMIT 1`,
		contentHash).Scan(&vec)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return vec.Slice(), true, nil
}

var _ EmbeddingCache = (*PostgresStore)(nil)
