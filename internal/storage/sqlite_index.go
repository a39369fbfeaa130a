package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/dshills/rfqindex/pkg/types"
)

// File operations

// upsertFileWithQuerier inserts a discovered file or refreshes its metadata.
// Fetch and parse statuses are kept unless the provider reports a different
// size or modification time, in which case the file goes back to PENDING.
func (s *SQLiteStorage) upsertFileWithQuerier(ctx context.Context, q querier, file *File) error {
	if file.FetchStatus == "" {
		file.FetchStatus = types.FilePending
	}
	if file.ParseStatus == "" {
		file.ParseStatus = types.FilePending
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO files (
			rfq_id, product_id, query_id, source_kind, root_url, provider, provider_id,
			is_folder, parent_provider_id, path, name, mime, size_bytes, modified_at,
			fetch_status, parse_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rfq_id, provider, provider_id, is_folder, path) DO UPDATE SET
			product_id = excluded.product_id,
			query_id = excluded.query_id,
			source_kind = excluded.source_kind,
			root_url = excluded.root_url,
			parent_provider_id = excluded.parent_provider_id,
			name = excluded.name,
			mime = excluded.mime,
			fetch_status = CASE
				WHEN files.size_bytes IS NOT excluded.size_bytes OR files.modified_at IS NOT excluded.modified_at
				THEN 'PENDING' ELSE files.fetch_status END,
			parse_status = CASE
				WHEN files.size_bytes IS NOT excluded.size_bytes OR files.modified_at IS NOT excluded.modified_at
				THEN 'PENDING' ELSE files.parse_status END,
			size_bytes = excluded.size_bytes,
			modified_at = excluded.modified_at,
			updated_at = excluded.updated_at
		RETURNING id, fetch_status, parse_status
	`
	var fetch, parse string
	err := q.QueryRowContext(ctx, query,
		file.RFQID, file.ProductID, file.QueryID, file.SourceKind, file.RootURL, file.Provider, file.ProviderID,
		file.IsFolder, nullString(file.ParentProviderID), file.Path, file.Name, file.Mime, file.SizeBytes, file.ModifiedAt,
		string(file.FetchStatus), string(file.ParseStatus), now, now,
	).Scan(&file.ID, &fetch, &parse)
	if err != nil {
		return fmt.Errorf("failed to upsert file %s/%s: %w", file.Provider, file.ProviderID, err)
	}
	file.FetchStatus = types.FileStatus(fetch)
	file.ParseStatus = types.FileStatus(parse)
	file.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) UpsertFile(ctx context.Context, file *File) error {
	return s.upsertFileWithQuerier(ctx, s.querier(), file)
}

const fileColumns = `
	id, rfq_id, product_id, query_id, source_kind, root_url, provider, provider_id, is_folder,
	COALESCE(parent_provider_id, ''), path, COALESCE(name, ''), COALESCE(mime, ''), size_bytes,
	modified_at, COALESCE(checksum, ''), fetch_status, parse_status, error, created_at, updated_at
`

func scanFile(scan func(dest ...interface{}) error) (*File, error) {
	var f File
	var size sql.NullInt64
	var modified sql.NullTime
	var fetch, parse string
	var errMsg sql.NullString
	if err := scan(&f.ID, &f.RFQID, &f.ProductID, &f.QueryID, &f.SourceKind, &f.RootURL, &f.Provider,
		&f.ProviderID, &f.IsFolder, &f.ParentProviderID, &f.Path, &f.Name, &f.Mime, &size, &modified,
		&f.Checksum, &fetch, &parse, &errMsg, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	if size.Valid {
		n := size.Int64
		f.SizeBytes = &n
	}
	if modified.Valid {
		t := modified.Time
		f.ModifiedAt = &t
	}
	if errMsg.Valid {
		e := errMsg.String
		f.Error = &e
	}
	f.FetchStatus = types.FileStatus(fetch)
	f.ParseStatus = types.FileStatus(parse)
	return &f, nil
}

func (s *SQLiteStorage) getFileByIDWithQuerier(ctx context.Context, q querier, fileID int64) (*File, error) {
	row := q.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, fileID)
	f, err := scanFile(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file %d: %w", fileID, err)
	}
	return f, nil
}

func (s *SQLiteStorage) GetFileByID(ctx context.Context, fileID int64) (*File, error) {
	return s.getFileByIDWithQuerier(ctx, s.querier(), fileID)
}

func (s *SQLiteStorage) listFilesByRFQWithQuerier(ctx context.Context, q querier, rfqID string) ([]*File, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+fileColumns+` FROM files WHERE rfq_id = ? ORDER BY id`, rfqID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows.Scan)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *SQLiteStorage) ListFilesByRFQ(ctx context.Context, rfqID string) ([]*File, error) {
	return s.listFilesByRFQWithQuerier(ctx, s.querier(), rfqID)
}

// maxErrorLen bounds error text stored on file and run records
const maxErrorLen = 2000

func (s *SQLiteStorage) updateFileStatusWithQuerier(ctx context.Context, q querier, u FileStatusUpdate) error {
	var errMsg interface{}
	if u.Error != nil {
		errMsg = Truncate(*u.Error, maxErrorLen)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE files
		SET fetch_status = ?, parse_status = ?, error = ?,
		    checksum = COALESCE(NULLIF(?, ''), checksum),
		    size_bytes = COALESCE(?, size_bytes),
		    updated_at = ?
		WHERE id = ?
	`, string(u.FetchStatus), string(u.ParseStatus), errMsg, u.Checksum, u.SizeBytes, time.Now().UTC(), u.FileID)
	if err != nil {
		return fmt.Errorf("failed to update file %d: %w", u.FileID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) UpdateFileStatus(ctx context.Context, update FileStatusUpdate) error {
	return s.updateFileStatusWithQuerier(ctx, s.querier(), update)
}

// Embedding operations

func (s *SQLiteStorage) getEmbeddingsWithQuerier(ctx context.Context, q querier, hashes []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(hashes))
	for start := 0; start < len(hashes); start += maxInParams {
		end := min(start+maxInParams, len(hashes))
		batch := hashes[start:end]

		rows, err := q.QueryContext(ctx,
			`SELECT content_hash, vector FROM embeddings WHERE content_hash IN (`+placeholders(len(batch))+`)`,
			stringArgs(batch)...)
		if err != nil {
			return nil, fmt.Errorf("failed to get embeddings: %w", err)
		}
		for rows.Next() {
			var hash string
			var blob []byte
			if err := rows.Scan(&hash, &blob); err != nil {
				_ = rows.Close()
				return nil, err
			}
			vec, err := deserializeVector(blob)
			if err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("embedding %s: %w", hash, err)
			}
			out[hash] = vec
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStorage) GetEmbeddings(ctx context.Context, hashes []string) (map[string][]float32, error) {
	return s.getEmbeddingsWithQuerier(ctx, s.querier(), hashes)
}

func (s *SQLiteStorage) putEmbeddingWithQuerier(ctx context.Context, q querier, e *Embedding) error {
	if e.Dimension == 0 {
		e.Dimension = len(e.Vector)
	}
	if e.Dimension != len(e.Vector) {
		return &types.DimensionMismatchError{Expected: e.Dimension, Got: len(e.Vector)}
	}
	now := time.Now().UTC()
	_, err := q.ExecContext(ctx, `
		INSERT INTO embeddings (content_hash, vector, dimension, provider, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING
	`, e.ContentHash, serializeVector(e.Vector), e.Dimension, e.Provider, e.Model, now)
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	e.CreatedAt = now
	return nil
}

func (s *SQLiteStorage) PutEmbedding(ctx context.Context, embedding *Embedding) error {
	return s.putEmbeddingWithQuerier(ctx, s.querier(), embedding)
}

// Chunk operations

// insertChunkWithQuerier inserts a chunk unless its (rfq, doc type, hash)
// key already exists. The boolean reports whether a row was written.
func (s *SQLiteStorage) insertChunkWithQuerier(ctx context.Context, q querier, c *types.Chunk) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	if len(c.Vector) == 0 {
		return false, fmt.Errorf("chunk %s has no vector", c.ContentHash)
	}

	var fileID interface{}
	if c.FileID != 0 {
		fileID = c.FileID
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO chunks (
			rfq_id, doc_type, content_hash, ordinal, page, product_id, query_id, file_id,
			title, content, token_count, vector, dimension, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rfq_id, doc_type, content_hash) DO NOTHING
	`, c.RFQID, string(c.DocType), c.ContentHash, c.Ordinal, c.Page, c.ProductID, c.QueryID, fileID,
		c.Title, c.Content, c.TokenCount, serializeVector(c.Vector), len(c.Vector), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert chunk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStorage) InsertChunk(ctx context.Context, chunk *types.Chunk) (bool, error) {
	return s.insertChunkWithQuerier(ctx, s.querier(), chunk)
}

func (s *SQLiteStorage) listChunkHashesWithQuerier(ctx context.Context, q querier, rfqID string, docType types.DocType) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT content_hash FROM chunks WHERE rfq_id = ? AND doc_type = ? ORDER BY content_hash`,
		rfqID, string(docType))
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk hashes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (s *SQLiteStorage) ListChunkHashes(ctx context.Context, rfqID string, docType types.DocType) ([]string, error) {
	return s.listChunkHashesWithQuerier(ctx, s.querier(), rfqID, docType)
}

func (s *SQLiteStorage) deleteChunksByHashWithQuerier(ctx context.Context, q querier, rfqID string, docType types.DocType, hashes []string) (int, error) {
	deleted := 0
	for start := 0; start < len(hashes); start += maxInParams {
		end := min(start+maxInParams, len(hashes))
		batch := hashes[start:end]

		args := append([]interface{}{rfqID, string(docType)}, stringArgs(batch)...)
		res, err := q.ExecContext(ctx,
			`DELETE FROM chunks WHERE rfq_id = ? AND doc_type = ? AND content_hash IN (`+placeholders(len(batch))+`)`,
			args...)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete chunks: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, err
		}
		deleted += int(n)
	}
	return deleted, nil
}

func (s *SQLiteStorage) DeleteChunksByHash(ctx context.Context, rfqID string, docType types.DocType, hashes []string) (int, error) {
	return s.deleteChunksByHashWithQuerier(ctx, s.querier(), rfqID, docType, hashes)
}

func (s *SQLiteStorage) listChunksWithQuerier(ctx context.Context, q querier, rfqID string) ([]*StoredChunk, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, rfq_id, doc_type, content_hash, ordinal, page, product_id, query_id,
		       COALESCE(file_id, 0), COALESCE(title, ''), content, token_count, vector, dimension, created_at
		FROM chunks
		WHERE rfq_id = ?
		ORDER BY doc_type, product_id, query_id, file_id, page, ordinal
	`, rfqID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []*StoredChunk
	for rows.Next() {
		var c StoredChunk
		var docType string
		var blob []byte
		if err := rows.Scan(&c.ID, &c.RFQID, &docType, &c.ContentHash, &c.Ordinal, &c.Page, &c.ProductID,
			&c.QueryID, &c.FileID, &c.Title, &c.Content, &c.TokenCount, &blob, &c.Dimension, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.DocType = types.DocType(docType)
		if c.Vector, err = deserializeVector(blob); err != nil {
			return nil, fmt.Errorf("chunk %d: %w", c.ID, err)
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStorage) ListChunks(ctx context.Context, rfqID string) ([]*StoredChunk, error) {
	return s.listChunksWithQuerier(ctx, s.querier(), rfqID)
}

// countChunksWithQuerier counts chunks of one RFQ, or of all RFQs when rfqID is empty
func (s *SQLiteStorage) countChunksWithQuerier(ctx context.Context, q querier, rfqID string) (int, error) {
	var n int
	var err error
	if rfqID == "" {
		err = q.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n)
	} else {
		err = q.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE rfq_id = ?", rfqID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

func (s *SQLiteStorage) CountChunks(ctx context.Context, rfqID string) (int, error) {
	return s.countChunksWithQuerier(ctx, s.querier(), rfqID)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
