package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/rfqindex/pkg/types"
)

func testChunk(rfqID string, docType types.DocType, ordinal int, content string) *types.Chunk {
	c := &types.Chunk{
		RFQID:      rfqID,
		DocType:    docType,
		Ordinal:    ordinal,
		Content:    content,
		TokenCount: 1,
		Vector:     []float32{0.1, 0.2, 0.3},
	}
	c.ComputeContentHash()
	return c
}

// TestInsertChunk_UniqueConstraint verifies that re-inserting the same
// content hash is a no-op
func TestInsertChunk_UniqueConstraint(t *testing.T) {
	store := setupTestDB(t)
	defer store.Close()
	ctx := context.Background()

	seedRFQ(t, store, "rfq_1")

	for i := 0; i < 5; i++ {
		inserted, err := store.InsertChunk(ctx, testChunk("rfq_1", types.DocRFQBrief, 0, "same text"))
		require.NoError(t, err, "insert iteration %d should succeed", i)
		assert.Equal(t, i == 0, inserted)
	}

	n, err := store.CountChunks(ctx, "rfq_1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	chunks, err := store.ListChunks(ctx, "rfq_1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, chunks[0].Vector)
	assert.Equal(t, 3, chunks[0].Dimension)
}

func TestInsertChunk_Rejects(t *testing.T) {
	store := setupTestDB(t)
	defer store.Close()
	ctx := context.Background()

	seedRFQ(t, store, "rfq_1")

	noVector := testChunk("rfq_1", types.DocRFQBrief, 0, "x")
	noVector.Vector = nil
	_, err := store.InsertChunk(ctx, noVector)
	assert.Error(t, err)

	noHash := &types.Chunk{RFQID: "rfq_1", DocType: types.DocRFQBrief, Content: "x", Vector: []float32{1}}
	_, err = store.InsertChunk(ctx, noHash)
	assert.Error(t, err)
}

func TestDeleteChunksByHash(t *testing.T) {
	store := setupTestDB(t)
	defer store.Close()
	ctx := context.Background()

	seedRFQ(t, store, "rfq_1")
	a := testChunk("rfq_1", types.DocProductCard, 0, "a")
	b := testChunk("rfq_1", types.DocProductCard, 1, "b")
	other := testChunk("rfq_1", types.DocRFQBrief, 0, "a")
	for _, c := range []*types.Chunk{a, b, other} {
		_, err := store.InsertChunk(ctx, c)
		require.NoError(t, err)
	}

	hashes, err := store.ListChunkHashes(ctx, "rfq_1", types.DocProductCard)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ContentHash, b.ContentHash}, hashes)

	n, err := store.DeleteChunksByHash(ctx, "rfq_1", types.DocProductCard, []string{a.ContentHash, other.ContentHash})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "hash of another doc type is not touched")

	total, err := store.CountChunks(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestUpsertFile_Idempotent(t *testing.T) {
	store := setupTestDB(t)
	defer store.Close()
	ctx := context.Background()

	seedRFQ(t, store, "rfq_1")
	size := int64(100)
	modified := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	file := &File{
		RFQID: "rfq_1", SourceKind: "drive_folder", RootURL: "https://drive.google.com/drive/folders/abc",
		Provider: "gdrive", ProviderID: "f1", Path: "specs/a.pdf", Name: "a.pdf", Mime: "application/pdf",
		SizeBytes: &size, ModifiedAt: &modified,
	}
	require.NoError(t, store.UpsertFile(ctx, file))
	firstID := file.ID
	assert.Equal(t, types.FilePending, file.FetchStatus)

	require.NoError(t, store.UpdateFileStatus(ctx, FileStatusUpdate{
		FileID: file.ID, FetchStatus: types.FileOK, ParseStatus: types.FileOK, Checksum: "abc",
	}))

	// Same metadata keeps the outcome
	again := *file
	again.ID = 0
	again.FetchStatus = ""
	again.ParseStatus = ""
	require.NoError(t, store.UpsertFile(ctx, &again))
	assert.Equal(t, firstID, again.ID)
	assert.Equal(t, types.FileOK, again.FetchStatus)

	// A new size sends the file back to PENDING
	bigger := int64(200)
	again.SizeBytes = &bigger
	again.FetchStatus = ""
	again.ParseStatus = ""
	require.NoError(t, store.UpsertFile(ctx, &again))
	assert.Equal(t, firstID, again.ID)
	assert.Equal(t, types.FilePending, again.FetchStatus)

	got, err := store.GetFileByID(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Checksum)
	require.NotNil(t, got.SizeBytes)
	assert.Equal(t, int64(200), *got.SizeBytes)

	files, err := store.ListFilesByRFQ(ctx, "rfq_1")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestUpdateFileStatus_RecordsError(t *testing.T) {
	store := setupTestDB(t)
	defer store.Close()
	ctx := context.Background()

	seedRFQ(t, store, "rfq_1")
	file := &File{RFQID: "rfq_1", SourceKind: "url", RootURL: "https://x", Provider: "http", ProviderID: "https://x"}
	require.NoError(t, store.UpsertFile(ctx, file))

	msg := "download failed"
	require.NoError(t, store.UpdateFileStatus(ctx, FileStatusUpdate{
		FileID: file.ID, FetchStatus: types.FileFailed, ParseStatus: types.FilePending, Error: &msg,
	}))

	got, err := store.GetFileByID(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FileFailed, got.FetchStatus)
	require.NotNil(t, got.Error)
	assert.Equal(t, msg, *got.Error)

	assert.ErrorIs(t, store.UpdateFileStatus(ctx, FileStatusUpdate{FileID: 999}), ErrNotFound)
}

func TestEmbeddings(t *testing.T) {
	store := setupTestDB(t)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.PutEmbedding(ctx, &Embedding{ContentHash: "h1", Vector: []float32{1, 2}, Provider: "local", Model: "m"}))
	// Second write with the same hash is ignored
	require.NoError(t, store.PutEmbedding(ctx, &Embedding{ContentHash: "h1", Vector: []float32{9, 9}, Provider: "local", Model: "m"}))

	got, err := store.GetEmbeddings(ctx, []string{"h1", "h2"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]float32{"h1": {1, 2}}, got)

	err = store.PutEmbedding(ctx, &Embedding{ContentHash: "h3", Vector: []float32{1}, Dimension: 2})
	var dimErr *types.DimensionMismatchError
	assert.ErrorAs(t, err, &dimErr)
}

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{0, -1.5, 3.25}
	got, err := DeserializeVector(SerializeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = DeserializeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestMigrations_ApplyAndRollback(t *testing.T) {
	db, err := sql.Open(DriverName, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, ApplyMigrations(ctx, db))
	// Idempotent
	require.NoError(t, ApplyMigrations(ctx, db))

	var ddl string
	require.NoError(t, db.QueryRowContext(ctx, "SELECT sql FROM sqlite_master WHERE type='table' AND name='chunks'").Scan(&ddl))
	assert.Contains(t, ddl, "UNIQUE(rfq_id, doc_type, content_hash)")

	require.NoError(t, RollbackMigration(ctx, db))
	version, err := SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", version)

	var name string
	err = db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='embeddings'").Scan(&name)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	require.NoError(t, RollbackMigration(ctx, db))
	version, err = SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0", version)

	assert.Error(t, RollbackMigration(ctx, db))
}
