package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dshills/rfqindex/pkg/types"
)

// Storage defines the persistence surface of the ingestion pipeline
type Storage interface {
	// Entity operations
	GetEntityState(ctx context.Context, kind EntityKind, id string) (*EntityState, error)
	UpsertEntity(ctx context.Context, entity *Entity) error
	ExistingRFQIDs(ctx context.Context, ids []string) (map[string]bool, error)
	LoadEntityBundle(ctx context.Context, rfqID string) (*EntityBundle, error)
	DeleteRFQ(ctx context.Context, rfqID string) error

	// Changed-entity operations
	MarkRFQChanged(ctx context.Context, runID, rfqID string) error
	ListChangedRFQs(ctx context.Context, runID, after string, limit int) ([]string, error)
	CountChangedRFQs(ctx context.Context, runID string) (int, error)

	// Cursor operations
	GetCursor(ctx context.Context, tableKey string) (*Cursor, error)
	SaveCursor(ctx context.Context, cursor *Cursor) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	FinishRun(ctx context.Context, runID string, status types.Status, errMsg *string, summary []byte) error
	SetRunSummary(ctx context.Context, runID string, summary []byte) error
	UpsertRunTable(ctx context.Context, table *RunTable) error
	ListRunTables(ctx context.Context, runID string) ([]*RunTable, error)

	// File operations
	UpsertFile(ctx context.Context, file *File) error
	GetFileByID(ctx context.Context, fileID int64) (*File, error)
	ListFilesByRFQ(ctx context.Context, rfqID string) ([]*File, error)
	UpdateFileStatus(ctx context.Context, update FileStatusUpdate) error

	// Embedding operations
	GetEmbeddings(ctx context.Context, hashes []string) (map[string][]float32, error)
	PutEmbedding(ctx context.Context, embedding *Embedding) error

	// Chunk operations
	InsertChunk(ctx context.Context, chunk *types.Chunk) (bool, error)
	ListChunkHashes(ctx context.Context, rfqID string, docType types.DocType) ([]string, error)
	DeleteChunksByHash(ctx context.Context, rfqID string, docType types.DocType, hashes []string) (int, error)
	ListChunks(ctx context.Context, rfqID string) ([]*StoredChunk, error)
	CountChunks(ctx context.Context, rfqID string) (int, error)

	// Status operations
	GetStatus(ctx context.Context) (*IndexStatus, error)

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Storage // Embed Storage interface for transaction operations
}

// EntityKind names one of the four entity tables
type EntityKind string

const (
	KindRFQ     EntityKind = "rfq"
	KindProduct EntityKind = "product"
	KindQuery   EntityKind = "query"
	KindShare   EntityKind = "share"
)

// Entity is one source row of any entity table
type Entity struct {
	Kind             EntityKind
	ID               string
	RFQID            string // parent RFQ; equals ID for RFQ rows
	Label            string // title / product name / thread id / supplier
	Status           string
	RawJSON          []byte // opaque source payload
	RowHash          string
	LastChangedRunID string
	IngestedAt       time.Time
}

// Row decodes the raw source payload. Numbers stay json.Number so values
// render exactly as the source sent them.
func (e *Entity) Row() (map[string]any, error) {
	row := map[string]any{}
	if len(e.RawJSON) == 0 {
		return row, nil
	}
	dec := json.NewDecoder(bytes.NewReader(e.RawJSON))
	dec.UseNumber()
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", e.Kind, e.ID, err)
	}
	return row, nil
}

// EntityState is the change-detection view of a stored entity
type EntityState struct {
	ID               string
	RFQID            string
	RowHash          string
	LastChangedRunID string
}

// EntityBundle is an RFQ with all its child rows, children ordered by id
type EntityBundle struct {
	RFQ      *Entity
	Products []*Entity
	Queries  []*Entity
	Shares   []*Entity
}

// Cursor is a per-table resume checkpoint
type Cursor struct {
	TableKey  string
	TableName string
	NextToken string // empty means start of table
	TokenKind string
	LastRunID string
	UpdatedAt time.Time
}

// Run is one execution of the pipeline
type Run struct {
	ID         string
	Mode       types.RunMode
	Status     types.Status
	StartedAt  time.Time
	FinishedAt *time.Time
	Error      *string
	Summary    []byte // JSON object
}

// RunTable is the progress of one source table within a run
type RunTable struct {
	RunID         string
	TableKey      string
	TableName     string
	Status        types.Status
	Pages         int
	RowsSeen      int
	RowsChanged   int
	RowsUnchanged int
	RowsSkipped   int
	LastToken     string
	LastTokenKind string
	Error         *string
	UpdatedAt     time.Time
}

// File is a discovered document or folder reference
type File struct {
	ID               int64
	RFQID            string
	ProductID        string
	QueryID          string
	SourceKind       string
	RootURL          string
	Provider         string
	ProviderID       string
	IsFolder         bool
	ParentProviderID string
	Path             string
	Name             string
	Mime             string
	SizeBytes        *int64 // nil when the provider did not report a size
	ModifiedAt       *time.Time
	Checksum         string
	FetchStatus      types.FileStatus
	ParseStatus      types.FileStatus
	Error            *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FileStatusUpdate records the outcome of fetching and parsing a file
type FileStatusUpdate struct {
	FileID      int64
	FetchStatus types.FileStatus
	ParseStatus types.FileStatus
	Error       *string
	Checksum    string
	SizeBytes   *int64
}

// Embedding is a durable vector keyed by chunk content hash
type Embedding struct {
	ContentHash string
	Vector      []float32
	Dimension   int
	Provider    string
	Model       string
	CreatedAt   time.Time
}

// StoredChunk is a chunk row as persisted
type StoredChunk struct {
	ID int64
	types.Chunk
	Dimension int
	CreatedAt time.Time
}

// IndexStatus contains aggregate counts of the store
type IndexStatus struct {
	RFQs        int
	Products    int
	Queries     int
	Shares      int
	Files       int
	FilesFailed int
	Chunks      int
	Embeddings  int
	LastRun     *Run
}
