package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

// Chunk is a content-addressed window of document text with its vector
type Chunk struct {
	// Ownership
	RFQID     string
	DocType   DocType
	ProductID string // optional
	QueryID   string // optional
	FileID    int64  // optional, 0 when absent
	Page      int    // optional, 0 when absent
	Title     string

	// Content
	Ordinal     int
	Content     string
	ContentHash string // hex SHA-256, see ComputeContentHash
	TokenCount  int

	// Vector is nil until the embedding stage fills it
	Vector []float32
}

// ComputeContentHash derives the idempotency hash of the chunk from its
// lineage, ordinal and text. Identical inputs always yield the same hash.
func (c *Chunk) ComputeContentHash() string {
	var b strings.Builder
	b.WriteString(string(c.DocType))
	b.WriteByte('|')
	b.WriteString(c.RFQID)
	b.WriteByte('|')
	b.WriteString(c.ProductID)
	b.WriteByte('|')
	b.WriteString(c.QueryID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(c.FileID, 10))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(c.Page))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(c.Ordinal))
	b.WriteByte('|')
	b.WriteString(c.Content)

	sum := sha256.Sum256([]byte(b.String()))
	c.ContentHash = hex.EncodeToString(sum[:])
	return c.ContentHash
}

// Validate checks that the chunk can be stored
func (c *Chunk) Validate() error {
	if c.RFQID == "" {
		return errors.New("chunk RFQ id is required")
	}
	if !c.DocType.Valid() {
		return ErrInvalidDocType
	}
	if c.Content == "" {
		return ErrEmptyContent
	}
	if c.Ordinal < 0 {
		return errors.New("chunk ordinal must be >= 0")
	}
	if c.ContentHash == "" {
		return errors.New("content hash must be computed")
	}
	return nil
}
