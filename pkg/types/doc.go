// Package types provides shared type definitions for the rfqindex pipeline.
//
// This package defines domain types used across multiple components,
// including document kinds, chunks, run lifecycle states and the error
// taxonomy shared by the loader, the extraction dispatcher and the embedder.
//
// # Documents
//
// Document is a closed variant: the only implementations are RFQBrief,
// ProductCard, ThreadMessage and FileText. Exhaustive handling is a type
// switch over those four cases:
//
//	switch d := doc.(type) {
//	case types.RFQBrief:
//	case types.ProductCard:
//	case types.ThreadMessage:
//	case types.FileText:
//	}
//
// # Chunks
//
// Chunk is a bounded window of a document's text. Its ContentHash is the
// idempotency key together with the owning RFQ and the document type:
//
//	chunk := &types.Chunk{
//	    RFQID:   "rfq_1",
//	    DocType: types.DocProductCard,
//	    Ordinal: 0,
//	    Content: text,
//	}
//	chunk.ComputeContentHash()
//
// # Errors
//
// TransientSourceError, PermanentSourceError, ExtractionError and
// DimensionMismatchError are concrete error types for errors.As.
// ErrConstraintConflict marks a uniqueness conflict that callers treat as
// an idempotent no-op.
package types
