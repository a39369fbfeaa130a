// Package chunker divides document text into overlapping token windows for
// embedding.
//
// Windows are measured in cl100k_base tokens. The default window is 1200
// tokens with 150 tokens of overlap:
//
//	c, err := chunker.New(chunker.Options{Window: 1200, Overlap: 150})
//	if err != nil {
//	    return err
//	}
//	chunks := c.Chunk(types.ProductCard{RFQID: "rfq_1", ProductID: "P1", Text: text})
//
// # Boundaries
//
// A window prefers to end on a blank line. The break must lie past the
// overlap so the next window still advances; without one the window is cut
// at its full size. The last window always ends at the end of the text, so
// the windows cover every token.
//
// # Content Hashing
//
// Each chunk hashes its lineage, ordinal and text:
//
//	chunk.ComputeContentHash()
//
// The hash is the idempotency key of the vector store, so re-chunking an
// unchanged document yields rows that already exist.
package chunker
