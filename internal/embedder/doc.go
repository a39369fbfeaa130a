// Package embedder turns chunk text into vectors.
//
// Two providers are built in. The openai provider talks to any
// OpenAI-compatible embeddings endpoint through langchaingo; point
// EMBEDDING_HOST at a self-hosted server to use a local model. The local
// provider derives unit vectors from SHA-256 digests and needs no network.
//
// Providers keep an in-memory LRU cache keyed by text hash. The Batcher sits
// on top and owns durability: vectors are stored in the embeddings table by
// chunk content hash, so a chunk is embedded once no matter how many runs
// see it.
//
//	emb, err := embedder.New(embedder.Config{Provider: "openai", Dimension: 1536})
//	b := embedder.NewBatcher(emb, store, embedder.BatcherOptions{BatchSize: 64})
//	stats, err := b.Embed(ctx, chunks)
//
// A batch that fails part way returns a *PartialBatchError. The Batcher
// keeps the completed prefix and retries only the rest. A vector of the
// wrong length is a *types.DimensionMismatchError and is never retried.
package embedder
