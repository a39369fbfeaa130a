package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider configuration
const (
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"

	// Default models
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultLocalModel  = "local-sha256"

	// Dimensions
	OpenAIDimension = 1536
	LocalDimension  = 384

	// Texts per upstream request
	DefaultRequestSize = 16
	MaxBatchSize       = 2048
)

// OpenAIProvider implements Embedder against any OpenAI-compatible
// embeddings endpoint
type OpenAIProvider struct {
	client      embeddings.Embedder
	model       string
	dimension   int
	requestSize int
	cache       *Cache
}

// NewOpenAIProvider creates an embedder for cfg.Host. An empty host uses the
// public OpenAI API.
func NewOpenAIProvider(cfg Config, cache *Cache) (*OpenAIProvider, error) {
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	token := cfg.APIKey
	if token == "" {
		// Self-hosted servers accept any token but the client insists on one
		token = "none"
	}

	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(model),
	}
	if cfg.Host != "" {
		opts = append(opts, openai.WithBaseURL(cfg.Host))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoProviderEnabled, err)
	}
	client, err := embeddings.NewEmbedder(llm,
		embeddings.WithStripNewLines(false),
		embeddings.WithBatchSize(MaxBatchSize),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	return newOpenAIProvider(client, model, cfg.Dimension, cfg.RequestSize, cache), nil
}

func newOpenAIProvider(client embeddings.Embedder, model string, dimension, requestSize int, cache *Cache) *OpenAIProvider {
	if dimension <= 0 {
		dimension = OpenAIDimension
	}
	if requestSize <= 0 {
		requestSize = DefaultRequestSize
	}
	return &OpenAIProvider{
		client:      client,
		model:       model,
		dimension:   dimension,
		requestSize: requestSize,
		cache:       cache,
	}
}

func (o *OpenAIProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	resp, err := o.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

// GenerateBatch sends texts in requests of requestSize. When a request
// fails the embeddings of the earlier requests are still returned.
func (o *OpenAIProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embs, err := cachedBatch(ctx, o.cache, req.Texts, o.embed)
	resp := &BatchEmbeddingResponse{
		Embeddings: embs,
		Provider:   ProviderOpenAI,
		Model:      o.model,
	}
	return resp, err
}

func (o *OpenAIProvider) embed(ctx context.Context, texts []string) ([]*Embedding, error) {
	out := make([]*Embedding, 0, len(texts))
	for start := 0; start < len(texts); start += o.requestSize {
		end := min(start+o.requestSize, len(texts))
		vectors, err := o.client.EmbedDocuments(ctx, texts[start:end])
		if err == nil && len(vectors) != end-start {
			err = fmt.Errorf("got %d vectors for %d texts", len(vectors), end-start)
		}
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return out, fmt.Errorf("%w: %v", ErrProviderFailed, err)
		}
		for _, v := range vectors {
			out = append(out, &Embedding{
				Vector:    v,
				Dimension: len(v),
				Provider:  ProviderOpenAI,
				Model:     o.model,
			})
		}
	}
	return out, nil
}

func (o *OpenAIProvider) Dimension() int {
	return o.dimension
}

func (o *OpenAIProvider) Provider() string {
	return ProviderOpenAI
}

func (o *OpenAIProvider) Model() string {
	return o.model
}

func (o *OpenAIProvider) Close() error {
	return nil
}

// LocalProvider derives deterministic pseudo-embeddings from the SHA-256 of
// the text. It needs no network and is meant for tests and dry runs.
type LocalProvider struct {
	model     string
	dimension int
	cache     *Cache
}

// NewLocalProvider creates a local embedder producing vectors of dimension
func NewLocalProvider(dimension int, cache *Cache) (*LocalProvider, error) {
	if dimension <= 0 {
		dimension = LocalDimension
	}
	return &LocalProvider{
		model:     DefaultLocalModel,
		dimension: dimension,
		cache:     cache,
	}, nil
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	hash := ComputeHash(req.Text)
	if l.cache != nil {
		if emb, ok := l.cache.Get(hash); ok {
			return emb, nil
		}
	}

	emb := &Embedding{
		Vector:    NormalizeVector(l.vector(req.Text)),
		Dimension: l.dimension,
		Provider:  ProviderLocal,
		Model:     l.model,
		Hash:      hash,
	}
	if l.cache != nil {
		l.cache.Set(hash, emb)
	}
	return emb, nil
}

// vector stretches the text digest to the configured dimension by hashing
// it with a block counter
func (l *LocalProvider) vector(text string) []float32 {
	seed := sha256.Sum256([]byte(text))
	vector := make([]float32, l.dimension)
	var block [sha256.Size + 4]byte
	copy(block[:], seed[:])
	for i := 0; i < l.dimension; i += sha256.Size {
		binary.BigEndian.PutUint32(block[sha256.Size:], uint32(i/sha256.Size))
		sum := sha256.Sum256(block[:])
		for j := 0; j < sha256.Size && i+j < l.dimension; j++ {
			vector[i+j] = float32(sum[j])/127.5 - 1
		}
	}
	return vector
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, 0, len(req.Texts))
	for i, text := range req.Texts {
		if err := ctx.Err(); err != nil {
			return &BatchEmbeddingResponse{Embeddings: embeddings, Provider: ProviderLocal, Model: l.model},
				&PartialBatchError{Completed: i, Err: err}
		}
		emb, err := l.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		embeddings = append(embeddings, emb)
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      l.model,
	}, nil
}

func (l *LocalProvider) Dimension() int {
	return l.dimension
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return l.model
}

func (l *LocalProvider) Close() error {
	return nil
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val * val)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = val / norm
	}

	return result
}

// IsPartial reports whether err carries a partial batch result
func IsPartial(err error) (*PartialBatchError, bool) {
	var p *PartialBatchError
	if errors.As(err, &p) {
		return p, true
	}
	return nil, false
}
