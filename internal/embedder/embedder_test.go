package embedder

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeHash(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "empty string",
			text: "",
			want: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name: "simple text",
			text: "hello world",
			want: "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeHash(tt.text))
		})
	}
}

func TestValidateBatchRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     BatchEmbeddingRequest
		wantErr bool
	}{
		{name: "valid", req: BatchEmbeddingRequest{Texts: []string{"a", "b"}}},
		{name: "no texts", req: BatchEmbeddingRequest{}, wantErr: true},
		{name: "empty text", req: BatchEmbeddingRequest{Texts: []string{"a", ""}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBatchRequest(tt.req)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			assert.NoError(t, err)
		})
	}

	assert.ErrorIs(t, ValidateRequest(EmbeddingRequest{}), ErrEmptyText)
}

func TestCache(t *testing.T) {
	cache := NewCache(2)
	emb := &Embedding{Vector: []float32{1, 2}, Dimension: 2, Hash: "h1"}
	cache.Set("h1", emb)

	got, ok := cache.Get("h1")
	require.True(t, ok)
	assert.Equal(t, emb.Vector, got.Vector)

	// Callers get a copy
	got.Vector[0] = 99
	again, _ := cache.Get("h1")
	assert.Equal(t, float32(1), again.Vector[0])

	cache.Set("h2", &Embedding{})
	cache.Set("h3", &Embedding{})
	assert.Equal(t, 2, cache.Size())
	_, ok = cache.Get("h1")
	assert.False(t, ok, "least recently used entry is evicted")

	cache.Clear()
	assert.Zero(t, cache.Size())
}

func TestLocalProvider(t *testing.T) {
	ctx := context.Background()
	p, err := NewLocalProvider(100, NewCache(10))
	require.NoError(t, err)
	assert.Equal(t, 100, p.Dimension())
	assert.Equal(t, ProviderLocal, p.Provider())

	a, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "valve"})
	require.NoError(t, err)
	require.Len(t, a.Vector, 100)

	var norm float64
	for _, v := range a.Vector {
		norm += float64(v * v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)

	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"valve", "pump"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, a.Vector, resp.Embeddings[0].Vector, "deterministic")
	assert.NotEqual(t, a.Vector, resp.Embeddings[1].Vector)
}

func TestLocalProvider_CancelledBatchIsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, err := NewLocalProvider(8, nil)
	require.NoError(t, err)

	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"a", "b"}})
	partial, ok := IsPartial(err)
	require.True(t, ok)
	assert.Zero(t, partial.Completed)
	assert.Empty(t, resp.Embeddings)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeVector(t *testing.T) {
	assert.Equal(t, []float32{0.6, 0.8}, NormalizeVector([]float32{3, 4}))
	assert.Equal(t, []float32{0, 0}, NormalizeVector([]float32{0, 0}))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		provider string
		dim      int
		wantErr  bool
	}{
		{name: "local default", cfg: Config{}, provider: ProviderLocal, dim: LocalDimension},
		{name: "local sized", cfg: Config{Provider: "LOCAL", Dimension: 12}, provider: ProviderLocal, dim: 12},
		{name: "openai", cfg: Config{Provider: "openai", Host: "http://localhost:1", Dimension: 768}, provider: ProviderOpenAI, dim: 768},
		{name: "unknown", cfg: Config{Provider: "jina"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emb, err := New(tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedModel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.provider, emb.Provider())
			assert.Equal(t, tt.dim, emb.Dimension())
		})
	}
}
