package main

import (
	"fmt"

	"github.com/dshills/rfqindex/internal/chunker"
	"github.com/dshills/rfqindex/internal/contracts"
	"github.com/dshills/rfqindex/internal/embedder"
	"github.com/dshills/rfqindex/internal/extract"
	"github.com/dshills/rfqindex/internal/indexer"
	"github.com/dshills/rfqindex/internal/normalize"
	"github.com/dshills/rfqindex/internal/resolver"
	"github.com/dshills/rfqindex/internal/runs"
	"github.com/dshills/rfqindex/internal/source"
	"github.com/dshills/rfqindex/internal/storage"
	"github.com/dshills/rfqindex/internal/upserter"
)

func (a *app) openStore() (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", a.cfg.DBPath, err)
	}
	return store, nil
}

// buildPipeline wires every stage from the loaded config. The returned
// cleanup releases the embedder.
func (a *app) buildPipeline(store storage.Storage) (*indexer.Pipeline, func() error, error) {
	cfg := a.cfg
	retry := cfg.Retry()

	c, err := contracts.Load(cfg.ContractsPath)
	if err != nil {
		return nil, nil, err
	}

	glide, err := source.NewGlideClient(source.GlideConfig{
		Endpoint: cfg.GlideEndpoint,
		AppID:    cfg.GlideAppID,
		APIKey:   cfg.GlideAPIKey,
		Timeout:  cfg.RequestTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	var vision extract.Vision
	if cfg.VisionModel != "" {
		v, err := extract.NewOpenAIVision(cfg.EmbeddingHost, cfg.EmbeddingAPIKey, cfg.VisionModel)
		if err != nil {
			return nil, nil, err
		}
		vision = v
	}

	norm, err := normalize.New(c)
	if err != nil {
		return nil, nil, err
	}
	chk, err := chunker.New(chunker.Options{Window: cfg.ChunkSize, Overlap: cfg.ChunkOverlap})
	if err != nil {
		return nil, nil, err
	}

	emb, err := embedder.New(embedder.Config{
		Provider:  cfg.EmbeddingProvider,
		Host:      cfg.EmbeddingHost,
		Model:     cfg.EmbeddingModel,
		APIKey:    cfg.EmbeddingAPIKey,
		Dimension: cfg.EmbedDim,
		CacheSize: cfg.EmbedCacheSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create embedder: %w", err)
	}

	tracker := runs.NewTracker(store, a.logger)
	idx, err := indexer.New(store, tracker, indexer.Components{
		Normalizer: norm,
		Resolver:   a.newResolver(c),
		Dispatcher: a.newDispatcher(vision),
		Chunker:    chk,
		Batcher: embedder.NewBatcher(emb, store, embedder.BatcherOptions{
			BatchSize: cfg.EmbedBatchSize,
			Dimension: cfg.EmbedDim,
			Retry:     retry,
			Logger:    a.logger,
		}),
		Upserter: upserter.New(store, a.logger),
	}, indexer.Config{
		Workers:     cfg.Workers,
		FileWorkers: cfg.FileWorkers,
		Limit:       cfg.MaxEntities,
		Logger:      a.logger,
	})
	if err != nil {
		_ = emb.Close()
		return nil, nil, err
	}

	pipeline := indexer.NewPipeline(store, glide, c, tracker, idx, indexer.PipelineConfig{
		PageLimit: cfg.GlideMaxRowsPerCall,
		Retry:     retry,
		Logger:    a.logger,
	})
	return pipeline, emb.Close, nil
}

// newResolver wires no drive crawler: folder links stay single unexpanded
// records. See the operational notes in README.md.
func (a *app) newResolver(c *contracts.Contracts) *resolver.Resolver {
	return resolver.New(c, nil, resolver.Options{Retry: a.cfg.Retry(), Logger: a.logger})
}

// newDispatcher registers only the built-in text extractors, so binary
// documents (pdf, docx, xlsx, pptx) are recorded as unsupported
func (a *app) newDispatcher(vision extract.Vision) *extract.Dispatcher {
	return extract.NewDispatcher(extract.NewHTTPFetcher(a.cfg.RequestTimeout), vision, extract.Options{
		MaxBytes:            a.cfg.MaxFileBytes,
		VisionMaxImages:     a.cfg.VisionMaxImages,
		VisionTextThreshold: a.cfg.VisionTextThreshold,
		Retry:               a.cfg.Retry(),
		Logger:              a.logger,
	})
}
