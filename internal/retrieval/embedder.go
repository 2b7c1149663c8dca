package retrieval

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/kalambet/obdbot/internal/engine"
	"golang.org/x/sync/errgroup"
)

// VectorCache persists complaint embeddings between runs. Implemented by
// storage.Store (SQLite) and cache.RedisCache.
type VectorCache interface {
	GetVector(ctx context.Context, key string) ([]float32, bool, error)
	PutVector(ctx context.Context, key string, vec []float32) error
}

// Embedder wraps an Engine to generate text embeddings.
type Embedder struct {
	engine      engine.Engine
	model       string
	identity    string
	dim         int
	cache       VectorCache
	batchSize   int
	concurrency int
	onProgress  func(done, total int)
}

// Option configures an Embedder.
type Option func(*Embedder)

// WithCache makes EmbedBatch read and fill c. Single-text Embed calls,
// which carry user queries, never touch the cache.
func WithCache(c VectorCache) Option {
	return func(e *Embedder) { e.cache = c }
}

// WithConcurrency bounds how many engine batch calls run at once.
func WithConcurrency(n int) Option {
	return func(e *Embedder) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithBatchSize sets how many texts are sent to the engine per call.
func WithBatchSize(n int) Option {
	return func(e *Embedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithDimension makes EmbedBatch treat cached vectors of any other length
// as misses, so vectors left by a different model are re-embedded.
func WithDimension(n int) Option {
	return func(e *Embedder) {
		if n > 0 {
			e.dim = n
		}
	}
}

// WithProgress registers a callback invoked as EmbedBatch completes texts.
func WithProgress(fn func(done, total int)) Option {
	return func(e *Embedder) { e.onProgress = fn }
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string, opts ...Option) *Embedder {
	emb := &Embedder{
		engine:      e,
		model:       model,
		identity:    engine.Identity(e, model),
		batchSize:   16,
		concurrency: 4,
	}
	for _, o := range opts {
		o(emb)
	}
	return emb
}

// Model returns the model name used for embedding.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts, in input order.
// Texts are sent to the engine in chunks, with bounded concurrency; cached
// vectors are reused. Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))

	var missing []int
	for i, text := range texts {
		if vec := e.lookup(ctx, text); vec != nil {
			results[i] = vec
			continue
		}
		missing = append(missing, i)
	}

	var done atomic.Int64
	done.Store(int64(len(texts) - len(missing)))
	e.report(int(done.Load()), len(texts))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency) // Bound concurrency to avoid overwhelming the engine.

	for start := 0; start < len(missing); start += e.batchSize {
		end := min(start+e.batchSize, len(missing))
		chunk := missing[start:end]
		g.Go(func() error {
			batch := make([]string, len(chunk))
			for j, idx := range chunk {
				batch[j] = texts[idx]
			}
			vecs, err := e.engine.EmbedBatch(gCtx, e.model, batch)
			if err != nil {
				return fmt.Errorf("embedding texts %d-%d: %w", chunk[0], chunk[len(chunk)-1], err)
			}
			if len(vecs) != len(batch) {
				return fmt.Errorf("engine returned %d vectors for %d texts", len(vecs), len(batch))
			}
			for j, idx := range chunk {
				results[idx] = vecs[j]
				e.store(gCtx, texts[idx], vecs[j])
			}
			e.report(int(done.Add(int64(len(chunk)))), len(texts))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Embedder) lookup(ctx context.Context, text string) []float32 {
	if e.cache == nil {
		return nil
	}
	vec, ok, err := e.cache.GetVector(ctx, e.cacheKey(text))
	if err != nil {
		slog.Warn("embedding cache read failed", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	if e.dim > 0 && len(vec) != e.dim {
		slog.Debug("ignoring cached embedding with wrong dimension", "dim", len(vec), "want", e.dim)
		return nil
	}
	return vec
}

func (e *Embedder) store(ctx context.Context, text string, vec []float32) {
	if e.cache == nil {
		return
	}
	if err := e.cache.PutVector(ctx, e.cacheKey(text), vec); err != nil {
		slog.Warn("embedding cache write failed", "error", err)
	}
}

func (e *Embedder) report(done, total int) {
	if e.onProgress != nil {
		e.onProgress(done, total)
	}
}

// cacheKey is the engine's model identity and the SHA-1 of the text, so
// switching backends or models never returns stale vectors.
func (e *Embedder) cacheKey(text string) string {
	h := sha1.New()
	_, _ = io.WriteString(h, e.identity)
	_, _ = io.WriteString(h, "|")
	_, _ = io.WriteString(h, text)
	return e.identity + ":" + hex.EncodeToString(h.Sum(nil))
}
