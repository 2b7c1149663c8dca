// Package app assembles the diagnostic core from configuration: reference
// data, embedding engine, embedding cache, complaint matcher and router.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kalambet/obdbot/internal/config"
	"github.com/kalambet/obdbot/internal/diagnose"
	"github.com/kalambet/obdbot/internal/engine"
	"github.com/kalambet/obdbot/internal/refdata"
	"github.com/kalambet/obdbot/internal/retrieval"
)

// App is the initialized, read-only diagnostic core shared by every
// transport.
type App struct {
	Store     *refdata.Store
	Engine    engine.Engine
	Embedder  *retrieval.Embedder
	Matcher   *retrieval.Matcher
	Router    *diagnose.Router
	Formatter diagnose.Formatter

	cache   retrieval.VectorCache
	closers []io.Closer
}

// Options override parts of the wiring. Zero values select what the
// configuration names.
type Options struct {
	// Engine replaces the configured embedding backend. The App closes it.
	Engine engine.Engine
	// Cache replaces the configured embedding cache.
	Cache retrieval.VectorCache
	// Progress receives complaint embedding progress.
	Progress func(done, total int)
	// Out receives model pull progress. Defaults to io.Discard.
	Out io.Writer
}

// New loads reference data, brings the embedding model up and embeds the
// complaint table. It fails with engine.ErrModelUnavailable when the model
// cannot be initialized and retrieval.ErrNoComplaintsLoaded when nothing
// can be matched against.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	a := &App{}
	built, err := a.build(ctx, cfg, opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	return built, nil
}

func (a *App) build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	start := time.Now()
	var err error

	a.Store, err = refdata.LoadFiles(cfg.Data.CodesFile, cfg.Data.ComplaintsFile)
	if err != nil {
		return nil, fmt.Errorf("loading reference data: %w", err)
	}
	slog.Info("reference data loaded", "codes", a.Store.Len(), "complaints", len(a.Store.Complaints()))

	a.Engine = opts.Engine
	if a.Engine == nil {
		a.Engine, err = engine.Detect(engine.DetectConfig{
			Backend:       cfg.Embedding.Backend,
			OllamaBaseURL: cfg.Ollama.BaseURL,
			ONNX: engine.ONNXConfig{
				RuntimeLib:    cfg.ONNX.RuntimeLib,
				ModelPath:     cfg.ONNX.ModelPath,
				TokenizerPath: cfg.ONNX.TokenizerPath,
				MaxSeqLen:     cfg.ONNX.MaxSeqLen,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("detecting embedding engine: %w", err)
		}
	}
	a.closers = append(a.closers, a.Engine)

	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	retry := engine.DefaultRetryPolicy
	if cfg.Embedding.InitRetries >= 0 {
		retry.MaxRetries = uint64(cfg.Embedding.InitRetries)
	}
	dim, err := engine.EnsureReady(ctx, a.Engine, cfg.Embedding.Model, retry, out)
	if err != nil {
		return nil, err
	}

	a.cache = opts.Cache
	if a.cache == nil {
		c, closer, err := OpenCache(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.cache = c
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}

	embOpts := []retrieval.Option{
		retrieval.WithConcurrency(cfg.Embedding.BatchConcurrency),
		retrieval.WithDimension(dim),
	}
	if a.cache != nil {
		embOpts = append(embOpts, retrieval.WithCache(a.cache))
	}
	if opts.Progress != nil {
		embOpts = append(embOpts, retrieval.WithProgress(opts.Progress))
	}
	a.Embedder = retrieval.NewEmbedder(a.Engine, cfg.Embedding.Model, embOpts...)

	a.Matcher, err = retrieval.NewMatcher(ctx, a.Embedder, a.Store.Complaints(), retrieval.RequireDimension(dim))
	if err != nil {
		return nil, err
	}

	a.Router = diagnose.NewRouter(a.Store, a.Matcher)
	a.Formatter = diagnose.Formatter{
		Threshold: float32(cfg.Matching.ConfidenceThreshold),
		MaxCauses: cfg.Matching.RandomMaxCauses,
	}

	slog.Info("diagnostic core ready",
		"model", cfg.Embedding.Model,
		"complaints", a.Matcher.Len(),
		"dim", a.Matcher.Dim(),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return a, nil
}

// Reply resolves text and formats the answer.
func (a *App) Reply(ctx context.Context, text string) (diagnose.Resolution, string, error) {
	res, err := a.Router.Resolve(ctx, text)
	if err != nil {
		return diagnose.Resolution{}, "", err
	}
	return res, a.Formatter.Format(res), nil
}

// CachedVectors reports how many embeddings the cache holds, when the
// cache can count them.
func (a *App) CachedVectors(ctx context.Context) (int, bool) {
	c, ok := a.cache.(interface {
		CountVectors(ctx context.Context) (int, error)
	})
	if !ok {
		return 0, false
	}
	n, err := c.CountVectors(ctx)
	if err != nil {
		slog.Warn("counting cached vectors", "error", err)
		return 0, false
	}
	return n, true
}

// Close releases the engine and cache connections.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
