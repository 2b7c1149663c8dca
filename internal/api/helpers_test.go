package api

import (
	"context"
	"hash/fnv"
	"strings"
	"testing"

	"github.com/kalambet/obdbot/internal/app"
	"github.com/kalambet/obdbot/internal/config"
	"github.com/kalambet/obdbot/internal/engine"
)

// wordEngine embeds text as a bag of hashed words.
type wordEngine struct{}

func (wordEngine) vec(text string) []float32 {
	v := make([]float32, 128)
	for _, f := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(f))
		v[h.Sum32()%128]++
	}
	return v
}

func (w wordEngine) Embed(_ context.Context, _, text string) ([]float32, error) {
	return w.vec(text), nil
}

func (w wordEngine) EmbedBatch(_ context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = w.vec(t)
	}
	return out, nil
}

func (wordEngine) IsRunning(context.Context) bool               { return true }
func (wordEngine) ListModels(context.Context) ([]string, error) { return nil, nil }
func (wordEngine) HasModel(context.Context, string) bool        { return true }
func (wordEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}
func (wordEngine) Close() error { return nil }

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	cfg := config.Config{
		Embedding: config.EmbeddingConfig{Model: "test-embed", BatchConcurrency: 2},
		Matching:  config.MatchingConfig{ConfidenceThreshold: 0.4, RandomMaxCauses: 3},
		Cache:     config.CacheConfig{Backend: "none"},
	}
	a, err := app.New(context.Background(), cfg, app.Options{Engine: wordEngine{}})
	if err != nil {
		t.Fatalf("building app: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// readyGate returns a gate already opened with a test App.
func readyGate(t *testing.T) (*app.Gate, *app.App) {
	t.Helper()
	a := newTestApp(t)
	g := app.NewGate()
	g.Open(a, nil)
	return g, a
}
