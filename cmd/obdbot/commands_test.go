package main

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/obdbot/internal/api"
	"github.com/kalambet/obdbot/internal/app"
	"github.com/kalambet/obdbot/internal/config"
	"github.com/kalambet/obdbot/internal/diagnose"
	"github.com/kalambet/obdbot/internal/engine"
	"github.com/kalambet/obdbot/internal/refdata"
	"github.com/kalambet/obdbot/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

type cannedResponse struct {
	status int
	body   string
}

func newTestServer(t *testing.T, responses map[string]cannedResponse) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			status := resp.status
			if status == 0 {
				status = http.StatusOK
			}
			w.WriteHeader(status)
			w.Write([]byte(resp.body))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		httpClient: ts.server.Client(),
	}
}

// captureStderr redirects the status/step printers for the duration of a test.
func captureStderr(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stderr
	stderr = &buf
	t.Cleanup(func() { stderr = prev })
	return &buf
}

func defaultStore(t *testing.T) *refdata.Store {
	t.Helper()
	s, err := refdata.LoadDefault()
	if err != nil {
		t.Fatalf("loading bundled data: %v", err)
	}
	return s
}

func TestAsk_PrintsReply(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /v1/resolve": {body: `{"kind":"code_found","query":"P0300","reply":"🚗 *P0300 - Random/Multiple Cylinder Misfire Detected*"}`},
	})

	var out bytes.Buffer
	if err := runAsk(context.Background(), &out, ts.client(), "p0300", 0); err != nil {
		t.Fatalf("runAsk: %v", err)
	}

	if !strings.Contains(out.String(), "P0300 - Random/Multiple Cylinder Misfire Detected") {
		t.Errorf("output = %q", out.String())
	}
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}

	var sent api.ResolveRequest
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if sent.Text != "p0300" || sent.Alternatives != 0 {
		t.Errorf("sent = %+v", sent)
	}
}

func TestAsk_Alternatives(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /v1/resolve": {body: `{
			"kind":"complaint_matched",
			"query":"engine shakes",
			"reply":"🔧 *Likely issue:* Engine shakes",
			"alternatives":[
				{"index":4,"complaint":{"reference":"Rough idle"},"score":0.61,"confidence":0.61,"confident":true},
				{"index":7,"complaint":{"reference":"Car stalls"},"score":0.2,"confidence":0.2,"confident":false}
			]}`},
	})

	var out bytes.Buffer
	if err := runAsk(context.Background(), &out, ts.client(), "engine shakes", 2); err != nil {
		t.Fatalf("runAsk: %v", err)
	}

	got := out.String()
	for _, want := range []string{"Likely issue", "Also possible:", " 61%  Rough idle", " 20%  Car stalls"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if !strings.Contains(ts.requests[0].Body, `"alternatives":2`) {
		t.Errorf("request body = %s", ts.requests[0].Body)
	}
}

func TestAsk_ServerError(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /v1/resolve": {status: http.StatusBadRequest, body: `{"error":{"message":"text is required","type":"invalid_request_error"}}`},
	})

	err := runAsk(context.Background(), &bytes.Buffer{}, ts.client(), " ", 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "text is required") {
		t.Errorf("error = %v", err)
	}
}

func TestAsk_ServerDown(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.client()
	ts.server.Close()

	err := runAsk(context.Background(), &bytes.Buffer{}, c, "p0300", 0)
	if err == nil || !strings.Contains(err.Error(), "server not reachable") {
		t.Errorf("error = %v", err)
	}
}

func statusConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Server:    config.ServerConfig{Port: 4000},
		Embedding: config.EmbeddingConfig{Backend: "onnx", Model: "all-MiniLM-L6-v2"},
		ONNX:      config.ONNXConfig{ModelPath: "/models/minilm.onnx"},
		Cache:     config.CacheConfig{Backend: "sqlite"},
		Storage:   config.StorageConfig{DataDir: t.TempDir()},
	}
}

func TestStatus_Ready(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /health": {body: `{"status":"ok"}`},
		"GET /ready":  {body: `{"status":"ready","codes":12,"complaints":18,"model":"m","dim":384,"cached_vectors":18}`},
	})
	buf := captureStderr(t)

	showStatus(context.Background(), statusConfig(t), ts.client())

	got := buf.String()
	for _, want := range []string{
		"running on port 4000",
		"ready (12 codes, 18 complaints, dim 384)",
		"Cached vectors: 18",
		"onnx (/models/minilm.onnx)",
		"Cache: sqlite",
		"Telegram: disabled",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("status missing %q:\n%s", want, got)
		}
	}
}

func TestStatus_Starting(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /health": {body: `{"status":"ok"}`},
		"GET /ready":  {status: http.StatusServiceUnavailable, body: `{"status":"failed","error":"embedding model unavailable"}`},
	})
	buf := captureStderr(t)

	showStatus(context.Background(), statusConfig(t), ts.client())

	if !strings.Contains(buf.String(), "failed: embedding model unavailable") {
		t.Errorf("status = %s", buf.String())
	}
}

func TestStatus_Stopped(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.client()
	ts.server.Close()
	buf := captureStderr(t)

	showStatus(context.Background(), statusConfig(t), c)

	if !strings.Contains(buf.String(), "Server: stopped") {
		t.Errorf("status = %s", buf.String())
	}
}

func TestLookup(t *testing.T) {
	store := defaultStore(t)
	f := diagnose.NewFormatter()

	var out bytes.Buffer
	runLookup(&out, store, f, " 0300 ")
	if !strings.HasPrefix(out.String(), "🚗 *P0300 - Random/Multiple Cylinder Misfire Detected*") {
		t.Errorf("found output = %q", out.String())
	}

	out.Reset()
	runLookup(&out, store, f, "p9999")
	if got := strings.TrimSpace(out.String()); got != "❌ Code 'P9999' not found. Try /search [keyword]" {
		t.Errorf("missing output = %q", got)
	}
}

func TestSearch(t *testing.T) {
	store := defaultStore(t)
	f := diagnose.NewFormatter()

	var out bytes.Buffer
	if err := runSearch(&out, store, f, "misfire"); err != nil {
		t.Fatal(err)
	}
	for _, code := range []string{"P0300", "P0301", "P0302"} {
		if !strings.Contains(out.String(), code) {
			t.Errorf("search output missing %s:\n%s", code, out.String())
		}
	}

	if err := runSearch(&out, store, f, "   "); err == nil {
		t.Error("expected error for blank keyword")
	}
}

func TestRandom_Deterministic(t *testing.T) {
	store := defaultStore(t)
	f := diagnose.NewFormatter()

	var a, b bytes.Buffer
	runRandom(&a, store, f, rand.New(rand.NewPCG(7, 9)))
	runRandom(&b, store, f, rand.New(rand.NewPCG(7, 9)))

	if a.String() != b.String() {
		t.Errorf("same seed gave different output:\n%s\n%s", a.String(), b.String())
	}
	if !strings.Contains(a.String(), "Try sending this code alone for full details") {
		t.Errorf("random output = %q", a.String())
	}
}

func TestConfigShow_HidesSecrets(t *testing.T) {
	cfg := statusConfig(t)
	cfg.Redis.Password = "hunter2"
	cfg.Telegram.BotToken = "123:secret"

	var out bytes.Buffer
	runConfigShow(&out, cfg)

	got := out.String()
	if strings.Contains(got, "hunter2") || strings.Contains(got, "123:secret") {
		t.Errorf("secrets leaked:\n%s", got)
	}
	if !strings.Contains(got, "embedding.backend") || !strings.Contains(got, "telegram.bot_token") {
		t.Errorf("config show = %s", got)
	}
}

// bagEngine embeds text as a bag of hashed words.
type bagEngine struct{ calls int }

func (b *bagEngine) vec(text string) []float32 {
	v := make([]float32, 64)
	for _, f := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(f))
		v[h.Sum32()%64]++
	}
	return v
}

func (b *bagEngine) Embed(_ context.Context, _, text string) ([]float32, error) {
	return b.vec(text), nil
}

func (b *bagEngine) EmbedBatch(_ context.Context, _ string, texts []string) ([][]float32, error) {
	b.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = b.vec(t)
	}
	return out, nil
}

func (b *bagEngine) IsRunning(context.Context) bool               { return true }
func (b *bagEngine) ListModels(context.Context) ([]string, error) { return []string{"test-embed"}, nil }
func (b *bagEngine) HasModel(context.Context, string) bool        { return true }
func (b *bagEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}
func (b *bagEngine) Close() error { return nil }

func indexConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Embedding: config.EmbeddingConfig{Backend: "ollama", Model: "test-embed", BatchConcurrency: 1},
		Matching:  config.MatchingConfig{ConfidenceThreshold: 0.4, RandomMaxCauses: 3},
		Cache:     config.CacheConfig{Backend: "sqlite"},
		Storage:   config.StorageConfig{DataDir: t.TempDir()},
	}
}

func TestIndex_WarmsAndPurges(t *testing.T) {
	buf := captureStderr(t)
	cfg := indexConfig(t)
	ctx := context.Background()

	first := &bagEngine{}
	if err := runIndex(ctx, cfg, app.Options{Engine: first}, false); err != nil {
		t.Fatalf("first index: %v", err)
	}
	if first.calls == 0 {
		t.Fatal("first run should embed complaints")
	}
	if !strings.Contains(buf.String(), "Embedded 18 complaints") {
		t.Errorf("output = %s", buf.String())
	}

	// Warm cache: nothing left to embed.
	second := &bagEngine{}
	if err := runIndex(ctx, cfg, app.Options{Engine: second}, false); err != nil {
		t.Fatalf("second index: %v", err)
	}
	if second.calls != 0 {
		t.Errorf("warm run called the engine %d times", second.calls)
	}

	third := &bagEngine{}
	if err := runIndex(ctx, cfg, app.Options{Engine: third}, true); err != nil {
		t.Fatalf("purge index: %v", err)
	}
	if third.calls == 0 {
		t.Error("purged run should embed again")
	}

	s, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	n, err := s.CountVectors(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 18 {
		t.Errorf("cached vectors = %d, want 18", n)
	}
}
