package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig locates a sentence-transformer model exported to ONNX together
// with its HuggingFace tokenizer.json.
type ONNXConfig struct {
	RuntimeLib    string
	ModelPath     string
	TokenizerPath string
	MaxSeqLen     int
}

// ErrEngineClosed is returned by an ONNXEngine after Close.
var ErrEngineClosed = errors.New("onnx engine closed")

// ONNXEngine embeds text in-process with onnxruntime. The session is
// created lazily on first use and creation is retried until it succeeds.
// Embed calls hold mu for reading so Close waits for them to finish.
type ONNXEngine struct {
	cfg ONNXConfig

	mu      sync.RWMutex
	closed  bool
	tk      *tokenizer.Tokenizer
	session *ort.DynamicAdvancedSession
}

// NewONNXEngine returns an engine for the given model files.
func NewONNXEngine(cfg ONNXConfig) *ONNXEngine {
	if cfg.MaxSeqLen <= 0 {
		cfg.MaxSeqLen = 128
	}
	return &ONNXEngine{cfg: cfg}
}

func (e *ONNXEngine) init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.session != nil {
		return nil
	}

	if e.cfg.RuntimeLib != "" {
		ort.SetSharedLibraryPath(e.cfg.RuntimeLib)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initializing onnxruntime: %w", err)
		}
	}

	tk, err := pretrained.FromFile(e.cfg.TokenizerPath)
	if err != nil {
		return fmt.Errorf("loading tokenizer %s: %w", e.cfg.TokenizerPath, err)
	}
	tk.WithTruncation(truncation(e.cfg.MaxSeqLen))

	session, err := ort.NewDynamicAdvancedSession(e.cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return fmt.Errorf("loading model %s: %w", e.cfg.ModelPath, err)
	}

	e.tk = tk
	e.session = session
	return nil
}

// Embed tokenizes text, runs the model and mean-pools the last hidden state
// over the attention mask. The result is L2-normalized.
func (e *ONNXEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	if err := e.init(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return nil, ErrEngineClosed
	}

	enc, err := e.tk.EncodeSingle(text, true)
	if err != nil {
		return nil, fmt.Errorf("tokenizing: %w", err)
	}

	n := len(enc.Ids)
	if n == 0 {
		return nil, errors.New("tokenizer produced no tokens")
	}

	ids := make([]int64, n)
	mask := make([]int64, n)
	types := make([]int64, n)
	for i := 0; i < n; i++ {
		ids[i] = int64(enc.Ids[i])
		mask[i] = int64(enc.AttentionMask[i])
		if i < len(enc.TypeIds) {
			types[i] = int64(enc.TypeIds[i])
		}
	}

	shape := ort.NewShape(1, int64(n))
	idsT, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, fmt.Errorf("creating input_ids tensor: %w", err)
	}
	defer idsT.Destroy()
	maskT, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, fmt.Errorf("creating attention_mask tensor: %w", err)
	}
	defer maskT.Destroy()
	typesT, err := ort.NewTensor(shape, types)
	if err != nil {
		return nil, fmt.Errorf("creating token_type_ids tensor: %w", err)
	}
	defer typesT.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{idsT, maskT, typesT}, outputs); err != nil {
		return nil, fmt.Errorf("running model: %w", err)
	}
	defer outputs[0].Destroy()

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	dims := hidden.GetShape()
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	return meanPool(hidden.GetData(), mask, int(dims[1]), int(dims[2])), nil
}

// EmbedBatch embeds each text on its own so that padding never changes a
// vector; batch results are identical to Embed.
func (e *ONNXEngine) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := e.Embed(ctx, model, t)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

func (e *ONNXEngine) IsRunning(_ context.Context) bool {
	return e.init() == nil
}

func (e *ONNXEngine) ListModels(_ context.Context) ([]string, error) {
	if _, err := os.Stat(e.cfg.ModelPath); err != nil {
		return nil, err
	}
	return []string{filepath.Base(e.cfg.ModelPath)}, nil
}

// HasModel reports whether the configured model file exists. The name is
// informational for this backend.
func (e *ONNXEngine) HasModel(_ context.Context, _ string) bool {
	_, err := os.Stat(e.cfg.ModelPath)
	return err == nil
}

func (e *ONNXEngine) PullModel(_ context.Context, name string, _ func(PullProgress)) error {
	return fmt.Errorf("onnx backend cannot download %s; place the model at %s", name, e.cfg.ModelPath)
}

// Identity names the backend and the model file, including its size and
// modification time so a replaced file gets a new identity.
func (e *ONNXEngine) Identity(_ string) string {
	path := e.cfg.ModelPath
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	fi, err := os.Stat(path)
	if err != nil {
		return "onnx/" + path
	}
	return fmt.Sprintf("onnx/%s@%d-%d", path, fi.Size(), fi.ModTime().UnixNano())
}

// Close destroys the session. The engine cannot be used afterwards. The
// onnxruntime environment is process-wide and is left initialized.
func (e *ONNXEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}

// truncation limits encodings to maxLen tokens inside the tokenizer, which
// accounts for [CLS] and [SEP] so long input keeps them.
func truncation(maxLen int) *tokenizer.TruncationParams {
	return &tokenizer.TruncationParams{
		MaxLength: maxLen,
		Strategy:  tokenizer.LongestFirst,
	}
}

// meanPool averages token vectors where mask is set and L2-normalizes the
// result. data is laid out [seq][dim] for a single sequence.
func meanPool(data []float32, mask []int64, seq, dim int) []float32 {
	out := make([]float32, dim)
	var count float32
	for t := 0; t < seq && t < len(mask); t++ {
		if mask[t] == 0 {
			continue
		}
		count++
		row := data[t*dim : (t+1)*dim]
		for j, v := range row {
			out[j] += v
		}
	}
	if count == 0 {
		return out
	}
	var sum float64
	for j := range out {
		out[j] /= count
		sum += float64(out[j]) * float64(out[j])
	}
	if n := float32(math.Sqrt(sum)); n > 0 {
		for j := range out {
			out[j] /= n
		}
	}
	return out
}
