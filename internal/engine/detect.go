package engine

import "fmt"

// Backend names accepted by Detect.
const (
	BackendOllama = "ollama"
	BackendONNX   = "onnx"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Backend       string
	OllamaBaseURL string
	ONNX          ONNXConfig
}

// Detect returns the Engine for the configured backend. An empty backend
// means Ollama.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Backend {
	case "", BackendOllama:
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	case BackendONNX:
		return NewONNXEngine(cfg.ONNX), nil
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", cfg.Backend)
	}
}
