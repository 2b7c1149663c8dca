package engine

import "testing"

func TestDetect_ReturnsOllama(t *testing.T) {
	e, err := Detect(DetectConfig{OllamaBaseURL: "http://localhost:11434"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if _, ok := e.(*OllamaEngine); !ok {
		t.Errorf("Detect returned %T, want *OllamaEngine", e)
	}
}

func TestDetect_ReturnsONNX(t *testing.T) {
	e, err := Detect(DetectConfig{Backend: BackendONNX, ONNX: ONNXConfig{ModelPath: "model.onnx"}})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if _, ok := e.(*ONNXEngine); !ok {
		t.Errorf("Detect returned %T, want *ONNXEngine", e)
	}
}

func TestDetect_UnknownBackend(t *testing.T) {
	if _, err := Detect(DetectConfig{Backend: "mlx"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
