package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Embedding EmbeddingConfig
	Ollama    OllamaConfig
	ONNX      ONNXConfig
	Matching  MatchingConfig
	Cache     CacheConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Data      DataConfig
	Telegram  TelegramConfig
	MCP       MCPConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port           int
	RequestTimeout time.Duration
}

type EmbeddingConfig struct {
	Backend          string
	Model            string
	BatchConcurrency int
	InitRetries      int
}

type OllamaConfig struct {
	BaseURL string
}

type ONNXConfig struct {
	RuntimeLib    string
	ModelPath     string
	TokenizerPath string
	MaxSeqLen     int
}

type MatchingConfig struct {
	ConfidenceThreshold float64
	RandomMaxCauses     int
}

type CacheConfig struct {
	// Backend is one of "sqlite", "redis" or "none".
	Backend string
}

type StorageConfig struct {
	DataDir string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DataConfig points at external reference tables. Empty paths use the
// tables bundled with the binary.
type DataConfig struct {
	CodesFile      string
	ComplaintsFile string
}

type TelegramConfig struct {
	Enabled  bool
	BotToken string
}

type MCPConfig struct {
	Enabled bool
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           4000,
			RequestTimeout: 10 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Backend:          "ollama",
			Model:            "nomic-embed-text",
			BatchConcurrency: 4,
			InitRetries:      3,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		ONNX: ONNXConfig{
			MaxSeqLen: 128,
		},
		Matching: MatchingConfig{
			ConfidenceThreshold: 0.4,
			RandomMaxCauses:     3,
		},
		Cache: CacheConfig{
			Backend: "sqlite",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration in increasing precedence: built-in defaults,
// the JSON file at $XDG_CONFIG_HOME/obdbot/config.json, then environment
// variables (OBDBOT_*, plus TELEGRAM_BOT_TOKEN). A .env file in the working
// directory is loaded into the environment first without overriding
// variables that are already set.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-key requirements.
func (c Config) Validate() error {
	switch c.Embedding.Backend {
	case "ollama", "onnx":
	default:
		return fmt.Errorf("invalid embedding.backend %q: want ollama or onnx", c.Embedding.Backend)
	}
	if c.Embedding.Backend == "onnx" && (c.ONNX.ModelPath == "" || c.ONNX.TokenizerPath == "") {
		return fmt.Errorf("embedding.backend onnx requires onnx.model_path and onnx.tokenizer_path")
	}
	switch c.Cache.Backend {
	case "sqlite", "redis", "none":
	default:
		return fmt.Errorf("invalid cache.backend %q: want sqlite, redis or none", c.Cache.Backend)
	}
	if t := c.Matching.ConfidenceThreshold; math.IsNaN(t) || t < 0 || t > 1 {
		return fmt.Errorf("matching.confidence_threshold %v is outside [0, 1]", c.Matching.ConfidenceThreshold)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("missing required config: Telegram bot token. " +
			"Set it via environment variable TELEGRAM_BOT_TOKEN or in a .env file")
	}
	return nil
}
