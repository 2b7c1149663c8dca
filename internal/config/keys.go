package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "OBDBOT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.request_timeout", typ: kDuration, env: "OBDBOT_SERVER_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Server.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Server.RequestTimeout },
	},
	{
		key: "embedding.backend", typ: kString, env: "OBDBOT_EMBEDDING_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Backend },
	},
	{
		key: "embedding.model", typ: kString, env: "OBDBOT_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.batch_concurrency", typ: kInt, env: "OBDBOT_EMBEDDING_BATCH_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BatchConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.BatchConcurrency },
	},
	{
		key: "embedding.init_retries", typ: kInt, env: "OBDBOT_EMBEDDING_INIT_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Embedding.InitRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.InitRetries },
	},
	{
		key: "ollama.base_url", typ: kString, env: "OBDBOT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "onnx.runtime_lib", typ: kString, env: "OBDBOT_ONNX_RUNTIME_LIB",
		apply:   func(cfg *Config, v any) { cfg.ONNX.RuntimeLib = v.(string) },
		extract: func(cfg Config) any { return cfg.ONNX.RuntimeLib },
	},
	{
		key: "onnx.model_path", typ: kString, env: "OBDBOT_ONNX_MODEL_PATH",
		apply:   func(cfg *Config, v any) { cfg.ONNX.ModelPath = v.(string) },
		extract: func(cfg Config) any { return cfg.ONNX.ModelPath },
	},
	{
		key: "onnx.tokenizer_path", typ: kString, env: "OBDBOT_ONNX_TOKENIZER_PATH",
		apply:   func(cfg *Config, v any) { cfg.ONNX.TokenizerPath = v.(string) },
		extract: func(cfg Config) any { return cfg.ONNX.TokenizerPath },
	},
	{
		key: "onnx.max_seq_len", typ: kInt, env: "OBDBOT_ONNX_MAX_SEQ_LEN",
		apply:   func(cfg *Config, v any) { cfg.ONNX.MaxSeqLen = v.(int) },
		extract: func(cfg Config) any { return cfg.ONNX.MaxSeqLen },
	},
	{
		key: "matching.confidence_threshold", typ: kFloat, env: "OBDBOT_MATCHING_CONFIDENCE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Matching.ConfidenceThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Matching.ConfidenceThreshold },
	},
	{
		key: "matching.random_max_causes", typ: kInt, env: "OBDBOT_MATCHING_RANDOM_MAX_CAUSES",
		apply:   func(cfg *Config, v any) { cfg.Matching.RandomMaxCauses = v.(int) },
		extract: func(cfg Config) any { return cfg.Matching.RandomMaxCauses },
	},
	{
		key: "cache.backend", typ: kString, env: "OBDBOT_CACHE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Cache.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Backend },
	},
	{
		key: "storage.data_dir", typ: kString, env: "OBDBOT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "redis.addr", typ: kString, env: "OBDBOT_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Redis.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Addr },
	},
	{
		key: "redis.password", typ: kString, env: "OBDBOT_REDIS_PASSWORD",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Redis.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Password },
	},
	{
		key: "redis.db", typ: kInt, env: "OBDBOT_REDIS_DB",
		apply:   func(cfg *Config, v any) { cfg.Redis.DB = v.(int) },
		extract: func(cfg Config) any { return cfg.Redis.DB },
	},
	{
		key: "data.codes_file", typ: kString, env: "OBDBOT_DATA_CODES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Data.CodesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Data.CodesFile },
	},
	{
		key: "data.complaints_file", typ: kString, env: "OBDBOT_DATA_COMPLAINTS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Data.ComplaintsFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Data.ComplaintsFile },
	},
	{
		key: "telegram.enabled", typ: kBool, env: "OBDBOT_TELEGRAM_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Telegram.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Telegram.Enabled },
	},
	{
		key: "telegram.bot_token", typ: kString, env: "TELEGRAM_BOT_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.BotToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.BotToken },
	},
	{
		key: "mcp.enabled", typ: kBool, env: "OBDBOT_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.MCP.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.MCP.Enabled },
	},
	{
		key: "log.level", typ: kString, env: "OBDBOT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
