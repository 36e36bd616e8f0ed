package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
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
		key: "server.port", typ: kInt, env: "ACCEPTICON_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "ACCEPTICON_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "openai.api_key", typ: kString, env: "ACCEPTICON_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "ACCEPTICON_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.whisper_model", typ: kString, env: "ACCEPTICON_OPENAI_WHISPER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.WhisperModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.WhisperModel },
	},
	{
		key: "openai.chat_model", typ: kString, env: "ACCEPTICON_OPENAI_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.ChatModel },
	},
	{
		key: "openai.vision_model", typ: kString, env: "ACCEPTICON_OPENAI_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.VisionModel },
	},
	{
		key: "openai.language", typ: kString, env: "ACCEPTICON_OPENAI_LANGUAGE",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.Language = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.Language },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ACCEPTICON_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "watch.dir", typ: kString, env: "ACCEPTICON_WATCH_DIR",
		apply:   func(cfg *Config, v any) { cfg.Watch.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Watch.Dir },
	},
	{
		key: "queue.max_concurrent", typ: kInt, env: "ACCEPTICON_QUEUE_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxConcurrent },
	},
	{
		key: "queue.attempt_timeout", typ: kString, env: "ACCEPTICON_QUEUE_ATTEMPT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Queue.AttemptTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.AttemptTimeout },
	},
	{
		key: "log.level", typ: kString, env: "ACCEPTICON_LOG_LEVEL",
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
		}
	}
}
