package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	OpenAI  OpenAIConfig
	Storage StorageConfig
	Watch   WatchConfig
	Queue   QueueConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	WhisperModel string
	ChatModel    string
	VisionModel  string
	Language     string
}

type StorageConfig struct {
	DataDir string
}

// WatchConfig points at the drop folder for automatic audio ingestion.
// An empty Dir disables the watcher.
type WatchConfig struct {
	Dir string
}

// QueueConfig tunes the job runner. AttemptTimeout is a duration string
// ("90s", "2m"); it is parsed at serve time.
type QueueConfig struct {
	MaxConcurrent  int
	AttemptTimeout string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:     4600,
			MaxConns: 64,
		},
		OpenAI: OpenAIConfig{
			WhisperModel: "whisper-1",
			ChatModel:    "gpt-4o-mini",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Queue: QueueConfig{
			MaxConcurrent:  2,
			AttemptTimeout: "2m",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.accepticon.app) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/accepticon/config.json
// and secrets live in a 0600 secrets.json under the data directory.
//
// Environment variables (ACCEPTICON_*) override backend values on all
// platforms. A .env file in the working directory supplies env values when
// present.
func Load() (Config, error) {
	godotenv.Load()
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform secret store for the API key if still empty.
	if cfg.OpenAI.APIKey == "" {
		if key, err := kc.Get(secretService, openAIKeyAccount); err == nil && key != "" {
			cfg.OpenAI.APIKey = key
		}
	}

	if cfg.OpenAI.APIKey == "" {
		msg := "missing required config: OpenAI API key. " +
			"Set it via environment variable ACCEPTICON_OPENAI_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
