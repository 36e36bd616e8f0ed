//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "accepticon")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "accepticon-data"
	}
	return filepath.Join(home, ".local", "share", "accepticon")
}

func apiKeyHint() string { return "" }

// fileBackend keeps settings as one flat JSON object on disk. Every write
// rewrites the whole file.
type fileBackend struct {
	path string
	data map[string]any
}

func newPlatformBackend() ConfigBackend {
	b := &fileBackend{path: configFilePath(), data: map[string]any{}}
	b.load()
	return b
}

func configFilePath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "accepticon", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "accepticon", "config.json")
	}
	return filepath.Join(home, ".config", "accepticon", "config.json")
}

func (b *fileBackend) load() {
	raw, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] config file %s unreadable: %v. Using defaults.\n", b.path, err)
		return
	}
	if err := json.Unmarshal(raw, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] config file %s is not valid JSON: %v. Using defaults.\n", b.path, err)
	}
}

func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	raw, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, raw, 0o600)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	if s, isString := v.(string); isString {
		return s, true, nil
	}
	// Hand-edited files may hold numbers where strings belong.
	return fmt.Sprint(v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		// json.Unmarshal decodes every JSON number into a float64.
		if n != math.Trunc(n) || n < math.MinInt || n > math.MaxInt {
			return 0, true, fmt.Errorf("%s is %v, not an integer", key, n)
		}
		return int(n), true, nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, true, fmt.Errorf("%s takes an integer: %w", key, err)
		}
		return i, true, nil
	}
	return 0, true, fmt.Errorf("%s has type %T, want a number", key, v)
}

func (b *fileBackend) SetString(key, val string) error {
	b.data[key] = val
	return b.save()
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return b.save()
}

func (b *fileBackend) Delete(key string) error {
	delete(b.data, key)
	return b.save()
}
