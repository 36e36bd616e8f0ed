//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Secrets live in a JSON file of service -> account -> value under the XDG
// data directory. It stands in for the macOS Keychain on other platforms.
func secretsFilePath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "accepticon", "secrets.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "accepticon", "secrets.json")
	}
	return filepath.Join(home, ".local", "share", "accepticon", "secrets.json")
}

func keychainGet(service, account string) ([]byte, error) {
	raw, err := os.ReadFile(secretsFilePath())
	if err != nil {
		return nil, fmt.Errorf("no secret store: %w", err)
	}
	var all map[string]map[string]string
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("decoding secrets file: %w", err)
	}
	val, ok := all[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret for %s/%s", service, account)
	}
	return []byte(val), nil
}

// keychainSet writes one secret, keeping every other service and account in
// the file intact. A file that fails to parse is started over.
func keychainSet(service, account, value string) error {
	path := secretsFilePath()
	all := map[string]map[string]string{}
	if raw, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(raw, &all)
	}
	if all[service] == nil {
		all[service] = map[string]string{}
	}
	all[service][account] = value

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	raw, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}
