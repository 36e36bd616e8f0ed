//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.accepticon.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "accepticon-data"
	}
	return filepath.Join(home, "Library", "Application Support", "accepticon")
}

func apiKeyHint() string {
	return fmt.Sprintf(" or macOS Keychain (service: %s, account: %s)", secretService, openAIKeyAccount)
}

// darwinBackend shells out to the `defaults` CLI so settings land in the
// native preferences store for the domain.
type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

func (b *darwinBackend) read(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	if err == nil {
		return strings.TrimSpace(string(out)), true, nil
	}
	// Exit status 1 means the key or the whole domain does not exist yet.
	var exit *exec.ExitError
	if errors.As(err, &exit) && exit.ExitCode() == 1 {
		return "", false, nil
	}
	return "", false, fmt.Errorf("defaults read %s %s: %w (%s)", b.domain, key, err, strings.TrimSpace(string(out)))
}

func (b *darwinBackend) write(key string, args ...string) error {
	argv := append([]string{"write", b.domain, key}, args...)
	return exec.Command("defaults", argv...).Run()
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	return b.read(key)
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.read(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s holds %q, want an integer: %w", key, s, err)
	}
	return i, true, nil
}

func (b *darwinBackend) SetString(key, val string) error {
	return b.write(key, "-string", val)
}

func (b *darwinBackend) SetInt(key string, val int) error {
	return b.write(key, "-int", strconv.Itoa(val))
}

func (b *darwinBackend) Delete(key string) error {
	return exec.Command("defaults", "delete", b.domain, key).Run()
}
