package config

import (
	"fmt"
	"strconv"
)

// KeyInfo is one row of `config show`: a settable key, the environment
// variable that overrides it, and the resolved value.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists every non-secret key with its effective value.
func ShowAll(cfg Config) []KeyInfo {
	out := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		if s.secret {
			continue
		}
		out = append(out, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprint(s.extract(cfg)),
		})
	}
	return out
}

// SetKey parses value according to the key's declared type and persists it
// in the platform backend.
func SetKey(key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("%q holds a secret; set it through %s instead", key, s.env)
		}
		b := newPlatformBackend()
		if s.typ == kInt {
			i, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s takes an integer: %w", key, err)
			}
			return b.SetInt(key, i)
		}
		return b.SetString(key, value)
	}
	return fmt.Errorf("unknown config key %q", key)
}

// ValidKeys returns the settable key names for help output.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		if s.secret {
			continue
		}
		keys = append(keys, s.key)
	}
	return keys
}
