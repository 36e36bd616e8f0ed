package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

const (
	secretService    = "accepticon"
	openAIKeyAccount = "openai_api_key"
	tokenAccount     = "api_token"
	tokenEnvVar      = "ACCEPTICON_API_TOKEN"
)

// EnsureAPIToken returns the bearer token that guards the local API,
// creating and persisting one on first use. Resolution order: environment
// variable, platform secret store, freshly generated token.
func EnsureAPIToken() (string, error) {
	if tok := strings.TrimSpace(os.Getenv(tokenEnvVar)); tok != "" {
		return tok, nil
	}
	if raw, err := keychainGet(secretService, tokenAccount); err == nil {
		if tok := strings.TrimSpace(string(raw)); tok != "" {
			return tok, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := keychainSet(secretService, tokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}

// GetAPIToken returns the stored bearer token without creating one. Client
// commands use it to authenticate against a running server.
func GetAPIToken() (string, error) {
	if tok := strings.TrimSpace(os.Getenv(tokenEnvVar)); tok != "" {
		return tok, nil
	}
	if raw, err := keychainGet(secretService, tokenAccount); err == nil {
		if tok := strings.TrimSpace(string(raw)); tok != "" {
			return tok, nil
		}
	}
	return "", fmt.Errorf("no API token found; start the server once (accepticon serve) or set %s", tokenEnvVar)
}
