package config

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	secretService   = "bigmem"
	apiTokenAccount = "api_token"
)

// GetAPIToken returns the daemon's bearer token, generating and storing a
// new one in the secret store on first use.
func GetAPIToken(cfg Config) (string, error) {
	return apiTokenWith(cfg, keychainReader{}, keychainSet)
}

func apiTokenWith(cfg Config, kc keychain, set func(service, account, value string) error) (string, error) {
	if cfg.API.Token != "" {
		return cfg.API.Token, nil
	}
	if tok, err := kc.Get(secretService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}

	tok := uuid.NewString()
	if err := set(secretService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
