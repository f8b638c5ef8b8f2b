package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name secrets are stored under in the OS keyring.
const KeyringService = "feishurelay"

// Keyring account names for each secret.
const (
	SecretAppSecret         = "feishu.app_secret"
	SecretVerificationToken = "feishu.verification_token"
	SecretEncryptKey        = "feishu.encrypt_key"
	SecretAgentAPIKey       = "agent.api_key"
)

// SecretNames lists the accounts accepted by SetSecret.
var SecretNames = []string{SecretAppSecret, SecretVerificationToken, SecretEncryptKey, SecretAgentAPIKey}

// ResolveSecrets fills empty secret fields from the OS keyring.
// Missing entries and unavailable keyrings are not errors.
func ResolveSecrets(cfg *Config) {
	fill := func(dst *string, account string) {
		if strings.TrimSpace(*dst) != "" {
			return
		}
		v, err := keyring.Get(KeyringService, account)
		if err != nil {
			if err != keyring.ErrNotFound {
				slog.Debug("keyring lookup failed", "account", account, "error", err)
			}
			return
		}
		*dst = strings.TrimSpace(v)
	}
	fill(&cfg.Feishu.AppSecret, SecretAppSecret)
	fill(&cfg.Feishu.VerificationToken, SecretVerificationToken)
	fill(&cfg.Feishu.EncryptKey, SecretEncryptKey)
	fill(&cfg.Agent.APIKey, SecretAgentAPIKey)
}

// SetSecret stores a secret in the OS keyring.
func SetSecret(account, value string) error {
	if !isSecretName(account) {
		return fmt.Errorf("unknown secret %q (valid: %s)", account, strings.Join(SecretNames, ", "))
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("empty value for %s", account)
	}
	return keyring.Set(KeyringService, account, value)
}

// DeleteSecret removes a secret from the OS keyring.
func DeleteSecret(account string) error {
	if !isSecretName(account) {
		return fmt.Errorf("unknown secret %q", account)
	}
	err := keyring.Delete(KeyringService, account)
	if err == keyring.ErrNotFound {
		return nil
	}
	return err
}

func isSecretName(account string) bool {
	for _, n := range SecretNames {
		if n == account {
			return true
		}
	}
	return false
}
