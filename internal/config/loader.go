package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".feishurelay"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("FEISHURELAY_CONFIG")); explicit != "" {
		return expandHome(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("FEISHURELAY_HOME")); h != "" {
		return expandHome(h)
	}
	return os.UserHomeDir()
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	base, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, p[1:]), nil
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults. Secrets still empty after that
// are looked up in the OS keyring.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Env files never override variables already present in the process.
	envFiles := LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err == nil {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	ResolveSecrets(cfg)
	normalize(cfg)
	cfg.EnvFiles = envFiles
	return cfg, nil
}

// applyEnv reads each section's fully-qualified variables (FEISHU_APP_ID,
// QODER_TIMEOUT, ...). The tags carry the whole name and no prefix is
// passed, so envconfig never falls back to a bare name like TIMEOUT.
func applyEnv(cfg *Config) error {
	for _, spec := range []any{
		&cfg.Feishu, &cfg.Agent, &cfg.Server, &cfg.Log,
		&cfg.Relay, &cfg.DocSearch, &cfg.Supervisor,
	} {
		if err := envconfig.Process("", spec); err != nil {
			return fmt.Errorf("env: %w", err)
		}
	}
	if _, ok := os.LookupEnv("RELAY_ALLOWED_USERS"); !ok {
		if v, ok := os.LookupEnv("ALLOWED_USERS"); ok {
			cfg.Relay.AllowedUsers = strings.Split(v, ",")
		}
	}
	// The relay has always honoured a bare DEBUG=true.
	if strings.EqualFold(strings.TrimSpace(os.Getenv("DEBUG")), "true") {
		cfg.Log.Level = "debug"
	}
	return nil
}

func normalize(cfg *Config) {
	defaults := DefaultConfig()

	cfg.Feishu.APIBase = strings.TrimRight(strings.TrimSpace(cfg.Feishu.APIBase), "/")
	if cfg.Feishu.APIBase == "" {
		cfg.Feishu.APIBase = defaults.Feishu.APIBase
	}
	if strings.TrimSpace(cfg.Feishu.TokenPath) == "" {
		cfg.Feishu.TokenPath = defaults.Feishu.TokenPath
	}
	if cfg.Feishu.SignatureTolerance <= 0 {
		cfg.Feishu.SignatureTolerance = defaults.Feishu.SignatureTolerance
	}
	if cfg.Feishu.TokenMargin <= 0 {
		cfg.Feishu.TokenMargin = defaults.Feishu.TokenMargin
	}
	if cfg.Feishu.HTTPTimeout <= 0 {
		cfg.Feishu.HTTPTimeout = defaults.Feishu.HTTPTimeout
	}
	if cfg.Agent.Timeout <= 0 {
		cfg.Agent.Timeout = defaults.Agent.Timeout
	}
	if strings.TrimSpace(cfg.Agent.FallbackReply) == "" {
		cfg.Agent.FallbackReply = defaults.Agent.FallbackReply
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if cfg.Relay.MaxConcurrent <= 0 {
		cfg.Relay.MaxConcurrent = defaults.Relay.MaxConcurrent
	}
	if cfg.Relay.DedupeTTL <= 0 {
		cfg.Relay.DedupeTTL = defaults.Relay.DedupeTTL
	}
	if cfg.Relay.HistoryLimit > 50 {
		cfg.Relay.HistoryLimit = 50
	}
	cfg.Relay.AllowedUsers = cleanList(cfg.Relay.AllowedUsers)
	cfg.DocSearch.Keywords = cleanList(cfg.DocSearch.Keywords)
	if cfg.DocSearch.Count <= 0 {
		cfg.DocSearch.Count = defaults.DocSearch.Count
	}
	if cfg.DocSearch.Timeout <= 0 {
		cfg.DocSearch.Timeout = defaults.DocSearch.Timeout
	}
	if cfg.Supervisor.Interval <= 0 {
		cfg.Supervisor.Interval = defaults.Supervisor.Interval
	}
	if cfg.Supervisor.Settle < 0 {
		cfg.Supervisor.Settle = 0
	}

	if p, err := expandHome(cfg.Relay.StorePath); err == nil {
		cfg.Relay.StorePath = p
	}
	if p, err := expandHome(cfg.Supervisor.LogPath); err == nil {
		cfg.Supervisor.LogPath = p
	}
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o700)
}
