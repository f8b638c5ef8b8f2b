package config

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// envFileCandidates lists env files from highest to lowest precedence:
// FEISHURELAY_ENV_FILE, ./.env, then the per-user files. Duplicates are
// dropped after resolving to absolute paths.
func envFileCandidates() []string {
	paths := []string{strings.TrimSpace(os.Getenv("FEISHURELAY_ENV_FILE")), ".env"}
	if home, err := resolveHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "feishurelay", "env"),
			filepath.Join(home, ConfigDir, "env"),
		)
	}
	out := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// LoadEnvFileCandidates applies every env file that exists and returns the
// ones it read. A variable already set, by the process or by an earlier
// file, is never overridden.
func LoadEnvFileCandidates() []string {
	var loaded []string
	for _, p := range envFileCandidates() {
		if err := loadEnvFile(p); err == nil {
			loaded = append(loaded, p)
		}
	}
	return loaded
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	vars, err := parseEnv(f)
	if err != nil {
		return err
	}
	for _, kv := range vars {
		if _, exists := os.LookupEnv(kv[0]); !exists {
			_ = os.Setenv(kv[0], kv[1])
		}
	}
	return nil
}

// parseEnv reads KEY=VALUE lines in file order. Blank lines, comments and
// lines without a key are skipped; an "export " prefix is allowed.
func parseEnv(r io.Reader) ([][2]string, error) {
	var out [][2]string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out = append(out, [2]string{key, envValue(strings.TrimSpace(val))})
	}
	return out, sc.Err()
}

// envValue strips one pair of matching quotes. Unquoted values lose a
// trailing " # comment".
func envValue(v string) string {
	if n := len(v); n >= 2 && (v[0] == '"' || v[0] == '\'') && v[n-1] == v[0] {
		return v[1 : n-1]
	}
	if i := strings.Index(v, " #"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v
}
