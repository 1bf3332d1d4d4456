// Package config loads the MCP bridge's configuration from environment
// variables, the user's config file, and built-in defaults, in that
// priority order.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/codeindexer/cidx/internal/server/atomicio"
)

const (
	dotMcpbDir    = ".mcpb"
	configFile    = "config.json"
	minTimeout    = 1 * time.Second
	maxTimeout    = 300 * time.Second
	defaultTimeout = 30 * time.Second
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warning": true, "error": true,
}

// Config is the bridge's effective, validated configuration.
type Config struct {
	ServerURL string        `json:"server_url"`
	Token     string        `json:"token,omitempty"`
	Timeout   time.Duration `json:"-"`
	LogLevel  string        `json:"log_level"`

	// Source records where each field's value ultimately came from, for
	// --diagnose reporting. Keys are field names: server_url, token,
	// timeout, log_level.
	Source map[string]string `json:"-"`
}

// fileConfig is the on-disk shape; Timeout is seconds there.
type fileConfig struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token,omitempty"`
	Timeout   int    `json:"timeout,omitempty"`
	LogLevel  string `json:"log_level,omitempty"`
}

func defaultConfig() Config {
	return Config{
		ServerURL: "",
		Timeout:   defaultTimeout,
		LogLevel:  "info",
		Source: map[string]string{
			"server_url": "default",
			"timeout":    "default",
			"log_level":  "default",
		},
	}
}

// Dir returns the bridge's config directory, ~/.mcpb.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, dotMcpbDir), nil
}

// Path returns the full path to config.json.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// Load builds the effective Config from defaults, then the config
// file (if present), then environment variables, each layer
// overriding the previous one field-by-field. It also returns a
// permWarning when the config file exists but is not mode 0600.
func Load() (cfg Config, permWarning string, err error) {
	cfg = defaultConfig()

	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	if info, statErr := os.Stat(path); statErr == nil {
		if info.Mode().Perm() != 0o600 {
			permWarning = fmt.Sprintf("config file %s has permissions %o, expected 0600", path, info.Mode().Perm())
		}
		applyFile(&cfg, path)
	}

	applyEnv(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, permWarning, err
	}
	return cfg, permWarning, nil
}

func applyFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return
	}
	if fc.ServerURL != "" {
		cfg.ServerURL = fc.ServerURL
		cfg.Source["server_url"] = "file"
	}
	if fc.Token != "" {
		cfg.Token = fc.Token
		cfg.Source["token"] = "file"
	}
	if fc.Timeout != 0 {
		cfg.Timeout = time.Duration(fc.Timeout) * time.Second
		cfg.Source["timeout"] = "file"
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
		cfg.Source["log_level"] = "file"
	}
}

func applyEnv(cfg *Config) {
	apply := func(key string, dest *string, source string) {
		if v := firstNonEmptyEnv(key); v != "" {
			*dest = v
			cfg.Source[source] = "env:" + key
		}
	}
	apply("CIDX_SERVER_URL", &cfg.ServerURL, "server_url")
	apply("CIDX_TOKEN", &cfg.Token, "token")
	apply("CIDX_LOG_LEVEL", &cfg.LogLevel, "log_level")

	if v := firstNonEmptyEnv("CIDX_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Timeout = time.Duration(secs) * time.Second
			cfg.Source["timeout"] = "env:CIDX_TIMEOUT"
		}
	}
}

// firstNonEmptyEnv checks the CIDX_ variable first, then its legacy
// MCPB_ counterpart, since legacy vars carry lower precedence.
func firstNonEmptyEnv(cidxKey string) string {
	if v := os.Getenv(cidxKey); v != "" {
		return v
	}
	legacyKey := "MCPB_" + cidxKey[len("CIDX_"):]
	return os.Getenv(legacyKey)
}

func validate(cfg Config) error {
	if cfg.ServerURL != "" {
		u, err := url.Parse(cfg.ServerURL)
		if err != nil {
			return fmt.Errorf("config: invalid server_url %q: %w", cfg.ServerURL, err)
		}
		host := u.Hostname()
		if u.Scheme != "https" && host != "localhost" && host != "127.0.0.1" {
			return fmt.Errorf("config: server_url must use https unless host is localhost or 127.0.0.1, got %q", cfg.ServerURL)
		}
	}
	if cfg.Timeout < minTimeout || cfg.Timeout > maxTimeout {
		return fmt.Errorf("config: timeout %s out of range [1s, 300s]", cfg.Timeout)
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("config: log_level %q must be one of debug, info, warning, error", cfg.LogLevel)
	}
	return nil
}

// SaveToken rewrites the config file's token field atomically (via
// atomicio), preserving every other field already on disk. It is used
// by the credential/auto-refresh flow after a successful token
// exchange; it never widens the file's permissions beyond 0600.
func SaveToken(token string) error {
	path, err := Path()
	if err != nil {
		return err
	}

	fc := fileConfig{}
	if data, readErr := os.ReadFile(path); readErr == nil {
		_ = json.Unmarshal(data, &fc)
	}
	fc.Token = token

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal token update: %w", err)
	}
	if err := atomicio.Write(path, data); err != nil {
		return fmt.Errorf("config: persist token: %w", err)
	}
	return os.Chmod(path, 0o600)
}

// Masked returns a copy of cfg suitable for diagnostics: token is
// reduced to its last three characters.
func (c Config) Masked() Config {
	masked := c
	if len(masked.Token) > 3 {
		masked.Token = "***" + masked.Token[len(masked.Token)-3:]
	} else if masked.Token != "" {
		masked.Token = "***"
	}
	return masked
}
