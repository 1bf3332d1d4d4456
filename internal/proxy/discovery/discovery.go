// Package discovery implements the Proxy Initializer + Discovery
// (C11): creating "./.code-indexer/" proxy config and walking the
// subtree to find sub-repositories, each marked by its own
// ".code-indexer" directory.
package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/codeindexer/cidx/internal/server/atomicio"
)

const (
	configFileName = "config.json"
	configVersion  = "1.0.0"

	// dotConfigDir is the directory name every proxy root and every
	// discoverable sub-repository carries.
	dotConfigDir = ".code-indexer"
)

// Config is the proxy-mode marker written to
// "<proxy_root>/.code-indexer/config.json".
type Config struct {
	ProxyMode       bool      `json:"proxy_mode"`
	DiscoveredRepos []string  `json:"discovered_repos"`
	Version         string    `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
}

// ErrNestedProxy is returned by Init when an ancestor directory already
// carries a proxy config: nested proxies are prohibited.
var ErrNestedProxy = fmt.Errorf("discovery: nested proxy not allowed")

func configPath(root string) string {
	return filepath.Join(root, dotConfigDir, configFileName)
}

// Init creates "<root>/.code-indexer/" and writes its config, after
// confirming no ancestor directory already has a proxy config and
// after discovering every sub-repository under root.
func Init(root string) (*Config, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve root: %w", err)
	}

	if err := checkNoAncestorProxy(absRoot); err != nil {
		return nil, err
	}

	repos, err := Discover(absRoot)
	if err != nil {
		return nil, fmt.Errorf("discovery: discover sub-repositories: %w", err)
	}

	cfg := &Config{
		ProxyMode:       true,
		DiscoveredRepos: repos,
		Version:         configVersion,
		CreatedAt:       time.Now().UTC(),
	}

	dir := filepath.Join(absRoot, dotConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("discovery: create %s: %w", dir, err)
	}
	if err := atomicio.WriteJSON(configPath(absRoot), cfg); err != nil {
		return nil, fmt.Errorf("discovery: write config: %w", err)
	}
	return cfg, nil
}

// checkNoAncestorProxy walks upward from root, failing if any ancestor
// directory already contains a ".code-indexer" config.
func checkNoAncestorProxy(root string) error {
	dir := filepath.Dir(root)
	for {
		if _, err := os.Stat(filepath.Join(dir, dotConfigDir, configFileName)); err == nil {
			return ErrNestedProxy
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}

// Discover walks root's subtree for directories named ".code-indexer"
// other than root's own, following symlinked directories and avoiding
// cycles via a set of visited symlink-resolved paths, and returns the *parent* directories of those
// config dirs as paths relative to root, sorted.
func Discover(root string) ([]string, error) {
	visited := make(map[string]bool)
	var repos []string

	var walk func(dir string) error
	walk = func(dir string) error {
		resolved, err := filepath.EvalSymlinks(dir)
		if err != nil {
			return nil // unreadable/broken symlink: skip silently
		}
		if visited[resolved] {
			return nil
		}
		visited[resolved] = true

		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil
		}

		hasConfig := false
		for _, e := range entries {
			if e.IsDir() && e.Name() == dotConfigDir {
				hasConfig = true
			}
		}
		if hasConfig && dir != root {
			rel, err := filepath.Rel(root, dir)
			if err == nil {
				repos = append(repos, rel)
			}
			return nil // do not descend into a discovered repository
		}

		for _, e := range entries {
			if e.Name() == dotConfigDir {
				continue
			}
			child := filepath.Join(dir, e.Name())
			isDir := e.IsDir()
			if e.Type()&os.ModeSymlink != 0 {
				if info, err := os.Stat(child); err == nil {
					isDir = info.IsDir()
				}
			}
			if !isDir {
				continue
			}
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(root); err != nil {
		return nil, err
	}
	sort.Strings(repos)
	return repos, nil
}

// Load reads an existing proxy config, if any.
func Load(root string) (*Config, error) {
	data, err := os.ReadFile(configPath(root))
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("discovery: parse config: %w", err)
	}
	return &cfg, nil
}
