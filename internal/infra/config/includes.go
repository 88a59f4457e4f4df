package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// listFragment captures the list sections of a config file. Lists from
// included files are appended rather than replaced, so remotes and backends
// can be split across conf.d fragments.
type listFragment struct {
	Backends []BackendConfig `yaml:"backends"`
	Remotes  []RemoteConfig  `yaml:"remotes"`
}

// loadIncludes merges the files named by cfg.Includes into cfg. data is the
// main file; its scalar settings take precedence over included ones and its
// list entries come first.
func loadIncludes(cfg *Config, absPath string, data []byte) error {
	mainBackends, mainRemotes := cfg.Backends, cfg.Remotes
	cfg.Backends, cfg.Remotes = nil, nil

	visited := map[string]bool{absPath: true}
	if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
		return err
	}
	incBackends, incRemotes := cfg.Backends, cfg.Remotes

	// Second pass: re-unmarshal main config so it takes precedence over includes.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config (second pass): %w", err)
	}
	cfg.Includes = nil
	cfg.Backends = append(mainBackends, incBackends...)
	cfg.Remotes = append(mainRemotes, incRemotes...)
	return nil
}

// processIncludes merges config files referenced by cfg.Includes into cfg.
// basePath is the directory of the config file that contains the includes.
// visited tracks absolute paths to detect circular includes.
func processIncludes(cfg *Config, basePath string, visited map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	includes := cfg.Includes
	cfg.Includes = nil
	for _, pattern := range includes {
		paths, err := resolveIncludePaths(pattern, basePath)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("config includes: abs path %q: %w", p, err)
			}
			if visited[abs] {
				return fmt.Errorf("config includes: circular include detected for %q", abs)
			}
			visited[abs] = true

			if err := mergeFile(cfg, abs, visited, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveIncludePaths resolves a pattern (which may contain globs) relative to baseDir.
// It rejects patterns that escape baseDir.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	rel, err := filepath.Rel(baseDir, pattern)
	if err == nil && len(rel) >= 2 && rel[:2] == ".." {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !hasMeta(pattern) {
		// Literal path: let mergeFile report file-not-found.
		return []string{pattern}, nil
	}
	return matches, nil
}

func hasMeta(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// mergeFile overlays one included file onto cfg and appends its list entries.
func mergeFile(cfg *Config, path string, visited map[string]bool, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var frag listFragment
	if err := yaml.Unmarshal(data, &frag); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}

	backends, remotes := cfg.Backends, cfg.Remotes
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	cfg.Backends = append(backends, frag.Backends...)
	cfg.Remotes = append(remotes, frag.Remotes...)

	if len(cfg.Includes) > 0 {
		if err := processIncludes(cfg, filepath.Dir(path), visited, depth); err != nil {
			return err
		}
	}
	return nil
}
