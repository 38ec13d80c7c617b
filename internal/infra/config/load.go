package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"opsdeck/internal/domain"
)

// KeyEnv names the env var holding the passphrase for enc: values.
const KeyEnv = "OPSDECK_CONFIG_KEY"

const maxIncludeDepth = 10

// Load reads path, merges its includes, applies OPSDECK_* overrides, opens
// enc: secrets and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		data = nil
	case err != nil:
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrConfigLoad, path, err)
	}

	if data != nil {
		if err := loadFile(cfg, path, data); err != nil {
			return nil, err
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(KeyEnv); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	} else if sealed := sealedSecrets(cfg); len(sealed) > 0 {
		return nil, fmt.Errorf("%w: %s encrypted but %s is not set",
			domain.ErrConfigLoad, strings.Join(sealed, ", "), KeyEnv)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile decodes data over cfg. Included files are applied first, then the
// main file again so its own values win.
func loadFile(cfg *Config, path string, data []byte) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: parse %s: %v", domain.ErrConfigLoad, path, err)
	}
	if len(cfg.Includes) == 0 {
		return nil
	}

	visited := map[string]bool{absPath: true}
	if err := mergeIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: parse %s: %v", domain.ErrConfigLoad, path, err)
	}
	cfg.Includes = nil
	return nil
}

// mergeIncludes decodes every file named by cfg.Includes, relative to baseDir,
// over cfg. Nested includes are followed up to maxIncludeDepth.
func mergeIncludes(cfg *Config, baseDir string, visited map[string]bool, depth int) error {
	if depth >= maxIncludeDepth {
		return fmt.Errorf("%w: includes nested deeper than %d", domain.ErrConfigLoad, maxIncludeDepth)
	}

	patterns := cfg.Includes
	cfg.Includes = nil

	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}
		paths, err := expandInclude(pattern)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if visited[p] {
				return fmt.Errorf("%w: include cycle at %s", domain.ErrConfigLoad, p)
			}
			visited[p] = true

			data, err := os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("%w: read include %s: %v", domain.ErrConfigLoad, p, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return fmt.Errorf("%w: parse include %s: %v", domain.ErrConfigLoad, p, err)
			}
			if len(cfg.Includes) > 0 {
				if err := mergeIncludes(cfg, filepath.Dir(p), visited, depth+1); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// expandInclude resolves a glob pattern to sorted absolute paths. A literal
// path must exist; a glob may match nothing.
func expandInclude(pattern string) ([]string, error) {
	if !strings.ContainsAny(pattern, "*?[") {
		abs, err := filepath.Abs(pattern)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("%w: include %s: %v", domain.ErrConfigLoad, pattern, err)
		}
		return []string{abs}, nil
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: include pattern %s: %v", domain.ErrConfigLoad, pattern, err)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		abs, err := filepath.Abs(m)
		if err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	return out, nil
}

// validatePermissions rejects config files readable or writable by others
// beyond 0644, since they may hold credentials.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o033 != 0 {
		return fmt.Errorf("%w: %s has permissions %04o, want 0600 or 0644",
			domain.ErrConfigLoad, path, mode)
	}
	return nil
}
