// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads the optional molecule.yaml application config.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flowd-org/molecule/internal/paths"
	"github.com/flowd-org/molecule/internal/types"
)

// Load reads the config at path. An empty path selects paths.ConfigFile; a
// missing default file yields an empty config, while a missing explicit file
// is an error. The resolved data directory is pinned in paths.
func Load(path string) (*types.Config, error) {
	explicit := path != ""
	if !explicit {
		path = paths.ConfigFile()
		explicit = os.Getenv("MOLECULE_CONFIG") != ""
	}

	cfg := &types.Config{}
	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			decoder := yaml.NewDecoder(f)
			decoder.KnownFields(true)
			if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("open config: %w", err)
		}
	}

	if err := normalise(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	// Data directory precedence: config file > MOLECULE_DATA_DIR > platform default.
	if cfg.DataDir != "" {
		paths.SetDataDirOverride(cfg.DataDir)
	}
	cfg.DataDir = paths.DataDir()
	return cfg, nil
}

func normalise(cfg *types.Config) error {
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.ChrootBinary = strings.TrimSpace(cfg.ChrootBinary)
	cfg.MetricsFile = strings.TrimSpace(cfg.MetricsFile)
	if cfg.GracePeriod < 0 {
		return fmt.Errorf("grace_period must not be negative")
	}
	if cfg.CommandTimeout < 0 {
		return fmt.Errorf("command_timeout must not be negative")
	}
	if cfg.JournalMaxBytes < 0 {
		return fmt.Errorf("journal_max_bytes must not be negative")
	}
	builders := cfg.Tools.IsoBuilders[:0]
	for _, b := range cfg.Tools.IsoBuilders {
		if b = strings.TrimSpace(b); b != "" {
			builders = append(builders, b)
		}
	}
	cfg.Tools.IsoBuilders = builders
	return nil
}
