// SPDX-License-Identifier: AGPL-3.0-or-later
package types

import "time"

// Config is the application configuration loaded from molecule.yaml.
type Config struct {
	DataDir         string        `yaml:"data_dir,omitempty"`
	Journal         *bool         `yaml:"journal,omitempty"`
	JournalMaxBytes int64         `yaml:"journal_max_bytes,omitempty"`
	GracePeriod     time.Duration `yaml:"grace_period,omitempty"`
	CommandTimeout  time.Duration `yaml:"command_timeout,omitempty"`
	ChrootBinary    string        `yaml:"chroot_binary,omitempty"`
	CleanEnv        bool          `yaml:"clean_env,omitempty"`
	SandboxWrapper  []string      `yaml:"sandbox_wrapper,omitempty"`
	Redact          []string      `yaml:"redact,omitempty"`
	MetricsFile     string        `yaml:"metrics_file,omitempty"`
	Tools           ToolsConfig   `yaml:"tools,omitempty"`
}

// ToolsConfig overrides the external programs driven by the livecd steps.
// Empty fields keep the built-in defaults.
type ToolsConfig struct {
	Syncer         string   `yaml:"syncer,omitempty"`
	SyncerArgs     []string `yaml:"syncer_args,omitempty"`
	Compressor     string   `yaml:"compressor,omitempty"`
	CompressorArgs []string `yaml:"compressor_args,omitempty"`
	IsoBuilders    []string `yaml:"iso_builders,omitempty"`
	IsoArgs        []string `yaml:"iso_args,omitempty"`
}

// JournalEnabled reports whether builds are journaled; the default is true.
func (c *Config) JournalEnabled() bool {
	return c == nil || c.Journal == nil || *c.Journal
}
