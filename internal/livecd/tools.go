// SPDX-License-Identifier: AGPL-3.0-or-later
package livecd

import (
	"os"

	"github.com/flowd-org/molecule/internal/types"
)

// Tools names the external programs driven by the livecd steps together
// with their baseline arguments.
type Tools struct {
	Syncer          string
	SyncerArgs      []string
	Compressor      string
	CompressorArgs  []string
	CompressedImage string
	// IsoBuilders are tried in order; the first executable one wins and the
	// last is used when none is.
	IsoBuilders []string
	IsoArgs     []string
}

// DefaultTools returns the stock rsync, mksquashfs and genisoimage/mkisofs
// configuration.
func DefaultTools() Tools {
	return Tools{
		Syncer: "/usr/bin/rsync",
		SyncerArgs: []string{
			"-a", "--delete", "--delete-excluded", "--delete-during",
			"--numeric-ids", "--recursive", "-d", "-A", "-H", "--xattrs",
		},
		Compressor:      "/usr/bin/mksquashfs",
		CompressorArgs:  []string{"-noappend", "-no-progress"},
		CompressedImage: "livecd.squashfs",
		IsoBuilders:     []string{"/usr/bin/genisoimage", "/usr/bin/mkisofs"},
		IsoArgs: []string{
			"-J", "-R", "-l", "-no-emul-boot",
			"-boot-load-size", "4", "-udf", "-boot-info-table",
		},
	}
}

// WithOverrides applies non-empty values from the application config.
func (t Tools) WithOverrides(cfg types.ToolsConfig) Tools {
	if cfg.Syncer != "" {
		t.Syncer = cfg.Syncer
	}
	if cfg.SyncerArgs != nil {
		t.SyncerArgs = append([]string(nil), cfg.SyncerArgs...)
	}
	if cfg.Compressor != "" {
		t.Compressor = cfg.Compressor
	}
	if cfg.CompressorArgs != nil {
		t.CompressorArgs = append([]string(nil), cfg.CompressorArgs...)
	}
	if len(cfg.IsoBuilders) > 0 {
		t.IsoBuilders = append([]string(nil), cfg.IsoBuilders...)
	}
	if cfg.IsoArgs != nil {
		t.IsoArgs = append([]string(nil), cfg.IsoArgs...)
	}
	return t
}

// IsoBuilder picks the ISO authoring program.
func (t Tools) IsoBuilder() string {
	if len(t.IsoBuilders) == 0 {
		return ""
	}
	for _, candidate := range t.IsoBuilders {
		if isExecutable(candidate) {
			return candidate
		}
	}
	return t.IsoBuilders[len(t.IsoBuilders)-1]
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
