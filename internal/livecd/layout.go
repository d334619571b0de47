// SPDX-License-Identifier: AGPL-3.0-or-later
package livecd

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/flowd-org/molecule/internal/checksum"
	"github.com/flowd-org/molecule/internal/types"
)

// Metadata keys read by the livecd steps.
const (
	KeyReleaseString      = "release_string"
	KeyReleaseVersion     = "release_version"
	KeyReleaseDesc        = "release_desc"
	KeyReleaseFile        = "release_file"
	KeySourceChroot       = "source_chroot"
	KeyDestinationChroot  = "destination_chroot"
	KeyDestinationLivecd  = "destination_livecd_root"
	KeyDestinationIsoDir  = "destination_iso_directory"
	KeyDestinationIsoName = "destination_iso_image_name"
	KeyIsoTitle           = "iso_title"
	KeyPrechroot          = "prechroot"
	KeyExtraRsync         = "extra_rsync_parameters"
	KeyExtraMksquashfs    = "extra_mksquashfs_parameters"
	KeyExtraMkisofs       = "extra_mkisofs_parameters"
	KeyCompressorOutput   = "chroot_compressor_output_file"
	KeyMergeLivecdRoot    = "merge_livecd_root"
	KeyMergeDestChroot    = "merge_destination_chroot"
	KeyPathsToEmpty       = "paths_to_empty"
	KeyPathsToRemove      = "paths_to_remove"
	KeyErrorScript        = "error_script"
	KeyOuterChrootScript  = "outer_chroot_script"
	KeyOuterChrootAfter   = "outer_chroot_script_after"
	KeyInnerChrootScript  = "inner_chroot_script"
	KeyInnerSourceScript  = "inner_source_chroot_script"
	KeyPreIsoScript       = "pre_iso_script"
	KeyPostIsoScript      = "post_iso_script"
)

// Environment bindings exposed to hooks and tools.
const (
	EnvReleaseString   = "RELEASE_STRING"
	EnvReleaseVersion  = "RELEASE_VERSION"
	EnvReleaseDesc     = "RELEASE_DESC"
	EnvPrechroot       = "PRECHROOT"
	EnvSourceChrootDir = "SOURCE_CHROOT_DIR"
	EnvChrootDir       = "CHROOT_DIR"
	EnvCdrootDir       = "CDROOT_DIR"
	EnvIsoPath         = "ISO_PATH"
	EnvIsoChecksumPath = "ISO_CHECKSUM_PATH"
	// EnvIsoTitle overrides the volume title derived from release fields.
	EnvIsoTitle = "MOLECULE_ISO_TITLE"
)

// MaxVolumeTitle is the ISO9660 volume identifier limit in bytes.
const MaxVolumeTitle = 32

// Layout holds every path the livecd steps derive from metadata.
type Layout struct {
	SourceChroot string
	ChrootDir    string
	CdrootDir    string
	IsoDir       string
	IsoPath      string
	ChecksumPath string
}

// ResolveLayout derives the build layout without touching the filesystem.
func ResolveLayout(md types.Metadata) Layout {
	source := md.String(KeySourceChroot)
	chrootDir := filepath.Join(md.String(KeyDestinationChroot), "chroot", filepath.Base(source))
	cdroot := filepath.Join(md.String(KeyDestinationLivecd), "livecd", filepath.Base(chrootDir))
	isoDir := md.String(KeyDestinationIsoDir)
	name := md.String(KeyDestinationIsoName)
	if name == "" {
		name = DefaultImageName(md)
	}
	isoPath := filepath.Join(isoDir, name)
	return Layout{
		SourceChroot: source,
		ChrootDir:    chrootDir,
		CdrootDir:    cdroot,
		IsoDir:       isoDir,
		IsoPath:      isoPath,
		ChecksumPath: checksum.SidecarPath(isoPath),
	}
}

// DefaultImageName builds "<string>_<version>_<desc>.iso" with spaces
// replaced by underscores.
func DefaultImageName(md types.Metadata) string {
	name := fmt.Sprintf("%s_%s_%s.iso", md.String(KeyReleaseString), md.String(KeyReleaseVersion), md.String(KeyReleaseDesc))
	return strings.ReplaceAll(name, " ", "_")
}

// VolumeTitle picks the ISO title: iso_title metadata, then the override
// from the environment, then "<string> <version> <desc>". The result is cut
// to MaxVolumeTitle bytes without splitting a character.
func VolumeTitle(md types.Metadata, lookupEnv func(string) (string, bool)) string {
	title := md.String(KeyIsoTitle)
	if title == "" && lookupEnv != nil {
		if v, ok := lookupEnv(EnvIsoTitle); ok {
			title = v
		}
	}
	if title == "" {
		title = fmt.Sprintf("%s %s %s", md.String(KeyReleaseString), md.String(KeyReleaseVersion), md.String(KeyReleaseDesc))
	}
	return truncateTitle(title, MaxVolumeTitle)
}

func truncateTitle(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// dirContents normalizes a directory for content-of-directory synchronisation.
func dirContents(path string) string {
	return strings.TrimRight(path, "/") + "/"
}
