// SPDX-License-Identifier: AGPL-3.0-or-later
package livecd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/containerd/continuity/fs"

	"github.com/flowd-org/molecule/internal/logctx"
	"github.com/flowd-org/molecule/internal/step"
)

// cdroot compresses the chroot into the livecd root and merges extra files.
type cdroot struct {
	base
}

func (s *cdroot) Setup(ctx context.Context) error {
	dest := s.layout.CdrootDir
	if isDir(dest) {
		rm, err := s.remover(dest)
		if err != nil {
			return step.Exit(1, err)
		}
		if err := rm.Empty(ctx, dest); err != nil {
			return step.Exit(1, err)
		}
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fsError("create cdroot dir", dest, err)
	}
	return nil
}

func (s *cdroot) imagePath() string {
	name := s.md.String(KeyCompressorOutput)
	if name == "" {
		name = s.deps.Tools.CompressedImage
	}
	return filepath.Join(s.layout.CdrootDir, name)
}

func (s *cdroot) compressArgs() []string {
	tools := s.deps.Tools
	args := []string{tools.Compressor, s.layout.ChrootDir, s.imagePath()}
	args = append(args, tools.CompressorArgs...)
	return append(args, s.md.List(KeyExtraMksquashfs)...)
}

func (s *cdroot) Run(ctx context.Context) error {
	if err := s.run(ctx, "compress", s.compressArgs(), s.env()); err != nil {
		return err
	}
	merge := s.md.String(KeyMergeLivecdRoot)
	if merge == "" || !isDir(merge) {
		return nil
	}
	logctx.From(ctx).Info("cdroot.merge", slog.String("source", merge), slog.String("dest", s.layout.CdrootDir))
	if err := fs.CopyDir(s.layout.CdrootDir, merge, fs.WithAllowXAttrErrors()); err != nil {
		return step.Exit(1, fmt.Errorf("merge %s into %s: %w", merge, s.layout.CdrootDir, err))
	}
	return nil
}

func (s *cdroot) Kill(ctx context.Context, success bool) error {
	if !success {
		s.runErrorScript(ctx, "", s.layout.ChrootDir, s.layout.CdrootDir)
	}
	return nil
}
