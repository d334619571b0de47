// SPDX-License-Identifier: AGPL-3.0-or-later
package livecd

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/flowd-org/molecule/internal/checksum"
	"github.com/flowd-org/molecule/internal/logctx"
)

// iso authors the bootable image from the livecd root.
type iso struct {
	base
	title   string
	builder string
}

func (s *iso) Setup(ctx context.Context) error {
	if err := os.MkdirAll(s.layout.IsoDir, 0o755); err != nil {
		return fsError("create iso dir", s.layout.IsoDir, err)
	}
	s.title = VolumeTitle(s.md, s.deps.LookupEnv)
	s.builder = s.deps.Tools.IsoBuilder()
	return nil
}

func (s *iso) PreRun(ctx context.Context) error {
	env := s.env()
	env.Set(EnvSourceChrootDir, s.layout.SourceChroot)
	env.Set(EnvChrootDir, s.layout.ChrootDir)
	env.Set(EnvCdrootDir, s.layout.CdrootDir)
	env.Set(EnvIsoPath, s.layout.IsoPath)
	env.Set(EnvIsoChecksumPath, s.layout.ChecksumPath)
	return s.runHook(ctx, KeyPreIsoScript, env)
}

func (s *iso) buildArgs() []string {
	args := []string{s.builder}
	args = append(args, s.deps.Tools.IsoArgs...)
	args = append(args, s.md.List(KeyExtraMkisofs)...)
	if strings.TrimSpace(s.title) != "" {
		args = append(args, "-V", s.title)
	}
	return append(args, "-o", s.layout.IsoPath, s.layout.CdrootDir)
}

func (s *iso) Run(ctx context.Context) error {
	if err := s.run(ctx, "iso", s.buildArgs(), s.env()); err != nil {
		return err
	}
	if !readableFile(s.layout.IsoPath) {
		logctx.From(ctx).Warn("iso.image_missing", slog.String("path", s.layout.IsoPath))
		return nil
	}
	_, digest, err := checksum.WriteSidecar(s.layout.IsoPath)
	if err != nil {
		return fsError("write checksum", s.layout.ChecksumPath, err)
	}
	attrs := []any{slog.String("path", s.layout.IsoPath), slog.String("md5", digest)}
	if info, err := os.Stat(s.layout.IsoPath); err == nil {
		attrs = append(attrs, slog.String("size", humanize.Bytes(uint64(info.Size()))))
	}
	logctx.From(ctx).Info("iso.ready", attrs...)
	return nil
}

func (s *iso) PostRun(ctx context.Context) error {
	env := s.env()
	env.Set(EnvIsoPath, s.layout.IsoPath)
	env.Set(EnvIsoChecksumPath, s.layout.ChecksumPath)
	return s.runHook(ctx, KeyPostIsoScript, env)
}

func (s *iso) Kill(ctx context.Context, success bool) error {
	if !success {
		s.runErrorScript(ctx, s.layout.SourceChroot, s.layout.ChrootDir, s.layout.CdrootDir)
	}
	return nil
}
