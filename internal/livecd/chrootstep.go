// SPDX-License-Identifier: AGPL-3.0-or-later
package livecd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/flowd-org/molecule/internal/logctx"
	"github.com/flowd-org/molecule/internal/sandbox"
	"github.com/flowd-org/molecule/internal/step"
)

// chrootHooks customises the mirrored chroot through user hooks, then
// trims it and stamps the release file.
type chrootHooks struct {
	base
}

func (s *chrootHooks) Setup(ctx context.Context) error {
	if !isDir(s.layout.ChrootDir) {
		return step.Exit(1, fmt.Errorf("chroot dir %s is not a directory", s.layout.ChrootDir))
	}
	return nil
}

func (s *chrootHooks) PreRun(ctx context.Context) error {
	env := s.env()
	env.Set(EnvChrootDir, s.layout.SourceChroot)
	return s.runHook(ctx, KeyOuterChrootScript, env)
}

func (s *chrootHooks) Run(ctx context.Context) error {
	return s.runInner(ctx, KeyInnerChrootScript, s.layout.ChrootDir, s.env())
}

func (s *chrootHooks) PostRun(ctx context.Context) error {
	dest := s.layout.ChrootDir
	rm, err := s.remover(dest)
	if err != nil {
		return step.Exit(1, err)
	}
	logger := logctx.From(ctx)

	for _, rel := range s.md.List(KeyPathsToEmpty) {
		target, err := s.resolve(rel)
		if err != nil {
			return step.Exit(1, err)
		}
		if !isDir(target) {
			continue
		}
		logger.Info("chroot.empty", slog.String("path", target))
		if err := rm.Empty(ctx, target); err != nil {
			return step.Exit(1, err)
		}
	}

	for _, rel := range s.md.List(KeyPathsToRemove) {
		target, err := sandbox.Resolve(dest, rel)
		if err != nil {
			return step.Exit(1, err)
		}
		logger.Info("chroot.remove", slog.String("path", target), slog.String(sandbox.EnvVar, rm.Allow.Value()))
		if err := rm.Remove(ctx, target); err != nil {
			return step.Exit(1, err)
		}
	}

	if err := s.writeReleaseFile(ctx); err != nil {
		return err
	}

	env := s.env()
	env.Set(EnvChrootDir, s.layout.SourceChroot)
	return s.runHook(ctx, KeyOuterChrootAfter, env)
}

// resolve maps a paths_to_empty entry into the chroot; "/" names the chroot
// itself.
func (s *chrootHooks) resolve(rel string) (string, error) {
	if strings.Trim(filepath.Clean("/"+rel), "/") == "" {
		return s.layout.ChrootDir, nil
	}
	return sandbox.Resolve(s.layout.ChrootDir, rel)
}

func (s *chrootHooks) writeReleaseFile(ctx context.Context) error {
	rel := strings.TrimPrefix(s.md.String(KeyReleaseFile), "/")
	if rel == "" {
		return nil
	}
	path, err := sandbox.Resolve(s.layout.ChrootDir, rel)
	if err != nil {
		return step.Exit(1, err)
	}
	info, err := os.Lstat(path)
	switch {
	case err == nil && !info.Mode().IsRegular():
		return step.Exit(1, fmt.Errorf("release file %s exists and is not a regular file", path))
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return fsError("inspect release file", path, err)
	}
	content := fmt.Sprintf("%s %s %s\n", s.md.String(KeyReleaseString), s.md.String(KeyReleaseVersion), s.md.String(KeyReleaseDesc))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fsError("write release file", path, err)
	}
	logctx.From(ctx).Info("chroot.release_file", slog.String("path", path))
	return nil
}

func (s *chrootHooks) Kill(ctx context.Context, success bool) error {
	if !success {
		s.runErrorScript(ctx, s.layout.SourceChroot, s.layout.ChrootDir, "")
	}
	return nil
}
