// SPDX-License-Identifier: AGPL-3.0-or-later
package livecd

import (
	"context"
	"log/slog"
	"os"

	"github.com/flowd-org/molecule/internal/logctx"
)

// mirror copies the source chroot into the build area.
type mirror struct {
	base
}

func (s *mirror) Setup(ctx context.Context) error {
	if err := os.MkdirAll(s.layout.ChrootDir, 0o755); err != nil {
		return fsError("create chroot dir", s.layout.ChrootDir, err)
	}
	return nil
}

func (s *mirror) PreRun(ctx context.Context) error {
	return s.runInner(ctx, KeyInnerSourceScript, s.layout.SourceChroot, s.env())
}

func (s *mirror) Run(ctx context.Context) error {
	logctx.From(ctx).Info("mirror.sync", slog.String("source", s.layout.SourceChroot), slog.String("dest", s.layout.ChrootDir))
	return s.run(ctx, "mirror", s.syncArgs(), s.env())
}

func (s *mirror) syncArgs() []string {
	tools := s.deps.Tools
	args := []string{tools.Syncer}
	args = append(args, tools.SyncerArgs...)
	args = append(args, s.md.List(KeyExtraRsync)...)
	return append(args, dirContents(s.layout.SourceChroot), dirContents(s.layout.ChrootDir))
}

func (s *mirror) Kill(ctx context.Context, success bool) error {
	if !success {
		s.runErrorScript(ctx, s.layout.SourceChroot, s.layout.ChrootDir, "")
	}
	return nil
}
