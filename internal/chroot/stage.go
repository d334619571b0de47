// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chroot stages user scripts inside a root filesystem, runs them
// confined to it and cleans up after them.
package chroot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	stagePrefix = "molecule_inner"
	stagedMode  = 0o744
)

// Staged is one temporary copy of a script placed at the top of a root.
type Staged struct {
	// HostPath is the location on the host filesystem.
	HostPath string
	// InRoot is the same file as seen from inside the root.
	InRoot string
}

// Stage copies src into a uniquely named file directly below root, carrying
// over its access and modification times, and marks it executable.
func Stage(src, root string) (staged *Staged, err error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", src, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("stage %s: not a regular file", src)
	}

	tmp, err := os.CreateTemp(root, stagePrefix)
	if err != nil {
		return nil, fmt.Errorf("stage %s into %s: %w", src, root, err)
	}
	hostPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(hostPath)
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("stage %s: copy: %w", src, err)
	}
	if err = tmp.Close(); err != nil {
		return nil, fmt.Errorf("stage %s: %w", src, err)
	}
	if err = os.Chtimes(hostPath, accessTime(info), info.ModTime()); err != nil {
		return nil, fmt.Errorf("stage %s: times: %w", src, err)
	}
	if err = os.Chmod(hostPath, stagedMode); err != nil {
		return nil, fmt.Errorf("stage %s: chmod: %w", src, err)
	}
	return &Staged{HostPath: hostPath, InRoot: "/" + filepath.Base(hostPath)}, nil
}

// Remove deletes the staged copy. Removing an already deleted copy is not an error.
func (s *Staged) Remove() error {
	if s == nil {
		return nil
	}
	if err := os.Remove(s.HostPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove staged script %s: %w", s.HostPath, err)
	}
	return nil
}
