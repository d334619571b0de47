// SPDX-License-Identifier: AGPL-3.0-or-later
package livecd

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/flowd-org/molecule/internal/chroot"
	"github.com/flowd-org/molecule/internal/executor"
	"github.com/flowd-org/molecule/internal/specloader"
	"github.com/flowd-org/molecule/internal/types"
)

const (
	toolPresent = "present"
	toolMissing = "missing"
)

// Preview resolves the paths and command lines each step of spec would use,
// without touching the filesystem beyond tool lookups.
func Preview(spec *specloader.Spec, deps Deps) (types.Plan, error) {
	strategy, ok := Get(spec.Strategy)
	if !ok {
		return types.Plan{}, fmt.Errorf("%w: %q", specloader.ErrUnknownStrategy, spec.Strategy)
	}
	md := spec.Metadata
	plan := types.Plan{
		Spec:     spec.Name,
		Strategy: strategy.Name(),
		Release:  strings.TrimSpace(fmt.Sprintf("%s %s %s", md.String(KeyReleaseString), md.String(KeyReleaseVersion), md.String(KeyReleaseDesc))),
		Warnings: append([]string(nil), spec.Warnings...),
	}
	for _, kind := range strategy.Steps() {
		b, err := newBase(kind, md, deps)
		if err != nil {
			return types.Plan{}, err
		}
		plan.Steps = append(plan.Steps, b.preview())
	}
	return plan, nil
}

func (b *base) preview() types.PlanStepPreview {
	p := types.PlanStepPreview{Name: b.Name(), Kind: b.kind.String(), Paths: map[string]string{}, Hooks: map[string]string{}}
	hook := func(key string) {
		if script := b.md.List(key); len(script) > 0 {
			p.Hooks[key] = executor.Command{Args: script}.String()
		}
	}
	command := func(args []string) {
		p.Commands = append(p.Commands, executor.Command{Args: args}.String())
		if len(args) > 0 {
			p.Tools = append(p.Tools, lookupTool(args[0]))
		}
	}

	l := b.layout
	switch b.kind {
	case KindMirror:
		p.Paths["source"] = l.SourceChroot
		p.Paths["chroot"] = l.ChrootDir
		hook(KeyInnerSourceScript)
		command((&mirror{base: *b}).syncArgs())
	case KindChroot:
		p.Paths["chroot"] = l.ChrootDir
		if rel := strings.TrimPrefix(b.md.String(KeyReleaseFile), "/"); rel != "" {
			p.Paths["release_file"] = rel
		}
		hook(KeyOuterChrootScript)
		hook(KeyInnerChrootScript)
		hook(KeyOuterChrootAfter)
		for _, rel := range b.md.List(KeyPathsToEmpty) {
			p.Commands = append(p.Commands, "empty "+rel)
		}
		for _, rel := range b.md.List(KeyPathsToRemove) {
			p.Commands = append(p.Commands, "remove "+rel)
		}
		if len(b.md.List(KeyInnerChrootScript)) > 0 {
			bin := b.deps.ChrootBinary
			if bin == "" {
				bin = chroot.DefaultChrootBinary
			}
			p.Tools = append(p.Tools, lookupTool(bin))
		}
	case KindCdroot:
		c := &cdroot{base: *b}
		p.Paths["cdroot"] = l.CdrootDir
		p.Paths["image"] = c.imagePath()
		if merge := b.md.String(KeyMergeLivecdRoot); merge != "" {
			p.Paths["merge"] = merge
		}
		command(c.compressArgs())
	case KindIso:
		s := &iso{base: *b, title: VolumeTitle(b.md, b.deps.LookupEnv), builder: b.deps.Tools.IsoBuilder()}
		p.Paths["iso"] = l.IsoPath
		p.Paths["checksum"] = l.ChecksumPath
		hook(KeyPreIsoScript)
		hook(KeyPostIsoScript)
		command(s.buildArgs())
	}
	hook(KeyErrorScript)
	return p
}

func lookupTool(name string) types.ToolRequirement {
	req := types.ToolRequirement{Name: name, Status: toolMissing}
	if path, err := exec.LookPath(name); err == nil {
		req.Path = path
		req.Status = toolPresent
	}
	return req
}
