// SPDX-License-Identifier: AGPL-3.0-or-later

// Package livecd implements the livecd build strategy: mirror a source chroot,
// customise it, compress it into a livecd root and author a bootable ISO.
package livecd

import (
	"fmt"
	"sort"

	"github.com/flowd-org/molecule/internal/specloader"
	"github.com/flowd-org/molecule/internal/step"
	"github.com/flowd-org/molecule/internal/types"
)

// StrategyName is the execution_strategy value selecting this package.
const StrategyName = "livecd"

// Kind enumerates the livecd step kinds.
type Kind int

const (
	KindMirror Kind = iota
	KindChroot
	KindCdroot
	KindIso
)

func (k Kind) String() string {
	switch k {
	case KindMirror:
		return "mirror"
	case KindChroot:
		return "chroot"
	case KindCdroot:
		return "cdroot"
	case KindIso:
		return "iso"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// New instantiates the step for md.
func (k Kind) New(md types.Metadata, deps Deps) (step.Step, error) {
	b, err := newBase(k, md, deps)
	if err != nil {
		return nil, err
	}
	switch k {
	case KindMirror:
		return &mirror{base: b}, nil
	case KindChroot:
		return &chrootHooks{base: b}, nil
	case KindCdroot:
		return &cdroot{base: b}, nil
	case KindIso:
		return &iso{base: b}, nil
	default:
		return nil, fmt.Errorf("unknown step kind %d", int(k))
	}
}

// Strategy is a named, ordered list of step kinds with its parameter table.
type Strategy struct {
	name  string
	steps []Kind
}

var strategies = map[string]Strategy{
	StrategyName: {name: StrategyName, steps: []Kind{KindMirror, KindChroot, KindCdroot, KindIso}},
}

// Lookup resolves a registered strategy; it satisfies specloader.Lookup.
func Lookup(name string) (specloader.Strategy, bool) {
	s, ok := strategies[name]
	if !ok {
		return nil, false
	}
	return s, true
}

// Get returns the registered strategy by name.
func Get(name string) (Strategy, bool) {
	s, ok := strategies[name]
	return s, ok
}

// Names lists the registered strategies.
func Names() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Strategy) Name() string { return s.name }

// Steps returns the ordered step kinds.
func (s Strategy) Steps() []Kind { return append([]Kind(nil), s.steps...) }

func (s Strategy) VitalParameters() []string {
	return []string{
		KeyReleaseString,
		KeySourceChroot,
		KeyDestinationChroot,
		KeyDestinationIsoDir,
		KeyDestinationLivecd,
	}
}

func (s Strategy) Parameters() map[string]specloader.Param {
	str := func(v specloader.Verifier, help string) specloader.Param {
		return specloader.Param{Kind: specloader.KindString, Verify: v, Help: help}
	}
	cmd := func(v specloader.Verifier, help string) specloader.Param {
		return specloader.Param{Kind: specloader.KindCommand, Verify: v, Help: help}
	}
	paths := func(help string) specloader.Param {
		return specloader.Param{Kind: specloader.KindPathList, Verify: specloader.NonEmpty, Help: help}
	}
	return map[string]specloader.Param{
		KeyReleaseString:      str(specloader.NonEmpty, "release name"),
		KeyReleaseVersion:     str(specloader.NonEmpty, "release version"),
		KeyReleaseDesc:        str(specloader.NonEmpty, "release description"),
		KeyReleaseFile:        str(specloader.NonEmpty, "release descriptor path inside the chroot"),
		KeySourceChroot:       str(specloader.IsDir, "chroot to build from"),
		KeyDestinationChroot:  str(specloader.NoNUL, "work area receiving chroot/<name>"),
		KeyDestinationLivecd:  str(specloader.NoNUL, "work area receiving livecd/<name>"),
		KeyDestinationIsoDir:  str(specloader.IsDir, "directory receiving the image"),
		KeyDestinationIsoName: str(specloader.NonEmpty, "image file name"),
		KeyIsoTitle:           str(specloader.NonEmpty, "ISO volume title"),
		KeyMergeLivecdRoot:    str(specloader.IsDir, "tree merged into the livecd root"),
		KeyMergeDestChroot:    str(specloader.IsDir, "tree merged into the chroot (accepted, unused)"),
		KeyCompressorOutput:   str(specloader.NonEmpty, "compressed image file name"),
		KeyPrechroot:          cmd(specloader.Command, "command prefixed to chroot"),
		KeyExtraRsync:         cmd(specloader.Any, "extra synchroniser arguments"),
		KeyExtraMksquashfs:    cmd(specloader.Any, "extra compressor arguments"),
		KeyExtraMkisofs:       cmd(specloader.Any, "extra ISO builder arguments"),
		KeyErrorScript:        cmd(specloader.Executable, "run on step failure"),
		KeyOuterChrootScript:  cmd(specloader.Executable, "host hook before the inner hook"),
		KeyOuterChrootAfter:   cmd(specloader.Executable, "host hook after cleanup"),
		KeyInnerChrootScript:  cmd(specloader.Executable, "hook run inside the chroot"),
		KeyInnerSourceScript:  cmd(specloader.Executable, "hook run inside the source chroot"),
		KeyPreIsoScript:       cmd(specloader.Executable, "host hook before the ISO build"),
		KeyPostIsoScript:      cmd(specloader.Executable, "host hook after the ISO build"),
		KeyPathsToEmpty:       paths("chroot paths emptied after the hooks"),
		KeyPathsToRemove:      paths("chroot paths removed after the hooks"),
	}
}

// Descriptors returns the lazily instantiated steps for md, in order.
func (s Strategy) Descriptors(md types.Metadata, deps Deps) []step.Descriptor {
	out := make([]step.Descriptor, 0, len(s.steps))
	for _, kind := range s.steps {
		kind := kind
		out = append(out, step.Descriptor{
			Kind: kind.String(),
			New: func() (step.Step, error) {
				return kind.New(md, deps)
			},
		})
	}
	return out
}
