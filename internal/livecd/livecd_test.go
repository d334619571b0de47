package livecd

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flowd-org/molecule/internal/checksum"
	"github.com/flowd-org/molecule/internal/executor"
	"github.com/flowd-org/molecule/internal/step"
	"github.com/flowd-org/molecule/internal/types"
)

type recordingSink struct {
	logs []string
}

func (s *recordingSink) EmitRunStart(string, string)               {}
func (s *recordingSink) EmitRunFinish(string, string, error)       {}
func (s *recordingSink) EmitStepStart(string, string)              {}
func (s *recordingSink) EmitStepPhase(string, string, string)      {}
func (s *recordingSink) EmitStepFinish(string, string, int, error) {}
func (s *recordingSink) EmitStepLog(_, _, channel, message string) {
	s.logs = append(s.logs, channel+": "+message)
}

type recordingRunner struct {
	calls []executor.Command
	code  int
	hook  func(cmd executor.Command)
}

func (r *recordingRunner) Run(_ context.Context, cmd executor.Command) (int, error) {
	r.calls = append(r.calls, cmd)
	if r.hook != nil {
		r.hook(cmd)
	}
	return r.code, nil
}

func newMetadata(t *testing.T, values map[string]any) types.Metadata {
	t.Helper()
	md, err := types.NewMetadata(values)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	return md
}

func testDeps(runner executor.Runner, sink *recordingSink) Deps {
	deps := Deps{
		Runner:    runner,
		Tools:     DefaultTools(),
		Stdout:    io.Discard,
		Stderr:    io.Discard,
		LookupEnv: func(string) (string, bool) { return "", false },
	}
	if sink != nil {
		deps.Sink = sink
	}
	return deps
}

func baseValues(src, dest string) map[string]any {
	return map[string]any{
		KeyReleaseString:     "Test",
		KeyReleaseVersion:    "1",
		KeyReleaseDesc:       "X",
		KeySourceChroot:      src,
		KeyDestinationChroot: dest,
		KeyDestinationLivecd: dest,
	}
}

func envValue(env []string, key string) (string, bool) {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func TestResolveLayout(t *testing.T) {
	t.Parallel()
	md := newMetadata(t, map[string]any{
		KeyReleaseString:     "Test",
		KeyReleaseVersion:    "1",
		KeyReleaseDesc:       "Live X",
		KeySourceChroot:      "/src/gentoo",
		KeyDestinationChroot: "/dst",
		KeyDestinationLivecd: "/live",
		KeyDestinationIsoDir: "/out",
	})
	l := ResolveLayout(md)
	want := Layout{
		SourceChroot: "/src/gentoo",
		ChrootDir:    "/dst/chroot/gentoo",
		CdrootDir:    "/live/livecd/gentoo",
		IsoDir:       "/out",
		IsoPath:      "/out/Test_1_Live_X.iso",
		ChecksumPath: "/out/Test_1_Live_X.iso.md5",
	}
	if l != want {
		t.Fatalf("unexpected layout %+v", l)
	}

	named := newMetadata(t, map[string]any{KeyDestinationIsoDir: "/out", KeyDestinationIsoName: "custom.iso"})
	if got := ResolveLayout(named).IsoPath; got != "/out/custom.iso" {
		t.Fatalf("expected explicit image name, got %s", got)
	}
}

func TestVolumeTitle(t *testing.T) {
	t.Parallel()
	release := map[string]any{KeyReleaseString: "Test", KeyReleaseVersion: "1", KeyReleaseDesc: "X"}
	noEnv := func(string) (string, bool) { return "", false }
	withEnv := func(key string) (string, bool) { return "Override", key == EnvIsoTitle }

	tests := []struct {
		name   string
		values map[string]any
		lookup func(string) (string, bool)
		want   string
	}{
		{"derived", release, noEnv, "Test 1 X"},
		{"environment", release, withEnv, "Override"},
		{"metadata wins", map[string]any{KeyIsoTitle: "Explicit"}, withEnv, "Explicit"},
		{"truncated", map[string]any{KeyIsoTitle: strings.Repeat("a", 40)}, noEnv, strings.Repeat("a", MaxVolumeTitle)},
		{"rune boundary", map[string]any{KeyIsoTitle: strings.Repeat("a", 31) + "é"}, noEnv, strings.Repeat("a", 31)},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := VolumeTitle(newMetadata(t, tc.values), tc.lookup); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestNewRequiresChrootPaths(t *testing.T) {
	t.Parallel()
	md := newMetadata(t, map[string]any{KeySourceChroot: "/src"})
	if _, err := KindMirror.New(md, testDeps(&recordingRunner{}, nil)); err == nil {
		t.Fatalf("expected error without destination_chroot")
	}
}

func TestMirrorSyncsDirectoryContents(t *testing.T) {
	t.Parallel()
	src, dest := t.TempDir(), t.TempDir()
	values := baseValues(src, dest)
	values[KeyExtraRsync] = []string{"--exclude", "/proc/*"}
	runner := &recordingRunner{}
	s, err := KindMirror.New(newMetadata(t, values), testDeps(runner, nil))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := s.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	chrootDir := filepath.Join(dest, "chroot", filepath.Base(src))
	if !isDir(chrootDir) {
		t.Fatalf("setup did not create %s", chrootDir)
	}
	if err := s.PreRun(ctx); err != nil {
		t.Fatalf("pre_run: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("no inner source script configured, got %d calls", len(runner.calls))
	}
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected one sync call, got %d", len(runner.calls))
	}
	args := runner.calls[0].Args
	if args[0] != DefaultTools().Syncer {
		t.Fatalf("unexpected syncer %s", args[0])
	}
	n := len(args)
	if args[n-2] != src+"/" || args[n-1] != chrootDir+"/" {
		t.Fatalf("expected trailing-slash contents sync, got %v", args[n-2:])
	}
	if args[n-4] != "--exclude" || args[n-3] != "/proc/*" {
		t.Fatalf("extra parameters not passed through: %v", args)
	}
	if v, _ := envValue(runner.calls[0].Env, EnvReleaseString); v != "Test" {
		t.Fatalf("expected %s=Test, got %q", EnvReleaseString, v)
	}
}

func TestMirrorPropagatesExitCode(t *testing.T) {
	t.Parallel()
	runner := &recordingRunner{code: 23}
	s, err := KindMirror.New(newMetadata(t, baseValues(t.TempDir(), t.TempDir())), testDeps(runner, nil))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = s.Run(context.Background())
	if got := step.ExitCode(err); got != 23 {
		t.Fatalf("expected exit code 23, got %d (%v)", got, err)
	}
}

func TestErrorScriptRunsOnFailedKill(t *testing.T) {
	t.Parallel()
	src, dest := t.TempDir(), t.TempDir()
	values := baseValues(src, dest)
	values[KeyErrorScript] = []string{"/opt/notify", "--fail"}
	runner := &recordingRunner{code: 3}
	sink := &recordingSink{}
	s, err := KindMirror.New(newMetadata(t, values), testDeps(runner, sink))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Kill(context.Background(), true); err != nil {
		t.Fatalf("kill(true): %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("error script must not run on success")
	}
	if err := s.Kill(context.Background(), false); err != nil {
		t.Fatalf("error script failure must not escalate: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected error script call, got %d", len(runner.calls))
	}
	call := runner.calls[0]
	if strings.Join(call.Args, " ") != "/opt/notify --fail" {
		t.Fatalf("unexpected error script args %v", call.Args)
	}
	if v, _ := envValue(call.Env, EnvSourceChrootDir); v != src {
		t.Fatalf("expected %s=%s, got %q", EnvSourceChrootDir, src, v)
	}
	if _, ok := envValue(call.Env, EnvCdrootDir); ok {
		t.Fatalf("mirror must not bind %s", EnvCdrootDir)
	}
	if len(sink.logs) != 1 || !strings.HasPrefix(sink.logs[0], "warning: ") {
		t.Fatalf("expected one warning log, got %v", sink.logs)
	}
}

func prepareChroot(t *testing.T) (src, dest, chrootDir string) {
	t.Helper()
	src, dest = t.TempDir(), t.TempDir()
	chrootDir = filepath.Join(dest, "chroot", filepath.Base(src))
	for _, dir := range []string{"tmp/cache/pkgs", "var/log", "etc"} {
		if err := os.MkdirAll(filepath.Join(chrootDir, dir), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	for _, file := range []string{"tmp/cache/pkgs/a.tbz2", "var/log/emerge.log", "etc/hostname"} {
		if err := os.WriteFile(filepath.Join(chrootDir, file), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return src, dest, chrootDir
}

func TestChrootSetupRequiresMirror(t *testing.T) {
	t.Parallel()
	s, err := KindChroot.New(newMetadata(t, baseValues(t.TempDir(), t.TempDir())), testDeps(&recordingRunner{}, nil))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Setup(context.Background()); step.ExitCode(err) != 1 {
		t.Fatalf("expected setup failure, got %v", err)
	}
}

func TestChrootPostRunCleansAndStampsRelease(t *testing.T) {
	t.Parallel()
	src, dest, chrootDir := prepareChroot(t)
	values := baseValues(src, dest)
	values[KeyPathsToEmpty] = []string{"/var/log", "/missing"}
	values[KeyPathsToRemove] = []string{"/tmp/cache", "/not/there"}
	values[KeyReleaseFile] = "/etc/molecule-release"
	values[KeyOuterChrootAfter] = []string{"/opt/after.sh"}
	runner := &recordingRunner{}
	s, err := KindChroot.New(newMetadata(t, values), testDeps(runner, nil))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := s.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := s.PostRun(ctx); err != nil {
		t.Fatalf("post_run: %v", err)
	}

	if _, err := os.Lstat(filepath.Join(chrootDir, "tmp", "cache")); !os.IsNotExist(err) {
		t.Fatalf("expected tmp/cache removed, got %v", err)
	}
	if !isDir(filepath.Join(chrootDir, "tmp")) {
		t.Fatalf("parent of removed path must survive")
	}
	entries, err := os.ReadDir(filepath.Join(chrootDir, "var", "log"))
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected var/log emptied, got %v (%v)", entries, err)
	}
	release, err := os.ReadFile(filepath.Join(chrootDir, "etc", "molecule-release"))
	if err != nil {
		t.Fatalf("read release file: %v", err)
	}
	if string(release) != "Test 1 X\n" {
		t.Fatalf("unexpected release file %q", release)
	}
	if len(runner.calls) != 1 || runner.calls[0].Args[0] != "/opt/after.sh" {
		t.Fatalf("expected outer_chroot_script_after call, got %v", runner.calls)
	}
	if v, _ := envValue(runner.calls[0].Env, EnvChrootDir); v != src {
		t.Fatalf("expected %s bound to the source chroot, got %q", EnvChrootDir, v)
	}
}

func TestChrootPostRunRefusesChrootRoot(t *testing.T) {
	t.Parallel()
	src, dest, chrootDir := prepareChroot(t)
	values := baseValues(src, dest)
	values[KeyPathsToRemove] = []string{"/"}
	s, err := KindChroot.New(newMetadata(t, values), testDeps(&recordingRunner{}, nil))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.PostRun(context.Background()); step.ExitCode(err) != 1 {
		t.Fatalf("expected refusal, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(chrootDir, "etc", "hostname")); err != nil {
		t.Fatalf("chroot contents must be untouched: %v", err)
	}
}

func TestChrootRunStagesInnerScript(t *testing.T) {
	t.Parallel()
	src, dest, chrootDir := prepareChroot(t)
	script := filepath.Join(t.TempDir(), "inner.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	values := baseValues(src, dest)
	values[KeyInnerChrootScript] = []string{script, "--quick"}
	values[KeyPrechroot] = []string{"setarch", "i686"}
	var stagedExisted bool
	runner := &recordingRunner{hook: func(cmd executor.Command) {
		_, err := os.Stat(filepath.Join(chrootDir, cmd.Args[4]))
		stagedExisted = err == nil
	}}
	s, err := KindChroot.New(newMetadata(t, values), testDeps(runner, nil))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected one chroot call, got %d", len(runner.calls))
	}
	args := runner.calls[0].Args
	if args[0] != "setarch" || args[1] != "i686" || args[2] != "chroot" || args[3] != chrootDir {
		t.Fatalf("unexpected chroot argv %v", args)
	}
	if !strings.HasPrefix(args[4], "/molecule_inner") || args[5] != "--quick" {
		t.Fatalf("unexpected staged invocation %v", args)
	}
	if !stagedExisted {
		t.Fatalf("staged script missing during the run")
	}
	if _, err := os.Stat(filepath.Join(chrootDir, args[4])); !os.IsNotExist(err) {
		t.Fatalf("staged script left behind: %v", err)
	}
}

func TestChrootRunSkipsMissingInnerScript(t *testing.T) {
	t.Parallel()
	src, dest, _ := prepareChroot(t)
	values := baseValues(src, dest)
	values[KeyInnerChrootScript] = []string{filepath.Join(t.TempDir(), "gone.sh")}
	runner := &recordingRunner{}
	s, err := KindChroot.New(newMetadata(t, values), testDeps(runner, nil))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("missing script must be skipped")
	}
}

func TestCdrootCompressesAndMerges(t *testing.T) {
	t.Parallel()
	src, dest, chrootDir := prepareChroot(t)
	cdrootDir := filepath.Join(dest, "livecd", filepath.Base(chrootDir))
	if err := os.MkdirAll(cdrootDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := filepath.Join(cdrootDir, "stale.img")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	merge := t.TempDir()
	if err := os.MkdirAll(filepath.Join(merge, "isolinux"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(merge, "isolinux", "isolinux.cfg"), []byte("default gentoo\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	values := baseValues(src, dest)
	values[KeyMergeLivecdRoot] = merge
	values[KeyExtraMksquashfs] = []string{"-comp", "xz"}
	runner := &recordingRunner{}
	s, err := KindCdroot.New(newMetadata(t, values), testDeps(runner, nil))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := s.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale cdroot content removed, got %v", err)
	}
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	args := runner.calls[0].Args
	if args[0] != DefaultTools().Compressor || args[1] != chrootDir || args[2] != filepath.Join(cdrootDir, "livecd.squashfs") {
		t.Fatalf("unexpected compressor argv %v", args)
	}
	if args[len(args)-2] != "-comp" || args[len(args)-1] != "xz" {
		t.Fatalf("extra parameters not appended: %v", args)
	}
	data, err := os.ReadFile(filepath.Join(cdrootDir, "isolinux", "isolinux.cfg"))
	if err != nil || string(data) != "default gentoo\n" {
		t.Fatalf("merge not applied: %q (%v)", data, err)
	}
}

func TestIsoBuildsImageAndChecksum(t *testing.T) {
	t.Parallel()
	src, dest := t.TempDir(), t.TempDir()
	isoDir := t.TempDir()
	values := baseValues(src, dest)
	values[KeyDestinationIsoDir] = isoDir
	values[KeyPostIsoScript] = []string{"/opt/post.sh"}
	var isoArgs []string
	runner := &recordingRunner{hook: func(cmd executor.Command) {
		for i, arg := range cmd.Args {
			if arg == "-o" && i+1 < len(cmd.Args) {
				isoArgs = cmd.Args
				if err := os.WriteFile(cmd.Args[i+1], []byte("iso9660"), 0o644); err != nil {
					t.Errorf("write image: %v", err)
				}
			}
		}
	}}
	deps := testDeps(runner, nil)
	deps.Tools.IsoBuilders = []string{filepath.Join(t.TempDir(), "no-genisoimage"), "fake-mkisofs"}
	s, err := KindIso.New(newMetadata(t, values), deps)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	for _, phase := range []func(context.Context) error{s.Setup, s.PreRun, s.Run, s.PostRun} {
		if err := phase(ctx); err != nil {
			t.Fatalf("phase: %v", err)
		}
	}
	image := filepath.Join(isoDir, "Test_1_X.iso")
	if isoArgs == nil || isoArgs[0] != "fake-mkisofs" {
		t.Fatalf("expected fallback builder, got %v", isoArgs)
	}
	joined := strings.Join(isoArgs, "\x00")
	if !strings.Contains(joined, "-V\x00Test 1 X\x00") {
		t.Fatalf("expected volume title, got %v", isoArgs)
	}
	cdrootDir := filepath.Join(dest, "livecd", filepath.Base(src))
	if isoArgs[len(isoArgs)-1] != cdrootDir {
		t.Fatalf("expected cdroot as last argument, got %v", isoArgs)
	}
	ok, err := checksum.Verify(image)
	if err != nil || !ok {
		t.Fatalf("expected valid sidecar, got %v (%v)", ok, err)
	}
	post := runner.calls[len(runner.calls)-1]
	if v, _ := envValue(post.Env, EnvIsoChecksumPath); v != image+".md5" {
		t.Fatalf("expected %s bound for post hook, got %q", EnvIsoChecksumPath, v)
	}
}

func TestStrategyParameters(t *testing.T) {
	t.Parallel()
	s, ok := Lookup(StrategyName)
	if !ok {
		t.Fatalf("livecd strategy not registered")
	}
	params := s.Parameters()
	for _, key := range s.VitalParameters() {
		if _, ok := params[key]; !ok {
			t.Fatalf("vital parameter %s not declared", key)
		}
	}
	if _, ok := Lookup("netboot"); ok {
		t.Fatalf("unexpected strategy")
	}
	if names := Names(); len(names) != 1 || names[0] != StrategyName {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestDescriptorsInstantiateLazily(t *testing.T) {
	t.Parallel()
	strategy, _ := Get(StrategyName)
	md := newMetadata(t, baseValues("/src", "/dst"))
	descs := strategy.Descriptors(md, testDeps(&recordingRunner{}, nil))
	want := []string{"mirror", "chroot", "cdroot", "iso"}
	if len(descs) != len(want) {
		t.Fatalf("expected %d descriptors, got %d", len(want), len(descs))
	}
	for i, d := range descs {
		if d.Kind != want[i] {
			t.Fatalf("descriptor %d: expected %s, got %s", i, want[i], d.Kind)
		}
		s, err := d.New()
		if err != nil {
			t.Fatalf("new %s: %v", d.Kind, err)
		}
		if s.Name() != want[i] {
			t.Fatalf("unexpected step name %s", s.Name())
		}
	}
}
