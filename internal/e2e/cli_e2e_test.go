//go:build !windows

package e2e

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"
)

var moleculeBinary string

func TestMain(m *testing.M) {
	bin, err := buildMoleculeBinary()
	if err != nil {
		panic(err)
	}
	moleculeBinary = bin
	code := m.Run()
	_ = os.RemoveAll(filepath.Dir(moleculeBinary))
	os.Exit(code)
}

type workspace struct {
	dir    string
	spec   string
	config string
	marker string
	failed string
}

func TestCLIStrategiesTable(t *testing.T) {
	ws := setupWorkspace(t, "true")
	out := runCommand(t, ws, "strategies")
	if !strings.Contains(out, "livecd: mirror -> chroot -> cdroot -> iso") {
		t.Fatalf("unexpected strategies output:\n%s", out)
	}
	if !strings.Contains(out, "source_chroot") {
		t.Fatalf("expected parameter table:\n%s", out)
	}
}

func TestCLIBuildAndHistory(t *testing.T) {
	ws := setupWorkspace(t, "true")
	runCommand(t, ws, "build", ws.spec)
	out := runCommand(t, ws, "history", "--json")
	var runs []struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("decode history: %v\n%s", err, out)
	}
	if len(runs) != 1 || runs[0].Status != "completed" {
		t.Fatalf("unexpected history %s", out)
	}
	stats := runCommand(t, ws, "journal", "--stats")
	if !strings.Contains(stats, "runs:            1") {
		t.Fatalf("unexpected stats:\n%s", stats)
	}
}

func TestCLIBuildInterrupted(t *testing.T) {
	ws := setupWorkspace(t, "")
	cmd := exec.Command(moleculeBinary, globalArgs(ws, "build", "--grace", "200ms", ws.spec)...)
	cmd.Dir = ws.dir
	cmd.Env = append(os.Environ(), "MARKER="+ws.marker)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		if _, err := os.Stat(ws.marker); err == nil {
			break
		}
		if time.Now().After(deadline) {
			_ = cmd.Process.Kill()
			t.Fatalf("sync tool never started\n%s", stderr.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		t.Fatalf("signal: %v", err)
	}

	err := cmd.Wait()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 130 {
		t.Fatalf("expected exit status 130, got %v\n%s", err, stderr.String())
	}
	data, err := os.ReadFile(ws.failed)
	if err != nil {
		t.Fatalf("error script did not run: %v\n%s", err, stderr.String())
	}
	if !strings.Contains(string(data), filepath.Join(ws.dir, "gentoo")) {
		t.Fatalf("error script saw unexpected environment %q", data)
	}

	out := runCommand(t, ws, "history", "--json")
	if !strings.Contains(out, `"status": "canceled"`) {
		t.Fatalf("expected canceled run in history:\n%s", out)
	}
}

func TestCompletionEntrypointContract(t *testing.T) {
	ws := setupWorkspace(t, "true")
	out := runCommand(t, ws, "completion", "bash")
	if !strings.Contains(out, "__start_molecule") {
		t.Fatalf("unexpected bash completion script")
	}
}

func buildMoleculeBinary() (string, error) {
	root := repoRoot()
	binDir, err := os.MkdirTemp("", "molecule-bin")
	if err != nil {
		return "", err
	}
	binPath := filepath.Join(binDir, "molecule-e2e")
	cmd := exec.Command("go", "build", "-o", binPath, ".")
	cmd.Dir = root
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return binPath, nil
}

func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}

// setupWorkspace lays out a source chroot, a spec and a config whose tools
// are the named binary. An empty name installs a sync tool that signals its
// start through $MARKER and then blocks.
func setupWorkspace(t *testing.T, tool string) workspace {
	t.Helper()
	dir := t.TempDir()
	ws := workspace{
		dir:    dir,
		spec:   filepath.Join(dir, "release.spec"),
		config: filepath.Join(dir, "molecule.yaml"),
		marker: filepath.Join(dir, "sync.started"),
		failed: filepath.Join(dir, "error.env"),
	}
	for _, d := range []string{"gentoo", "work", "iso"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	trueBin, err := exec.LookPath("true")
	if err != nil {
		t.Skipf("true not available: %v", err)
	}
	syncer := trueBin
	if tool == "" {
		syncer = writeScript(t, dir, "sync.sh", "#!/bin/sh\ntouch \"$MARKER\"\nexec sleep 30\n")
	}
	errorScript := writeScript(t, dir, "error.sh", "#!/bin/sh\necho \"$SOURCE_CHROOT_DIR\" > "+ws.failed+"\n")

	spec := strings.Join([]string{
		"execution_strategy: livecd",
		"release_string: Test",
		"release_version: '1'",
		"release_desc: X",
		"source_chroot: " + filepath.Join(dir, "gentoo"),
		"destination_chroot: " + filepath.Join(dir, "work"),
		"destination_livecd_root: " + filepath.Join(dir, "work"),
		"destination_iso_directory: " + filepath.Join(dir, "iso"),
		"error_script: " + errorScript,
		"",
	}, "\n")
	if err := os.WriteFile(ws.spec, []byte(spec), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	config := strings.Join([]string{
		"tools:",
		"  syncer: " + syncer,
		"  compressor: " + trueBin,
		"  iso_builders: [" + trueBin + "]",
		"",
	}, "\n")
	if err := os.WriteFile(ws.config, []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return ws
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func globalArgs(ws workspace, args ...string) []string {
	return append([]string{"--config", ws.config, "--data-dir", filepath.Join(ws.dir, ".molecule"), "--log", "json"}, args...)
}

func runCommand(t *testing.T, ws workspace, args ...string) string {
	t.Helper()
	cmd := exec.Command(moleculeBinary, globalArgs(ws, args...)...)
	cmd.Dir = ws.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("molecule %s failed: %v\n%s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String()
}
