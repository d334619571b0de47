package paths

import (
	"path/filepath"
	"testing"
)

func withEUID(t *testing.T, id int) {
	t.Helper()
	prev := euid
	euid = func() int { return id }
	t.Cleanup(func() { euid = prev })
}

func TestDataDirPrecedence(t *testing.T) {
	withEUID(t, 1000)
	base := t.TempDir()
	t.Setenv("HOME", filepath.Join(base, "home"))
	t.Setenv(envDataHome, "")
	t.Setenv(envDataDir, "")
	SetDataDirOverride("")
	t.Cleanup(func() { SetDataDirOverride("") })

	steps := []struct {
		name  string
		apply func()
		want  string
	}{
		{"home", func() {}, filepath.Join(base, "home", ".local", "share", appName)},
		{"xdg", func() { t.Setenv(envDataHome, filepath.Join(base, "xdg")) }, filepath.Join(base, "xdg", appName)},
		{"env", func() { t.Setenv(envDataDir, filepath.Join(base, "env")+"/") }, filepath.Join(base, "env")},
		{"override", func() { SetDataDirOverride(filepath.Join(base, "override")) }, filepath.Join(base, "override")},
		{"override cleared", func() { SetDataDirOverride("") }, filepath.Join(base, "env")},
	}
	for _, s := range steps {
		s.apply()
		if got := DataDir(); got != s.want {
			t.Fatalf("%s: got %q want %q", s.name, got, s.want)
		}
	}
}

func TestRootUsesSystemDirs(t *testing.T) {
	withEUID(t, 0)
	t.Setenv(envDataHome, "")
	t.Setenv(envConfigHome, "")
	t.Setenv(envDataDir, "")
	t.Setenv(envConfig, "")
	SetDataDirOverride("")

	if got := DataDir(); got != systemDataDir {
		t.Fatalf("data dir: got %q want %q", got, systemDataDir)
	}
	if got, want := ConfigFile(), filepath.Join(systemConfigDir, configName); got != want {
		t.Fatalf("config file: got %q want %q", got, want)
	}
}

func TestConfigFile(t *testing.T) {
	withEUID(t, 1000)
	base := t.TempDir()
	t.Setenv(envConfigHome, base)
	t.Setenv(envConfig, "")
	if got, want := ConfigFile(), filepath.Join(base, appName, configName); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	explicit := filepath.Join(base, "custom.yaml")
	t.Setenv(envConfig, explicit)
	if got := ConfigFile(); got != explicit {
		t.Fatalf("got %q want %q", got, explicit)
	}
}
