// SPDX-License-Identifier: AGPL-3.0-or-later

// Package paths resolves where molecule keeps its database and looks for
// its config file.
//
// Builds normally run as root, so a root process without XDG variables
// uses the system locations /var/lib/molecule and /etc/molecule instead of
// root's home directory.
package paths

import (
	"os"
	"path/filepath"
	"sync/atomic"
)

const (
	appName    = "molecule"
	configName = "molecule.yaml"

	envDataDir    = "MOLECULE_DATA_DIR"
	envConfig     = "MOLECULE_CONFIG"
	envDataHome   = "XDG_DATA_HOME"
	envConfigHome = "XDG_CONFIG_HOME"

	systemDataDir   = "/var/lib/molecule"
	systemConfigDir = "/etc/molecule"
)

// euid is replaced in tests.
var euid = os.Geteuid

var dataOverride atomic.Pointer[string]

// SetDataDirOverride pins DataDir to dir, as the --data-dir flag and the
// data_dir config key do. An empty dir removes the pin.
func SetDataDirOverride(dir string) {
	if dir == "" {
		dataOverride.Store(nil)
		return
	}
	dir = filepath.Clean(dir)
	dataOverride.Store(&dir)
}

// DataDir returns the directory holding molecule.db. The first of these
// wins: the override, MOLECULE_DATA_DIR, $XDG_DATA_HOME/molecule,
// /var/lib/molecule for root, ~/.local/share/molecule, and finally
// molecule under the temp dir.
func DataDir() string {
	if dir := dataOverride.Load(); dir != nil {
		return *dir
	}
	if dir := os.Getenv(envDataDir); dir != "" {
		return filepath.Clean(dir)
	}
	return userDir(envDataHome, systemDataDir, ".local/share", os.TempDir())
}

// ConfigDir returns $XDG_CONFIG_HOME/molecule, /etc/molecule for root or
// ~/.config/molecule. It is empty when none applies.
func ConfigDir() string {
	return userDir(envConfigHome, systemConfigDir, ".config", "")
}

// ConfigFile returns MOLECULE_CONFIG when set, otherwise molecule.yaml in
// ConfigDir. The file need not exist.
func ConfigFile() string {
	if p := os.Getenv(envConfig); p != "" {
		return filepath.Clean(p)
	}
	if dir := ConfigDir(); dir != "" {
		return filepath.Join(dir, configName)
	}
	return ""
}

// userDir resolves an XDG style location. fallbackBase, when not empty,
// is used with appName appended if there is no home directory either.
func userDir(xdgEnv, system, homeRel, fallbackBase string) string {
	if base := os.Getenv(xdgEnv); base != "" {
		return filepath.Join(base, appName)
	}
	if euid() == 0 {
		return system
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, filepath.FromSlash(homeRel), appName)
	}
	if fallbackBase == "" {
		return ""
	}
	return filepath.Join(fallbackBase, appName)
}
