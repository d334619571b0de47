// SPDX-License-Identifier: AGPL-3.0-or-later

// Package checksum writes and reads md5sum-compatible sidecar files.
package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Suffix is appended to an image path to name its sidecar.
const Suffix = ".md5"

// SidecarPath returns the checksum file location for image.
func SidecarPath(image string) string {
	return image + Suffix
}

// File returns the hex md5 digest of path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", path, err)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Line formats one md5sum line for image.
func Line(digest, image string) string {
	return fmt.Sprintf("%s  %s\n", digest, filepath.Base(image))
}

// WriteSidecar digests image and writes "<hex>  <basename>\n" next to it.
func WriteSidecar(image string) (sidecar, digest string, err error) {
	digest, err = File(image)
	if err != nil {
		return "", "", err
	}
	sidecar = SidecarPath(image)
	if err := os.WriteFile(sidecar, []byte(Line(digest, image)), 0o644); err != nil {
		return "", "", fmt.Errorf("write %s: %w", sidecar, err)
	}
	return sidecar, digest, nil
}

// ReadSidecar parses a sidecar into its digest and file name.
func ReadSidecar(sidecar string) (digest, name string, err error) {
	data, err := os.ReadFile(sidecar)
	if err != nil {
		return "", "", fmt.Errorf("read %s: %w", sidecar, err)
	}
	line := strings.TrimSuffix(string(data), "\n")
	digest, name, ok := strings.Cut(line, "  ")
	if !ok || digest == "" || name == "" {
		return "", "", fmt.Errorf("read %s: malformed checksum line", sidecar)
	}
	return digest, name, nil
}

// Verify recomputes the digest of image and compares it with its sidecar.
func Verify(image string) (bool, error) {
	want, name, err := ReadSidecar(SidecarPath(image))
	if err != nil {
		return false, err
	}
	if name != filepath.Base(image) {
		return false, nil
	}
	got, err := File(image)
	if err != nil {
		return false, err
	}
	return got == want, nil
}
