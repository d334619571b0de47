package checksum

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSidecarRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	image := filepath.Join(dir, "Test_1_X.iso")
	if err := os.WriteFile(image, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	sidecar, digest, err := WriteSidecar(image)
	if err != nil {
		t.Fatalf("write sidecar: %v", err)
	}
	if sidecar != image+".md5" {
		t.Fatalf("unexpected sidecar path %s", sidecar)
	}
	// md5("hello")
	if digest != "5d41402abc4b2a76b9719d911017c592" {
		t.Fatalf("unexpected digest %s", digest)
	}
	raw, err := os.ReadFile(sidecar)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if string(raw) != digest+"  Test_1_X.iso\n" {
		t.Fatalf("unexpected sidecar content %q", raw)
	}

	gotDigest, gotName, err := ReadSidecar(sidecar)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if gotDigest != digest || gotName != "Test_1_X.iso" {
		t.Fatalf("round trip mismatch: %s %s", gotDigest, gotName)
	}
	ok, err := Verify(image)
	if err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}

	if err := os.WriteFile(image, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("rewrite image: %v", err)
	}
	ok, err = Verify(image)
	if err != nil || ok {
		t.Fatalf("expected verification failure, got ok=%v err=%v", ok, err)
	}
}

func TestReadSidecarMalformed(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.md5")
	if err := os.WriteFile(path, []byte("nodigest\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := ReadSidecar(path); err == nil {
		t.Fatalf("expected malformed error")
	}
}

func TestWriteSidecarMissingImage(t *testing.T) {
	t.Parallel()
	if _, _, err := WriteSidecar(filepath.Join(t.TempDir(), "absent.iso")); err == nil {
		t.Fatalf("expected error for missing image")
	}
}
