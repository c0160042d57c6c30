package fileutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "file.pem")
	if err := WriteAtomic(path, []byte("one"), 0o600); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	if err := WriteAtomic(path, []byte("two"), 0o600); err != nil {
		t.Fatalf("WriteAtomic overwrite: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "two" {
		t.Errorf("content = %q, want %q", got, "two")
	}
	fi, _ := os.Stat(path)
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", fi.Mode().Perm())
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1 (temp files left behind)", len(entries))
	}
}

func TestCopyFileKeepsModTime(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	os.WriteFile(src, []byte("data"), 0o644)
	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	SetModTime(src, when)

	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	if got := ModTime(dst); !got.Equal(when) {
		t.Errorf("ModTime(dst) = %v, want %v", got, when)
	}
}

func TestMirrorDir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	os.MkdirAll(src, 0o755)
	os.MkdirAll(dst, 0o755)
	os.WriteFile(filepath.Join(src, "a"), []byte("a"), 0o644)
	os.WriteFile(filepath.Join(dst, "stale"), []byte("x"), 0o644)

	if err := MirrorDir(src, dst); err != nil {
		t.Fatalf("MirrorDir: %v", err)
	}
	if !Exists(filepath.Join(dst, "a")) {
		t.Errorf("dst/a missing after mirror")
	}
	if Exists(filepath.Join(dst, "stale")) {
		t.Errorf("dst/stale still present after mirror")
	}

	if err := MirrorDir(filepath.Join(dir, "missing"), dst); err != nil {
		t.Fatalf("MirrorDir from missing src: %v", err)
	}
	if Exists(dst) {
		t.Errorf("dst should be removed when src is missing")
	}
}
