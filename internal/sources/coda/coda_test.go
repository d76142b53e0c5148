package coda

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cmusatyalab/deltaic/internal/bloom"
)

func buildTar(t *testing.T, entries []tar.Header, bodies map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, h := range entries {
		hdr := h
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(bodies[hdr.Name]))
		}
		if err := tw.WriteHeader(&hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write(bodies[hdr.Name]); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestApplyTarStreamWritesRegularFiles(t *testing.T) {
	root := t.TempDir()
	data := buildTar(t, []tar.Header{
		{Name: "a/b.txt", Typeflag: tar.TypeReg, Mode: 0644, ModTime: time.Now()},
	}, map[string][]byte{"a/b.txt": []byte("hello")})

	presence, err := bloom.NewSet(100)
	if err != nil {
		t.Fatal(err)
	}
	deferred := make(map[string]time.Time)
	if err := applyTarStream(root, bytes.NewReader(data), presence, deferred); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(root, "a", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
	if !presence.Contains("a/b.txt") {
		t.Fatal("expected a/b.txt to be tracked in presence set")
	}
}

func TestApplyTarStreamReplacesTypeChange(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "x"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "x", "child"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	// Incoming entry replaces directory "x" with a regular file "x".
	data := buildTar(t, []tar.Header{
		{Name: "x", Typeflag: tar.TypeReg, Mode: 0644, ModTime: time.Now()},
	}, map[string][]byte{"x": []byte("now a file")})

	presence, _ := bloom.NewSet(100)
	deferred := make(map[string]time.Time)
	if err := applyTarStream(root, bytes.NewReader(data), presence, deferred); err != nil {
		t.Fatal(err)
	}

	info, err := os.Lstat(filepath.Join(root, "x"))
	if err != nil {
		t.Fatal(err)
	}
	if info.IsDir() {
		t.Fatal("expected x to become a regular file")
	}
}

func TestGCDirectoryTreeRemovesAbsentPaths(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "keep"), 0755)
	os.WriteFile(filepath.Join(root, "keep", "a"), []byte("a"), 0644)
	os.MkdirAll(filepath.Join(root, "gone"), 0755)
	os.WriteFile(filepath.Join(root, "gone", "b"), []byte("b"), 0644)

	presence, _ := bloom.NewSet(100)
	presence.Add("keep")
	presence.Add("keep/a")

	if err := gcDirectoryTree(root, presence); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(root, "keep", "a")); err != nil {
		t.Fatal("expected keep/a to survive GC")
	}
	if _, err := os.Stat(filepath.Join(root, "gone")); !os.IsNotExist(err) {
		t.Fatal("expected gone/ to be removed by GC")
	}
}

func TestStatSummaryFormat(t *testing.T) {
	h := &tar.Header{Typeflag: tar.TypeReg, Mode: 0644, Uid: 1000, Gid: 1000}
	got := statSummary(h)
	want := "0100644 0,0 1000:1000"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
