package atomicfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestUpdateCreatesNewFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")

	modified, err := Update(path, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !modified {
		t.Fatal("expected modified=true for new file")
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestUpdateIdenticalContentIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if _, err := Update(path, []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	modified, err := Update(path, []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if modified {
		t.Fatal("expected modified=false for identical content")
	}
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info1.ModTime() != info2.ModTime() {
		t.Fatal("mtime changed on a no-op update")
	}
}

func TestUpdateDivergenceMidBuffer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")

	// Construct a buffer spanning more than one blockSize plus a partial
	// final block, and change one byte well past the first block to
	// exercise the prefix-copy path across a block boundary.
	size := blockSize*2 + 30
	orig := bytes.Repeat([]byte{0x41}, size)
	if _, err := Update(path, orig); err != nil {
		t.Fatal(err)
	}

	changed := make([]byte, size)
	copy(changed, orig)
	changed[blockSize+100] = 0x42

	modified, err := Update(path, changed)
	if err != nil {
		t.Fatal(err)
	}
	if !modified {
		t.Fatal("expected modified=true")
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, changed) {
		t.Fatal("content mismatch after divergent update")
	}
}

func TestUpdateShorterContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if _, err := Update(path, []byte("hello world, this is long")); err != nil {
		t.Fatal(err)
	}
	modified, err := Update(path, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !modified {
		t.Fatal("expected modified=true for truncation")
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestUpdateLongerContentSamePrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if _, err := Update(path, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	modified, err := Update(path, []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if !modified {
		t.Fatal("expected modified=true for extension")
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestUpdateReaderStreaming(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	modified, err := UpdateReader(path, bytes.NewReader([]byte("streamed")))
	if err != nil {
		t.Fatal(err)
	}
	if !modified {
		t.Fatal("expected modified=true")
	}
	got, _ := os.ReadFile(path)
	if string(got) != "streamed" {
		t.Fatalf("got %q", got)
	}
}

func TestAbortLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	w.Abort()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftover files, found %v", entries)
	}
}
