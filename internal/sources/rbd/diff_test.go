package rbd

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

type diffBuilder struct {
	buf bytes.Buffer
}

func newDiffBuilder() *diffBuilder {
	b := &diffBuilder{}
	b.buf.WriteString(Magic)
	return b
}

func (b *diffBuilder) size(n uint64) *diffBuilder {
	b.buf.WriteByte(tagSize)
	binary.Write(&b.buf, binary.LittleEndian, n)
	return b
}

func (b *diffBuilder) write(offset uint64, data []byte) *diffBuilder {
	b.buf.WriteByte(tagWrite)
	binary.Write(&b.buf, binary.LittleEndian, offset)
	binary.Write(&b.buf, binary.LittleEndian, uint64(len(data)))
	b.buf.Write(data)
	return b
}

func (b *diffBuilder) zero(offset, length uint64) *diffBuilder {
	b.buf.WriteByte(tagZero)
	binary.Write(&b.buf, binary.LittleEndian, offset)
	binary.Write(&b.buf, binary.LittleEndian, length)
	return b
}

func (b *diffBuilder) end() []byte {
	b.buf.WriteByte(tagEnd)
	return b.buf.Bytes()
}

// TestApplyFullDiffRoundTrip exercises the spec's "Diff round trip"
// property directly: unpacking a synthetic full export-diff stream
// yields the same bytewise content, including sparse regions.
func TestApplyFullDiffRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image")

	stream := newDiffBuilder().
		size(4096).
		write(0, []byte("hello world")).
		zero(2048, 1024).
		end()

	if err := Apply(path, bytes.NewReader(stream)); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4096 {
		t.Fatalf("got size %d, want 4096", len(got))
	}
	if string(got[:11]) != "hello world" {
		t.Fatalf("got prefix %q", got[:11])
	}
	for i := 2048; i < 3072; i++ {
		if got[i] != 0 {
			t.Fatalf("expected zeroed region at %d, got %d", i, got[i])
		}
	}
}

// TestApplyIncrementalDiffOnExistingContent verifies an incremental diff
// only changes the bytes its write/zero records target, leaving
// untouched regions of a pre-existing file alone.
func TestApplyIncrementalDiffOnExistingContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image")

	base := bytes.Repeat([]byte{0xAB}, 4096)
	if err := os.WriteFile(path, base, 0644); err != nil {
		t.Fatal(err)
	}

	stream := newDiffBuilder().
		write(100, []byte("patched")).
		end()
	if err := Apply(path, bytes.NewReader(stream)); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got[100:107]) != "patched" {
		t.Fatalf("got %q at offset 100", got[100:107])
	}
	if got[0] != 0xAB || got[99] != 0xAB || got[107] != 0xAB {
		t.Fatal("expected untouched bytes to survive the incremental apply")
	}
}

func TestApplyRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image")
	if err := Apply(path, bytes.NewReader([]byte("not a diff stream..."))); err == nil {
		t.Fatal("expected an error for bad magic")
	}
}

func TestApplyRejectsUnknownTag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image")
	var buf bytes.Buffer
	buf.WriteString(Magic)
	buf.WriteByte('Q')
	if err := Apply(path, bytes.NewReader(buf.Bytes())); err == nil {
		t.Fatal("expected an error for an unknown record tag")
	}
}

func TestApplyRejectsTrailingDataAfterEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image")
	stream := newDiffBuilder().write(0, []byte("x")).end()
	stream = append(stream, 'x')
	if err := Apply(path, bytes.NewReader(stream)); err == nil {
		t.Fatal("expected an error for trailing bytes after the end marker")
	}
}
