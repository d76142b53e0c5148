package packer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cmusatyalab/deltaic/internal/xattrs"
)

func writeUnitTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("nested contents"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("file.txt", filepath.Join(dir, "link")); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestPackUnpackRoundTripUncompressed(t *testing.T) {
	src := writeUnitTree(t)
	archive := filepath.Join(t.TempDir(), "unit.tar")

	info, err := Pack(context.Background(), PackOptions{
		SnapshotName: "20260730-0",
		UnitName:     "myunit",
		SourceDir:    src,
		Compression:  CompressionNone,
		Output:       archive,
	})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if info.Encryption != "none" {
		t.Fatalf("expected unencrypted archive, got %q", info.Encryption)
	}
	if info.SHA256 == "" {
		t.Fatal("expected non-empty sha256")
	}

	dest := t.TempDir()
	err = Unpack(context.Background(), UnpackOptions{
		Input:   archive,
		Info:    info,
		DestDir: dest,
	})
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "file.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("file.txt contents = %q", got)
	}
	got, err = os.ReadFile(filepath.Join(dest, "sub", "nested.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "nested contents" {
		t.Fatalf("nested.txt contents = %q", got)
	}
	link, err := os.Readlink(filepath.Join(dest, "link"))
	if err != nil {
		t.Fatal(err)
	}
	if link != "file.txt" {
		t.Fatalf("symlink target = %q", link)
	}
}

func TestPackUnpackRoundTripGzip(t *testing.T) {
	src := writeUnitTree(t)
	archive := filepath.Join(t.TempDir(), "unit.tar.gz")

	info, err := Pack(context.Background(), PackOptions{
		SnapshotName: "20260730-0",
		UnitName:     "myunit",
		SourceDir:    src,
		Compression:  CompressionGzip,
		Output:       archive,
	})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	dest := t.TempDir()
	if err := Unpack(context.Background(), UnpackOptions{Input: archive, Info: info, DestDir: dest}); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "file.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("file.txt contents = %q", got)
	}
}

func TestUnpackRejectsTamperedSHA256(t *testing.T) {
	src := writeUnitTree(t)
	archive := filepath.Join(t.TempDir(), "unit.tar")

	info, err := Pack(context.Background(), PackOptions{
		SnapshotName: "20260730-0",
		UnitName:     "myunit",
		SourceDir:    src,
		Compression:  CompressionNone,
		Output:       archive,
	})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	info.SHA256 = "0000000000000000000000000000000000000000000000000000000000000000"

	err = Unpack(context.Background(), UnpackOptions{Input: archive, Info: info, DestDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected sha256 mismatch error")
	}
}

func TestArchiveInfoXattrRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive")
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}

	info := ArchiveInfo{Compression: CompressionGzip, Encryption: "none", SHA256: "abc123"}
	err := info.WriteXattrs(path)
	if err != nil {
		if errors.Is(err, xattrs.ErrNotSupported) {
			t.Skip("filesystem does not support extended attributes")
		}
		t.Fatal(err)
	}

	got, err := ReadArchiveInfo(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Compression != info.Compression || got.Encryption != info.Encryption || got.SHA256 != info.SHA256 {
		t.Fatalf("got %+v, want %+v", got, info)
	}
}
