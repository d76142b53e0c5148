package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cmusatyalab/deltaic/internal/archive"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	dir := t.TempDir()
	b, err := Open(Config{DSN: filepath.Join(dir, "ledger.db"), BlobDir: filepath.Join(dir, "blobs")})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUploadAndListArchive(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	local := writeTempFile(t, "archive body")

	md := archive.ArchiveMetadata{Compression: "gzip", Encryption: "none", SHA256: "abc", Size: 12, CreationTime: time.Now()}
	if err := b.UploadArchive(ctx, "20260730-0", "unitA", md, local); err != nil {
		t.Fatalf("UploadArchive: %v", err)
	}

	archives, err := b.ListSetArchives(ctx, "20260730-0")
	if err != nil {
		t.Fatal(err)
	}
	got, ok := archives["unitA"]
	if !ok {
		t.Fatal("expected unitA to be recorded")
	}
	if got.SHA256 != "abc" {
		t.Fatalf("sha256 = %q", got.SHA256)
	}

	sets, err := b.ListSets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sets["20260730-0"].Count != 1 || sets["20260730-0"].Size != 12 {
		t.Fatalf("unexpected set summary: %+v", sets["20260730-0"])
	}
}

func TestUploadArchiveConflictCleansUpBlob(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	md := archive.ArchiveMetadata{Compression: "none", Encryption: "none", SHA256: "x", Size: 1, CreationTime: time.Now()}

	first := writeTempFile(t, "a")
	if err := b.UploadArchive(ctx, "set1", "unit1", md, first); err != nil {
		t.Fatalf("first upload: %v", err)
	}

	second := writeTempFile(t, "b")
	err := b.UploadArchive(ctx, "set1", "unit1", md, second)
	if err == nil {
		t.Fatal("expected conflict on second upload")
	}
	if err != archive.ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	archives, err := b.ListSetArchives(ctx, "set1")
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 1 {
		t.Fatalf("expected exactly 1 archive to survive the conflict, got %d", len(archives))
	}

	blob, err := os.ReadFile(b.blobPath("set1", "unit1"))
	if err != nil {
		t.Fatalf("first upload's blob is gone after the conflict: %v", err)
	}
	if string(blob) != "a" {
		t.Fatalf("blob = %q after the conflict, want the first upload's %q", blob, "a")
	}
	entries, err := os.ReadDir(filepath.Dir(b.blobPath("set1", "unit1")))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the losing upload's copy to be removed, found %d files", len(entries))
	}
}

func TestCompleteAndDeleteSet(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	md := archive.ArchiveMetadata{SHA256: "x", Size: 1, Encryption: "none"}
	local := writeTempFile(t, "a")
	if err := b.UploadArchive(ctx, "set1", "unit1", md, local); err != nil {
		t.Fatal(err)
	}
	if err := b.CompleteSet(ctx, "set1"); err != nil {
		t.Fatal(err)
	}
	sets, err := b.ListSets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !sets["set1"].Complete {
		t.Fatal("expected set1 to be complete")
	}

	if err := b.DeleteSet(ctx, "set1"); err != nil {
		t.Fatal(err)
	}
	sets, err = b.ListSets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sets["set1"]; ok {
		t.Fatal("expected set1 to be gone after DeleteSet")
	}
}

func TestDownloadArchives(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	md := archive.ArchiveMetadata{SHA256: "x", Size: 5, Encryption: "none"}
	local := writeTempFile(t, "hello")
	if err := b.UploadArchive(ctx, "set1", "unit1", md, local); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "out")
	resultCh, err := b.DownloadArchives(ctx, "set1", []archive.ArchiveRequest{{Unit: "unit1", LocalPath: dest}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	var results []archive.DownloadResult
	for r := range resultCh {
		results = append(results, r)
	}
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("unexpected results: %+v", results)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("downloaded contents = %q", got)
	}
}
