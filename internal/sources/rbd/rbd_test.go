package rbd

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/cmusatyalab/deltaic/internal/xattrs"
)

// fakeRBDScript is a standalone `rbd` stand-in that tracks snapshot
// names in a flat file under $RBD_FAKE_STATE and emits a canned
// export-diff stream so the full/incremental orchestration in Backup
// can be exercised without a real Ceph cluster. The emitted streams
// were generated once (see diff_test.go's round-trip tests for the
// wire format they exercise) and are embedded as base64 literals.
const fakeRBDScript = `#!/bin/sh
set -e
state="$RBD_FAKE_STATE"
cmd="$1"; shift
case "$cmd" in
  snap)
    sub="$1"; shift
    case "$sub" in
      create)
        spec="$1"
        name="${spec#*@}"
        echo "$name" >> "$state/snaps"
        ;;
      ls)
        if [ -f "$state/snaps" ]; then cat "$state/snaps"; fi
        ;;
      rm)
        spec="$1"
        name="${spec#*@}"
        if [ -f "$state/snaps" ]; then
          grep -v "^$name\$" "$state/snaps" > "$state/snaps.tmp" 2>/dev/null || true
          mv "$state/snaps.tmp" "$state/snaps"
        fi
        ;;
    esac
    ;;
  export-diff)
    if [ "$1" = "--from-snap" ]; then
      echo "cmJkIGRpZmYgdjEKdwgAAAAAAAAABAAAAAAAAABJTkNSZQ==" | base64 -d
    else
      echo "cmJkIGRpZmYgdjEKcxAAAAAAAAAAdwAAAAAAAAAABQAAAAAAAABGVUxMIWU=" | base64 -d
    fi
    ;;
esac
`

func writeFakeRBD(t *testing.T) (path, stateDir string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	if _, err := exec.LookPath("base64"); err != nil {
		t.Skip("base64 not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "rbd")
	if err := os.WriteFile(script, []byte(fakeRBDScript), 0755); err != nil {
		t.Fatal(err)
	}
	state := filepath.Join(dir, "state")
	if err := os.MkdirAll(state, 0755); err != nil {
		t.Fatal(err)
	}
	return script, state
}

func TestBackupFullThenIncremental(t *testing.T) {
	rbdPath, state := writeFakeRBD(t)
	t.Setenv("RBD_FAKE_STATE", state)

	root := t.TempDir()
	u := Unit{UnitName: "vol", ImageSpec: "rbd/vol", RBDPath: rbdPath}

	if err := u.Backup(context.Background(), root, false); err != nil {
		skipIfXattrUnsupported(t, err)
	}

	image := filepath.Join(root, imageFileName)
	data, err := os.ReadFile(image)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 16 || string(data[:5]) != "FULL!" {
		t.Fatalf("unexpected full-backup content: %q", data)
	}

	snap, ok, err := xattrs.GetString(root, AttrSnapshot)
	if err != nil || !ok {
		t.Fatalf("expected %s to be set after full backup: ok=%v err=%v", AttrSnapshot, ok, err)
	}

	if err := u.Backup(context.Background(), root, false); err != nil {
		t.Fatal(err)
	}

	data, err = os.ReadFile(image)
	if err != nil {
		t.Fatal(err)
	}
	if string(data[8:12]) != "INCR" {
		t.Fatalf("expected incremental patch at offset 8, got %q", data)
	}

	newSnap, ok, err := xattrs.GetString(root, AttrSnapshot)
	if err != nil || !ok {
		t.Fatal("expected a rotated snapshot after incremental backup")
	}
	if newSnap == snap {
		t.Fatal("expected the base snapshot to advance after an incremental backup")
	}
	if _, ok, _ := xattrs.GetString(root, AttrPendingSnapshot); ok {
		t.Fatal("expected pending snapshot xattr to be cleared after completion")
	}
	if _, err := os.Stat(image + ".pending"); !os.IsNotExist(err) {
		t.Fatal("expected the pending diff file to be removed after completion")
	}
}

func TestBackupResumesInterruptedPending(t *testing.T) {
	rbdPath, state := writeFakeRBD(t)
	t.Setenv("RBD_FAKE_STATE", state)

	root := t.TempDir()
	image := filepath.Join(root, imageFileName)
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(image, make([]byte, 16), 0644); err != nil {
		t.Fatal(err)
	}

	if err := xattrs.SetString(root, AttrSnapshot, "deltaic-old"); err != nil {
		skipIfXattrUnsupported(t, err)
	}
	if err := xattrs.SetString(root, AttrPendingSnapshot, "deltaic-pending"); err != nil {
		t.Fatal(err)
	}
	stream := []byte("rbd diff v1\nw\x08\x00\x00\x00\x00\x00\x00\x00\x04\x00\x00\x00\x00\x00\x00\x00LEFTe")
	if err := os.WriteFile(image+".pending", stream, 0644); err != nil {
		t.Fatal(err)
	}
	// Record the pending snapshot with the fake `rbd` backend, as the
	// interrupted run would have left it on the source.
	if err := os.WriteFile(filepath.Join(state, "snaps"), []byte("deltaic-pending\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := (Unit{UnitName: "vol", ImageSpec: "rbd/vol", RBDPath: rbdPath}).
		Backup(context.Background(), root, false); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(image)
	if err != nil {
		t.Fatal(err)
	}
	if string(data[8:12]) != "LEFT" {
		t.Fatalf("expected resumed pending diff to be applied, got %q", data)
	}
	if _, err := os.Stat(image + ".pending"); !os.IsNotExist(err) {
		t.Fatal("expected the pending diff file to be cleaned up")
	}
	if _, ok, _ := xattrs.GetString(root, AttrPendingSnapshot); ok {
		t.Fatal("expected pending snapshot xattr to be cleared")
	}
}

func skipIfXattrUnsupported(t *testing.T, err error) {
	t.Helper()
	if errors.Is(err, xattrs.ErrNotSupported) {
		t.Skip("filesystem does not support extended attributes")
	}
	t.Fatal(err)
}
