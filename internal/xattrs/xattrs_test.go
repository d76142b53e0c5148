package xattrs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func tempFileForXattrs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func skipIfUnsupported(t *testing.T, err error) {
	t.Helper()
	if errors.Is(err, ErrNotSupported) {
		t.Skip("filesystem does not support extended attributes")
	}
	if err != nil {
		t.Fatal(err)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	path := tempFileForXattrs(t)
	err := SetString(path, "user.deltaic.test", "hello")
	skipIfUnsupported(t, err)

	value, ok, err := GetString(path, "user.deltaic.test")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || value != "hello" {
		t.Fatalf("got %q, %v", value, ok)
	}
}

func TestGetMissingAttributeIsNotAnError(t *testing.T) {
	path := tempFileForXattrs(t)
	_, ok, err := Get(path, "user.deltaic.absent")
	if err != nil {
		skipIfUnsupported(t, err)
	}
	if ok {
		t.Fatal("expected ok=false for unset attribute")
	}
}

func TestSetIsNoopWhenValueUnchanged(t *testing.T) {
	path := tempFileForXattrs(t)
	err := SetString(path, "user.deltaic.test", "same")
	skipIfUnsupported(t, err)

	if err := SetString(path, "user.deltaic.test", "same"); err != nil {
		t.Fatal(err)
	}

	value, ok, err := GetString(path, "user.deltaic.test")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || value != "same" {
		t.Fatalf("got %q, %v", value, ok)
	}
}

func TestRemove(t *testing.T) {
	path := tempFileForXattrs(t)
	err := SetString(path, "user.deltaic.test", "x")
	skipIfUnsupported(t, err)

	if err := Remove(path, "user.deltaic.test"); err != nil {
		t.Fatal(err)
	}
	_, ok, err := Get(path, "user.deltaic.test")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected attribute to be gone after Remove")
	}
	// Removing an already-absent attribute is not an error.
	if err := Remove(path, "user.deltaic.test"); err != nil {
		t.Fatal(err)
	}
}
