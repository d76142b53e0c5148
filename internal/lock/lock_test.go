package lock

import (
	"errors"
	"testing"
)

func TestAcquireConflict(t *testing.T) {
	root := t.TempDir()

	l1, err := Acquire(root, "run")
	if err != nil {
		if errors.Is(err, ErrNotMounted) {
			t.Skip("tmpdir shares device with its parent in this sandbox")
		}
		t.Fatal(err)
	}
	defer l1.Close()

	_, err = Acquire(root, "run")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestAcquireDistinctNamesDoNotConflict(t *testing.T) {
	root := t.TempDir()

	l1, err := Acquire(root, "run")
	if err != nil {
		if errors.Is(err, ErrNotMounted) {
			t.Skip("tmpdir shares device with its parent in this sandbox")
		}
		t.Fatal(err)
	}
	defer l1.Close()

	l2, err := Acquire(root, "prune")
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()
}

func TestReacquireAfterClose(t *testing.T) {
	root := t.TempDir()

	l1, err := Acquire(root, "run")
	if err != nil {
		if errors.Is(err, ErrNotMounted) {
			t.Skip("tmpdir shares device with its parent in this sandbox")
		}
		t.Fatal(err)
	}
	if err := l1.Close(); err != nil {
		t.Fatal(err)
	}

	l2, err := Acquire(root, "run")
	if err != nil {
		t.Fatal(err)
	}
	l2.Close()
}
