// Package lock provides the mutual-exclusion primitive that keeps two
// deltaic invocations (a scheduled run and an interactive one, or two
// cron entries racing past each other) from touching the same backup
// root concurrently. It also confirms the root is actually the mounted
// filesystem the caller expects, so a lock file left behind after an
// unmount failure cannot be silently acquired against an empty
// directory.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrConflict is returned by Acquire when another process already holds
// the lock.
var ErrConflict = errors.New("lock: already held by another process")

// ErrNotMounted is returned by Acquire when the backup root's device
// does not differ from its parent directory's device, indicating the
// expected filesystem is not actually mounted there.
var ErrNotMounted = errors.New("lock: backup root is not a separate mounted filesystem")

// dirName is the subdirectory of the backup root holding lock files, one
// per named lock (the "run" and "archive" locks, plus one per source
// unit).
const dirName = ".lock"

// Lock is a held, exclusive advisory lock on a single named resource
// within a backup root.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock named name under root.
// It first verifies that root is a mount point distinct from its
// parent's device, refusing to lock (and therefore refusing to operate
// on) a directory that looks like an unmounted placeholder.
//
// The returned Lock must be released with Close when the caller is
// done; the lock is also implicitly released if the process exits or
// the file descriptor is otherwise closed.
func Acquire(root, name string) (*Lock, error) {
	if err := checkMounted(root); err != nil {
		return nil, err
	}

	dir := filepath.Join(root, dirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("lock: creating %s: %w", dir, err)
	}

	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("lock: opening %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrConflict, name)
		}
		return nil, fmt.Errorf("lock: flock %s: %w", path, err)
	}

	// Record our pid so an operator inspecting a stale-looking lock file
	// can identify the holder without needing /proc/<pid>/fd lookups.
	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return &Lock{file: f, path: path}, nil
}

// Close releases the lock. The lock file itself is left in place (it is
// harmless and gets reused by the next Acquire) — only the flock is
// dropped.
func (l *Lock) Close() error {
	return l.file.Close()
}

// checkMounted compares root's device number against its parent
// directory's. A backup root is expected to be the mount point of a
// dedicated volume; if an unmount silently failed (or never happened),
// root and its parent report the same device and this returns
// ErrNotMounted rather than letting the caller proceed to write into
// what might be the root filesystem.
func checkMounted(root string) error {
	rootInfo, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("lock: stat %s: %w", root, err)
	}
	parentInfo, err := os.Stat(filepath.Dir(filepath.Clean(root)))
	if err != nil {
		return fmt.Errorf("lock: stat parent of %s: %w", root, err)
	}

	rootStat, ok1 := rootInfo.Sys().(*syscall.Stat_t)
	parentStat, ok2 := parentInfo.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		// Platform without syscall.Stat_t (non-Unix); skip the check
		// rather than fail closed on an unsupported platform.
		return nil
	}
	if rootStat.Dev == parentStat.Dev {
		return fmt.Errorf("%w: %s", ErrNotMounted, root)
	}
	return nil
}
