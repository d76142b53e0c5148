// Package coda reconciles a Coda volume into a local mirror tree by
// consuming a streamed tar produced on the source host: `ssh host
// volutil dump <volume> | codadump2tar`. Every run replays the volume's
// entire current entry list (full dump) or only changed entries
// (incremental dump, once a prior full dump has completed
// successfully); either way the reconciler applies entries
// idempotently against whatever is already on disk.
package coda

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cmusatyalab/deltaic/internal/atomicfile"
	"github.com/cmusatyalab/deltaic/internal/bloom"
	"github.com/cmusatyalab/deltaic/internal/config"
	"github.com/cmusatyalab/deltaic/internal/pipeline"
	"github.com/cmusatyalab/deltaic/internal/scrub"
	"github.com/cmusatyalab/deltaic/internal/xattrs"
)

// AttrIncremental marks a unit root once a full dump has completed
// successfully, permitting subsequent runs to request an incremental.
const AttrIncremental = "user.coda.incremental-ok"

// AttrStat records a compact stat summary on every mirrored file and
// directory, in the form "<mode_with_type> 0,0 <uid>:<gid>".
const AttrStat = "user.rsync.%stat"

// DumpAttempts bounds how many times a truncated dump stream is retried
// before the unit is reported as failed.
const DumpAttempts = 10

// ErrDump is returned when the tar stream produced by volutil/codadump2tar
// is truncated mid-entry (an RPC timeout on the source host). The whole
// dump is safe to retry: nothing on disk is left half-written, since
// regular files are applied via the atomic updater.
var ErrDump = errors.New("coda: dump stream truncated")

// Unit mirrors one Coda volume.
type Unit struct {
	UnitName string
	Host     string
	Volume   string

	SSHPath          string
	VolutilPath      string
	Codadump2tarPath string

	// FullProbability is the per-day chance (config key
	// "coda-full-probability") that a run requests a full dump even
	// though an incremental one is available, spreading out the cost
	// of full dumps across units instead of scheduling them explicitly.
	FullProbability float64
}

// NewUnit builds a Unit from a decoded config.SourceUnit.
func NewUnit(su config.SourceUnit, sshPath, volutilPath, codadump2tarPath string, fullProbability float64) (Unit, error) {
	host, _ := su.Extra["host"].(string)
	volume, _ := su.Extra["volume"].(string)
	if host == "" || volume == "" {
		return Unit{}, fmt.Errorf("coda: unit %s requires 'host' and 'volume'", su.Name)
	}
	return Unit{
		UnitName:         su.Name,
		Host:             host,
		Volume:           volume,
		SSHPath:          firstNonEmpty(sshPath, "ssh"),
		VolutilPath:      firstNonEmpty(volutilPath, "volutil"),
		Codadump2tarPath: firstNonEmpty(codadump2tarPath, "codadump2tar"),
		FullProbability:  fullProbability,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Name implements source.Unit.
func (u Unit) Name() string { return u.UnitName }

// Backup implements source.Unit. A unit root lacking AttrIncremental is
// always backed up in full; scrub has no distinct meaning for Coda
// beyond forcing a full dump, since there is no separate checksum mode.
func (u Unit) Backup(ctx context.Context, root string, forceFull bool) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("coda: creating mirror root: %w", err)
	}

	full := forceFull || scrub.DoWork(u.UnitName, time.Now(), u.FullProbability)
	if !full {
		_, ok, err := xattrs.GetString(root, AttrIncremental)
		if err != nil && !errors.Is(err, xattrs.ErrNotSupported) {
			return err
		}
		full = !ok
	}

	var lastErr error
	for attempt := 1; attempt <= DumpAttempts; attempt++ {
		err := u.runOnce(ctx, root, full)
		if err == nil {
			return xattrs.SetString(root, AttrIncremental, "1")
		}
		if !errors.Is(err, ErrDump) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("coda: %s: dump failed after %d attempts: %w", u.UnitName, DumpAttempts, lastErr)
}

// runOnce performs a single dump-and-apply pass.
func (u Unit) runOnce(ctx context.Context, root string, full bool) error {
	volutilArgs := []string{u.Host, u.VolutilPath, "dump", u.Volume}
	if !full {
		volutilArgs = append(volutilArgs, "-incremental")
	}

	p, err := pipeline.Start(ctx, []pipeline.Stage{
		{Path: u.SSHPath, Args: volutilArgs},
		{Path: u.Codadump2tarPath},
	})
	if err != nil {
		return fmt.Errorf("coda: starting dump pipeline: %w", err)
	}
	p.In.Close()

	presence, err := bloom.NewSet(1 << 16)
	if err != nil {
		p.Kill()
		p.Wait()
		return err
	}

	deferredDirs := make(map[string]time.Time)
	applyErr := applyTarStream(root, p.Out, presence, deferredDirs)
	p.Out.Close()

	waitErr := p.Wait()
	if applyErr != nil {
		return applyErr
	}
	if waitErr != nil {
		return fmt.Errorf("%w: %v", ErrDump, waitErr)
	}

	for dir, mtime := range deferredDirs {
		if err := lutimes(dir, mtime); err != nil {
			return fmt.Errorf("coda: setting directory mtime %s: %w", dir, err)
		}
	}

	if full {
		if err := gcDirectoryTree(root, presence); err != nil {
			return fmt.Errorf("coda: gc: %w", err)
		}
	}
	return nil
}

// applyTarStream reads tar entries from r and applies each to root,
// recording every path touched in presence.
func applyTarStream(root string, r io.Reader, presence *bloom.Set, deferredDirs map[string]time.Time) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: %v", ErrDump, err)
			}
			return fmt.Errorf("coda: reading tar header: %w", err)
		}

		rel := filepath.Clean(header.Name)
		target := filepath.Join(root, rel)
		presence.Add(rel)

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("coda: creating parent of %s: %w", target, err)
		}

		if err := removeIfTypeChanged(target, header); err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode&0777)); err != nil {
				return fmt.Errorf("coda: mkdir %s: %w", target, err)
			}
			deferredDirs[target] = header.ModTime

		case tar.TypeReg:
			// A short read (volutil RPC timeout mid-file) surfaces from
			// tr as io.ErrUnexpectedEOF while the body is copied; it is
			// reported as ErrDump, like a truncated header above.
			if _, err := atomicfile.UpdateReader(target, io.LimitReader(tr, header.Size)); err != nil {
				if errors.Is(err, io.ErrUnexpectedEOF) {
					return fmt.Errorf("%w: %v", ErrDump, err)
				}
				return fmt.Errorf("coda: writing %s: %w", target, err)
			}
			if err := lutimes(target, header.ModTime); err != nil {
				return fmt.Errorf("coda: setting mtime on %s: %w", target, err)
			}

		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("coda: symlink %s: %w", target, err)
			}
			if err := lutimes(target, header.ModTime); err != nil {
				return fmt.Errorf("coda: setting mtime on symlink %s: %w", target, err)
			}

		case tar.TypeLink:
			linkTarget := filepath.Join(root, filepath.Clean(header.Linkname))
			os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return fmt.Errorf("coda: hardlink %s -> %s: %w", target, linkTarget, err)
			}

		default:
			continue
		}

		if err := xattrs.SetString(target, AttrStat, statSummary(header)); err != nil && !errors.Is(err, xattrs.ErrNotSupported) {
			return fmt.Errorf("coda: recording stat xattr on %s: %w", target, err)
		}
	}
}

// removeIfTypeChanged deletes whatever currently exists at target if
// its type differs from the incoming tar entry's type — recursively for
// a directory being replaced by a non-directory, or vice versa.
func removeIfTypeChanged(target string, header *tar.Header) error {
	info, err := os.Lstat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("coda: stat %s: %w", target, err)
	}

	wantDir := header.Typeflag == tar.TypeDir
	isDir := info.IsDir()
	if wantDir == isDir {
		return nil
	}

	if isDir {
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("coda: removing stale directory %s: %w", target, err)
		}
	} else {
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("coda: removing stale file %s: %w", target, err)
		}
	}
	return nil
}

// statSummary builds the "<mode_with_type> 0,0 <uid>:<gid>" xattr value
// recorded on every applied file and directory.
func statSummary(header *tar.Header) string {
	mode := uint32(header.Mode & 0777)
	switch header.Typeflag {
	case tar.TypeDir:
		mode |= syscall.S_IFDIR
	case tar.TypeSymlink:
		mode |= syscall.S_IFLNK
	default:
		mode |= syscall.S_IFREG
	}
	return fmt.Sprintf("0%o 0,0 %d:%d", mode, header.Uid, header.Gid)
}

// lutimes sets mtime (and atime, mirrored to the same value) on path
// without following a trailing symlink.
func lutimes(path string, mtime time.Time) error {
	ts := unix.NsecToTimespec(mtime.UnixNano())
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, []unix.Timespec{ts, ts}, unix.AT_SYMLINK_NOFOLLOW)
}

// gcDirectoryTree walks root and deletes any path not recorded in
// presence. Used only after a full dump, where the presence set is
// known to reflect the volume's complete current entry list.
func gcDirectoryTree(root string, presence *bloom.Set) error {
	var toRemove []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if !presence.Contains(rel) {
			toRemove = append(toRemove, path)
			if info.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, path := range toRemove {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("coda: gc removing %s: %w", path, err)
		}
	}
	return nil
}
