package rbd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cmusatyalab/deltaic/internal/config"
	"github.com/cmusatyalab/deltaic/internal/xattrs"
)

// AttrSnapshot records the name of the RBD-side snapshot the local
// mirror currently reflects.
const AttrSnapshot = "user.rbd.snapshot"

// AttrPendingSnapshot records the name of a newly created snapshot whose
// diff has been captured to <image>.pending but not yet applied —
// present only while an incremental backup is in flight or was
// interrupted.
const AttrPendingSnapshot = "user.rbd.pending-snapshot"

// imageFileName is the name of the flat mirror file within a unit's
// mirror root.
const imageFileName = "image"

// Unit mirrors one RBD image via export-diff.
type Unit struct {
	UnitName string
	ImageSpec string // "<pool>/<image>"
	RBDPath   string
}

// NewUnit builds a Unit from a decoded config.SourceUnit.
func NewUnit(su config.SourceUnit, rbdPath string) (Unit, error) {
	spec, _ := su.Extra["image"].(string)
	if spec == "" {
		return Unit{}, fmt.Errorf("rbd: unit %s missing 'image'", su.Name)
	}
	if rbdPath == "" {
		rbdPath = "rbd"
	}
	return Unit{UnitName: su.Name, ImageSpec: spec, RBDPath: rbdPath}, nil
}

// Name implements source.Unit.
func (u Unit) Name() string { return u.UnitName }

// Backup implements source.Unit.
func (u Unit) Backup(ctx context.Context, root string, scrub bool) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("rbd: creating mirror root: %w", err)
	}
	path := filepath.Join(root, imageFileName)
	pendingPath := path + ".pending"

	pending, havePending, err := xattrs.GetString(root, AttrPendingSnapshot)
	if err != nil && !errors.Is(err, xattrs.ErrNotSupported) {
		return err
	}
	if havePending {
		_, statErr := os.Stat(pendingPath)
		if err := u.finishPending(root, path, pendingPath, pending); err != nil {
			return err
		}
		if statErr == nil {
			// The interrupted incremental has now been applied; the next
			// snapshot is taken on the following run.
			return nil
		}
	}

	base, haveBase, err := xattrs.GetString(root, AttrSnapshot)
	if err != nil && !errors.Is(err, xattrs.ErrNotSupported) {
		return err
	}

	if haveBase {
		exists, err := u.snapExists(ctx, base)
		if err != nil {
			return err
		}
		if !exists {
			// Source image was replaced or the snapshot was reaped;
			// discard the stale mirror and fall back to a full backup.
			os.Remove(path)
			xattrs.Remove(root, AttrSnapshot)
			haveBase = false
		}
	}

	if !haveBase {
		return u.fullBackup(ctx, root, path)
	}
	return u.incrementalBackup(ctx, root, path, pendingPath, base)
}

func (u Unit) fullBackup(ctx context.Context, root, path string) error {
	snapName := u.newSnapName()
	if err := u.run(ctx, "snap", "create", u.ImageSpec+"@"+snapName); err != nil {
		return fmt.Errorf("rbd: creating snapshot %s: %w", snapName, err)
	}

	out, err := u.exportDiffStdout(ctx, "", snapName)
	if err != nil {
		return err
	}
	defer out.Close()

	os.Remove(path)
	if err := Apply(path, out.Stdout()); err != nil {
		out.Kill()
		return fmt.Errorf("rbd: applying full export-diff: %w", err)
	}
	if err := out.Wait(); err != nil {
		return fmt.Errorf("rbd: export-diff: %w", err)
	}

	return xattrs.SetString(root, AttrSnapshot, snapName)
}

func (u Unit) incrementalBackup(ctx context.Context, root, path, pendingPath, base string) error {
	newSnap := u.newSnapName()
	if err := u.run(ctx, "snap", "create", u.ImageSpec+"@"+newSnap); err != nil {
		return fmt.Errorf("rbd: creating snapshot %s: %w", newSnap, err)
	}

	out, err := u.exportDiffStdout(ctx, base, newSnap)
	if err != nil {
		return err
	}

	pendingFile, err := os.Create(pendingPath)
	if err != nil {
		out.Kill()
		return fmt.Errorf("rbd: creating pending diff file: %w", err)
	}
	_, copyErr := pendingFile.ReadFrom(out.Stdout())
	pendingFile.Close()
	waitErr := out.Wait()
	if copyErr != nil {
		return fmt.Errorf("rbd: capturing pending diff: %w", copyErr)
	}
	if waitErr != nil {
		return fmt.Errorf("rbd: export-diff: %w", waitErr)
	}

	if err := xattrs.SetString(root, AttrPendingSnapshot, newSnap); err != nil {
		return err
	}
	return u.finishPending(root, path, pendingPath, newSnap)
}

// finishPending applies an already-captured pending diff file to path,
// deletes the old base snapshot on the source, rotates the xattrs so
// the pending snapshot becomes current, and removes the pending file.
func (u Unit) finishPending(root, path, pendingPath, pendingSnap string) error {
	f, err := os.Open(pendingPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Nothing to finish (crash happened before the pending
			// file was fully written, or it was already cleaned up);
			// fall through to just clearing the stale xattr.
			return xattrs.Remove(root, AttrPendingSnapshot)
		}
		return fmt.Errorf("rbd: opening pending diff: %w", err)
	}
	defer f.Close()

	if err := Apply(path, f); err != nil {
		return fmt.Errorf("rbd: applying pending diff: %w", err)
	}

	base, haveBase, err := xattrs.GetString(root, AttrSnapshot)
	if err == nil && haveBase {
		u.run(context.Background(), "snap", "rm", u.ImageSpec+"@"+base)
	}

	if err := xattrs.SetString(root, AttrSnapshot, pendingSnap); err != nil {
		return err
	}
	if err := xattrs.Remove(root, AttrPendingSnapshot); err != nil {
		return err
	}
	return os.Remove(pendingPath)
}

func (u Unit) snapExists(ctx context.Context, snap string) (bool, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, u.RBDPath, "snap", "ls", u.ImageSpec, "--format", "plain")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("rbd: listing snapshots: %w: %s", err, stderr.String())
	}
	return strings.Contains(stdout.String(), snap), nil
}

func (u Unit) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, u.RBDPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}

func (u Unit) newSnapName() string {
	return "deltaic-" + time.Now().UTC().Format("20060102T150405.000000000")
}

// diffProcess wraps the running `rbd export-diff` child process.
type diffProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
}

func (u Unit) exportDiffStdout(ctx context.Context, fromSnap, toSnap string) (*diffProcess, error) {
	args := []string{"export-diff"}
	if fromSnap != "" {
		args = append(args, "--from-snap", fromSnap)
	}
	args = append(args, u.ImageSpec+"@"+toSnap, "-")

	cmd := exec.CommandContext(ctx, u.RBDPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("rbd: export-diff stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("rbd: starting export-diff: %w", err)
	}
	return &diffProcess{cmd: cmd, stdout: stdout.(*os.File)}, nil
}

func (p *diffProcess) Stdout() *os.File { return p.stdout }
func (p *diffProcess) Wait() error      { return p.cmd.Wait() }
func (p *diffProcess) Close() error     { return nil }
func (p *diffProcess) Kill() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}
