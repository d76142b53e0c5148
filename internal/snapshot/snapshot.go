// Package snapshot wraps the external LVM volume manager to enumerate,
// create, mount, and remove the point-in-time block-level snapshots
// that back every backup run. Every mutating command runs under sudo,
// matching the passwordless sudoers rules emitted by `deltaic mkconf
// sudoers`.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Tag is applied to every volume this package creates, and is the
// selector used by List to distinguish backup snapshots from any other
// logical volume in the volume group.
const Tag = "backup-snapshot"

// ErrNoFreeName is returned by Create when all 99 intra-day revision
// slots for today are already taken.
var ErrNoFreeName = errors.New("snapshot: no free revision slot for today (tried 1-99)")

// Snapshot describes one existing LVM snapshot tagged backup-snapshot.
type Snapshot struct {
	// Name is the `YYYYMMDD-N` identifier (also the logical volume name).
	Name string
	// VolumeGroup is the LVM volume group the snapshot lives in.
	VolumeGroup string
}

// SnapshotName implements retention.Snapshot.
func (s Snapshot) SnapshotName() string { return s.Name }

// SnapshotDate implements retention.Snapshot, parsed from the `YYYYMMDD`
// prefix of Name.
func (s Snapshot) SnapshotDate() time.Time {
	datePart, _, _ := strings.Cut(s.Name, "-")
	t, err := time.ParseInLocation("20060102", datePart, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Registry operates on snapshots of a single origin volume within a
// single volume group.
type Registry struct {
	VolumeGroup  string
	OriginVolume string

	// runner executes external commands; overridable in tests.
	runner commandRunner
	log    *zap.Logger
}

// NewRegistry returns a Registry wired to the real `sudo` command line
// tools.
func NewRegistry(vg, origin string, log *zap.Logger) *Registry {
	return &Registry{
		VolumeGroup:  vg,
		OriginVolume: origin,
		runner:       execRunner{},
		log:          log.Named("snapshot"),
	}
}

// commandRunner abstracts subprocess execution so tests can substitute a
// fake without invoking sudo/lvm.
type commandRunner interface {
	run(ctx context.Context, name string, args ...string) (stdout string, err error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("snapshot: %s %s: %w: %s", name, strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

func (r *Registry) sudo(ctx context.Context, args ...string) (string, error) {
	full := append([]string{}, args...)
	r.log.Debug("exec", zap.Strings("sudo", full))
	return r.runner.run(ctx, "sudo", full...)
}

// List enumerates every logical volume in VolumeGroup tagged
// backup-snapshot, returned sorted chronologically (oldest first).
func (r *Registry) List(ctx context.Context) ([]Snapshot, error) {
	out, err := r.sudo(ctx, "lvs", "--noheadings", "--separator", "\t",
		"-o", "vg_name,lv_name",
		"--select", fmt.Sprintf("lv_tags = {%s}", Tag))
	if err != nil {
		return nil, err
	}

	var snaps []Snapshot
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			continue
		}
		snaps = append(snaps, Snapshot{
			VolumeGroup: strings.TrimSpace(fields[0]),
			Name:        strings.TrimSpace(fields[1]),
		})
	}

	// Sort by date, then by the numeric `N` of the `YYYYMMDD-N` name —
	// not by lexical comparison of the whole name, which would sort
	// `-10` before `-2` once a day accumulates 10+ revisions.
	sort.Slice(snaps, func(i, j int) bool {
		di, dj := snaps[i].SnapshotDate(), snaps[j].SnapshotDate()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return revisionSuffix(snaps[i].Name) < revisionSuffix(snaps[j].Name)
	})
	return snaps, nil
}

// revisionSuffix parses the `N` suffix of a `YYYYMMDD-N` snapshot name,
// returning 0 if the name has no parseable revision suffix.
func revisionSuffix(name string) int {
	_, suffix, ok := strings.Cut(name, "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return 0
	}
	return n
}

// Create takes a new read-only snapshot of OriginVolume, probing
// `YYYYMMDD-1` through `YYYYMMDD-99` for the first unused name.
func (r *Registry) Create(ctx context.Context, now time.Time) (Snapshot, error) {
	existing, err := r.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	taken := make(map[string]bool, len(existing))
	for _, s := range existing {
		taken[s.Name] = true
	}

	date := now.Format("20060102")
	var name string
	for n := 1; n <= 99; n++ {
		candidate := fmt.Sprintf("%s-%d", date, n)
		if !taken[candidate] {
			name = candidate
			break
		}
	}
	if name == "" {
		return Snapshot{}, ErrNoFreeName
	}

	_, err = r.sudo(ctx, "lvcreate",
		"--snapshot", fmt.Sprintf("%s/%s", r.VolumeGroup, r.OriginVolume),
		"--name", name,
		"--addtag", Tag,
		"--permission", "r")
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: create %s: %w", name, err)
	}

	return Snapshot{Name: name, VolumeGroup: r.VolumeGroup}, nil
}

// Remove forcibly deletes a snapshot.
func (r *Registry) Remove(ctx context.Context, s Snapshot) error {
	_, err := r.sudo(ctx, "lvremove", "--force", fmt.Sprintf("%s/%s", s.VolumeGroup, s.Name))
	if err != nil {
		return fmt.Errorf("snapshot: remove %s: %w", s.Name, err)
	}
	return nil
}

// Mount activates s (lvchange -ay) and mounts it read-only at point.
func (r *Registry) Mount(ctx context.Context, s Snapshot, point string) error {
	if _, err := r.sudo(ctx, "lvchange", "--activate", "y", fmt.Sprintf("%s/%s", s.VolumeGroup, s.Name)); err != nil {
		return fmt.Errorf("snapshot: activate %s: %w", s.Name, err)
	}
	devicePath := fmt.Sprintf("/dev/%s/%s", s.VolumeGroup, s.Name)
	if _, err := r.sudo(ctx, "mount", "-o", "ro", devicePath, point); err != nil {
		return fmt.Errorf("snapshot: mount %s at %s: %w", s.Name, point, err)
	}
	return nil
}

// Umount unmounts point and deactivates s. Deactivation failure is
// tolerated and logged rather than returned, since the same snapshot
// may legitimately be mounted elsewhere (e.g. a concurrent `archive
// unit` invocation) by the time this runs.
func (r *Registry) Umount(ctx context.Context, s Snapshot, point string) error {
	if _, err := r.sudo(ctx, "umount", point); err != nil {
		return fmt.Errorf("snapshot: umount %s: %w", point, err)
	}
	if _, err := r.sudo(ctx, "lvchange", "--activate", "n", fmt.Sprintf("%s/%s", s.VolumeGroup, s.Name)); err != nil {
		r.log.Warn("deactivate failed, tolerating (may be mounted elsewhere)",
			zap.String("snapshot", s.Name), zap.Error(err))
	}
	return nil
}

// parseSizeField parses an lvs/vgs size field rendered with --units b
// (a byte count with a trailing "B"). Nothing in this package calls it;
// the lvs queries here read percentages only.
func parseSizeField(field string) (int64, error) {
	field = strings.TrimSuffix(strings.TrimSpace(field), "B")
	return strconv.ParseInt(field, 10, 64)
}
