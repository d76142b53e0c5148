package snapshot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
)

// StorageStatus reports space and inode usage for the backup volume's
// mount point, the same two figures the historical `df`-based check
// alerted on.
type StorageStatus struct {
	Path string

	TotalBytes int64
	UsedBytes  int64
	FreeBytes  int64

	TotalInodes int64
	UsedInodes  int64
	FreeInodes  int64
}

// UsedPercent returns byte usage as a fraction in [0, 1].
func (s StorageStatus) UsedPercent() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.TotalBytes)
}

// InodesUsedPercent returns inode usage as a fraction in [0, 1].
func (s StorageStatus) InodesUsedPercent() float64 {
	if s.TotalInodes == 0 {
		return 0
	}
	return float64(s.UsedInodes) / float64(s.TotalInodes)
}

// Df reports the current space and inode usage of the filesystem
// mounted at path, replacing the historical raw statvfs(2) call with the
// teacher's own cross-platform dependency.
func Df(path string) (StorageStatus, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return StorageStatus{}, fmt.Errorf("snapshot: df %s: %w", path, err)
	}
	return StorageStatus{
		Path:        path,
		TotalBytes:  int64(usage.Total),
		UsedBytes:   int64(usage.Used),
		FreeBytes:   int64(usage.Free),
		TotalInodes: int64(usage.InodesTotal),
		UsedInodes:  int64(usage.InodesUsed),
		FreeInodes:  int64(usage.InodesFree),
	}, nil
}

// PoolStatus reports a thin pool's own data/metadata fullness, the figure
// `df` on the mounted filesystem cannot see: a thin-provisioned pool can
// run out of backing space long before any individual volume's filesystem
// reports itself full.
type PoolStatus struct {
	VolumeGroup string
	Pool        string
	DataPercent float64
	MetaPercent float64
}

// PoolStatus queries VolumeGroup/pool's data_percent and metadata_percent
// via `lvs`, the same --select/-o field-query idiom List uses for
// enumerating snapshots.
func (r *Registry) PoolStatus(ctx context.Context, pool string) (PoolStatus, error) {
	out, err := r.sudo(ctx, "lvs", "--noheadings", "--separator", "\t",
		"-o", "data_percent,metadata_percent",
		fmt.Sprintf("%s/%s", r.VolumeGroup, pool))
	if err != nil {
		return PoolStatus{}, fmt.Errorf("snapshot: querying pool usage for %s: %w", pool, err)
	}

	fields := strings.Split(strings.TrimSpace(out), "\t")
	if len(fields) != 2 {
		return PoolStatus{}, fmt.Errorf("snapshot: unexpected lvs output for pool %s: %q", pool, out)
	}
	data, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return PoolStatus{}, fmt.Errorf("snapshot: parsing data_percent for pool %s: %w", pool, err)
	}
	meta, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return PoolStatus{}, fmt.Errorf("snapshot: parsing metadata_percent for pool %s: %w", pool, err)
	}
	return PoolStatus{VolumeGroup: r.VolumeGroup, Pool: pool, DataPercent: data, MetaPercent: meta}, nil
}
