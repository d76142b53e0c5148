package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cmusatyalab/deltaic/internal/archive"
	"github.com/cmusatyalab/deltaic/internal/lock"
	"github.com/cmusatyalab/deltaic/internal/snapshot"
)

func newArchiveRunCmd(a *app, profile *string) *cobra.Command {
	var resume bool

	cmd := &cobra.Command{
		Use:   "run [snapshot]",
		Short: "Create and upload an offsite archive for every unit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			// runID ties every log line this invocation emits back to one
			// `archive run`, matching the correlation ID `run` itself
			// attaches to its own logger.
			runID := uuid.New().String()
			log := a.log.With(zap.String("run_id", runID))

			var explicit string
			if len(args) == 1 {
				explicit = args[0]
			}
			if explicit != "" && resume {
				return fmt.Errorf("archive run: cannot specify a snapshot with --resume")
			}

			l, err := lock.Acquire(a.cfg.Settings.Root, "archive")
			if err != nil {
				return err
			}
			defer l.Close()

			backend, err := buildArchiveBackend(ctx, a.cfg, *profile)
			if err != nil {
				return err
			}
			snapReg, err := snapshotRegistry(a)
			if err != nil {
				return err
			}

			snap, err := resolveRunTarget(ctx, snapReg, backend, explicit, resume)
			if err != nil {
				return err
			}
			fmt.Printf("Archiving snapshot %s\n", snap.Name)

			ok, err := archiveSnapshot(ctx, a, log, *profile, backend, snapReg, snap)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(os.Stderr, "Archiving failed for some units. Not marking archive set complete.")
				fmt.Fprintf(os.Stderr, "Use \"deltaic archive run --resume\" to resume.\n")
				return fmt.Errorf("archive run: one or more units failed")
			}
			return backend.CompleteSet(ctx, snap.Name)
		},
	}

	cmd.Flags().BoolVarP(&resume, "resume", "r", false, "resume the most recent incomplete archive run")
	return cmd
}

// resolveRunTarget picks the physical snapshot `archive run` should
// archive: an explicitly named one, the snapshot behind the most recent
// incomplete set (--resume), or otherwise the most recent physical
// snapshot — the same three cases the original's cmd_run handled.
func resolveRunTarget(ctx context.Context, snapReg *snapshot.Registry, backend archive.Backend, explicit string, resume bool) (snapshot.Snapshot, error) {
	snaps, err := snapReg.List(ctx)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	if len(snaps) == 0 {
		return snapshot.Snapshot{}, fmt.Errorf("archive run: no snapshots exist")
	}

	if explicit != "" {
		for _, s := range snaps {
			if s.Name == explicit {
				return s, nil
			}
		}
		return snapshot.Snapshot{}, fmt.Errorf("archive run: no such snapshot %q", explicit)
	}

	if resume {
		sets, err := backend.ListSets(ctx)
		if err != nil {
			return snapshot.Snapshot{}, err
		}
		names := sortedSetNames(sets)
		if len(names) == 0 {
			return snapshot.Snapshot{}, fmt.Errorf("archive run: no archive sets exist to resume")
		}
		last := names[len(names)-1]
		if sets[last].Complete {
			return snapshot.Snapshot{}, fmt.Errorf("archive run: %s is already completely archived", last)
		}
		for _, s := range snaps {
			if s.Name == last {
				return s, nil
			}
		}
		return snapshot.Snapshot{}, fmt.Errorf("archive run: archive set %s has no corresponding snapshot", last)
	}

	return snaps[len(snaps)-1], nil
}

// archiveSnapshot mounts snap, finds every unit present in the mirror but
// not yet archived in this set, and archives each one through a bounded
// worker pool, mirroring archive_snapshot's mount/enumerate/_ArchiveTask
// sequence.
func archiveSnapshot(ctx context.Context, a *app, log *zap.Logger, profileName string, backend archive.Backend, snapReg *snapshot.Registry, snap snapshot.Snapshot) (bool, error) {
	mountpoint, err := os.MkdirTemp(a.cfg.Settings.ArchiveSpool, "snapshot-")
	if err != nil {
		return false, fmt.Errorf("archive run: creating mount point: %w", err)
	}
	defer os.Remove(mountpoint)

	if err := snapReg.Mount(ctx, snap, mountpoint); err != nil {
		return false, err
	}
	defer func() {
		if err := snapReg.Umount(ctx, snap, mountpoint); err != nil {
			log.Warn("archive run: unmount failed", zap.String("snapshot", snap.Name), zap.Error(err))
		}
	}()

	archived, err := backend.ListSetArchives(ctx, snap.Name)
	if err != nil {
		return false, err
	}

	sourceReg, err := buildSourceRegistry(a.cfg)
	if err != nil {
		return false, err
	}

	var pending []string
	for _, label := range sortedLabels(sourceReg) {
		src, _ := sourceReg.Lookup(label)
		units, err := src.Units()
		if err != nil {
			return false, fmt.Errorf("archive run: listing %s units: %w", label, err)
		}
		for _, u := range units {
			composite := label + "/" + u.Name()
			if _, done := archived[composite]; done {
				continue
			}
			if _, err := os.Stat(filepath.Join(mountpoint, label, u.Name())); err != nil {
				continue
			}
			pending = append(pending, composite)
		}
	}
	if len(pending) == 0 {
		return true, nil
	}
	sort.Strings(pending)

	workers := 8
	if p, ok := a.cfg.Archivers[profileName]; ok && p.Workers > 0 {
		workers = p.Workers
	}
	return runArchiveUnits(ctx, a, log, profileName, snap.Name, mountpoint, pending, workers), nil
}

// runArchiveUnits archives every unit in pending through a fixed-size
// worker pool, logging each failure, and reports whether all succeeded.
func runArchiveUnits(ctx context.Context, a *app, log *zap.Logger, profileName, snapName, mountpoint string, pending []string, workers int) bool {
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan string)
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := true

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := range jobs {
				if err := archiveUnit(ctx, a, profileName, snapName, mountpoint, unit); err != nil {
					log.Error("archive unit failed", zap.String("unit", unit), zap.Error(err))
					fmt.Fprintf(os.Stderr, "%s: %v\n", unit, err)
					mu.Lock()
					ok = false
					mu.Unlock()
					continue
				}
				fmt.Println(unit)
			}
		}()
	}
	for _, unit := range pending {
		jobs <- unit
	}
	close(jobs)
	wg.Wait()
	return ok
}
