package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cmusatyalab/deltaic/internal/archive"
	"github.com/cmusatyalab/deltaic/internal/config"
	"github.com/cmusatyalab/deltaic/internal/lock"
)

// newArchiveCmd builds the `archive` subcommand group: offsite archiving
// of completed snapshots, selecting an archiver profile via -p/--profile
// the same way the original's `archive` subcommand group did.
func newArchiveCmd(a *app) *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Offsite archiving of completed snapshots",
	}
	cmd.PersistentFlags().StringVarP(&profile, "profile", "p", "default", "archiver profile (settings.archivers key)")

	cmd.AddCommand(
		newArchiveRunCmd(a, &profile),
		newArchiveLsCmd(a, &profile),
		newArchiveRetrieveCmd(a, &profile),
		newArchiveUnpackCmd(a),
		newArchivePruneCmd(a, &profile),
		newArchiveResyncCmd(a, &profile),
		newArchiveCostCmd(a, &profile),
		newArchiveUnitCmd(a, &profile),
	)
	return cmd
}

func newArchiveCostCmd(a *app, profile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cost",
		Short: "Report a storage/retrieval cost estimate",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := buildArchiveBackend(cmd.Context(), a.cfg, *profile)
			if err != nil {
				return err
			}
			report, err := backend.ReportCost(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(report)
			return nil
		},
	}
}

func newArchiveResyncCmd(a *app, profile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Cross-check backend inventory against the metadata store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			l, err := lock.Acquire(a.cfg.Settings.Root, "archive")
			if err != nil {
				return err
			}
			defer l.Close()

			backend, err := buildArchiveBackend(ctx, a.cfg, *profile)
			if err != nil {
				return err
			}
			return backend.Resync(ctx)
		},
	}
}

func newArchivePruneCmd(a *app, profile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete incomplete and over-retained archive sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			l, err := lock.Acquire(a.cfg.Settings.Root, "archive")
			if err != nil {
				return err
			}
			defer l.Close()

			backend, err := buildArchiveBackend(ctx, a.cfg, *profile)
			if err != nil {
				return err
			}
			keepCount := archiverProfileKeepCount(a.cfg, *profile)
			return pruneArchiveSets(ctx, backend, keepCount)
		},
	}
}

// pruneArchiveSets deletes every incomplete set but the most recent, and
// every complete set beyond the most recent keepCount, skipping any set
// the backend reports Protected — the same three rules the original's
// module-level prune() function applies in order.
func pruneArchiveSets(ctx context.Context, backend archive.Backend, keepCount int) error {
	sets, err := backend.ListSets(ctx)
	if err != nil {
		return err
	}
	names := sortedSetNames(sets)
	if len(names) == 0 {
		return nil
	}

	toDelete := map[string]bool{}
	for _, name := range names[:len(names)-1] {
		if !sets[name].Complete {
			toDelete[name] = true
		}
	}

	var completeNames []string
	for _, name := range names {
		if sets[name].Complete {
			completeNames = append(completeNames, name)
		}
	}
	if keepCount < 0 {
		keepCount = 0
	}
	if len(completeNames) > keepCount {
		for _, name := range completeNames[:len(completeNames)-keepCount] {
			toDelete[name] = true
		}
	}

	for name := range toDelete {
		if sets[name].Protected {
			continue
		}
		label := "archive set"
		if !sets[name].Complete {
			label = "incomplete archive set"
		}
		fmt.Printf("Pruning %s %s\n", label, name)
		if err := backend.DeleteSet(ctx, name); err != nil {
			return fmt.Errorf("archive prune: deleting %s: %w", name, err)
		}
	}
	return nil
}

func archiverProfileKeepCount(cfg *config.Config, name string) int {
	profile, ok := cfg.Archivers[name]
	if !ok || profile.KeepCount <= 0 {
		return 1
	}
	return profile.KeepCount
}

// sortedSetNames returns sets' keys in chronological order for
// `YYYYMMDD-N` snapshot-derived set names: by date, then by the numeric
// `N`, so `-10` sorts after `-2`.
func sortedSetNames(sets map[string]archive.SetInfo) []string {
	names := make([]string, 0, len(sets))
	for name := range sets {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := names[i], names[j]
		ai, bi := strings.LastIndexByte(a, '-'), strings.LastIndexByte(b, '-')
		if ai < 0 || bi < 0 || a[:ai] != b[:bi] {
			return a < b
		}
		an, aerr := strconv.Atoi(a[ai+1:])
		bn, berr := strconv.Atoi(b[bi+1:])
		if aerr != nil || berr != nil {
			return a < b
		}
		return an < bn
	})
	return names
}
