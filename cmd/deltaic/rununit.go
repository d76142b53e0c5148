package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cmusatyalab/deltaic/internal/lock"
)

// newRunUnitCmd is the internal subcommand source.Pool.runOne re-invokes
// the binary as, once per unit, so one reconciler's panic or crash can
// never take the scheduler or a sibling unit down with it.
func newRunUnitCmd(a *app) *cobra.Command {
	var scrub bool

	cmd := &cobra.Command{
		Use:    "run-unit <source> <unit>",
		Short:  "Run a single backup unit (internal; invoked by the scheduler)",
		Hidden: true,
		Args:   cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnitBackup(cmd.Context(), a, args[0], args[1], scrub)
		},
	}

	cmd.Flags().BoolVar(&scrub, "scrub", false, "run the unit's consistency-check pass")
	return cmd
}

// runUnitBackup resolves sourceLabel/unitName, acquires its per-unit
// lock, and runs one reconcile pass into its mirror tree. Shared by
// run-unit and each per-source `<label> backup` convenience subcommand,
// so a manual one-off invocation takes the same lock the scheduler would.
func runUnitBackup(ctx context.Context, a *app, sourceLabel, unitName string, scrub bool) error {
	reg, err := buildSourceRegistry(a.cfg)
	if err != nil {
		return err
	}
	unit, err := lookupUnit(reg, sourceLabel, unitName)
	if err != nil {
		return err
	}

	root := filepath.Join(a.cfg.Settings.Root, sourceLabel, unitName)
	if err := ensureDir(root); err != nil {
		return err
	}

	l, err := lock.Acquire(a.cfg.Settings.Root, fmt.Sprintf("%s-%s", sourceLabel, unitName))
	if err != nil {
		return err
	}
	defer l.Close()

	return unit.Backup(ctx, root, scrub)
}
