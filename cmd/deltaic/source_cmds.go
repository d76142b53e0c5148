package main

import (
	"github.com/spf13/cobra"
)

// newSourceBackupGroup builds the `<label> backup <unit> [--scrub]`
// convenience subcommand group every reconciler gets: a manual
// single-unit invocation that takes the same per-unit lock runUnitBackup
// always takes, for an operator who wants to back up one unit by hand
// without waiting for the next scheduled `run`.
func newSourceBackupGroup(a *app, label, short string) *cobra.Command {
	var scrub bool

	group := &cobra.Command{
		Use:   label,
		Short: short,
	}
	backup := &cobra.Command{
		Use:   "backup <unit>",
		Short: "Back up a single unit of this source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnitBackup(cmd.Context(), a, label, args[0], scrub)
		},
	}
	backup.Flags().BoolVar(&scrub, "scrub", false, "run the unit's consistency-check pass")
	group.AddCommand(backup)
	return group
}

func newRsyncCmd(a *app) *cobra.Command {
	return newSourceBackupGroup(a, "rsync", "Mirror rsync-accessible hosts")
}

func newCodaCmd(a *app) *cobra.Command {
	return newSourceBackupGroup(a, "coda", "Mirror Coda volumes")
}

func newRBDCmd(a *app) *cobra.Command {
	return newSourceBackupGroup(a, "rbd", "Mirror RBD images via incremental export-diff")
}

func newRGWCmd(a *app) *cobra.Command {
	return newSourceBackupGroup(a, "rgw", "Mirror RGW/S3 buckets")
}
