package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cmusatyalab/deltaic/internal/archive"
)

func newArchiveLsCmd(a *app, profile *string) *cobra.Command {
	var setsOnly bool

	cmd := &cobra.Command{
		Use:   "ls [set]",
		Short: "List archive sets, or the archives within one set",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter string
			if len(args) == 1 {
				filter = args[0]
			}

			backend, err := buildArchiveBackend(cmd.Context(), a.cfg, *profile)
			if err != nil {
				return err
			}
			sets, err := backend.ListSets(cmd.Context())
			if err != nil {
				return err
			}

			for _, name := range sortedSetNames(sets) {
				if filter != "" && filter != name {
					continue
				}
				info := sets[name]
				if setsOnly {
					status := "incomplete"
					if info.Complete {
						status = "  complete"
					}
					protected := ""
					if info.Protected {
						protected = "protected"
					}
					fmt.Printf("%s %5d %10s  %s %s\n", name, info.Count, humanizeSize(info.Size), status, protected)
					continue
				}

				archives, err := backend.ListSetArchives(cmd.Context(), name)
				if err != nil {
					return err
				}
				for _, unit := range sortedArchiveUnits(archives) {
					fmt.Printf("%s %10s %s\n", name, humanizeSize(archives[unit].Size), unit)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&setsOnly, "sets", "s", false, "list sets only, not their individual archives")
	return cmd
}

func sortedArchiveUnits(archives map[string]archive.ArchiveMetadata) []string {
	units := make([]string, 0, len(archives))
	for u := range archives {
		units = append(units, u)
	}
	sort.Strings(units)
	return units
}
