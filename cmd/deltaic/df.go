package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cmusatyalab/deltaic/internal/snapshot"
)

// dfThresholdPercent is the free-space/inode/pool threshold below which
// `df -c` exits 1, matching the historical nagios-style check's default.
const dfThresholdPercent = 5.0

func newDfCmd(a *app) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "df",
		Short: "Report backup volume space, inodes, and LVM pool usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := snapshot.Df(a.cfg.Settings.Root)
			if err != nil {
				return err
			}
			spaceFree := (1 - status.UsedPercent()) * 100
			inodesFree := (1 - status.InodesUsedPercent()) * 100
			fmt.Printf("%s: %.1f%% space free (%d/%d bytes), %.1f%% inodes free (%d/%d)\n",
				status.Path, spaceFree, status.FreeBytes, status.TotalBytes,
				inodesFree, status.FreeInodes, status.TotalInodes)

			below := spaceFree < dfThresholdPercent || inodesFree < dfThresholdPercent

			vg, lv, err := backupLVParts(a.cfg.Settings.BackupLV)
			if err != nil {
				return err
			}
			reg := snapshot.NewRegistry(vg, lv, a.log)
			pool, err := reg.PoolStatus(cmd.Context(), lv)
			if err != nil {
				return err
			}
			fmt.Printf("%s/%s: %.1f%% data used, %.1f%% metadata used\n",
				pool.VolumeGroup, pool.Pool, pool.DataPercent, pool.MetaPercent)
			if 100-pool.DataPercent < dfThresholdPercent || 100-pool.MetaPercent < dfThresholdPercent {
				below = true
			}

			if check && below {
				return fmt.Errorf("df: at least one metric is below the %.0f%% threshold", dfThresholdPercent)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&check, "check", "c", false, "exit 1 if any metric is below the threshold")
	return cmd
}
