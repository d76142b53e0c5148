package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cmusatyalab/deltaic/internal/snapshot"
)

func snapshotRegistry(a *app) (*snapshot.Registry, error) {
	vg, lv, err := backupLVParts(a.cfg.Settings.BackupLV)
	if err != nil {
		return nil, err
	}
	return snapshot.NewRegistry(vg, lv, a.log), nil
}

func newLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List existing snapshots, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := snapshotRegistry(a)
			if err != nil {
				return err
			}
			snaps, err := reg.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range snaps {
				fmt.Println(s.Name)
			}
			return nil
		},
	}
}

// snapshotMountPoint is where `mount`/`umount`/`archive unit` expect a
// snapshot's logical volume to be mounted: <root>/Snapshots/<name>.
func snapshotMountPoint(root, name string) string {
	return filepath.Join(root, "Snapshots", name)
}

func newMountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mount <snapshot>...",
		Short: "Activate and mount one or more snapshots read-only",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := snapshotRegistry(a)
			if err != nil {
				return err
			}
			for _, name := range args {
				point := snapshotMountPoint(a.cfg.Settings.Root, name)
				if err := ensureDir(point); err != nil {
					return err
				}
				s := snapshot.Snapshot{Name: name, VolumeGroup: reg.VolumeGroup}
				if err := reg.Mount(cmd.Context(), s, point); err != nil {
					return err
				}
				fmt.Printf("mounted %s at %s\n", name, point)
			}
			return nil
		},
	}
}

func newUmountCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "umount [snapshot...]",
		Short: "Unmount and deactivate snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := snapshotRegistry(a)
			if err != nil {
				return err
			}

			names := args
			if all {
				snaps, err := reg.List(cmd.Context())
				if err != nil {
					return err
				}
				names = nil
				for _, s := range snaps {
					names = append(names, s.Name)
				}
			}
			if len(names) == 0 {
				return fmt.Errorf("umount: specify a snapshot name or --all")
			}

			for _, name := range names {
				point := snapshotMountPoint(a.cfg.Settings.Root, name)
				s := snapshot.Snapshot{Name: name, VolumeGroup: reg.VolumeGroup}
				if err := reg.Umount(cmd.Context(), s, point); err != nil {
					return err
				}
				fmt.Printf("unmounted %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "unmount every existing snapshot")
	return cmd
}
