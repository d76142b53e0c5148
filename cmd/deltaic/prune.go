package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cmusatyalab/deltaic/internal/retention"
)

func newPruneCmd(a *app) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Apply snapshot retention and bound per-unit log history",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := snapshotRegistry(a)
			if err != nil {
				return err
			}
			snaps, err := reg.List(cmd.Context())
			if err != nil {
				return err
			}

			drop := retention.Plan(snaps, retention.DefaultPolicy(), time.Now())
			for _, s := range drop {
				if dryRun {
					fmt.Printf("would remove %s\n", s.Name)
					continue
				}
				if err := reg.Remove(cmd.Context(), s); err != nil {
					a.log.Error("removing snapshot failed", zap.String("snapshot", s.Name), zap.Error(err))
					continue
				}
				fmt.Printf("removed %s\n", s.Name)
			}

			if err := pruneLogs(filepath.Join(a.cfg.Settings.Root, "Logs"), a.cfg.Settings.PruneLogDays, dryRun); err != nil {
				a.log.Error("log pruning failed", zap.Error(err))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "report what would be removed without removing it")
	return cmd
}

// pruneLogs walks logRoot/<source>/<unit>/*.{out,err}, keeping only the
// keepDays most recent distinct calendar days' worth of files per unit
// directory (filenames are YYYYMMDD.out / YYYYMMDD.err, written by
// source.Pool.runOne).
func pruneLogs(logRoot string, keepDays int, dryRun bool) error {
	if keepDays <= 0 {
		keepDays = 60
	}

	sourceDirs, err := os.ReadDir(logRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("prune: reading %s: %w", logRoot, err)
	}

	for _, sourceDir := range sourceDirs {
		if !sourceDir.IsDir() {
			continue
		}
		sourcePath := filepath.Join(logRoot, sourceDir.Name())
		unitDirs, err := os.ReadDir(sourcePath)
		if err != nil {
			return fmt.Errorf("prune: reading %s: %w", sourcePath, err)
		}
		for _, unitDir := range unitDirs {
			if !unitDir.IsDir() {
				continue
			}
			if err := pruneUnitLogDir(filepath.Join(sourcePath, unitDir.Name()), keepDays, dryRun); err != nil {
				return err
			}
		}
	}
	return nil
}

func pruneUnitLogDir(dir string, keepDays int, dryRun bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("prune: reading %s: %w", dir, err)
	}

	days := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		if dot := strings.LastIndex(name, "."); dot > 0 {
			days[name[:dot]] = true
		}
	}
	if len(days) <= keepDays {
		return nil
	}

	sorted := make([]string, 0, len(days))
	for d := range days {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)

	cut := sorted[:len(sorted)-keepDays]
	cutSet := map[string]bool{}
	for _, d := range cut {
		cutSet[d] = true
	}

	for _, e := range entries {
		name := e.Name()
		dot := strings.LastIndex(name, ".")
		if dot <= 0 || !cutSet[name[:dot]] {
			continue
		}
		path := filepath.Join(dir, name)
		if dryRun {
			fmt.Printf("would remove %s\n", path)
			continue
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("prune: removing %s: %w", path, err)
		}
	}
	return nil
}
