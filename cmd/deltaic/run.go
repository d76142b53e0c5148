package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cmusatyalab/deltaic/internal/lock"
	"github.com/cmusatyalab/deltaic/internal/metrics"
	"github.com/cmusatyalab/deltaic/internal/notify"
	"github.com/cmusatyalab/deltaic/internal/snapshot"
	"github.com/cmusatyalab/deltaic/internal/source"
)

func newRunCmd(a *app) *cobra.Command {
	var noSnapshot bool
	var scrub bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Mirror every configured source and take a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			// runID ties every log line this invocation emits (including
			// the per-unit child processes' own banners) back to one
			// `run`, so a multi-unit failure can be grepped back together.
			runID := uuid.New().String()
			log := a.log.With(zap.String("run_id", runID))

			go func() {
				if err := metrics.Serve(ctx, a.cfg.Settings.MetricsAddr, log); err != nil {
					log.Warn("metrics endpoint stopped", zap.Error(err))
				}
			}()

			l, err := lock.Acquire(a.cfg.Settings.Root, "run")
			if err != nil {
				return err
			}
			defer l.Close()

			reg, err := buildSourceRegistry(a.cfg)
			if err != nil {
				return err
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolving own executable path: %w", err)
			}

			// Every source's pool is started before any is waited on, so a
			// slow source (e.g. a large rsync host) never serializes the
			// others: the outer fan-out is concurrent, the same shape as
			// the original's run_tasks() starting every source first and
			// joining them afterward.
			var wg sync.WaitGroup
			resultsCh := make(chan []source.UnitResult, len(reg.Labels()))
			for _, label := range sortedLabels(reg) {
				src, _ := reg.Lookup(label)
				units, err := src.Units()
				if err != nil {
					log.Error("listing units failed", zap.String("source", label), zap.Error(err))
					continue
				}
				if len(units) == 0 {
					continue
				}
				workers := a.cfg.Settings.WorkerCount(label, 4)
				logRoot := filepath.Join(a.cfg.Settings.Root, "Logs", label)
				pool := source.NewPool(label, workers, logRoot, exe, a.flags.configPath, a.flags.verbose, log)

				wg.Add(1)
				go func(label string, units []source.Unit) {
					defer wg.Done()
					res := pool.Run(ctx, units, scrub)
					for _, r := range res {
						metrics.ObserveUnit(label, r.Err)
					}
					resultsCh <- res
				}(label, units)
			}
			wg.Wait()
			close(resultsCh)

			var results []source.UnitResult
			for res := range resultsCh {
				results = append(results, res...)
			}

			var failed []source.UnitResult
			for _, r := range results {
				if r.Err != nil {
					failed = append(failed, r)
				}
			}

			if !noSnapshot {
				vg, lv, err := backupLVParts(a.cfg.Settings.BackupLV)
				if err != nil {
					return err
				}
				snapReg := snapshot.NewRegistry(vg, lv, log)
				snap, err := snapReg.Create(ctx, time.Now())
				if err != nil {
					log.Error("snapshot creation failed", zap.Error(err))
					failed = append(failed, source.UnitResult{SourceLabel: "snapshot", UnitName: lv, Err: err})
				} else {
					log.Info("snapshot created", zap.String("name", snap.Name))
					metrics.ObserveSnapshot(time.Now())
				}
			}

			report := buildRunReport(failed)
			if err := notify.New(a.cfg.Settings.Notify).Send(ctx, report); err != nil {
				log.Warn("notification delivery failed", zap.Error(err))
			}

			for _, r := range failed {
				fmt.Fprint(os.Stderr, source.FormatFailureBlock(r))
			}
			if len(failed) > 0 {
				return fmt.Errorf("run: %d unit(s) failed", len(failed))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noSnapshot, "no-snapshot", false, "skip taking a snapshot after mirroring")
	cmd.Flags().BoolVar(&scrub, "scrub", false, "force each source's consistency-check pass")
	return cmd
}

func buildRunReport(failed []source.UnitResult) notify.Report {
	if len(failed) == 0 {
		return notify.Report{Subject: "deltaic run ok", Body: "all units succeeded"}
	}
	var b strings.Builder
	for _, r := range failed {
		b.WriteString(source.FormatFailureBlock(r))
	}
	return notify.Report{
		Subject: fmt.Sprintf("deltaic run: %d unit(s) failed", len(failed)),
		Body:    b.String(),
		Failed:  len(failed),
	}
}

// sortedLabels returns reg's source labels in a fixed, readable order
// rather than Go's randomized map iteration, so run logs and output are
// stable across invocations.
func sortedLabels(reg interface{ Labels() []string }) []string {
	labels := reg.Labels()
	order := []string{"rsync", "coda", "rbd", "rgw", "github"}
	var sorted []string
	seen := map[string]bool{}
	for _, want := range order {
		for _, l := range labels {
			if l == want {
				sorted = append(sorted, l)
				seen[l] = true
			}
		}
	}
	for _, l := range labels {
		if !seen[l] {
			sorted = append(sorted, l)
		}
	}
	return sorted
}
