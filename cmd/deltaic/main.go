// Command deltaic is the top-level orchestrator binary: it drives
// snapshot creation, per-source mirroring, archival, and retrieval, and
// re-invokes itself as a child process per backup unit (see run-unit)
// so that a crash in one reconciler can never take down the scheduler
// or a sibling unit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cmusatyalab/deltaic/internal/config"
	"github.com/cmusatyalab/deltaic/internal/logging"
)

// globalFlags holds the persistent flags every subcommand shares.
type globalFlags struct {
	configPath string
	verbose    bool
}

// app bundles the config and logger every subcommand's RunE needs, built
// once in the root command's PersistentPreRunE.
type app struct {
	flags *globalFlags
	cfg   *config.Config
	log   *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	a := &app{flags: flags}

	root := &cobra.Command{
		Use:   "deltaic",
		Short: "Deltaic pull-based backup system",
		Long: `Deltaic mirrors remote sources onto a local snapshot volume, retains a
date-tiered history of snapshots, and archives completed snapshots to
cold storage (local, AWS Glacier, or Google Drive).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.Build(flags.verbose)
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			a.log = log

			// mkconf needs only the current user and its own executable
			// path, not a parsed config file.
			if cmd.Name() == "mkconf" {
				return nil
			}
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.log != nil {
				a.log.Sync() //nolint:errcheck
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config-file", "c", config.DefaultPath(), "path to config.yaml")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newRunCmd(a),
		newPruneCmd(a),
		newDfCmd(a),
		newLsCmd(a),
		newMountCmd(a),
		newUmountCmd(a),
		newRunUnitCmd(a),
		newArchiveCmd(a),
		newMkconfCmd(a),
		newRsyncCmd(a),
		newCodaCmd(a),
		newRBDCmd(a),
		newRGWCmd(a),
		newGitHubCmd(a),
	)

	return root
}

// signalContext wraps ctx with SIGINT/SIGTERM cancellation, the same
// graceful-shutdown idiom the teacher's agent main.go uses.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// backupLVParts splits the `<volume-group>/<logical-volume>` BackupLV
// setting into its two components.
func backupLVParts(backupLV string) (vg, lv string, err error) {
	for i := 0; i < len(backupLV); i++ {
		if backupLV[i] == '/' {
			return backupLV[:i], backupLV[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("settings.backup-lv %q must be <volume-group>/<logical-volume>", backupLV)
}
