package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmusatyalab/deltaic/internal/archive"
	"github.com/cmusatyalab/deltaic/internal/archive/packer"
	"github.com/cmusatyalab/deltaic/internal/config"
)

// newArchiveUnitCmd is the low-level `archive unit` subcommand: pack one
// unit's mirror tree and upload it, exactly the granularity the original
// re-invoked itself at per archive_snapshot's subprocess-based task.
func newArchiveUnitCmd(a *app, profile *string) *cobra.Command {
	return &cobra.Command{
		Use:    "unit <snapshot> <mountpoint> <unit>",
		Short:  "Pack and upload a single offsite archive (internal)",
		Hidden: true,
		Args:   cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, mountpoint, unit := args[0], args[1], args[2]
			return archiveUnit(cmd.Context(), a, *profile, snap, mountpoint, unit)
		},
	}
}

// archiveUnit packs unit's tree under mountpoint into a spool file, then
// uploads it as snap/unit via the configured backend. Mirrors the
// original's archive_unit(): resolve compression, pack into a temp file
// in the spool directory, store, and let the deferred cleanup remove the
// spool file whether or not the upload succeeded.
func archiveUnit(ctx context.Context, a *app, profileName, snap, mountpoint, unit string) error {
	backend, err := buildArchiveBackend(ctx, a.cfg, profileName)
	if err != nil {
		return err
	}

	gpg, err := loadGPGOptions(a.cfg)
	if err != nil {
		return err
	}

	spoolDir := a.cfg.Settings.ArchiveSpool
	if err := ensureDir(spoolDir); err != nil {
		return err
	}
	spool, err := os.CreateTemp(spoolDir, "archive-")
	if err != nil {
		return fmt.Errorf("archive unit: creating spool file: %w", err)
	}
	spoolPath := spool.Name()
	spool.Close()
	defer os.Remove(spoolPath)

	opts := packer.PackOptions{
		SnapshotName: snap,
		UnitName:     unit,
		SourceDir:    filepath.Join(mountpoint, unit),
		Compression:  resolveCompression(a.cfg, profileName, unit),
		LzopPath:     binPath(a.cfg.Settings, "lzop"),
		Output:       spoolPath,
		Signer:       gpg.signer,
		Recipients:   gpg.recipients,
	}
	info, err := packer.Pack(ctx, opts)
	if err != nil {
		return fmt.Errorf("archive unit: packing %s: %w", unit, err)
	}
	if err := info.WriteXattrs(spoolPath); err != nil {
		return fmt.Errorf("archive unit: writing xattrs on %s: %w", spoolPath, err)
	}

	metadata := archive.FromPackerInfo(info, time.Now())
	if err := backend.UploadArchive(ctx, snap, unit, metadata, spoolPath); err != nil {
		return fmt.Errorf("archive unit: uploading %s/%s: %w", snap, unit, err)
	}
	return nil
}

// resolveCompression honors a per-unit override nested under the
// archiver profile (keyed by the unit's own name, the way the original's
// manifest.get(unit_name, {}) did), falling back to the profile's own
// compression setting and then to gzip.
func resolveCompression(cfg *config.Config, profileName, unit string) string {
	profile := cfg.Archivers[profileName]
	if sub, ok := profile.Extra[unit].(map[string]any); ok {
		if c, ok := sub["compression"].(string); ok && c != "" {
			return c
		}
	}
	if profile.Compression != "" {
		return profile.Compression
	}
	return packer.CompressionGzip
}
