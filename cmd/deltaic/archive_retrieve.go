package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cmusatyalab/deltaic/internal/archive"
	"github.com/cmusatyalab/deltaic/internal/archive/packer"
)

func newArchiveRetrieveCmd(a *app, profile *string) *cobra.Command {
	var maxRateGiBPerHour float64

	cmd := &cobra.Command{
		Use:   "retrieve <snapshot> <dest-dir> <unit>...",
		Short: "Download offsite archives to the specified directory",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			snap, destDir, units := args[0], args[1], args[2:]

			if err := ensureDir(destDir); err != nil {
				return err
			}
			if fi, err := os.Stat(destDir); err != nil || !fi.IsDir() {
				return fmt.Errorf("archive retrieve: %s is not a directory", destDir)
			}

			backend, err := buildArchiveBackend(ctx, a.cfg, *profile)
			if err != nil {
				return err
			}

			outPaths := make(map[string]string, len(units))
			var requests []archive.ArchiveRequest
			failed := false
			for _, unit := range units {
				outPath := filepath.Join(destDir, fmt.Sprintf("%s:%s", snap, strings.ReplaceAll(unit, "/", "-")))
				if _, err := os.Stat(outPath); err == nil {
					fmt.Fprintf(os.Stderr, "%s: output file already exists\n", unit)
					failed = true
					continue
				}
				outPaths[unit] = outPath
				requests = append(requests, archive.ArchiveRequest{Unit: unit, LocalPath: outPath})
			}

			var maxRate int64
			if maxRateGiBPerHour > 0 {
				maxRate = int64(maxRateGiBPerHour * (1 << 30))
			}

			if len(requests) > 0 {
				results, err := backend.DownloadArchives(ctx, snap, requests, maxRate)
				if err != nil {
					return err
				}
				for result := range results {
					if result.Err != nil {
						fmt.Fprintf(os.Stderr, "%s: %v\n", result.Unit, result.Err)
						failed = true
						continue
					}
					info := packer.ArchiveInfo{
						Compression: result.Metadata.Compression,
						Encryption:  result.Metadata.Encryption,
						SHA256:      result.Metadata.SHA256,
						Size:        result.Metadata.Size,
					}
					if err := info.WriteXattrs(outPaths[result.Unit]); err != nil {
						fmt.Fprintf(os.Stderr, "%s: %v\n", result.Unit, err)
						failed = true
						continue
					}
					fmt.Println(result.Unit)
				}
			}

			if failed {
				return fmt.Errorf("archive retrieve: one or more units failed")
			}
			return nil
		},
	}

	cmd.Flags().Float64VarP(&maxRateGiBPerHour, "max-rate", "r", 0, "maximum retrieval rate in GiB/hour")
	return cmd
}
