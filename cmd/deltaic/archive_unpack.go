package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cmusatyalab/deltaic/internal/archive/packer"
)

// newArchiveUnpackCmd unpacks one or more previously retrieved archive
// files into a destination tree. It takes no -p/--profile: unpacking is
// purely local, symmetric with Pack, and never talks to a backend.
func newArchiveUnpackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unpack <dest-dir> <file>...",
		Short: "Unpack downloaded archives to the specified directory",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			destDir, files := args[0], args[1:]

			if err := ensureDir(destDir); err != nil {
				return err
			}
			if fi, err := os.Stat(destDir); err != nil || !fi.IsDir() {
				return fmt.Errorf("archive unpack: %s is not a directory", destDir)
			}

			gpg, err := loadGPGOptions(a.cfg)
			if err != nil {
				return err
			}

			for _, file := range files {
				info, err := packer.ReadArchiveInfo(file)
				if err != nil {
					return fmt.Errorf("archive unpack: %s: %w", file, err)
				}
				err = packer.Unpack(ctx, packer.UnpackOptions{
					Input:                 file,
					Info:                  info,
					DestDir:               destDir,
					LzopPath:              binPath(a.cfg.Settings, "lzop"),
					Keyring:               gpg.keyring,
					SigningKeyFingerprint: gpg.signingKeyFP,
				})
				if err != nil {
					return fmt.Errorf("archive unpack: %s: %w", file, err)
				}
			}
			return nil
		},
	}
}
