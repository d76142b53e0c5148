package main

import (
	"context"
	"fmt"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"golang.org/x/oauth2"

	"github.com/cmusatyalab/deltaic/internal/archive"
	"github.com/cmusatyalab/deltaic/internal/archive/awsbackend"
	"github.com/cmusatyalab/deltaic/internal/archive/googledrive"
	"github.com/cmusatyalab/deltaic/internal/archive/local"
	"github.com/cmusatyalab/deltaic/internal/config"
)

// buildArchiveBackend resolves the named entry under `archivers:` to a
// concrete archive.Backend, dispatching on its `archiver:` key the way
// the Python original's ARCHIVERS registry dispatched on an `archiver`
// config value to a backend class.
func buildArchiveBackend(ctx context.Context, cfg *config.Config, name string) (archive.Backend, error) {
	profile, ok := cfg.Archivers[name]
	if !ok {
		return nil, fmt.Errorf("no archivers entry named %q", name)
	}

	switch profile.Archiver {
	case "local":
		dsn := config.StringExtra(profile.Extra, "dsn", "")
		blobDir := config.StringExtra(profile.Extra, "blob-dir", "")
		if dsn == "" {
			dsn = filepath.Join(cfg.Settings.Root, "Archive", name, "ledger.db")
		}
		if blobDir == "" {
			blobDir = filepath.Join(cfg.Settings.Root, "Archive", name, "blobs")
		}
		return local.Open(local.Config{DSN: dsn, BlobDir: blobDir})

	case "aws":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading aws config for archiver %q: %w", name, err)
		}
		if region := config.StringExtra(profile.Extra, "region", ""); region != "" {
			awsCfg.Region = region
		}
		ddbClient := dynamodb.NewFromConfig(awsCfg)
		glacierClient := glacier.NewFromConfig(awsCfg)
		return awsbackend.Open(ddbClient, glacierClient, awsbackend.Config{
			TableName:         config.StringExtra(profile.Extra, "table-name", name),
			VaultName:         config.StringExtra(profile.Extra, "vault-name", name),
			StorageCostPerGB:  config.FloatExtra(profile.Extra, "storage-cost-per-gb", 0),
			UploadPartSizeMiB: int64(config.FloatExtra(profile.Extra, "upload-part-size-mib", 0)),
		}), nil

	case "googledrive":
		oauthCfg := &oauth2.Config{
			ClientID:     config.StringExtra(profile.Extra, "client-id", ""),
			ClientSecret: config.StringExtra(profile.Extra, "client-secret", ""),
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.google.com/o/oauth2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
		}
		refreshToken := config.StringExtra(profile.Extra, "refresh-token", "")
		return googledrive.Open(googledrive.Config{
			TokenSource:      oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}),
			RootFolderID:     config.StringExtra(profile.Extra, "root-folder-id", ""),
			StorageCostPerGB: config.FloatExtra(profile.Extra, "storage-cost-per-gb", 0),
		}), nil

	default:
		return nil, fmt.Errorf("archivers entry %q: unknown archiver %q", name, profile.Archiver)
	}
}
