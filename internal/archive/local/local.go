// Package local implements the "local" archive backend: a self-contained
// filesystem-plus-sqlite profile useful for small deployments and for
// exercising the archive.Backend CRUD/CAS contract without any network
// calls. It plays the same role the aws backend's DynamoDB domain and
// Glacier vault play together, but with a directory tree standing in
// for Glacier and a single sqlite table standing in for the DynamoDB
// metadata domain.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required. Registers itself
	// as "sqlite" in database/sql, the same choice the teacher's server
	// module makes for the same reason.
	_ "modernc.org/sqlite"

	"github.com/cmusatyalab/deltaic/internal/archive"
)

// setRow and archiveRow are the gorm models backing this profile's two
// tables. Schema is applied via gorm.AutoMigrate rather than the
// teacher's embedded golang-migrate SQL files, since golang-migrate is
// not part of this module's dependency set — AutoMigrate is sufficient
// for two small, append-mostly tables with no historical schema
// versions to replay.
type setRow struct {
	Name      string `gorm:"primaryKey"`
	Complete  bool
	CreatedAt time.Time
}

func (setRow) TableName() string { return "archive_sets" }

type archiveRow struct {
	ID           uint `gorm:"primaryKey"`
	SetName      string `gorm:"uniqueIndex:idx_set_unit;not null"`
	Unit         string `gorm:"uniqueIndex:idx_set_unit;not null"`
	Compression  string
	Encryption   string
	SHA256       string
	Size         int64
	CreationTime time.Time
}

func (archiveRow) TableName() string { return "archives" }

// Backend is the local archive.Backend implementation.
type Backend struct {
	db      *gorm.DB
	blobDir string
}

// Config configures Open.
type Config struct {
	// DSN is the sqlite database file path (or ":memory:" for tests).
	DSN string
	// BlobDir is the directory archive file bodies are copied into,
	// standing in for a remote object store's bucket/vault.
	BlobDir string
}

// Open opens (creating if necessary) the sqlite ledger database and
// blob directory, applying schema migrations, mirroring the teacher's
// server/internal/db.New connection setup for the sqlite driver.
func Open(cfg Config) (*Backend, error) {
	if err := os.MkdirAll(cfg.BlobDir, 0755); err != nil {
		return nil, fmt.Errorf("archive/local: creating blob dir %s: %w", cfg.BlobDir, err)
	}

	sqlDB, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("archive/local: opening sqlite %s: %w", cfg.DSN, err)
	}
	// SQLite supports only one writer at a time.
	sqlDB.SetMaxOpenConns(1)

	db, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("archive/local: initializing gorm: %w", err)
	}
	if err := db.AutoMigrate(&setRow{}, &archiveRow{}); err != nil {
		return nil, fmt.Errorf("archive/local: running migrations: %w", err)
	}

	return &Backend{db: db, blobDir: cfg.BlobDir}, nil
}

// Label implements archive.Backend.
func (b *Backend) Label() string { return "local" }

func (b *Backend) blobPath(set, unit string) string {
	return filepath.Join(b.blobDir, set, filepath.FromSlash(unit))
}

// ListSets implements archive.Backend.
func (b *Backend) ListSets(ctx context.Context) (map[string]archive.SetInfo, error) {
	var sets []setRow
	if err := b.db.WithContext(ctx).Find(&sets).Error; err != nil {
		return nil, fmt.Errorf("archive/local: listing sets: %w", err)
	}
	result := make(map[string]archive.SetInfo, len(sets))
	now := time.Now()
	for _, s := range sets {
		var count int64
		var size int64
		if err := b.db.WithContext(ctx).Model(&archiveRow{}).Where("set_name = ?", s.Name).Count(&count).Error; err != nil {
			return nil, fmt.Errorf("archive/local: counting archives for %s: %w", s.Name, err)
		}
		row := b.db.WithContext(ctx).Model(&archiveRow{}).Where("set_name = ?", s.Name).Select("COALESCE(SUM(size), 0)").Row()
		if row != nil {
			row.Scan(&size)
		}
		result[s.Name] = archive.SetInfo{
			Count:     int(count),
			Size:      size,
			Complete:  s.Complete,
			Protected: now.Sub(s.CreatedAt) < protectedPeriod,
		}
	}
	return result, nil
}

// protectedPeriod mirrors the aws backend's early-deletion protection
// window (spec.md §9's Glacier billing note): a set younger than this
// is reported Protected so `archive prune` won't remove it.
const protectedPeriod = 90*24*time.Hour + time.Hour

// ListSetArchives implements archive.Backend.
func (b *Backend) ListSetArchives(ctx context.Context, set string) (map[string]archive.ArchiveMetadata, error) {
	var rows []archiveRow
	if err := b.db.WithContext(ctx).Where("set_name = ?", set).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("archive/local: listing archives for %s: %w", set, err)
	}
	result := make(map[string]archive.ArchiveMetadata, len(rows))
	for _, r := range rows {
		result[r.Unit] = archive.ArchiveMetadata{
			Compression:  r.Compression,
			Encryption:   r.Encryption,
			SHA256:       r.SHA256,
			Size:         r.Size,
			CreationTime: r.CreationTime,
		}
	}
	return result, nil
}

// UploadArchive implements archive.Backend. The blob is first copied to
// a temporary name beside its final path and renamed into place only
// after the row insert succeeds, so a losing upload removes just its own
// copy; the row insert is the conditional write ("no existing archive
// for set/unit") via a unique index on (set_name, unit) — a losing
// concurrent insert surfaces as a constraint-violation error from
// sqlite, the same RowsAffected==0-style race the teacher's
// repositories/job.go detects, just signaled through an insert error
// rather than an update's affected-row count since this is a create.
func (b *Backend) UploadArchive(ctx context.Context, set, unit string, metadata archive.ArchiveMetadata, localPath string) error {
	dest := b.blobPath(set, unit)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("archive/local: creating blob directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".upload-*")
	if err != nil {
		return fmt.Errorf("archive/local: creating temporary blob: %w", err)
	}
	tmp := tmpFile.Name()
	tmpFile.Close()
	if err := copyFile(localPath, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("archive/local: copying archive blob: %w", err)
	}

	row := archiveRow{
		SetName:      set,
		Unit:         unit,
		Compression:  metadata.Compression,
		Encryption:   metadata.Encryption,
		SHA256:       metadata.SHA256,
		Size:         metadata.Size,
		CreationTime: metadata.CreationTime,
	}
	err = b.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		os.Remove(tmp)
		if isUniqueConstraintErr(err) {
			return archive.ErrConflict
		}
		return fmt.Errorf("archive/local: recording archive metadata: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("archive/local: moving archive blob into place: %w", err)
	}

	// Ensure the owning set row exists (incomplete by default).
	if err := b.db.WithContext(ctx).
		Where(setRow{Name: set}).
		FirstOrCreate(&setRow{Name: set, CreatedAt: time.Now()}).Error; err != nil {
		return fmt.Errorf("archive/local: ensuring set row for %s: %w", set, err)
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CompleteSet implements archive.Backend.
func (b *Backend) CompleteSet(ctx context.Context, set string) error {
	result := b.db.WithContext(ctx).
		Model(&setRow{}).
		Where("name = ?", set).
		Update("complete", true)
	if result.Error != nil {
		return fmt.Errorf("archive/local: completing set %s: %w", set, result.Error)
	}
	if result.RowsAffected == 0 {
		if err := b.db.WithContext(ctx).Create(&setRow{Name: set, Complete: true, CreatedAt: time.Now()}).Error; err != nil {
			return fmt.Errorf("archive/local: creating completed set %s: %w", set, err)
		}
	}
	return nil
}

// DeleteSet implements archive.Backend.
func (b *Backend) DeleteSet(ctx context.Context, set string) error {
	var rows []archiveRow
	if err := b.db.WithContext(ctx).Where("set_name = ?", set).Find(&rows).Error; err != nil {
		return fmt.Errorf("archive/local: listing archives to delete for %s: %w", set, err)
	}
	if err := b.db.WithContext(ctx).Where("set_name = ?", set).Delete(&archiveRow{}).Error; err != nil {
		return fmt.Errorf("archive/local: deleting archive rows for %s: %w", set, err)
	}
	if err := b.db.WithContext(ctx).Where("name = ?", set).Delete(&setRow{}).Error; err != nil {
		return fmt.Errorf("archive/local: deleting set row %s: %w", set, err)
	}
	for _, r := range rows {
		os.Remove(b.blobPath(set, r.Unit))
	}
	os.Remove(filepath.Join(b.blobDir, set))
	return nil
}

// DownloadArchives implements archive.Backend. Local blobs are already
// on the same host, so there is no real network rate to limit;
// maxRateBytesPerHour is accepted for interface conformance and ignored,
// a documented deviation from the aws backend's Glacier-billing-driven
// throttling (see DESIGN.md).
func (b *Backend) DownloadArchives(ctx context.Context, set string, requests []archive.ArchiveRequest, maxRateBytesPerHour int64) (<-chan archive.DownloadResult, error) {
	out := make(chan archive.DownloadResult, len(requests))
	go func() {
		defer close(out)
		for _, req := range requests {
			var row archiveRow
			err := b.db.WithContext(ctx).Where("set_name = ? AND unit = ?", set, req.Unit).First(&row).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					out <- archive.DownloadResult{Unit: req.Unit, Err: archive.ErrNotFound}
				} else {
					out <- archive.DownloadResult{Unit: req.Unit, Err: fmt.Errorf("archive/local: looking up %s: %w", req.Unit, err)}
				}
				continue
			}
			if err := copyFile(b.blobPath(set, req.Unit), req.LocalPath); err != nil {
				out <- archive.DownloadResult{Unit: req.Unit, Err: fmt.Errorf("archive/local: downloading %s: %w", req.Unit, err)}
				continue
			}
			out <- archive.DownloadResult{Unit: req.Unit, Metadata: archive.ArchiveMetadata{
				Compression:  row.Compression,
				Encryption:   row.Encryption,
				SHA256:       row.SHA256,
				Size:         row.Size,
				CreationTime: row.CreationTime,
			}}
		}
	}()
	return out, nil
}

// Resync implements archive.Backend: walk the blob tree and delete any
// file with no corresponding metadata row.
func (b *Backend) Resync(ctx context.Context) error {
	return filepath.Walk(b.blobDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.blobDir, path)
		if err != nil {
			return err
		}
		parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
		if len(parts) != 2 {
			return nil
		}
		set, unit := parts[0], parts[1]
		var count int64
		if err := b.db.WithContext(ctx).Model(&archiveRow{}).Where("set_name = ? AND unit = ?", set, unit).Count(&count).Error; err != nil {
			return fmt.Errorf("archive/local: resync lookup for %s/%s: %w", set, unit, err)
		}
		if count == 0 {
			os.Remove(path)
		}
		return nil
	})
}

// ReportCost implements archive.Backend.
func (b *Backend) ReportCost(ctx context.Context) (string, error) {
	sets, err := b.ListSets(ctx)
	if err != nil {
		return "", err
	}
	var total int64
	for _, s := range sets {
		total += s.Size
	}
	return fmt.Sprintf("local backend: %d bytes across %d sets, stored under %s (no retrieval cost)", total, len(sets), b.blobDir), nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
