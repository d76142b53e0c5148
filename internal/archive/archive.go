// Package archive defines the backend interface every cold-storage
// profile (local, aws, googledrive) implements, plus the shared types
// that flow across it: set/archive metadata and the sentinel errors a
// caller tests against with errors.Is.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/cmusatyalab/deltaic/internal/archive/packer"
)

// ErrConflict is returned by Backend.UploadArchive when a concurrent
// uploader already won the race to create the (set, unit) archive —
// the losing call must delete the backend object it just created and
// return this error rather than leaking storage.
var ErrConflict = errors.New("archive: archive already exists for this set/unit")

// ErrNotFound is returned when a named set or archive does not exist.
var ErrNotFound = errors.New("archive: not found")

// SetInfo summarizes one archive set: its archive count, total size,
// whether archiving of that snapshot finished, and whether it falls
// within the backend's early-deletion protection window.
type SetInfo struct {
	Count     int
	Size      int64
	Complete  bool
	Protected bool
}

// ArchiveMetadata is the ledger-side record of one uploaded archive,
// mirroring the fields packer.ArchiveInfo computed when it was packed
// plus the creation timestamp the backend stamped on upload.
type ArchiveMetadata struct {
	Compression  string
	Encryption   string
	SHA256       string
	Size         int64
	CreationTime time.Time
}

func (m ArchiveMetadata) toPackerInfo() packer.ArchiveInfo {
	return packer.ArchiveInfo{Compression: m.Compression, Encryption: m.Encryption, SHA256: m.SHA256, Size: m.Size}
}

// FromPackerInfo builds an ArchiveMetadata from a freshly packed
// archive's ArchiveInfo and the upload timestamp the backend assigns.
func FromPackerInfo(info packer.ArchiveInfo, creationTime time.Time) ArchiveMetadata {
	return ArchiveMetadata{
		Compression:  info.Compression,
		Encryption:   info.Encryption,
		SHA256:       info.SHA256,
		Size:         info.Size,
		CreationTime: creationTime,
	}
}

// DownloadResult is one element of the iterator download_archives
// yields in spec.md §4.8: either the unit's stored metadata (success)
// or the error that made its retrieval fail.
type DownloadResult struct {
	Unit     string
	Metadata ArchiveMetadata
	Err      error
}

// ArchiveRequest names one (unit, destination) pair passed to
// DownloadArchives.
type ArchiveRequest struct {
	Unit      string
	LocalPath string
}

// Backend is the abstract CRUD-over-sets-and-archives contract spec.md
// §4.8 describes. Every method's context governs the backend's network
// calls; none of them touch the local filesystem lock (C7) — that is
// the caller's responsibility.
type Backend interface {
	// ListSets returns every known set name mapped to its summary.
	ListSets(ctx context.Context) (map[string]SetInfo, error)

	// ListSetArchives returns every archived unit in set and its
	// metadata.
	ListSetArchives(ctx context.Context, set string) (map[string]ArchiveMetadata, error)

	// UploadArchive uploads localPath's contents as set/unit, recording
	// metadata. It is idempotent against concurrent retries: on a
	// conflicting concurrent upload it returns ErrConflict having
	// deleted the backend object it just created; on any other error it
	// deletes the orphaned backend object before returning.
	UploadArchive(ctx context.Context, set, unit string, metadata ArchiveMetadata, localPath string) error

	// CompleteSet flips set's complete flag.
	CompleteSet(ctx context.Context, set string) error

	// DeleteSet batch-deletes every metadata row for set, then deletes
	// each corresponding backend object.
	DeleteSet(ctx context.Context, set string) error

	// DownloadArchives initiates retrieval of every requested unit in
	// set, subject to maxRateBytesPerHour, and returns a channel that
	// yields one DownloadResult per request as it completes — possibly
	// out of request order. The channel is closed once every request
	// has been yielded or ctx is canceled.
	DownloadArchives(ctx context.Context, set string, requests []ArchiveRequest, maxRateBytesPerHour int64) (<-chan DownloadResult, error)

	// Resync cross-checks backend inventory against the metadata store
	// and deletes backend objects with no corresponding metadata row.
	Resync(ctx context.Context) error

	// ReportCost returns a human-readable storage/retrieval cost
	// estimate for this backend's current state.
	ReportCost(ctx context.Context) (string, error)

	// Label identifies the backend profile (e.g. "local", "aws",
	// "googledrive") for logging and the `archivers:` config block.
	Label() string
}
