// Package packer implements the archive file format: a deterministic
// tar → compress → optional GPG sign+encrypt pipeline with a streaming
// SHA-256 over the final bytes, and the symmetric unpack. Three xattrs
// on the resulting file are the authoritative record of how it was
// built: compression algorithm, encryption key, and content hash.
package packer

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/pkg/xattr"

	"github.com/cmusatyalab/deltaic/internal/pipeline"
	"github.com/cmusatyalab/deltaic/internal/xattrs"
)

// xattr names recorded on the packed archive file. These are the
// authoritative metadata; the backend-side ledger entry is a cache of
// the same facts.
const (
	attrCompression = xattrs.NamespaceUser + "archive.compression"
	attrEncryption  = xattrs.NamespaceUser + "archive.encryption"
	attrSHA256      = xattrs.NamespaceUser + "archive.sha256"

	// xattrPAXPrefix is the PAX record key prefix used to round-trip a
	// source file's extended attributes through the tar stream, the
	// same convention GNU tar's --xattrs uses.
	xattrPAXPrefix = "SCHILY.xattr."
)

// Compression names accepted by Pack/Unpack.
const (
	CompressionGzip = "gzip"
	CompressionLzop = "lzop"
	CompressionNone = "none"
)

// ArchiveInfo is the metadata produced by Pack and consumed by Unpack
// and the archive backend's ledger: how the payload was built, its
// content hash, and its size on disk.
type ArchiveInfo struct {
	Compression string
	// Encryption is "none", or the hex-encoded fingerprint of the key
	// the archive was encrypted+signed with.
	Encryption string
	SHA256     string
	Size       int64
}

// WriteXattrs records info onto path's three archive.* xattrs.
func (info ArchiveInfo) WriteXattrs(path string) error {
	if err := xattrs.SetString(path, attrCompression, info.Compression); err != nil {
		return fmt.Errorf("packer: writing compression xattr: %w", err)
	}
	if err := xattrs.SetString(path, attrEncryption, info.Encryption); err != nil {
		return fmt.Errorf("packer: writing encryption xattr: %w", err)
	}
	if err := xattrs.SetString(path, attrSHA256, info.SHA256); err != nil {
		return fmt.Errorf("packer: writing sha256 xattr: %w", err)
	}
	return nil
}

// ReadArchiveInfo reconstructs an ArchiveInfo from path's xattrs and its
// on-disk size.
func ReadArchiveInfo(path string) (ArchiveInfo, error) {
	var info ArchiveInfo
	var ok bool
	var err error
	if info.Compression, ok, err = xattrs.GetString(path, attrCompression); err != nil {
		return info, fmt.Errorf("packer: reading compression xattr: %w", err)
	} else if !ok {
		return info, fmt.Errorf("packer: %s: missing compression xattr", path)
	}
	if info.Encryption, ok, err = xattrs.GetString(path, attrEncryption); err != nil {
		return info, fmt.Errorf("packer: reading encryption xattr: %w", err)
	} else if !ok {
		return info, fmt.Errorf("packer: %s: missing encryption xattr", path)
	}
	if info.SHA256, ok, err = xattrs.GetString(path, attrSHA256); err != nil {
		return info, fmt.Errorf("packer: reading sha256 xattr: %w", err)
	} else if !ok {
		return info, fmt.Errorf("packer: %s: missing sha256 xattr", path)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return info, fmt.Errorf("packer: stat %s: %w", path, err)
	}
	info.Size = fi.Size()
	return info, nil
}

// PackOptions describes one pack() invocation.
type PackOptions struct {
	// SnapshotName and UnitName populate the tar volume label, matching
	// the original's `-V "<snap> <unit>"`.
	SnapshotName string
	UnitName     string

	// SourceDir is the directory whose contents become the tar
	// payload (typically Snapshots/<snap>/<unit> on the mirror).
	SourceDir string

	// Compression selects the tar payload's compressor.
	Compression string
	// LzopPath resolves the external lzop binary, required only when
	// Compression is CompressionLzop.
	LzopPath string

	// Output is the destination archive file's path.
	Output string

	// Signer, if non-nil, sign+encrypts the archive for Recipients.
	// A nil Signer (or empty Recipients) produces a plaintext archive.
	Signer     *openpgp.Entity
	Recipients openpgp.EntityList
}

// Pack builds the packer pipeline described in the package doc comment
// and writes it to opts.Output, returning the resulting ArchiveInfo
// (also recorded as xattrs on Output by the caller via WriteXattrs).
func Pack(ctx context.Context, opts PackOptions) (info ArchiveInfo, err error) {
	out, err := os.Create(opts.Output)
	if err != nil {
		return info, fmt.Errorf("packer: creating %s: %w", opts.Output, err)
	}
	defer out.Close()

	hash := sha256.New()
	final := io.MultiWriter(out, hash)

	sink, closeSink, err := wrapEncryption(final, opts.Signer, opts.Recipients)
	if err != nil {
		return info, err
	}

	var tarErr error
	switch opts.Compression {
	case CompressionGzip, "":
		gz := gzip.NewWriter(sink)
		tarErr = writeTar(opts.SourceDir, opts.SnapshotName, opts.UnitName, gz)
		if tarErr == nil {
			tarErr = gz.Close()
		}
	case CompressionNone:
		tarErr = writeTar(opts.SourceDir, opts.SnapshotName, opts.UnitName, sink)
	case CompressionLzop:
		tarErr = packLzop(ctx, opts, sink)
	default:
		tarErr = fmt.Errorf("packer: unknown compression %q", opts.Compression)
	}

	closeErr := closeSink()
	if tarErr != nil {
		return info, tarErr
	}
	if closeErr != nil {
		return info, closeErr
	}
	if err := out.Sync(); err != nil {
		return info, fmt.Errorf("packer: syncing %s: %w", opts.Output, err)
	}

	fi, err := out.Stat()
	if err != nil {
		return info, fmt.Errorf("packer: stat %s: %w", opts.Output, err)
	}

	info = ArchiveInfo{
		Compression: normalizeCompression(opts.Compression),
		Encryption:  "none",
		SHA256:      hex.EncodeToString(hash.Sum(nil)),
		Size:        fi.Size(),
	}
	if opts.Signer != nil && len(opts.Recipients) > 0 {
		info.Encryption = hex.EncodeToString(opts.Signer.PrimaryKey.Fingerprint)
	}
	return info, nil
}

func normalizeCompression(c string) string {
	if c == "" {
		return CompressionGzip
	}
	return c
}

// wrapEncryption returns the writer the tar/compress stages should
// write into, plus a close function that finalizes any GPG layer. When
// no signer/recipients are configured, sink is final itself and close
// is a no-op.
func wrapEncryption(final io.Writer, signer *openpgp.Entity, recipients openpgp.EntityList) (sink io.Writer, closeSink func() error, err error) {
	if signer == nil || len(recipients) == 0 {
		return final, func() error { return nil }, nil
	}
	cfg := &packet.Config{
		DefaultCipher:          packet.CipherAES256,
		DefaultCompressionAlgo: packet.CompressionNone,
	}
	wc, err := openpgp.Encrypt(final, recipients, signer, nil, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("packer: starting gpg encryption: %w", err)
	}
	return wc, wc.Close, nil
}

// packLzop shells out to the external lzop binary (no suitable Go
// package exists for lzop in the pack or the wider ecosystem) via
// internal/pipeline, streaming tar output through it into sink.
func packLzop(ctx context.Context, opts PackOptions, sink io.Writer) error {
	p, err := pipeline.Start(ctx, []pipeline.Stage{
		{Path: opts.LzopPath, Args: []string{"-c"}},
	})
	if err != nil {
		return fmt.Errorf("packer: starting lzop: %w", err)
	}

	copyErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(sink, p.Out)
		p.Out.Close()
		copyErr <- err
	}()

	tarErr := writeTar(opts.SourceDir, opts.SnapshotName, opts.UnitName, p.In)
	p.In.Close()
	if tarErr != nil {
		p.Kill()
		<-copyErr
		p.Wait()
		return fmt.Errorf("packer: writing tar into lzop: %w", tarErr)
	}

	if err := <-copyErr; err != nil {
		p.Kill()
		p.Wait()
		return fmt.Errorf("packer: reading lzop output: %w", err)
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("packer: lzop: %w", err)
	}
	return nil
}

// writeTar walks sourceDir and writes its contents into w as a PAX-format
// tar stream, round-tripping each entry's extended attributes as PAX
// records the way GNU tar's --xattrs does.
func writeTar(sourceDir, snapshotName, unitName string, w io.Writer) error {
	tw := tar.NewWriter(w)
	volumeHeader := &tar.Header{
		Typeflag: tar.TypeXGlobalHeader,
		Name:     "deltaic-volume",
		PAXRecords: map[string]string{
			"comment": fmt.Sprintf("%s %s", snapshotName, unitName),
		},
	}
	if err := tw.WriteHeader(volumeHeader); err != nil {
		return fmt.Errorf("packer: writing volume header: %w", err)
	}

	err := filepath.Walk(sourceDir, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		var link string
		if fi.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("packer: reading symlink %s: %w", path, err)
			}
		}
		hdr, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return fmt.Errorf("packer: building header for %s: %w", path, err)
		}
		hdr.Name = filepath.ToSlash(rel)
		if fi.IsDir() {
			hdr.Name += "/"
		}
		hdr.Format = tar.FormatPAX
		if recs, err := paxRecordsFromXattrs(path); err != nil {
			return err
		} else if len(recs) > 0 {
			hdr.PAXRecords = recs
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("packer: writing header for %s: %w", path, err)
		}
		if fi.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("packer: opening %s: %w", path, err)
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return fmt.Errorf("packer: copying %s: %w", path, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// paxRecordsFromXattrs reads path's extended attributes (NOFOLLOW) and
// packages them as PAX records under the SCHILY.xattr. prefix.
func paxRecordsFromXattrs(path string) (map[string]string, error) {
	names, err := listXattrNames(path)
	if err != nil || len(names) == 0 {
		return nil, err
	}
	recs := make(map[string]string, len(names))
	for _, name := range names {
		value, ok, err := xattrs.Get(path, name)
		if err != nil {
			return nil, fmt.Errorf("packer: reading xattr %s on %s: %w", name, path, err)
		}
		if !ok {
			continue
		}
		recs[xattrPAXPrefix+name] = string(value)
	}
	return recs, nil
}

// UnpackOptions describes one unpack() invocation.
type UnpackOptions struct {
	// Input is the archive file to decode.
	Input string
	Info  ArchiveInfo

	// DestDir receives the restored unit tree.
	DestDir string

	// LzopPath resolves the external lzop binary, required only when
	// Info.Compression is CompressionLzop.
	LzopPath string

	// Keyring verifies a signed+encrypted archive's signature and
	// supplies the decryption key. Required iff Info.Encryption != "none".
	Keyring openpgp.EntityList
	// SigningKeyFingerprint, if set, is cross-checked against both the
	// verified signer's key ID and full fingerprint, matching the
	// original's defense-in-depth check against a configured signing
	// key rather than trusting keyring resolution alone.
	SigningKeyFingerprint string
}

// Unpack is the symmetric inverse of Pack. GPG decryption is never
// piped directly into tar extraction: the
// decrypted (or, for plaintext archives, the raw) bytes are fully
// spooled to a temporary file and verified — GPG signature, or SHA-256
// — before any file is written under DestDir.
func Unpack(ctx context.Context, opts UnpackOptions) error {
	in, err := os.Open(opts.Input)
	if err != nil {
		return fmt.Errorf("packer: opening %s: %w", opts.Input, err)
	}
	defer in.Close()

	spool, err := os.CreateTemp("", "deltaic-unpack-")
	if err != nil {
		return fmt.Errorf("packer: creating spool file: %w", err)
	}
	spoolPath := spool.Name()
	defer os.Remove(spoolPath)
	defer spool.Close()

	if opts.Info.Encryption != "none" {
		if err := spoolAndVerifySignature(in, spool, opts.Keyring, opts.SigningKeyFingerprint); err != nil {
			return err
		}
	} else {
		if err := spoolAndVerifySHA256(in, spool, opts.Info.SHA256); err != nil {
			return err
		}
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("packer: rewinding spool file: %w", err)
	}

	var tarSource io.Reader
	var cleanup func() error
	switch opts.Info.Compression {
	case CompressionGzip, "":
		gz, err := gzip.NewReader(spool)
		if err != nil {
			return fmt.Errorf("packer: opening gzip stream: %w", err)
		}
		tarSource = gz
		cleanup = gz.Close
	case CompressionNone:
		tarSource = spool
		cleanup = func() error { return nil }
	case CompressionLzop:
		r, wait, err := unpackLzop(ctx, spool, opts.LzopPath)
		if err != nil {
			return err
		}
		tarSource = r
		cleanup = wait
	default:
		return fmt.Errorf("packer: unknown compression %q", opts.Info.Compression)
	}

	if err := extractTar(tarSource, opts.DestDir); err != nil {
		cleanup()
		return err
	}
	// lzop's exit status is only known once its stdout pipe is fully
	// drained, which extractTar just did; a corrupt or truncated archive
	// can make lzop exit non-zero while still producing a tar stream
	// that reads as a clean EOF, so this check must happen after, not
	// folded into, a deferred cleanup.
	if err := cleanup(); err != nil {
		return fmt.Errorf("packer: decompression failed: %w", err)
	}
	return nil
}

func spoolAndVerifySHA256(in io.Reader, spool *os.File, want string) error {
	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(spool, hash), in); err != nil {
		return fmt.Errorf("packer: spooling archive: %w", err)
	}
	got := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("packer: sha256 mismatch: got %s, want %s", got, want)
	}
	return nil
}

func spoolAndVerifySignature(in io.Reader, spool *os.File, keyring openpgp.EntityList, wantFingerprint string) error {
	md, err := openpgp.ReadMessage(in, keyring, nil, nil)
	if err != nil {
		return fmt.Errorf("packer: opening gpg message: %w", err)
	}
	if _, err := io.Copy(spool, md.UnverifiedBody); err != nil {
		return fmt.Errorf("packer: spooling decrypted archive: %w", err)
	}
	// md.SignatureError and md.SignedBy are only populated once
	// UnverifiedBody has been fully read, which the Copy above just did.
	if md.SignatureError != nil {
		return fmt.Errorf("packer: gpg signature verification failed: %w", md.SignatureError)
	}
	if !md.IsSigned || md.SignedBy == nil {
		return fmt.Errorf("packer: archive is not signed")
	}
	if wantFingerprint != "" {
		want := strings.TrimPrefix(strings.ToLower(wantFingerprint), "0x")
		gotFingerprint := hex.EncodeToString(md.SignedBy.PublicKey.Fingerprint)
		gotKeyID := fmt.Sprintf("%016x", md.SignedBy.PublicKey.KeyId)
		if gotFingerprint != want && gotKeyID != want {
			return fmt.Errorf("packer: signed by unexpected key: fingerprint %s", gotFingerprint)
		}
	}
	return nil
}

func unpackLzop(ctx context.Context, spool *os.File, lzopPath string) (io.Reader, func() error, error) {
	p, err := pipeline.Start(ctx, []pipeline.Stage{
		{Path: lzopPath, Args: []string{"-d", "-c"}},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("packer: starting lzop -d: %w", err)
	}
	go func() {
		io.Copy(p.In, spool)
		p.In.Close()
	}()
	return p.Out, p.Wait, nil
}

// extractTar restores a PAX-format tar stream under destDir, restoring
// each entry's PAX xattr records via internal/xattrs.
func extractTar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("packer: reading tar stream: %w", err)
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if err := restoreEntry(tr, hdr, target); err != nil {
			return err
		}
	}
}

func restoreEntry(tr *tar.Reader, hdr *tar.Header, target string) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
			return fmt.Errorf("packer: creating directory %s: %w", target, err)
		}
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return fmt.Errorf("packer: creating symlink %s: %w", target, err)
		}
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return fmt.Errorf("packer: creating %s: %w", target, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("packer: writing %s: %w", target, err)
		}
		f.Close()
	default:
		return nil
	}
	if err := applyXattrsFromPAX(target, hdr.PAXRecords); err != nil {
		return err
	}
	return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}

func applyXattrsFromPAX(path string, recs map[string]string) error {
	if len(recs) == 0 {
		return nil
	}
	// Sorted for deterministic application order.
	keys := make([]string, 0, len(recs))
	for k := range recs {
		if strings.HasPrefix(k, xattrPAXPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.TrimPrefix(k, xattrPAXPrefix)
		if err := xattrs.Set(path, name, []byte(recs[k])); err != nil && err != xattrs.ErrNotSupported {
			return fmt.Errorf("packer: restoring xattr %s on %s: %w", name, path, err)
		}
	}
	return nil
}

// listXattrNames is a small seam over pkg/xattr's listing call (not
// exposed by internal/xattrs, which only deals in named get/set/remove),
// kept here since it is needed only by the packer's tar-writing walk.
func listXattrNames(path string) ([]string, error) {
	names, err := xattr.LList(path)
	if err != nil {
		// Filesystems without xattr support (or a source tree with none
		// set) simply contribute no PAX records; this is best-effort
		// metadata preservation, not a hard requirement of the format.
		return nil, nil
	}
	return names, nil
}
