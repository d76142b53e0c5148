// Package googledrive implements the "googledrive" archive backend: a
// thin REST client over the Drive v3 API for deployments that want
// offsite storage without AWS. No Google API client library appears
// anywhere in the teacher corpus, so rather than adopt an ungrounded
// dependency this talks to the handful of REST endpoints it needs
// directly, the same idiom the teacher's webhook notifier uses for its
// own outbound HTTP calls: net/http, typed request/response structs,
// bearer auth, sentinel errors.
package googledrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/cmusatyalab/deltaic/internal/archive"
)

const apiBase = "https://www.googleapis.com/drive/v3"
const uploadBase = "https://www.googleapis.com/upload/drive/v3"

// Sentinel errors surfaced by this backend's REST calls.
var (
	ErrAPIRequestFailed = errors.New("googledrive: api request failed")
	ErrFolderNotFound   = errors.New("googledrive: folder not found")
)

// Config configures Open.
type Config struct {
	// TokenSource supplies (and refreshes) the OAuth2 access token used
	// to authenticate every request, following the same pattern as the
	// GitHub source's oauth2-wrapped HTTP client.
	TokenSource oauth2.TokenSource
	// RootFolderID is the Drive folder archive sets are created under.
	RootFolderID string
	// StorageCostPerGB estimates monthly cost in ReportCost; Drive
	// itself bills per storage tier rather than per archive, so this is
	// a rough per-GB approximation the operator configures.
	StorageCostPerGB float64
}

// Backend is the googledrive archive.Backend implementation.
type Backend struct {
	client       *http.Client
	rootFolderID string
	storageCost  float64
}

// Open builds a Backend from an OAuth2 token source.
func Open(cfg Config) *Backend {
	return &Backend{
		client:       oauth2.NewClient(context.Background(), cfg.TokenSource),
		rootFolderID: cfg.RootFolderID,
		storageCost:  cfg.StorageCostPerGB,
	}
}

// Label implements archive.Backend.
func (b *Backend) Label() string { return "googledrive" }

type driveFile struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Size        string            `json:"size,omitempty"`
	Parents     []string          `json:"parents,omitempty"`
	MimeType    string            `json:"mimeType,omitempty"`
	CreatedTime string            `json:"createdTime,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

type fileListResponse struct {
	Files         []driveFile `json:"files"`
	NextPageToken string      `json:"nextPageToken"`
}

// findOrCreateFolder returns the folder ID for name directly under
// parentID, creating it if absent.
func (b *Backend) findOrCreateFolder(ctx context.Context, parentID, name string) (string, error) {
	q := fmt.Sprintf("name = %s and '%s' in parents and mimeType = 'application/vnd.google-apps.folder' and trashed = false",
		quoteDriveString(name), parentID)
	files, err := b.listFiles(ctx, q)
	if err != nil {
		return "", err
	}
	if len(files) > 0 {
		return files[0].ID, nil
	}

	body, err := json.Marshal(driveFile{
		Name:     name,
		MimeType: "application/vnd.google-apps.folder",
		Parents:  []string{parentID},
	})
	if err != nil {
		return "", err
	}
	var created driveFile
	if err := b.doJSON(ctx, http.MethodPost, apiBase+"/files", body, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (b *Backend) listFiles(ctx context.Context, query string) ([]driveFile, error) {
	var all []driveFile
	pageToken := ""
	for {
		u := apiBase + "/files?q=" + url.QueryEscape(query) +
			"&fields=" + url.QueryEscape("files(id,name,size,parents,createdTime,properties),nextPageToken") +
			"&pageSize=1000"
		if pageToken != "" {
			u += "&pageToken=" + url.QueryEscape(pageToken)
		}
		var resp fileListResponse
		if err := b.doJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Files...)
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return all, nil
}

func quoteDriveString(s string) string {
	escaped := make([]byte, 0, len(s)+2)
	escaped = append(escaped, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' || s[i] == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, s[i])
	}
	escaped = append(escaped, '\'')
	return string(escaped)
}

func (b *Backend) doJSON(ctx context.Context, method, u string, body []byte, out any) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAPIRequestFailed, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s: %s", ErrAPIRequestFailed, resp.Status, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("googledrive: decoding response: %w", err)
		}
	}
	return nil
}

// ListSets implements archive.Backend.
func (b *Backend) ListSets(ctx context.Context) (map[string]archive.SetInfo, error) {
	folders, err := b.listFiles(ctx, fmt.Sprintf(
		"'%s' in parents and mimeType = 'application/vnd.google-apps.folder' and trashed = false", b.rootFolderID))
	if err != nil {
		return nil, err
	}
	result := make(map[string]archive.SetInfo, len(folders))
	for _, folder := range folders {
		files, err := b.listFiles(ctx, fmt.Sprintf("'%s' in parents and trashed = false", folder.ID))
		if err != nil {
			return nil, err
		}
		info := archive.SetInfo{Complete: folder.Properties["complete"] == "true"}
		for _, f := range files {
			info.Count++
			if sz, err := strconv.ParseInt(f.Size, 10, 64); err == nil {
				info.Size += sz
			}
		}
		if created, err := time.Parse(time.RFC3339, folder.CreatedTime); err == nil {
			info.Protected = time.Since(created) < 24*time.Hour
		}
		result[folder.Name] = info
	}
	return result, nil
}

// ListSetArchives implements archive.Backend.
func (b *Backend) ListSetArchives(ctx context.Context, set string) (map[string]archive.ArchiveMetadata, error) {
	folderID, err := b.findOrCreateFolder(ctx, b.rootFolderID, set)
	if err != nil {
		return nil, err
	}
	files, err := b.listFiles(ctx, fmt.Sprintf("'%s' in parents and trashed = false", folderID))
	if err != nil {
		return nil, err
	}
	result := make(map[string]archive.ArchiveMetadata, len(files))
	for _, f := range files {
		size, _ := strconv.ParseInt(f.Size, 10, 64)
		created, _ := time.Parse(time.RFC3339, f.CreatedTime)
		result[f.Name] = archive.ArchiveMetadata{
			Compression:  f.Properties["compression"],
			Encryption:   f.Properties["encryption"],
			SHA256:       f.Properties["sha256"],
			Size:         size,
			CreationTime: created,
		}
	}
	return result, nil
}

// UploadArchive implements archive.Backend. Drive has no server-side
// conditional-create primitive, so the "no existing archive" check is
// a list-then-create race the same shape as the original's SimpleDB
// check: list first; if a file with this name already exists under the
// set folder, treat it as a lost race (ErrConflict) rather than
// uploading a duplicate, since Drive would otherwise happily create two
// files with the same name.
func (b *Backend) UploadArchive(ctx context.Context, set, unit string, metadata archive.ArchiveMetadata, localPath string) error {
	folderID, err := b.findOrCreateFolder(ctx, b.rootFolderID, set)
	if err != nil {
		return err
	}
	existing, err := b.listFiles(ctx, fmt.Sprintf("name = %s and '%s' in parents and trashed = false", quoteDriveString(unit), folderID))
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return archive.ErrConflict
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("googledrive: opening %s: %w", localPath, err)
	}
	defer f.Close()

	metaPart, err := json.Marshal(driveFile{
		Name:    unit,
		Parents: []string{folderID},
		Properties: map[string]string{
			"compression": metadata.Compression,
			"encryption":  metadata.Encryption,
			"sha256":      metadata.SHA256,
		},
	})
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	metaHeader := make(map[string][]string)
	metaHeader["Content-Type"] = []string{"application/json; charset=UTF-8"}
	mpart, err := mw.CreatePart(metaHeader)
	if err != nil {
		return err
	}
	mpart.Write(metaPart)

	mediaHeader := make(map[string][]string)
	mediaHeader["Content-Type"] = []string{"application/octet-stream"}
	dpart, err := mw.CreatePart(mediaHeader)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dpart, f); err != nil {
		return err
	}
	mw.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		uploadBase+"/files?uploadType=multipart", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("googledrive: uploading %s/%s: %w", set, unit, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: upload %s/%s: %s: %s", ErrAPIRequestFailed, set, unit, resp.Status, data)
	}
	return nil
}

// CompleteSet implements archive.Backend by setting a custom property
// on the set's folder, Drive's nearest equivalent of a DynamoDB/gorm
// flag column.
func (b *Backend) CompleteSet(ctx context.Context, set string) error {
	folderID, err := b.findOrCreateFolder(ctx, b.rootFolderID, set)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{"properties": map[string]string{"complete": "true"}})
	if err != nil {
		return err
	}
	return b.doJSON(ctx, http.MethodPatch, apiBase+"/files/"+folderID, body, nil)
}

// DeleteSet implements archive.Backend by permanently deleting the set's
// folder with files.delete, which bypasses Drive's trash (and,
// transitively, every file Drive nests under it).
func (b *Backend) DeleteSet(ctx context.Context, set string) error {
	folderID, err := b.findOrCreateFolder(ctx, b.rootFolderID, set)
	if err != nil {
		return err
	}
	return b.doJSON(ctx, http.MethodDelete, apiBase+"/files/"+folderID, nil, nil)
}

// DownloadArchives implements archive.Backend. Drive has no
// Glacier-style retrieval job or billing throttle, so every request is
// downloaded directly; maxRateBytesPerHour is accepted for interface
// conformance and ignored (see DESIGN.md, the same deviation the local
// backend documents).
func (b *Backend) DownloadArchives(ctx context.Context, set string, requests []archive.ArchiveRequest, maxRateBytesPerHour int64) (<-chan archive.DownloadResult, error) {
	folderID, err := b.findOrCreateFolder(ctx, b.rootFolderID, set)
	if err != nil {
		return nil, err
	}
	metadata, err := b.ListSetArchives(ctx, set)
	if err != nil {
		return nil, err
	}

	out := make(chan archive.DownloadResult, len(requests))
	go func() {
		defer close(out)
		for _, req := range requests {
			md, ok := metadata[req.Unit]
			if !ok {
				out <- archive.DownloadResult{Unit: req.Unit, Err: archive.ErrNotFound}
				continue
			}
			files, err := b.listFiles(ctx, fmt.Sprintf("name = %s and '%s' in parents and trashed = false", quoteDriveString(req.Unit), folderID))
			if err != nil || len(files) == 0 {
				out <- archive.DownloadResult{Unit: req.Unit, Err: fmt.Errorf("googledrive: locating %s/%s: %w", set, req.Unit, err)}
				continue
			}
			if err := b.downloadFile(ctx, files[0].ID, req.LocalPath); err != nil {
				out <- archive.DownloadResult{Unit: req.Unit, Err: err}
				continue
			}
			out <- archive.DownloadResult{Unit: req.Unit, Metadata: md}
		}
	}()
	return out, nil
}

func (b *Backend) downloadFile(ctx context.Context, fileID, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		apiBase+"/files/"+fileID+"?alt=media", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAPIRequestFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: download %s: %s: %s", ErrAPIRequestFailed, fileID, resp.Status, data)
	}
	f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("googledrive: creating %s: %w", destPath, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("googledrive: writing %s: %w", destPath, err)
	}
	return nil
}

// Resync implements archive.Backend. Drive has no separate inventory
// service to cross-check against (the file listing itself is the
// source of truth), so resync here only removes orphaned empty set
// folders left behind by a DeleteSet that was interrupted before
// deleting its folder.
func (b *Backend) Resync(ctx context.Context) error {
	sets, err := b.ListSets(ctx)
	if err != nil {
		return err
	}
	for name, info := range sets {
		if info.Count == 0 && !info.Complete {
			if err := b.DeleteSet(ctx, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReportCost implements archive.Backend with Drive's flat per-GB
// estimate (Drive has no retrieval-rate billing, unlike Glacier).
func (b *Backend) ReportCost(ctx context.Context) (string, error) {
	sets, err := b.ListSets(ctx)
	if err != nil {
		return "", err
	}
	var total int64
	for _, s := range sets {
		total += s.Size
	}
	gb := float64(total) / (1 << 30)
	return fmt.Sprintf("googledrive backend: %d bytes (%.2f GB) in storage, estimated $%.2f/month, no retrieval cost", total, gb, gb*b.storageCost), nil
}
