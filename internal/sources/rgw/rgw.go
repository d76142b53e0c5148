// Package rgw mirrors a Ceph RGW (radosgw) bucket via its S3-compatible
// API. Each object is split into three sibling files on disk — body
// ("_k"), JSON-encoded metadata ("_m"), and JSON-encoded ACL ("_a") —
// so a key can be refreshed without re-fetching its body when only its
// ACL changed, and so object data never needs to be held in memory
// alongside unrelated bookkeeping.
package rgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/cmusatyalab/deltaic/internal/atomicfile"
	"github.com/cmusatyalab/deltaic/internal/bloom"
	"github.com/cmusatyalab/deltaic/internal/config"
	"github.com/cmusatyalab/deltaic/internal/scrub"
)

// defaultWorkers matches the original implementation's Pool(4, ...)
// default for both sync and restore.
const defaultWorkers = 4

// Unit mirrors one radosgw bucket.
type Unit struct {
	UnitName string
	Server   string
	Secure   bool
	Workers  int

	ScrubProbability    float64
	ScrubACLProbability float64

	RadosgwAdminPath string
}

// NewUnit builds a Unit from a decoded config.SourceUnit. The bucket
// name is the unit name itself, matching the original's one-manifest-
// entry-per-bucket layout.
func NewUnit(su config.SourceUnit, settings config.Settings) (Unit, error) {
	if su.Name == "" {
		return Unit{}, errors.New("rgw: unit requires a bucket name")
	}
	server, _ := settings.Extra["rgw-server"].(string)
	if server == "" {
		return Unit{}, errors.New("rgw: settings missing 'rgw-server'")
	}
	secure, _ := settings.Extra["rgw-secure"].(bool)
	workers := settings.WorkerCount("rgw", defaultWorkers)

	return Unit{
		UnitName:            su.Name,
		Server:              server,
		Secure:              secure,
		Workers:             workers,
		ScrubProbability:    settings.Probability("rgw-scrub-probability"),
		ScrubACLProbability: settings.Probability("rgw-scrub-acl-probability"),
		RadosgwAdminPath:    firstNonEmpty(settings.BinaryPaths["radosgw-admin"], "radosgw-admin"),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Name implements source.Unit.
func (u Unit) Name() string { return u.UnitName }

// scrubLevel matches the original's SCRUB_NONE/SCRUB_ACLS/SCRUB_ALL
// three-way distinction: ALL re-verifies object bodies, ACLS only
// re-fetches and rewrites the ACL sidecar of otherwise-unmodified keys.
type scrubLevel int

const (
	scrubNone scrubLevel = iota
	scrubACLs
	scrubAll
)

// Backup implements source.Unit.
func (u Unit) Backup(ctx context.Context, root string, forceScrub bool) error {
	level := scrubNone
	if forceScrub || scrub.DoWork(u.UnitName, time.Now(), u.ScrubProbability) {
		level = scrubAll
	} else if scrub.DoWork(u.UnitName+"-acl", time.Now(), u.ScrubACLProbability) {
		level = scrubACLs
	}
	return u.sync(ctx, root, level)
}

func (u Unit) sync(ctx context.Context, root string, level scrubLevel) error {
	accessKey, secretKey, err := u.bucketCredentials(ctx)
	if err != nil {
		return fmt.Errorf("rgw: %s: resolving bucket credentials: %w", u.UnitName, err)
	}
	client, err := newS3Client(ctx, u.Server, accessKey, secretKey, u.Secure)
	if err != nil {
		return fmt.Errorf("rgw: %s: building client: %w", u.UnitName, err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("rgw: creating mirror root: %w", err)
	}

	presence, err := bloom.NewSet(1 << 16)
	if err != nil {
		return err
	}

	type listedObject struct {
		key     string
		size    int64
		modTime time.Time
	}
	var objects []listedObject
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{Bucket: aws.String(u.UnitName)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("rgw: %s: listing objects: %w", u.UnitName, err)
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)
			presence.Add(name)
			size := int64(0)
			if obj.Size != nil {
				size = *obj.Size
			}
			modTime := time.Time{}
			if obj.LastModified != nil {
				modTime = *obj.LastModified
			}
			objects = append(objects, listedObject{key: name, size: size, modTime: modTime})
		}
	}

	keys := make(chan listedObject)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []string
	workers := u.Workers
	if workers < 1 {
		workers = defaultWorkers
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for obj := range keys {
				if err := u.syncKey(ctx, client, root, obj.key, obj.size, obj.modTime, level); err != nil {
					mu.Lock()
					errs = append(errs, err.Error())
					mu.Unlock()
				}
			}
		}()
	}
	for _, obj := range objects {
		keys <- obj
	}
	close(keys)
	wg.Wait()

	if err := u.syncBucketMetadata(ctx, client, root); err != nil {
		errs = append(errs, err.Error())
	}

	if err := gcBucketTree(root, presence); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("rgw: %s: %d error(s), first: %s", u.UnitName, len(errs), errs[0])
	}
	return nil
}

// objectMetadata is the on-disk JSON shape of a key's "_m" sidecar.
type objectMetadata struct {
	Metadata        map[string]string `json:"metadata"`
	CacheControl    string            `json:"Cache-Control,omitempty"`
	ContentDisp     string            `json:"Content-Disposition,omitempty"`
	ContentEncoding string            `json:"Content-Encoding,omitempty"`
	ContentLanguage string            `json:"Content-Language,omitempty"`
	ContentType     string            `json:"Content-Type,omitempty"`
	ETag            string            `json:"ETag,omitempty"`
	LastModified    string            `json:"Last-Modified,omitempty"`
}

// aclDocument is the on-disk JSON shape of a key's (or the bucket's)
// "_a" sidecar — just enough of an S3 ACL to restore ownership and
// grants, replacing the original's raw S3 ACL XML blob.
type aclDocument struct {
	OwnerID   string     `json:"owner_id"`
	OwnerName string     `json:"owner_display_name,omitempty"`
	Grants    []aclGrant `json:"grants"`
}

type aclGrant struct {
	GranteeID  string `json:"grantee_id,omitempty"`
	GranteeURI string `json:"grantee_uri,omitempty"`
	Permission string `json:"permission"`
}

func (u Unit) syncKey(ctx context.Context, client *s3.Client, root, key string, size int64, modTime time.Time, level scrubLevel) error {
	outData := keyNameToPath(root, key, typeData)
	outMeta := keyNameToPath(root, key, typeMeta)
	outACL := keyNameToPath(root, key, typeACL)
	outDir := filepath.Dir(outData)

	updateData := level == scrubAll
	if !updateData {
		info, err := os.Stat(outData)
		if err != nil {
			updateData = true
		} else {
			updateData = info.Size() != size || !info.ModTime().Truncate(time.Second).Equal(modTime.Truncate(time.Second))
		}
	}

	if !updateData && level == scrubNone {
		return nil
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("rgw: creating %s: %w", outDir, err)
	}

	if updateData {
		obj, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(u.UnitName), Key: aws.String(key)})
		if err != nil {
			cleanupKeyFiles(outData, outMeta, outACL)
			return fmt.Errorf("rgw: fetching %s: %w", key, err)
		}
		if _, err := atomicfile.UpdateReader(outData, obj.Body); err != nil {
			obj.Body.Close()
			cleanupKeyFiles(outData, outMeta, outACL)
			return fmt.Errorf("rgw: writing %s: %w", outData, err)
		}
		obj.Body.Close()

		meta := objectMetadata{
			Metadata:        obj.Metadata,
			CacheControl:    aws.ToString(obj.CacheControl),
			ContentDisp:     aws.ToString(obj.ContentDisposition),
			ContentEncoding: aws.ToString(obj.ContentEncoding),
			ContentLanguage: aws.ToString(obj.ContentLanguage),
			ContentType:     aws.ToString(obj.ContentType),
			ETag:            aws.ToString(obj.ETag),
		}
		if obj.LastModified != nil {
			meta.LastModified = obj.LastModified.UTC().Format(time.RFC3339)
		}
		metaBytes, err := marshalSorted(meta)
		if err != nil {
			cleanupKeyFiles(outData, outMeta, outACL)
			return err
		}
		if _, err := atomicfile.Update(outMeta, metaBytes); err != nil {
			cleanupKeyFiles(outData, outMeta, outACL)
			return fmt.Errorf("rgw: writing %s: %w", outMeta, err)
		}
	}

	acl, err := client.GetObjectAcl(ctx, &s3.GetObjectAclInput{Bucket: aws.String(u.UnitName), Key: aws.String(key)})
	if err != nil {
		cleanupKeyFiles(outData, outMeta, outACL)
		return fmt.Errorf("rgw: fetching ACL for %s: %w", key, err)
	}
	aclBytes, err := marshalSorted(aclToDocument(acl))
	if err != nil {
		cleanupKeyFiles(outData, outMeta, outACL)
		return err
	}
	if _, err := atomicfile.Update(outACL, aclBytes); err != nil {
		cleanupKeyFiles(outData, outMeta, outACL)
		return fmt.Errorf("rgw: writing %s: %w", outACL, err)
	}

	if updateData {
		for _, path := range []string{outData, outMeta} {
			if info, err := os.Stat(path); err == nil && !info.ModTime().Equal(modTime) {
				os.Chtimes(path, modTime, modTime)
			}
		}
		// outACL is intentionally not timestamped to the object's
		// Last-Modified time: an ACL change doesn't update that field.
	}
	return nil
}

func cleanupKeyFiles(paths ...string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

func marshalSorted(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rgw: encoding metadata: %w", err)
	}
	return data, nil
}

func aclToDocument(acl *s3.GetObjectAclOutput) aclDocument {
	doc := aclDocument{}
	if acl.Owner != nil {
		doc.OwnerID = aws.ToString(acl.Owner.ID)
		doc.OwnerName = aws.ToString(acl.Owner.DisplayName)
	}
	for _, g := range acl.Grants {
		grant := aclGrant{Permission: string(g.Permission)}
		if g.Grantee != nil {
			grant.GranteeID = aws.ToString(g.Grantee.ID)
			grant.GranteeURI = aws.ToString(g.Grantee.URI)
		}
		doc.Grants = append(doc.Grants, grant)
	}
	sort.Slice(doc.Grants, func(i, j int) bool {
		if doc.Grants[i].GranteeID != doc.Grants[j].GranteeID {
			return doc.Grants[i].GranteeID < doc.Grants[j].GranteeID
		}
		return doc.Grants[i].Permission < doc.Grants[j].Permission
	})
	return doc
}

// syncBucketMetadata mirrors the bucket-level ACL and CORS config into
// the "bucket_A"/"bucket_C" sentinel files.
func (u Unit) syncBucketMetadata(ctx context.Context, client *s3.Client, root string) error {
	acl, err := client.GetBucketAcl(ctx, &s3.GetBucketAclInput{Bucket: aws.String(u.UnitName)})
	if err != nil {
		return fmt.Errorf("rgw: fetching bucket ACL: %w", err)
	}
	aclBytes, err := marshalSorted(aclToDocument(&s3.GetObjectAclOutput{Owner: acl.Owner, Grants: acl.Grants}))
	if err != nil {
		return err
	}
	if _, err := atomicfile.Update(keyNameToPath(root, "bucket", typeBucketACL), aclBytes); err != nil {
		return fmt.Errorf("rgw: writing bucket ACL sentinel: %w", err)
	}

	corsPath := keyNameToPath(root, "bucket", typeBucketCORS)
	cors, err := client.GetBucketCors(ctx, &s3.GetBucketCorsInput{Bucket: aws.String(u.UnitName)})
	if err != nil {
		if isNoSuchCORS(err) {
			os.Remove(corsPath)
			return nil
		}
		return fmt.Errorf("rgw: fetching bucket CORS: %w", err)
	}
	corsBytes, err := marshalSorted(cors.CORSRules)
	if err != nil {
		return err
	}
	if _, err := atomicfile.Update(corsPath, corsBytes); err != nil {
		return fmt.Errorf("rgw: writing bucket CORS sentinel: %w", err)
	}
	return nil
}

func isNoSuchCORS(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchCORSConfiguration"
	}
	return false
}

// gcBucketTree walks root post-sync and deletes anything not recorded
// in presence, except the bucket-level ACL/CORS sentinels (which have
// no corresponding object key) and anything warned about rather than
// silently removed when its mtime is suspiciously recent — a file this
// run just wrote would mean the path encoding collided with another
// key, per spec.md §9's documented probable-bug discussion of this
// exact check in the original implementation.
func gcBucketTree(root string, presence *bloom.Set) error {
	startedAt := time.Now()
	var toRemove []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || path == root || info.IsDir() {
			return err
		}
		name := filepath.Base(path)
		base, code, splitErr := splitTypeCode(name)
		if splitErr != nil {
			toRemove = append(toRemove, path)
			return nil
		}
		switch code {
		case typeBucketACL, typeBucketCORS:
			return nil
		case typeTemp:
			toRemove = append(toRemove, path)
			return nil
		case typeData, typeMeta, typeACL:
			if base == "bucket" {
				return nil
			}
		}
		keyName, err := pathToKeyName(root, path)
		if err != nil {
			toRemove = append(toRemove, path)
			return nil
		}
		if !presence.Contains(keyName) {
			toRemove = append(toRemove, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rgw: walking mirror tree: %w", err)
	}
	for _, path := range toRemove {
		if info, statErr := os.Stat(path); statErr == nil && info.ModTime().After(startedAt) {
			// A file this sweep itself just wrote is being proposed for
			// deletion: the path encoding most likely collided with
			// another key. Deleting it would destroy a just-fetched
			// object, so it is left in place.
			continue
		}
		os.Remove(path)
	}
	return pruneEmptyDirs(root)
}

func pruneEmptyDirs(root string) error {
	var dirs []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		os.Remove(dir) // no-op (ENOTEMPTY) unless dir is now empty
	}
	return nil
}

// bucketCredentials shells to radosgw-admin to resolve the access/
// secret key pair for the user that owns the bucket — there is no S3
// API for this, only the Ceph admin-ops surface.
func (u Unit) bucketCredentials(ctx context.Context) (accessKey, secretKey string, err error) {
	var stats struct {
		Owner string `json:"owner"`
	}
	if err := radosgwAdminJSON(ctx, u.RadosgwAdminPath, &stats, "bucket", "stats", "--bucket", u.UnitName); err != nil {
		return "", "", err
	}
	return u.userCredentials(ctx, stats.Owner)
}

func (u Unit) userCredentials(ctx context.Context, userID string) (accessKey, secretKey string, err error) {
	return userCredentials(ctx, u.RadosgwAdminPath, userID)
}

// userCredentials resolves a radosgw user's access/secret key pair.
// Used both by Unit.bucketCredentials (mirroring) and Restore (which
// has no Unit, only the owner ID recovered from a bucket ACL sidecar).
func userCredentials(ctx context.Context, radosgwAdminPath, userID string) (accessKey, secretKey string, err error) {
	var info struct {
		Keys []struct {
			AccessKey string `json:"access_key"`
			SecretKey string `json:"secret_key"`
		} `json:"keys"`
	}
	if err := radosgwAdminJSON(ctx, radosgwAdminPath, &info, "user", "info", "--uid", userID); err != nil {
		return "", "", err
	}
	if len(info.Keys) == 0 {
		return "", "", fmt.Errorf("rgw: user %s has no access keys", userID)
	}
	return info.Keys[0].AccessKey, info.Keys[0].SecretKey, nil
}

func radosgwAdminJSON(ctx context.Context, path string, out any, args ...string) error {
	fullArgs := append([]string{"--format=json"}, args...)
	cmd := exec.CommandContext(ctx, path, fullArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("radosgw-admin %v: %w: %s", args, err, stderr.String())
	}
	return json.Unmarshal(stdout.Bytes(), out)
}

// newS3Client builds an S3 client targeting a radosgw endpoint:
// path-style addressing (radosgw doesn't support virtual-hosted-style
// buckets) and static credentials resolved via radosgw-admin rather
// than the default provider chain.
func newS3Client(ctx context.Context, server, accessKey, secretKey string, secure bool) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("rgw: loading AWS SDK config: %w", err)
	}
	scheme := "http"
	if secure {
		scheme = "https"
	}
	endpoint := scheme + "://" + server
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	}), nil
}
