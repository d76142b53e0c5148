package rgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// RestoreOptions configures Restore. DestBucket, Server and Secure
// mirror restore_bucket's own parameters; Force allows restoring into
// a non-empty destination bucket.
type RestoreOptions struct {
	Root       string
	Server     string
	DestBucket string
	Force      bool
	Secure     bool
	Workers    int

	RadosgwAdminPath string
}

// Restore re-populates a (possibly new) bucket from a mirror tree
// written by Backup. It is the inverse of sync: the bucket-level ACL
// sidecar identifies the owning user (and hence the credentials to
// upload with), then every key under root is re-uploaded with its
// stored metadata and ACL.
func Restore(ctx context.Context, opts RestoreOptions) error {
	aclPath := keyNameToPath(opts.Root, "bucket", typeBucketACL)
	aclBytes, err := os.ReadFile(aclPath)
	if err != nil {
		return fmt.Errorf("rgw: no backup found at %s: %w", opts.Root, err)
	}
	var bucketACL aclDocument
	if err := json.Unmarshal(aclBytes, &bucketACL); err != nil {
		return fmt.Errorf("rgw: decoding bucket ACL sidecar: %w", err)
	}
	if bucketACL.OwnerID == "" {
		return errors.New("rgw: bucket ACL sidecar has no owner")
	}

	accessKey, secretKey, err := userCredentials(ctx, opts.RadosgwAdminPath, bucketACL.OwnerID)
	if err != nil {
		return fmt.Errorf("rgw: resolving owner credentials: %w", err)
	}
	client, err := newS3Client(ctx, opts.Server, accessKey, secretKey, opts.Secure)
	if err != nil {
		return fmt.Errorf("rgw: building client: %w", err)
	}

	if err := ensureDestBucket(ctx, client, opts.DestBucket, opts.Force); err != nil {
		return err
	}

	if err := applyBucketMetadata(ctx, client, opts.Root, opts.DestBucket, bucketACL); err != nil {
		return err
	}

	keys, err := enumerateKeysFromDirectory(opts.Root)
	if err != nil {
		return fmt.Errorf("rgw: enumerating mirror tree: %w", err)
	}

	workers := opts.Workers
	if workers < 1 {
		workers = defaultWorkers
	}
	work := make(chan string)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []string
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range work {
				if err := uploadKey(ctx, client, opts.Root, opts.DestBucket, key); err != nil {
					mu.Lock()
					errs = append(errs, err.Error())
					mu.Unlock()
				}
			}
		}()
	}
	for _, key := range keys {
		work <- key
	}
	close(work)
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("rgw: restore %s: %d error(s), first: %s", opts.DestBucket, len(errs), errs[0])
	}
	return nil
}

// ensureDestBucket mirrors restore_bucket's "get or create bucket,
// refuse a non-empty destination unless forced" logic.
func ensureDestBucket(ctx context.Context, client *s3.Client, bucket string, force bool) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		if !isNotFound(err) {
			return fmt.Errorf("rgw: checking destination bucket: %w", err)
		}
		if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
			return fmt.Errorf("rgw: creating destination bucket: %w", err)
		}
		return nil
	}
	if force {
		return nil
	}
	listing, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(bucket), MaxKeys: aws.Int32(5)})
	if err != nil {
		return fmt.Errorf("rgw: listing destination bucket: %w", err)
	}
	if len(listing.Contents) > 0 {
		return errors.New("rgw: destination bucket is not empty; restore with Force to overwrite")
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchBucket"
	}
	return false
}

func applyBucketMetadata(ctx context.Context, client *s3.Client, root, bucket string, acl aclDocument) error {
	if _, err := client.PutBucketAcl(ctx, &s3.PutBucketAclInput{
		Bucket:              aws.String(bucket),
		AccessControlPolicy: acl.toAWS(),
	}); err != nil {
		return fmt.Errorf("rgw: restoring bucket ACL: %w", err)
	}

	corsPath := keyNameToPath(root, "bucket", typeBucketCORS)
	corsBytes, err := os.ReadFile(corsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("rgw: reading CORS sidecar: %w", err)
	}
	var rules []s3types.CORSRule
	if err := json.Unmarshal(corsBytes, &rules); err != nil {
		return fmt.Errorf("rgw: decoding CORS sidecar: %w", err)
	}
	if _, err := client.PutBucketCors(ctx, &s3.PutBucketCorsInput{
		Bucket:            aws.String(bucket),
		CORSConfiguration: &s3types.CORSConfiguration{CORSRules: rules},
	}); err != nil {
		return fmt.Errorf("rgw: restoring bucket CORS: %w", err)
	}
	return nil
}

// toAWS converts the sidecar document back into the SDK's
// AccessControlPolicy shape for a PutObjectAcl/PutBucketAcl call.
func (doc aclDocument) toAWS() *s3types.AccessControlPolicy {
	policy := &s3types.AccessControlPolicy{
		Owner: &s3types.Owner{ID: aws.String(doc.OwnerID)},
	}
	if doc.OwnerName != "" {
		policy.Owner.DisplayName = aws.String(doc.OwnerName)
	}
	for _, g := range doc.Grants {
		grantee := &s3types.Grantee{}
		if g.GranteeID != "" {
			grantee.Type = s3types.TypeCanonicalUser
			grantee.ID = aws.String(g.GranteeID)
		} else if g.GranteeURI != "" {
			grantee.Type = s3types.TypeGroup
			grantee.URI = aws.String(g.GranteeURI)
		}
		policy.Grants = append(policy.Grants, s3types.Grant{
			Grantee:    grantee,
			Permission: s3types.Permission(g.Permission),
		})
	}
	return policy
}

// enumerateKeysFromDirectory walks a mirror tree and returns the key
// name for every object body ("_k") file found, mirroring
// enumerate_keys_from_directory.
func enumerateKeysFromDirectory(root string) ([]string, error) {
	var keys []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || path == root || info.IsDir() {
			return err
		}
		name := filepath.Base(path)
		_, code, splitErr := splitTypeCode(name)
		if splitErr != nil || code != typeData {
			return nil
		}
		keyName, err := pathToKeyName(root, path)
		if err != nil {
			return nil
		}
		if keyName == "bucket" {
			return nil
		}
		keys = append(keys, keyName)
		return nil
	})
	return keys, err
}

// uploadKey re-uploads one key from its three sidecar files. On
// failure after the object body has been put, it removes the
// just-created object rather than leaving a body with no matching ACL
// behind — mirroring upload_key's key.delete() rollback, but scoped to
// only the object this call itself created (see DESIGN.md for why the
// original's unconditional delete-on-any-error is not replicated
// as-is).
func uploadKey(ctx context.Context, client *s3.Client, root, bucket, key string) error {
	inData := keyNameToPath(root, key, typeData)
	inMeta := keyNameToPath(root, key, typeMeta)
	inACL := keyNameToPath(root, key, typeACL)

	aclBytes, err := os.ReadFile(inACL)
	if err != nil {
		return fmt.Errorf("rgw: reading ACL sidecar for %s: %w", key, err)
	}
	var acl aclDocument
	if err := json.Unmarshal(aclBytes, &acl); err != nil {
		return fmt.Errorf("rgw: decoding ACL sidecar for %s: %w", key, err)
	}

	metaBytes, err := os.ReadFile(inMeta)
	if err != nil {
		return fmt.Errorf("rgw: reading metadata sidecar for %s: %w", key, err)
	}
	var meta objectMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return fmt.Errorf("rgw: decoding metadata sidecar for %s: %w", key, err)
	}

	data, err := os.Open(inData)
	if err != nil {
		return fmt.Errorf("rgw: opening body for %s: %w", key, err)
	}
	defer data.Close()

	put := &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Body:     data,
		Metadata: meta.Metadata,
	}
	if meta.CacheControl != "" {
		put.CacheControl = aws.String(meta.CacheControl)
	}
	if meta.ContentDisp != "" {
		put.ContentDisposition = aws.String(meta.ContentDisp)
	}
	if meta.ContentEncoding != "" {
		put.ContentEncoding = aws.String(meta.ContentEncoding)
	}
	if meta.ContentLanguage != "" {
		put.ContentLanguage = aws.String(meta.ContentLanguage)
	}
	if meta.ContentType != "" {
		put.ContentType = aws.String(meta.ContentType)
	}

	if _, err := client.PutObject(ctx, put); err != nil {
		return fmt.Errorf("rgw: uploading %s: %w", key, err)
	}

	if _, err := client.PutObjectAcl(ctx, &s3.PutObjectAclInput{
		Bucket:              aws.String(bucket),
		Key:                 aws.String(key),
		AccessControlPolicy: acl.toAWS(),
	}); err != nil {
		if _, delErr := client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); delErr != nil {
			return fmt.Errorf("rgw: setting ACL for %s: %w (cleanup also failed: %v)", key, err, delErr)
		}
		return fmt.Errorf("rgw: setting ACL for %s: %w", key, err)
	}
	return nil
}
