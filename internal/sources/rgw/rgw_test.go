package rgw

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cmusatyalab/deltaic/internal/bloom"
	"github.com/cmusatyalab/deltaic/internal/config"
)

func TestNewUnitRequiresBucketName(t *testing.T) {
	_, err := NewUnit(config.SourceUnit{}, config.Settings{Extra: map[string]any{"rgw-server": "rgw.example.com"}})
	if err == nil {
		t.Fatal("expected error for empty bucket name")
	}
}

func TestNewUnitRequiresServer(t *testing.T) {
	_, err := NewUnit(config.SourceUnit{Name: "mybucket"}, config.Settings{})
	if err == nil {
		t.Fatal("expected error for missing rgw-server")
	}
}

func TestNewUnitDefaultsWorkers(t *testing.T) {
	u, err := NewUnit(config.SourceUnit{Name: "mybucket"}, config.Settings{Extra: map[string]any{"rgw-server": "rgw.example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	if u.Workers != defaultWorkers {
		t.Fatalf("got %d workers, want default %d", u.Workers, defaultWorkers)
	}
}

func TestGCBucketTreeRemovesAbsentKeysButKeepsSentinelsAndRecentWrites(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) string {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	keep := write("keep.txt_k", "present")
	gone := write("gone.txt_k", "absent")
	write("bucket_A", "acl-xml")
	write("bucket_C", "cors-xml")
	write("leftover_t", "temp")
	write("no-type-code", "junk")

	presence, _ := bloom.NewSet(100)
	presence.Add("keep.txt")

	if err := gcBucketTree(root, presence); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(keep); err != nil {
		t.Fatal("expected keep.txt_k to survive GC")
	}
	if _, err := os.Stat(gone); !os.IsNotExist(err) {
		t.Fatal("expected gone.txt_k to be removed by GC")
	}
	if _, err := os.Stat(filepath.Join(root, "bucket_A")); err != nil {
		t.Fatal("expected bucket ACL sentinel to survive GC")
	}
	if _, err := os.Stat(filepath.Join(root, "bucket_C")); err != nil {
		t.Fatal("expected bucket CORS sentinel to survive GC")
	}
	if _, err := os.Stat(filepath.Join(root, "leftover_t")); !os.IsNotExist(err) {
		t.Fatal("expected leftover temp file to be removed by GC")
	}
	if _, err := os.Stat(filepath.Join(root, "no-type-code")); !os.IsNotExist(err) {
		t.Fatal("expected a file without a type code to be removed by GC")
	}
}

func TestGCBucketTreeDoesNotDeleteFilesWrittenDuringThisSweep(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "just-written.txt_k")
	future := time.Now().Add(time.Hour)
	if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, future, future); err != nil {
		t.Fatal(err)
	}

	presence, _ := bloom.NewSet(10)
	if err := gcBucketTree(root, presence); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(p); err != nil {
		t.Fatal("expected a file with a future mtime to be protected from GC as a likely path collision")
	}
}

func TestACLToDocumentSortsGrantsDeterministically(t *testing.T) {
	acl := &s3.GetObjectAclOutput{
		Owner: &s3types.Owner{ID: aws.String("owner-1")},
		Grants: []s3types.Grant{
			{Grantee: &s3types.Grantee{ID: aws.String("zzz")}, Permission: s3types.PermissionRead},
			{Grantee: &s3types.Grantee{ID: aws.String("aaa")}, Permission: s3types.PermissionWrite},
		},
	}
	doc := aclToDocument(acl)
	if doc.OwnerID != "owner-1" {
		t.Fatalf("got owner %q", doc.OwnerID)
	}
	if len(doc.Grants) != 2 || doc.Grants[0].GranteeID != "aaa" || doc.Grants[1].GranteeID != "zzz" {
		t.Fatalf("expected grants sorted by grantee id, got %+v", doc.Grants)
	}
}
