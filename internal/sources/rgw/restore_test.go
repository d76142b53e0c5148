package rgw

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnumerateKeysFromDirectorySkipsBucketSentinelsAndNonDataFiles(t *testing.T) {
	root := t.TempDir()
	write := func(rel string) {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("flat.txt_k")
	write("flat.txt_m")
	write("flat.txt_a")
	write("a_d/b.txt_k")
	write("bucket_A")
	write("bucket_C")

	keys, err := enumerateKeysFromDirectory(root)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, k := range keys {
		got[k] = true
	}
	if !got["flat.txt"] || !got["a/b.txt"] {
		t.Fatalf("expected flat.txt and a/b.txt, got %v", keys)
	}
	if len(keys) != 2 {
		t.Fatalf("expected exactly 2 keys (sentinels/meta/acl excluded), got %v", keys)
	}
}

func TestAclDocumentToAWSRoundTripsOwnerAndGrants(t *testing.T) {
	doc := aclDocument{
		OwnerID:   "owner-1",
		OwnerName: "Owner One",
		Grants: []aclGrant{
			{GranteeID: "aaa", Permission: "READ"},
			{GranteeURI: "http://acs.amazonaws.com/groups/global/AllUsers", Permission: "READ"},
		},
	}
	policy := doc.toAWS()
	if policy.Owner == nil || *policy.Owner.ID != "owner-1" {
		t.Fatal("expected owner ID to round trip")
	}
	if len(policy.Grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(policy.Grants))
	}
	if policy.Grants[0].Grantee.ID == nil || *policy.Grants[0].Grantee.ID != "aaa" {
		t.Fatal("expected first grant to carry the canonical user ID")
	}
	if policy.Grants[1].Grantee.URI == nil || *policy.Grants[1].Grantee.URI == "" {
		t.Fatal("expected second grant to carry the group URI")
	}
}
