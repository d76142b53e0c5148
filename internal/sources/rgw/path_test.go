package rgw

import "testing"

func TestKeyNameToPathAndBackRoundTrip(t *testing.T) {
	cases := []string{
		"flat.txt",
		"a/b/c.txt",
		"deeply/nested/path/to/object",
	}
	for _, key := range cases {
		path := keyNameToPath("/root", key, typeData)
		got, err := pathToKeyName("/root", path)
		if err != nil {
			t.Fatalf("key %q: %v", key, err)
		}
		if got != key {
			t.Fatalf("key %q: round trip gave %q", key, got)
		}
	}
}

func TestKeyNameToPathUsesDirectoryTypeCodeForIntermediateComponents(t *testing.T) {
	path := keyNameToPath("/root", "a/b/c.txt", typeData)
	want := "/root/a_d/b_d/c.txt_k"
	if path != want {
		t.Fatalf("got %q, want %q", path, want)
	}
}

func TestSplitTypeCodeRejectsUncoded(t *testing.T) {
	if _, _, err := splitTypeCode("no-code-here"); err == nil {
		t.Fatal("expected an error for a name without a type code")
	}
}

func TestPathToKeyNameRejectsMissingDirectoryCode(t *testing.T) {
	// "a_k" in a directory position should be rejected: a data-type
	// code where a directory-type code is required.
	if _, err := pathToKeyName("/root", "/root/a_k/b_k"); err == nil {
		t.Fatal("expected an error when an intermediate component lacks the 'd' type code")
	}
}
