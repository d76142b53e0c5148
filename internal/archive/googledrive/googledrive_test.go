package googledrive

import "testing"

func TestQuoteDriveString(t *testing.T) {
	cases := map[string]string{
		"plain":        "'plain'",
		"it's":         `'it\'s'`,
		`back\slash`:   `'back\\slash'`,
	}
	for in, want := range cases {
		if got := quoteDriveString(in); got != want {
			t.Errorf("quoteDriveString(%q) = %q, want %q", in, got, want)
		}
	}
}
