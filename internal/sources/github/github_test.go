package github

import "testing"

func TestRelRoot(t *testing.T) {
	cases := []struct {
		org, repo, want string
	}{
		{"cmusatyalab", "", "github/cmusatyalab/@organization"},
		{"cmusatyalab", "deltaic", "github/cmusatyalab/deltaic"},
	}
	for _, c := range cases {
		if got := relRoot(c.org, c.repo); got != c.want {
			t.Errorf("relRoot(%q, %q) = %q, want %q", c.org, c.repo, got, c.want)
		}
	}
}

func TestContainsQuery(t *testing.T) {
	if containsQuery("repos/org/repo/issues") {
		t.Error("expected no query marker")
	}
	if !containsQuery("repos/org/repo/issues?state=all") {
		t.Error("expected query marker to be detected")
	}
}
