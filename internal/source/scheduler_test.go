package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

type fakeUnit struct{ name string }

func (f fakeUnit) Name() string { return f.name }
func (f fakeUnit) Backup(ctx context.Context, root string, scrub bool) error { return nil }

func TestBuildExcerptTrimsToLastLines(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("line\n")
	}
	excerpt := buildExcerpt([]byte(b.String()))
	lineCount := strings.Count(excerpt, "\n") + 1
	if lineCount > excerptMaxLines {
		t.Fatalf("expected at most %d lines, got %d", excerptMaxLines, lineCount)
	}
}

func TestFormatFailureBlock(t *testing.T) {
	r := UnitResult{SourceLabel: "rsync", UnitName: "host-a", Err: os.ErrDeadlineExceeded, Excerpt: "boom\nfailed"}
	block := FormatFailureBlock(r)
	for _, want := range []string{"Failed: rsync/host-a", "boom", "failed"} {
		if !strings.Contains(block, want) {
			t.Fatalf("expected block to contain %q, got:\n%s", want, block)
		}
	}
}

func TestPoolRunEmptyUnitList(t *testing.T) {
	dir := t.TempDir()
	p := NewPool("rsync", 2, filepath.Join(dir, "Logs", "rsync"), "/bin/true", "/dev/null", false, zap.NewNop())
	results := p.Run(context.Background(), nil, false)
	if len(results) != 0 {
		t.Fatalf("expected no results for empty unit list, got %d", len(results))
	}
}

func TestPoolRunInvokesChildPerUnit(t *testing.T) {
	dir := t.TempDir()
	p := NewPool("rsync", 1, filepath.Join(dir, "Logs", "rsync"), "/bin/true", "/dev/null", false, zap.NewNop())
	units := []Unit{fakeUnit{name: "host-a"}, fakeUnit{name: "host-b"}}
	results := p.Run(context.Background(), units, false)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected error from /bin/true child: %v", r.Err)
		}
	}
	for _, name := range []string{"host-a", "host-b"} {
		if _, err := os.Stat(filepath.Join(dir, "Logs", "rsync", name)); err != nil {
			t.Fatalf("expected log dir for %s: %v", name, err)
		}
	}
}
