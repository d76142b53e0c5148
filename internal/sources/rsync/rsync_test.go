package rsync

import (
	"context"
	"testing"

	"github.com/cmusatyalab/deltaic/internal/config"
)

func TestNewUnitRequiresSource(t *testing.T) {
	_, err := NewUnit(config.SourceUnit{Name: "x"}, "", 0)
	if err == nil {
		t.Fatal("expected error for missing source field")
	}
}

func TestNewUnitDefaultsRsyncPath(t *testing.T) {
	u, err := NewUnit(config.SourceUnit{Name: "x", Extra: map[string]any{"source": "host:/data"}}, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if u.RSyncPath != "rsync" {
		t.Fatalf("expected default rsync path, got %q", u.RSyncPath)
	}
}

func TestNewUnitParsesHostAndHooks(t *testing.T) {
	u, err := NewUnit(config.SourceUnit{Name: "x", Extra: map[string]any{
		"source": "host1.example.com:/data",
		"pre":    "service foo stop",
		"post":   "service foo start",
	}}, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if u.SSHHost != "host1.example.com" {
		t.Fatalf("expected parsed ssh host, got %q", u.SSHHost)
	}
	if u.PreCommand != "service foo stop" || u.PostCommand != "service foo start" {
		t.Fatalf("expected pre/post hooks to be captured, got %q / %q", u.PreCommand, u.PostCommand)
	}
}

func TestBackupWithMissingBinaryFails(t *testing.T) {
	u := Unit{UnitName: "x", RemotePath: "host:/data", RSyncPath: "/no/such/rsync/binary"}
	err := u.Backup(context.Background(), t.TempDir(), false)
	if err == nil {
		t.Fatal("expected error for missing rsync binary")
	}
}
