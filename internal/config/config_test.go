package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
settings:
  root: /backup
  backup-lv: vg0/backup
  archive-spool: /backup/spool
  rsync-workers: 4
  coda-workers: 2
  coda-full-probability: 0.143
  prune-log-days: 30

rsync:
  - name: host-a
    source: host-a.example.com:/data

coda:
  - name: vol1

archivers:
  aws:
    archiver: aws
    workers: 2
    keep-count: 3
    compression: gzip
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParsesSettingsAndUnits(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Settings.Root != "/backup" {
		t.Errorf("root = %q", cfg.Settings.Root)
	}
	if cfg.Settings.BackupLV != "vg0/backup" {
		t.Errorf("backup-lv = %q", cfg.Settings.BackupLV)
	}
	if len(cfg.Rsync) != 1 || cfg.Rsync[0].Name != "host-a" {
		t.Errorf("rsync units = %+v", cfg.Rsync)
	}
	if len(cfg.Coda) != 1 || cfg.Coda[0].Name != "vol1" {
		t.Errorf("coda units = %+v", cfg.Coda)
	}
	profile, ok := cfg.Archivers["aws"]
	if !ok || profile.Archiver != "aws" || profile.KeepCount != 3 {
		t.Errorf("archivers[aws] = %+v, ok=%v", profile, ok)
	}
}

func TestWorkerCountFallsBackToDefault(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Settings.WorkerCount("rsync", 1); got != 4 {
		t.Errorf("rsync-workers = %d, want 4", got)
	}
	if got := cfg.Settings.WorkerCount("rbd", 7); got != 7 {
		t.Errorf("rbd-workers fallback = %d, want 7", got)
	}
}

func TestProbabilityFallsBackToDocumentedDefault(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Settings.Probability("coda-full-probability"); got != 0.143 {
		t.Errorf("coda-full-probability = %v, want 0.143", got)
	}

	emptyPath := writeTempConfig(t, "settings:\n  root: /backup\n")
	empty, err := Load(emptyPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := empty.Settings.Probability("coda-full-probability"); got != 0.143 {
		t.Errorf("default fallback = %v, want 0.143", got)
	}
}

func TestPruneLogDaysDefaultsTo60(t *testing.T) {
	path := writeTempConfig(t, "settings:\n  root: /backup\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Settings.PruneLogDays != 60 {
		t.Errorf("prune-log-days default = %d, want 60", cfg.Settings.PruneLogDays)
	}
}
