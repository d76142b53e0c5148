// Package config loads and validates deltaic's single YAML
// configuration file: global settings, per-source unit manifests, and
// archive profile definitions.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// DefaultProbabilities match the historical tuning constants referenced
// throughout the reconcilers' probabilistic scrub/full-backup scheduling
// (see internal/scrub): each source has a small per-day chance of
// running its expensive consistency-check pass instead of waiting for
// an explicit --scrub request, spreading that cost out across units.
var DefaultProbabilities = map[string]float64{
	"coda-full-probability":     0.143,
	"rsync-scrub-probability":   0.0166,
	"github-scrub-probability":  0.0166,
	"rgw-scrub-probability":     0.0166,
	"rgw-scrub-acl-probability": 0,
}

// Settings holds the top-level `settings` block.
type Settings struct {
	// Root is the mounted backup volume's path.
	Root string `yaml:"root"`
	// BackupLV is `<volume-group>/<logical-volume>`, the origin volume
	// snapshotted at the end of each run.
	BackupLV string `yaml:"backup-lv"`
	// ArchiveSpool is scratch space for packing archives before upload.
	ArchiveSpool string `yaml:"archive-spool"`

	// Extra holds every settings key not named explicitly above:
	// per-source worker counts ("rsync-workers", "coda-workers", ...)
	// and probability knobs ("coda-full-probability"). Read with
	// WorkerCount/Probability rather than indexing directly, since YAML
	// numeric values may decode as int or float64 depending on whether
	// they contain a decimal point.
	Extra map[string]any `yaml:",inline"`

	// BinaryPaths overrides the resolved path of an external tool
	// (rsync, lvs, ssh, gpg, lzop, ...) keyed by tool name.
	BinaryPaths map[string]string `yaml:"binary-paths"`

	// MetricsAddr, if set, exposes a Prometheus /metrics endpoint.
	MetricsAddr string `yaml:"metrics-addr"`

	// Notify holds SMTP/webhook completion-notification settings.
	Notify NotifySettings `yaml:"notify"`

	// PruneLogDays bounds how many distinct calendar days of per-unit
	// logs `prune` retains (default 60).
	PruneLogDays int `yaml:"prune-log-days"`
}

// NotifySettings configures the optional completion notifier.
type NotifySettings struct {
	SMTP    *SMTPSettings    `yaml:"smtp"`
	Webhook *WebhookSettings `yaml:"webhook"`
}

// SMTPSettings configures the email notifier.
type SMTPSettings struct {
	Host string   `yaml:"host"`
	Port int      `yaml:"port"`
	From string   `yaml:"from"`
	To   []string `yaml:"to"`
}

// WebhookSettings configures the HMAC-signed webhook notifier.
type WebhookSettings struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// SourceUnit is one manifest entry under a source's key (e.g. one entry
// under `rsync:`). Fields beyond Name are source-specific and are kept
// as a raw map so each reconciler can decode the subset it understands
// without this package needing to know every source's schema.
type SourceUnit struct {
	Name  string         `yaml:"name"`
	Extra map[string]any `yaml:",inline"`
}

// ArchiverProfile is one entry under `archivers:`.
type ArchiverProfile struct {
	Archiver    string         `yaml:"archiver"`
	Workers     int            `yaml:"workers"`
	KeepCount   int            `yaml:"keep-count"`
	Compression string         `yaml:"compression"`
	Extra       map[string]any `yaml:",inline"`
}

// Config is the fully decoded configuration file.
type Config struct {
	Settings  Settings                   `yaml:"settings"`
	Rsync     []SourceUnit               `yaml:"rsync"`
	Coda      []SourceUnit               `yaml:"coda"`
	RBD       []SourceUnit               `yaml:"rbd"`
	RGW       []SourceUnit               `yaml:"rgw"`
	GitHub    []SourceUnit               `yaml:"github"`
	Archivers map[string]ArchiverProfile `yaml:"archivers"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.Settings.PruneLogDays == 0 {
		cfg.Settings.PruneLogDays = 60
	}
	return &cfg, nil
}

// WorkerCount returns the configured worker pool size for the given
// source label (e.g. "rsync"), falling back to def if unset.
func (s Settings) WorkerCount(sourceLabel string, def int) int {
	v, ok := s.Extra[sourceLabel+"-workers"]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return def
	}
}

// Probability returns the configured probability knob named key,
// falling back to DefaultProbabilities[key] (or 0 if also unset).
func (s Settings) Probability(key string) float64 {
	v, ok := s.Extra[key]
	if !ok {
		return DefaultProbabilities[key]
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return DefaultProbabilities[key]
	}
}

// StringExtra reads key out of an inline `Extra` map (Settings.Extra or
// ArchiverProfile.Extra), falling back to def when absent or not a string.
// Archiver profiles key their backend-specific settings (dsn, blob-dir,
// vault-name, root-folder-id, ...) this way rather than each needing its
// own named struct field.
func StringExtra(extra map[string]any, key, def string) string {
	if v, ok := extra[key].(string); ok {
		return v
	}
	return def
}

// FloatExtra reads a numeric key out of an inline Extra map, tolerating
// YAML's int/float64 ambiguity the same way WorkerCount/Probability do.
func FloatExtra(extra map[string]any, key string, def float64) float64 {
	switch n := extra[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

// DefaultPath returns the platform-appropriate default configuration
// file location, mirroring the Python `click.get_app_dir("deltaic")`
// resolution: ~/.config/deltaic/config.yaml on Linux, %APPDATA%\deltaic
// on Windows, ~/Library/Application Support/deltaic on macOS.
func DefaultPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = "."
	}
	switch runtime.GOOS {
	case "windows":
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "deltaic", "config.yaml")
		}
		return filepath.Join(dir, "deltaic", "config.yaml")
	case "darwin":
		return filepath.Join(dir, "Library", "Application Support", "deltaic", "config.yaml")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "deltaic", "config.yaml")
		}
		return filepath.Join(dir, ".config", "deltaic", "config.yaml")
	}
}
