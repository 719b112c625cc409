package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eargollo/mediaflow/internal/config"
	"github.com/eargollo/mediaflow/internal/media"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "drive_root: /mnt/photos\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DriveRoot != "/mnt/photos" {
		t.Errorf("drive_root = %q", cfg.DriveRoot)
	}
	if cfg.Workers != 4 || cfg.BatchSize != 50 || cfg.MaxRetries != 3 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Watch.SettleInterval != 5*time.Second {
		t.Errorf("settle_interval = %v", cfg.Watch.SettleInterval)
	}
	if cfg.Incoming() != "/mnt/photos/incoming" {
		t.Errorf("Incoming() = %q", cfg.Incoming())
	}
	if !cfg.Enrich.CatalogEnabled() {
		t.Error("catalog stage should be enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
drive_root: /mnt/photos
incoming_dir: /mnt/inbox
file_types: images
workers: 8
retry:
  base_delay: 2s
  max_delay: 1m
  jitter_percent: 10
watch:
  settle_interval: 750ms
enrich:
  catalog: false
  command: ["/usr/local/bin/caption", "--json"]
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Incoming() != "/mnt/inbox" {
		t.Errorf("Incoming() = %q", cfg.Incoming())
	}
	if cfg.Filter() != media.FilterImages {
		t.Errorf("Filter() = %q", cfg.Filter())
	}
	if cfg.Workers != 8 || cfg.Retry.BaseDelay != 2*time.Second || cfg.Retry.MaxDelay != time.Minute {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Watch.SettleInterval != 750*time.Millisecond {
		t.Errorf("settle_interval = %v", cfg.Watch.SettleInterval)
	}
	if cfg.Enrich.CatalogEnabled() || len(cfg.Enrich.Command) != 2 {
		t.Errorf("enrich = %+v", cfg.Enrich)
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	_, err := config.Load(writeConfig(t, "drive_root: /x\nworkerz: 3\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := config.Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath == "" || cfg.HTTPAddr == "" {
		t.Errorf("defaults missing: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	cfg.FileTypes = "documents"
	cfg.Workers = -1
	cfg.Retry.MaxDelay = time.Millisecond
	cfg.Schedule = "not a cron"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"documents", "workers", "retry.max_delay", "schedule"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestResolvePaths_RelativeRootBecomesCanonical(t *testing.T) {
	base := t.TempDir()
	realDir := filepath.Join(base, "real")
	if err := os.MkdirAll(filepath.Join(realDir, "photos"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(realDir, filepath.Join(base, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	t.Chdir(base)

	cfg := config.Default()
	cfg.DriveRoot = filepath.Join("link", "photos")
	cfg.IncomingDir = "inbox"
	if err := cfg.ResolvePaths(); err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}
	want, err := filepath.EvalSymlinks(filepath.Join(realDir, "photos"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DriveRoot != want {
		t.Errorf("drive_root = %q, want %q", cfg.DriveRoot, want)
	}
	if cfg.Incoming() != filepath.Join(want, "inbox") {
		t.Errorf("Incoming() = %q", cfg.Incoming())
	}

	before := cfg.DriveRoot
	if err := cfg.ResolvePaths(); err != nil || cfg.DriveRoot != before {
		t.Errorf("ResolvePaths is not idempotent: %q, %v", cfg.DriveRoot, err)
	}
}

func TestCanonicalPath_MissingTailKeepsName(t *testing.T) {
	base, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Chdir(base)

	got, err := config.CanonicalPath(filepath.Join("not", "yet", "there.jpg"))
	if err != nil {
		t.Fatalf("CanonicalPath: %v", err)
	}
	if want := filepath.Join(base, "not", "yet", "there.jpg"); got != want {
		t.Errorf("CanonicalPath = %q, want %q", got, want)
	}
}

func TestCanonicalFile_KeepsSymlinkedFileName(t *testing.T) {
	base, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(base, "target.jpg")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(base, "alias.jpg")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	got, err := config.CanonicalFile(link)
	if err != nil || got != link {
		t.Errorf("CanonicalFile = %q, %v; want %q", got, err, link)
	}
}
