package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/eargollo/mediaflow/internal/media"
)

// Config holds all configuration loaded from config.yaml.
type Config struct {
	DriveRoot          string        `yaml:"drive_root"          json:"drive_root"`
	IncomingDir        string        `yaml:"incoming_dir"        json:"incoming_dir"`
	DBPath             string        `yaml:"db_path"             json:"-"`
	ReportDir          string        `yaml:"report_dir"          json:"-"`
	FileTypes          string        `yaml:"file_types"          json:"file_types"`
	MaxFiles           int           `yaml:"max_files"           json:"max_files"`
	Exclude            []string      `yaml:"exclude"             json:"exclude"`
	Workers            int           `yaml:"workers"             json:"workers"`
	Walkers            int           `yaml:"walkers"             json:"walkers"`
	BatchSize          int           `yaml:"batch_size"          json:"batch_size"`
	CheckpointInterval int           `yaml:"checkpoint_interval" json:"checkpoint_interval"`
	MaxRetries         int           `yaml:"max_retries"         json:"max_retries"`
	EnrichTimeout      time.Duration `yaml:"enrich_timeout"      json:"enrich_timeout"`
	Retry              Retry         `yaml:"retry"               json:"retry"`
	Watch              Watch         `yaml:"watch"               json:"watch"`
	Schedule           string        `yaml:"schedule"            json:"-"`
	HTTPAddr           string        `yaml:"http_addr"           json:"-"`
	StaleSessionAfter  time.Duration `yaml:"stale_session_after" json:"-"`
	Enrich             Enrich        `yaml:"enrich"              json:"enrich"`
	LogLevel           string        `yaml:"log_level"           json:"-"`
	LogFile            string        `yaml:"log_file"            json:"-"`
}

// Retry tunes the backoff between attempts of a transiently failing file.
type Retry struct {
	BaseDelay     time.Duration `yaml:"base_delay"     json:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"      json:"max_delay"`
	JitterPercent uint64        `yaml:"jitter_percent" json:"jitter_percent"`
}

// Watch configures the daemon's file watcher and intake.
type Watch struct {
	SettleInterval time.Duration `yaml:"settle_interval" json:"settle_interval"`
	QueueSize      int           `yaml:"queue_size"      json:"queue_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"  json:"flush_interval"`
}

// Enrich selects the enrichment stages.
type Enrich struct {
	// Catalog enables the built-in metadata stage (default true).
	Catalog *bool `yaml:"catalog" json:"catalog"`
	// Command is an external program run per file after the catalog stage.
	Command []string `yaml:"command" json:"command,omitempty"`
}

// CatalogEnabled reports whether the built-in catalog stage runs.
func (e Enrich) CatalogEnabled() bool { return e.Catalog == nil || *e.Catalog }

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.DriveRoot == "" {
		c.DriveRoot = "/data/media"
	}
	if c.IncomingDir == "" {
		c.IncomingDir = "incoming"
	}
	if c.DBPath == "" {
		c.DBPath = "/data/mediaflow.db"
	}
	if c.ReportDir == "" {
		c.ReportDir = "/data/reports"
	}
	if c.FileTypes == "" {
		c.FileTypes = string(media.FilterAll)
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.Walkers == 0 {
		c.Walkers = 4
	}
	if c.BatchSize == 0 {
		c.BatchSize = 50
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 10
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.EnrichTimeout == 0 {
		c.EnrichTimeout = 5 * time.Minute
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Retry.JitterPercent == 0 {
		c.Retry.JitterPercent = 20
	}
	if c.Watch.SettleInterval == 0 {
		c.Watch.SettleInterval = 5 * time.Second
	}
	if c.Watch.QueueSize == 0 {
		c.Watch.QueueSize = 1000
	}
	if c.Watch.FlushInterval == 0 {
		c.Watch.FlushInterval = 10 * time.Second
	}
	if c.Schedule == "" {
		c.Schedule = "0 3 * * *"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.StaleSessionAfter == 0 {
		c.StaleSessionAfter = 2 * time.Minute
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Default returns a Config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads and parses the YAML config file at path.
// If the file does not exist, Load returns a default Config so the tool
// can run from flags alone.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Filter returns the parsed file-type filter. Call Validate first.
func (c *Config) Filter() media.Filter {
	f, _ := media.ParseFilter(c.FileTypes)
	return f
}

// Incoming returns the absolute incoming directory. A relative
// incoming_dir is resolved against drive_root.
func (c *Config) Incoming() string {
	if filepath.IsAbs(c.IncomingDir) {
		return filepath.Clean(c.IncomingDir)
	}
	return filepath.Join(c.DriveRoot, c.IncomingDir)
}

// CanonicalPath returns the absolute form of p with symlinks resolved. When
// p does not exist yet, its deepest existing ancestor is resolved and the
// rest is joined back unchanged.
func CanonicalPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", p, err)
	}
	var rest []string
	dir := abs
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = append(rest, filepath.Base(dir))
		dir = parent
	}
}

// CanonicalFile is CanonicalPath for a file inside the drive root: the
// directory is resolved but a symlinked file keeps its own name, matching
// the paths discovery records.
func CanonicalFile(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", p, err)
	}
	dir, err := CanonicalPath(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

// ResolvePaths makes drive_root and an absolute incoming_dir canonical.
// Ledger records are keyed by path, so a relative root would give one file
// a different key for every working directory. Call it after overrides are
// applied and before the ledger is touched; it is idempotent.
func (c *Config) ResolvePaths() error {
	root, err := CanonicalPath(c.DriveRoot)
	if err != nil {
		return fmt.Errorf("drive_root: %w", err)
	}
	c.DriveRoot = root
	if filepath.IsAbs(c.IncomingDir) {
		inc, err := CanonicalPath(c.IncomingDir)
		if err != nil {
			return fmt.Errorf("incoming_dir: %w", err)
		}
		c.IncomingDir = inc
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DriveRoot == "" {
		errs = append(errs, errors.New("drive_root is required"))
	}
	if _, err := media.ParseFilter(c.FileTypes); err != nil {
		errs = append(errs, err)
	}
	for _, f := range []struct {
		name  string
		value int
	}{
		{"workers", c.Workers},
		{"walkers", c.Walkers},
		{"batch_size", c.BatchSize},
		{"checkpoint_interval", c.CheckpointInterval},
		{"max_retries", c.MaxRetries},
		{"watch.queue_size", c.Watch.QueueSize},
	} {
		if f.value < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", f.name, f.value))
		}
	}
	if c.MaxFiles < 0 {
		errs = append(errs, fmt.Errorf("max_files must not be negative, got %d", c.MaxFiles))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry.max_delay %s is below retry.base_delay %s", c.Retry.MaxDelay, c.Retry.BaseDelay))
	}
	if c.Retry.JitterPercent > 100 {
		errs = append(errs, fmt.Errorf("retry.jitter_percent must be at most 100, got %d", c.Retry.JitterPercent))
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("schedule %q: %w", c.Schedule, err))
	}
	return errors.Join(errs...)
}
