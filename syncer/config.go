package syncer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/kbsync/docconv"
	"github.com/hazyhaar/kbsync/fetch"
)

// Config configures the sync service.
type Config struct {
	// DataDir is the root directory for engine state. The registry and
	// sync-state documents default to files under it.
	DataDir string `yaml:"data_dir"`

	// RegistryPath and StatePath override the DataDir-derived locations.
	RegistryPath string `yaml:"registry_path"`
	StatePath    string `yaml:"state_path"`

	// Sync settings
	Sync SyncConfig `yaml:"sync"`

	// Jobs settings
	Jobs JobsConfig `yaml:"jobs"`

	// Events settings
	Events EventsConfig `yaml:"events"`

	// Fetch settings for document URL expansion
	Fetch fetch.Config `yaml:"fetch"`

	// Convert settings for document-to-text
	Convert docconv.Options `yaml:"convert"`
}

// SyncConfig tunes the pass pipeline.
type SyncConfig struct {
	// TargetStore names the content store in emitted query specs.
	TargetStore string `yaml:"target_store"`
	// OmitMetadata drops the metadata object from stored records. Off by
	// default: provenance fields and projected columns are what make the
	// records traceable and filterable.
	OmitMetadata bool `yaml:"omit_metadata"`
	// RowLimit caps the rows read from one unit per run. 0 = no cap.
	RowLimit int `yaml:"row_limit"`
	// UnitTimeout is the soft per-unit ingestion timeout, so one slow
	// source cannot stall a whole pass or scheduler tick. Default: 2m.
	UnitTimeout time.Duration `yaml:"unit_timeout"`
}

// JobsConfig tunes the per-instance scheduler.
type JobsConfig struct {
	// Interval is the recurrence of per-instance sync jobs. Default: 1h.
	Interval time.Duration `yaml:"interval"`
	// Tick is the runner poll cadence. Default: 30s.
	Tick time.Duration `yaml:"tick"`
	// Batch is how many due jobs one poll may claim. Default: 4.
	Batch int `yaml:"batch"`
}

// EventsConfig tunes the sync event log.
type EventsConfig struct {
	// Buffer is the async writer queue size. Default: 256.
	Buffer int `yaml:"buffer"`
	// Retention is how long events are kept. Default: 30 days.
	Retention time.Duration `yaml:"retention"`
}

func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.RegistryPath == "" {
		c.RegistryPath = filepath.Join(c.DataDir, "registry.json")
	}
	if c.StatePath == "" {
		c.StatePath = filepath.Join(c.DataDir, "sync_state.json")
	}
	if c.Sync.TargetStore == "" {
		c.Sync.TargetStore = "content"
	}
	if c.Sync.UnitTimeout <= 0 {
		c.Sync.UnitTimeout = 2 * time.Minute
	}
	if c.Jobs.Interval <= 0 {
		c.Jobs.Interval = time.Hour
	}
	if c.Jobs.Tick <= 0 {
		c.Jobs.Tick = 30 * time.Second
	}
	if c.Jobs.Batch <= 0 {
		c.Jobs.Batch = 4
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.Retention <= 0 {
		c.Events.Retention = 30 * 24 * time.Hour
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "kbsync/1.0"
	}
}

func defaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}

// LoadConfig reads a YAML configuration file over the defaults. A missing
// file is not an error: the defaults stand alone.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("syncer: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("syncer: parse config %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, nil
}
