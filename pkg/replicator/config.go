package replicator

import (
	"os"
	"time"

	"github.com/pingcap/errors"
	"gopkg.in/yaml.v3"
)

// Config holds one database's replication configuration: connection
// strings, the durable-state directory, and the time-driven tunables of
// SPEC_FULL.md §5.
type Config struct {
	Database string `yaml:"database"`

	SourceDSN string `yaml:"source_dsn"`

	TargetAddr     []string `yaml:"target_addr"`
	TargetUsername string   `yaml:"target_username"`
	TargetPassword string   `yaml:"target_password"`

	DataDir string `yaml:"data_dir"`

	InitialBatch      int           `yaml:"initial_batch"`
	DataDumpBatchSize int           `yaml:"data_dump_batch_size"`
	SaveStateInterval time.Duration `yaml:"save_state_interval"`
	StatsDumpInterval time.Duration `yaml:"stats_dump_interval"`
	DataDumpInterval  time.Duration `yaml:"data_dump_interval"`
	ReadLogInterval   time.Duration `yaml:"read_log_interval"`
}

// SetDefaults fills every zero-valued tunable with its SPEC_FULL.md §5
// default. Called after loading so a config file only needs to name
// the overrides it wants.
func (c *Config) SetDefaults() {
	if c.InitialBatch <= 0 {
		c.InitialBatch = DefaultInitialBatch
	}
	if c.DataDumpBatchSize <= 0 {
		c.DataDumpBatchSize = DefaultDataDumpBatchSize
	}
	if c.SaveStateInterval <= 0 {
		c.SaveStateInterval = DefaultSaveStateInterval
	}
	if c.StatsDumpInterval <= 0 {
		c.StatsDumpInterval = DefaultStatsDumpInterval
	}
	if c.DataDumpInterval <= 0 {
		c.DataDumpInterval = DefaultDataDumpInterval
	}
	if c.ReadLogInterval <= 0 {
		c.ReadLogInterval = DefaultReadLogInterval
	}
}

// LoadConfig reads and parses a YAML config file, applying defaults to
// any tunable the file leaves unset.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "replicator: reading config %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Annotatef(err, "replicator: parsing config %s", path)
	}
	cfg.SetDefaults()
	if cfg.Database == "" {
		return nil, errors.New("replicator: config is missing database")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("replicator: config is missing data_dir")
	}
	return &cfg, nil
}
