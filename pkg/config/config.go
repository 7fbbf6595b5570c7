// Package config defines the pipeline configuration consumed by the
// ingestion engine.
//
// A pipeline file names a checkpoint database and a list of connectors. Each
// connector entry is a tagged union: the kind field selects which
// kind-specific section applies. Validation applies defaults and rejects
// entries whose kind-specific section is missing, so the engine only ever
// sees an already-validated, strongly-typed scope.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aaryaattrey/dozer/pkg/errors"
)

// PipelineConfig is the root configuration document.
type PipelineConfig struct {
	Name       string            `yaml:"name" mapstructure:"name"`
	Checkpoint CheckpointConfig  `yaml:"checkpoint" mapstructure:"checkpoint"`
	Connectors []ConnectorConfig `yaml:"connectors" mapstructure:"connectors"`
}

// CheckpointConfig locates the durable checkpoint store.
type CheckpointConfig struct {
	// Path of the bbolt database file. Empty selects the in-memory store
	// (no durability; intended for tests and dry runs).
	Path string `yaml:"path" mapstructure:"path"`
}

// BufferConfig bounds a connector's backpressure buffer.
type BufferConfig struct {
	Size            int   `yaml:"size" mapstructure:"size"`
	MaxBytes        int64 `yaml:"max_bytes" mapstructure:"max_bytes"`
	LowWater        int   `yaml:"low_water" mapstructure:"low_water"`
	BatchSize       int   `yaml:"batch_size" mapstructure:"batch_size"`
	TimeoutInMillis int   `yaml:"timeout_in_millis" mapstructure:"timeout_in_millis"`
}

// RetryConfig bounds transient-error retries.
type RetryConfig struct {
	MaxAttempts          int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialDelayInMillis int     `yaml:"initial_delay_in_millis" mapstructure:"initial_delay_in_millis"`
	MaxDelayInMillis     int     `yaml:"max_delay_in_millis" mapstructure:"max_delay_in_millis"`
	Multiplier           float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// ConnectorConfig is one connector entry. Exactly one kind-specific section
// must be present, matching Kind.
type ConnectorConfig struct {
	ID   string `yaml:"id" mapstructure:"id"`
	Kind string `yaml:"kind" mapstructure:"kind"`

	Buffer BufferConfig `yaml:"buffer" mapstructure:"buffer"`
	Retry  RetryConfig  `yaml:"retry" mapstructure:"retry"`

	// PollIntervalInMillis applies to sources without a native push
	// mechanism.
	PollIntervalInMillis int `yaml:"poll_interval_in_millis" mapstructure:"poll_interval_in_millis"`

	Postgres  *PostgresConfig  `yaml:"postgres,omitempty" mapstructure:"postgres"`
	MySQL     *MySQLConfig     `yaml:"mysql,omitempty" mapstructure:"mysql"`
	Kafka     *KafkaConfig     `yaml:"kafka,omitempty" mapstructure:"kafka"`
	EthLogs   *EthLogsConfig   `yaml:"eth_logs,omitempty" mapstructure:"eth_logs"`
	S3        *S3Config        `yaml:"s3,omitempty" mapstructure:"s3"`
	File      *FileConfig      `yaml:"file,omitempty" mapstructure:"file"`
	MongoDB   *MongoDBConfig   `yaml:"mongodb,omitempty" mapstructure:"mongodb"`
	Snowflake *SnowflakeConfig `yaml:"snowflake,omitempty" mapstructure:"snowflake"`
	Push      *PushConfig      `yaml:"push,omitempty" mapstructure:"push"`
}

// PollInterval returns the poll interval as a duration.
func (c *ConnectorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalInMillis) * time.Millisecond
}

// PostgresConfig configures the PostgreSQL logical-replication connector.
type PostgresConfig struct {
	ConnString  string   `yaml:"conn_string" mapstructure:"conn_string"`
	SlotName    string   `yaml:"slot_name" mapstructure:"slot_name"`
	Publication string   `yaml:"publication" mapstructure:"publication"`
	Tables      []string `yaml:"tables" mapstructure:"tables"`
}

// MySQLConfig configures the MySQL binlog connector.
type MySQLConfig struct {
	Addr     string   `yaml:"addr" mapstructure:"addr"`
	User     string   `yaml:"user" mapstructure:"user"`
	Password string   `yaml:"password" mapstructure:"password"`
	Database string   `yaml:"database" mapstructure:"database"`
	Tables   []string `yaml:"tables" mapstructure:"tables"`
	ServerID uint32   `yaml:"server_id" mapstructure:"server_id"`
}

// KafkaConfig configures the broker-topic append-log connector.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// EthLogsConfig configures the blockchain log connector. A nil ToBlock
// means open-ended: tail forever.
type EthLogsConfig struct {
	Endpoint      string   `yaml:"endpoint" mapstructure:"endpoint"`
	Addresses     []string `yaml:"addresses" mapstructure:"addresses"`
	FromBlock     uint64   `yaml:"from_block" mapstructure:"from_block"`
	ToBlock       *uint64  `yaml:"to_block,omitempty" mapstructure:"to_block"`
	Confirmations uint64   `yaml:"confirmations" mapstructure:"confirmations"`
	ChunkSize     uint64   `yaml:"chunk_size" mapstructure:"chunk_size"`
}

// S3Config configures the object-storage scan connector.
type S3Config struct {
	Bucket   string `yaml:"bucket" mapstructure:"bucket"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
	Region   string `yaml:"region" mapstructure:"region"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Tail     bool   `yaml:"tail" mapstructure:"tail"`
}

// FileConfig configures the local file scan connector.
type FileConfig struct {
	Glob string `yaml:"glob" mapstructure:"glob"`
	Tail bool   `yaml:"tail" mapstructure:"tail"`
}

// MongoDBConfig configures the document-store connector.
type MongoDBConfig struct {
	URI        string `yaml:"uri" mapstructure:"uri"`
	Database   string `yaml:"database" mapstructure:"database"`
	Collection string `yaml:"collection" mapstructure:"collection"`
}

// SnowflakeConfig configures the warehouse polling connector.
type SnowflakeConfig struct {
	DSN             string `yaml:"dsn" mapstructure:"dsn"`
	Table           string `yaml:"table" mapstructure:"table"`
	WatermarkColumn string `yaml:"watermark_column" mapstructure:"watermark_column"`
}

// PushConfig configures the RPC batch-push intake connector.
type PushConfig struct {
	Entity string `yaml:"entity" mapstructure:"entity"`
	Depth  int    `yaml:"depth" mapstructure:"depth"`
}

// Load reads and validates a pipeline configuration file.
func Load(path string) (*PipelineConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DOZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "reading pipeline config")
	}

	var cfg PipelineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parsing pipeline config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and rejects inconsistent entries.
func (c *PipelineConfig) Validate() error {
	if len(c.Connectors) == 0 {
		return errors.New(errors.ErrorTypeConfig, "at least one connector must be configured")
	}

	seen := make(map[string]bool, len(c.Connectors))
	for i := range c.Connectors {
		cc := &c.Connectors[i]
		if err := cc.validate(); err != nil {
			return err
		}
		if seen[cc.ID] {
			return errors.Newf(errors.ErrorTypeConfig, "duplicate connector id %q", cc.ID)
		}
		seen[cc.ID] = true
	}
	return nil
}

func (c *ConnectorConfig) validate() error {
	if c.ID == "" {
		return errors.New(errors.ErrorTypeConfig, "connector id is required")
	}

	if c.Buffer.Size <= 0 {
		c.Buffer.Size = 4096
	}
	if c.Buffer.BatchSize <= 0 {
		c.Buffer.BatchSize = 256
	}
	if c.Buffer.TimeoutInMillis <= 0 {
		c.Buffer.TimeoutInMillis = 100
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelayInMillis <= 0 {
		c.Retry.InitialDelayInMillis = 500
	}
	if c.Retry.MaxDelayInMillis <= 0 {
		c.Retry.MaxDelayInMillis = 30_000
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = 2.0
	}
	if c.PollIntervalInMillis <= 0 {
		c.PollIntervalInMillis = 1000
	}

	sections := map[string]bool{
		"postgres":  c.Postgres != nil,
		"mysql":     c.MySQL != nil,
		"kafka":     c.Kafka != nil,
		"eth_logs":  c.EthLogs != nil,
		"s3":        c.S3 != nil,
		"file":      c.File != nil,
		"mongodb":   c.MongoDB != nil,
		"snowflake": c.Snowflake != nil,
		"push":      c.Push != nil,
	}

	if c.Kind == "" {
		return errors.Newf(errors.ErrorTypeConfig, "connector %q: kind is required", c.ID)
	}
	present, known := sections[c.Kind]
	if !known {
		return errors.Newf(errors.ErrorTypeConfig, "connector %q: unknown kind %q", c.ID, c.Kind)
	}
	if !present {
		return errors.Newf(errors.ErrorTypeConfig, "connector %q: missing %s section", c.ID, c.Kind)
	}
	for name, p := range sections {
		if p && name != c.Kind {
			return errors.Newf(errors.ErrorTypeConfig,
				"connector %q: section %s does not match kind %s", c.ID, name, c.Kind)
		}
	}

	return nil
}
