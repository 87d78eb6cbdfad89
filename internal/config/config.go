package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"streamlog/internal/compression"
)

// ByteSize is a size in bytes written as "100 MiB", "1GB" or "unlimited" in YAML.
type ByteSize uint64

// Unlimited is the ByteSize value of "unlimited".
const Unlimited ByteSize = math.MaxUint64

func (b ByteSize) String() string {
	if b == Unlimited {
		return "unlimited"
	}
	return humanize.IBytes(uint64(b))
}

// ParseByteSize parses a human readable size.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "unlimited") {
		return Unlimited, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Config represents the broker configuration
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	HTTP        HTTPConfig        `yaml:"http"`
	Storage     StorageConfig     `yaml:"storage"`
	Segment     SegmentConfig     `yaml:"segment"`
	Topic       TopicConfig       `yaml:"topic"`
	Partition   PartitionConfig   `yaml:"partition"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Compression CompressionConfig `yaml:"compression"`
	Retention   IntervalConfig    `yaml:"retention"`
	Persist     IntervalConfig    `yaml:"persist"`
}

type HTTPConfig struct {
	Address string `yaml:"address"`
}

// StorageConfig selects where partition data lives.
type StorageConfig struct {
	Backend string   `yaml:"backend"` // "disk" or "s3"
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

type SegmentConfig struct {
	Size ByteSize `yaml:"size"`
	// MaxAge closes the active segment once it is this old; 0 disables it.
	MaxAge time.Duration `yaml:"max_age"`
	// MessageExpiry is the server default for topics; 0 means never.
	MessageExpiry time.Duration `yaml:"message_expiry"`
}

type TopicConfig struct {
	MaxSize              ByteSize `yaml:"max_size"`
	DeleteOldestSegments bool     `yaml:"delete_oldest_segments"`
}

type PartitionConfig struct {
	EnforceFsync bool `yaml:"enforce_fsync"`
}

type RecoveryConfig struct {
	RecreateMissingState bool `yaml:"recreate_missing_state"`
	// PartitionLoadConcurrency bounds concurrent partition loads per topic; 0 is unbounded.
	PartitionLoadConcurrency int `yaml:"partition_load_concurrency"`
}

type CompressionConfig struct {
	Default       compression.Algorithm `yaml:"default"`
	AllowOverride bool                  `yaml:"allow_override"`
}

type IntervalConfig struct {
	Interval time.Duration `yaml:"interval"`
}

func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return &Config{
		DataDir:  filepath.Join(homeDir, ".streamlog"),
		LogLevel: "info",
		HTTP:     HTTPConfig{Address: ":8090"},
		Storage:  StorageConfig{Backend: "disk"},
		Segment: SegmentConfig{
			Size:          100 * 1024 * 1024, // 100MiB per segment
			MessageExpiry: 0,
		},
		Topic: TopicConfig{
			MaxSize:              Unlimited,
			DeleteOldestSegments: false,
		},
		Partition: PartitionConfig{EnforceFsync: false},
		Recovery: RecoveryConfig{
			RecreateMissingState:     true,
			PartitionLoadConcurrency: 16,
		},
		Compression: CompressionConfig{
			Default:       compression.None,
			AllowOverride: true,
		},
		Retention: IntervalConfig{Interval: time.Minute},
		Persist:   IntervalConfig{Interval: 5 * time.Second},
	}
}

// Load reads a YAML file over DefaultConfig. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the broker cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.Segment.Size == 0 {
		return fmt.Errorf("segment.size must be positive")
	}
	if c.Topic.MaxSize < c.Segment.Size {
		return fmt.Errorf("topic.max_size %s is smaller than segment.size %s", c.Topic.MaxSize, c.Segment.Size)
	}
	if c.Recovery.PartitionLoadConcurrency < 0 {
		return fmt.Errorf("recovery.partition_load_concurrency must not be negative")
	}
	switch c.Storage.Backend {
	case "disk":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket must be set for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}
