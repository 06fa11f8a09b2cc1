package config

import (
	"fmt"
	"os"
	"time"

	"github.com/gftdcojp/hpcds/internal/types"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Datastore     DatastoreConfig     `yaml:"datastore"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Export        ExportConfig        `yaml:"export"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Notify        NotifyConfig        `yaml:"notify"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type DatastoreConfig struct {
	URL            string   `yaml:"url"`
	Dataset        string   `yaml:"dataset"`
	Access         string   `yaml:"access"`
	Version        string   `yaml:"version"`
	LeaseTimeout   Duration `yaml:"lease_timeout"`
	RequestTimeout Duration `yaml:"request_timeout"`
	MaxURLLength   int      `yaml:"max_url_length"`
	Token          string   `yaml:"token"`
}

type SessionsConfig struct {
	JournalPath string   `yaml:"journal_path"`
	GCInterval  Duration `yaml:"gc_interval"`
}

type ExportConfig struct {
	Resolution [3]int `yaml:"resolution"`
	Version    string `yaml:"version"`
	Min        [6]int `yaml:"min"`
	Max        [6]int `yaml:"max"`
	BatchSize  int    `yaml:"batch_size"`
	// Interval repeats the export; zero runs it once.
	Interval Duration `yaml:"interval"`
}

type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	StorageClass    string `yaml:"storage_class"`
	CreateBucket    bool   `yaml:"create_bucket"`
}

type NotifyConfig struct {
	Enabled         bool      `yaml:"enabled"`
	URL             string    `yaml:"url"`
	SubjectPrefix   string    `yaml:"subject_prefix"`
	CredentialsFile string    `yaml:"credentials_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Datastore.URL == "" {
		return fmt.Errorf("datastore.url is required")
	}

	if _, err := types.ParseAccessMode(c.Datastore.Access); err != nil {
		return fmt.Errorf("datastore.access: %w", err)
	}
	if _, err := types.ParseVersion(c.Datastore.Version); err != nil {
		return fmt.Errorf("datastore.version: %w", err)
	}
	if _, err := types.ParseVersion(c.Export.Version); err != nil {
		return fmt.Errorf("export.version: %w", err)
	}

	if c.Datastore.LeaseTimeout < 0 {
		return fmt.Errorf("datastore.lease_timeout must be >= 0")
	}

	if c.Datastore.MaxURLLength != 0 && c.Datastore.MaxURLLength < 64 {
		return fmt.Errorf("datastore.max_url_length must be at least 64, got %d", c.Datastore.MaxURLLength)
	}

	if c.Sessions.JournalPath != "" && c.Sessions.GCInterval <= 0 {
		return fmt.Errorf("sessions.gc_interval must be positive when a journal is configured")
	}

	if c.Export.BatchSize < 1 {
		return fmt.Errorf("export.batch_size must be >= 1")
	}
	if c.Export.Interval < 0 {
		return fmt.Errorf("export.interval must be >= 0")
	}

	for i := 0; i < 6; i++ {
		if c.Export.Min[i] < 0 || c.Export.Max[i] < c.Export.Min[i] {
			return fmt.Errorf("export range invalid on axis %d: min %d, max %d", i, c.Export.Min[i], c.Export.Max[i])
		}
	}
	for i, r := range c.Export.Resolution {
		if r < 1 {
			return fmt.Errorf("export.resolution[%d] must be >= 1", i)
		}
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive requires bucket")
	}

	if c.Notify.Enabled && c.Notify.URL == "" {
		return fmt.Errorf("notify requires url")
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
