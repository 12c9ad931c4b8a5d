package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	CKAN      CKANConfig      `yaml:"ckan" envconfig:"CKAN"`
	Download  DownloadConfig  `yaml:"download" envconfig:"DOWNLOAD"`
	QSV       QSVConfig       `yaml:"qsv" envconfig:"QSV"`
	Datastore DatastoreConfig `yaml:"datastore" envconfig:"DATASTORE"`
	Pipeline  PipelineConfig  `yaml:"pipeline" envconfig:"PIPELINE"`
	PII       PIIConfig       `yaml:"pii" envconfig:"PII"`
	Spatial   SpatialConfig   `yaml:"spatial" envconfig:"SPATIAL"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8800"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	Workers         int           `yaml:"workers" envconfig:"WORKERS" default:"2"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS" default:"10"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST" default:"20"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/datapusher.log"`
}

// CKANConfig contains the catalog connection settings.
type CKANConfig struct {
	// APIToken authenticates downloads of uploaded resources and all
	// catalog API calls.
	APIToken  string        `yaml:"api_token" envconfig:"API_TOKEN"`
	SSLVerify bool          `yaml:"ssl_verify" envconfig:"SSL_VERIFY" default:"true"`
	Timeout   time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"30s"`
}

// DownloadConfig controls resource fetching.
type DownloadConfig struct {
	Timeout          time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"300s"`
	MaxContentLength int64         `yaml:"max_content_length" envconfig:"MAX_CONTENT_LENGTH" default:"5000000"`
	ChunkSize        int           `yaml:"chunk_size" envconfig:"CHUNK_SIZE" default:"1048576"`
	Proxy            string        `yaml:"proxy" envconfig:"PROXY"`
}

// QSVConfig locates and tunes the external analysis tool.
type QSVConfig struct {
	Bin                string        `yaml:"bin" envconfig:"BIN" default:"/usr/local/bin/qsvdp"`
	Timeout            time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"600s"`
	StatsStringMaxLen  int           `yaml:"stats_string_max_length" envconfig:"STATS_STRING_MAX_LENGTH" default:"32767"`
	DatesWhitelist     string        `yaml:"dates_whitelist" envconfig:"DATES_WHITELIST" default:"date,time,due,open,close,created"`
	FreqLimit          int           `yaml:"freq_limit" envconfig:"FREQ_LIMIT" default:"10"`
	SummaryStatsExtras string        `yaml:"summary_stats_options" envconfig:"SUMMARY_STATS_OPTIONS"`
}

// DatastoreConfig contains the relational store connection settings.
type DatastoreConfig struct {
	WriteURL       string `yaml:"write_url" envconfig:"WRITE_URL" default:"postgres://datapusher@localhost/datastore"`
	CopyBufferSize int    `yaml:"copy_buffer_size" envconfig:"COPY_BUFFER_SIZE" default:"1048576"`
}

// PipelineConfig contains the per-stage processing knobs.
type PipelineConfig struct {
	// PreviewRows bounds how many rows are copied to the datastore.
	// Positive slices from the start, negative from the end, zero
	// disables previews and copies everything.
	PreviewRows       int    `yaml:"preview_rows" envconfig:"PREVIEW_ROWS" default:"1000"`
	DefaultExcelSheet int    `yaml:"default_excel_sheet" envconfig:"DEFAULT_EXCEL_SHEET" default:"0"`
	SortAndDupeCheck  bool   `yaml:"sort_and_dupe_check" envconfig:"SORT_AND_DUPE_CHECK" default:"true"`
	Dedup             bool   `yaml:"dedup" envconfig:"DEDUP" default:"true"`
	UnsafePrefix      string `yaml:"unsafe_prefix" envconfig:"UNSAFE_PREFIX" default:"unsafe_"`
	ReservedColnames  string `yaml:"reserved_colnames" envconfig:"RESERVED_COLNAMES" default:"_id"`
	PreferDMY         bool   `yaml:"prefer_dmy" envconfig:"PREFER_DMY" default:"false"`
	IgnoreFileHash    bool   `yaml:"ignore_file_hash" envconfig:"IGNORE_FILE_HASH" default:"false"`
	AutoUnzipOneFile  bool   `yaml:"auto_unzip_one_file" envconfig:"AUTO_UNZIP_ONE_FILE" default:"true"`

	// AutoIndexThreshold creates an index on every column whose
	// cardinality is at or below the threshold. -1 indexes all columns.
	AutoIndexThreshold int  `yaml:"auto_index_threshold" envconfig:"AUTO_INDEX_THRESHOLD" default:"3"`
	AutoIndexDates     bool `yaml:"auto_index_dates" envconfig:"AUTO_INDEX_DATES" default:"true"`
	AutoUniqueIndex    bool `yaml:"auto_unique_index" envconfig:"AUTO_UNIQUE_INDEX" default:"true"`

	AutoAlias       bool `yaml:"auto_alias" envconfig:"AUTO_ALIAS" default:"true"`
	AutoAliasUnique bool `yaml:"auto_alias_unique" envconfig:"AUTO_ALIAS_UNIQUE" default:"true"`

	AddSummaryStatsResource bool `yaml:"add_summary_stats_resource" envconfig:"ADD_SUMMARY_STATS_RESOURCE" default:"false"`
	SummaryStatsWithPreview bool `yaml:"summary_stats_with_preview" envconfig:"SUMMARY_STATS_WITH_PREVIEW" default:"false"`

	// TypeMapping maps inferred types to relational types. The zero
	// value falls back to DefaultTypeMapping.
	TypeMapping map[string]string `yaml:"type_mapping" envconfig:"TYPE_MAPPING"`
}

// PIIConfig controls the optional PII screen.
type PIIConfig struct {
	Enabled        bool   `yaml:"enabled" envconfig:"ENABLED" default:"false"`
	AbortOnFound   bool   `yaml:"abort_on_found" envconfig:"ABORT_ON_FOUND" default:"false"`
	ShowCandidates bool   `yaml:"show_candidates" envconfig:"SHOW_CANDIDATES" default:"false"`
	QuickScreen    bool   `yaml:"quick_screen" envconfig:"QUICK_SCREEN" default:"false"`
	RegexResource  string `yaml:"regex_resource" envconfig:"REGEX_RESOURCE"`
}

// SpatialConfig controls geometry simplification for spatial sources.
type SpatialConfig struct {
	AutoSimplify      bool    `yaml:"auto_simplify" envconfig:"AUTO_SIMPLIFY" default:"true"`
	RelativeTolerance float64 `yaml:"relative_tolerance" envconfig:"RELATIVE_TOLERANCE" default:"0.1"`
}

// DefaultTypeMapping maps the analysis tool's inferred types to
// relational column types. Integer maps to smartint, which is refined
// to integer, bigint, or numeric from observed bounds.
var DefaultTypeMapping = map[string]string{
	"String":   "text",
	"Integer":  "smartint",
	"Float":    "numeric",
	"DateTime": "timestamp",
	"Date":     "date",
	"NULL":     "text",
}

// Load loads configuration from environment variables and an optional
// YAML config file pointed at by DATAPUSHER_CONFIG_FILE.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("DATAPUSHER", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if path := os.Getenv("DATAPUSHER_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Server.Workers)
	}
	if c.Download.MaxContentLength <= 0 {
		return fmt.Errorf("max_content_length must be positive, got %d", c.Download.MaxContentLength)
	}
	if c.QSV.Bin == "" {
		return fmt.Errorf("qsv binary path is required")
	}
	if c.Datastore.WriteURL == "" {
		return fmt.Errorf("datastore write URL is required")
	}
	if c.Pipeline.AutoIndexThreshold < -1 {
		return fmt.Errorf("auto_index_threshold must be >= -1, got %d", c.Pipeline.AutoIndexThreshold)
	}
	return nil
}

// TypeMappingOrDefault returns the configured type mapping, falling
// back to DefaultTypeMapping when none is set.
func (c *PipelineConfig) TypeMappingOrDefault() map[string]string {
	if len(c.TypeMapping) > 0 {
		return c.TypeMapping
	}
	return DefaultTypeMapping
}
