package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/eargollo/piiscan/internal/apperr"
)

const op = "config"

// Config holds all configuration loaded from config.yaml.
type Config struct {
	DataPaths         []string   `yaml:"data_paths"          json:"data_paths"`
	ExcludePaths      []string   `yaml:"exclude_paths"       json:"exclude_paths"`
	Extensions        []string   `yaml:"extensions"          json:"extensions"`
	ExpandArchives    *bool      `yaml:"expand_archives"     json:"expand_archives"`
	MaxArchiveMembers int        `yaml:"max_archive_members" json:"max_archive_members"`
	Database          Database   `yaml:"database"            json:"-"`
	HTTPAddr          string     `yaml:"http_addr"           json:"-"`
	Schedule          string     `yaml:"schedule"            json:"schedule"`
	LogLevel          string     `yaml:"log_level"           json:"-"`
	LogFile           string     `yaml:"log_file"            json:"-"`
	Scan              Scan       `yaml:"scan"                json:"scan"`
	Extraction        Extraction `yaml:"extraction"          json:"extraction"`
	Detection         Detection  `yaml:"detection"           json:"detection"`
	HighRisk          []string   `yaml:"high_risk"           json:"high_risk"`
}

// Database selects the store backend.
type Database struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
}

// Scan holds the knobs of discovery and the worker pool.
type Scan struct {
	Workers              int           `yaml:"workers"                json:"workers"`
	Walkers              int           `yaml:"walkers"                json:"walkers"`
	BatchSize            int           `yaml:"batch_size"             json:"batch_size"`
	PollInterval         time.Duration `yaml:"poll_interval"          json:"poll_interval"`
	// StaleAfter must outlast the wait of the last file in a batch: files not
	// yet started age from the moment the batch was claimed.
	StaleAfter           time.Duration `yaml:"stale_after"            json:"stale_after"`
	MaxRetryAttempts     int           `yaml:"max_retry_attempts"     json:"max_retry_attempts"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`
	MaxFileSize          ByteSize      `yaml:"max_file_size"          json:"max_file_size"`
}

// Extraction configures the text-extraction cluster.
type Extraction struct {
	Endpoints      []string      `yaml:"endpoints"       json:"endpoints"`
	Balance        string        `yaml:"balance"         json:"balance"`
	CallTimeout    time.Duration `yaml:"call_timeout"    json:"call_timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"     json:"max_backoff"`
}

// Detection configures the PII engine.
type Detection struct {
	Engine        string        `yaml:"engine"          json:"engine"`
	URL           string        `yaml:"url"             json:"url"`
	Language      string        `yaml:"language"        json:"language"`
	Threshold     float64       `yaml:"threshold"       json:"threshold"`
	MaxChunkChars int           `yaml:"max_chunk_chars" json:"max_chunk_chars"`
	CallTimeout   time.Duration `yaml:"call_timeout"    json:"call_timeout"`
}

// ByteSize is a size written as "100MB" or a plain byte count.
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string { return humanize.Bytes(uint64(b)) }

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.ExpandArchives == nil {
		t := true
		c.ExpandArchives = &t
	}
	if c.MaxArchiveMembers == 0 {
		c.MaxArchiveMembers = 10000
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "/data/piiscan.db"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Scan.Workers == 0 {
		c.Scan.Workers = 8
	}
	if c.Scan.Walkers == 0 {
		c.Scan.Walkers = 4
	}
	if c.Scan.BatchSize == 0 {
		c.Scan.BatchSize = 50
	}
	if c.Scan.PollInterval == 0 {
		c.Scan.PollInterval = 2 * time.Second
	}
	if c.Scan.StaleAfter == 0 {
		c.Scan.StaleAfter = 30 * time.Minute
	}
	if c.Scan.MaxRetryAttempts == 0 {
		c.Scan.MaxRetryAttempts = 3
	}
	if c.Scan.MaxConsecutiveErrors == 0 {
		c.Scan.MaxConsecutiveErrors = 50
	}
	if c.Scan.MaxFileSize == 0 {
		c.Scan.MaxFileSize = 100 * 1000 * 1000
	}
	if c.Extraction.Balance == "" {
		c.Extraction.Balance = "round_robin"
	}
	if c.Extraction.CallTimeout == 0 {
		c.Extraction.CallTimeout = 180 * time.Second
	}
	if c.Extraction.InitialBackoff == 0 {
		c.Extraction.InitialBackoff = 500 * time.Millisecond
	}
	if c.Extraction.MaxBackoff == 0 {
		c.Extraction.MaxBackoff = 10 * time.Second
	}
	if c.Detection.Engine == "" {
		c.Detection.Engine = "builtin"
	}
	if c.Detection.Language == "" {
		c.Detection.Language = "en"
	}
	if c.Detection.Threshold == 0 {
		c.Detection.Threshold = 0.7
	}
	if c.Detection.MaxChunkChars == 0 {
		c.Detection.MaxChunkChars = 100_000
	}
	if c.Detection.CallTimeout == 0 {
		c.Detection.CallTimeout = 180 * time.Second
	}
}

// applyEnv overlays PII_* environment variables. PII_FILE_SIZE_LIMIT is in
// megabytes.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("PII_DATA_PATH"); v != "" {
		c.DataPaths = splitList(v)
	}
	if v := getenv("PII_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := getenv("PII_DATABASE_URL"); v != "" {
		c.Database.Driver = "postgres"
		c.Database.URL = v
	}
	if v := getenv("PII_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"PII_WORKERS", &c.Scan.Workers},
		{"PII_BATCH_SIZE", &c.Scan.BatchSize},
	}
	for _, e := range ints {
		if v := getenv(e.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return apperr.Config(op, "%s=%q: not an integer", e.key, v)
			}
			*e.dst = n
		}
	}
	if v := getenv("PII_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return apperr.Config(op, "PII_THRESHOLD=%q: not a number", v)
		}
		c.Detection.Threshold = f
	}
	if v := getenv("PII_FILE_SIZE_LIMIT"); v != "" {
		mb, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return apperr.Config(op, "PII_FILE_SIZE_LIMIT=%q: not an integer", v)
		}
		c.Scan.MaxFileSize = ByteSize(mb * 1024 * 1024)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.URL == "" {
			return apperr.Config(op, "database.url is required for the postgres driver")
		}
	default:
		return apperr.Config(op, "database.driver %q: want sqlite or postgres", c.Database.Driver)
	}
	if c.Scan.Workers < 1 {
		return apperr.Config(op, "scan.workers must be at least 1, got %d", c.Scan.Workers)
	}
	if c.Scan.BatchSize < 1 {
		return apperr.Config(op, "scan.batch_size must be at least 1, got %d", c.Scan.BatchSize)
	}
	if c.Scan.MaxRetryAttempts < 1 {
		return apperr.Config(op, "scan.max_retry_attempts must be at least 1, got %d", c.Scan.MaxRetryAttempts)
	}
	if c.Detection.Threshold < 0 || c.Detection.Threshold > 1 {
		return apperr.Config(op, "detection.threshold %v outside [0,1]", c.Detection.Threshold)
	}
	switch c.Detection.Engine {
	case "builtin":
	case "presidio":
		if c.Detection.URL == "" {
			return apperr.Config(op, "detection.url is required for the presidio engine")
		}
	default:
		return apperr.Config(op, "detection.engine %q: want presidio or builtin", c.Detection.Engine)
	}
	switch c.Extraction.Balance {
	case "round_robin", "least_busy":
	default:
		return apperr.Config(op, "extraction.balance %q: want round_robin or least_busy", c.Extraction.Balance)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return apperr.Config(op, "log_level: %v", err)
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return apperr.Config(op, "schedule %q: %v", c.Schedule, err)
		}
	}
	return nil
}

// Load reads the YAML config file at path, applies defaults and PII_*
// environment overrides, and validates the result. A missing file yields
// the defaults so the tool runs without a mounted config.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("open config %q: %w", path, err)
	default:
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, apperr.Config(op, "parse config %q: %v", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
