package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultTable       = "raw_fx_rates"
	DefaultSourceURL   = "https://www.ecb.europa.eu/stats/eurofxref/eurofxref-hist.csv"
	DefaultDataCatalog = "AwsDataCatalog"
	DefaultWorkgroup   = "primary"
)

// Config is built once at startup and handed to every component explicitly.
type Config struct {
	Bucket    string
	Dataset   string
	Table     string
	SourceURL string

	FetchTimeout time.Duration
	Location     *time.Location

	DataCatalog      string
	AthenaWorkgroup  string
	AthenaOutput     string // s3://bucket/prefix/
	LoadPollInterval time.Duration
	LoadMaxWait      time.Duration // 0 waits for the terminal state

	ArchiveParquet bool

	RunsTable        string
	RunsTTL          time.Duration
	AlertTopicARN    string
	MetricsNamespace string

	LogLevel      string
	LogFormat     string
	LogOutput     string
	LogMaxAgeDays int

	Port string
}

// LookupFunc has the shape of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Chain returns a lookup that asks each layer in order and keeps the first
// non-empty value.
func Chain(layers ...LookupFunc) LookupFunc {
	return func(key string) (string, bool) {
		for _, l := range layers {
			if l == nil {
				continue
			}
			if v, ok := l(key); ok && strings.TrimSpace(v) != "" {
				return v, true
			}
		}
		return "", false
	}
}

// LoadDotEnv reads .env from the working directory when present. Real
// environment variables always win.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FromEnv loads the configuration from the process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load builds and validates a Config from lookup.
func Load(lookup LookupFunc) (Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
		return def
	}

	cfg := Config{
		Bucket:           get("BUCKET", ""),
		Dataset:          get("DATASET", ""),
		Table:            get("TABLE", DefaultTable),
		SourceURL:        get("SOURCE_URL", DefaultSourceURL),
		DataCatalog:      get("DATA_CATALOG", DefaultDataCatalog),
		AthenaWorkgroup:  get("ATHENA_WORKGROUP", DefaultWorkgroup),
		AthenaOutput:     get("ATHENA_OUTPUT", ""),
		RunsTable:        get("RUNS_TABLE", ""),
		AlertTopicARN:    get("ALERT_TOPIC_ARN", ""),
		MetricsNamespace: get("METRICS_NAMESPACE", ""),
		LogLevel:         get("LOG_LEVEL", "info"),
		LogFormat:        get("LOG_FORMAT", "json"),
		LogOutput:        get("LOG_OUTPUT", "stdout"),
		Port:             get("PORT", "8080"),
	}

	if cfg.Bucket == "" {
		return Config{}, fmt.Errorf("missing env BUCKET")
	}
	if cfg.Dataset == "" {
		return Config{}, fmt.Errorf("missing env DATASET")
	}

	if cfg.AthenaOutput == "" {
		cfg.AthenaOutput = fmt.Sprintf("s3://%s/athena-results/", cfg.Bucket)
	}
	if !strings.HasPrefix(cfg.AthenaOutput, "s3://") {
		return Config{}, fmt.Errorf("ATHENA_OUTPUT must start with s3://")
	}

	var err error
	if cfg.FetchTimeout, err = parseDuration("FETCH_TIMEOUT", get("FETCH_TIMEOUT", "30s")); err != nil {
		return Config{}, err
	}
	if cfg.FetchTimeout <= 0 {
		return Config{}, fmt.Errorf("FETCH_TIMEOUT must be positive")
	}
	if cfg.LoadPollInterval, err = parseDuration("LOAD_POLL_INTERVAL", get("LOAD_POLL_INTERVAL", "2s")); err != nil {
		return Config{}, err
	}
	if cfg.LoadMaxWait, err = parseDuration("LOAD_MAX_WAIT", get("LOAD_MAX_WAIT", "0")); err != nil {
		return Config{}, err
	}

	tzName := get("RUN_TIMEZONE", "UTC")
	if cfg.Location, err = time.LoadLocation(tzName); err != nil {
		return Config{}, fmt.Errorf("load timezone %s: %w", tzName, err)
	}

	if cfg.ArchiveParquet, err = strconv.ParseBool(get("ARCHIVE_PARQUET", "false")); err != nil {
		return Config{}, fmt.Errorf("invalid ARCHIVE_PARQUET: %w", err)
	}

	ttlDays, err := strconv.Atoi(get("RUNS_TTL_DAYS", "90"))
	if err != nil || ttlDays < 0 {
		return Config{}, fmt.Errorf("invalid RUNS_TTL_DAYS %q", get("RUNS_TTL_DAYS", "90"))
	}
	cfg.RunsTTL = time.Duration(ttlDays) * 24 * time.Hour

	if cfg.LogMaxAgeDays, err = strconv.Atoi(get("LOG_MAX_AGE_DAYS", "0")); err != nil {
		return Config{}, fmt.Errorf("invalid LOG_MAX_AGE_DAYS: %w", err)
	}

	return cfg, nil
}

// TableID is the fully-qualified destination, e.g. AwsDataCatalog.fx.raw_fx_rates.
func (c Config) TableID() string {
	return fmt.Sprintf("%s.%s.%s", c.DataCatalog, c.Dataset, c.Table)
}

func parseDuration(key, v string) (time.Duration, error) {
	if v == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: negative", key, v)
	}
	return d, nil
}
