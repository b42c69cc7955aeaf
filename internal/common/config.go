package common

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Logging     LoggingConfig     `toml:"logging"`
	Redis       RedisConfig       `toml:"redis"`
	Paths       PathsConfig       `toml:"paths"`
	Queue       QueueConfig       `toml:"queue"`
	Storage     StorageConfig     `toml:"storage"`
	Worker      WorkerConfig      `toml:"worker"`
	NoDb        NoDbConfig        `toml:"nodb"`
	Watershed   WatershedConfig   `toml:"watershed"`
	Tools       ToolsConfig       `toml:"tools"`
	Services    ServicesConfig    `toml:"services"`
	Bridge      BridgeConfig      `toml:"bridge"`
	Archive     ArchiveConfig     `toml:"archive"`
	Interchange InterchangeConfig `toml:"interchange"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
	Dir    string   `toml:"dir"`    // Directory for the service log file
	// RunLogMaxSize caps <wd>/rq.log before it is rotated (bytes, rounded up to MB)
	RunLogMaxSize int64 `toml:"run_log_max_size"`
}

// RedisConfig holds the base connection used for every logical database.
// The database index in URL is replaced per use (see URLFor).
type RedisConfig struct {
	URL  string `toml:"url"`
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type PathsConfig struct {
	LegacyRoot  string `toml:"legacy_root"`  // /geodata/weppcloud_runs
	PrimaryRoot string `toml:"primary_root"` // host specific root holding runs/<xx>/<runid>
	WDCacheTTL  string `toml:"wd_cache_ttl"` // capped at 72h
}

type QueueConfig struct {
	Backend        string   `toml:"backend"`         // "redis" or "badger"
	Queues         []string `toml:"queues"`          // priority order, highest first
	DefaultTimeout string   `toml:"default_timeout"` // e.g. "12h"
	ResultTTL      string   `toml:"result_ttl"`      // e.g. "168h"
	PollInterval   string   `toml:"poll_interval"`   // Badger backend idle poll
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type WorkerConfig struct {
	Name                 string `toml:"name"`
	NCPU                 int    `toml:"ncpu"`                  // hillslope pool size, 0 = half the CPUs
	Concurrency          int    `toml:"concurrency"`           // jobs processed in parallel by one worker
	ShutdownTimeout      string `toml:"shutdown_timeout"`      // graceful shutdown window
	HeartbeatInterval    string `toml:"heartbeat_interval"`    // worker registry refresh
	MetricsAddr          string `toml:"metrics_addr"`          // empty disables /metrics
	HousekeepingSchedule string `toml:"housekeeping_schedule"` // cron expression
}

type NoDbConfig struct {
	CacheEnabled bool   `toml:"cache_enabled"`
	CacheTTL     string `toml:"cache_ttl"`
}

type WatershedConfig struct {
	OutletSearchCap  int    `toml:"outlet_search_cap"` // max cells visited by the outlet BFS
	AbstractionDelay string `toml:"abstraction_delay"` // pause before reading SUBWTA
}

// ToolsConfig lists the external executables invoked by tasks.
type ToolsConfig struct {
	WhiteboxTools string `toml:"whitebox_tools"`
	GdalTranslate string `toml:"gdal_translate"`
	GdalWarp      string `toml:"gdalwarp"`
	Peridot       string `toml:"peridot"`
	Wepp          string `toml:"wepp"`
	Rhem          string `toml:"rhem"`
	Cligen        string `toml:"cligen"`
	Ash           string `toml:"ash"`
	DebrisFlow    string `toml:"debris_flow"`
	DSSWriter     string `toml:"dss_writer"`
	Rsync         string `toml:"rsync"`
	SoilBuilder   string `toml:"soil_builder"`
}

type ServicesConfig struct {
	DEMURL       string `toml:"dem_url"`       // raster service used by fetch_dem
	LandcoverURL string `toml:"landcover_url"` // NLCD landcover rasters
	SoilsURL     string `toml:"soils_url"`     // SSURGO map unit rasters
	RAPURL       string `toml:"rap_url"`       // RAP time series rasters
	PreflightURL string `toml:"preflight_url"` // bridge health endpoint used by deploy-readiness
	HTTPRetries  int    `toml:"http_retries"`
}

type BridgeConfig struct {
	Addr              string `toml:"addr"`
	PingInterval      string `toml:"ping_interval"`
	ReadTimeout       string `toml:"read_timeout"`
	PreflightThrottle string `toml:"preflight_throttle"`
}

type ArchiveConfig struct {
	S3Bucket   string `toml:"s3_bucket"` // empty disables the mirror
	S3Region   string `toml:"s3_region"`
	S3Endpoint string `toml:"s3_endpoint"`
	S3Prefix   string `toml:"s3_prefix"`
}

type InterchangeConfig struct {
	Version int `toml:"version"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "production",
		Logging: LoggingConfig{
			Level:         "info",
			Output:        []string{"stdout"},
			Dir:           "logs",
			RunLogMaxSize: 10 * 1024 * 1024,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Paths: PathsConfig{
			LegacyRoot:  "/geodata/weppcloud_runs",
			PrimaryRoot: "/wc1",
			WDCacheTTL:  "72h",
		},
		Queue: QueueConfig{
			Backend:        "redis",
			Queues:         []string{"high", "default", "low"},
			DefaultTimeout: "12h",
			ResultTTL:      "168h",
			PollInterval:   "1s",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/weppcloud.badger",
			},
		},
		Worker: WorkerConfig{
			Concurrency:          1,
			ShutdownTimeout:      "15s",
			HeartbeatInterval:    "10s",
			HousekeepingSchedule: "@every 1h",
		},
		NoDb: NoDbConfig{
			CacheEnabled: true,
			CacheTTL:     "72h",
		},
		Watershed: WatershedConfig{
			OutletSearchCap:  10000,
			AbstractionDelay: "50ms",
		},
		Tools: ToolsConfig{
			WhiteboxTools: "whitebox_tools",
			GdalTranslate: "gdal_translate",
			GdalWarp:      "gdalwarp",
			Peridot:       "abstract_watershed",
			Wepp:          "wepp",
			Rhem:          "rhem",
			Cligen:        "cligen",
			Ash:           "ash_transport",
			DebrisFlow:    "debris_flow",
			DSSWriter:     "wepp2dss",
			Rsync:         "rsync",
			SoilBuilder:   "build_soil",
		},
		Services: ServicesConfig{
			DEMURL:       "https://wepp.cloud/webservices/wmesque/ned1/2016/",
			LandcoverURL: "https://wepp.cloud/webservices/wmesque/nlcd/2019/",
			SoilsURL:     "https://wepp.cloud/webservices/wmesque/ssurgo/201703/",
			RAPURL:       "https://rangeland.ntsg.umt.edu/data/rap/rap-vegetation-cover/v3/",
			PreflightURL: "http://localhost:9001/health",
			HTTPRetries:  3,
		},
		Bridge: BridgeConfig{
			Addr:              ":9001",
			PingInterval:      "30s",
			ReadTimeout:       "75s",
			PreflightThrottle: "250ms",
		},
		Interchange: InterchangeConfig{
			Version: 3,
		},
	}
}

// LoadFromFiles loads configuration from multiple files, merging in order
// (later files override earlier files) and finally applying environment variables.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies environment variables to config.
// Connection variables keep the names used across the deployment (REDIS_URL, WEPPPY_NCPU).
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("WEPPCLOUD_ENV"); env != "" {
		config.Environment = env
	}

	// Redis: REDIS_URL wins, then the legacy RQ/session URLs
	for _, name := range redisURLEnv {
		if v := os.Getenv(name); v != "" {
			config.Redis.URL = v
			break
		}
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		config.Redis.Host = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Redis.Port = p
		}
	}

	// Paths
	if root := os.Getenv("WEPPCLOUD_PRIMARY_ROOT"); root != "" {
		config.Paths.PrimaryRoot = root
	}
	if root := os.Getenv("WEPPCLOUD_LEGACY_ROOT"); root != "" {
		config.Paths.LegacyRoot = root
	}

	// Queue
	if backend := os.Getenv("WEPPCLOUD_QUEUE_BACKEND"); backend != "" {
		config.Queue.Backend = backend
	}
	if queues := os.Getenv("WEPPCLOUD_QUEUES"); queues != "" {
		config.Queue.Queues = SplitList(queues)
	}
	if badgerPath := os.Getenv("WEPPCLOUD_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Worker
	if ncpu := os.Getenv("WEPPPY_NCPU"); ncpu != "" {
		if n, err := strconv.Atoi(ncpu); err == nil {
			config.Worker.NCPU = n
		}
	}
	if name := os.Getenv("WEPPCLOUD_WORKER_NAME"); name != "" {
		config.Worker.Name = name
	}
	if concurrency := os.Getenv("WEPPCLOUD_WORKER_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Worker.Concurrency = c
		}
	}
	if addr := os.Getenv("WEPPCLOUD_METRICS_ADDR"); addr != "" {
		config.Worker.MetricsAddr = addr
	}

	// Logging
	if level := os.Getenv("WEPPCLOUD_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("WEPPCLOUD_LOG_OUTPUT"); output != "" {
		if outputs := SplitList(output); len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Bridge
	if addr := os.Getenv("WEPPCLOUD_BRIDGE_ADDR"); addr != "" {
		config.Bridge.Addr = addr
	}
	if url := os.Getenv("WEPPCLOUD_PREFLIGHT_URL"); url != "" {
		config.Services.PreflightURL = url
	}

	// Archive mirror
	if bucket := os.Getenv("WEPPCLOUD_ARCHIVE_S3_BUCKET"); bucket != "" {
		config.Archive.S3Bucket = bucket
	}
	if region := os.Getenv("WEPPCLOUD_ARCHIVE_S3_REGION"); region != "" {
		config.Archive.S3Region = region
	}
	if endpoint := os.Getenv("WEPPCLOUD_ARCHIVE_S3_ENDPOINT"); endpoint != "" {
		config.Archive.S3Endpoint = endpoint
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config.
// Flags have the highest priority.
func ApplyFlagOverrides(config *Config, queues string, logLevel string) {
	if queues != "" {
		config.Queue.Queues = SplitList(queues)
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
}

// Validate checks values that would otherwise fail deep inside a worker.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "redis", "badger":
	default:
		return fmt.Errorf("invalid queue backend %q: must be redis or badger", c.Queue.Backend)
	}
	if len(c.Queue.Queues) == 0 {
		return fmt.Errorf("at least one queue name is required")
	}
	if c.Worker.HousekeepingSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Worker.HousekeepingSchedule); err != nil {
			return fmt.Errorf("invalid housekeeping schedule %q: %w", c.Worker.HousekeepingSchedule, err)
		}
	}
	return nil
}

// ResolveNCPU returns the hillslope pool size: the configured value, or half of the
// available CPUs with a floor of one.
func (w WorkerConfig) ResolveNCPU() int {
	if w.NCPU > 0 {
		return w.NCPU
	}
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}

// CacheTTL returns the resolver cache lifetime, never more than 72 hours.
func (p PathsConfig) CacheTTL() time.Duration {
	ttl := ParseDuration(p.WDCacheTTL, 72*time.Hour)
	if ttl > 72*time.Hour {
		ttl = 72 * time.Hour
	}
	return ttl
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment != "development"
}

// ParseDuration parses a duration string, returning fallback when empty or invalid.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
