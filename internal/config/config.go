package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/slot-indexer/internal/logging"
	"github.com/withObsrvr/slot-indexer/internal/metrics"
	"github.com/withObsrvr/slot-indexer/internal/storage"
)

type Config struct {
	Log       logging.Config  `yaml:"log"`
	Metrics   metrics.Config  `yaml:"metrics"`
	Storage   StorageConfig   `yaml:"storage"`
	RPC       RPCConfig       `yaml:"rpc"`
	Collector CollectorConfig `yaml:"collector"`
	Parser    ParserConfig    `yaml:"parser"`
	Validator ValidatorConfig `yaml:"validator"`
	Catalog   CatalogConfig   `yaml:"catalog"`
}

// StorageConfig holds the two buckets every stage shares: Data for raw and
// columnar blobs, State for cursor documents and checkpoints.
type StorageConfig struct {
	Data  storage.StorageConfig `yaml:"data"`
	State storage.StorageConfig `yaml:"state"`
}

type RPCConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type CollectorConfig struct {
	WorkerCount      int    `yaml:"worker_count"`
	StartSlot        uint64 `yaml:"start_slot"`
	BatchSize        int    `yaml:"batch_size"`
	UploadMultiplier int    `yaml:"upload_multiplier"`
	RawCompression   string `yaml:"raw_compression"` // "gzip" | "zstd" | "none"

	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxSlotRetries int           `yaml:"max_slot_retries"`

	HighWater         int           `yaml:"high_water"`
	LowWater          int           `yaml:"low_water"`
	FillChunk         int           `yaml:"fill_chunk"`
	HeadCheckInterval time.Duration `yaml:"head_check_interval"`
	StaleTimeout      time.Duration `yaml:"stale_timeout"`
	SaveInterval      time.Duration `yaml:"save_interval"`
	MonitorInterval   time.Duration `yaml:"monitor_interval"`
	BatchTimeout      time.Duration `yaml:"batch_timeout"`
	BackfillPerTick   int           `yaml:"backfill_per_tick"`
}

type ParserConfig struct {
	WorkerCount    int           `yaml:"worker_count"`
	ScanInterval   time.Duration `yaml:"scan_interval"`
	MaxQueueSize   int           `yaml:"max_queue_size"`
	MaxFileRetries int           `yaml:"max_file_retries"`
	StaleTimeout   time.Duration `yaml:"stale_timeout"`
	SaveInterval   time.Duration `yaml:"save_interval"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
}

type ValidatorConfig struct {
	WorkerCount  int           `yaml:"worker_count"`
	PollInterval time.Duration `yaml:"poll_interval"`
	SrcPrefix    string        `yaml:"src_prefix"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Namespace   string `yaml:"namespace"`
}

// Default returns the configuration used when neither a file nor the
// environment overrides a value.
func Default() Config {
	return Config{
		Log: logging.Config{
			Format: "text",
			Level:  "info",
		},
		Metrics: metrics.Config{
			Enabled: false,
			Address: ":9090",
		},
		Storage: StorageConfig{
			Data: storage.StorageConfig{
				Backend:  "local",
				Bucket:   "data",
				LocalDir: "./data",
			},
			State: storage.StorageConfig{
				Backend:  "local",
				Bucket:   "state",
				LocalDir: "./data",
			},
		},
		RPC: RPCConfig{
			Timeout: 60 * time.Second,
		},
		Collector: CollectorConfig{
			WorkerCount:       1,
			BatchSize:         10,
			UploadMultiplier:  10,
			RawCompression:    "gzip",
			MaxRetries:        5,
			InitialBackoff:    10 * time.Second,
			MaxSlotRetries:    3,
			HighWater:         5000,
			LowWater:          1000,
			FillChunk:         2000,
			HeadCheckInterval: 60 * time.Second,
			StaleTimeout:      300 * time.Second,
			SaveInterval:      60 * time.Second,
			MonitorInterval:   30 * time.Second,
			BatchTimeout:      time.Second,
			BackfillPerTick:   10,
		},
		Parser: ParserConfig{
			WorkerCount:    4,
			ScanInterval:   30 * time.Second,
			MaxQueueSize:   5000,
			MaxFileRetries: 3,
			StaleTimeout:   600 * time.Second,
			SaveInterval:   60 * time.Second,
			TaskTimeout:    5 * time.Second,
		},
		Validator: ValidatorConfig{
			WorkerCount:  3,
			PollInterval: 60 * time.Second,
			SrcPrefix:    "processed_data/",
		},
		Catalog: CatalogConfig{
			Namespace: "mainnet",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in that order, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// MustLoad loads the configuration and exits the process on error.
func MustLoad(path string) Config {
	log.Println("[config] loading")

	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

func applyEnv(cfg *Config) error {
	var errs []error

	setString(&cfg.RPC.URL, "RPC_URL")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")

	// STORE_MODE selects the backend of both buckets.
	if v := os.Getenv("STORE_MODE"); v != "" {
		cfg.Storage.Data.Backend = v
		cfg.Storage.State.Backend = v
	}
	setString(&cfg.Storage.Data.Bucket, "GCS_BUCKET_NAME")
	setString(&cfg.Storage.State.Bucket, "GCS_STATE_BUCKET_NAME")
	if v := os.Getenv("LOCAL_DIR"); v != "" {
		cfg.Storage.Data.LocalDir = v
		cfg.Storage.State.LocalDir = v
	}
	setString(&cfg.Storage.Data.S3Endpoint, "S3_ENDPOINT")
	setString(&cfg.Storage.Data.S3Region, "S3_REGION")
	setString(&cfg.Storage.State.S3Endpoint, "S3_ENDPOINT")
	setString(&cfg.Storage.State.S3Region, "S3_REGION")

	errs = append(errs,
		setInt(&cfg.Collector.WorkerCount, "WORKER_COUNT"),
		setUint64(&cfg.Collector.StartSlot, "START_SLOT"),
		setInt(&cfg.Collector.BatchSize, "BATCH_SIZE"),
		setInt(&cfg.Collector.UploadMultiplier, "UPLOAD_BATCH_MULTIPLIER"),
		setInt(&cfg.Parser.WorkerCount, "PARSER_COUNT"),
		setInt(&cfg.Validator.WorkerCount, "VALIDATOR_COUNT"),
		setSeconds(&cfg.Validator.PollInterval, "VALIDATOR_POLL_INTERVAL"),
	)
	setString(&cfg.Collector.RawCompression, "RAW_COMPRESSION")
	setString(&cfg.Validator.SrcPrefix, "SRC_PREFIX")

	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = v
	}
	setString(&cfg.Catalog.PostgresDSN, "CATALOG_DSN")
	setString(&cfg.Catalog.Namespace, "CATALOG_NAMESPACE")

	return errors.Join(errs...)
}

// Validate checks the invariants every stage relies on.
func (c Config) Validate() error {
	var errs []error

	if c.Collector.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("collector worker_count must be >= 1, got %d", c.Collector.WorkerCount))
	}
	if c.Collector.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("collector batch_size must be >= 1, got %d", c.Collector.BatchSize))
	}
	if c.Collector.UploadMultiplier < 1 {
		errs = append(errs, fmt.Errorf("collector upload_multiplier must be >= 1, got %d", c.Collector.UploadMultiplier))
	}
	if c.Collector.LowWater > c.Collector.HighWater {
		errs = append(errs, fmt.Errorf("collector low_water %d exceeds high_water %d", c.Collector.LowWater, c.Collector.HighWater))
	}
	switch c.Collector.RawCompression {
	case "gzip", "zstd", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown raw_compression %q", c.Collector.RawCompression))
	}
	if c.Parser.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("parser worker_count must be >= 1, got %d", c.Parser.WorkerCount))
	}
	if c.Validator.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("validator worker_count must be >= 1, got %d", c.Validator.WorkerCount))
	}
	for name, sc := range map[string]storage.StorageConfig{"data": c.Storage.Data, "state": c.Storage.State} {
		switch sc.Backend {
		case "local", "gcs", "s3", "memory":
		default:
			errs = append(errs, fmt.Errorf("storage %s: unknown backend %q", name, sc.Backend))
		}
		if (sc.Backend == "gcs" || sc.Backend == "s3") && sc.Bucket == "" {
			errs = append(errs, fmt.Errorf("storage %s: bucket required for %s backend", name, sc.Backend))
		}
	}

	return errors.Join(errs...)
}

// UploadThreshold is the number of buffered records that triggers a raw upload.
func (c CollectorConfig) UploadThreshold() int {
	return c.BatchSize * c.UploadMultiplier
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func setString(dst *string, key string) {
	*dst = getenvDefault(key, *dst)
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func setUint64(dst *uint64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

// setSeconds accepts either a bare number of seconds or a Go duration string.
func setSeconds(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
