package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"dealwatch/detection"
	"dealwatch/models"
	"dealwatch/proxy"
	"dealwatch/storage"
)

type Config struct {
	DatabaseURL string
	DBPath      string
	RedisURL    string
	LogLevel    string
	LogFile     string
	MetricsAddr string
	ConfigFile  string

	Proxy     proxy.Config
	S3        storage.S3Config
	Artifacts ArtifactConfig

	Tuning
}

// Tuning is the YAML-file part of the configuration.
type Tuning struct {
	Detection detection.Config `yaml:"detection"`
	API       APIConfig        `yaml:"api"`
	HTTP      HTTPConfig       `yaml:"http"`
	Browser   BrowserConfig    `yaml:"browser"`
	ProxyPool ProxyPoolConfig  `yaml:"proxy"`
	Workers   WorkerConfig     `yaml:"workers"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
}

// APIConfig configures the batch marketplace API tier.
type APIConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Endpoint          string        `yaml:"endpoint"`
	Host              string        `yaml:"host"`
	Region            string        `yaml:"region"`
	Marketplace       string        `yaml:"marketplace"`
	PartnerTag        string        `yaml:"-"`
	AccessKey         string        `yaml:"-"`
	SecretKey         string        `yaml:"-"`
	BatchSize         int           `yaml:"batch_size"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`
	AuthCooldown      time.Duration `yaml:"auth_cooldown"`
}

// HTTPConfig configures the direct page-fetch tier.
type HTTPConfig struct {
	URLTemplate       string        `yaml:"url_template"`
	Timeout           time.Duration `yaml:"timeout"`
	MinDelay          time.Duration `yaml:"min_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	MaxRetries        int           `yaml:"max_retries"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	RateLimitBackoff  time.Duration `yaml:"rate_limit_backoff"`
	Jitter            float64       `yaml:"jitter"`
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// BrowserConfig configures the rendered-page tier.
type BrowserConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Headless    bool          `yaml:"headless"`
	URLTemplate string        `yaml:"url_template"`
	Timeout     time.Duration `yaml:"timeout"`
	Locale      string        `yaml:"locale"`
	Timezone    string        `yaml:"timezone"`
	Latitude    float64       `yaml:"latitude"`
	Longitude   float64       `yaml:"longitude"`
	Concurrency int           `yaml:"concurrency"`
}

type ProxyPoolConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

type WorkerConfig struct {
	Size         int           `yaml:"size"`
	BatchSize    int           `yaml:"batch_size"`
	Shards       int           `yaml:"shards"`
	CycleTimeout time.Duration `yaml:"cycle_timeout"`
}

type SchedulerConfig struct {
	CheckCron    string        `yaml:"check_cron"`
	DueAfter     time.Duration `yaml:"due_after"`
	DueLimit     int           `yaml:"due_limit"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ArtifactConfig struct {
	Dir string
}

// DefaultTuning is used for any value the YAML file leaves out.
func DefaultTuning() Tuning {
	return Tuning{
		Detection: detection.DefaultConfig(),
		API: APIConfig{
			Enabled:           true,
			Endpoint:          "https://webservices.amazon.com/paapi5/getitems",
			Host:              "webservices.amazon.com",
			Region:            "us-east-1",
			Marketplace:       "www.amazon.com",
			BatchSize:         10,
			Timeout:           10 * time.Second,
			RequestsPerSecond: 1,
			RateLimitCooldown: 5 * time.Minute,
			AuthCooldown:      30 * time.Minute,
		},
		HTTP: HTTPConfig{
			URLTemplate:       "https://www.amazon.com/dp/{id}",
			Timeout:           15 * time.Second,
			MinDelay:          time.Second,
			MaxDelay:          3 * time.Second,
			MaxRetries:        3,
			BaseBackoff:       2 * time.Second,
			MaxBackoff:        30 * time.Second,
			RateLimitBackoff:  10 * time.Second,
			Jitter:            0.3,
			Concurrency:       4,
			RequestsPerSecond: 2,
		},
		Browser: BrowserConfig{
			Enabled:     true,
			Headless:    true,
			URLTemplate: "https://www.amazon.com/dp/{id}",
			Timeout:     45 * time.Second,
			Locale:      "en-US",
			Timezone:    "America/New_York",
			Latitude:    40.7128,
			Longitude:   -74.0060,
			Concurrency: 1,
		},
		ProxyPool: ProxyPoolConfig{
			FailureThreshold: 5,
			Cooldown:         5 * time.Minute,
		},
		Workers: WorkerConfig{
			Size:         2,
			BatchSize:    50,
			Shards:       4,
			CycleTimeout: 20 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			CheckCron:    "@every 10m",
			DueAfter:     time.Hour,
			DueLimit:     500,
			PollInterval: 2 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBPath:      getEnv("DB_PATH", "dealwatch.db"),
		RedisURL:    os.Getenv("REDIS_URL"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("LOG_FILE", "daemon.log"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		ConfigFile:  getEnv("CONFIG_FILE", "config/dealwatch.yaml"),
		Proxy: proxy.Config{
			URL:      os.Getenv("PROXY_URL"),
			List:     os.Getenv("PROXY_LIST"),
			Host:     os.Getenv("PROXY_HOST"),
			Port:     os.Getenv("PROXY_PORT"),
			Username: os.Getenv("PROXY_USERNAME"),
			Password: os.Getenv("PROXY_PASSWORD"),
		},
		S3: storage.S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			Prefix:          getEnv("S3_PREFIX", "artifacts"),
		},
		Artifacts: ArtifactConfig{Dir: getEnv("ARTIFACT_DIR", "artifacts")},
		Tuning:    DefaultTuning(),
	}

	if err := cfg.loadTuning(cfg.ConfigFile); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadTuning overlays the YAML file on the defaults. A missing file is fine.
func (c *Config) loadTuning(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, &c.Tuning); err != nil {
		return fmt.Errorf("parse %s: %v: %w", path, err, models.ErrConfiguration)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	c.API.AccessKey = os.Getenv("PAAPI_ACCESS_KEY")
	c.API.SecretKey = os.Getenv("PAAPI_SECRET_KEY")
	c.API.PartnerTag = os.Getenv("PAAPI_PARTNER_TAG")
	c.API.Host = getEnv("PAAPI_HOST", c.API.Host)
	c.API.Region = getEnv("PAAPI_REGION", c.API.Region)
	c.API.Marketplace = getEnv("PAAPI_MARKETPLACE", c.API.Marketplace)
	c.API.Endpoint = getEnv("PAAPI_ENDPOINT", c.API.Endpoint)
	c.Workers.Size = getEnvInt("WORKER_COUNT", c.Workers.Size)
	c.Scheduler.CheckCron = getEnv("CHECK_CRON", c.Scheduler.CheckCron)
	c.Browser.Enabled = getEnvBool("BROWSER_ENABLED", c.Browser.Enabled)
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %w", msg, models.ErrConfiguration))
		}
	}

	check(c.API.BatchSize >= 1 && c.API.BatchSize <= 10, "api.batch_size must be between 1 and 10")
	check(c.API.Timeout > 0, "api.timeout must be positive")
	check(c.HTTP.Timeout > 0, "http.timeout must be positive")
	check(c.HTTP.MinDelay >= 0 && c.HTTP.MinDelay <= c.HTTP.MaxDelay, "http.min_delay must be between 0 and http.max_delay")
	check(c.HTTP.MaxRetries >= 1, "http.max_retries must be at least 1")
	check(c.HTTP.Concurrency >= 1, "http.concurrency must be at least 1")
	check(c.HTTP.RequestsPerSecond > 0, "http.requests_per_second must be positive")
	check(c.HTTP.Jitter >= 0 && c.HTTP.Jitter < 1, "http.jitter must be in [0, 1)")
	check(c.Browser.Timeout > 0, "browser.timeout must be positive")
	check(c.ProxyPool.FailureThreshold >= 1, "proxy.failure_threshold must be at least 1")
	check(c.Workers.Size >= 1, "workers.size must be at least 1")
	check(c.Workers.BatchSize >= 1, "workers.batch_size must be at least 1")
	check(c.Scheduler.CheckCron != "", "scheduler.check_cron is required")

	if _, err := proxy.ParseEndpoints(c.Proxy); err != nil {
		errs = append(errs, err)
	}
	if d, err := c.Detection.Normalize(); err != nil {
		errs = append(errs, err)
	} else {
		c.Detection = d
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
