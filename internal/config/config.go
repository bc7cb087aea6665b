// Package config loads service settings. Precedence is defaults, then an
// optional YAML file, then MESHFORGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "MESHFORGE_"

type Config struct {
	Addr            string        `yaml:"addr"`
	DataDir         string        `yaml:"data_dir"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Store     StoreConfig     `yaml:"store"`
	Provider  ProviderConfig  `yaml:"provider"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type StoreConfig struct {
	// Driver is one of memory, sqlite or redis.
	Driver     string      `yaml:"driver"`
	SQLitePath string      `yaml:"sqlite_path"`
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type ProviderConfig struct {
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	EnablePBR         bool          `yaml:"enable_pbr"`
	ShouldRemesh      bool          `yaml:"should_remesh"`
	ShouldTexture     bool          `yaml:"should_texture"`
}

type JobsConfig struct {
	MaxImageBytes        int64         `yaml:"max_image_bytes"`
	PollInitialDelay     time.Duration `yaml:"poll_initial_delay"`
	PollMaxDelay         time.Duration `yaml:"poll_max_delay"`
	PollMultiplier       float64       `yaml:"poll_multiplier"`
	PollJitter           bool          `yaml:"poll_jitter"`
	PollTimeout          time.Duration `yaml:"poll_timeout"`
	MaxTransientFailures int           `yaml:"max_transient_failures"`
	SubmitAttempts       int           `yaml:"submit_attempts"`
	FetchAttempts        int           `yaml:"fetch_attempts"`
	MaxConcurrentFetches int64         `yaml:"max_concurrent_fetches"`
	DedupeInFlight       bool          `yaml:"dedupe_in_flight"`
}

type AuthConfig struct {
	// JWTSecret enables HS256 bearer tokens. When empty the X-Principal
	// header is trusted, which is only suitable for local development.
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	ServiceName  string  `yaml:"service_name"`
	SampleRate   float64 `yaml:"sample_rate"`
}

func Defaults() Config {
	return Config{
		Addr:            ":8080",
		DataDir:         "local-data",
		AllowedOrigins:  []string{"*"},
		ShutdownTimeout: 30 * time.Second,
		Store: StoreConfig{
			Driver: "sqlite",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "meshforge:",
			},
		},
		Provider: ProviderConfig{
			BaseURL:           "https://api.meshy.ai",
			Timeout:           60 * time.Second,
			RequestsPerSecond: 2,
			ShouldRemesh:      true,
			ShouldTexture:     true,
		},
		Jobs: JobsConfig{
			MaxImageBytes:        10 << 20,
			PollInitialDelay:     2 * time.Second,
			PollMaxDelay:         30 * time.Second,
			PollMultiplier:       1.5,
			PollJitter:           true,
			PollTimeout:          15 * time.Minute,
			MaxTransientFailures: 5,
			SubmitAttempts:       3,
			FetchAttempts:        3,
			MaxConcurrentFetches: 4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "meshforge",
			SampleRate:  1,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
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

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	e := &envReader{}
	cfg.Addr = getenv(envPrefix+"ADDR", cfg.Addr)
	cfg.DataDir = getenv(envPrefix+"DATA_DIR", cfg.DataDir)
	cfg.AllowedOrigins = getenvCSV(envPrefix+"ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.ShutdownTimeout = e.getDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.Store.Driver = getenv(envPrefix+"STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.SQLitePath = getenv(envPrefix+"SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Store.Redis.Addr = getenv(envPrefix+"REDIS_ADDR", cfg.Store.Redis.Addr)
	cfg.Store.Redis.Password = getenv(envPrefix+"REDIS_PASSWORD", cfg.Store.Redis.Password)
	cfg.Store.Redis.DB = e.getInt("REDIS_DB", cfg.Store.Redis.DB)
	cfg.Store.Redis.KeyPrefix = getenv(envPrefix+"REDIS_KEY_PREFIX", cfg.Store.Redis.KeyPrefix)

	// MESHY_API_KEY is the name the hosted deployment already uses.
	cfg.Provider.APIKey = getenv("MESHY_API_KEY", cfg.Provider.APIKey)
	cfg.Provider.APIKey = getenv(envPrefix+"PROVIDER_API_KEY", cfg.Provider.APIKey)
	cfg.Provider.BaseURL = getenv(envPrefix+"PROVIDER_BASE_URL", cfg.Provider.BaseURL)
	cfg.Provider.Timeout = e.getDuration("PROVIDER_TIMEOUT", cfg.Provider.Timeout)
	cfg.Provider.RequestsPerSecond = e.getFloat("PROVIDER_REQUESTS_PER_SECOND", cfg.Provider.RequestsPerSecond)
	cfg.Provider.EnablePBR = e.getBool("PROVIDER_ENABLE_PBR", cfg.Provider.EnablePBR)
	cfg.Provider.ShouldRemesh = e.getBool("PROVIDER_SHOULD_REMESH", cfg.Provider.ShouldRemesh)
	cfg.Provider.ShouldTexture = e.getBool("PROVIDER_SHOULD_TEXTURE", cfg.Provider.ShouldTexture)

	cfg.Jobs.MaxImageBytes = e.getInt64("MAX_IMAGE_BYTES", cfg.Jobs.MaxImageBytes)
	cfg.Jobs.PollInitialDelay = e.getDuration("POLL_INITIAL_DELAY", cfg.Jobs.PollInitialDelay)
	cfg.Jobs.PollMaxDelay = e.getDuration("POLL_MAX_DELAY", cfg.Jobs.PollMaxDelay)
	cfg.Jobs.PollMultiplier = e.getFloat("POLL_MULTIPLIER", cfg.Jobs.PollMultiplier)
	cfg.Jobs.PollJitter = e.getBool("POLL_JITTER", cfg.Jobs.PollJitter)
	cfg.Jobs.PollTimeout = e.getDuration("POLL_TIMEOUT", cfg.Jobs.PollTimeout)
	cfg.Jobs.MaxTransientFailures = e.getInt("MAX_TRANSIENT_FAILURES", cfg.Jobs.MaxTransientFailures)
	cfg.Jobs.SubmitAttempts = e.getInt("SUBMIT_ATTEMPTS", cfg.Jobs.SubmitAttempts)
	cfg.Jobs.FetchAttempts = e.getInt("FETCH_ATTEMPTS", cfg.Jobs.FetchAttempts)
	cfg.Jobs.MaxConcurrentFetches = e.getInt64("MAX_CONCURRENT_FETCHES", cfg.Jobs.MaxConcurrentFetches)
	cfg.Jobs.DedupeInFlight = e.getBool("DEDUPE_IN_FLIGHT", cfg.Jobs.DedupeInFlight)

	cfg.Auth.JWTSecret = getenv(envPrefix+"JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.Issuer = getenv(envPrefix+"JWT_ISSUER", cfg.Auth.Issuer)

	cfg.Log.Level = getenv(envPrefix+"LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenv(envPrefix+"LOG_FORMAT", cfg.Log.Format)

	cfg.Telemetry.OTLPEndpoint = getenv(envPrefix+"OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.Insecure = e.getBool("OTLP_INSECURE", cfg.Telemetry.Insecure)
	cfg.Telemetry.ServiceName = getenv(envPrefix+"SERVICE_NAME", cfg.Telemetry.ServiceName)
	cfg.Telemetry.SampleRate = e.getFloat("TRACE_SAMPLE_RATE", cfg.Telemetry.SampleRate)

	return errors.Join(e.errs...)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "redis":
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory, sqlite or redis", c.Store.Driver))
	}
	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("provider.base_url is required"))
	}
	if c.Provider.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("provider.requests_per_second must not be negative"))
	}
	j := c.Jobs
	if j.MaxImageBytes <= 0 {
		errs = append(errs, errors.New("jobs.max_image_bytes must be positive"))
	}
	if j.PollInitialDelay <= 0 {
		errs = append(errs, errors.New("jobs.poll_initial_delay must be positive"))
	}
	if j.PollMaxDelay < j.PollInitialDelay {
		errs = append(errs, errors.New("jobs.poll_max_delay must be at least poll_initial_delay"))
	}
	if j.PollMultiplier < 1 {
		errs = append(errs, errors.New("jobs.poll_multiplier must be >= 1"))
	}
	if j.MaxTransientFailures < 1 {
		errs = append(errs, errors.New("jobs.max_transient_failures must be >= 1"))
	}
	if j.SubmitAttempts < 1 || j.FetchAttempts < 1 {
		errs = append(errs, errors.New("jobs.submit_attempts and jobs.fetch_attempts must be >= 1"))
	}
	if j.MaxConcurrentFetches < 1 {
		errs = append(errs, errors.New("jobs.max_concurrent_fetches must be >= 1"))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvCSV(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	values := splitCSV(raw)
	if len(values) == 0 {
		return fallback
	}
	return values
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// envReader parses typed MESHFORGE_* variables and collects parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(envPrefix + name))
	return v, v != ""
}

func (e *envReader) fail(name, raw string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s%s=%q: %w", envPrefix, name, raw, err))
}

func (e *envReader) getInt(name string, fallback int) int {
	raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.fail(name, raw, err)
		return fallback
	}
	return v
}

func (e *envReader) getInt64(name string, fallback int64) int64 {
	raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.fail(name, raw, err)
		return fallback
	}
	return v
}

func (e *envReader) getFloat(name string, fallback float64) float64 {
	raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.fail(name, raw, err)
		return fallback
	}
	return v
}

func (e *envReader) getBool(name string, fallback bool) bool {
	raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.fail(name, raw, err)
		return fallback
	}
	return v
}

func (e *envReader) getDuration(name string, fallback time.Duration) time.Duration {
	raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		e.fail(name, raw, err)
		return fallback
	}
	return v
}
