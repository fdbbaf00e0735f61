package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/storops/internal/logger"
	"github.com/loykin/storops/pkg/unity"
)

// EnvPrefix prefixes every environment override, e.g. STOROPS_UNITY_PASSWORD.
const EnvPrefix = "STOROPS"

// Config represents the top-level TOML structure.
type Config struct {
	EnvFiles []string      `toml:"env_files" mapstructure:"env_files"`
	Unity    UnityConfig   `toml:"unity" mapstructure:"unity"`
	Jobs     JobsConfig    `toml:"jobs" mapstructure:"jobs"`
	Log      logger.Config `toml:"log" mapstructure:"log"`
	Metrics  MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History  HistoryConfig `toml:"history" mapstructure:"history"`
	Cache    CacheConfig   `toml:"cache" mapstructure:"cache"`
	Server   ServerConfig  `toml:"server" mapstructure:"server"`
}

type UnityConfig struct {
	Host       string        `toml:"host" mapstructure:"host"`
	Username   string        `toml:"username" mapstructure:"username"`
	Password   string        `toml:"password" mapstructure:"password"`
	Insecure   bool          `toml:"insecure" mapstructure:"insecure"`
	CACert     string        `toml:"ca_cert" mapstructure:"ca_cert"`
	ClientCert string        `toml:"client_cert" mapstructure:"client_cert"`
	ClientKey  string        `toml:"client_key" mapstructure:"client_key"`
	ServerName string        `toml:"server_name" mapstructure:"server_name"`
	Timeout    time.Duration `toml:"timeout" mapstructure:"timeout"`
	Retries    int           `toml:"retries" mapstructure:"retries"`
	RateLimit  float64       `toml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst  int           `toml:"rate_burst" mapstructure:"rate_burst"`
}

type JobsConfig struct {
	PollInterval time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	WaitTimeout  time.Duration `toml:"wait_timeout" mapstructure:"wait_timeout"`
	WaitInterval time.Duration `toml:"wait_interval" mapstructure:"wait_interval"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
	Self    bool   `toml:"self" mapstructure:"self"` // storops process cpu/memory
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

type CacheConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig serves the API over HTTPS. CertFile and KeyFile win over Dir;
// with AutoGenerate a self-signed pair is written to Dir when missing.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
	MaxVersion   string   `toml:"max_version" mapstructure:"max_version"`
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

// DefaultCachePath is where the storage group cache lives when no DSN is set.
func DefaultCachePath() string {
	return filepath.Join(os.TempDir(), "storops_sg_cache.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env_files", []string{})

	v.SetDefault("unity.host", "")
	v.SetDefault("unity.username", "")
	v.SetDefault("unity.password", "")
	v.SetDefault("unity.insecure", false)
	v.SetDefault("unity.ca_cert", "")
	v.SetDefault("unity.client_cert", "")
	v.SetDefault("unity.client_key", "")
	v.SetDefault("unity.server_name", "")
	v.SetDefault("unity.timeout", 30*time.Second)
	v.SetDefault("unity.retries", 3)
	v.SetDefault("unity.rate_limit", 0.0)
	v.SetDefault("unity.rate_burst", 1)

	v.SetDefault("jobs.poll_interval", 3*time.Second)
	v.SetDefault("jobs.wait_timeout", time.Hour)
	v.SetDefault("jobs.wait_interval", 3*time.Second)

	v.SetDefault("log.slog.level", string(logger.LevelInfo))
	v.SetDefault("log.slog.format", string(logger.FormatText))
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9100")
	v.SetDefault("metrics.self", false)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")

	v.SetDefault("cache.dsn", DefaultCachePath())

	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "1.2")
	v.SetDefault("server.tls.max_version", "1.3")
	v.SetDefault("server.tls.common_name", "localhost")
	v.SetDefault("server.tls.dns_names", []string{"localhost"})
	v.SetDefault("server.tls.valid_days", 365)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// defaults alone always decode
		panic(err)
	}
	return cfg
}

// Load reads the TOML file at path (optional) and applies, lowest to
// highest precedence: built-in defaults, the file, env_files entries and
// STOROPS_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, f := range v.GetStringSlice("env_files") {
		if path != "" && !filepath.IsAbs(f) {
			f = filepath.Join(filepath.Dir(path), f)
		}
		pairs, err := loadEnvFile(f)
		if err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
		applyEnvFile(v, pairs)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvFile sets keys whose STOROPS_* name appears in pairs, unless the
// real environment already carries that variable.
func applyEnvFile(v *viper.Viper, pairs map[string]string) {
	for _, key := range v.AllKeys() {
		name := EnvName(key)
		val, ok := pairs[name]
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(name); set {
			continue
		}
		v.Set(key, val)
	}
}

// EnvName returns the environment variable overriding key, e.g.
// "jobs.poll_interval" -> "STOROPS_JOBS_POLL_INTERVAL".
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Validate checks values that would make the job helper misbehave.
func (c *Config) Validate() error {
	var errs []error
	if c.Jobs.PollInterval <= 0 {
		errs = append(errs, errors.New("jobs.poll_interval must be positive"))
	}
	if c.Jobs.WaitTimeout <= 0 {
		errs = append(errs, errors.New("jobs.wait_timeout must be positive"))
	}
	if c.Jobs.WaitInterval <= 0 {
		errs = append(errs, errors.New("jobs.wait_interval must be positive"))
	}
	if c.Jobs.WaitInterval > c.Jobs.WaitTimeout {
		errs = append(errs, errors.New("jobs.wait_interval must not exceed jobs.wait_timeout"))
	}
	if c.Unity.Retries < 0 {
		errs = append(errs, errors.New("unity.retries must not be negative"))
	}
	if c.Unity.RateLimit < 0 {
		errs = append(errs, errors.New("unity.rate_limit must not be negative"))
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		errs = append(errs, errors.New("history.dsn is required when history is enabled"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, errors.New("server.base_path must start with /"))
	}
	if t := c.Server.TLS; t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			errs = append(errs, errors.New("server.tls.cert_file and server.tls.key_file must be set together"))
		}
		if t.CertFile == "" && t.Dir == "" {
			errs = append(errs, errors.New("server.tls needs cert_file/key_file or dir"))
		}
	}
	return errors.Join(errs...)
}

// ClientConfig converts the [unity] section for unity.New.
func (u UnityConfig) ClientConfig(log *slog.Logger) (unity.Config, error) {
	if strings.TrimSpace(u.Host) == "" {
		return unity.Config{}, errors.New("unity.host is required")
	}
	if u.Username == "" {
		return unity.Config{}, errors.New("unity.username is required")
	}
	cc := unity.Config{
		Host:      u.Host,
		Username:  u.Username,
		Password:  u.Password,
		Timeout:   u.Timeout,
		Retries:   u.Retries,
		RateLimit: u.RateLimit,
		RateBurst: u.RateBurst,
		Logger:    log,
		Insecure:  u.Insecure,
	}
	if u.CACert != "" || u.ClientCert != "" || u.ServerName != "" {
		cc.TLS = &unity.TLSClientConfig{
			CACert:     u.CACert,
			ClientCert: u.ClientCert,
			ClientKey:  u.ClientKey,
			ServerName: u.ServerName,
		}
	}
	return cc, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
