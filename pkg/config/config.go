package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/kiln/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       storage.Config      `yaml:"storage"`
	Identity      IdentityConfig      `yaml:"identity"`
	Studio        StudioConfig        `yaml:"studio"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORSOrigins     []string      `yaml:"cors_origins"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// IdentityConfig holds OpenID Connect settings
type IdentityConfig struct {
	IssuerURL    string `yaml:"issuer_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	CookieSecure bool   `yaml:"cookie_secure"`
}

// StudioConfig holds membership settings
type StudioConfig struct {
	BaseURL           string        `yaml:"base_url"`
	AllowedHosts      []string      `yaml:"allowed_hosts"`
	InvitePath        string        `yaml:"invite_path"`
	JoinDailyLimit    int           `yaml:"join_daily_limit"`
	JoinWindow        time.Duration `yaml:"join_window"`
	SiteAdminEmails   []string      `yaml:"site_admin_emails"`
	SignInPath        string        `yaml:"sign_in_path"`
	RequestAccessPath string        `yaml:"request_access_path"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    10 << 20,
			HealthPort:      "9090",
		},
		Storage: storage.DefaultConfig(),
		Studio: StudioConfig{
			InvitePath:        "/invite",
			JoinDailyLimit:    10,
			JoinWindow:        24 * time.Hour,
			SignInPath:        "/auth/signin",
			RequestAccessPath: "/request-access",
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "kiln",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1.0,
		},
	}
}

// LoadConfig loads defaults, then the YAML file named by KILN_CONFIG_FILE,
// then environment variables, and validates the result. KILN_ENV_FILE names
// an optional dotenv file merged into the environment first.
func LoadConfig() (*Config, error) {
	cfg := Default()

	// Variables already in the environment win over the env file
	if path := os.Getenv("KILN_ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}

	if path := os.Getenv("KILN_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadServerConfig()
	cfg.loadStorageConfig()
	cfg.loadIdentityConfig()
	cfg.loadStudioConfig()
	cfg.loadObservabilityConfig()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadServerConfig() {
	s := &c.Server
	s.Host = getEnv("KILN_HOST", s.Host)
	s.Port = getEnv("KILN_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("KILN_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("KILN_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("KILN_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("KILN_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxBodyBytes = getEnvInt64("KILN_MAX_BODY_BYTES", s.MaxBodyBytes)
	s.CORSOrigins = getEnvList("KILN_CORS_ORIGINS", s.CORSOrigins)
	s.HealthPort = getEnv("KILN_HEALTH_PORT", s.HealthPort)
}

func (c *Config) loadStorageConfig() {
	s := &c.Storage

	// PostgreSQL
	s.PostgresURL = getEnv("KILN_POSTGRES_URL", s.PostgresURL)
	s.PostgresReplicaURLs = getEnv("KILN_POSTGRES_REPLICA_URLS", s.PostgresReplicaURLs)
	s.PostgresMaxConns = getEnvInt("KILN_POSTGRES_MAX_CONNS", s.PostgresMaxConns)
	s.PostgresMinConns = getEnvInt("KILN_POSTGRES_MIN_CONNS", s.PostgresMinConns)
	s.PostgresTimeout = getEnvDuration("KILN_POSTGRES_TIMEOUT", s.PostgresTimeout)
	s.AutoMigrate = getEnvBool("KILN_AUTO_MIGRATE", s.AutoMigrate)

	// S3
	s.S3Endpoint = getEnv("KILN_S3_ENDPOINT", s.S3Endpoint)
	s.S3Region = getEnv("KILN_S3_REGION", s.S3Region)
	s.S3Bucket = getEnv("KILN_S3_BUCKET", s.S3Bucket)
	s.S3AccessKey = getEnv("KILN_S3_ACCESS_KEY", s.S3AccessKey)
	s.S3SecretKey = getEnv("KILN_S3_SECRET_KEY", s.S3SecretKey)
	s.S3UsePathStyle = getEnvBool("KILN_S3_USE_PATH_STYLE", s.S3UsePathStyle)
	s.S3PublicURL = getEnv("KILN_S3_PUBLIC_URL", s.S3PublicURL)

	// Redis
	s.RedisURL = getEnv("KILN_REDIS_URL", s.RedisURL)
	s.RedisPassword = getEnv("KILN_REDIS_PASSWORD", s.RedisPassword)
	s.RedisDB = getEnvInt("KILN_REDIS_DB", s.RedisDB)
	s.RedisMaxRetries = getEnvInt("KILN_REDIS_MAX_RETRIES", s.RedisMaxRetries)
	s.RedisPoolSize = getEnvInt("KILN_REDIS_POOL_SIZE", s.RedisPoolSize)
}

func (c *Config) loadIdentityConfig() {
	i := &c.Identity
	i.IssuerURL = getEnv("KILN_OIDC_ISSUER_URL", i.IssuerURL)
	i.ClientID = getEnv("KILN_OIDC_CLIENT_ID", i.ClientID)
	i.ClientSecret = getEnv("KILN_OIDC_CLIENT_SECRET", i.ClientSecret)
	i.RedirectURL = getEnv("KILN_OIDC_REDIRECT_URL", i.RedirectURL)
	i.CookieSecure = getEnvBool("KILN_COOKIE_SECURE", i.CookieSecure)
}

func (c *Config) loadStudioConfig() {
	s := &c.Studio
	s.BaseURL = getEnv("KILN_BASE_URL", s.BaseURL)
	s.AllowedHosts = getEnvList("KILN_ALLOWED_HOSTS", s.AllowedHosts)
	s.InvitePath = getEnv("KILN_INVITE_PATH", s.InvitePath)
	s.JoinDailyLimit = getEnvInt("KILN_JOIN_DAILY_LIMIT", s.JoinDailyLimit)
	s.JoinWindow = getEnvDuration("KILN_JOIN_WINDOW", s.JoinWindow)
	s.SiteAdminEmails = getEnvList("KILN_SITE_ADMIN_EMAILS", s.SiteAdminEmails)
	s.SignInPath = getEnv("KILN_SIGN_IN_PATH", s.SignInPath)
	s.RequestAccessPath = getEnv("KILN_REQUEST_ACCESS_PATH", s.RequestAccessPath)
}

func (c *Config) loadObservabilityConfig() {
	o := &c.Observability
	o.LogLevel = strings.ToLower(getEnv("KILN_LOG_LEVEL", o.LogLevel))
	o.MetricsEnabled = getEnvBool("KILN_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("KILN_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("KILN_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("KILN_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("KILN_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("KILN_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("KILN_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.S3Bucket == "" {
		return fmt.Errorf("S3 bucket is required")
	}

	if c.Identity.IssuerURL == "" || c.Identity.ClientID == "" {
		return fmt.Errorf("OIDC issuer URL and client ID are required")
	}
	if c.Identity.RedirectURL == "" {
		return fmt.Errorf("OIDC redirect URL is required")
	}

	if c.Studio.BaseURL != "" {
		u, err := url.Parse(c.Studio.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid base URL: %q", c.Studio.BaseURL)
		}
	} else if len(c.Studio.AllowedHosts) == 0 {
		// Invite links would otherwise trust any Host header
		return fmt.Errorf("base URL or allowed hosts is required")
	}
	if c.Studio.JoinDailyLimit <= 0 {
		return fmt.Errorf("join daily limit must be positive")
	}
	if c.Studio.JoinWindow <= 0 {
		return fmt.Errorf("join window must be positive")
	}

	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Observability.LogLevel)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty entries
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
