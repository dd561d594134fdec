package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the store-of-record server configuration.
type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Heartbeat socket
	HeartbeatInterval time.Duration

	// Observability
	JaegerEndpoint string
	ServiceName    string
	Log            LogConfig

	// Warnings collects malformed overrides that fell back to defaults.
	Warnings []string
}

// AgentConfig is the capture agent configuration.
type AgentConfig struct {
	ServerURL  string
	ListenHost string
	ListenPort string
	AgentID    string

	DataPath  string
	MaxDrafts int

	Sync   SyncConfig
	Naming NamingConfig
	Probe  ProbeConfig

	JaegerEndpoint string
	ServiceName    string
	Log            LogConfig

	Warnings []string
}

// SyncConfig holds the sync engine tunables.
type SyncConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	RemoteTimeout time.Duration
	StaleAfter    time.Duration
}

// ProbeConfig controls the websocket connectivity probe.
type ProbeConfig struct {
	Enabled     bool
	PongTimeout time.Duration
	MaxBackoff  time.Duration
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string
	Format string
}

func DefaultSync() SyncConfig {
	return SyncConfig{
		MaxAttempts:   5,
		BaseDelay:     2 * time.Second,
		MaxDelay:      5 * time.Minute,
		RemoteTimeout: 10 * time.Second,
		StaleAfter:    2 * time.Minute,
	}
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	env := &envReader{}
	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "brewlog"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		HeartbeatInterval: env.getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		ServiceName:    getEnv("SERVICE_NAME", "brewlog-server"),
		Log:            loadLog(),
	}
	cfg.Warnings = env.warnings

	if cfg.DBName == "" {
		return nil, fmt.Errorf("DB_NAME is required")
	}

	return cfg, nil
}

// LoadAgent reads the capture agent configuration. The naming config is
// assembled from defaults, then NAMING_CONFIG_PATH (YAML), then env overrides.
func LoadAgent() (*AgentConfig, error) {
	_ = godotenv.Load()

	env := &envReader{}
	defSync := DefaultSync()

	cfg := &AgentConfig{
		ServerURL:  strings.TrimRight(getEnv("BREWLOG_SERVER_URL", "http://localhost:8080"), "/"),
		ListenHost: getEnv("AGENT_HOST", "localhost"),
		ListenPort: getEnv("AGENT_PORT", "8090"),
		AgentID:    getEnv("AGENT_ID", hostname()),

		DataPath:  getEnv("AGENT_DATA_PATH", "brewlog-drafts.db"),
		MaxDrafts: env.getEnvInt("AGENT_MAX_DRAFTS", 500, 1),

		Sync: SyncConfig{
			MaxAttempts:   env.getEnvInt("SYNC_MAX_ATTEMPTS", defSync.MaxAttempts, 1),
			BaseDelay:     env.getEnvDuration("SYNC_BASE_DELAY", defSync.BaseDelay),
			MaxDelay:      env.getEnvDuration("SYNC_MAX_DELAY", defSync.MaxDelay),
			RemoteTimeout: env.getEnvDuration("SYNC_REMOTE_TIMEOUT", defSync.RemoteTimeout),
			StaleAfter:    env.getEnvDuration("SYNC_STALE_AFTER", defSync.StaleAfter),
		},

		Probe: ProbeConfig{
			Enabled:     env.getEnvBool("CONNECTIVITY_PROBE", true),
			PongTimeout: env.getEnvDuration("CONNECTIVITY_PONG_TIMEOUT", 60*time.Second),
			MaxBackoff:  env.getEnvDuration("CONNECTIVITY_MAX_BACKOFF", 30*time.Second),
		},

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
		ServiceName:    getEnv("SERVICE_NAME", "brewlog-agent"),
		Log:            loadLog(),
	}

	if cfg.Sync.MaxDelay < cfg.Sync.BaseDelay {
		env.warn("SYNC_MAX_DELAY", cfg.Sync.MaxDelay.String(), "shorter than SYNC_BASE_DELAY, using "+cfg.Sync.BaseDelay.String())
		cfg.Sync.MaxDelay = cfg.Sync.BaseDelay
	}

	naming := DefaultNaming()
	if path := getEnv("NAMING_CONFIG_PATH", ""); path != "" {
		file, err := LoadNamingFile(path)
		if err != nil {
			return nil, err
		}
		var warnings []string
		naming, warnings = MergeNaming(naming, file)
		env.warnings = append(env.warnings, warnings...)
	}

	var warnings []string
	naming, warnings = MergeNaming(naming, env.namingOverride())
	cfg.Naming = naming
	cfg.Warnings = append(env.warnings, warnings...)

	return cfg, nil
}

// Addr returns the listen address of the agent API.
func (c *AgentConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.ListenHost, c.ListenPort)
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func loadLog() LogConfig {
	return LogConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "text"),
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "barista-agent"
	}
	return name
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader reads typed values and records a warning for every malformed
// one instead of failing the load.
type envReader struct {
	warnings []string
}

func (r *envReader) warn(key, value, reason string) {
	r.warnings = append(r.warnings, fmt.Sprintf("%s=%q %s", key, value, reason))
}

func (r *envReader) getEnvInt(key string, defaultValue, minValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.warn(key, value, fmt.Sprintf("is not an integer, using default %d", defaultValue))
		return defaultValue
	}
	if n < minValue {
		r.warn(key, value, fmt.Sprintf("is below %d, using default %d", minValue, defaultValue))
		return defaultValue
	}
	return n
}

func (r *envReader) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		r.warn(key, value, "is not a positive duration, using default "+defaultValue.String())
		return defaultValue
	}
	return d
}

func (r *envReader) getEnvBool(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.warn(key, value, fmt.Sprintf("is not a boolean, using default %t", defaultValue))
		return defaultValue
	}
	return b
}

// optionalInt returns nil for an absent or malformed value.
func (r *envReader) optionalInt(key string) *int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.warn(key, value, "is not an integer, ignoring override")
		return nil
	}
	return &n
}

func (r *envReader) namingOverride() NamingOverride {
	o := NamingOverride{
		MaxRetries: r.optionalInt("NAMING_MAX_RETRIES"),
		TimeoutMs:  r.optionalInt("NAMING_TIMEOUT_MS"),
	}
	if tz := strings.TrimSpace(os.Getenv("DEFAULT_TIMEZONE")); tz != "" {
		o.DefaultTimezone = &tz
	}
	return o
}
