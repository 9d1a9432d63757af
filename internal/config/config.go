package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

/*
CONFIGURATION

One value, BACKEND_URL, locates the backend for both collaboration channels:

  BACKEND_URL=http://host:8080
    event channel   ws://host:8080/socket        (fallback http://host:8080/socket/polling)
    CRDT provider   ws://host:8080/yjs/<room>?token=...

Deriving both from the same value keeps the two channels from drifting apart.
*/

type Config struct {
	// Client side
	BackendURL      string
	CredentialsPath string

	AutoSaveInterval     time.Duration
	HandshakeTimeout     time.Duration
	ReconnectMaxAttempts int
	ReconnectDelay       time.Duration
	ReconnectDelayMax    time.Duration
	ManualRetryDelay     time.Duration
	ProviderMaxRetries   int

	// Server side
	DBEnabled  bool
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	RedisURL  string
	JWTSecret string
	TokenTTL  time.Duration

	// Worker pool configuration
	PersistenceWorkers   int
	PersistenceQueueSize int

	// Observability
	JaegerEndpoint   string
	TraceSampleRatio float64
}

// Load reads .env (if present) and the environment
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		BackendURL:      getEnv("BACKEND_URL", "http://localhost:8080"),
		CredentialsPath: getEnv("COLLAB_CREDENTIALS_PATH", defaultCredentialsPath()),

		AutoSaveInterval:     getEnvDuration("AUTOSAVE_INTERVAL", 5*time.Second),
		HandshakeTimeout:     getEnvDuration("HANDSHAKE_TIMEOUT", 10*time.Second),
		ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectDelay:       getEnvDuration("RECONNECT_DELAY", time.Second),
		ReconnectDelayMax:    getEnvDuration("RECONNECT_DELAY_MAX", 5*time.Second),
		ManualRetryDelay:     getEnvDuration("MANUAL_RETRY_DELAY", 5*time.Second),
		ProviderMaxRetries:   getEnvInt("PROVIDER_MAX_RETRIES", 3),

		DBEnabled:  getEnv("DB_ENABLED", "true") != "false",
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "interview_pro"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		RedisURL:  getEnv("REDIS_URL", ""),
		JWTSecret: getEnv("JWT_SECRET", ""),
		TokenTTL:  getEnvDuration("TOKEN_TTL", 12*time.Hour),

		PersistenceWorkers:   getEnvInt("PERSISTENCE_WORKERS", 4),
		PersistenceQueueSize: getEnvInt("PERSISTENCE_QUEUE_SIZE", 100),

		JaegerEndpoint:   getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("BACKEND_URL %q is not an absolute URL", c.BackendURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("BACKEND_URL scheme %q is not supported", u.Scheme)
	}

	durations := map[string]time.Duration{
		"AUTOSAVE_INTERVAL":   c.AutoSaveInterval,
		"HANDSHAKE_TIMEOUT":   c.HandshakeTimeout,
		"RECONNECT_DELAY":     c.ReconnectDelay,
		"RECONNECT_DELAY_MAX": c.ReconnectDelayMax,
		"TOKEN_TTL":           c.TokenTTL,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.ReconnectDelayMax < c.ReconnectDelay {
		return errors.New("RECONNECT_DELAY_MAX must not be below RECONNECT_DELAY")
	}
	if c.ManualRetryDelay < 0 {
		return errors.New("MANUAL_RETRY_DELAY must not be negative")
	}
	if c.ReconnectMaxAttempts < 0 || c.ProviderMaxRetries < 0 {
		return errors.New("retry limits must not be negative")
	}
	if c.PersistenceWorkers < 1 || c.PersistenceQueueSize < 1 {
		return errors.New("persistence pool needs at least one worker and one queue slot")
	}
	return nil
}

// RequireServer checks settings only the relay server needs
func (c *Config) RequireServer() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// SocketURL is the websocket endpoint of the event channel
func (c *Config) SocketURL() string {
	return c.endpoint(true, "/socket")
}

// PollingURL is the long-polling fallback of the event channel
func (c *Config) PollingURL() string {
	return c.endpoint(false, "/socket/polling")
}

// ProviderURL is the CRDT sync endpoint of a room. The token travels in the
// query string because browsers cannot set headers on websocket upgrades.
func (c *Config) ProviderURL(room, token string) string {
	base := c.endpoint(true, "/yjs/"+room)
	return base + "?token=" + url.QueryEscape(token)
}

func (c *Config) endpoint(websocket bool, path string) string {
	u, err := url.Parse(c.BackendURL)
	if err != nil {
		return ""
	}
	switch {
	case websocket && u.Scheme == "https":
		u.Scheme = "wss"
	case websocket && u.Scheme == "http":
		u.Scheme = "ws"
	case !websocket && u.Scheme == "wss":
		u.Scheme = "https"
	case !websocket && u.Scheme == "ws":
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = ""
	return u.String()
}

// ListenAddr is the server bind address
func (c *Config) ListenAddr() string {
	return c.ServerHost + ":" + c.ServerPort
}

func defaultCredentialsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "interview-pro", "credentials.db")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
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

// getEnvDuration accepts Go durations ("5s") or plain milliseconds ("5000")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
