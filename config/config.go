// Package config provides application configuration management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oremus-labs/ol-crawl-gateway/internal/logutil"
	"sigs.k8s.io/yaml"
)

// TaskIDPlaceholder is substituted with the (path-escaped) task identifier in
// every task URL template.
const TaskIDPlaceholder = "{taskId}"

// TaskKind describes the upstream endpoints backing one long-running task type.
type TaskKind struct {
	Create   string `json:"create"`
	Status   string `json:"status"`
	Stream   string `json:"stream"`
	Download string `json:"download,omitempty"`
}

// Config holds all application configuration.
type Config struct {
	// Server configuration
	ServerPort string
	LogLevel   string

	// Upstream services
	BackendURL      string
	APIBaseURL      string
	MCPClientURL    string
	BackendAPIToken string

	// Task kinds + relay tuning
	RoutesFile          string
	DefaultStreamKind   string
	TaskKinds           map[string]TaskKind
	UpstreamTimeout     time.Duration
	UpstreamDialTimeout time.Duration
	StreamBufferBytes   int

	// Persistence
	StatePath       string
	DataStoreDriver string
	DataStoreDSN    string

	// Redis / events configuration
	RedisAddr        string
	RedisUsername    string
	RedisPassword    string
	RedisDB          int
	RedisTLSEnabled  bool
	RedisTLSInsecure bool
	EventsChannel    string
	RedisTrackStream string
	RedisTrackGroup  string
	// RedisTrackClaimIdle is how long a track request may stay unacknowledged
	// before another worker reclaims it.
	RedisTrackClaimIdle time.Duration

	// Task tracking
	TrackMode       string
	GatewayURL      string
	GatewayAPIToken string

	// Access control + validation
	APIToken          string
	ProtectedPrefixes []string
	SchemaDir         string

	WorkerConcurrency int

	// Retention sweep
	RetentionInterval time.Duration
	TaskTTL           time.Duration
	HistoryTTL        time.Duration
}

// Load loads configuration from environment variables with defaults.
func Load() (*Config, error) {
	statePath := getEnv("STATE_PATH", "/app/state")
	dataStoreDriver := getEnv("DATASTORE_DRIVER", "sqlite")
	dataStoreDSN := getEnv("DATASTORE_DSN", "")
	if dataStoreDSN == "" {
		if dataStoreDriver == "postgres" {
			dataStoreDSN = os.Getenv("POSTGRES_DSN")
		} else {
			dataStoreDSN = filepath.Join(statePath, "crawl-gateway.db")
		}
	}

	backendURL := strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:8000"), "/")
	serverPort := getEnv("SERVER_PORT", "8080")
	cfg := &Config{
		ServerPort:          serverPort,
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		BackendURL:          backendURL,
		APIBaseURL:          strings.TrimRight(getEnv("API_BASE_URL", backendURL), "/"),
		MCPClientURL:        strings.TrimRight(getEnv("MCP_CLIENT_URL", "http://localhost:8001"), "/"),
		BackendAPIToken:     os.Getenv("BACKEND_API_TOKEN"),
		RoutesFile:          getEnv("ROUTES_FILE", ""),
		DefaultStreamKind:   strings.ToLower(getEnv("DEFAULT_STREAM_KIND", "daily")),
		UpstreamTimeout:     getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		UpstreamDialTimeout: getEnvDuration("UPSTREAM_DIAL_TIMEOUT", 10*time.Second),
		StreamBufferBytes:   getEnvInt("STREAM_BUFFER_BYTES", 32*1024),
		StatePath:           statePath,
		DataStoreDriver:     dataStoreDriver,
		DataStoreDSN:        dataStoreDSN,
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisUsername:       getEnv("REDIS_USERNAME", ""),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		RedisTLSEnabled:     getEnvBool("REDIS_TLS_ENABLED", false),
		RedisTLSInsecure:    getEnvBool("REDIS_TLS_INSECURE_SKIP_VERIFY", false),
		EventsChannel:       getEnv("EVENTS_CHANNEL", "crawl-gateway-events"),
		RedisTrackStream:    getEnv("REDIS_TRACK_STREAM", "crawl-gateway:track"),
		RedisTrackGroup:     getEnv("REDIS_TRACK_GROUP", "task-trackers"),
		RedisTrackClaimIdle: getEnvDuration("REDIS_TRACK_CLAIM_IDLE", 5*time.Minute),
		TrackMode:           strings.ToLower(getEnv("TRACK_MODE", "off")),
		GatewayURL:          strings.TrimRight(getEnv("GATEWAY_URL", "http://localhost:"+serverPort), "/"),
		GatewayAPIToken:     os.Getenv("GATEWAY_API_TOKEN"),
		APIToken:            os.Getenv("CRAWL_GATEWAY_API_TOKEN"),
		ProtectedPrefixes:   splitList(getEnv("PROTECTED_PATH_PREFIXES", "/menu-links,/history")),
		SchemaDir:           getEnv("SCHEMA_DIR", ""),
		WorkerConcurrency:   getEnvInt("WORKER_CONCURRENCY", 4),
		RetentionInterval:   getEnvDuration("RETENTION_INTERVAL", time.Hour),
		TaskTTL:             getEnvDuration("TASK_TTL", 7*24*time.Hour),
		HistoryTTL:          getEnvDuration("HISTORY_TTL", 30*24*time.Hour),
	}
	if cfg.GatewayAPIToken == "" {
		cfg.GatewayAPIToken = cfg.APIToken
	}

	cfg.TaskKinds = DefaultTaskKinds(cfg.BackendURL)
	if cfg.RoutesFile != "" {
		overrides, err := LoadRoutesFile(cfg.RoutesFile)
		if err != nil {
			return nil, err
		}
		for name, kind := range overrides {
			cfg.TaskKinds[name] = kind
		}
	}
	cfg.TaskKinds = cfg.expandKinds(cfg.TaskKinds)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultTaskKinds returns the built-in daily crawl and RAG crawl routes.
func DefaultTaskKinds(backendURL string) map[string]TaskKind {
	base := strings.TrimRight(backendURL, "/")
	return map[string]TaskKind{
		"daily": {
			Create:   base + "/api/crawl/daily",
			Status:   base + "/api/crawl/daily/{taskId}",
			Stream:   base + "/api/crawl/daily/{taskId}/stream",
			Download: base + "/api/crawl/daily/{taskId}/download",
		},
		"rag": {
			Create:   base + "/api/rag/crawl",
			Status:   base + "/api/rag/crawl/{taskId}",
			Stream:   base + "/api/rag/crawl/{taskId}/stream",
			Download: base + "/api/rag/crawl/{taskId}/download",
		},
	}
}

type routesFile struct {
	Kinds map[string]TaskKind `json:"kinds"`
}

// LoadRoutesFile parses a YAML (or JSON) document of task kinds. Templates may
// reference {backend}, {api} and {mcp}; they are expanded by Load.
func LoadRoutesFile(path string) (map[string]TaskKind, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	var doc routesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse routes file %s: %w", path, err)
	}
	return doc.Kinds, nil
}

func (c *Config) expandKinds(kinds map[string]TaskKind) map[string]TaskKind {
	r := strings.NewReplacer("{backend}", c.BackendURL, "{api}", c.APIBaseURL, "{mcp}", c.MCPClientURL)
	out := make(map[string]TaskKind, len(kinds))
	for name, k := range kinds {
		out[strings.ToLower(name)] = TaskKind{
			Create:   r.Replace(k.Create),
			Status:   r.Replace(k.Status),
			Stream:   r.Replace(k.Stream),
			Download: r.Replace(k.Download),
		}
	}
	return out
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if len(c.TaskKinds) == 0 {
		return fmt.Errorf("no task kinds configured")
	}
	for name, k := range c.TaskKinds {
		if !strings.Contains(k.Stream, TaskIDPlaceholder) {
			return fmt.Errorf("task kind %q: stream template must contain %s", name, TaskIDPlaceholder)
		}
		if k.Status != "" && !strings.Contains(k.Status, TaskIDPlaceholder) {
			return fmt.Errorf("task kind %q: status template must contain %s", name, TaskIDPlaceholder)
		}
	}
	if _, ok := c.TaskKinds[c.DefaultStreamKind]; !ok {
		return fmt.Errorf("default stream kind %q is not configured (have %s)", c.DefaultStreamKind, strings.Join(c.KindNames(), ", "))
	}
	switch c.TrackMode {
	case "off", "inline", "queue":
	default:
		return fmt.Errorf("unsupported TRACK_MODE %q", c.TrackMode)
	}
	return nil
}

// KindNames returns the configured task kinds in sorted order.
func (c *Config) KindNames() []string {
	names := make([]string, 0, len(c.TaskKinds))
	for name := range c.TaskKinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		logutil.Warn("config_invalid_duration", map[string]interface{}{"key": key, "value": value, "default": defaultValue.String()})
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		logutil.Warn("config_invalid_int", map[string]interface{}{"key": key, "value": value, "default": defaultValue})
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "y":
			return true
		case "0", "false", "no", "n":
			return false
		default:
			logutil.Warn("config_invalid_bool", map[string]interface{}{"key": key, "value": value, "default": defaultValue})
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
