package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds ambient settings for the control server. Everything here has
// a sane default; the only required input is the debugging port, which comes
// from the --port flag rather than the environment.
type Config struct {
	// CDP connection settings
	CDPHost string

	// Logging
	LogLevel string
	LogFile  string

	// Dispatcher and interception timing
	ToolTimeout   time.Duration
	ResumeTimeout time.Duration
	LaunchTimeout time.Duration

	// Session cache tuning
	SessionTTL       time.Duration
	SessionCacheSize int

	// Shadow profile destination (empty means the OS temp default)
	ShadowProfileDir string

	// Payload safety limits
	MaxBodyBytes  int
	HARMaxEntries int
	WSMaxFrames   int
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPHost:          getEnvOrDefault("DEVTOOLS_MCP_CDP_HOST", "127.0.0.1"),
		LogLevel:         getEnvOrDefault("DEVTOOLS_MCP_LOG_LEVEL", "info"),
		LogFile:          getEnvOrDefault("DEVTOOLS_MCP_LOG_FILE", defaultLogFile()),
		ToolTimeout:      getEnvMillisOrDefault("DEVTOOLS_MCP_TOOL_TIMEOUT_MS", 30_000),
		ResumeTimeout:    getEnvMillisOrDefault("DEVTOOLS_MCP_RESUME_TIMEOUT_MS", 30_000),
		LaunchTimeout:    getEnvMillisOrDefault("DEVTOOLS_MCP_LAUNCH_TIMEOUT_MS", 12_000),
		SessionTTL:       getEnvMillisOrDefault("DEVTOOLS_MCP_SESSION_TTL_MS", 30_000),
		SessionCacheSize: getEnvIntOrDefault("DEVTOOLS_MCP_SESSION_CACHE_SIZE", 8),
		ShadowProfileDir: getEnvOrDefault("DEVTOOLS_MCP_SHADOW_PROFILE_DIR", ""),
		MaxBodyBytes:     getEnvIntOrDefault("DEVTOOLS_MCP_MAX_BODY_BYTES", 64*1024),
		HARMaxEntries:    getEnvIntOrDefault("DEVTOOLS_MCP_HAR_MAX_ENTRIES", 2000),
		WSMaxFrames:      getEnvIntOrDefault("DEVTOOLS_MCP_WS_MAX_FRAMES", 1000),
	}

	return cfg, nil
}

// CDPBase returns the HTTP base of the debugging endpoint for a port.
func (c *Config) CDPBase(port int) string {
	return fmt.Sprintf("http://%s:%d", c.CDPHost, port)
}

func defaultLogFile() string {
	return filepath.Join(os.TempDir(), "chrome-devtools-mcp", "server.log")
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvMillisOrDefault(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvIntOrDefault(key, defaultMillis)) * time.Millisecond
}
