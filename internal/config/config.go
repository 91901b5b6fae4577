// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// Grouped sub-structs mirror the enumerated configuration surface of the
// gateway: pool sizing, the agent binary/config location, workspace root,
// platform credentials and the access-control allowlist.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PoolConfig controls worker pool sizing and idle reaping.
type PoolConfig struct {
	MaxWorkers  int           // MAX_WORKERS, default 5
	IdleTimeout time.Duration // IDLE_TIMEOUT_SECONDS, default 30s
}

// AgentConfig locates the external agent subprocess and its config template.
type AgentConfig struct {
	Name       string // AGENT_NAME, must match ^[A-Za-z0-9_-]{3,}$
	BinaryPath string // AGENT_BINARY_PATH, default "./bin/" + Name
	ConfigPath string // AGENT_CONFIG_PATH, default "./agent-config/"
}

// WorkspaceConfig controls on-disk per-user workspace provisioning.
type WorkspaceConfig struct {
	BasePath string // WORKSPACE_BASE_PATH, default "./workspaces/"
}

// PlatformConfig holds messaging-platform credentials.
type PlatformConfig struct {
	BotToken string // BOT_TOKEN, required secret
}

// ACLConfig holds the access-control allowlist and per-user rate limit.
type ACLConfig struct {
	AllowedUserIDs  []int64       // ALLOWED_USER_IDS, comma-separated; empty => deny all
	RateLimitCount  int           // RATE_LIMIT_COUNT, default 20; <= 0 disables limiting
	RateLimitWindow time.Duration // RATE_LIMIT_WINDOW_SECONDS, default 60s
}

// BindingConfig locates the thread<->session binding database.
type BindingConfig struct {
	DBPath string // BINDING_DB_PATH, default "./data/bindings.db"
}

// ConversationLogConfig controls JSON-lines conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// AdminConfig controls the ambient HTTP admin/health surface.
type AdminConfig struct {
	ListenAddr string // ADMIN_LISTEN_ADDR, default ":8080"
}

// Config holds all application configuration.
type Config struct {
	LogLevel        string // LOG_LEVEL, default INFO
	Pool            PoolConfig
	Agent           AgentConfig
	Workspace       WorkspaceConfig
	Platform        PlatformConfig
	ACL             ACLConfig
	ConversationLog ConversationLogConfig
	Admin           AdminConfig
	Binding         BindingConfig
}

var agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,}$`)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	agentName := getEnv("AGENT_NAME", "")

	cfg := &Config{
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
		Pool: PoolConfig{
			MaxWorkers:  getEnvInt("MAX_WORKERS", 5),
			IdleTimeout: getEnvDurationSeconds("IDLE_TIMEOUT_SECONDS", 30*time.Second),
		},
		Agent: AgentConfig{
			Name:       agentName,
			BinaryPath: getEnv("AGENT_BINARY_PATH", "./bin/"+agentName),
			ConfigPath: getEnv("AGENT_CONFIG_PATH", "./agent-config/"),
		},
		Workspace: WorkspaceConfig{
			BasePath: getEnv("WORKSPACE_BASE_PATH", "./workspaces/"),
		},
		Platform: PlatformConfig{
			BotToken: getEnv("BOT_TOKEN", ""),
		},
		ACL: ACLConfig{
			AllowedUserIDs:  parseUserIDs(getEnv("ALLOWED_USER_IDS", "")),
			RateLimitCount:  getEnvInt("RATE_LIMIT_COUNT", 20),
			RateLimitWindow: getEnvDurationSeconds("RATE_LIMIT_WINDOW_SECONDS", 60*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000),
		},
		Admin: AdminConfig{
			ListenAddr: getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		},
		Binding: BindingConfig{
			DBPath: getEnv("BINDING_DB_PATH", "./data/bindings.db"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and sane.
func (c *Config) Validate() error {
	if c.Platform.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN cannot be empty")
	}
	if !agentNamePattern.MatchString(c.Agent.Name) {
		return fmt.Errorf("AGENT_NAME must match %s, got %q", agentNamePattern.String(), c.Agent.Name)
	}
	if c.Pool.MaxWorkers <= 0 {
		return fmt.Errorf("MAX_WORKERS must be > 0")
	}
	if c.Pool.IdleTimeout < 0 {
		return fmt.Errorf("IDLE_TIMEOUT_SECONDS must be >= 0")
	}
	if c.Workspace.BasePath == "" {
		return fmt.Errorf("WORKSPACE_BASE_PATH cannot be empty")
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARNING", "ERROR":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of DEBUG|INFO|WARNING|ERROR, got %q", c.LogLevel)
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty when logging is enabled")
	}
	if c.Binding.DBPath == "" {
		return fmt.Errorf("BINDING_DB_PATH cannot be empty")
	}
	if c.ACL.RateLimitWindow < 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be >= 0")
	}
	if c.Admin.ListenAddr == "" {
		return fmt.Errorf("ADMIN_LISTEN_ADDR cannot be empty")
	}
	return nil
}

func parseUserIDs(raw string) []int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDurationSeconds reads a plain integer count of seconds, matching the
// spec's IDLE_TIMEOUT_SECONDS naming (as opposed to a Go duration string).
func getEnvDurationSeconds(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}
