package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Transport TransportConfig
	Git       GitConfig
	Mutation  MutationConfig
	Info      InfoConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	ProjectBase string
	LogLevel    string
	LogFormat   string
	LogFile     string
}

// TransportConfig holds message transport settings
type TransportConfig struct {
	Type           string // "redis" or "local"
	RedisURL       string
	RedisPassword  string
	RequestStream  string
	ResponseStream string
	ConsumerGroup  string
	BlockMS        int
	BatchSize      int
}

// GitConfig holds repository credential settings
type GitConfig struct {
	Token           string
	Password        string
	SSHKeyPath      string
	Username        string
	CredentialsPath string
	DefaultBranch   string
}

// MutationConfig holds repo mutation policy settings
type MutationConfig struct {
	AllowWorkspaceGit bool
	BlockedExts       []string
	MaxWriteBytes     int64
	WriteDiagnostics  bool
}

// InfoConfig holds information-request limits
type InfoConfig struct {
	MaxRequestsPerIteration int
	MaxFileBytes            int64
	MaxHTTPBytes            int64
	MaxSnippetChars         int
	HTTPTimeout             time.Duration
	DenyHosts               []string
	DenyHostsFile           string
	ArtifactSubdir          string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			ProjectBase: getEnv("PROJECT_BASE", "."),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			LogFile:     getEnv("LOG_FILE", ""),
		},
		Transport: TransportConfig{
			Type:           getEnv("TRANSPORT_TYPE", "redis"),
			RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379"),
			RedisPassword:  getEnv("REDIS_PASSWORD", ""),
			RequestStream:  getEnv("REQUEST_STREAM", "ma.persona.requests"),
			ResponseStream: getEnv("RESPONSE_STREAM", "ma.persona.events"),
			ConsumerGroup:  getEnv("CONSUMER_GROUP", "persona_workers"),
			BlockMS:        getEnvInt("CONSUMER_BLOCK_MS", 5000),
			BatchSize:      getEnvInt("CONSUMER_BATCH_SIZE", 10),
		},
		Git: GitConfig{
			Token:           getEnv("GIT_TOKEN", ""),
			Password:        getEnv("GIT_PASSWORD", ""),
			SSHKeyPath:      getEnv("GIT_SSH_KEY_PATH", ""),
			Username:        getEnv("GIT_USERNAME", ""),
			CredentialsPath: getEnv("GIT_CREDENTIALS_PATH", ""),
			DefaultBranch:   getEnv("GIT_DEFAULT_BRANCH", "main"),
		},
		Mutation: MutationConfig{
			AllowWorkspaceGit: getEnvBool("ALLOW_WORKSPACE_GIT", false),
			BlockedExts:       getEnvSlice("BLOCKED_EXTS", []string{".exe", ".dll", ".so", ".dylib", ".bin"}),
			MaxWriteBytes:     int64(getEnvInt("MAX_WRITE_BYTES", 512*1024)),
			WriteDiagnostics:  getEnvBool("WRITE_DIAGNOSTICS", true),
		},
		Info: InfoConfig{
			MaxRequestsPerIteration: getEnvInt("INFO_MAX_REQUESTS_PER_ITERATION", 5),
			MaxFileBytes:            int64(getEnvInt("INFO_MAX_FILE_BYTES", 256*1024)),
			MaxHTTPBytes:            int64(getEnvInt("INFO_MAX_HTTP_BYTES", 512*1024)),
			MaxSnippetChars:         getEnvInt("INFO_MAX_SNIPPET_CHARS", 20000),
			HTTPTimeout:             getEnvDuration("INFO_HTTP_TIMEOUT", 15*time.Second),
			DenyHosts:               getEnvSlice("INFO_DENY_HOSTS", []string{"localhost", "127.0.0.1", "169.254.169.254"}),
			DenyHostsFile:           getEnv("INFO_DENY_HOSTS_FILE", ""),
			ArtifactSubdir:          getEnv("INFO_ARTIFACT_SUBDIR", "acquisitions"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Transport.Type {
	case "redis", "local":
	default:
		return fmt.Errorf("unknown transport type: %s", c.Transport.Type)
	}

	if c.Transport.RequestStream == "" || c.Transport.ResponseStream == "" {
		return fmt.Errorf("request and response stream names are required")
	}

	if c.Mutation.MaxWriteBytes <= 0 {
		return fmt.Errorf("max_write_bytes must be positive")
	}

	return nil
}

// Helper functions

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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
