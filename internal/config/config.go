// Package config loads process configuration once at startup.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/expensebackup/internal/email"
	"github.com/dukerupert/expensebackup/internal/objectstore"
	"github.com/dukerupert/expensebackup/internal/upstream"
)

type StorageConfig struct {
	objectstore.Config
	URLExpiry time.Duration
}

type ArchiveConfig struct {
	WorkDir string
}

type PipelineConfig struct {
	CleanupOnFailure   bool
	NotifyFailureFatal bool
}

type ServerConfig struct {
	Port                   string
	APIToken               string
	MaxConcurrentPerTenant int
	Workers                int
	PollInterval           time.Duration
	CreateRateLimit        int
	CreateRateWindow       time.Duration
	AllowedOrigins         []string
}

type Config struct {
	Upstream  upstream.Config
	Storage   StorageConfig
	Email     email.Config
	Archive   ArchiveConfig
	Pipeline  PipelineConfig
	Server    ServerConfig
	DBPath    string
	SecretKey string
	LogLevel  string
	LogFormat string
}

// Load reads an optional .env file, then the environment. Malformed numbers,
// durations and booleans are errors; missing values take defaults.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	var p parser
	cfg := &Config{
		Upstream: upstream.Config{
			BaseURL:      getEnv("FYLE_BASE_URL", ""),
			TokenURL:     getEnv("FYLE_TOKEN_URL", ""),
			ClientID:     getEnv("FYLE_CLIENT_ID", ""),
			ClientSecret: getEnv("FYLE_CLIENT_SECRET", ""),
			PageSize:     p.getInt("FYLE_PAGE_SIZE", 1000),
			Timeout:      p.getDuration("FYLE_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			Config: objectstore.Config{
				Provider:  getEnv("STORAGE_PROVIDER", objectstore.ProviderS3),
				Endpoint:  getEnv("S3_ENDPOINT", ""),
				Bucket:    getEnv("S3_BUCKET", ""),
				Region:    getEnv("S3_REGION", "us-east-1"),
				AccessKey: getEnv("S3_ACCESS_KEY", ""),
				SecretKey: getEnv("S3_SECRET_KEY", ""),
				Timeout:   p.getDuration("STORAGE_TIMEOUT", 5*time.Minute),
			},
			URLExpiry: time.Duration(p.getInt("SIGNED_URL_EXPIRY_SECONDS", 86400)) * time.Second,
		},
		Email: email.Config{
			Provider:    getEnv("EMAIL_PROVIDER", email.ProviderSendGrid),
			APIKey:      getEnv("EMAIL_API_KEY", ""),
			SenderEmail: getEnv("SENDER_EMAIL", ""),
			SenderName:  getEnv("SENDER_NAME", ""),
			ProductName: getEnv("PRODUCT_NAME", "Fyle"),
			Timeout:     p.getDuration("EMAIL_TIMEOUT", 30*time.Second),
		},
		Archive: ArchiveConfig{
			WorkDir: getEnv("BACKUP_WORK_DIR", os.TempDir()),
		},
		Pipeline: PipelineConfig{
			CleanupOnFailure:   p.getBool("CLEANUP_ON_FAILURE", false),
			NotifyFailureFatal: p.getBool("NOTIFY_FAILURE_FATAL", true),
		},
		Server: ServerConfig{
			Port:                   getEnv("PORT", "8080"),
			APIToken:               getEnv("API_TOKEN", ""),
			MaxConcurrentPerTenant: p.getInt("MAX_CONCURRENT_BACKUPS_PER_TENANT", 3),
			Workers:                p.getInt("WORKERS", 4),
			PollInterval:           p.getDuration("POLL_INTERVAL", 30*time.Second),
			CreateRateLimit:        p.getInt("CREATE_RATE_LIMIT", 10),
			CreateRateWindow:       p.getDuration("CREATE_RATE_WINDOW", time.Minute),
			AllowedOrigins:         splitList(getEnv("WS_ALLOWED_ORIGINS", "")),
		},
		DBPath:    getEnv("DB_PATH", "expensebackup.db"),
		SecretKey: getEnv("SECRET_KEY", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks what the pipeline needs to run a backup.
func (c *Config) Validate() error {
	var errs []error
	require := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	require("FYLE_BASE_URL", c.Upstream.BaseURL)
	require("FYLE_CLIENT_ID", c.Upstream.ClientID)
	require("FYLE_CLIENT_SECRET", c.Upstream.ClientSecret)
	require("S3_BUCKET", c.Storage.Bucket)
	require("S3_ACCESS_KEY", c.Storage.AccessKey)
	require("S3_SECRET_KEY", c.Storage.SecretKey)
	require("EMAIL_API_KEY", c.Email.APIKey)
	require("SENDER_EMAIL", c.Email.SenderEmail)
	require("SECRET_KEY", c.SecretKey)
	require("BACKUP_WORK_DIR", c.Archive.WorkDir)

	if c.Storage.Provider != objectstore.ProviderS3 {
		errs = append(errs, fmt.Errorf("STORAGE_PROVIDER %q is not supported", c.Storage.Provider))
	}
	if c.Email.Provider != email.ProviderPostmark && c.Email.Provider != email.ProviderSendGrid {
		errs = append(errs, fmt.Errorf("EMAIL_PROVIDER %q is not supported", c.Email.Provider))
	}
	if c.Storage.URLExpiry <= 0 || c.Storage.URLExpiry > 7*24*time.Hour {
		errs = append(errs, fmt.Errorf("SIGNED_URL_EXPIRY_SECONDS must be between 1 and 604800"))
	}
	if c.Upstream.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("FYLE_PAGE_SIZE must be positive"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ValidateServer additionally checks the serve-mode settings.
func (c *Config) ValidateServer() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.APIToken == "" {
		errs = append(errs, fmt.Errorf("API_TOKEN is required"))
	}
	if c.Server.Workers <= 0 {
		errs = append(errs, fmt.Errorf("WORKERS must be positive"))
	}
	if c.Server.MaxConcurrentPerTenant <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_BACKUPS_PER_TENANT must be positive"))
	}
	if c.Server.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects conversion errors so Load reports all of them at once.
type parser struct {
	errs []error
}

func (p *parser) getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (p *parser) getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

func (p *parser) getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}
