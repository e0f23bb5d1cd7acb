package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port               string
	Environment        string
	LogLevel           string
	DatabasePath       string
	MasterSecret       Secret
	SecretFromProvider bool
	APIToken           Secret
	MaxFileSize        int64
	OutputDir          string
	EmbedWorkers       int
	BundleCacheSize    int
	DEKCacheTTL        time.Duration
	RateLimit          RateLimitCfg
	TrustedProxies     []string
	AllowedOrigins     []string
	MetricsUser        string
	MetricsPass        Secret
	ContextTimeout     time.Duration
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBQueryTimeout     time.Duration
}

type RateLimitCfg struct {
	RPM   int
	Burst int
}

func Load() (*Cfg, error) {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "leakmark.db")
	c.MasterSecret = NewSecret(getEnv("MASTER_SECRET", ""))
	c.SecretFromProvider = getEnv("SECRET_FROM_PROVIDER", "false") == "true"
	c.APIToken = NewSecret(getEnv("API_TOKEN", ""))
	var err error
	c.MaxFileSize, err = getInt64("MAX_FILE_SIZE", 25*1024*1024)
	if err != nil {
		return nil, err
	}
	// Empty disables on-disk mirroring of generated copies.
	c.OutputDir = getEnv("OUTPUT_DIR", "")
	c.EmbedWorkers, err = getInt("EMBED_WORKERS", 4)
	if err != nil {
		return nil, err
	}
	c.BundleCacheSize, err = getInt("BUNDLE_CACHE_SIZE", 64)
	if err != nil {
		return nil, err
	}
	c.DEKCacheTTL, err = getDuration("DEK_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 60)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 50)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(c.DatabasePath)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	if !c.SecretFromProvider {
		if len(c.MasterSecret.Value()) == 0 {
			return errors.New("MASTER_SECRET is required if SECRET_FROM_PROVIDER is false")
		}
		if len(c.MasterSecret.Value()) < 32 {
			return errors.New("MASTER_SECRET must be at least 32 bytes")
		}
	}
	if len(c.APIToken.Value()) == 0 {
		return errors.New("API_TOKEN is required")
	}
	if len(c.APIToken.Value()) < 16 {
		return errors.New("API_TOKEN must be at least 16 characters")
	}
	if c.MaxFileSize <= 0 {
		return errors.New("MAX_FILE_SIZE must be positive")
	}
	if c.MaxFileSize > 200*1024*1024 {
		return errors.New("MAX_FILE_SIZE cannot exceed 200MB")
	}
	if c.OutputDir != "" {
		absOutDir, err := filepath.Abs(c.OutputDir)
		if err != nil {
			return fmt.Errorf("invalid OUTPUT_DIR: %w", err)
		}
		if !strings.HasPrefix(absOutDir, absWorkDir+string(filepath.Separator)) && absOutDir != absWorkDir {
			return fmt.Errorf("OUTPUT_DIR must be within working directory %s", absWorkDir)
		}
	}
	if c.EmbedWorkers <= 0 {
		return errors.New("EMBED_WORKERS must be positive")
	}
	if c.BundleCacheSize <= 0 {
		return errors.New("BUNDLE_CACHE_SIZE must be positive")
	}
	if c.DEKCacheTTL < 1*time.Minute {
		return errors.New("DEK_CACHE_TTL must be at least 1 minute")
	}
	if c.DEKCacheTTL > 1*time.Hour {
		return errors.New("DEK_CACHE_TTL should not exceed 1 hour")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return errors.New("RATE_LIMIT_BURST must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.MasterSecret.Wipe()
	c.APIToken.Wipe()
	c.MetricsPass.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
