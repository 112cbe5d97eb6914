// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"role-sync/internal/domain"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default guild role ids for the two privileged tiers.
const (
	DefaultAdminRoleID  = "1394325091734523994"
	DefaultPoliceRoleID = "1394324971416846359"
)

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Config holds the application configuration
type Config struct {
	Port            string        `validate:"required,numeric"`
	DatabaseURL     string        `validate:"required"`
	LogLevel        string        `validate:"omitempty,oneof=debug info warn warning error"`
	ExternalTimeout time.Duration `validate:"gt=0"`

	Discord  DiscordConfig
	SPWorlds SPWorldsConfig
	JWT      JWTConfig
	RoleSync RoleSyncConfig
	Cache    CacheConfig
	Dispatch DispatchConfig

	SubscriberBuffer int `validate:"gte=0"`
}

// DiscordConfig configures the guild provider.
type DiscordConfig struct {
	APIURL        string `validate:"required,url"`
	ClientID      string
	ClientSecret  string
	GuildID       string `validate:"required,numeric"`
	AdminRoleID   string `validate:"required_without=RoleTableFile"`
	PoliceRoleID  string
	RoleTableFile string `validate:"omitempty,file"`
}

// SPWorldsConfig configures the secondary identity lookup. Empty map
// credentials disable the integration.
type SPWorldsConfig struct {
	APIURL   string `validate:"required,url"`
	MapID    string `validate:"required_with=MapToken"`
	MapToken string `validate:"required_with=MapID"`
}

// Enabled reports whether map credentials are configured.
func (s SPWorldsConfig) Enabled() bool {
	return s.MapID != "" && s.MapToken != ""
}

// JWTConfig configures bearer token verification.
type JWTConfig struct {
	Secret   string `validate:"required,min=32"`
	Issuer   string
	Audience string
}

// RoleSyncConfig holds the reconciliation timings.
type RoleSyncConfig struct {
	CheckInterval time.Duration `validate:"gte=1m"`
	CacheTTL      time.Duration `validate:"gt=0"`
	Cooldown      time.Duration `validate:"gte=0"`
	Concurrency   int           `validate:"gte=1,lte=64"`
	SweepSpacing  time.Duration `validate:"gte=0"`
}

// CacheConfig selects the role cache backend.
type CacheConfig struct {
	Backend  string `validate:"oneof=memory redis"`
	RedisURL string `validate:"required_if=Backend redis"`
}

// DispatchConfig sizes the passive check worker pool.
type DispatchConfig struct {
	Workers   int `validate:"gte=1"`
	QueueSize int `validate:"gte=1"`
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	var errs []error
	duration := func(key string, fallback time.Duration, bare time.Duration) time.Duration {
		d, err := getDuration(key, fallback, bare)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	integer := func(key string, fallback int) int {
		n, err := getInt(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8000"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
		ExternalTimeout: duration("EXTERNAL_TIMEOUT", 10*time.Second, time.Second),
		Discord: DiscordConfig{
			APIURL:        getEnv("DISCORD_API_URL", "https://discord.com/api/v10"),
			ClientID:      getEnv("DISCORD_CLIENT_ID", ""),
			ClientSecret:  getEnv("DISCORD_CLIENT_SECRET", ""),
			GuildID:       getEnv("DISCORD_GUILD_ID", ""),
			AdminRoleID:   getEnv("DISCORD_ADMIN_ROLE_ID", DefaultAdminRoleID),
			PoliceRoleID:  getEnv("DISCORD_POLICE_ROLE_ID", DefaultPoliceRoleID),
			RoleTableFile: getEnv("ROLE_TABLE_FILE", ""),
		},
		SPWorlds: SPWorldsConfig{
			APIURL:   getEnv("SPWORLDS_API_URL", "https://spworlds.ru/api/public"),
			MapID:    getEnv("SPWORLDS_MAP_ID", ""),
			MapToken: getEnv("SPWORLDS_MAP_TOKEN", ""),
		},
		JWT: JWTConfig{
			Secret:   getEnv("JWT_SECRET", ""),
			Issuer:   getEnv("JWT_ISSUER", ""),
			Audience: getEnv("JWT_AUDIENCE", ""),
		},
		RoleSync: RoleSyncConfig{
			CheckInterval: duration("ROLE_CHECK_INTERVAL", 30*time.Minute, time.Minute),
			CacheTTL:      duration("ROLE_CACHE_TTL", 2*time.Minute, time.Second),
			Cooldown:      duration("ROLE_CHECK_COOLDOWN", time.Minute, time.Second),
			Concurrency:   integer("ROLE_CHECK_CONCURRENCY", 2),
			SweepSpacing:  duration("SWEEP_SPACING", 500*time.Millisecond, time.Millisecond),
		},
		Cache: CacheConfig{
			Backend:  strings.ToLower(getEnv("ROLE_CACHE_BACKEND", CacheBackendMemory)),
			RedisURL: getEnv("REDIS_URL", ""),
		},
		Dispatch: DispatchConfig{
			Workers:   integer("DISPATCH_WORKERS", 2),
			QueueSize: integer("DISPATCH_QUEUE_SIZE", 256),
		},
		SubscriberBuffer: integer("SUBSCRIBER_BUFFER", 16),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

type roleTableFile struct {
	Bindings []domain.RoleBinding `yaml:"bindings"`
}

// RoleTable builds the precedence table from ROLE_TABLE_FILE when set,
// otherwise from the admin and police role ids.
func (c *Config) RoleTable() (domain.PrecedenceTable, error) {
	if c.Discord.RoleTableFile != "" {
		raw, err := os.ReadFile(c.Discord.RoleTableFile)
		if err != nil {
			return nil, fmt.Errorf("read role table: %w", err)
		}
		return ParseRoleTable(raw)
	}

	var bindings []domain.RoleBinding
	if c.Discord.AdminRoleID != "" {
		bindings = append(bindings, domain.RoleBinding{Role: domain.RoleAdmin, ExternalRoleID: c.Discord.AdminRoleID, Name: "admin"})
	}
	if c.Discord.PoliceRoleID != "" {
		bindings = append(bindings, domain.RoleBinding{Role: domain.RolePolice, ExternalRoleID: c.Discord.PoliceRoleID, Name: "police"})
	}
	return domain.NewPrecedenceTable(bindings...)
}

// ParseRoleTable decodes a YAML role table:
//
//	bindings:
//	  - role: admin
//	    external_role_id: "1394325091734523994"
func ParseRoleTable(raw []byte) (domain.PrecedenceTable, error) {
	var f roleTableFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse role table: %w", err)
	}
	if len(f.Bindings) == 0 {
		return nil, fmt.Errorf("%w: role table has no bindings", domain.ErrInvalidRole)
	}
	return domain.NewPrecedenceTable(f.Bindings...)
}

// getEnv retrieves an environment variable or returns a fallback value.
// KEY_FILE takes precedence and names a file holding the value.
func getEnv(key, fallback string) string {
	if fileValue := os.Getenv(key + "_FILE"); fileValue != "" {
		content, err := os.ReadFile(fileValue)
		if err == nil {
			return strings.TrimSpace(string(content))
		}
	}

	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getDuration accepts a Go duration ("90s") or a bare integer counted in unit.
func getDuration(key string, fallback, unit time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * unit, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s format: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
