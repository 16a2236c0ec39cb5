// config.go - Server configuration
//
// PURPOSE:
//   Collects every tunable of the affiliate server in one struct. Values are
//   resolved in three layers, later layers winning:
//     1. Defaults (Default())
//     2. Optional YAML file
//     3. AFFILIATE_* environment variables
//   cmd/server applies its command-line flags on top.
//
// YAML FILE:
//   server:
//     port: 8080
//     dev: false
//     cors_origins: ["http://localhost:5173"]
//   database:
//     path: ./data/affiliate.db
//   logging:
//     level: info
//     format: json
//   auth:
//     jwt_secret: change-me
//   engine:
//     phone_region: KR
//     recovery_delay_hours: 24
//     renewal_window_days: 30
//     tiers_path: ./tiers.json
//   jobs:
//     recovery_cron: "*/15 * * * *"
//     renewal_cron: "0 6 * * *"
//     outbox_cron: "* * * * *"
//     outbox_batch_size: 100
//     max_delivery_attempts: 5
//   email:
//     sendgrid_api_key: ""
//     from_address: partners@example.com
//     from_name: Partner Desk
//     hq_address: hq@example.com
//
// ENVIRONMENT:
//   AFFILIATE_PORT, AFFILIATE_DEV, AFFILIATE_DB_PATH, AFFILIATE_LOG_LEVEL, AFFILIATE_LOG_FORMAT,
//   AFFILIATE_JWT_SECRET, AFFILIATE_PHONE_REGION, AFFILIATE_RECOVERY_DELAY_HOURS,
//   AFFILIATE_RENEWAL_WINDOW_DAYS, AFFILIATE_TIERS_PATH, AFFILIATE_RECOVERY_CRON,
//   AFFILIATE_RENEWAL_CRON, AFFILIATE_OUTBOX_CRON, AFFILIATE_OUTBOX_BATCH_SIZE,
//   AFFILIATE_MAX_DELIVERY_ATTEMPTS, AFFILIATE_SENDGRID_API_KEY,
//   AFFILIATE_EMAIL_FROM, AFFILIATE_EMAIL_FROM_NAME, AFFILIATE_EMAIL_HQ,
//   AFFILIATE_CORS_ORIGINS
//   (comma separated)
//
// DEV MODE:
//   The built-in JWT secret is public. Validate refuses it unless Dev is set,
//   so a server started without configuration cannot be handed ADMIN tokens
//   signed with a known key.
//
// SEE ALSO:
//   - cmd/server/main.go: flag overrides and wiring
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DevJWTSecret is the default signing secret. It is only accepted in dev mode.
const DevJWTSecret = "dev-secret-change-me"

// Config is the resolved server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	Dev         bool

	DBPath string

	LogLevel  string
	LogFormat string

	JWTSecret string

	PhoneRegion   string
	RecoveryDelay time.Duration
	RenewalWindow time.Duration
	TiersPath     string

	RecoveryCron        string
	RenewalCron         string
	OutboxCron          string
	OutboxBatchSize     int
	MaxDeliveryAttempts int

	SendGridAPIKey string
	EmailFrom      string
	EmailFromName  string
	// EmailHQ receives notifications addressed to headquarters.
	EmailHQ string
}

type configFile struct {
	Server struct {
		Port        int      `yaml:"port"`
		Dev         bool     `yaml:"dev"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Engine struct {
		PhoneRegion        string `yaml:"phone_region"`
		RecoveryDelayHours int    `yaml:"recovery_delay_hours"`
		RenewalWindowDays  int    `yaml:"renewal_window_days"`
		TiersPath          string `yaml:"tiers_path"`
	} `yaml:"engine"`
	Jobs struct {
		RecoveryCron        string `yaml:"recovery_cron"`
		RenewalCron         string `yaml:"renewal_cron"`
		OutboxCron          string `yaml:"outbox_cron"`
		OutboxBatchSize     int    `yaml:"outbox_batch_size"`
		MaxDeliveryAttempts int    `yaml:"max_delivery_attempts"`
	} `yaml:"jobs"`
	Email struct {
		SendGridAPIKey string `yaml:"sendgrid_api_key"`
		FromAddress    string `yaml:"from_address"`
		FromName       string `yaml:"from_name"`
		HQAddress      string `yaml:"hq_address"`
	} `yaml:"email"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:                8080,
		CORSOrigins:         []string{"http://localhost:5173", "http://localhost:8080"},
		DBPath:              "affiliate.db",
		LogLevel:            "info",
		LogFormat:           "json",
		JWTSecret:           DevJWTSecret,
		PhoneRegion:         "KR",
		RecoveryDelay:       24 * time.Hour,
		RenewalWindow:       30 * 24 * time.Hour,
		RecoveryCron:        "*/15 * * * *",
		RenewalCron:         "0 6 * * *",
		OutboxCron:          "* * * * *",
		OutboxBatchSize:     100,
		MaxDeliveryAttempts: 5,
		EmailFrom:           "partners@example.com",
		EmailFromName:       "Partner Desk",
		EmailHQ:             "hq@example.com",
	}
}

// Load resolves the configuration. An empty path or a missing file means
// defaults plus environment; a file that exists but does not parse is an
// error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			var f configFile
			if err := yaml.Unmarshal(raw, &f); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
			cfg.applyFile(f)
		case errors.Is(err, os.ErrNotExist):
			// defaults and environment only
		default:
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(f configFile) {
	if f.Server.Port > 0 {
		c.Port = f.Server.Port
	}
	if f.Server.Dev {
		c.Dev = true
	}
	if len(f.Server.CORSOrigins) > 0 {
		c.CORSOrigins = f.Server.CORSOrigins
	}
	if f.Database.Path != "" {
		c.DBPath = f.Database.Path
	}
	if f.Logging.Level != "" {
		c.LogLevel = f.Logging.Level
	}
	if f.Logging.Format != "" {
		c.LogFormat = f.Logging.Format
	}
	if f.Auth.JWTSecret != "" {
		c.JWTSecret = f.Auth.JWTSecret
	}
	if f.Engine.PhoneRegion != "" {
		c.PhoneRegion = f.Engine.PhoneRegion
	}
	if f.Engine.RecoveryDelayHours > 0 {
		c.RecoveryDelay = time.Duration(f.Engine.RecoveryDelayHours) * time.Hour
	}
	if f.Engine.RenewalWindowDays > 0 {
		c.RenewalWindow = time.Duration(f.Engine.RenewalWindowDays) * 24 * time.Hour
	}
	if f.Engine.TiersPath != "" {
		c.TiersPath = f.Engine.TiersPath
	}
	if f.Jobs.RecoveryCron != "" {
		c.RecoveryCron = f.Jobs.RecoveryCron
	}
	if f.Jobs.RenewalCron != "" {
		c.RenewalCron = f.Jobs.RenewalCron
	}
	if f.Jobs.OutboxCron != "" {
		c.OutboxCron = f.Jobs.OutboxCron
	}
	if f.Jobs.OutboxBatchSize > 0 {
		c.OutboxBatchSize = f.Jobs.OutboxBatchSize
	}
	if f.Jobs.MaxDeliveryAttempts > 0 {
		c.MaxDeliveryAttempts = f.Jobs.MaxDeliveryAttempts
	}
	if f.Email.SendGridAPIKey != "" {
		c.SendGridAPIKey = f.Email.SendGridAPIKey
	}
	if f.Email.FromAddress != "" {
		c.EmailFrom = f.Email.FromAddress
	}
	if f.Email.FromName != "" {
		c.EmailFromName = f.Email.FromName
	}
	if f.Email.HQAddress != "" {
		c.EmailHQ = f.Email.HQAddress
	}
}

func (c *Config) applyEnv() {
	c.Port = envInt("AFFILIATE_PORT", c.Port)
	c.Dev = envBool("AFFILIATE_DEV", c.Dev)
	c.DBPath = envString("AFFILIATE_DB_PATH", c.DBPath)
	c.LogLevel = envString("AFFILIATE_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envString("AFFILIATE_LOG_FORMAT", c.LogFormat)
	c.JWTSecret = envString("AFFILIATE_JWT_SECRET", c.JWTSecret)
	c.PhoneRegion = envString("AFFILIATE_PHONE_REGION", c.PhoneRegion)
	c.RecoveryDelay = time.Duration(envInt("AFFILIATE_RECOVERY_DELAY_HOURS", int(c.RecoveryDelay.Hours()))) * time.Hour
	c.RenewalWindow = time.Duration(envInt("AFFILIATE_RENEWAL_WINDOW_DAYS", int(c.RenewalWindow.Hours()/24))) * 24 * time.Hour
	c.TiersPath = envString("AFFILIATE_TIERS_PATH", c.TiersPath)
	c.RecoveryCron = envString("AFFILIATE_RECOVERY_CRON", c.RecoveryCron)
	c.RenewalCron = envString("AFFILIATE_RENEWAL_CRON", c.RenewalCron)
	c.OutboxCron = envString("AFFILIATE_OUTBOX_CRON", c.OutboxCron)
	c.OutboxBatchSize = envInt("AFFILIATE_OUTBOX_BATCH_SIZE", c.OutboxBatchSize)
	c.MaxDeliveryAttempts = envInt("AFFILIATE_MAX_DELIVERY_ATTEMPTS", c.MaxDeliveryAttempts)
	c.SendGridAPIKey = envString("AFFILIATE_SENDGRID_API_KEY", c.SendGridAPIKey)
	c.EmailFrom = envString("AFFILIATE_EMAIL_FROM", c.EmailFrom)
	c.EmailFromName = envString("AFFILIATE_EMAIL_FROM_NAME", c.EmailFromName)
	c.EmailHQ = envString("AFFILIATE_EMAIL_HQ", c.EmailHQ)
	if raw := os.Getenv("AFFILIATE_CORS_ORIGINS"); raw != "" {
		var origins []string
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.CORSOrigins = origins
	}
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("database path is required")
	}
	if c.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	if c.JWTSecret == DevJWTSecret && !c.Dev {
		return errors.New("jwt secret is the built-in development value: set auth.jwt_secret or AFFILIATE_JWT_SECRET, or enable dev mode")
	}
	if c.RecoveryDelay < 0 {
		return errors.New("recovery delay must not be negative")
	}
	if c.OutboxBatchSize <= 0 {
		return errors.New("outbox batch size must be positive")
	}
	return nil
}

func envInt(name string, fallback int) int {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envString(name, fallback string) string {
	if raw := os.Getenv(name); raw != "" {
		return raw
	}
	return fallback
}
