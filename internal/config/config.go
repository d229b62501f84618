package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string   `mapstructure:"MIGRATIONS_DIR"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	// StatusDuplicateWindow suppresses a repeated status history entry for
	// the same case and status inside this window.
	StatusDuplicateWindow time.Duration `mapstructure:"STATUS_DUPLICATE_WINDOW"`

	NotifyDriver string   `mapstructure:"NOTIFY_DRIVER"`
	NotifyFrom   string   `mapstructure:"NOTIFY_FROM"`
	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`
	SQSQueueURL  string   `mapstructure:"SQS_QUEUE_URL"`
	AWSRegion    string   `mapstructure:"AWS_REGION"`

	BlobDriver      string `mapstructure:"BLOB_DRIVER"`
	BlobS3Bucket    string `mapstructure:"BLOB_S3_BUCKET"`
	BlobS3Region    string `mapstructure:"BLOB_S3_REGION"`
	BlobS3Endpoint  string `mapstructure:"BLOB_S3_ENDPOINT"`
	BlobS3PathStyle bool   `mapstructure:"BLOB_S3_PATH_STYLE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("STATUS_DUPLICATE_WINDOW", "60s")
	v.SetDefault("NOTIFY_DRIVER", "log")
	v.SetDefault("NOTIFY_FROM", "no-reply@casebooking.local")
	v.SetDefault("KAFKA_TOPIC", "case-emails")
	v.SetDefault("AWS_REGION", "ap-southeast-1")
	v.SetDefault("BLOB_DRIVER", "memory")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
		"STATUS_DUPLICATE_WINDOW",
		"NOTIFY_DRIVER", "NOTIFY_FROM", "KAFKA_BROKERS", "KAFKA_TOPIC", "SQS_QUEUE_URL", "AWS_REGION",
		"BLOB_DRIVER", "BLOB_S3_BUCKET", "BLOB_S3_REGION", "BLOB_S3_ENDPOINT", "BLOB_S3_PATH_STYLE",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); every request acts as an admin.")
	}

	return cfg, nil
}

// splitList normalizes a comma separated env value. Viper hands back a
// single-element slice for "a,b" when the value comes from the environment
// and an untrimmed split one when it comes from a default.
func splitList(parsed []string, raw string) []string {
	parts := parsed
	if len(parsed) <= 1 {
		if raw == "" {
			return nil
		}
		parts = strings.Split(raw, ",")
	}
	var out []string
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a token verifier (issuer/JWKS or a signing key) must be configured, and the
// selected notification and blob drivers must have their settings.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.StatusDuplicateWindow < 0 {
		return fmt.Errorf("STATUS_DUPLICATE_WINDOW must not be negative, got %s", c.StatusDuplicateWindow)
	}

	switch c.NotifyDriver {
	case "log":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when NOTIFY_DRIVER is \"kafka\"")
		}
		if c.KafkaTopic == "" {
			return fmt.Errorf("KAFKA_TOPIC is required when NOTIFY_DRIVER is \"kafka\"")
		}
	case "sqs":
		if c.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required when NOTIFY_DRIVER is \"sqs\"")
		}
	default:
		return fmt.Errorf("NOTIFY_DRIVER must be \"log\", \"kafka\", or \"sqs\", got %q", c.NotifyDriver)
	}

	switch c.BlobDriver {
	case "memory":
	case "s3":
		if c.BlobS3Bucket == "" {
			return fmt.Errorf("BLOB_S3_BUCKET is required when BLOB_DRIVER is \"s3\"")
		}
	default:
		return fmt.Errorf("BLOB_DRIVER must be \"memory\" or \"s3\", got %q", c.BlobDriver)
	}

	return nil
}
