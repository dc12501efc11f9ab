package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (rate limiting + claim idempotency)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Slot pool
	SlotCount int

	// Reconciliation & dispatch job
	ReconcileInterval time.Duration
	DispatchBatchSize int
	DispatchSubBatch  int
	SubBatchDelay     time.Duration
	SendTimeout       time.Duration

	// All expiration math is anchored to this timezone.
	ReferenceTZ string

	// Outbound notification transport: ses, sns, or log.
	NotifyTransport string
	AWSRegion       string
	SESFromEmail    string
	SNSTopicARN     string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "adboard",
		DBName:    "adboard",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		SlotCount: 6,

		ReconcileInterval: time.Hour,
		DispatchBatchSize: 50,
		DispatchSubBatch:  5,
		SubBatchDelay:     time.Second,
		SendTimeout:       10 * time.Second,

		ReferenceTZ: "Asia/Tehran",

		NotifyTransport: "log",
		AWSRegion:       "us-east-1",
		SESFromEmail:    "noreply@adboard.local",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if count := os.Getenv("SLOT_COUNT"); count != "" {
		n, err := strconv.Atoi(count)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid SLOT_COUNT: %q", count)
		}
		cfg.SlotCount = n
	}

	if interval := os.Getenv("RECONCILE_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid RECONCILE_INTERVAL: %q", interval)
		}
		cfg.ReconcileInterval = d
	}

	if size := os.Getenv("DISPATCH_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid DISPATCH_BATCH_SIZE: %q", size)
		}
		cfg.DispatchBatchSize = n
	}

	if size := os.Getenv("DISPATCH_SUB_BATCH"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid DISPATCH_SUB_BATCH: %q", size)
		}
		cfg.DispatchSubBatch = n
	}

	if delay := os.Getenv("SUB_BATCH_DELAY"); delay != "" {
		d, err := time.ParseDuration(delay)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid SUB_BATCH_DELAY: %q", delay)
		}
		cfg.SubBatchDelay = d
	}

	if timeout := os.Getenv("SEND_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid SEND_TIMEOUT: %q", timeout)
		}
		cfg.SendTimeout = d
	}

	if tz := os.Getenv("REFERENCE_TZ"); tz != "" {
		cfg.ReferenceTZ = tz
	}

	if transport := os.Getenv("NOTIFY_TRANSPORT"); transport != "" {
		cfg.NotifyTransport = transport
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if arn := os.Getenv("SNS_TOPIC_ARN"); arn != "" {
		cfg.SNSTopicARN = arn
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.NotifyTransport {
	case "ses", "sns", "log":
	default:
		return fmt.Errorf("invalid NOTIFY_TRANSPORT: %q (must be ses, sns, or log)", c.NotifyTransport)
	}
	if c.NotifyTransport == "sns" && c.SNSTopicARN == "" {
		return fmt.Errorf("SNS_TOPIC_ARN is required when NOTIFY_TRANSPORT=sns")
	}
	if c.DispatchSubBatch > c.DispatchBatchSize {
		return fmt.Errorf("DISPATCH_SUB_BATCH (%d) exceeds DISPATCH_BATCH_SIZE (%d)",
			c.DispatchSubBatch, c.DispatchBatchSize)
	}
	return nil
}
