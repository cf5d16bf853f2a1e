// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full service configuration
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Engine   EngineConfig
}

// ServiceConfig identifies the running service
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

// ServerConfig holds HTTP and gRPC listener settings
type ServerConfig struct {
	Port            int
	GRPCPort        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

// NATSConfig holds messaging settings. An empty URL disables NATS.
type NATSConfig struct {
	URL             string
	NoticeSubject   string
	PaymentsSubject string
	QueueGroup      string
}

// EngineConfig holds milestone engine settings
type EngineConfig struct {
	// PaymentWindow is the grace period between trigger and due date
	PaymentWindow time.Duration
	// TimeLinkedInterval separates consecutive time-linked milestones
	TimeLinkedInterval time.Duration
	TimeLinkedCron     string
	OverdueCron        string
	NoticeRetryCron    string
}

// Load loads configuration from the environment. A .env file is read first
// when present; variables already set in the environment win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-re-milestones"),
			Version:     getEnv("SERVICE_VERSION", "0.1.0"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("PORT", 8086),
			GRPCPort:        getEnvInt("GRPC_PORT", 9086),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 20*time.Second),
			RequestTimeout:  getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", ""),
			Database:    getEnv("DB_NAME", "re_milestones"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_TIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_IDLE_TIME", 30*time.Minute),
			HealthCheck: getEnvDuration("DB_HEALTH_CHECK", time.Minute),
		},
		NATS: NATSConfig{
			URL:             getEnv("NATS_URL", ""),
			NoticeSubject:   getEnv("NATS_NOTICE_SUBJECT", "notifications.re.demand_draft_issued"),
			PaymentsSubject: getEnv("NATS_PAYMENTS_SUBJECT", "payments.milestone.applied"),
			QueueGroup:      getEnv("NATS_QUEUE_GROUP", "be-re-milestones"),
		},
		Engine: EngineConfig{
			PaymentWindow:      time.Duration(getEnvInt("PAYMENT_WINDOW_DAYS", 15)) * 24 * time.Hour,
			TimeLinkedInterval: time.Duration(getEnvInt("TIME_LINKED_INTERVAL_DAYS", 90)) * 24 * time.Hour,
			TimeLinkedCron:     getEnv("TIME_LINKED_CRON", "0 1 * * *"),
			OverdueCron:        getEnv("OVERDUE_CRON", "30 1 * * *"),
			NoticeRetryCron:    getEnv("NOTICE_RETRY_CRON", "*/10 * * * *"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("invalid server ports: http=%d grpc=%d", c.Server.Port, c.Server.GRPCPort)
	}
	if c.Database.Host == "" || c.Database.Database == "" {
		return fmt.Errorf("database host and name are required")
	}
	if c.Engine.PaymentWindow <= 0 {
		return fmt.Errorf("PAYMENT_WINDOW_DAYS must be positive")
	}
	if c.Engine.TimeLinkedInterval <= 0 {
		return fmt.Errorf("TIME_LINKED_INTERVAL_DAYS must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
