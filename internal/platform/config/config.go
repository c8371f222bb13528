package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8004"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	JWTSecretKey string `env:"JWT_SECRET_KEY"`

	RabbitMQHost  string `env:"RABBITMQ_HOST" default:"localhost"`
	RabbitMQPort  int    `env:"RABBITMQ_PORT" default:"5672"`
	RabbitMQUser  string `env:"RABBITMQ_USER" default:"guest"`
	RabbitMQPass  string `env:"RABBITMQ_PASS" default:"guest"`
	RabbitMQVhost string `env:"RABBITMQ_VHOST" default:"/"`

	NotificationQueue     string        `env:"NOTIFICATION_QUEUE" default:"notification_queue"`
	ChatQueue             string        `env:"CHAT_QUEUE" default:"chat_messages_queue"`
	BrokerPrefetch        int           `env:"BROKER_PREFETCH" default:"10"`
	BrokerRetryDelay      time.Duration `env:"BROKER_RETRY_DELAY" default:"2s"`
	BrokerStartupAttempts int           `env:"BROKER_STARTUP_ATTEMPTS" default:"5"`

	RedisURL string `env:"REDIS_URL"`

	AllowedOrigins          string  `env:"ALLOWED_ORIGINS" default:"*"`
	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	WSEventsPerSecond       float64 `env:"WS_EVENTS_PER_SECOND" default:"10"`
	WSEventsBurst           int     `env:"WS_EVENTS_BURST" default:"20"`
	HandshakeRatePerSecond  float64 `env:"HANDSHAKE_RATE_PER_SECOND" default:"20"`
	HandshakeBurst          int     `env:"HANDSHAKE_BURST" default:"40"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads the configuration from the environment. Each envFile is loaded
// first when given; without one a local .env is tried.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	} else if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// BrokerURL assembles the AMQP URI from the RabbitMQ settings.
func (c *Config) BrokerURL() string {
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     c.RabbitMQHost,
		Port:     c.RabbitMQPort,
		Username: c.RabbitMQUser,
		Password: c.RabbitMQPass,
		Vhost:    c.RabbitMQVhost,
	}
	return uri.String()
}

// Origins splits ALLOWED_ORIGINS on commas. A single "*" yields nil (allow all).
func (c *Config) Origins() []string {
	if strings.TrimSpace(c.AllowedOrigins) == "*" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func validate(cfg *Config) error {
	required := map[string]string{
		"JWT_SECRET_KEY":     cfg.JWTSecretKey,
		"RABBITMQ_HOST":      cfg.RabbitMQHost,
		"NOTIFICATION_QUEUE": cfg.NotificationQueue,
		"CHAT_QUEUE":         cfg.ChatQueue,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if cfg.NotificationQueue == cfg.ChatQueue {
		return errors.New("NOTIFICATION_QUEUE and CHAT_QUEUE must differ")
	}
	if cfg.BrokerPrefetch < 1 {
		return errors.New("BROKER_PREFETCH must be at least 1")
	}
	if cfg.BrokerStartupAttempts < 1 {
		return errors.New("BROKER_STARTUP_ATTEMPTS must be at least 1")
	}
	if cfg.BrokerRetryDelay <= 0 {
		return errors.New("BROKER_RETRY_DELAY must be positive")
	}
	if cfg.MaxWebSocketConnections < 1 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS must be at least 1")
	}

	return nil
}
