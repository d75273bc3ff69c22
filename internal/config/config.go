// Package config содержит логику чтения конфигурации сервиса публикаций.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Checkout содержит неизменяемые параметры платного цикла публикации.
// Значение загружается один раз при старте и передаётся в конструкторы;
// бизнес-логика никогда не читает глобальное состояние.
type Checkout struct {
	Enabled        bool          `env:"CHECKOUT_ENABLED"`
	PriceNew       int64         `env:"PRICE_NEW"`
	PriceUpdate    int64         `env:"PRICE_UPDATE"`
	Currency       string        `env:"CURRENCY"`
	SessionTTL     time.Duration `env:"SESSION_TTL"`
	ReservationTTL time.Duration `env:"RESERVATION_TTL"`
	VigencyWindow  time.Duration `env:"VIGENCY_WINDOW"`
	Retention      time.Duration `env:"TRASH_RETENTION"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL"`
	SweepBatchSize int           `env:"SWEEP_BATCH_SIZE"`
}

// Config содержит параметры конфигурации сервиса публикаций.
type Config struct {
	RunAddress           string `env:"RUN_ADDRESS"`
	DatabaseURI          string `env:"DATABASE_URI"`
	GatewayAddress       string `env:"GATEWAY_ADDRESS"`
	GatewayAccessToken   string `env:"GATEWAY_ACCESS_TOKEN"`
	GatewayWebhookSecret string `env:"GATEWAY_WEBHOOK_SECRET"`
	PublicBaseURL        string `env:"PUBLIC_BASE_URL"`
	ArtifactDir          string `env:"ARTIFACT_DIR"`
	AuthSecret           string `env:"AUTH_SECRET"`

	Checkout Checkout
}

// Параметры платного цикла по умолчанию. Используются, если значение не
// задано ни переменной окружения, ни флагом.
const (
	defaultPriceNew       = 49900
	defaultPriceUpdate    = 19900
	defaultCurrency       = "MXN"
	defaultSessionTTL     = 30 * time.Minute
	defaultReservationTTL = 45 * time.Minute
	defaultVigencyWindow  = 180 * 24 * time.Hour
	defaultRetention      = 30 * 24 * time.Hour
	defaultSweepInterval  = 10 * time.Minute
	defaultSweepBatchSize = 100
)

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{Checkout: Checkout{Enabled: true}}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.GatewayAddress
	envPublicBaseURL := cfg.PublicBaseURL
	envArtifactDir := cfg.ArtifactDir

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.StringVar(&cfg.PublicBaseURL, "p", "http://localhost:8080/p", "public base URL for published pages")
	flag.StringVar(&cfg.ArtifactDir, "o", "./artifacts", "directory for rendered publication artifacts")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.GatewayAddress = envGatewayAddress
	}
	if envPublicBaseURL != "" {
		cfg.PublicBaseURL = envPublicBaseURL
	}
	if envArtifactDir != "" {
		cfg.ArtifactDir = envArtifactDir
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	applyCheckoutDefaults(&cfg.Checkout)

	return cfg, nil
}

func applyCheckoutDefaults(c *Checkout) {
	if c.PriceNew <= 0 {
		c.PriceNew = defaultPriceNew
	}
	if c.PriceUpdate <= 0 {
		c.PriceUpdate = defaultPriceUpdate
	}
	if c.Currency == "" {
		c.Currency = defaultCurrency
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = defaultReservationTTL
	}
	if c.VigencyWindow <= 0 {
		c.VigencyWindow = defaultVigencyWindow
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = defaultSweepBatchSize
	}
}
