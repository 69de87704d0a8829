// Package config содержит логику чтения конфигурации магазина.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации магазина.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	QRISAPIAddress string `env:"QRIS_API_ADDRESS"`
	QRISAPIKey     string `env:"QRIS_API_KEY"`
	GatewaySecret  string `env:"GATEWAY_SECRET"`

	ExpiryMinutes        int64 `env:"PAYMENT_EXPIRY_MINUTES"`
	SweepIntervalSeconds int64 `env:"SWEEP_INTERVAL_SECONDS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных
// окружения. Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envQRISAddress := cfg.QRISAPIAddress
	envQRISKey := cfg.QRISAPIKey
	envGatewaySecret := cfg.GatewaySecret
	envExpiryMinutes := cfg.ExpiryMinutes
	envSweepInterval := cfg.SweepIntervalSeconds

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.QRISAPIAddress, "q", "", "QRIS provider address")
	flag.StringVar(&cfg.QRISAPIKey, "k", "", "QRIS provider API key")
	flag.StringVar(&cfg.GatewaySecret, "s", "", "gateway token secret")
	flag.Int64Var(&cfg.ExpiryMinutes, "e", 30, "pending payment expiry in minutes")
	flag.Int64Var(&cfg.SweepIntervalSeconds, "i", 30, "expiry sweep interval in seconds")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envQRISAddress != "" {
		cfg.QRISAPIAddress = envQRISAddress
	}
	if envQRISKey != "" {
		cfg.QRISAPIKey = envQRISKey
	}
	if envGatewaySecret != "" {
		cfg.GatewaySecret = envGatewaySecret
	}
	if envExpiryMinutes > 0 {
		cfg.ExpiryMinutes = envExpiryMinutes
	}
	if envSweepInterval > 0 {
		cfg.SweepIntervalSeconds = envSweepInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.ExpiryMinutes <= 0 {
		cfg.ExpiryMinutes = 30
	}
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = 30
	}

	return cfg, nil
}
