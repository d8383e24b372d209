// Package config loads runtime configuration from the environment and an
// optional config file, with defaults suitable for the sandbox environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver          string // "postgres" or "sqlite"
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // seconds
}

// PricingConfig carries the quote engine's rate and fee tables.
// Mid rates are keyed "SRC/DST", e.g. "USD/KES".
type PricingConfig struct {
	SettlementCurrency string
	MidRates           map[string]decimal.Decimal
	SpreadFraction     decimal.Decimal
	ConnectorFeePct    decimal.Decimal
	ConnectorFeeFixed  decimal.Decimal
	PlatformFeePct     decimal.Decimal
}

// ConnectorConfig configures the interledger connector client
type ConnectorConfig struct {
	BaseURL        string
	Timeout        time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// MpesaConfig configures the M-Pesa disbursement client
type MpesaConfig struct {
	Environment        string // "sandbox" or "production"
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	InitiatorName      string
	SecurityCredential string
	CallbackBaseURL    string
	Timeout            time.Duration
}

// Config represents the application configuration
type Config struct {
	LogLevel  string
	Server    ServerConfig
	Database  DatabaseConfig
	Pricing   PricingConfig
	Connector ConnectorConfig
	Mpesa     MpesaConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "kazipay.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 3600)

	v.SetDefault("pricing.settlement_currency", "KES")
	v.SetDefault("pricing.mid_rates", map[string]string{
		"USD/KES": "129.50",
		"EUR/KES": "140.20",
		"BTC/KES": "8500000",
	})
	v.SetDefault("pricing.spread_fraction", "0.005")
	v.SetDefault("pricing.connector_fee_pct", "0.002")
	v.SetDefault("pricing.connector_fee_fixed", "0.05")
	v.SetDefault("pricing.platform_fee_pct", "0.01")

	v.SetDefault("connector.base_url", "http://localhost:3000")
	v.SetDefault("connector.timeout", "10s")
	v.SetDefault("connector.max_attempts", 3)
	v.SetDefault("connector.retry_base_delay", "200ms")

	v.SetDefault("mpesa.environment", "sandbox")
	v.SetDefault("mpesa.short_code", "174379")
	v.SetDefault("mpesa.initiator_name", "testapi")
	v.SetDefault("mpesa.security_credential", "test")
	v.SetDefault("mpesa.callback_base_url", "http://localhost:8080")
	v.SetDefault("mpesa.timeout", "30s")
}

// LoadConfig loads configuration from config.yaml (if present) and the
// environment. Environment keys use underscores, e.g. KAZIPAY_SERVER_PORT.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("KAZIPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		LogLevel: v.GetString("log_level"),
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
		},
		Connector: ConnectorConfig{
			BaseURL:        v.GetString("connector.base_url"),
			Timeout:        v.GetDuration("connector.timeout"),
			MaxAttempts:    v.GetInt("connector.max_attempts"),
			RetryBaseDelay: v.GetDuration("connector.retry_base_delay"),
		},
		Mpesa: MpesaConfig{
			Environment:        v.GetString("mpesa.environment"),
			ConsumerKey:        v.GetString("mpesa.consumer_key"),
			ConsumerSecret:     v.GetString("mpesa.consumer_secret"),
			ShortCode:          v.GetString("mpesa.short_code"),
			InitiatorName:      v.GetString("mpesa.initiator_name"),
			SecurityCredential: v.GetString("mpesa.security_credential"),
			CallbackBaseURL:    v.GetString("mpesa.callback_base_url"),
			Timeout:            v.GetDuration("mpesa.timeout"),
		},
	}

	pricing, err := loadPricing(v)
	if err != nil {
		return nil, err
	}
	cfg.Pricing = *pricing

	if cfg.Connector.MaxAttempts < 1 {
		return nil, fmt.Errorf("connector.max_attempts must be at least 1, got %d", cfg.Connector.MaxAttempts)
	}

	return cfg, nil
}

func loadPricing(v *viper.Viper) (*PricingConfig, error) {
	pricing := &PricingConfig{
		SettlementCurrency: strings.ToUpper(v.GetString("pricing.settlement_currency")),
		MidRates:           make(map[string]decimal.Decimal),
	}

	for pair, rate := range v.GetStringMapString("pricing.mid_rates") {
		d, err := decimal.NewFromString(rate)
		if err != nil {
			return nil, fmt.Errorf("invalid mid rate for %s: %w", pair, err)
		}
		pricing.MidRates[strings.ToUpper(pair)] = d
	}

	fractions := map[string]*decimal.Decimal{
		"pricing.spread_fraction":     &pricing.SpreadFraction,
		"pricing.connector_fee_pct":   &pricing.ConnectorFeePct,
		"pricing.connector_fee_fixed": &pricing.ConnectorFeeFixed,
		"pricing.platform_fee_pct":    &pricing.PlatformFeePct,
	}
	for key, dst := range fractions {
		d, err := decimal.NewFromString(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}

	return pricing, nil
}
