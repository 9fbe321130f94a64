package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Database  DatabaseConfig
	Payment   PaymentConfig
	Monitor   MonitorConfig
	Rates     RatesConfig
	Prime     PrimeConfig
	Formance  FormanceConfig
	Redis     RedisConfig
	Inventory InventoryConfig
	Server    ServerConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	SeedUsers       bool
}

// PaymentConfig holds pricing and payment window settings
type PaymentConfig struct {
	TopUpFee            decimal.Decimal
	PurchaseServiceFee  decimal.Decimal
	MinTopUp            decimal.Decimal
	MaxTopUp            decimal.Decimal
	PaymentWindow       time.Duration
	ExternalCallTimeout time.Duration
	CoinsFile           string
}

// MonitorConfig holds sweeper settings
type MonitorConfig struct {
	SweepInterval time.Duration
	StaleFinalize time.Duration
}

// RatesConfig holds exchange-rate source settings
type RatesConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// PrimeConfig holds Coinbase Prime credentials and portfolio selection
type PrimeConfig struct {
	AccessKey   string
	Passphrase  string
	SigningKey  string
	PortfolioId string
	WalletType  string
	Lookback    time.Duration
}

func (c PrimeConfig) Enabled() bool {
	return c.AccessKey != "" && c.Passphrase != "" && c.SigningKey != ""
}

// FormanceConfig holds connection settings for the Formance Stack ledger mirror.
type FormanceConfig struct {
	StackURL     string
	ClientID     string
	ClientSecret string
	LedgerName   string
}

func (c FormanceConfig) Enabled() bool {
	return c.StackURL != "" && c.ClientID != "" && c.ClientSecret != ""
}

// RedisConfig holds settings for the shared counter and cross-process locks
type RedisConfig struct {
	Addr     string
	Password string
	LockTTL  time.Duration
}

func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// InventoryConfig points at the reserved/purchased item tree
type InventoryConfig struct {
	Root string
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Coin describes a payable cryptocurrency and how its addresses are derived
type Coin struct {
	Symbol         string `yaml:"symbol"`
	DerivationCoin string `yaml:"derivation_coin"`
	LedgerSymbol   string `yaml:"ledger_symbol"`
	Network        string `yaml:"network"`
	PrimeNetwork   string `yaml:"prime_network"`
	RateId         string `yaml:"rate_id"`
	Precision      int32  `yaml:"precision"`
	Confirmations  int    `yaml:"confirmations"`
}
