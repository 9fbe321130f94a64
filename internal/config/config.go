/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"crypto-checkout-go/internal/models"

	"github.com/shopspring/decimal"
)

func Load() (*models.Config, error) {
	var errs []error
	duration := func(key string, def time.Duration) time.Duration {
		d, err := getEnvDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	amount := func(key string, def string) decimal.Decimal {
		d, err := getEnvDecimal(key, decimal.RequireFromString(def))
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	cfg := &models.Config{
		Database: models.DatabaseConfig{
			Path:            getEnvString("DATABASE_PATH", "checkout.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: duration("DB_CONN_MAX_IDLE_TIME", 30*time.Second),
			PingTimeout:     duration("DB_PING_TIMEOUT", 5*time.Second),
			SeedUsers:       getEnvBool("CREATE_DUMMY_USERS", false),
		},
		Payment: models.PaymentConfig{
			TopUpFee:            amount("ADD_BALANCE_SERVICE_FEE_EUR", "1.00"),
			PurchaseServiceFee:  amount("SERVICE_FEE_EUR", "0.00"),
			MinTopUp:            amount("MIN_TOP_UP_EUR", "0.01"),
			MaxTopUp:            amount("MAX_TOP_UP_EUR", "5000.00"),
			PaymentWindow:       duration("PAYMENT_WINDOW", 60*time.Minute),
			ExternalCallTimeout: duration("EXTERNAL_CALL_TIMEOUT", 15*time.Second),
			CoinsFile:           getEnvString("COINS_FILE", "coins.yaml"),
		},
		Monitor: models.MonitorConfig{
			SweepInterval: duration("SWEEP_INTERVAL", 30*time.Second),
			StaleFinalize: duration("STALE_FINALIZE_AFTER", 10*time.Minute),
		},
		Rates: models.RatesConfig{
			BaseURL:      getEnvString("RATES_BASE_URL", "https://api.coingecko.com/api/v3"),
			APIKey:       os.Getenv("RATES_API_KEY"),
			Timeout:      duration("RATES_TIMEOUT", 10*time.Second),
			MaxRetries:   getEnvInt("RATES_MAX_RETRIES", 3),
			RetryBackoff: duration("RATES_RETRY_BACKOFF", time.Second),
		},
		Prime: models.PrimeConfig{
			AccessKey:   os.Getenv("PRIME_ACCESS_KEY"),
			Passphrase:  os.Getenv("PRIME_PASSPHRASE"),
			SigningKey:  os.Getenv("PRIME_SIGNING_KEY"),
			PortfolioId: os.Getenv("PRIME_PORTFOLIO_ID"),
			WalletType:  getEnvString("PRIME_WALLET_TYPE", "TRADING"),
			Lookback:    duration("PRIME_LOOKBACK_WINDOW", 6*time.Hour),
		},
		Formance: models.FormanceConfig{
			StackURL:     os.Getenv("FORMANCE_STACK_URL"),
			ClientID:     os.Getenv("FORMANCE_CLIENT_ID"),
			ClientSecret: os.Getenv("FORMANCE_CLIENT_SECRET"),
			LedgerName:   getEnvString("FORMANCE_LEDGER", "checkout"),
		},
		Redis: models.RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			LockTTL:  duration("LOCK_TTL", 30*time.Second),
		},
		Inventory: models.InventoryConfig{
			Root: getEnvString("INVENTORY_ROOT", "inventory"),
		},
		Server: models.ServerConfig{
			Addr:            getEnvString("HTTP_ADDR", ":8080"),
			ShutdownTimeout: duration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
	}

	if len(errs) > 0 {
		return nil, errs[0]
	}
	if cfg.Payment.PaymentWindow <= 0 {
		return nil, fmt.Errorf("PAYMENT_WINDOW must be positive, got %v", cfg.Payment.PaymentWindow)
	}
	return cfg, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	if value := os.Getenv(key); value != "" {
		amount, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid amount for %s: %q (%w)", key, value, err)
		}
		return amount, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
