package common

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"crypto-checkout-go/internal/models"
	"crypto-checkout-go/internal/quantize"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

type CoinsConfig struct {
	Coins []models.Coin `yaml:"coins"`
}

// DefaultCoins is used when no coins file is present.
func DefaultCoins() []models.Coin {
	return []models.Coin{
		{Symbol: "BTC", DerivationCoin: "BTC", LedgerSymbol: "BTC", Network: "Bitcoin", PrimeNetwork: "bitcoin-mainnet", RateId: "bitcoin", Precision: 8, Confirmations: 2},
		{Symbol: "LTC", DerivationCoin: "LTC", LedgerSymbol: "LTC", Network: "Litecoin", PrimeNetwork: "litecoin-mainnet", RateId: "litecoin", Precision: 8, Confirmations: 6},
		{Symbol: "USDT", DerivationCoin: "TRX", LedgerSymbol: "USDT_TRX", Network: "TRC20 (Tron)", PrimeNetwork: "tron-mainnet", RateId: "tether", Precision: 6, Confirmations: 19},
	}
}

// LoadCoins reads the payable coin table. A missing file falls back to DefaultCoins.
func LoadCoins(coinsFile string) ([]models.Coin, error) {
	var coinsPath string
	if filepath.IsAbs(coinsFile) {
		coinsPath = coinsFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		coinsPath = filepath.Join(wd, coinsFile)
	}

	data, err := os.ReadFile(coinsPath)
	if errors.Is(err, os.ErrNotExist) {
		zap.L().Warn("Coins file not found, using defaults", zap.String("file", coinsFile))
		return DefaultCoins(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", coinsFile, err)
	}

	var config CoinsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", coinsFile, err)
	}
	if len(config.Coins) == 0 {
		return nil, fmt.Errorf("%s lists no coins", coinsFile)
	}

	seen := make(map[string]bool)
	for i := range config.Coins {
		coin := &config.Coins[i]
		coin.Symbol = strings.ToUpper(strings.TrimSpace(coin.Symbol))
		if coin.Symbol == "" {
			return nil, fmt.Errorf("coin at index %d missing symbol", i)
		}
		if seen[coin.Symbol] {
			return nil, fmt.Errorf("coin %s listed twice", coin.Symbol)
		}
		seen[coin.Symbol] = true
		if coin.Precision < 0 || coin.Precision > quantize.MaxPrecision {
			return nil, fmt.Errorf("coin %s precision %d outside [0, %d]", coin.Symbol, coin.Precision, quantize.MaxPrecision)
		}
		if coin.DerivationCoin == "" {
			coin.DerivationCoin = coin.Symbol
		}
		if coin.LedgerSymbol == "" {
			coin.LedgerSymbol = coin.Symbol
		}
	}

	return config.Coins, nil
}
