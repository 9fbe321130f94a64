package common

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"crypto-checkout-go/internal/api"
	"crypto-checkout-go/internal/checkout"
	"crypto-checkout-go/internal/database"
	"crypto-checkout-go/internal/formance"
	"crypto-checkout-go/internal/inventory"
	"crypto-checkout-go/internal/models"
	"crypto-checkout-go/internal/prime"
	"crypto-checkout-go/internal/rates"
	"crypto-checkout-go/internal/redisstore"

	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can also be set via shell export, docker, etc.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

type Services struct {
	DbService       *database.Service
	Checkout        *checkout.Service
	Ledger          *api.LedgerService
	PrimeService    *prime.Service
	FormanceService *formance.Service
	RedisClient     *redis.Client
	Coins           []models.Coin
}

// InitializeLogger installs a production zap logger as the global; LOG_LEVEL picks the level.
func InitializeLogger() (*zap.Logger, func()) {
	levelStr := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	var level zapcore.Level
	if err := level.Set(levelStr); err != nil {
		level = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339Nano))
	}
	cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	logger, err := cfg.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeServices wires the checkout service. Prime provides addresses and
// chain observation; Redis, Formance and the inventory mover are optional.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	coins, err := LoadCoins(cfg.Payment.CoinsFile)
	if err != nil {
		return nil, err
	}

	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	services := &Services{
		DbService: dbService,
		Ledger:    api.NewLedgerService(dbService),
		Coins:     coins,
	}

	deps := checkout.Dependencies{
		Store: dbService,
	}

	if !cfg.Prime.Enabled() {
		services.Close()
		return nil, fmt.Errorf("missing required Prime API credentials: PRIME_ACCESS_KEY, PRIME_PASSPHRASE, PRIME_SIGNING_KEY")
	}

	zap.L().Info("Loading Prime API credentials")
	primeService, err := prime.NewService(primeCredentials(cfg.Prime), prime.Config{
		PortfolioId: cfg.Prime.PortfolioId,
		WalletType:  cfg.Prime.WalletType,
		Lookback:    cfg.Prime.Lookback,
		Coins:       coins,
	})
	if err != nil {
		services.Close()
		return nil, err
	}
	services.PrimeService = primeService
	deps.Deriver = primeService
	deps.Observer = primeService

	ratesClient, err := rates.NewClient(rates.Config{
		BaseURL:      cfg.Rates.BaseURL,
		APIKey:       cfg.Rates.APIKey,
		Timeout:      cfg.Rates.Timeout,
		MaxRetries:   cfg.Rates.MaxRetries,
		RetryBackoff: cfg.Rates.RetryBackoff,
		Coins:        coins,
	})
	if err != nil {
		services.Close()
		return nil, err
	}
	deps.Rates = ratesClient

	if cfg.Redis.Enabled() {
		client, err := redisstore.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			services.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		services.RedisClient = client
		deps.Counter = redisstore.NewCounter(client)
		deps.Locker = redisstore.NewLocker(client, cfg.Redis.LockTTL)
		zap.L().Info("Using Redis for derivation indices and locks", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.Formance.Enabled() {
		formanceService, err := formance.NewService(ctx, cfg.Formance, "EUR")
		if err != nil {
			services.Close()
			return nil, err
		}
		services.FormanceService = formanceService
		deps.Mirror = formanceService
	}

	if cfg.Inventory.Root != "" {
		mover, err := inventory.NewMover(cfg.Inventory.Root)
		if err != nil {
			services.Close()
			return nil, err
		}
		deps.Inventory = mover
	}

	checkoutService, err := checkout.NewService(deps, checkout.Config{
		Coins:               coins,
		FiatCurrency:        "EUR",
		TopUpFee:            cfg.Payment.TopUpFee,
		PurchaseServiceFee:  cfg.Payment.PurchaseServiceFee,
		MinTopUp:            cfg.Payment.MinTopUp,
		MaxTopUp:            cfg.Payment.MaxTopUp,
		PaymentWindow:       cfg.Payment.PaymentWindow,
		ExternalCallTimeout: cfg.Payment.ExternalCallTimeout,
	})
	if err != nil {
		services.Close()
		return nil, err
	}
	services.Checkout = checkoutService

	return services, nil
}

// InitializeDatabaseOnly initializes just the database service without external APIs
// Useful for read-only operations like querying balances
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return dbService, nil
}

func (cs *Services) Close() {
	if cs.RedisClient != nil {
		if err := cs.RedisClient.Close(); err != nil {
			zap.L().Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func primeCredentials(cfg models.PrimeConfig) *credentials.Credentials {
	return &credentials.Credentials{
		AccessKey:  cfg.AccessKey,
		Passphrase: cfg.Passphrase,
		SigningKey: cfg.SigningKey,
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
