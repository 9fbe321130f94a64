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

// Package checkout drives a payment from intent to a terminal ledger status and
// applies its balance and inventory effects exactly once.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crypto-checkout-go/internal/models"
	"crypto-checkout-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUnknownCoin       = errors.New("unknown coin")
	ErrCoinMismatch      = errors.New("observed coin does not match the invoice")
	ErrPaymentClosed     = errors.New("payment is no longer open")
	ErrPaymentConfirmed  = errors.New("payment already confirmed")
	ErrUnderpaid         = errors.New("observed amount is below the expected amount")
	ErrNotRetryable      = errors.New("transaction cannot be retried")
	ErrAmountOutOfRange  = errors.New("amount out of range")
	ErrInvalidIntent     = errors.New("invalid payment intent")
	ErrFinalizeFailed    = errors.New("finalize ended in an error status")
	ErrObserverDisabled  = errors.New("no chain observer configured")
	ErrInventoryDisabled = errors.New("no inventory mover configured")
)

// AddressDeriver turns a derivation index into a receive address.
type AddressDeriver interface {
	DeriveAddress(ctx context.Context, coin, network string, index int64) (string, error)
}

// RateConverter returns the price of one unit of base expressed in quote.
type RateConverter interface {
	GetRate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

// ChainObserver reports what has arrived at a pending payment's address.
type ChainObserver interface {
	Observe(ctx context.Context, payment models.PendingPayment) (*models.Observation, error)
}

// InventoryMover releases a reserved item to its buyer. It is called at most once per transaction.
type InventoryMover interface {
	MoveReservedItem(ctx context.Context, location, userId string) error
}

// Locker serializes work on one key across processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Dependencies are the collaborators a Service calls. Store, Deriver and Rates are required.
type Dependencies struct {
	Store     store.CheckoutStore
	Counter   store.IndexCounter
	Deriver   AddressDeriver
	Rates     RateConverter
	Observer  ChainObserver
	Inventory InventoryMover
	Mirror    store.MovementMirror
	Locker    Locker
}

type Config struct {
	Coins               []models.Coin
	FiatCurrency        string
	TopUpFee            decimal.Decimal
	PurchaseServiceFee  decimal.Decimal
	MinTopUp            decimal.Decimal
	MaxTopUp            decimal.Decimal
	PaymentWindow       time.Duration
	ExternalCallTimeout time.Duration
	Clock               func() time.Time
}

type Service struct {
	store     store.CheckoutStore
	counter   store.IndexCounter
	deriver   AddressDeriver
	rates     RateConverter
	observer  ChainObserver
	inventory InventoryMover
	mirror    store.MovementMirror
	locker    Locker
	locks     *keyedMutex

	coins map[string]models.Coin
	cfg   Config
	now   func() time.Time
}

func NewService(deps Dependencies, cfg Config) (*Service, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Deriver == nil {
		return nil, fmt.Errorf("address deriver is required")
	}
	if deps.Rates == nil {
		return nil, fmt.Errorf("rate converter is required")
	}
	if len(cfg.Coins) == 0 {
		return nil, fmt.Errorf("at least one coin must be configured")
	}
	if cfg.PaymentWindow <= 0 {
		return nil, fmt.Errorf("payment window must be positive, got %v", cfg.PaymentWindow)
	}
	if cfg.MaxTopUp.IsPositive() && cfg.MinTopUp.GreaterThan(cfg.MaxTopUp) {
		return nil, fmt.Errorf("min top-up %s exceeds max top-up %s", cfg.MinTopUp, cfg.MaxTopUp)
	}
	if cfg.FiatCurrency == "" {
		cfg.FiatCurrency = "EUR"
	}

	coins := make(map[string]models.Coin, len(cfg.Coins))
	for _, c := range cfg.Coins {
		if c.Symbol == "" {
			return nil, fmt.Errorf("coin symbol cannot be empty")
		}
		if c.DerivationCoin == "" {
			c.DerivationCoin = c.Symbol
		}
		if c.LedgerSymbol == "" {
			c.LedgerSymbol = c.Symbol
		}
		coins[strings.ToUpper(c.Symbol)] = c
	}

	counter := deps.Counter
	if counter == nil {
		counter = deps.Store
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	zap.L().Info("Checkout service initialized",
		zap.Int("coins", len(coins)),
		zap.Duration("payment_window", cfg.PaymentWindow),
		zap.Bool("observer", deps.Observer != nil),
		zap.Bool("inventory", deps.Inventory != nil),
		zap.Bool("mirror", deps.Mirror != nil),
		zap.Bool("distributed_lock", deps.Locker != nil))

	return &Service{
		store:     deps.Store,
		counter:   counter,
		deriver:   deps.Deriver,
		rates:     deps.Rates,
		observer:  deps.Observer,
		inventory: deps.Inventory,
		mirror:    deps.Mirror,
		locker:    deps.Locker,
		locks:     newKeyedMutex(),
		coins:     coins,
		cfg:       cfg,
		now:       func() time.Time { return clock().UTC() },
	}, nil
}

// Coin resolves a user-facing symbol such as "usdt" to its configuration.
func (s *Service) Coin(symbol string) (models.Coin, error) {
	c, ok := s.coins[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return models.Coin{}, fmt.Errorf("%w: %s", ErrUnknownCoin, symbol)
	}
	return c, nil
}

func (s *Service) Coins() []models.Coin {
	out := make([]models.Coin, 0, len(s.coins))
	for _, c := range s.cfg.Coins {
		if coin, ok := s.coins[strings.ToUpper(c.Symbol)]; ok {
			out = append(out, coin)
		}
	}
	return out
}

// coinMatches accepts either the user-facing symbol or the ledger symbol of the invoiced coin.
func (s *Service) coinMatches(ledgerSymbol, observed string) bool {
	if observed == "" || strings.EqualFold(observed, ledgerSymbol) {
		return true
	}
	c, err := s.Coin(observed)
	return err == nil && strings.EqualFold(c.LedgerSymbol, ledgerSymbol)
}

func (s *Service) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.ExternalCallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.ExternalCallTimeout)
}

// fail moves a transaction into an error status and records why. The caller's error is returned unchanged.
func (s *Service) fail(ctx context.Context, tx *models.Transaction, status models.PaymentStatus, cause error) error {
	zap.L().Error("Payment step failed",
		zap.String("transaction_id", tx.Id),
		zap.String("status", string(status)),
		zap.Error(cause))

	if err := s.store.SetTransactionStatus(ctx, tx.Id, status); err != nil {
		zap.L().Error("Failed to record error status",
			zap.String("transaction_id", tx.Id),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	if err := s.store.AppendTransactionNote(ctx, tx.Id, fmt.Sprintf("%s: %v", status, cause)); err != nil {
		zap.L().Warn("Failed to append transaction note", zap.String("transaction_id", tx.Id), zap.Error(err))
	}
	return cause
}
