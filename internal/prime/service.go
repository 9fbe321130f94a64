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

package prime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"crypto-checkout-go/internal/models"
	"crypto-checkout-go/internal/transport"

	"github.com/coinbase-samples/prime-sdk-go/client"
	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/coinbase-samples/prime-sdk-go/model"
	"github.com/coinbase-samples/prime-sdk-go/transactions"
	"github.com/coinbase-samples/prime-sdk-go/wallets"
	"go.uber.org/zap"
)

const (
	statusImportPending = "TRANSACTION_IMPORT_PENDING"
	statusImported      = "TRANSACTION_IMPORTED"
)

// Config selects the portfolio and wallets used for checkout deposits.
type Config struct {
	PortfolioId string
	WalletType  string
	Lookback    time.Duration
	Coins       []models.Coin
}

// Service derives deposit addresses and observes inbound transfers through Coinbase Prime.
// Prime assigns the address itself; the derivation index is kept for the audit trail.
type Service struct {
	walletsSvc      wallets.WalletsService
	transactionsSvc transactions.TransactionsService

	portfolioId string
	walletType  string
	lookback    time.Duration

	byDerivation map[string]models.Coin
	byLedger     map[string]models.Coin

	mu        sync.Mutex
	walletIds map[string]string
}

func NewService(creds *credentials.Credentials, cfg Config) (*Service, error) {
	if cfg.PortfolioId == "" {
		return nil, fmt.Errorf("prime portfolio id is required")
	}

	httpClient, err := transport.NewHttpClient(60 * time.Second)
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}

	restClient := client.NewRestClient(creds, httpClient)

	s := &Service{
		walletsSvc:      wallets.NewWalletsService(restClient),
		transactionsSvc: transactions.NewTransactionsService(restClient),
		portfolioId:     cfg.PortfolioId,
		walletType:      cfg.WalletType,
		lookback:        cfg.Lookback,
		byDerivation:    make(map[string]models.Coin),
		byLedger:        make(map[string]models.Coin),
		walletIds:       make(map[string]string),
	}
	if s.walletType == "" {
		s.walletType = "TRADING"
	}
	for _, c := range cfg.Coins {
		if _, ok := s.byDerivation[strings.ToUpper(c.DerivationCoin)]; !ok {
			s.byDerivation[strings.ToUpper(c.DerivationCoin)] = c
		}
		s.byLedger[strings.ToUpper(c.LedgerSymbol)] = c
	}
	return s, nil
}

// walletFor returns the id of the wallet holding symbol, looking it up once.
func (s *Service) walletFor(ctx context.Context, symbol string) (string, error) {
	s.mu.Lock()
	id, ok := s.walletIds[symbol]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	response, err := s.walletsSvc.ListWallets(ctx, &wallets.ListWalletsRequest{
		PortfolioId: s.portfolioId,
		Type:        s.walletType,
		Symbols:     []string{symbol},
	})
	if err != nil {
		return "", fmt.Errorf("unable to list wallets: %w", err)
	}

	for _, w := range response.Wallets {
		if strings.EqualFold(w.Symbol, symbol) {
			s.mu.Lock()
			s.walletIds[symbol] = w.Id
			s.mu.Unlock()
			zap.L().Debug("Resolved Prime wallet",
				zap.String("symbol", symbol),
				zap.String("wallet_id", w.Id),
				zap.String("wallet_name", w.Name))
			return w.Id, nil
		}
	}
	return "", fmt.Errorf("no %s wallet of type %s in portfolio %s", symbol, s.walletType, s.portfolioId)
}

// DeriveAddress creates a fresh deposit address for the coin derived on derivationCoin.
func (s *Service) DeriveAddress(ctx context.Context, derivationCoin, network string, index int64) (string, error) {
	coin, ok := s.byDerivation[strings.ToUpper(derivationCoin)]
	if !ok {
		return "", fmt.Errorf("no coin derives on %s", derivationCoin)
	}
	walletId, err := s.walletFor(ctx, coin.Symbol)
	if err != nil {
		return "", err
	}

	networkId := coin.PrimeNetwork
	if networkId == "" {
		networkId = network
	}

	response, err := s.walletsSvc.CreateWalletAddress(ctx, &wallets.CreateWalletAddressRequest{
		PortfolioId: s.portfolioId,
		WalletId:    walletId,
		NetworkId:   networkId,
	})
	if err != nil {
		return "", fmt.Errorf("unable to create wallet address: %w", err)
	}

	zap.L().Info("Prime deposit address created",
		zap.String("coin", coin.Symbol),
		zap.String("network", networkId),
		zap.Int64("derivation_index", index),
		zap.String("address", response.Address),
		zap.String("account_identifier", response.AccountIdentifier))
	return response.Address, nil
}

// Observe reports the deposits Prime has seen for the payment's address.
func (s *Service) Observe(ctx context.Context, payment models.PendingPayment) (*models.Observation, error) {
	coin, ok := s.byLedger[strings.ToUpper(payment.CoinSymbol)]
	if !ok {
		return nil, fmt.Errorf("unknown coin %s", payment.CoinSymbol)
	}
	walletId, err := s.walletFor(ctx, coin.Symbol)
	if err != nil {
		return nil, err
	}

	since := payment.CreatedAt.Add(-time.Minute)
	if s.lookback > 0 {
		if floor := time.Now().Add(-s.lookback); since.Before(floor) {
			since = floor
		}
	}

	transfers, err := s.ListDeposits(ctx, walletId, since, coin.Confirmations)
	if err != nil {
		return nil, err
	}
	return matchTransfers(transfers, payment.Address, coin)
}

// ListDeposits fetches inbound transfers for a wallet.
func (s *Service) ListDeposits(ctx context.Context, walletId string, since time.Time, confirmations int) ([]models.ChainTransfer, error) {
	zap.L().Debug("Making Prime API request",
		zap.String("portfolio_id", s.portfolioId),
		zap.String("wallet_id", walletId),
		zap.Time("start_time", since))

	response, err := s.transactionsSvc.ListWalletTransactions(ctx, &transactions.ListWalletTransactionsRequest{
		PortfolioId: s.portfolioId,
		WalletId:    walletId,
		Start:       since,
		Types:       []string{"DEPOSIT"},
		Pagination: &model.PaginationParams{
			Limit: 500,
		},
	})
	if err != nil {
		zap.L().Error("Failed to list wallet transactions",
			zap.String("wallet_id", walletId),
			zap.Error(err))
		return nil, fmt.Errorf("unable to list wallet transactions: %w", err)
	}

	transfers := make([]models.ChainTransfer, 0, len(response.Transactions))
	for _, tx := range response.Transactions {
		transfer := models.ChainTransfer{
			Id:        tx.Id,
			Status:    tx.Status,
			Symbol:    tx.Symbol,
			Amount:    tx.Amount,
			Network:   tx.Network,
			ChainTxId: tx.TransactionId,
			Confirmed: tx.Status == statusImported,
			CreatedAt: tx.Created,
		}
		if tx.TransferTo != nil {
			transfer.ToAddress = tx.TransferTo.Address
			transfer.ToAccountId = tx.TransferTo.AccountIdentifier
		}
		if transfer.Confirmed {
			transfer.Confirmations = confirmations
		}
		transfers = append(transfers, transfer)
	}

	zap.L().Debug("Prime API response received",
		zap.String("wallet_id", walletId),
		zap.Int("count", len(transfers)))
	return transfers, nil
}
