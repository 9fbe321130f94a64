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

package api

import (
	"context"
	"fmt"
	"strings"

	"crypto-checkout-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// HistoryPageSize is the number of transactions shown per history page
const HistoryPageSize = 5

// GetUserBalance returns the stored EUR balance for a user
func (s *LedgerService) GetUserBalance(ctx context.Context, userId string) (decimal.Decimal, error) {
	if userId == "" {
		return decimal.Zero, fmt.Errorf("user_id is required")
	}

	user, err := s.db.GetOrCreateUser(ctx, userId)
	if err != nil {
		zap.L().Error("Failed to get user balance",
			zap.String("user_id", userId),
			zap.Error(err))
		return decimal.Zero, fmt.Errorf("failed to retrieve balance")
	}

	return user.Balance, nil
}

// GetTransactionHistory returns one page of a user's transactions, newest first.
// Pages are numbered from 1; a page past the end is empty.
func (s *LedgerService) GetTransactionHistory(ctx context.Context, userId string, page int) (*models.HistoryPage, error) {
	if userId == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if page < 1 {
		page = 1
	}

	total, err := s.db.CountUserTransactions(ctx, userId)
	if err != nil {
		zap.L().Error("Failed to count transactions", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve transaction history")
	}

	transactions, err := s.db.ListUserTransactions(ctx, userId, HistoryPageSize, (page-1)*HistoryPageSize)
	if err != nil {
		zap.L().Error("Failed to get transaction history",
			zap.String("user_id", userId),
			zap.Int("page", page),
			zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve transaction history")
	}

	records := make([]models.HistoryRecord, len(transactions))
	for i := range transactions {
		records[i] = FormatHistoryRecord(&transactions[i])
	}

	return &models.HistoryPage{
		Records:    records,
		Page:       page,
		TotalPages: (total + HistoryPageSize - 1) / HistoryPageSize,
		Total:      total,
	}, nil
}

var titleCaser = cases.Title(language.English)

// FormatHistoryRecord renders a transaction the way the history list shows it.
// Completed top-ups show the credited amount; purchases always show the total as a debit.
func FormatHistoryRecord(tx *models.Transaction) models.HistoryRecord {
	record := models.HistoryRecord{
		Id:        tx.Id,
		Title:     historyTitle(tx.Type),
		Status:    humanize(string(tx.PaymentStatus)),
		Currency:  tx.Currency,
		CreatedAt: tx.CreatedAt,
	}

	amount := tx.EurAmount.Abs()
	sign := ""
	switch {
	case tx.Type == models.TypeTopUp && tx.PaymentStatus == models.StatusCompleted:
		sign = "+"
		if tx.OriginalAddBalanceAmount.IsPositive() {
			amount = tx.OriginalAddBalanceAmount
		}
	case tx.Type.IsPurchase():
		sign = "-"
	}
	record.Amount = sign + amount.StringFixed(2) + " EUR"

	if tx.Type.IsPurchase() {
		if tx.ItemDetails != nil {
			record.Item = tx.ItemDetails.DisplayName()
		} else {
			record.Item = "Error loading details"
		}
	}
	return record
}

func historyTitle(t models.TransactionType) string {
	switch t {
	case models.TypeTopUp:
		return "Balance Added"
	case models.TypePurchaseBalance:
		return "Item Purchase (Balance)"
	case models.TypePurchaseCrypto:
		return "Item Purchase (Crypto)"
	}
	return humanize(string(t))
}

func humanize(s string) string {
	return titleCaser.String(strings.ReplaceAll(s, "_", " "))
}
