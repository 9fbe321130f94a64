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

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentIntent is the priced request carried through the checkout flow
type PaymentIntent struct {
	TransactionId   string          `json:"transaction_id"`
	UserId          string          `json:"user_id"`
	Type            TransactionType `json:"type"`
	BaseAmount      decimal.Decimal `json:"base_amount"`
	ServiceFee      decimal.Decimal `json:"service_fee"`
	Total           decimal.Decimal `json:"total"`
	PaidFromBalance decimal.Decimal `json:"paid_from_balance"`
	ExternalDue     decimal.Decimal `json:"external_due"`
	Item            *ItemSnapshot   `json:"item,omitempty"`
	Status          PaymentStatus   `json:"status"`
}

// RequiresExternalPayment is false when stored balance covers the whole total.
func (i *PaymentIntent) RequiresExternalPayment() bool {
	return i.ExternalDue.IsPositive()
}

// Invoice is what the user needs to send a crypto payment
type Invoice struct {
	TransactionId   string          `json:"transaction_id"`
	PaymentId       string          `json:"payment_id"`
	Address         string          `json:"address"`
	Coin            string          `json:"coin"`
	Network         string          `json:"network"`
	CryptoAmount    string          `json:"crypto_amount"`
	SmallestUnit    int64           `json:"smallest_unit"`
	EurDue          decimal.Decimal `json:"eur_due"`
	PaidFromBalance decimal.Decimal `json:"paid_from_balance"`
	ExpiresAt       time.Time       `json:"expires_at"`
	Reused          bool            `json:"reused"`
}

// StatusReport is the user-facing view of a transaction
type StatusReport struct {
	TransactionId    string          `json:"transaction_id"`
	Type             TransactionType `json:"type"`
	Status           PaymentStatus   `json:"status"`
	Category         ErrorCategory   `json:"category"`
	PendingStatus    PendingStatus   `json:"pending_status,omitempty"`
	Confirmations    int             `json:"confirmations"`
	Address          string          `json:"address,omitempty"`
	CryptoAmount     string          `json:"crypto_amount,omitempty"`
	Currency         string          `json:"currency,omitempty"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	Retryable        bool            `json:"retryable"`
	SupportReference string          `json:"support_reference,omitempty"`
}

// HistoryRecord represents one line of a user's transaction history
type HistoryRecord struct {
	Id        string    `json:"id"`
	Title     string    `json:"title"`
	Amount    string    `json:"amount"`
	Status    string    `json:"status"`
	Item      string    `json:"item,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryPage is one page of formatted history
type HistoryPage struct {
	Records    []HistoryRecord `json:"records"`
	Page       int             `json:"page"`
	TotalPages int             `json:"total_pages"`
	Total      int             `json:"total"`
}
