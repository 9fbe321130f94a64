package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType distinguishes what a Transaction pays for.
type TransactionType string

const (
	TypeTopUp           TransactionType = "balance_top_up"
	TypePurchaseBalance TransactionType = "purchase_balance"
	TypePurchaseCrypto  TransactionType = "purchase_crypto"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TypeTopUp, TypePurchaseBalance, TypePurchaseCrypto:
		return true
	}
	return false
}

func (t TransactionType) IsPurchase() bool {
	return t == TypePurchaseBalance || t == TypePurchaseCrypto
}

// User holds the stored EUR balance of a customer
type User struct {
	Id               string          `db:"id"`
	Balance          decimal.Decimal `db:"balance"`
	TransactionCount int64           `db:"transaction_count"`
	Version          int64           `db:"version"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

// ItemSnapshot freezes the purchased item as it was when the purchase started
type ItemSnapshot struct {
	City     string          `json:"city"`
	Area     string          `json:"area"`
	Type     string          `json:"type"`
	Size     string          `json:"size"`
	Price    decimal.Decimal `json:"price"`
	Location string          `json:"location"`
}

// DisplayName is the short label used in history listings.
func (i ItemSnapshot) DisplayName() string {
	if i.Size == "" {
		return i.Type
	}
	return i.Type + " " + i.Size
}

// Transaction is the authoritative record of one payment attempt
type Transaction struct {
	Id                       string          `db:"id"`
	UserId                   string          `db:"user_id"`
	Type                     TransactionType `db:"type"`
	EurAmount                decimal.Decimal `db:"eur_amount"`
	OriginalAddBalanceAmount decimal.Decimal `db:"original_add_balance_amount"`
	ServiceFee               decimal.Decimal `db:"service_fee"`
	PaidFromBalance          decimal.Decimal `db:"paid_from_balance"`
	ItemDetails              *ItemSnapshot   `db:"item_details"`
	PaymentStatus            PaymentStatus   `db:"payment_status"`
	CryptoAmount             string          `db:"crypto_amount"`
	Currency                 string          `db:"currency"`
	Notes                    string          `db:"notes"`
	CreatedAt                time.Time       `db:"created_at"`
	UpdatedAt                time.Time       `db:"updated_at"`
}

// ExternalDue is the part of the total that must arrive on-chain.
func (t *Transaction) ExternalDue() decimal.Decimal {
	return t.EurAmount.Sub(t.PaidFromBalance)
}

// PendingPayment tracks one allocated address awaiting an on-chain transfer
type PendingPayment struct {
	PaymentId            string          `db:"payment_id"`
	TransactionId        string          `db:"transaction_id"`
	UserId               string          `db:"user_id"`
	Address              string          `db:"address"`
	CoinSymbol           string          `db:"coin_symbol"`
	Network              string          `db:"network"`
	DerivationIndex      int64           `db:"derivation_index"`
	ExpectedCryptoAmount int64           `db:"expected_crypto_amount"`
	PaidFromBalanceEur   decimal.Decimal `db:"paid_from_balance_eur"`
	Status               PendingStatus   `db:"status"`
	Confirmations        int             `db:"confirmations"`
	ReceivedAmount       int64           `db:"received_amount"`
	ChainReference       string          `db:"chain_reference"`
	ExpiresAt            time.Time       `db:"expires_at"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
}

// MovementKind names which balance effect a movement applied
type MovementKind string

const (
	MovementTopUpCredit   MovementKind = "top_up_credit"
	MovementPurchaseDebit MovementKind = "purchase_debit"
)

// BalanceMovement is the immutable record of one applied balance change
type BalanceMovement struct {
	Id            string          `db:"id"`
	UserId        string          `db:"user_id"`
	TransactionId string          `db:"transaction_id"`
	Kind          MovementKind    `db:"kind"`
	Amount        decimal.Decimal `db:"amount"`
	BalanceBefore decimal.Decimal `db:"balance_before"`
	BalanceAfter  decimal.Decimal `db:"balance_after"`
	CreatedAt     time.Time       `db:"created_at"`
}
