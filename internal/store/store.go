package store

import (
	"context"
	"errors"
	"time"

	"crypto-checkout-go/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrNotFound               = errors.New("not found")
	ErrDuplicateMovement      = errors.New("duplicate balance movement")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrTerminalStatus         = errors.New("transaction is in a terminal status")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrInsufficientBalance    = errors.New("insufficient balance")
)

// NewTransactionParams contains the parameters for opening a transaction.
type NewTransactionParams struct {
	UserId                   string
	Type                     models.TransactionType
	EurAmount                decimal.Decimal
	OriginalAddBalanceAmount decimal.Decimal
	ServiceFee               decimal.Decimal
	PaidFromBalance          decimal.Decimal
	ItemDetails              *models.ItemSnapshot
	Status                   models.PaymentStatus
}

// CreatePendingPaymentParams contains the parameters for registering an allocated address.
type CreatePendingPaymentParams struct {
	TransactionId        string
	UserId               string
	Address              string
	CoinSymbol           string
	Network              string
	DerivationIndex      int64
	ExpectedCryptoAmount int64
	PaidFromBalanceEur   decimal.Decimal
	ExpiresAt            time.Time
}

// BalanceMovementParams describes one balance effect keyed by (TransactionId, Kind).
// Amount is signed: positive credits, negative debits.
type BalanceMovementParams struct {
	UserId        string
	TransactionId string
	Kind          models.MovementKind
	Amount        decimal.Decimal
	Reference     string
}

// TransactionLedger is the authoritative record of payment attempts.
type TransactionLedger interface {
	CreateTransaction(ctx context.Context, params NewTransactionParams) (*models.Transaction, error)
	GetTransaction(ctx context.Context, transactionId string) (*models.Transaction, error)
	SetTransactionStatus(ctx context.Context, transactionId string, status models.PaymentStatus) error
	CompareAndSetTransactionStatus(ctx context.Context, transactionId string, from, to models.PaymentStatus) (bool, error)
	RecordPaymentParameters(ctx context.Context, transactionId, cryptoAmount, currency string) error
	AppendTransactionNote(ctx context.Context, transactionId, note string) error
	ListUserTransactions(ctx context.Context, userId string, limit, offset int) ([]models.Transaction, error)
	CountUserTransactions(ctx context.Context, userId string) (int, error)
	ListTransactionsByStatus(ctx context.Context, statuses []models.PaymentStatus, olderThan time.Time) ([]models.Transaction, error)
}

// PendingPaymentRegistry tracks allocated addresses awaiting payment.
type PendingPaymentRegistry interface {
	CreatePendingPayment(ctx context.Context, params CreatePendingPaymentParams) (*models.PendingPayment, bool, error)
	GetPendingPaymentByTransaction(ctx context.Context, transactionId string) (*models.PendingPayment, error)
	CompareAndSetPendingStatus(ctx context.Context, paymentId string, from, to models.PendingStatus) (bool, error)
	UpdatePendingObservation(ctx context.Context, paymentId string, confirmations int, receivedAmount int64, chainReference string) error
	ListPendingPaymentsByStatus(ctx context.Context, status models.PendingStatus) ([]models.PendingPayment, error)
	ListExpiredMonitoring(ctx context.Context, now time.Time) ([]models.PendingPayment, error)
}

// BalanceStore owns user balances. Only the finalizer calls ApplyBalanceMovement.
type BalanceStore interface {
	GetOrCreateUser(ctx context.Context, userId string) (*models.User, error)
	GetUser(ctx context.Context, userId string) (*models.User, error)
	GetUsers(ctx context.Context) ([]models.User, error)
	ApplyBalanceMovement(ctx context.Context, params BalanceMovementParams) (*models.BalanceMovement, error)
	GetMovement(ctx context.Context, transactionId string, kind models.MovementKind) (*models.BalanceMovement, error)
	ListUserMovements(ctx context.Context, userId string) ([]models.BalanceMovement, error)
	IncrementTransactionCount(ctx context.Context, userId string) error
	ReconcileUserBalance(ctx context.Context, userId string) error
}

// IndexCounter hands out a globally unique, monotonically increasing derivation index per coin.
type IndexCounter interface {
	NextIndex(ctx context.Context, coin string) (int64, error)
}

// CheckoutStore is the full contract every persistent backend must satisfy.
type CheckoutStore interface {
	TransactionLedger
	PendingPaymentRegistry
	BalanceStore
	IndexCounter

	Ping(ctx context.Context) error
	Close()
}

// MovementMirror receives every committed balance movement for an external ledger.
// Implementations must treat a repeated movement id as success.
type MovementMirror interface {
	MirrorMovement(ctx context.Context, movement models.BalanceMovement) error
}
