package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto-checkout-go/internal/models"
	"crypto-checkout-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// IntentRequest asks for a top-up of Amount, or for the purchase of Item.
// Either purchase type may be passed; the stored balance decides which one is created.
type IntentRequest struct {
	UserId string
	Type   models.TransactionType
	Amount decimal.Decimal
	Item   *models.ItemSnapshot
}

// PurchasePlan splits a purchase total between stored balance and an external payment.
type PurchasePlan struct {
	Total           decimal.Decimal `json:"total"`
	PaidFromBalance decimal.Decimal `json:"paid_from_balance"`
	ExternalDue     decimal.Decimal `json:"external_due"`
}

// QuotePurchase uses as much stored balance as possible and leaves the rest to be paid in crypto.
// Balance already promised to another open purchase of the same user is not offered again.
func (s *Service) QuotePurchase(ctx context.Context, userId string, total decimal.Decimal) (PurchasePlan, error) {
	if !total.IsPositive() {
		return PurchasePlan{}, fmt.Errorf("%w: total must be positive, got %s", ErrInvalidIntent, total)
	}
	user, err := s.store.GetOrCreateUser(ctx, userId)
	if err != nil {
		return PurchasePlan{}, fmt.Errorf("failed to load user: %w", err)
	}
	reserved, err := s.reservedBalance(ctx, userId)
	if err != nil {
		return PurchasePlan{}, err
	}

	available := decimal.Max(user.Balance.Sub(reserved), decimal.Zero)
	paid := decimal.Min(available, total)
	return PurchasePlan{
		Total:           total,
		PaidFromBalance: paid,
		ExternalDue:     total.Sub(paid),
	}, nil
}

// reservedBalance sums the balance portions of the user's purchases still waiting for
// their crypto part.
func (s *Service) reservedBalance(ctx context.Context, userId string) (decimal.Decimal, error) {
	open, err := s.store.ListTransactionsByStatus(ctx,
		[]models.PaymentStatus{models.StatusPendingAddressGeneration, models.StatusAwaitingPayment}, time.Time{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to list open purchases: %w", err)
	}
	reserved := decimal.Zero
	for _, tx := range open {
		if tx.UserId == userId && tx.Type == models.TypePurchaseCrypto {
			reserved = reserved.Add(tx.PaidFromBalance)
		}
	}
	return reserved, nil
}

// CreatePaymentIntent records a new transaction. A purchase fully covered by stored
// balance is finalized before returning; the intent then carries its terminal status.
func (s *Service) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*models.PaymentIntent, error) {
	if req.UserId == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidIntent)
	}

	switch {
	case req.Type == models.TypeTopUp:
		return s.createTopUp(ctx, req)
	case req.Type.IsPurchase():
		return s.createPurchase(ctx, req)
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidIntent, req.Type)
}

func (s *Service) createTopUp(ctx context.Context, req IntentRequest) (*models.PaymentIntent, error) {
	amount := req.Amount.Round(2)
	if !amount.IsPositive() || amount.LessThan(s.cfg.MinTopUp) {
		return nil, fmt.Errorf("%w: top-up of %s is below the minimum %s", ErrAmountOutOfRange, amount.StringFixed(2), s.cfg.MinTopUp.StringFixed(2))
	}
	if s.cfg.MaxTopUp.IsPositive() && amount.GreaterThan(s.cfg.MaxTopUp) {
		return nil, fmt.Errorf("%w: top-up of %s exceeds the maximum %s", ErrAmountOutOfRange, amount.StringFixed(2), s.cfg.MaxTopUp.StringFixed(2))
	}

	fee := s.cfg.TopUpFee.Round(2)
	total := amount.Add(fee)

	tx, err := s.store.CreateTransaction(ctx, store.NewTransactionParams{
		UserId:                   req.UserId,
		Type:                     models.TypeTopUp,
		EurAmount:                total,
		OriginalAddBalanceAmount: amount,
		ServiceFee:               fee,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create top-up transaction: %w", err)
	}

	zap.L().Info("Top-up intent created",
		zap.String("transaction_id", tx.Id),
		zap.String("user_id", req.UserId),
		zap.String("amount", amount.String()),
		zap.String("fee", fee.String()),
		zap.String("total", total.String()))

	return &models.PaymentIntent{
		TransactionId:   tx.Id,
		UserId:          req.UserId,
		Type:            models.TypeTopUp,
		BaseAmount:      amount,
		ServiceFee:      fee,
		Total:           total,
		PaidFromBalance: decimal.Zero,
		ExternalDue:     total,
		Status:          tx.PaymentStatus,
	}, nil
}

func (s *Service) createPurchase(ctx context.Context, req IntentRequest) (*models.PaymentIntent, error) {
	if req.Item == nil {
		return nil, fmt.Errorf("%w: purchase requires an item", ErrInvalidIntent)
	}
	price := req.Item.Price.Round(2)
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: item price must be positive, got %s", ErrInvalidIntent, req.Item.Price)
	}

	fee := s.cfg.PurchaseServiceFee.Round(2)
	total := price.Add(fee)

	// Quoting and recording happen under the user lock so two purchases cannot
	// both count the same balance.
	unlock, err := s.lockUser(ctx, req.UserId)
	if err != nil {
		return nil, err
	}
	plan, err := s.QuotePurchase(ctx, req.UserId, total)
	if err != nil {
		unlock()
		return nil, err
	}

	item := *req.Item
	intent := &models.PaymentIntent{
		UserId:          req.UserId,
		BaseAmount:      price,
		ServiceFee:      fee,
		Total:           total,
		PaidFromBalance: plan.PaidFromBalance,
		ExternalDue:     plan.ExternalDue,
		Item:            &item,
	}

	if !intent.RequiresExternalPayment() {
		defer unlock()
		return s.purchaseFromBalance(ctx, intent)
	}

	intent.Type = models.TypePurchaseCrypto
	tx, err := s.store.CreateTransaction(ctx, store.NewTransactionParams{
		UserId:          req.UserId,
		Type:            models.TypePurchaseCrypto,
		EurAmount:       total,
		ServiceFee:      fee,
		PaidFromBalance: plan.PaidFromBalance,
		ItemDetails:     &item,
	})
	unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create purchase transaction: %w", err)
	}
	intent.TransactionId = tx.Id
	intent.Status = tx.PaymentStatus

	zap.L().Info("Crypto purchase intent created",
		zap.String("transaction_id", tx.Id),
		zap.String("user_id", req.UserId),
		zap.String("total", total.String()),
		zap.String("paid_from_balance", plan.PaidFromBalance.String()),
		zap.String("external_due", plan.ExternalDue.String()))
	return intent, nil
}

// purchaseFromBalance creates the transaction already claimed and finalizes it on the spot.
func (s *Service) purchaseFromBalance(ctx context.Context, intent *models.PaymentIntent) (*models.PaymentIntent, error) {
	intent.Type = models.TypePurchaseBalance
	tx, err := s.store.CreateTransaction(ctx, store.NewTransactionParams{
		UserId:          intent.UserId,
		Type:            models.TypePurchaseBalance,
		EurAmount:       intent.Total,
		ServiceFee:      intent.ServiceFee,
		PaidFromBalance: intent.Total,
		ItemDetails:     intent.Item,
		Status:          models.StatusFinalizing,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create balance purchase: %w", err)
	}
	intent.TransactionId = tx.Id

	zap.L().Info("Balance purchase created",
		zap.String("transaction_id", tx.Id),
		zap.String("user_id", intent.UserId),
		zap.String("total", intent.Total.String()))

	var status models.PaymentStatus
	err = s.withTransactionLock(ctx, tx.Id, func() error {
		var err error
		status, err = s.applyClaimed(ctx, tx, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	intent.Status = status

	if !status.IsCompleted() {
		return intent, fmt.Errorf("%w: %s", ErrFinalizeFailed, status)
	}
	return intent, nil
}

// RetryIntent starts a fresh transaction for the same request after a pre-payment
// failure or an expired window. The old transaction keeps its status.
func (s *Service) RetryIntent(ctx context.Context, transactionId string) (*models.PaymentIntent, error) {
	tx, err := s.store.GetTransaction(ctx, transactionId)
	if err != nil {
		return nil, err
	}
	if !tx.PaymentStatus.IsRetryable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, transactionId, tx.PaymentStatus)
	}

	intent, err := s.CreatePaymentIntent(ctx, requestFrom(tx))
	if err != nil && (intent == nil || !errors.Is(err, ErrFinalizeFailed)) {
		return nil, err
	}

	if noteErr := s.store.AppendTransactionNote(ctx, tx.Id, "retried as "+intent.TransactionId); noteErr != nil {
		zap.L().Warn("Failed to append retry note", zap.String("transaction_id", tx.Id), zap.Error(noteErr))
	}
	zap.L().Info("Transaction retried",
		zap.String("transaction_id", tx.Id),
		zap.String("new_transaction_id", intent.TransactionId))
	return intent, err
}

func requestFrom(tx *models.Transaction) IntentRequest {
	if tx.Type == models.TypeTopUp {
		return IntentRequest{UserId: tx.UserId, Type: models.TypeTopUp, Amount: tx.OriginalAddBalanceAmount}
	}
	return IntentRequest{UserId: tx.UserId, Type: tx.Type, Item: tx.ItemDetails}
}
