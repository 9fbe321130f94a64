package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"crypto-checkout-go/internal/models"
	"crypto-checkout-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreatePendingPayment registers an allocated address for a transaction. It is idempotent
// on transaction id: a second call returns the existing row untouched and created=false.
func (s *Service) CreatePendingPayment(ctx context.Context, params store.CreatePendingPaymentParams) (*models.PendingPayment, bool, error) {
	if params.Address == "" {
		return nil, false, fmt.Errorf("address cannot be empty")
	}
	if params.ExpectedCryptoAmount <= 0 {
		return nil, false, fmt.Errorf("expected crypto amount must be positive, got %d", params.ExpectedCryptoAmount)
	}

	ts := now()
	result, err := s.db.ExecContext(ctx, queryInsertPendingPayment,
		uuid.New().String(), params.TransactionId, params.UserId, params.Address, params.CoinSymbol,
		params.Network, params.DerivationIndex, params.ExpectedCryptoAmount,
		params.PaidFromBalanceEur.String(), string(models.PendingMonitoring),
		params.ExpiresAt.UTC(), ts, ts)
	if err != nil {
		zap.L().Error("Failed to insert pending payment",
			zap.String("transaction_id", params.TransactionId),
			zap.String("address", params.Address),
			zap.Error(err))
		return nil, false, fmt.Errorf("failed to insert pending payment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	created := rowsAffected == 1

	payment, err := s.GetPendingPaymentByTransaction(ctx, params.TransactionId)
	if err != nil {
		return nil, false, err
	}
	if payment == nil {
		return nil, false, fmt.Errorf("pending payment for %s vanished after insert", params.TransactionId)
	}

	if created {
		zap.L().Info("Pending payment created",
			zap.String("payment_id", payment.PaymentId),
			zap.String("transaction_id", payment.TransactionId),
			zap.String("coin", payment.CoinSymbol),
			zap.String("address", payment.Address),
			zap.Int64("derivation_index", payment.DerivationIndex),
			zap.Int64("expected_amount", payment.ExpectedCryptoAmount),
			zap.Time("expires_at", payment.ExpiresAt))
	} else {
		zap.L().Warn("Pending payment already exists, returning existing",
			zap.String("payment_id", payment.PaymentId),
			zap.String("transaction_id", payment.TransactionId))
	}
	return payment, created, nil
}

// GetPendingPaymentByTransaction returns nil, nil when the transaction has no pending payment.
func (s *Service) GetPendingPaymentByTransaction(ctx context.Context, transactionId string) (*models.PendingPayment, error) {
	payment, err := scanPendingPayment(s.db.QueryRowContext(ctx, queryGetPendingByTransaction, transactionId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending payment: %w", err)
	}
	return payment, nil
}

func (s *Service) CompareAndSetPendingStatus(ctx context.Context, paymentId string, from, to models.PendingStatus) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: pending %s -> %s", store.ErrInvalidTransition, from, to)
	}

	result, err := s.db.ExecContext(ctx, queryCompareAndSetPendingStatus, string(to), now(), paymentId, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update pending status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	zap.L().Info("Pending payment status updated",
		zap.String("payment_id", paymentId),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return true, nil
}

func (s *Service) UpdatePendingObservation(ctx context.Context, paymentId string, confirmations int, receivedAmount int64, chainReference string) error {
	_, err := s.db.ExecContext(ctx, queryUpdatePendingObservation, confirmations, receivedAmount, chainReference, now(), paymentId)
	if err != nil {
		return fmt.Errorf("failed to update pending observation: %w", err)
	}
	return nil
}

func (s *Service) ListPendingPaymentsByStatus(ctx context.Context, status models.PendingStatus) ([]models.PendingPayment, error) {
	rows, err := s.db.QueryContext(ctx, queryListPendingByStatus, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payments: %w", err)
	}
	defer closeRows(rows)

	var payments []models.PendingPayment
	for rows.Next() {
		payment, err := scanPendingPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending payment: %w", err)
		}
		payments = append(payments, *payment)
	}
	if err := rows.Err(); err != nil {
		zap.L().Error("Error during pending payment row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating pending payment rows: %w", err)
	}
	return payments, nil
}

// ListExpiredMonitoring returns monitoring payments whose window closed before at.
func (s *Service) ListExpiredMonitoring(ctx context.Context, at time.Time) ([]models.PendingPayment, error) {
	monitoring, err := s.ListPendingPaymentsByStatus(ctx, models.PendingMonitoring)
	if err != nil {
		return nil, err
	}

	var expired []models.PendingPayment
	for _, p := range monitoring {
		if at.After(p.ExpiresAt) {
			expired = append(expired, p)
		}
	}
	return expired, nil
}

func scanPendingPayment(row rowScanner) (*models.PendingPayment, error) {
	var p models.PendingPayment
	var status, paidStr string

	err := row.Scan(&p.PaymentId, &p.TransactionId, &p.UserId, &p.Address, &p.CoinSymbol, &p.Network,
		&p.DerivationIndex, &p.ExpectedCryptoAmount, &paidStr, &status, &p.Confirmations,
		&p.ReceivedAmount, &p.ChainReference, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Status = models.PendingStatus(status)
	p.PaidFromBalanceEur, err = decimal.NewFromString(paidStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse paid_from_balance_eur '%s': %w", paidStr, err)
	}
	return &p, nil
}
