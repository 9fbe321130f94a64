package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crypto-checkout-go/internal/models"
	"crypto-checkout-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateTransaction opens a new payment attempt. Status defaults to pending_address_generation.
func (s *Service) CreateTransaction(ctx context.Context, params store.NewTransactionParams) (*models.Transaction, error) {
	if !params.Type.Valid() {
		return nil, fmt.Errorf("invalid transaction type %q", params.Type)
	}
	if !params.EurAmount.IsPositive() {
		return nil, fmt.Errorf("eur amount must be positive, got %s", params.EurAmount.String())
	}
	status := params.Status
	if status == "" {
		status = models.StatusPendingAddressGeneration
	}
	if status.IsTerminal() {
		return nil, fmt.Errorf("%w: cannot create transaction in %s", store.ErrInvalidTransition, status)
	}

	var itemJson sql.NullString
	if params.ItemDetails != nil {
		data, err := json.Marshal(params.ItemDetails)
		if err != nil {
			return nil, fmt.Errorf("failed to encode item details: %w", err)
		}
		itemJson = sql.NullString{String: string(data), Valid: true}
	}

	id := uuid.New().String()
	ts := now()

	_, err := s.db.ExecContext(ctx, queryInsertTransaction,
		id, params.UserId, string(params.Type), params.EurAmount.String(),
		params.OriginalAddBalanceAmount.String(), params.ServiceFee.String(), params.PaidFromBalance.String(),
		itemJson, string(status), ts, ts)
	if err != nil {
		zap.L().Error("Failed to insert transaction", zap.String("user_id", params.UserId), zap.Error(err))
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}

	tx, err := s.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Transaction created",
		zap.String("transaction_id", tx.Id),
		zap.String("user_id", tx.UserId),
		zap.String("type", string(tx.Type)),
		zap.String("eur_amount", tx.EurAmount.String()),
		zap.String("status", string(tx.PaymentStatus)))
	return tx, nil
}

func (s *Service) GetTransaction(ctx context.Context, transactionId string) (*models.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, queryGetTransaction, transactionId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", store.ErrNotFound, transactionId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// SetTransactionStatus validates the move against the state machine. Rewriting the
// current status is a no-op; any other write to a terminal row fails with ErrTerminalStatus.
func (s *Service) SetTransactionStatus(ctx context.Context, transactionId string, status models.PaymentStatus) error {
	current, err := s.GetTransaction(ctx, transactionId)
	if err != nil {
		return err
	}

	if current.PaymentStatus == status {
		zap.L().Debug("Status unchanged, skipping write",
			zap.String("transaction_id", transactionId),
			zap.String("status", string(status)))
		return nil
	}
	if current.PaymentStatus.IsTerminal() {
		zap.L().Warn("Refusing to overwrite terminal status",
			zap.String("transaction_id", transactionId),
			zap.String("current", string(current.PaymentStatus)),
			zap.String("requested", string(status)))
		return fmt.Errorf("%w: %s is %s", store.ErrTerminalStatus, transactionId, current.PaymentStatus)
	}
	if !current.PaymentStatus.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, current.PaymentStatus, status)
	}

	swapped, err := s.CompareAndSetTransactionStatus(ctx, transactionId, current.PaymentStatus, status)
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("status update failed - %w", store.ErrConcurrentModification)
	}
	return nil
}

// CompareAndSetTransactionStatus moves from -> to only if the row still holds from.
func (s *Service) CompareAndSetTransactionStatus(ctx context.Context, transactionId string, from, to models.PaymentStatus) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, from, to)
	}

	result, err := s.db.ExecContext(ctx, queryCompareAndSetStatus, string(to), now(), transactionId, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update transaction status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		zap.L().Debug("Status compare-and-set lost",
			zap.String("transaction_id", transactionId),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return false, nil
	}

	zap.L().Info("Transaction status updated",
		zap.String("transaction_id", transactionId),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return true, nil
}

// RecordPaymentParameters stores the quoted crypto amount and moves the transaction to awaiting_payment.
func (s *Service) RecordPaymentParameters(ctx context.Context, transactionId, cryptoAmount, currency string) error {
	result, err := s.db.ExecContext(ctx, queryRecordPaymentParameters,
		cryptoAmount, currency, string(models.StatusAwaitingPayment), now(),
		transactionId, string(models.StatusPendingAddressGeneration))
	if err != nil {
		return fmt.Errorf("failed to record payment parameters: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 1 {
		zap.L().Info("Payment parameters recorded",
			zap.String("transaction_id", transactionId),
			zap.String("crypto_amount", cryptoAmount),
			zap.String("currency", currency))
		return nil
	}

	current, err := s.GetTransaction(ctx, transactionId)
	if err != nil {
		return err
	}
	if current.PaymentStatus == models.StatusAwaitingPayment &&
		current.CryptoAmount == cryptoAmount && current.Currency == currency {
		return nil
	}
	return fmt.Errorf("%w: cannot record payment parameters in %s", store.ErrInvalidTransition, current.PaymentStatus)
}

func (s *Service) AppendTransactionNote(ctx context.Context, transactionId, note string) error {
	line := fmt.Sprintf("[%s] %s", now().Format(time.RFC3339), note)
	result, err := s.db.ExecContext(ctx, queryAppendTransactionNote, line, line, now(), transactionId)
	if err != nil {
		return fmt.Errorf("failed to append note: %w", err)
	}
	if rowsAffected, err := result.RowsAffected(); err == nil && rowsAffected == 0 {
		return fmt.Errorf("%w: transaction %s", store.ErrNotFound, transactionId)
	}
	return nil
}

// ListUserTransactions returns a page of a user's transactions, newest first.
func (s *Service) ListUserTransactions(ctx context.Context, userId string, limit, offset int) ([]models.Transaction, error) {
	zap.L().Debug("Getting transaction history",
		zap.String("user_id", userId),
		zap.Int("limit", limit),
		zap.Int("offset", offset))

	rows, err := s.db.QueryContext(ctx, queryListUserTransactions, userId, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction history: %w", err)
	}
	defer closeRows(rows)

	return collectTransactions(rows)
}

func (s *Service) CountUserTransactions(ctx context.Context, userId string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, queryCountUserTransactions, userId).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// ListTransactionsByStatus returns transactions in any of the given statuses whose
// last update is older than olderThan. A zero olderThan disables the age filter.
func (s *Service) ListTransactionsByStatus(ctx context.Context, statuses []models.PaymentStatus, olderThan time.Time) ([]models.Transaction, error) {
	var result []models.Transaction
	for _, status := range statuses {
		rows, err := s.db.QueryContext(ctx, queryListTransactionsByStatus, string(status))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s transactions: %w", status, err)
		}
		txs, err := collectTransactions(rows)
		closeRows(rows)
		if err != nil {
			return nil, err
		}
		for _, tx := range txs {
			if olderThan.IsZero() || tx.UpdatedAt.Before(olderThan) {
				result = append(result, tx)
			}
		}
	}
	return result, nil
}

func collectTransactions(rows *sql.Rows) ([]models.Transaction, error) {
	var transactions []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, *tx)
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during transaction row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}
	return transactions, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	var txType, status string
	var eurStr, originalStr, feeStr, paidStr string
	var itemJson sql.NullString

	err := row.Scan(&tx.Id, &tx.UserId, &txType, &eurStr, &originalStr, &feeStr, &paidStr,
		&itemJson, &status, &tx.CryptoAmount, &tx.Currency, &tx.Notes, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}

	tx.Type = models.TransactionType(txType)
	tx.PaymentStatus = models.PaymentStatus(status)

	amounts := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{eurStr, &tx.EurAmount},
		{originalStr, &tx.OriginalAddBalanceAmount},
		{feeStr, &tx.ServiceFee},
		{paidStr, &tx.PaidFromBalance},
	}
	for _, a := range amounts {
		value, err := decimal.NewFromString(a.raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse amount '%s': %w", a.raw, err)
		}
		*a.dst = value
	}

	// A snapshot that no longer decodes is surfaced as missing; the finalizer flags it.
	if itemJson.Valid && itemJson.String != "" {
		var item models.ItemSnapshot
		if err := json.Unmarshal([]byte(itemJson.String), &item); err != nil {
			zap.L().Warn("Unreadable item snapshot",
				zap.String("transaction_id", tx.Id),
				zap.Error(err))
		} else {
			tx.ItemDetails = &item
		}
	}

	return &tx, nil
}
