package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"crypto-checkout-go/internal/models"
	"crypto-checkout-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ApplyBalanceMovement atomically changes a user's balance and records the movement.
// (TransactionId, Kind) is unique: a repeat returns ErrDuplicateMovement and leaves the balance alone.
func (s *Service) ApplyBalanceMovement(ctx context.Context, params store.BalanceMovementParams) (*models.BalanceMovement, error) {
	if params.Amount.IsZero() {
		return nil, fmt.Errorf("movement amount cannot be zero")
	}

	zap.L().Info("Applying balance movement",
		zap.String("user_id", params.UserId),
		zap.String("transaction_id", params.TransactionId),
		zap.String("kind", string(params.Kind)),
		zap.String("amount", params.Amount.String()))

	var existingId string
	err := s.db.QueryRowContext(ctx, queryCheckDuplicateMovement, params.TransactionId, string(params.Kind)).Scan(&existingId)
	if err == nil {
		zap.L().Warn("Duplicate balance movement detected, skipping",
			zap.String("transaction_id", params.TransactionId),
			zap.String("kind", string(params.Kind)),
			zap.String("existing_movement_id", existingId))
		return nil, fmt.Errorf("%w: %s/%s already applied", store.ErrDuplicateMovement, params.TransactionId, params.Kind)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check for duplicate movement: %w", err)
	}

	ts := now()
	if _, err := s.db.ExecContext(ctx, queryInsertUserIfMissing, params.UserId, ts, ts); err != nil {
		return nil, fmt.Errorf("failed to ensure user exists: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var balanceStr string
	var version int64
	if err := tx.QueryRowContext(ctx, queryGetUserBalanceForUpdate, params.UserId).Scan(&balanceStr, &version); err != nil {
		return nil, fmt.Errorf("failed to get current balance: %w", err)
	}
	currentBalance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse current balance '%s': %w", balanceStr, err)
	}

	newBalance := currentBalance.Add(params.Amount)
	if newBalance.IsNegative() {
		zap.L().Warn("Balance movement would overdraw user",
			zap.String("user_id", params.UserId),
			zap.String("balance", currentBalance.String()),
			zap.String("amount", params.Amount.String()))
		return nil, fmt.Errorf("%w: balance %s, movement %s", store.ErrInsufficientBalance, currentBalance.String(), params.Amount.String())
	}

	movement := &models.BalanceMovement{
		Id:            uuid.New().String(),
		UserId:        params.UserId,
		TransactionId: params.TransactionId,
		Kind:          params.Kind,
		Amount:        params.Amount,
		BalanceBefore: currentBalance,
		BalanceAfter:  newBalance,
		CreatedAt:     ts,
	}

	_, err = tx.ExecContext(ctx, queryInsertMovement,
		movement.Id, movement.UserId, movement.TransactionId, string(movement.Kind),
		movement.Amount.String(), movement.BalanceBefore.String(), movement.BalanceAfter.String(),
		params.Reference, movement.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s/%s already applied", store.ErrDuplicateMovement, params.TransactionId, params.Kind)
		}
		return nil, fmt.Errorf("failed to insert movement: %w", err)
	}

	result, err := tx.ExecContext(ctx, queryUpdateUserBalance, newBalance.String(), ts, params.UserId, version)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("balance update failed - %w", store.ErrConcurrentModification)
	}

	if err := addJournalEntries(ctx, tx, movement); err != nil {
		return nil, fmt.Errorf("failed to add journal entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Balance movement applied",
		zap.String("movement_id", movement.Id),
		zap.String("user_id", params.UserId),
		zap.String("transaction_id", params.TransactionId),
		zap.String("old_balance", currentBalance.String()),
		zap.String("new_balance", newBalance.String()))

	return movement, nil
}

// addJournalEntries writes the double-entry view of a movement. A top-up credit raises
// what the platform owes the user; a purchase debit converts that liability into revenue.
func addJournalEntries(ctx context.Context, tx *sql.Tx, movement *models.BalanceMovement) error {
	type entry struct {
		accountType string
		accountId   string
		debit       decimal.Decimal
		credit      decimal.Decimal
	}

	userAccount := "user_balance_" + movement.UserId
	abs := movement.Amount.Abs()

	var entries []entry
	switch movement.Kind {
	case models.MovementTopUpCredit:
		entries = []entry{
			{"crypto_receipts", "top_ups_eur", abs, decimal.Zero},
			{"user_liability", userAccount, decimal.Zero, abs},
		}
	case models.MovementPurchaseDebit:
		entries = []entry{
			{"user_liability", userAccount, abs, decimal.Zero},
			{"revenue", "purchases_eur", decimal.Zero, abs},
		}
	default:
		return fmt.Errorf("unknown movement kind %q", movement.Kind)
	}

	for _, e := range entries {
		_, err := tx.ExecContext(ctx, queryInsertJournalEntry,
			uuid.New().String(), movement.Id, e.accountType, e.accountId,
			e.debit.String(), e.credit.String(), movement.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetMovement returns nil, nil when no movement of that kind exists for the transaction.
func (s *Service) GetMovement(ctx context.Context, transactionId string, kind models.MovementKind) (*models.BalanceMovement, error) {
	movement, err := scanMovement(s.db.QueryRowContext(ctx, queryGetMovement, transactionId, string(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get movement: %w", err)
	}
	return movement, nil
}

func (s *Service) ListUserMovements(ctx context.Context, userId string) ([]models.BalanceMovement, error) {
	rows, err := s.db.QueryContext(ctx, queryListUserMovements, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to list movements: %w", err)
	}
	defer closeRows(rows)

	var movements []models.BalanceMovement
	for rows.Next() {
		movement, err := scanMovement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		movements = append(movements, *movement)
	}
	if err := rows.Err(); err != nil {
		zap.L().Error("Error during movement row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating movement rows: %w", err)
	}
	return movements, nil
}

// ReconcileUserBalance verifies that the stored balance equals the sum of all movements
func (s *Service) ReconcileUserBalance(ctx context.Context, userId string) error {
	zap.L().Info("Reconciling balance", zap.String("user_id", userId))

	user, err := s.GetUser(ctx, userId)
	if err != nil {
		return fmt.Errorf("failed to get current balance: %w", err)
	}

	movements, err := s.ListUserMovements(ctx, userId)
	if err != nil {
		return fmt.Errorf("failed to calculate balance from movements: %w", err)
	}

	calculated := decimal.Zero
	for _, m := range movements {
		calculated = calculated.Add(m.Amount)
	}

	if !user.Balance.Equal(calculated) {
		zap.L().Error("Balance reconciliation failed",
			zap.String("user_id", userId),
			zap.String("current_balance", user.Balance.String()),
			zap.String("calculated_balance", calculated.String()),
			zap.String("difference", user.Balance.Sub(calculated).String()))
		return fmt.Errorf("balance mismatch: current=%s, calculated=%s", user.Balance.String(), calculated.String())
	}

	zap.L().Info("Balance reconciliation successful",
		zap.String("user_id", userId),
		zap.String("balance", user.Balance.String()),
		zap.Int("movements", len(movements)))
	return nil
}

func scanMovement(row rowScanner) (*models.BalanceMovement, error) {
	var m models.BalanceMovement
	var kind, amountStr, beforeStr, afterStr string
	err := row.Scan(&m.Id, &m.UserId, &m.TransactionId, &kind, &amountStr, &beforeStr, &afterStr, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Kind = models.MovementKind(kind)

	if m.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("failed to parse amount '%s': %w", amountStr, err)
	}
	if m.BalanceBefore, err = decimal.NewFromString(beforeStr); err != nil {
		return nil, fmt.Errorf("failed to parse balance_before '%s': %w", beforeStr, err)
	}
	if m.BalanceAfter, err = decimal.NewFromString(afterStr); err != nil {
		return nil, fmt.Errorf("failed to parse balance_after '%s': %w", afterStr, err)
	}
	return &m, nil
}
