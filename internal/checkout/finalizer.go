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

const (
	movementRetries = 3
	mirrorTimeout   = 10 * time.Second
)

// FinalizeRequest carries what the chain observer saw for a transaction.
type FinalizeRequest struct {
	TransactionId  string
	ObservedAmount int64
	Coin           string
	ChainReference string
}

// outcome is what an effect did. movement is set when balance actually changed.
type outcome struct {
	status   models.PaymentStatus
	movement *models.BalanceMovement
	note     string
}

type effect func(ctx context.Context, tx *models.Transaction) outcome

// FinalizeConfirmed applies a confirmed payment. It returns true only for the call
// that applied the effect; repeated calls observe the claimed or terminal status and do nothing.
func (s *Service) FinalizeConfirmed(ctx context.Context, req FinalizeRequest) (bool, error) {
	var applied bool
	err := s.withTransactionLock(ctx, req.TransactionId, func() error {
		var err error
		applied, err = s.finalizeConfirmedLocked(ctx, req)
		return err
	})
	return applied, err
}

func (s *Service) finalizeConfirmedLocked(ctx context.Context, req FinalizeRequest) (bool, error) {
	tx, err := s.store.GetTransaction(ctx, req.TransactionId)
	if err != nil {
		return false, err
	}
	if tx.PaymentStatus.IsTerminal() || tx.PaymentStatus == models.StatusFinalizing {
		zap.L().Info("Transaction already finalized or claimed, skipping",
			zap.String("transaction_id", tx.Id),
			zap.String("status", string(tx.PaymentStatus)))
		return false, nil
	}

	payment, err := s.store.GetPendingPaymentByTransaction(ctx, tx.Id)
	if err != nil {
		return false, err
	}
	if payment == nil {
		return false, fmt.Errorf("%w: no pending payment for %s", store.ErrNotFound, tx.Id)
	}

	switch payment.Status {
	case models.PendingMonitoring:
		if s.now().After(payment.ExpiresAt) {
			s.expire(ctx, tx, payment)
			return false, fmt.Errorf("%w: %s expired before confirmation", ErrPaymentClosed, tx.Id)
		}
		if !s.coinMatches(payment.CoinSymbol, req.Coin) {
			return false, fmt.Errorf("%w: got %s, invoiced %s", ErrCoinMismatch, req.Coin, payment.CoinSymbol)
		}
		if req.ObservedAmount < payment.ExpectedCryptoAmount {
			return false, fmt.Errorf("%w: got %d, expected %d", ErrUnderpaid, req.ObservedAmount, payment.ExpectedCryptoAmount)
		}
		if err := s.store.UpdatePendingObservation(ctx, payment.PaymentId, payment.Confirmations, req.ObservedAmount, req.ChainReference); err != nil {
			return false, err
		}
		swapped, err := s.store.CompareAndSetPendingStatus(ctx, payment.PaymentId, models.PendingMonitoring, models.PendingConfirmedUnprocessed)
		if err != nil {
			return false, err
		}
		if !swapped {
			return false, fmt.Errorf("pending payment %s changed while confirming - %w", payment.PaymentId, store.ErrConcurrentModification)
		}
		payment.Status = models.PendingConfirmedUnprocessed
		payment.ReceivedAmount = req.ObservedAmount
		payment.ChainReference = req.ChainReference
	case models.PendingConfirmedUnprocessed:
	case models.PendingExpired:
		s.closeExpired(ctx, tx)
		return false, nil
	default:
		zap.L().Info("Pending payment already settled, skipping",
			zap.String("transaction_id", tx.Id),
			zap.String("pending_status", string(payment.Status)))
		return false, nil
	}

	return s.finalizeLocked(ctx, tx, payment)
}

// finalizeLocked claims a confirmed crypto transaction and applies its effect.
// The caller holds the transaction lock and has moved the pending payment to confirmed_unprocessed.
func (s *Service) finalizeLocked(ctx context.Context, tx *models.Transaction, payment *models.PendingPayment) (bool, error) {
	claimed, err := s.store.CompareAndSetTransactionStatus(ctx, tx.Id, models.StatusAwaitingPayment, models.StatusFinalizing)
	if err != nil {
		return false, err
	}
	if !claimed {
		zap.L().Warn("Finalize claim lost, another caller owns this transaction",
			zap.String("transaction_id", tx.Id))
		return false, nil
	}
	tx.PaymentStatus = models.StatusFinalizing

	status, err := s.applyClaimed(ctx, tx, payment)
	if err != nil {
		return false, err
	}
	if !status.IsCompleted() {
		return false, fmt.Errorf("%w: %s", ErrFinalizeFailed, status)
	}
	return true, nil
}

// applyClaimed runs the effect of a transaction already in finalizing and settles
// both records. It returns the terminal status written. Once claimed, the work no
// longer follows the caller's cancellation: the effect and the status write land together.
func (s *Service) applyClaimed(ctx context.Context, tx *models.Transaction, payment *models.PendingPayment) (models.PaymentStatus, error) {
	ctx = context.WithoutCancel(ctx)

	zap.L().Info("Finalizing transaction",
		zap.String("transaction_id", tx.Id),
		zap.String("user_id", tx.UserId),
		zap.String("type", string(tx.Type)))

	result := s.runEffect(ctx, tx)
	if err := s.settle(ctx, tx, payment, result); err != nil {
		return models.StatusFinalizing, err
	}
	return result.status, nil
}

func (s *Service) runEffect(ctx context.Context, tx *models.Transaction) (result outcome) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("Finalize effect panicked",
				zap.String("transaction_id", tx.Id),
				zap.Any("panic", r))
			result = outcome{status: models.StatusErrorFinalizingUnknown, note: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return s.effectFor(tx)(ctx, tx)
}

func (s *Service) effectFor(tx *models.Transaction) effect {
	switch tx.Type {
	case models.TypeTopUp:
		return s.creditTopUp
	case models.TypePurchaseBalance:
		return s.debitAndFulfill(tx.EurAmount)
	case models.TypePurchaseCrypto:
		return s.debitAndFulfill(tx.PaidFromBalance)
	}
	return func(context.Context, *models.Transaction) outcome {
		return outcome{status: models.StatusErrorFinalizingData, note: fmt.Sprintf("unknown transaction type %q", tx.Type)}
	}
}

// creditTopUp credits the amount asked for. The service fee stays with the platform.
func (s *Service) creditTopUp(ctx context.Context, tx *models.Transaction) outcome {
	amount := tx.OriginalAddBalanceAmount
	if !amount.IsPositive() {
		return outcome{status: models.StatusErrorFinalizingData, note: "top-up has no amount to credit"}
	}

	if _, err := s.store.GetOrCreateUser(ctx, tx.UserId); err != nil {
		return outcome{status: models.StatusErrorFinalizingUserData, note: err.Error()}
	}

	movement, err := s.applyMovement(ctx, tx, models.MovementTopUpCredit, amount)
	if err != nil {
		return outcome{status: models.StatusErrorBalanceUpdate, note: err.Error()}
	}
	return outcome{status: models.StatusCompleted, movement: movement}
}

// debitAndFulfill checks the item snapshot, takes portion from the balance, then releases
// the item. Once the debit has happened, fulfillment problems end in a completed_* status
// and are never rolled back.
func (s *Service) debitAndFulfill(portion decimal.Decimal) effect {
	return func(ctx context.Context, tx *models.Transaction) outcome {
		switch {
		case tx.ItemDetails == nil:
			return outcome{status: models.StatusErrorFinalizingData, note: "item snapshot missing or unreadable"}
		case tx.ItemDetails.Location == "":
			return outcome{status: models.StatusErrorFinalizingData, note: "item snapshot has no inventory location"}
		}

		if _, err := s.store.GetOrCreateUser(ctx, tx.UserId); err != nil {
			return outcome{status: models.StatusErrorFinalizingUserData, note: err.Error()}
		}

		var movement *models.BalanceMovement
		if portion.IsPositive() {
			var err error
			movement, err = s.applyMovement(ctx, tx, models.MovementPurchaseDebit, portion.Neg())
			if err != nil {
				if errors.Is(err, store.ErrInsufficientBalance) || errors.Is(err, store.ErrConcurrentModification) {
					return outcome{status: models.StatusErrorBalanceUpdate, note: err.Error()}
				}
				return outcome{status: models.StatusErrorFinalizingDb, note: err.Error()}
			}
		}

		result := outcome{status: models.StatusCompleted, movement: movement}
		if s.inventory == nil {
			result.status = models.StatusCompletedFulfillError
			result.note = ErrInventoryDisabled.Error()
			return result
		}
		if err := s.inventory.MoveReservedItem(ctx, tx.ItemDetails.Location, tx.UserId); err != nil {
			zap.L().Error("Failed to move reserved item",
				zap.String("transaction_id", tx.Id),
				zap.String("location", tx.ItemDetails.Location),
				zap.Error(err))
			result.status = models.StatusCompletedMoveError
			result.note = err.Error()
		}
		return result
	}
}

// applyMovement changes the balance once per (transaction, kind). A movement that
// already exists counts as applied and is returned as is.
func (s *Service) applyMovement(ctx context.Context, tx *models.Transaction, kind models.MovementKind, amount decimal.Decimal) (*models.BalanceMovement, error) {
	params := store.BalanceMovementParams{
		UserId:        tx.UserId,
		TransactionId: tx.Id,
		Kind:          kind,
		Amount:        amount,
		Reference:     string(tx.Type),
	}

	var lastErr error
	for attempt := 1; attempt <= movementRetries; attempt++ {
		movement, err := s.store.ApplyBalanceMovement(ctx, params)
		switch {
		case err == nil:
			return movement, nil
		case errors.Is(err, store.ErrDuplicateMovement):
			zap.L().Warn("Balance movement already applied",
				zap.String("transaction_id", tx.Id),
				zap.String("kind", string(kind)))
			return s.store.GetMovement(ctx, tx.Id, kind)
		case errors.Is(err, store.ErrConcurrentModification):
			zap.L().Debug("Balance changed concurrently, retrying",
				zap.String("transaction_id", tx.Id),
				zap.Int("attempt", attempt))
			lastErr = err
		default:
			return nil, err
		}
	}
	return nil, lastErr
}

// settle writes the terminal status, closes the pending payment and runs the
// post-commit bookkeeping. The status write is the commit point and its failure is
// returned; failures after it are logged.
func (s *Service) settle(ctx context.Context, tx *models.Transaction, payment *models.PendingPayment, result outcome) error {
	if err := s.store.SetTransactionStatus(ctx, tx.Id, result.status); err != nil {
		zap.L().Error("Failed to write final status, transaction left in finalizing",
			zap.String("transaction_id", tx.Id),
			zap.String("status", string(result.status)),
			zap.Error(err))
		return fmt.Errorf("failed to commit %s for %s: %w", result.status, tx.Id, err)
	}
	tx.PaymentStatus = result.status

	if payment != nil {
		target := models.PendingProcessed
		if !result.status.IsCompleted() {
			target = models.PendingErrorFinalizing
		}
		if _, err := s.store.CompareAndSetPendingStatus(ctx, payment.PaymentId, models.PendingConfirmedUnprocessed, target); err != nil {
			zap.L().Error("Failed to settle pending payment",
				zap.String("payment_id", payment.PaymentId),
				zap.String("status", string(target)),
				zap.Error(err))
		}
	}

	if result.note != "" {
		if err := s.store.AppendTransactionNote(ctx, tx.Id, fmt.Sprintf("%s: %s", result.status, result.note)); err != nil {
			zap.L().Warn("Failed to append finalize note", zap.String("transaction_id", tx.Id), zap.Error(err))
		}
	}

	if result.status.IsCompleted() {
		if err := s.store.IncrementTransactionCount(ctx, tx.UserId); err != nil {
			zap.L().Warn("Failed to increment transaction count", zap.String("user_id", tx.UserId), zap.Error(err))
		}
	}

	if result.movement != nil && s.mirror != nil {
		mirrorCtx, cancel := context.WithTimeout(ctx, mirrorTimeout)
		defer cancel()
		if err := s.mirror.MirrorMovement(mirrorCtx, *result.movement); err != nil {
			zap.L().Error("Failed to mirror balance movement",
				zap.String("movement_id", result.movement.Id),
				zap.String("transaction_id", tx.Id),
				zap.Error(err))
		}
	}

	logFn := zap.L().Info
	if result.status.RequiresSupport() {
		logFn = zap.L().Warn
	}
	logFn("Transaction finalized",
		zap.String("transaction_id", tx.Id),
		zap.String("user_id", tx.UserId),
		zap.String("status", string(result.status)),
		zap.Bool("requires_support", result.status.RequiresSupport()))
	return nil
}
