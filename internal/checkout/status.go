package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto-checkout-go/internal/models"

	"go.uber.org/zap"
)

// GetStatus reports where a transaction stands. It never changes state.
func (s *Service) GetStatus(ctx context.Context, transactionId string) (*models.StatusReport, error) {
	tx, err := s.store.GetTransaction(ctx, transactionId)
	if err != nil {
		return nil, err
	}
	payment, err := s.store.GetPendingPaymentByTransaction(ctx, transactionId)
	if err != nil {
		return nil, err
	}

	report := &models.StatusReport{
		TransactionId: tx.Id,
		Type:          tx.Type,
		Status:        tx.PaymentStatus,
		Category:      tx.PaymentStatus.Category(),
		CryptoAmount:  tx.CryptoAmount,
		Currency:      tx.Currency,
		Retryable:     tx.PaymentStatus.IsRetryable(),
	}
	if tx.PaymentStatus.RequiresSupport() {
		report.SupportReference = tx.Id
	}
	if payment != nil {
		expires := payment.ExpiresAt
		report.PendingStatus = payment.Status
		report.Confirmations = payment.Confirmations
		report.Address = payment.Address
		report.ExpiresAt = &expires
	}
	return report, nil
}

// CheckConfirmation probes one transaction: it expires an overdue payment, records
// the latest observation and finalizes once the payment is confirmed in full.
// The bool is true only when this call applied the effect.
func (s *Service) CheckConfirmation(ctx context.Context, transactionId string) (bool, models.CheckStatus, error) {
	var applied bool
	var token models.CheckStatus
	err := s.withTransactionLock(ctx, transactionId, func() error {
		var err error
		applied, token, err = s.checkLocked(ctx, transactionId)
		return err
	})
	return applied, token, err
}

func (s *Service) checkLocked(ctx context.Context, transactionId string) (bool, models.CheckStatus, error) {
	payment, err := s.store.GetPendingPaymentByTransaction(ctx, transactionId)
	if err != nil {
		return false, "", err
	}
	if payment == nil {
		return false, models.CheckNotFound, nil
	}

	tx, err := s.store.GetTransaction(ctx, transactionId)
	if err != nil {
		return false, "", err
	}

	switch payment.Status {
	case models.PendingMonitoring:
		return s.observe(ctx, tx, payment)
	case models.PendingExpired:
		s.closeExpired(ctx, tx)
		return false, models.CheckExpired, nil
	case models.PendingConfirmedUnprocessed:
		// Confirmed earlier but the effect never ran.
		if tx.PaymentStatus != models.StatusAwaitingPayment {
			return false, models.CheckConfirmedUnprocessed, nil
		}
		applied, err := s.finalizeLocked(ctx, tx, payment)
		return applied, s.settledToken(ctx, payment), ignoreFinalizeFailure(err)
	}
	return false, models.CheckStatusFor(payment.Status), nil
}

func (s *Service) observe(ctx context.Context, tx *models.Transaction, payment *models.PendingPayment) (bool, models.CheckStatus, error) {
	if s.now().After(payment.ExpiresAt) {
		s.expire(ctx, tx, payment)
		return false, models.CheckExpired, nil
	}
	if s.observer == nil {
		return false, models.CheckMonitoring, nil
	}

	callCtx, cancel := s.callContext(ctx)
	obs, err := s.observer.Observe(callCtx, *payment)
	cancel()
	if err != nil {
		zap.L().Warn("Chain observation failed",
			zap.String("transaction_id", tx.Id),
			zap.String("address", payment.Address),
			zap.Error(err))
		return false, models.CheckErrorApi, nil
	}
	if obs == nil || !obs.Found {
		return false, models.CheckMonitoring, nil
	}

	token := models.CheckMonitoring
	if obs.Confirmations != payment.Confirmations || obs.ReceivedAmount != payment.ReceivedAmount || obs.ChainReference != payment.ChainReference {
		if err := s.store.UpdatePendingObservation(ctx, payment.PaymentId, obs.Confirmations, obs.ReceivedAmount, obs.ChainReference); err != nil {
			return false, "", err
		}
		payment.Confirmations = obs.Confirmations
		payment.ReceivedAmount = obs.ReceivedAmount
		payment.ChainReference = obs.ChainReference
		token = models.CheckMonitoringUpdated
	}

	if !obs.Confirmed {
		return false, token, nil
	}
	if !s.coinMatches(payment.CoinSymbol, obs.Coin) {
		zap.L().Warn("Confirmed transfer in unexpected coin",
			zap.String("transaction_id", tx.Id),
			zap.String("expected", payment.CoinSymbol),
			zap.String("observed", obs.Coin))
		return false, token, nil
	}
	if obs.ReceivedAmount < payment.ExpectedCryptoAmount {
		zap.L().Warn("Confirmed transfer is short of the invoice",
			zap.String("transaction_id", tx.Id),
			zap.Int64("expected", payment.ExpectedCryptoAmount),
			zap.Int64("received", obs.ReceivedAmount))
		return false, token, nil
	}

	swapped, err := s.store.CompareAndSetPendingStatus(ctx, payment.PaymentId, models.PendingMonitoring, models.PendingConfirmedUnprocessed)
	if err != nil {
		return false, "", err
	}
	if !swapped {
		return false, token, nil
	}
	payment.Status = models.PendingConfirmedUnprocessed

	zap.L().Info("Payment confirmed",
		zap.String("transaction_id", tx.Id),
		zap.String("chain_reference", obs.ChainReference),
		zap.Int("confirmations", obs.Confirmations),
		zap.Int64("received", obs.ReceivedAmount))

	applied, err := s.finalizeLocked(ctx, tx, payment)
	return applied, s.settledToken(ctx, payment), ignoreFinalizeFailure(err)
}

// settledToken re-reads the pending payment so the token reflects what finalize wrote.
func (s *Service) settledToken(ctx context.Context, payment *models.PendingPayment) models.CheckStatus {
	current, err := s.store.GetPendingPaymentByTransaction(ctx, payment.TransactionId)
	if err != nil || current == nil {
		return models.CheckStatusFor(payment.Status)
	}
	return models.CheckStatusFor(current.Status)
}

// A finalize that ended in an error status is reported through the token, not as a call failure.
func ignoreFinalizeFailure(err error) error {
	if errors.Is(err, ErrFinalizeFailed) {
		return nil
	}
	return err
}

// expire closes a monitoring payment whose window has passed. No balance or inventory is touched.
// Both writes run detached from the caller so the pair is not split by a cancelled request.
func (s *Service) expire(ctx context.Context, tx *models.Transaction, payment *models.PendingPayment) {
	ctx = context.WithoutCancel(ctx)
	swapped, err := s.store.CompareAndSetPendingStatus(ctx, payment.PaymentId, models.PendingMonitoring, models.PendingExpired)
	if err != nil {
		zap.L().Error("Failed to expire pending payment", zap.String("payment_id", payment.PaymentId), zap.Error(err))
		return
	}
	if !swapped {
		return
	}
	payment.Status = models.PendingExpired

	zap.L().Info("Payment window expired",
		zap.String("transaction_id", tx.Id),
		zap.String("address", payment.Address),
		zap.Time("expires_at", payment.ExpiresAt))
	s.closeExpired(ctx, tx)
}

// closeExpired moves a transaction whose pending payment already expired out of
// awaiting_payment. It also repairs a transaction left behind by an earlier failed write.
func (s *Service) closeExpired(ctx context.Context, tx *models.Transaction) {
	if tx.PaymentStatus != models.StatusAwaitingPayment {
		return
	}
	if err := s.store.SetTransactionStatus(context.WithoutCancel(ctx), tx.Id, models.StatusExpiredPaymentWindow); err != nil {
		zap.L().Error("Failed to mark transaction expired", zap.String("transaction_id", tx.Id), zap.Error(err))
		return
	}
	tx.PaymentStatus = models.StatusExpiredPaymentWindow
}

// ExpireOverdue marks every monitoring payment past its window as expired, and
// closes transactions still awaiting a payment that has already expired.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := s.store.ListExpiredMonitoring(ctx, s.now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, p := range overdue {
		if s.expireLocked(ctx, p.TransactionId) {
			expired++
		}
	}

	awaiting, err := s.store.ListTransactionsByStatus(ctx, []models.PaymentStatus{models.StatusAwaitingPayment}, time.Time{})
	if err != nil {
		return expired, err
	}
	for _, tx := range awaiting {
		if s.expireLocked(ctx, tx.Id) {
			expired++
		}
	}

	if expired > 0 {
		zap.L().Info("Expired overdue payments", zap.Int("count", expired))
	}
	return expired, nil
}

// expireLocked expires one transaction under its lock and reports whether it is now
// marked expired_payment_window by this call.
func (s *Service) expireLocked(ctx context.Context, transactionId string) bool {
	var done bool
	err := s.withTransactionLock(ctx, transactionId, func() error {
		tx, err := s.store.GetTransaction(ctx, transactionId)
		if err != nil || tx.PaymentStatus != models.StatusAwaitingPayment {
			return err
		}
		payment, err := s.store.GetPendingPaymentByTransaction(ctx, transactionId)
		if err != nil || payment == nil {
			return err
		}
		switch {
		case payment.Status == models.PendingMonitoring && s.now().After(payment.ExpiresAt):
			s.expire(ctx, tx, payment)
		case payment.Status == models.PendingExpired:
			s.closeExpired(ctx, tx)
		}
		done = tx.PaymentStatus == models.StatusExpiredPaymentWindow
		return nil
	})
	if err != nil {
		zap.L().Error("Failed to expire payment", zap.String("transaction_id", transactionId), zap.Error(err))
	}
	return done
}

// ObserveMonitoring runs a confirmation check for every payment still being watched.
func (s *Service) ObserveMonitoring(ctx context.Context) (int, error) {
	if s.observer == nil {
		return 0, ErrObserverDisabled
	}
	payments, err := s.store.ListPendingPaymentsByStatus(ctx, models.PendingMonitoring)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, p := range payments {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		ok, token, err := s.CheckConfirmation(ctx, p.TransactionId)
		if err != nil {
			zap.L().Error("Confirmation check failed", zap.String("transaction_id", p.TransactionId), zap.Error(err))
			continue
		}
		if ok {
			applied++
		}
		zap.L().Debug("Confirmation checked",
			zap.String("transaction_id", p.TransactionId),
			zap.String("token", string(token)))
	}
	return applied, nil
}

// SweepConfirmedPayments finalizes every payment left in confirmed_unprocessed.
func (s *Service) SweepConfirmedPayments(ctx context.Context) (int, error) {
	payments, err := s.store.ListPendingPaymentsByStatus(ctx, models.PendingConfirmedUnprocessed)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, p := range payments {
		ok, err := s.FinalizeConfirmed(ctx, FinalizeRequest{
			TransactionId:  p.TransactionId,
			ObservedAmount: p.ReceivedAmount,
			Coin:           p.CoinSymbol,
			ChainReference: p.ChainReference,
		})
		if err != nil && !errors.Is(err, ErrFinalizeFailed) {
			zap.L().Error("Sweep finalize failed", zap.String("transaction_id", p.TransactionId), zap.Error(err))
			continue
		}
		if ok {
			applied++
		}
	}

	if applied > 0 {
		zap.L().Info("Swept confirmed payments", zap.Int("finalized", applied), zap.Int("candidates", len(payments)))
	}
	return applied, nil
}

// StaleFinalizing lists transactions stuck in finalizing for longer than age. They
// need a person: the effect may or may not have run.
func (s *Service) StaleFinalizing(ctx context.Context, age time.Duration) ([]models.Transaction, error) {
	if age <= 0 {
		return nil, fmt.Errorf("age must be positive, got %v", age)
	}
	return s.store.ListTransactionsByStatus(ctx, []models.PaymentStatus{models.StatusFinalizing}, s.now().Add(-age))
}

// SupportQueue lists transactions in a flagged post-confirmation status.
func (s *Service) SupportQueue(ctx context.Context) ([]models.Transaction, error) {
	var flagged []models.PaymentStatus
	for _, status := range models.AllPaymentStatuses {
		if status.RequiresSupport() {
			flagged = append(flagged, status)
		}
	}
	txs, err := s.store.ListTransactionsByStatus(ctx, flagged, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to list support queue: %w", err)
	}
	return txs, nil
}
