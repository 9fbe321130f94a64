package checkout

import (
	"context"
	"fmt"

	"crypto-checkout-go/internal/models"
	"crypto-checkout-go/internal/quantize"
	"crypto-checkout-go/internal/store"

	"go.uber.org/zap"
)

// SelectExternalMethod allocates an address and quotes the crypto amount for a
// transaction. Calling it again returns the invoice already issued.
func (s *Service) SelectExternalMethod(ctx context.Context, transactionId, coinSymbol string) (*models.Invoice, error) {
	coin, err := s.Coin(coinSymbol)
	if err != nil {
		return nil, err
	}

	var invoice *models.Invoice
	err = s.withTransactionLock(ctx, transactionId, func() error {
		var err error
		invoice, err = s.selectMethodLocked(ctx, transactionId, coin)
		return err
	})
	return invoice, err
}

func (s *Service) selectMethodLocked(ctx context.Context, transactionId string, coin models.Coin) (*models.Invoice, error) {
	tx, err := s.store.GetTransaction(ctx, transactionId)
	if err != nil {
		return nil, err
	}
	if tx.Type == models.TypePurchaseBalance {
		return nil, fmt.Errorf("%w: %s is paid from balance", ErrInvalidIntent, transactionId)
	}

	existing, err := s.store.GetPendingPaymentByTransaction(ctx, transactionId)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status != models.PendingMonitoring || tx.PaymentStatus != models.StatusAwaitingPayment {
			return nil, fmt.Errorf("%w: %s is %s", ErrPaymentClosed, transactionId, tx.PaymentStatus)
		}
		if !s.coinMatches(existing.CoinSymbol, coin.Symbol) {
			zap.L().Warn("Method already selected with a different coin, returning existing invoice",
				zap.String("transaction_id", transactionId),
				zap.String("existing_coin", existing.CoinSymbol),
				zap.String("requested_coin", coin.Symbol))
		}
		return invoiceFor(tx, existing, true), nil
	}

	switch tx.PaymentStatus {
	case models.StatusPendingAddressGeneration:
	case models.StatusAwaitingPayment:
		// Parameters were recorded but the pending payment never was.
		return nil, s.fail(ctx, tx, models.StatusErrorCreatingPending,
			fmt.Errorf("%w: %s has payment parameters but no pending payment", ErrPaymentClosed, transactionId))
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrPaymentClosed, transactionId, tx.PaymentStatus)
	}

	due := tx.ExternalDue()
	if !due.IsPositive() {
		return nil, fmt.Errorf("%w: nothing due externally for %s", ErrInvalidIntent, transactionId)
	}

	index, address, err := s.allocateAddress(ctx, coin)
	if err != nil {
		return nil, s.fail(ctx, tx, models.StatusErrorAddressGeneration, err)
	}

	callCtx, cancel := s.callContext(ctx)
	rate, err := s.rates.GetRate(callCtx, coin.Symbol, s.cfg.FiatCurrency)
	cancel()
	if err != nil {
		return nil, s.fail(ctx, tx, models.StatusErrorExchangeRate, fmt.Errorf("failed to get %s rate: %w", coin.Symbol, err))
	}

	amount, err := quantize.Quantize(due, rate, coin.Precision)
	if err != nil {
		return nil, s.fail(ctx, tx, models.StatusErrorExchangeRate, fmt.Errorf("failed to quantize %s at %s: %w", due, rate, err))
	}
	human := quantize.FormatHuman(amount, coin.Precision)

	if err := s.store.RecordPaymentParameters(ctx, tx.Id, human, coin.LedgerSymbol); err != nil {
		return nil, s.fail(ctx, tx, models.StatusErrorCreatingPending, err)
	}

	payment, created, err := s.store.CreatePendingPayment(ctx, store.CreatePendingPaymentParams{
		TransactionId:        tx.Id,
		UserId:               tx.UserId,
		Address:              address,
		CoinSymbol:           coin.LedgerSymbol,
		Network:              coin.Network,
		DerivationIndex:      index,
		ExpectedCryptoAmount: amount.SmallestUnit,
		PaidFromBalanceEur:   tx.PaidFromBalance,
		ExpiresAt:            s.now().Add(s.cfg.PaymentWindow),
	})
	if err != nil {
		return nil, s.fail(ctx, tx, models.StatusErrorCreatingPending, err)
	}

	tx.CryptoAmount = human
	tx.Currency = coin.LedgerSymbol

	zap.L().Info("External payment method selected",
		zap.String("transaction_id", tx.Id),
		zap.String("coin", coin.LedgerSymbol),
		zap.String("address", address),
		zap.Int64("derivation_index", index),
		zap.String("rate", rate.String()),
		zap.String("crypto_amount", human),
		zap.Int64("smallest_unit", amount.SmallestUnit))

	return invoiceFor(tx, payment, !created), nil
}

func (s *Service) allocateAddress(ctx context.Context, coin models.Coin) (int64, string, error) {
	index, err := s.counter.NextIndex(ctx, coin.DerivationCoin)
	if err != nil {
		return 0, "", fmt.Errorf("failed to claim %s derivation index: %w", coin.DerivationCoin, err)
	}

	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	address, err := s.deriver.DeriveAddress(callCtx, coin.DerivationCoin, coin.Network, index)
	if err != nil {
		return 0, "", fmt.Errorf("failed to derive %s address at index %d: %w", coin.DerivationCoin, index, err)
	}
	if address == "" {
		return 0, "", fmt.Errorf("deriver returned an empty %s address at index %d", coin.DerivationCoin, index)
	}
	return index, address, nil
}

func invoiceFor(tx *models.Transaction, payment *models.PendingPayment, reused bool) *models.Invoice {
	return &models.Invoice{
		TransactionId:   tx.Id,
		PaymentId:       payment.PaymentId,
		Address:         payment.Address,
		Coin:            payment.CoinSymbol,
		Network:         payment.Network,
		CryptoAmount:    tx.CryptoAmount,
		SmallestUnit:    payment.ExpectedCryptoAmount,
		EurDue:          tx.ExternalDue(),
		PaidFromBalance: payment.PaidFromBalanceEur,
		ExpiresAt:       payment.ExpiresAt,
		Reused:          reused,
	}
}

// Cancel stops an open payment at the user's request. Cancelling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, transactionId string) error {
	return s.withTransactionLock(ctx, transactionId, func() error {
		return s.cancelLocked(ctx, transactionId)
	})
}

func (s *Service) cancelLocked(ctx context.Context, transactionId string) error {
	tx, err := s.store.GetTransaction(ctx, transactionId)
	if err != nil {
		return err
	}

	switch {
	case tx.PaymentStatus == models.StatusCancelledByUser:
		return nil
	case tx.PaymentStatus == models.StatusFinalizing:
		return fmt.Errorf("%w: %s", ErrPaymentConfirmed, transactionId)
	case tx.PaymentStatus.IsTerminal():
		return fmt.Errorf("%w: %s is %s", ErrPaymentClosed, transactionId, tx.PaymentStatus)
	}

	payment, err := s.store.GetPendingPaymentByTransaction(ctx, transactionId)
	if err != nil {
		return err
	}
	if payment != nil {
		switch payment.Status {
		case models.PendingMonitoring:
			if s.now().After(payment.ExpiresAt) {
				s.expire(ctx, tx, payment)
				return fmt.Errorf("%w: %s expired", ErrPaymentClosed, transactionId)
			}
			swapped, err := s.store.CompareAndSetPendingStatus(ctx, payment.PaymentId, models.PendingMonitoring, models.PendingUserCancelled)
			if err != nil {
				return err
			}
			if !swapped {
				return fmt.Errorf("pending payment %s changed while cancelling - %w", payment.PaymentId, store.ErrConcurrentModification)
			}
		case models.PendingConfirmedUnprocessed, models.PendingProcessed:
			return fmt.Errorf("%w: %s", ErrPaymentConfirmed, transactionId)
		default:
			return fmt.Errorf("%w: pending payment is %s", ErrPaymentClosed, payment.Status)
		}
	}

	if err := s.store.SetTransactionStatus(ctx, transactionId, models.StatusCancelledByUser); err != nil {
		return err
	}
	zap.L().Info("Payment cancelled by user",
		zap.String("transaction_id", transactionId),
		zap.String("user_id", tx.UserId))
	return nil
}

// ChangeMethod abandons the current transaction and opens a fresh one for the same
// request, so a different coin can be chosen.
func (s *Service) ChangeMethod(ctx context.Context, transactionId string) (*models.PaymentIntent, error) {
	var req IntentRequest
	err := s.withTransactionLock(ctx, transactionId, func() error {
		tx, err := s.store.GetTransaction(ctx, transactionId)
		if err != nil {
			return err
		}
		if tx.Type == models.TypePurchaseBalance {
			return fmt.Errorf("%w: %s is paid from balance", ErrInvalidIntent, transactionId)
		}
		if err := s.cancelLocked(ctx, transactionId); err != nil {
			return err
		}
		if err := s.store.AppendTransactionNote(ctx, transactionId, "payment method changed"); err != nil {
			zap.L().Warn("Failed to append change-method note", zap.String("transaction_id", transactionId), zap.Error(err))
		}
		req = requestFrom(tx)
		return nil
	})
	if err != nil {
		return nil, err
	}

	intent, err := s.CreatePaymentIntent(ctx, req)
	if intent != nil {
		zap.L().Info("Payment method changed",
			zap.String("transaction_id", transactionId),
			zap.String("new_transaction_id", intent.TransactionId))
	}
	return intent, err
}
