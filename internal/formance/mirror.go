package formance

import (
	"context"
	"fmt"

	"crypto-checkout-go/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

// Crypto received for a top-up enters from the receipts account, which may run negative.
const numscriptTopUpCredit = `vars {
  asset $asset
  number $amount
  account $user_id
  string $transaction_id
  string $movement_id
  string $amount_human
}

send [$asset $amount] (
  source = @checkout:crypto:receipts allowing unbounded overdraft
  destination = @users:$user_id
)

set_tx_meta("event_type", "top_up_credit")
set_tx_meta("transaction_id", $transaction_id)
set_tx_meta("movement_id", $movement_id)
set_tx_meta("amount_human", $amount_human)
`

const numscriptPurchaseDebit = `vars {
  asset $asset
  number $amount
  account $user_id
  string $transaction_id
  string $movement_id
  string $amount_human
}

send [$asset $amount] (
  source = @users:$user_id
  destination = @checkout:sales
)

set_tx_meta("event_type", "purchase_debit")
set_tx_meta("transaction_id", $transaction_id)
set_tx_meta("movement_id", $movement_id)
set_tx_meta("amount_human", $amount_human)
`

// movementScript picks the Numscript and its vars for a movement.
func (s *Service) movementScript(m models.BalanceMovement) (string, map[string]string, error) {
	var plain string
	switch m.Kind {
	case models.MovementTopUpCredit:
		plain = numscriptTopUpCredit
	case models.MovementPurchaseDebit:
		plain = numscriptPurchaseDebit
	default:
		return "", nil, fmt.Errorf("unknown movement kind %q", m.Kind)
	}

	amount := m.Amount.Abs()
	if !amount.IsPositive() {
		return "", nil, fmt.Errorf("movement %s has no amount", m.Id)
	}
	p := int32(precisionFor(s.currency))

	return plain, map[string]string{
		"asset":          formanceAsset(s.currency),
		"amount":         amount.Shift(p).BigInt().String(),
		"user_id":        m.UserId,
		"transaction_id": m.TransactionId,
		"movement_id":    m.Id,
		"amount_human":   amount.StringFixed(p),
	}, nil
}

func movementReference(m models.BalanceMovement) string {
	return m.TransactionId + "-" + string(m.Kind)
}

// MirrorMovement posts one balance movement. A movement already posted is a success.
func (s *Service) MirrorMovement(ctx context.Context, m models.BalanceMovement) error {
	plain, vars, err := s.movementScript(m)
	if err != nil {
		return err
	}
	reference := movementReference(m)
	timestamp := m.CreatedAt

	postTx := shared.V2PostTransaction{
		Reference: &reference,
		Script: &shared.V2PostTransactionScript{
			Plain: plain,
			Vars:  vars,
		},
	}
	if !timestamp.IsZero() {
		postTx.Timestamp = &timestamp
	}

	_, err = s.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger:            s.ledger,
		V2PostTransaction: postTx,
	})
	if err != nil {
		if isConflictError(err) {
			zap.L().Debug("Movement already mirrored", zap.String("reference", reference))
			return nil
		}
		return fmt.Errorf("failed to mirror movement %s: %w", reference, err)
	}

	zap.L().Info("Balance movement mirrored to Formance",
		zap.String("reference", reference),
		zap.String("user_id", m.UserId),
		zap.String("kind", string(m.Kind)),
		zap.String("amount", vars["amount_human"]))
	return nil
}
