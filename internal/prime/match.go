package prime

import (
	"fmt"
	"strings"

	"crypto-checkout-go/internal/models"

	"github.com/shopspring/decimal"
)

// matchTransfers folds every transfer sent to address into one observation.
// The observation is confirmed only when each matching transfer is.
func matchTransfers(transfers []models.ChainTransfer, address string, coin models.Coin) (*models.Observation, error) {
	obs := &models.Observation{Coin: coin.LedgerSymbol}
	if address == "" {
		return obs, nil
	}

	total := decimal.Zero
	confirmed := true
	confirmations := -1
	for _, t := range transfers {
		if !strings.EqualFold(t.ToAddress, address) && !strings.EqualFold(t.ToAccountId, address) {
			continue
		}
		if t.Status != statusImported && t.Status != statusImportPending {
			continue
		}
		amount, err := decimal.NewFromString(t.Amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q on transfer %s: %w", t.Amount, t.Id, err)
		}
		if !amount.IsPositive() {
			continue
		}

		obs.Found = true
		total = total.Add(amount)
		confirmed = confirmed && t.Confirmed
		if confirmations < 0 || t.Confirmations < confirmations {
			confirmations = t.Confirmations
		}
		if obs.ChainReference == "" {
			obs.ChainReference = t.ChainTxId
			if obs.ChainReference == "" {
				obs.ChainReference = t.Id
			}
		}
	}

	if !obs.Found {
		return obs, nil
	}
	obs.Confirmed = confirmed
	obs.Confirmations = confirmations
	obs.ReceivedAmount = total.Shift(coin.Precision).IntPart()
	return obs, nil
}
