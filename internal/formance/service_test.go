package formance

import (
	"strings"
	"testing"
	"time"

	"crypto-checkout-go/internal/models"

	"github.com/shopspring/decimal"
)

// ---------- Unit tests for pure helpers (no Formance stack needed) ----------

func TestFormanceAsset(t *testing.T) {
	tests := []struct {
		symbol string
		want   string
	}{
		{"EUR", "EUR/2"},
		{"USD", "USD/2"},
		{"UNKNOWN", "UNKNOWN/2"}, // default precision
	}
	for _, tt := range tests {
		if got := formanceAsset(tt.symbol); got != tt.want {
			t.Errorf("formanceAsset(%q) = %q, want %q", tt.symbol, got, tt.want)
		}
	}
}

func TestBigIntToDecimal(t *testing.T) {
	d := decimal.NewFromInt(2150)
	result := bigIntToDecimal(d.BigInt(), "EUR")
	if !result.Equal(decimal.RequireFromString("21.50")) {
		t.Errorf("expected 21.50, got %s", result.String())
	}

	result = bigIntToDecimal(nil, "EUR")
	if !result.IsZero() {
		t.Errorf("expected 0, got %s", result.String())
	}
}

func TestMovementScript(t *testing.T) {
	s := &Service{ledger: "test", currency: "EUR"}

	credit := models.BalanceMovement{
		Id:            "m1",
		UserId:        "alice",
		TransactionId: "tx1",
		Kind:          models.MovementTopUpCredit,
		Amount:        decimal.RequireFromString("20.00"),
		CreatedAt:     time.Now(),
	}
	plain, vars, err := s.movementScript(credit)
	if err != nil {
		t.Fatalf("movementScript failed: %v", err)
	}
	if !strings.Contains(plain, "@checkout:crypto:receipts") {
		t.Error("credit should draw from the receipts account")
	}
	if vars["asset"] != "EUR/2" || vars["amount"] != "2000" || vars["amount_human"] != "20.00" || vars["user_id"] != "alice" {
		t.Errorf("unexpected vars %v", vars)
	}

	debit := credit
	debit.Kind = models.MovementPurchaseDebit
	debit.Amount = decimal.RequireFromString("-5.00")
	plain, vars, err = s.movementScript(debit)
	if err != nil {
		t.Fatalf("movementScript failed: %v", err)
	}
	if !strings.Contains(plain, "@checkout:sales") {
		t.Error("debit should pay the sales account")
	}
	if vars["amount"] != "500" {
		t.Errorf("Expected unsigned 500, got %s", vars["amount"])
	}

	if got := movementReference(debit); got != "tx1-purchase_debit" {
		t.Errorf("unexpected reference %q", got)
	}
}

func TestMovementScript_Rejects(t *testing.T) {
	s := &Service{ledger: "test", currency: "EUR"}

	if _, _, err := s.movementScript(models.BalanceMovement{Kind: "refund", Amount: decimal.NewFromInt(1)}); err == nil {
		t.Error("Expected error for unknown kind")
	}
	if _, _, err := s.movementScript(models.BalanceMovement{Kind: models.MovementTopUpCredit}); err == nil {
		t.Error("Expected error for zero amount")
	}
}
