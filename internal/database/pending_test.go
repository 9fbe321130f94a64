package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crypto-checkout-go/internal/models"
	"crypto-checkout-go/internal/store"

	"github.com/shopspring/decimal"
)

func pendingParams(transactionId, address string, expiresAt time.Time) store.CreatePendingPaymentParams {
	return store.CreatePendingPaymentParams{
		TransactionId:        transactionId,
		UserId:               "user1",
		Address:              address,
		CoinSymbol:           "BTC",
		Network:              "bitcoin",
		DerivationIndex:      0,
		ExpectedCryptoAmount: 42000,
		PaidFromBalanceEur:   decimal.Zero,
		ExpiresAt:            expiresAt,
	}
}

func TestCreatePendingPayment_Idempotent(t *testing.T) {
	service := setupTestDB(t)
	ctx := context.Background()
	tx := createTopUp(t, service, "user1")
	expires := time.Now().Add(time.Hour)

	first, created, err := service.CreatePendingPayment(ctx, pendingParams(tx.Id, "addr-1", expires))
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	if first.Status != models.PendingMonitoring {
		t.Errorf("Expected monitoring, got %s", first.Status)
	}

	second, created, err := service.CreatePendingPayment(ctx, pendingParams(tx.Id, "addr-2", expires))
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if created {
		t.Error("second create must report created=false")
	}
	if second.PaymentId != first.PaymentId || second.Address != "addr-1" {
		t.Errorf("second create must return the original row, got %+v", second)
	}
}

func TestCreatePendingPayment_ConcurrentCallsYieldOneRow(t *testing.T) {
	service := setupTestDB(t)
	ctx := context.Background()
	tx := createTopUp(t, service, "user1")
	expires := time.Now().Add(time.Hour)

	const workers = 5
	var wg sync.WaitGroup
	ids := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payment, _, err := service.CreatePendingPayment(ctx, pendingParams(tx.Id, "addr-"+string(rune('a'+i)), expires))
			if err != nil {
				t.Errorf("create %d failed: %v", i, err)
				return
			}
			ids[i] = payment.PaymentId
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("Expected all callers to see one payment, got %v", ids)
		}
	}
}

func TestCreatePendingPayment_AddressIsUnique(t *testing.T) {
	service := setupTestDB(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	first := createTopUp(t, service, "user1")
	second := createTopUp(t, service, "user1")
	if _, _, err := service.CreatePendingPayment(ctx, pendingParams(first.Id, "same-addr", expires)); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, _, err := service.CreatePendingPayment(ctx, pendingParams(second.Id, "same-addr", expires)); err == nil {
		t.Error("Expected reusing an address to fail")
	}
}

func TestGetPendingPaymentByTransaction_Absent(t *testing.T) {
	service := setupTestDB(t)
	payment, err := service.GetPendingPaymentByTransaction(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment != nil {
		t.Errorf("Expected nil payment, got %+v", payment)
	}
}

func TestCompareAndSetPendingStatus(t *testing.T) {
	service := setupTestDB(t)
	ctx := context.Background()
	tx := createTopUp(t, service, "user1")
	payment, _, err := service.CreatePendingPayment(ctx, pendingParams(tx.Id, "addr-1", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	ok, err := service.CompareAndSetPendingStatus(ctx, payment.PaymentId, models.PendingMonitoring, models.PendingExpired)
	if err != nil || !ok {
		t.Fatalf("expected swap to succeed: ok=%v err=%v", ok, err)
	}
	ok, err = service.CompareAndSetPendingStatus(ctx, payment.PaymentId, models.PendingMonitoring, models.PendingConfirmedUnprocessed)
	if err != nil || ok {
		t.Errorf("stale swap must lose: ok=%v err=%v", ok, err)
	}
	_, err = service.CompareAndSetPendingStatus(ctx, payment.PaymentId, models.PendingExpired, models.PendingMonitoring)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestUpdatePendingObservation(t *testing.T) {
	service := setupTestDB(t)
	ctx := context.Background()
	tx := createTopUp(t, service, "user1")
	payment, _, _ := service.CreatePendingPayment(ctx, pendingParams(tx.Id, "addr-1", time.Now().Add(time.Hour)))

	if err := service.UpdatePendingObservation(ctx, payment.PaymentId, 2, 42000, "chain-tx"); err != nil {
		t.Fatalf("UpdatePendingObservation failed: %v", err)
	}
	reloaded, _ := service.GetPendingPaymentByTransaction(ctx, tx.Id)
	if reloaded.Confirmations != 2 || reloaded.ReceivedAmount != 42000 || reloaded.ChainReference != "chain-tx" {
		t.Errorf("observation not stored: %+v", reloaded)
	}
	if reloaded.Status != models.PendingMonitoring {
		t.Errorf("observation must not change status, got %s", reloaded.Status)
	}
}

func TestListExpiredMonitoring(t *testing.T) {
	service := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	stale := createTopUp(t, service, "user1")
	fresh := createTopUp(t, service, "user1")
	if _, _, err := service.CreatePendingPayment(ctx, pendingParams(stale.Id, "addr-stale", now.Add(-time.Minute))); err != nil {
		t.Fatalf("create stale failed: %v", err)
	}
	if _, _, err := service.CreatePendingPayment(ctx, pendingParams(fresh.Id, "addr-fresh", now.Add(time.Hour))); err != nil {
		t.Fatalf("create fresh failed: %v", err)
	}

	expired, err := service.ListExpiredMonitoring(ctx, now)
	if err != nil {
		t.Fatalf("ListExpiredMonitoring failed: %v", err)
	}
	if len(expired) != 1 || expired[0].TransactionId != stale.Id {
		t.Errorf("Expected only the stale payment, got %+v", expired)
	}
}
