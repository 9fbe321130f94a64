package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"crypto-checkout-go/internal/database"
	"crypto-checkout-go/internal/models"
	"crypto-checkout-go/internal/store"

	"github.com/shopspring/decimal"
)

type fakeDeriver struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeDeriver) DeriveAddress(_ context.Context, coin, _ string, index int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("%s-addr-%d", coin, index), nil
}

type fakeRates struct {
	rates map[string]decimal.Decimal
	err   error
}

func (f *fakeRates) GetRate(_ context.Context, base, quote string) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	rate, ok := f.rates[base]
	if !ok || quote != "EUR" {
		return decimal.Zero, fmt.Errorf("no rate for %s/%s", base, quote)
	}
	return rate, nil
}

type fakeObserver struct {
	mu  sync.Mutex
	obs *models.Observation
	err error
}

func (f *fakeObserver) set(obs *models.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = obs
}

func (f *fakeObserver) Observe(context.Context, models.PendingPayment) (*models.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.obs == nil {
		return &models.Observation{}, nil
	}
	obs := *f.obs
	return &obs, nil
}

type fakeInventory struct {
	mu     sync.Mutex
	moves  []string
	err    error
	panic  bool
	onMove func()
}

func (f *fakeInventory) MoveReservedItem(_ context.Context, location, userId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onMove != nil {
		f.onMove()
	}
	if f.panic {
		panic("disk on fire")
	}
	if f.err != nil {
		return f.err
	}
	f.moves = append(f.moves, location+"->"+userId)
	return nil
}

func (f *fakeInventory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.moves)
}

type fakeMirror struct {
	mu        sync.Mutex
	movements []models.BalanceMovement
}

func (f *fakeMirror) MirrorMovement(_ context.Context, movement models.BalanceMovement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.movements = append(f.movements, movement)
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	svc       *Service
	db        *database.Service
	deriver   *fakeDeriver
	rates     *fakeRates
	observer  *fakeObserver
	inventory *fakeInventory
	mirror    *fakeMirror
	clock     *fakeClock
}

var testCoins = []models.Coin{
	{Symbol: "BTC", DerivationCoin: "BTC", LedgerSymbol: "BTC", Network: "Bitcoin", Precision: 8, Confirmations: 1},
	{Symbol: "LTC", DerivationCoin: "LTC", LedgerSymbol: "LTC", Network: "Litecoin", Precision: 8, Confirmations: 3},
	{Symbol: "USDT", DerivationCoin: "TRX", LedgerSymbol: "USDT_TRX", Network: "TRC20 (Tron)", Precision: 6, Confirmations: 19},
}

// flakyStatusStore fails the next writes of the listed statuses.
type flakyStatusStore struct {
	*database.Service
	mu    sync.Mutex
	fails map[models.PaymentStatus]int
}

func (f *flakyStatusStore) SetTransactionStatus(ctx context.Context, transactionId string, status models.PaymentStatus) error {
	f.mu.Lock()
	if f.fails[status] > 0 {
		f.fails[status]--
		f.mu.Unlock()
		return errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.Service.SetTransactionStatus(ctx, transactionId, status)
}

// useStore rebuilds the service over st, keeping every fake of the env.
func (e *testEnv) useStore(t *testing.T, st store.CheckoutStore) {
	t.Helper()
	svc, err := NewService(Dependencies{
		Store:     st,
		Deriver:   e.deriver,
		Rates:     e.rates,
		Observer:  e.observer,
		Inventory: e.inventory,
		Mirror:    e.mirror,
	}, e.svc.cfg)
	if err != nil {
		t.Fatalf("Failed to rebuild service: %v", err)
	}
	e.svc = svc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		PingTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(db.Close)

	env := &testEnv{
		db:      db,
		deriver: &fakeDeriver{},
		rates: &fakeRates{rates: map[string]decimal.Decimal{
			"BTC":  decimal.RequireFromString("50000"),
			"LTC":  decimal.RequireFromString("80"),
			"USDT": decimal.RequireFromString("0.92"),
		}},
		observer:  &fakeObserver{},
		inventory: &fakeInventory{},
		mirror:    &fakeMirror{},
		clock:     &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	env.svc, err = NewService(Dependencies{
		Store:     db,
		Deriver:   env.deriver,
		Rates:     env.rates,
		Observer:  env.observer,
		Inventory: env.inventory,
		Mirror:    env.mirror,
	}, Config{
		Coins:               testCoins,
		TopUpFee:            decimal.RequireFromString("1.00"),
		PurchaseServiceFee:  decimal.Zero,
		MinTopUp:            decimal.RequireFromString("0.01"),
		MaxTopUp:            decimal.RequireFromString("5000"),
		PaymentWindow:       time.Hour,
		ExternalCallTimeout: time.Second,
		Clock:               env.clock.Now,
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return env
}

func (e *testEnv) seedBalance(t *testing.T, userId, amount string) {
	t.Helper()
	_, err := e.db.ApplyBalanceMovement(context.Background(), store.BalanceMovementParams{
		UserId:        userId,
		TransactionId: "seed-" + userId,
		Kind:          models.MovementTopUpCredit,
		Amount:        decimal.RequireFromString(amount),
	})
	if err != nil {
		t.Fatalf("Failed to seed balance: %v", err)
	}
}

func (e *testEnv) balance(t *testing.T, userId string) decimal.Decimal {
	t.Helper()
	user, err := e.db.GetOrCreateUser(context.Background(), userId)
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}
	return user.Balance
}

func (e *testEnv) status(t *testing.T, transactionId string) models.PaymentStatus {
	t.Helper()
	tx, err := e.db.GetTransaction(context.Background(), transactionId)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	return tx.PaymentStatus
}

func (e *testEnv) topUp(t *testing.T, userId, amount string) *models.PaymentIntent {
	t.Helper()
	intent, err := e.svc.CreatePaymentIntent(context.Background(), IntentRequest{
		UserId: userId,
		Type:   models.TypeTopUp,
		Amount: decimal.RequireFromString(amount),
	})
	if err != nil {
		t.Fatalf("CreatePaymentIntent failed: %v", err)
	}
	return intent
}

func item(location string) *models.ItemSnapshot {
	return &models.ItemSnapshot{
		City:     "Riga",
		Area:     "Old Town",
		Type:     "Box",
		Size:     "1g",
		Price:    decimal.RequireFromString("7.50"),
		Location: location,
	}
}

func TestScenarioA_TopUpInvoice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	intent := env.topUp(t, "user1", "20.00")
	if !intent.Total.Equal(decimal.RequireFromString("21.00")) {
		t.Fatalf("Expected total 21.00, got %s", intent.Total)
	}
	if intent.Status != models.StatusPendingAddressGeneration {
		t.Errorf("Expected pending_address_generation, got %s", intent.Status)
	}

	invoice, err := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "btc")
	if err != nil {
		t.Fatalf("SelectExternalMethod failed: %v", err)
	}
	if invoice.CryptoAmount != "0.00042000" {
		t.Errorf("Expected 0.00042000, got %s", invoice.CryptoAmount)
	}
	if invoice.SmallestUnit != 42000 {
		t.Errorf("Expected 42000, got %d", invoice.SmallestUnit)
	}
	if !invoice.ExpiresAt.Equal(env.clock.Now().Add(time.Hour)) {
		t.Errorf("Expected expiry one hour out, got %v", invoice.ExpiresAt)
	}
	if env.status(t, intent.TransactionId) != models.StatusAwaitingPayment {
		t.Errorf("Expected awaiting_payment after method selection")
	}
}

func TestSelectExternalMethod_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.topUp(t, "user1", "20.00")

	first, err := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "BTC")
	if err != nil {
		t.Fatalf("first select failed: %v", err)
	}
	env.rates.rates["BTC"] = decimal.RequireFromString("40000")
	second, err := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "BTC")
	if err != nil {
		t.Fatalf("second select failed: %v", err)
	}

	if first.Address != second.Address || first.SmallestUnit != second.SmallestUnit || first.CryptoAmount != second.CryptoAmount {
		t.Errorf("Expected identical invoices, got %+v and %+v", first, second)
	}
	if !second.Reused {
		t.Error("Expected second invoice to be marked reused")
	}
	if env.deriver.calls != 1 {
		t.Errorf("Expected one derivation, got %d", env.deriver.calls)
	}
}

func TestSelectExternalMethod_ConcurrentCallsShareOneAddress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.topUp(t, "user1", "20.00")

	const callers = 6
	addresses := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			invoice, err := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "LTC")
			if err != nil {
				t.Errorf("select %d failed: %v", i, err)
				return
			}
			addresses[i] = invoice.Address
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if addresses[i] != addresses[0] {
			t.Fatalf("Expected one address, got %v", addresses)
		}
	}
	if env.deriver.calls != 1 {
		t.Errorf("Expected one derivation, got %d", env.deriver.calls)
	}
}

func TestSelectExternalMethod_UniqueAddressesPerDerivationCoin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		intent := env.topUp(t, "user1", "10.00")
		invoice, err := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "USDT")
		if err != nil {
			t.Fatalf("select failed: %v", err)
		}
		if seen[invoice.Address] {
			t.Fatalf("address %s allocated twice", invoice.Address)
		}
		seen[invoice.Address] = true
		if invoice.Coin != "USDT_TRX" || invoice.Network != "TRC20 (Tron)" {
			t.Errorf("Expected USDT_TRX on TRC20 (Tron), got %s on %s", invoice.Coin, invoice.Network)
		}
	}

	if !seen["TRX-addr-0"] || !seen["TRX-addr-2"] {
		t.Errorf("Expected USDT to draw from the TRX counter, got %v", seen)
	}
}

func TestSelectExternalMethod_RateFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.topUp(t, "user1", "20.00")
	env.rates.err = errors.New("rate source down")

	if _, err := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "BTC"); err == nil {
		t.Fatal("Expected select to fail")
	}
	if got := env.status(t, intent.TransactionId); got != models.StatusErrorExchangeRate {
		t.Errorf("Expected error_exchange_rate, got %s", got)
	}
	payment, _ := env.db.GetPendingPaymentByTransaction(ctx, intent.TransactionId)
	if payment != nil {
		t.Error("a failed rate lookup must not leave a pending payment")
	}

	env.rates.err = nil
	retried, err := env.svc.RetryIntent(ctx, intent.TransactionId)
	if err != nil {
		t.Fatalf("RetryIntent failed: %v", err)
	}
	if retried.TransactionId == intent.TransactionId || !retried.Total.Equal(intent.Total) {
		t.Errorf("Expected a fresh transaction for the same total, got %+v", retried)
	}
	if _, err := env.svc.SelectExternalMethod(ctx, retried.TransactionId, "BTC"); err != nil {
		t.Errorf("select on retried intent failed: %v", err)
	}
}

func TestSelectExternalMethod_AddressFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.topUp(t, "user1", "20.00")
	env.deriver.err = errors.New("hsm unavailable")

	if _, err := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "BTC"); err == nil {
		t.Fatal("Expected select to fail")
	}
	if got := env.status(t, intent.TransactionId); got != models.StatusErrorAddressGeneration {
		t.Errorf("Expected error_address_generation, got %s", got)
	}
	if _, err := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "BTC"); !errors.Is(err, ErrPaymentClosed) {
		t.Errorf("Expected ErrPaymentClosed on a failed transaction, got %v", err)
	}
}

func TestSelectExternalMethod_UnknownCoin(t *testing.T) {
	env := newTestEnv(t)
	intent := env.topUp(t, "user1", "20.00")
	if _, err := env.svc.SelectExternalMethod(context.Background(), intent.TransactionId, "DOGE"); !errors.Is(err, ErrUnknownCoin) {
		t.Errorf("Expected ErrUnknownCoin, got %v", err)
	}
}

func TestCreatePaymentIntent_TopUpBounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, amount := range []string{"0", "-5", "5000.01"} {
		_, err := env.svc.CreatePaymentIntent(ctx, IntentRequest{UserId: "user1", Type: models.TypeTopUp, Amount: decimal.RequireFromString(amount)})
		if !errors.Is(err, ErrAmountOutOfRange) {
			t.Errorf("amount %s: expected ErrAmountOutOfRange, got %v", amount, err)
		}
	}

	intent := env.topUp(t, "user1", "5000.00")
	if !intent.Total.Equal(decimal.RequireFromString("5001.00")) {
		t.Errorf("Expected total 5001.00, got %s", intent.Total)
	}
}

func TestScenarioB_HybridSplit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedBalance(t, "user1", "5.00")

	intent, err := env.svc.CreatePaymentIntent(ctx, IntentRequest{UserId: "user1", Type: models.TypePurchaseCrypto, Item: item("reserved/box-1")})
	if err != nil {
		t.Fatalf("CreatePaymentIntent failed: %v", err)
	}
	if !intent.PaidFromBalance.Equal(decimal.RequireFromString("5.00")) {
		t.Errorf("Expected 5.00 from balance, got %s", intent.PaidFromBalance)
	}
	if !intent.ExternalDue.Equal(decimal.RequireFromString("2.50")) {
		t.Errorf("Expected 2.50 external, got %s", intent.ExternalDue)
	}
	if intent.Type != models.TypePurchaseCrypto {
		t.Errorf("Expected purchase_crypto, got %s", intent.Type)
	}

	invoice, err := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "USDT")
	if err != nil {
		t.Fatalf("SelectExternalMethod failed: %v", err)
	}
	if !invoice.EurDue.Equal(decimal.RequireFromString("2.50")) {
		t.Errorf("Expected invoice for 2.50, got %s", invoice.EurDue)
	}

	applied, err := env.svc.FinalizeConfirmed(ctx, FinalizeRequest{
		TransactionId:  intent.TransactionId,
		ObservedAmount: invoice.SmallestUnit,
		Coin:           "USDT",
		ChainReference: "tron-tx",
	})
	if err != nil || !applied {
		t.Fatalf("FinalizeConfirmed: applied=%v err=%v", applied, err)
	}
	if !env.balance(t, "user1").IsZero() {
		t.Errorf("Expected balance 0 after hybrid purchase, got %s", env.balance(t, "user1"))
	}
	if env.inventory.count() != 1 {
		t.Errorf("Expected one inventory move, got %d", env.inventory.count())
	}
}

func TestFinalizeConfirmed_TopUpCreditsAmountWithoutFee(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.topUp(t, "user1", "20.00")
	invoice, err := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "BTC")
	if err != nil {
		t.Fatalf("SelectExternalMethod failed: %v", err)
	}

	req := FinalizeRequest{TransactionId: intent.TransactionId, ObservedAmount: invoice.SmallestUnit, Coin: "BTC", ChainReference: "btc-tx"}
	applied, err := env.svc.FinalizeConfirmed(ctx, req)
	if err != nil || !applied {
		t.Fatalf("first finalize: applied=%v err=%v", applied, err)
	}
	applied, err = env.svc.FinalizeConfirmed(ctx, req)
	if err != nil || applied {
		t.Fatalf("second finalize must be a no-op: applied=%v err=%v", applied, err)
	}

	if got := env.balance(t, "user1"); !got.Equal(decimal.RequireFromString("20.00")) {
		t.Errorf("Expected balance 20.00, got %s", got)
	}
	if got := env.status(t, intent.TransactionId); got != models.StatusCompleted {
		t.Errorf("Expected completed, got %s", got)
	}
	payment, _ := env.db.GetPendingPaymentByTransaction(ctx, intent.TransactionId)
	if payment.Status != models.PendingProcessed || payment.ChainReference != "btc-tx" {
		t.Errorf("Expected processed pending payment with chain reference, got %+v", payment)
	}
	user, _ := env.db.GetUser(ctx, "user1")
	if user.TransactionCount != 1 {
		t.Errorf("Expected transaction count 1, got %d", user.TransactionCount)
	}
	if len(env.mirror.movements) != 1 {
		t.Errorf("Expected one mirrored movement, got %d", len(env.mirror.movements))
	}
}

func TestFinalizeConfirmed_RejectsUnderpaymentAndWrongCoin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.topUp(t, "user1", "20.00")
	invoice, _ := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "BTC")

	_, err := env.svc.FinalizeConfirmed(ctx, FinalizeRequest{TransactionId: intent.TransactionId, ObservedAmount: invoice.SmallestUnit - 1, Coin: "BTC"})
	if !errors.Is(err, ErrUnderpaid) {
		t.Errorf("Expected ErrUnderpaid, got %v", err)
	}
	_, err = env.svc.FinalizeConfirmed(ctx, FinalizeRequest{TransactionId: intent.TransactionId, ObservedAmount: invoice.SmallestUnit, Coin: "LTC"})
	if !errors.Is(err, ErrCoinMismatch) {
		t.Errorf("Expected ErrCoinMismatch, got %v", err)
	}
	if got := env.status(t, intent.TransactionId); got != models.StatusAwaitingPayment {
		t.Errorf("Expected awaiting_payment, got %s", got)
	}
	if !env.balance(t, "user1").IsZero() {
		t.Error("rejected finalize must not touch the balance")
	}
}

func TestScenarioC_ExpiredNeverFinalizes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.topUp(t, "user1", "20.00")
	invoice, err := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "BTC")
	if err != nil {
		t.Fatalf("SelectExternalMethod failed: %v", err)
	}

	env.clock.Advance(time.Hour + time.Second)
	env.observer.set(&models.Observation{Found: true, Confirmed: true, Confirmations: 6, ReceivedAmount: invoice.SmallestUnit, Coin: "BTC", ChainReference: "late"})

	applied, token, err := env.svc.CheckConfirmation(ctx, intent.TransactionId)
	if err != nil || applied || token != models.CheckExpired {
		t.Fatalf("Expected expired without effect, got applied=%v token=%s err=%v", applied, token, err)
	}

	applied, token, err = env.svc.CheckConfirmation(ctx, intent.TransactionId)
	if err != nil || applied || token != models.CheckExpired {
		t.Errorf("Expected expired on repeat check, got applied=%v token=%s err=%v", applied, token, err)
	}
	applied, err = env.svc.FinalizeConfirmed(ctx, FinalizeRequest{TransactionId: intent.TransactionId, ObservedAmount: invoice.SmallestUnit, Coin: "BTC"})
	if err != nil || applied {
		t.Errorf("Expected finalize on expired payment to do nothing, got applied=%v err=%v", applied, err)
	}

	if got := env.status(t, intent.TransactionId); got != models.StatusExpiredPaymentWindow {
		t.Errorf("Expected expired_payment_window, got %s", got)
	}
	if !env.balance(t, "user1").IsZero() {
		t.Errorf("Expected no credit, got %s", env.balance(t, "user1"))
	}
}

func TestScenarioD_ConcurrentChecksFinalizeOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedBalance(t, "user1", "5.00")

	intent, err := env.svc.CreatePaymentIntent(ctx, IntentRequest{UserId: "user1", Type: models.TypePurchaseCrypto, Item: item("reserved/box-7")})
	if err != nil {
		t.Fatalf("CreatePaymentIntent failed: %v", err)
	}
	invoice, err := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "LTC")
	if err != nil {
		t.Fatalf("SelectExternalMethod failed: %v", err)
	}
	env.observer.set(&models.Observation{Found: true, Confirmed: true, Confirmations: 3, ReceivedAmount: invoice.SmallestUnit, Coin: "LTC", ChainReference: "ltc-tx"})

	const callers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	completions := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var applied bool
			var err error
			if i%2 == 0 {
				applied, _, err = env.svc.CheckConfirmation(ctx, intent.TransactionId)
			} else {
				applied, err = env.svc.FinalizeConfirmed(ctx, FinalizeRequest{TransactionId: intent.TransactionId, ObservedAmount: invoice.SmallestUnit, Coin: "LTC"})
			}
			if err != nil {
				t.Errorf("caller %d failed: %v", i, err)
				return
			}
			if applied {
				mu.Lock()
				completions++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if completions != 1 {
		t.Errorf("Expected exactly one completion, got %d", completions)
	}
	if env.inventory.count() != 1 {
		t.Errorf("Expected exactly one inventory move, got %d", env.inventory.count())
	}
	if got := env.status(t, intent.TransactionId); got != models.StatusCompleted {
		t.Errorf("Expected completed, got %s", got)
	}
	movements, _ := env.db.ListUserMovements(ctx, "user1")
	if len(movements) != 2 {
		t.Errorf("Expected seed credit plus one debit, got %d movements", len(movements))
	}
	if env.svc.locks.size() != 0 {
		t.Errorf("Expected all transaction locks released, %d remain", env.svc.locks.size())
	}
}

func TestCheckConfirmation_Tokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, token, err := env.svc.CheckConfirmation(ctx, "unknown")
	if err != nil || token != models.CheckNotFound {
		t.Errorf("Expected not_found, got %s (%v)", token, err)
	}

	intent := env.topUp(t, "user1", "20.00")
	invoice, _ := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "BTC")

	_, token, _ = env.svc.CheckConfirmation(ctx, intent.TransactionId)
	if token != models.CheckMonitoring {
		t.Errorf("Expected monitoring, got %s", token)
	}

	env.observer.set(&models.Observation{Found: true, Confirmations: 0, ReceivedAmount: invoice.SmallestUnit, Coin: "BTC", ChainReference: "mempool"})
	_, token, _ = env.svc.CheckConfirmation(ctx, intent.TransactionId)
	if token != models.CheckMonitoringUpdated {
		t.Errorf("Expected monitoring_updated, got %s", token)
	}

	env.observer.set(nil)
	env.observer.err = errors.New("api down")
	_, token, err = env.svc.CheckConfirmation(ctx, intent.TransactionId)
	if err != nil || token != models.CheckErrorApi {
		t.Errorf("Expected error_api, got %s (%v)", token, err)
	}

	env.observer.err = nil
	env.observer.set(&models.Observation{Found: true, Confirmed: true, Confirmations: 2, ReceivedAmount: invoice.SmallestUnit, Coin: "BTC", ChainReference: "mined"})
	applied, token, err := env.svc.CheckConfirmation(ctx, intent.TransactionId)
	if err != nil || !applied || token != models.CheckProcessed {
		t.Errorf("Expected processed, got applied=%v token=%s err=%v", applied, token, err)
	}

	report, err := env.svc.GetStatus(ctx, intent.TransactionId)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if report.Status != models.StatusCompleted || report.Confirmations != 2 || report.PendingStatus != models.PendingProcessed {
		t.Errorf("unexpected status report %+v", report)
	}
}

func TestBalancePurchase(t *testing.T) {
	tests := []struct {
		name        string
		location    string
		moveErr     error
		wantStatus  models.PaymentStatus
		wantMoves   int
		wantBalance string
	}{
		{"fulfilled", "reserved/box-2", nil, models.StatusCompleted, 1, "2.50"},
		{"move fails after debit", "reserved/box-3", errors.New("permission denied"), models.StatusCompletedMoveError, 0, "2.50"},
		{"no inventory location is rejected before the debit", "", nil, models.StatusErrorFinalizingData, 0, "10.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.seedBalance(t, "user1", "10.00")
			env.inventory.err = tt.moveErr

			intent, err := env.svc.CreatePaymentIntent(context.Background(), IntentRequest{UserId: "user1", Type: models.TypePurchaseBalance, Item: item(tt.location)})
			if err != nil && (intent == nil || !errors.Is(err, ErrFinalizeFailed)) {
				t.Fatalf("CreatePaymentIntent failed: %v", err)
			}
			if intent.Type != models.TypePurchaseBalance || intent.Status != tt.wantStatus {
				t.Errorf("Expected %s/%s, got %s/%s", models.TypePurchaseBalance, tt.wantStatus, intent.Type, intent.Status)
			}
			if got := env.balance(t, "user1"); !got.Equal(decimal.RequireFromString(tt.wantBalance)) {
				t.Errorf("Expected balance %s, got %s", tt.wantBalance, got)
			}
			if env.inventory.count() != tt.wantMoves {
				t.Errorf("Expected %d moves, got %d", tt.wantMoves, env.inventory.count())
			}

			report, _ := env.svc.GetStatus(context.Background(), intent.TransactionId)
			if tt.wantStatus != models.StatusCompleted && report.SupportReference != intent.TransactionId {
				t.Errorf("Expected support reference on flagged status, got %+v", report)
			}
		})
	}
}

func TestFinalize_PanicIsContained(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.inventory.panic = true

	intent, err := env.svc.CreatePaymentIntent(ctx, IntentRequest{UserId: "user1", Type: models.TypePurchaseCrypto, Item: item("reserved/box-9")})
	if err != nil {
		t.Fatalf("CreatePaymentIntent failed: %v", err)
	}
	invoice, _ := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "BTC")

	applied, err := env.svc.FinalizeConfirmed(ctx, FinalizeRequest{TransactionId: intent.TransactionId, ObservedAmount: invoice.SmallestUnit, Coin: "BTC"})
	if applied || !errors.Is(err, ErrFinalizeFailed) {
		t.Fatalf("Expected ErrFinalizeFailed, got applied=%v err=%v", applied, err)
	}
	if got := env.status(t, intent.TransactionId); got != models.StatusErrorFinalizingUnknown {
		t.Errorf("Expected error_finalizing_unexpected, got %s", got)
	}
	payment, _ := env.db.GetPendingPaymentByTransaction(ctx, intent.TransactionId)
	if payment.Status != models.PendingErrorFinalizing {
		t.Errorf("Expected pending error_finalizing, got %s", payment.Status)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.topUp(t, "user1", "20.00")
	if _, err := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "BTC"); err != nil {
		t.Fatalf("SelectExternalMethod failed: %v", err)
	}

	if err := env.svc.Cancel(ctx, intent.TransactionId); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := env.svc.Cancel(ctx, intent.TransactionId); err != nil {
		t.Errorf("second Cancel should be a no-op, got %v", err)
	}
	payment, _ := env.db.GetPendingPaymentByTransaction(ctx, intent.TransactionId)
	if payment.Status != models.PendingUserCancelled {
		t.Errorf("Expected user_cancelled, got %s", payment.Status)
	}
	_, token, _ := env.svc.CheckConfirmation(ctx, intent.TransactionId)
	if token != models.CheckCancelled {
		t.Errorf("Expected user_cancelled token, got %s", token)
	}
}

func TestCancel_RefusedAfterConfirmation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.topUp(t, "user1", "20.00")
	invoice, _ := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "BTC")
	if _, err := env.svc.FinalizeConfirmed(ctx, FinalizeRequest{TransactionId: intent.TransactionId, ObservedAmount: invoice.SmallestUnit, Coin: "BTC"}); err != nil {
		t.Fatalf("FinalizeConfirmed failed: %v", err)
	}

	if err := env.svc.Cancel(ctx, intent.TransactionId); !errors.Is(err, ErrPaymentClosed) {
		t.Errorf("Expected ErrPaymentClosed, got %v", err)
	}
}

func TestChangeMethod(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.topUp(t, "user1", "20.00")
	if _, err := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "BTC"); err != nil {
		t.Fatalf("SelectExternalMethod failed: %v", err)
	}

	fresh, err := env.svc.ChangeMethod(ctx, intent.TransactionId)
	if err != nil {
		t.Fatalf("ChangeMethod failed: %v", err)
	}
	if got := env.status(t, intent.TransactionId); got != models.StatusCancelledByUser {
		t.Errorf("Expected old transaction cancelled, got %s", got)
	}
	if !fresh.Total.Equal(intent.Total) || fresh.TransactionId == intent.TransactionId {
		t.Errorf("Expected fresh intent for the same total, got %+v", fresh)
	}
	invoice, err := env.svc.SelectExternalMethod(ctx, fresh.TransactionId, "LTC")
	if err != nil {
		t.Fatalf("select on fresh intent failed: %v", err)
	}
	if invoice.Coin != "LTC" {
		t.Errorf("Expected LTC invoice, got %s", invoice.Coin)
	}
}

func TestSweeps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale := env.topUp(t, "user1", "10.00")
	if _, err := env.svc.SelectExternalMethod(ctx, stale.TransactionId, "BTC"); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	env.clock.Advance(50 * time.Minute)

	confirmed := env.topUp(t, "user1", "20.00")
	invoice, err := env.svc.SelectExternalMethod(ctx, confirmed.TransactionId, "BTC")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	payment, _ := env.db.GetPendingPaymentByTransaction(ctx, confirmed.TransactionId)
	if err := env.db.UpdatePendingObservation(ctx, payment.PaymentId, 1, invoice.SmallestUnit, "btc-tx"); err != nil {
		t.Fatalf("UpdatePendingObservation failed: %v", err)
	}
	if _, err := env.db.CompareAndSetPendingStatus(ctx, payment.PaymentId, models.PendingMonitoring, models.PendingConfirmedUnprocessed); err != nil {
		t.Fatalf("CompareAndSetPendingStatus failed: %v", err)
	}

	env.clock.Advance(15 * time.Minute)

	expired, err := env.svc.ExpireOverdue(ctx)
	if err != nil || expired != 1 {
		t.Fatalf("Expected one expiry, got %d (%v)", expired, err)
	}
	if got := env.status(t, stale.TransactionId); got != models.StatusExpiredPaymentWindow {
		t.Errorf("Expected stale transaction expired, got %s", got)
	}

	finalized, err := env.svc.SweepConfirmedPayments(ctx)
	if err != nil || finalized != 1 {
		t.Fatalf("Expected one finalize, got %d (%v)", finalized, err)
	}
	finalized, _ = env.svc.SweepConfirmedPayments(ctx)
	if finalized != 0 {
		t.Errorf("Expected repeat sweep to do nothing, got %d", finalized)
	}
	if got := env.balance(t, "user1"); !got.Equal(decimal.RequireFromString("20.00")) {
		t.Errorf("Expected balance 20.00, got %s", got)
	}
}

func TestKeyedMutex_ReleasesKeys(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("tx")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("Expected 50 increments, got %d", counter)
	}
	if k.size() != 0 {
		t.Errorf("Expected no keys left, got %d", k.size())
	}
}

func TestFinalizeConfirmed_CommitsWhenCallerCancels(t *testing.T) {
	env := newTestEnv(t)
	env.seedBalance(t, "user1", "5.00")

	intent, err := env.svc.CreatePaymentIntent(context.Background(), IntentRequest{UserId: "user1", Type: models.TypePurchaseCrypto, Item: item("reserved/box-5")})
	if err != nil {
		t.Fatalf("CreatePaymentIntent failed: %v", err)
	}
	invoice, err := env.svc.SelectExternalMethod(context.Background(), intent.TransactionId, "LTC")
	if err != nil {
		t.Fatalf("SelectExternalMethod failed: %v", err)
	}

	// The client goes away while the item is being handed over.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.inventory.onMove = cancel

	applied, err := env.svc.FinalizeConfirmed(ctx, FinalizeRequest{TransactionId: intent.TransactionId, ObservedAmount: invoice.SmallestUnit, Coin: "LTC", ChainReference: "ltc-tx"})
	if err != nil || !applied {
		t.Fatalf("FinalizeConfirmed: applied=%v err=%v", applied, err)
	}

	bg := context.Background()
	if got := env.status(t, intent.TransactionId); got != models.StatusCompleted {
		t.Errorf("Expected completed, got %s", got)
	}
	payment, _ := env.db.GetPendingPaymentByTransaction(bg, intent.TransactionId)
	if payment.Status != models.PendingProcessed {
		t.Errorf("Expected pending processed, got %s", payment.Status)
	}
	if !env.balance(t, "user1").IsZero() || env.inventory.count() != 1 {
		t.Errorf("Expected one debit and one move, got balance %s moves %d", env.balance(t, "user1"), env.inventory.count())
	}
	if len(env.mirror.movements) != 1 {
		t.Errorf("Expected the debit mirrored, got %d movements", len(env.mirror.movements))
	}
}

func TestFinalizeConfirmed_FailedCommitIsNotReportedAsApplied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	flaky := &flakyStatusStore{Service: env.db, fails: map[models.PaymentStatus]int{models.StatusCompleted: 1}}
	env.useStore(t, flaky)

	intent := env.topUp(t, "user1", "20.00")
	invoice, err := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "BTC")
	if err != nil {
		t.Fatalf("SelectExternalMethod failed: %v", err)
	}

	applied, err := env.svc.FinalizeConfirmed(ctx, FinalizeRequest{TransactionId: intent.TransactionId, ObservedAmount: invoice.SmallestUnit, Coin: "BTC"})
	if applied || err == nil || errors.Is(err, ErrFinalizeFailed) {
		t.Fatalf("Expected a commit error, got applied=%v err=%v", applied, err)
	}
	if got := env.status(t, intent.TransactionId); got != models.StatusFinalizing {
		t.Errorf("Expected finalizing, got %s", got)
	}

	stuck, err := env.db.ListTransactionsByStatus(ctx, []models.PaymentStatus{models.StatusFinalizing}, time.Time{})
	if err != nil {
		t.Fatalf("ListTransactionsByStatus failed: %v", err)
	}
	if len(stuck) != 1 || stuck[0].Id != intent.TransactionId {
		t.Errorf("Expected the transaction left for manual review, got %v", stuck)
	}
}

func TestExpiry_RepairsTransactionAfterFailedWrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	flaky := &flakyStatusStore{Service: env.db, fails: map[models.PaymentStatus]int{models.StatusExpiredPaymentWindow: 4}}
	env.useStore(t, flaky)

	swept := env.topUp(t, "user1", "10.00")
	checked := env.topUp(t, "user1", "20.00")
	for _, id := range []string{swept.TransactionId, checked.TransactionId} {
		if _, err := env.svc.SelectExternalMethod(ctx, id, "BTC"); err != nil {
			t.Fatalf("SelectExternalMethod failed: %v", err)
		}
	}
	env.clock.Advance(time.Hour + time.Second)

	// Every transaction write in this sweep fails: the pending payments expire, the transactions do not.
	if n, err := env.svc.ExpireOverdue(ctx); err != nil || n != 0 {
		t.Fatalf("Expected nothing fully expired, got n=%d err=%v", n, err)
	}
	for _, id := range []string{swept.TransactionId, checked.TransactionId} {
		payment, _ := env.db.GetPendingPaymentByTransaction(ctx, id)
		if payment.Status != models.PendingExpired || env.status(t, id) != models.StatusAwaitingPayment {
			t.Fatalf("Expected half-expired %s, got pending=%s tx=%s", id, payment.Status, env.status(t, id))
		}
	}

	_, token, err := env.svc.CheckConfirmation(ctx, checked.TransactionId)
	if err != nil || token != models.CheckExpired {
		t.Errorf("Expected expired token, got %s err=%v", token, err)
	}
	if got := env.status(t, checked.TransactionId); got != models.StatusExpiredPaymentWindow {
		t.Errorf("Expected check to close the transaction, got %s", got)
	}

	if n, err := env.svc.ExpireOverdue(ctx); err != nil || n != 1 {
		t.Errorf("Expected sweep to close one transaction, got n=%d err=%v", n, err)
	}
	if got := env.status(t, swept.TransactionId); got != models.StatusExpiredPaymentWindow {
		t.Errorf("Expected sweep to close the transaction, got %s", got)
	}
}

func TestFinalizeConfirmed_LateShortPaymentExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.topUp(t, "user1", "20.00")
	invoice, _ := env.svc.SelectExternalMethod(ctx, intent.TransactionId, "BTC")
	env.clock.Advance(2 * time.Hour)

	_, err := env.svc.FinalizeConfirmed(ctx, FinalizeRequest{TransactionId: intent.TransactionId, ObservedAmount: invoice.SmallestUnit - 1, Coin: "BTC"})
	if !errors.Is(err, ErrPaymentClosed) {
		t.Errorf("Expected ErrPaymentClosed, got %v", err)
	}
	if got := env.status(t, intent.TransactionId); got != models.StatusExpiredPaymentWindow {
		t.Errorf("Expected expired_payment_window, got %s", got)
	}
}

func TestCreatePaymentIntent_OpenPurchaseReservesBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedBalance(t, "user1", "5.00")

	first, err := env.svc.CreatePaymentIntent(ctx, IntentRequest{UserId: "user1", Type: models.TypePurchaseCrypto, Item: item("reserved/box-6")})
	if err != nil {
		t.Fatalf("first intent failed: %v", err)
	}
	if !first.PaidFromBalance.Equal(decimal.RequireFromString("5.00")) {
		t.Fatalf("Expected 5.00 from balance, got %s", first.PaidFromBalance)
	}

	second, err := env.svc.CreatePaymentIntent(ctx, IntentRequest{UserId: "user1", Type: models.TypePurchaseCrypto, Item: item("reserved/box-7")})
	if err != nil {
		t.Fatalf("second intent failed: %v", err)
	}
	if !second.PaidFromBalance.IsZero() || !second.ExternalDue.Equal(decimal.RequireFromString("7.50")) {
		t.Errorf("Expected reserved balance to be skipped, got %+v", second)
	}

	if err := env.svc.Cancel(ctx, first.TransactionId); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	plan, err := env.svc.QuotePurchase(ctx, "user1", decimal.RequireFromString("7.50"))
	if err != nil {
		t.Fatalf("QuotePurchase failed: %v", err)
	}
	if !plan.PaidFromBalance.Equal(decimal.RequireFromString("5.00")) {
		t.Errorf("Expected cancelled reservation released, got %s", plan.PaidFromBalance)
	}
}
