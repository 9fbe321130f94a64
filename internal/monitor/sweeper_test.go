package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crypto-checkout-go/internal/checkout"
	"crypto-checkout-go/internal/models"
)

type fakeCheckout struct {
	mu         sync.Mutex
	passes     int
	expired    int
	observed   int
	swept      int
	observeErr error
	expireErr  error
	stale      []models.Transaction
}

func (f *fakeCheckout) ExpireOverdue(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passes++
	return f.expired, f.expireErr
}

func (f *fakeCheckout) ObserveMonitoring(context.Context) (int, error) {
	return f.observed, f.observeErr
}

func (f *fakeCheckout) SweepConfirmedPayments(context.Context) (int, error) {
	return f.swept, nil
}

func (f *fakeCheckout) StaleFinalizing(context.Context, time.Duration) ([]models.Transaction, error) {
	return f.stale, nil
}

func (f *fakeCheckout) passCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.passes
}

func TestNewSweeper_Validation(t *testing.T) {
	if _, err := NewSweeper(SweeperConfig{Interval: time.Second}); err == nil {
		t.Error("Expected error without checkout")
	}
	if _, err := NewSweeper(SweeperConfig{Checkout: &fakeCheckout{}}); err == nil {
		t.Error("Expected error without interval")
	}
}

func TestRunOnce_Report(t *testing.T) {
	fake := &fakeCheckout{
		expired:  2,
		observed: 1,
		swept:    3,
		stale:    []models.Transaction{{Id: "stuck", UpdatedAt: time.Now()}},
	}
	sweeper, err := NewSweeper(SweeperConfig{Checkout: fake, Interval: time.Minute, StaleFinalize: time.Minute, Quiet: true})
	if err != nil {
		t.Fatalf("NewSweeper failed: %v", err)
	}

	report := sweeper.RunOnce(context.Background())
	if report.Expired != 2 || report.Finalized != 4 || report.Stale != 1 || report.Errors != 0 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestRunOnce_ObserverDisabledIsNotAnError(t *testing.T) {
	fake := &fakeCheckout{observeErr: checkout.ErrObserverDisabled, expireErr: errors.New("db locked")}
	sweeper, _ := NewSweeper(SweeperConfig{Checkout: fake, Interval: time.Minute, Quiet: true})

	report := sweeper.RunOnce(context.Background())
	if report.Errors != 1 {
		t.Errorf("Expected only the expire failure to count, got %d errors", report.Errors)
	}
}

func TestStartStop(t *testing.T) {
	fake := &fakeCheckout{}
	sweeper, _ := NewSweeper(SweeperConfig{Checkout: fake, Interval: 10 * time.Millisecond, Quiet: true})

	sweeper.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for fake.passCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sweeper.Stop()
	sweeper.Stop()

	if fake.passCount() < 2 {
		t.Errorf("Expected at least two passes, got %d", fake.passCount())
	}
}
