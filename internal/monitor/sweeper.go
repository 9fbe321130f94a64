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

package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crypto-checkout-go/internal/checkout"
	"crypto-checkout-go/internal/models"

	"go.uber.org/zap"
)

// Checkout is the part of checkout.Service the sweeper drives.
type Checkout interface {
	ExpireOverdue(ctx context.Context) (int, error)
	ObserveMonitoring(ctx context.Context) (int, error)
	SweepConfirmedPayments(ctx context.Context) (int, error)
	StaleFinalizing(ctx context.Context, age time.Duration) ([]models.Transaction, error)
}

// SweeperConfig contains configuration for Sweeper
type SweeperConfig struct {
	Checkout      Checkout
	Interval      time.Duration
	StaleFinalize time.Duration
	Quiet         bool
}

// Sweeper periodically expires overdue payments, probes the ones still being
// watched and finalizes any left confirmed. It is safe to run next to on-demand checks.
type Sweeper struct {
	checkout   Checkout
	interval   time.Duration
	staleAfter time.Duration
	quiet      bool

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// SweepReport counts what one pass did.
type SweepReport struct {
	Expired   int
	Finalized int
	Stale     int
	Errors    int
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Checkout == nil {
		return nil, fmt.Errorf("checkout service is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %v", cfg.Interval)
	}
	return &Sweeper{
		checkout:   cfg.Checkout,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleFinalize,
		quiet:      cfg.Quiet,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// Start begins sweeping in the background
func (s *Sweeper) Start(ctx context.Context) {
	zap.L().Info("Starting payment sweeper", zap.Duration("interval", s.interval))
	go s.pollLoop(ctx)
}

// Stop gracefully stops the sweeper and waits for the current pass to finish
func (s *Sweeper) Stop() {
	zap.L().Info("Stopping payment sweeper")
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.doneChan
	zap.L().Info("Payment sweeper stopped")
}

func (s *Sweeper) pollLoop(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ANSI color helpers for console output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// RunOnce performs a single sweep. Each step runs even if an earlier one failed.
func (s *Sweeper) RunOnce(ctx context.Context) SweepReport {
	var report SweepReport
	s.printf("\n%s[%s] Sweeping payments%s\n", colorCyan, time.Now().Format("15:04:05"), colorReset)

	expired, err := s.checkout.ExpireOverdue(ctx)
	if err != nil {
		report.Errors++
		s.printf("  %s✗ expire: %s%s\n", colorRed, err, colorReset)
		zap.L().Error("Failed to expire overdue payments", zap.Error(err))
	}
	report.Expired = expired

	observed, err := s.checkout.ObserveMonitoring(ctx)
	switch {
	case errors.Is(err, checkout.ErrObserverDisabled):
		zap.L().Debug("No chain observer configured, skipping observation")
	case err != nil:
		report.Errors++
		s.printf("  %s✗ observe: %s%s\n", colorRed, err, colorReset)
		zap.L().Error("Failed to observe monitoring payments", zap.Error(err))
	}

	swept, err := s.checkout.SweepConfirmedPayments(ctx)
	if err != nil {
		report.Errors++
		s.printf("  %s✗ finalize: %s%s\n", colorRed, err, colorReset)
		zap.L().Error("Failed to sweep confirmed payments", zap.Error(err))
	}
	report.Finalized = observed + swept

	if s.staleAfter > 0 {
		stale, err := s.checkout.StaleFinalizing(ctx, s.staleAfter)
		if err != nil {
			report.Errors++
			zap.L().Error("Failed to list stale finalizing transactions", zap.Error(err))
		}
		report.Stale = len(stale)
		for _, tx := range stale {
			s.printf("  %s! %s stuck in finalizing since %s%s\n",
				colorYellow, tx.Id, tx.UpdatedAt.Format(time.RFC3339), colorReset)
			zap.L().Warn("Transaction stuck in finalizing, needs manual review",
				zap.String("transaction_id", tx.Id),
				zap.String("user_id", tx.UserId),
				zap.Time("updated_at", tx.UpdatedAt))
		}
	}

	if report.Expired > 0 || report.Finalized > 0 {
		s.printf("  %s✓ expired %d, finalized %d%s\n", colorGreen, report.Expired, report.Finalized, colorReset)
	}
	zap.L().Debug("Sweep finished",
		zap.Int("expired", report.Expired),
		zap.Int("finalized", report.Finalized),
		zap.Int("stale", report.Stale),
		zap.Int("errors", report.Errors))
	return report
}

func (s *Sweeper) printf(format string, args ...any) {
	if !s.quiet {
		fmt.Printf(format, args...)
	}
}
