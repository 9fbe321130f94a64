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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crypto-checkout-go/internal/common"
	"crypto-checkout-go/internal/config"
	"crypto-checkout-go/internal/monitor"

	"go.uber.org/zap"
)

func main() {
	once := flag.Bool("once", false, "Run a single sweep and exit")
	quiet := flag.Bool("quiet", false, "Suppress console progress output")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting payment monitor",
		zap.Duration("interval", cfg.Monitor.SweepInterval),
		zap.Duration("stale_finalize_after", cfg.Monitor.StaleFinalize))

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	sweeper, err := monitor.NewSweeper(monitor.SweeperConfig{
		Checkout:      services.Checkout,
		Interval:      cfg.Monitor.SweepInterval,
		StaleFinalize: cfg.Monitor.StaleFinalize,
		Quiet:         *quiet,
	})
	if err != nil {
		zap.L().Fatal("Failed to create sweeper", zap.Error(err))
	}

	if *once {
		report := sweeper.RunOnce(ctx)
		zap.L().Info("Sweep finished",
			zap.Int("expired", report.Expired),
			zap.Int("finalized", report.Finalized),
			zap.Int("stale", report.Stale),
			zap.Int("errors", report.Errors))
		return
	}

	sweeper.Start(ctx)
	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, stopping monitor...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		sweeper.Stop()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("Monitor stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}
}
