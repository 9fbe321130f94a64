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
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"crypto-checkout-go/internal/common"
	"crypto-checkout-go/internal/config"
	"crypto-checkout-go/internal/monitor"
	"crypto-checkout-go/internal/server"

	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", "", "Listen address (overrides HTTP_ADDR)")
	withSweeper := flag.Bool("sweep", false, "Also run the payment sweeper in this process")
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

	listenAddr := cfg.Server.Addr
	if *addr != "" {
		listenAddr = *addr
	}

	zap.L().Info("Starting checkout API", zap.String("addr", listenAddr))

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	var sweeper *monitor.Sweeper
	if *withSweeper {
		sweeper, err = monitor.NewSweeper(monitor.SweeperConfig{
			Checkout:      services.Checkout,
			Interval:      cfg.Monitor.SweepInterval,
			StaleFinalize: cfg.Monitor.StaleFinalize,
			Quiet:         true,
		})
		if err != nil {
			zap.L().Fatal("Failed to create sweeper", zap.Error(err))
		}
		sweeper.Start(ctx)
	}

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: server.New(services.Checkout, services.Ledger).Handler(),
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		zap.L().Info("Shutdown signal received, stopping API...")
	case err := <-serverErr:
		if err != nil {
			zap.L().Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("Forced shutdown after timeout", zap.Error(err))
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	zap.L().Info("Checkout API stopped")
}
