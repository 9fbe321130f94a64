package main

import (
	"context"
	"flag"
	"fmt"
	"sort"

	"crypto-checkout-go/internal/common"
	"crypto-checkout-go/internal/config"
	"crypto-checkout-go/internal/database"
	"crypto-checkout-go/internal/models"
	"crypto-checkout-go/internal/quantize"

	"go.uber.org/zap"
)

type reportStats struct {
	totalPayments int
	byStatus      map[models.PendingStatus]int
}

var reportStatuses = []models.PendingStatus{
	models.PendingMonitoring,
	models.PendingConfirmedUnprocessed,
	models.PendingErrorFinalizing,
	models.PendingProcessed,
	models.PendingExpired,
	models.PendingUserCancelled,
}

func printStatusHeader(status models.PendingStatus, count int) {
	fmt.Printf("\n┌─ Status: %s\n", status)
	fmt.Printf("│  Payments: %d\n", count)
	common.PrintBoxSeparator(98)
}

func printPayment(p models.PendingPayment, precision map[string]int32, isLast bool) {
	symbol := common.BoxPrefix(isLast)
	coinNetwork := fmt.Sprintf("%s-%s #%d", p.CoinSymbol, p.Network, p.DerivationIndex)
	fmt.Printf("%s %-30s → %s\n", symbol, coinNetwork, p.Address)

	detailSymbol := common.BoxDetailPrefix(isLast)
	expected := formatUnits(p.ExpectedCryptoAmount, p.CoinSymbol, precision)
	received := formatUnits(p.ReceivedAmount, p.CoinSymbol, precision)
	fmt.Printf("%s   Tx: %s  expected %s  received %s  conf %d  expires %s\n",
		detailSymbol,
		common.ShortId(p.TransactionId),
		expected,
		received,
		p.Confirmations,
		p.ExpiresAt.Format("2006-01-02 15:04:05"))
	if p.ChainReference != "" {
		fmt.Printf("%s   Chain: %s\n", detailSymbol, p.ChainReference)
	}
}

func formatUnits(smallest int64, coin string, precision map[string]int32) string {
	places, ok := precision[coin]
	if !ok {
		return fmt.Sprintf("%d units", smallest)
	}
	return quantize.FromSmallest(smallest, places).StringFixed(places)
}

func processStatus(ctx context.Context, status models.PendingStatus, dbService *database.Service, precision map[string]int32) (int, error) {
	payments, err := dbService.ListPendingPaymentsByStatus(ctx, status)
	if err != nil {
		return 0, fmt.Errorf("failed to list payments: %w", err)
	}

	if len(payments) == 0 {
		return 0, nil
	}

	printStatusHeader(status, len(payments))
	for i, p := range payments {
		printPayment(p, precision, i == len(payments)-1)
	}
	return len(payments), nil
}

func printCounters(counters map[string]int64) {
	coins := make([]string, 0, len(counters))
	for coin := range counters {
		coins = append(coins, coin)
	}
	sort.Strings(coins)

	fmt.Printf("\n┌─ Derivation counters\n")
	common.PrintBoxSeparator(98)
	for i, coin := range coins {
		fmt.Printf("%s %-10s next index %d\n", common.BoxPrefix(i == len(coins)-1), coin, counters[coin])
	}
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	statusFlag := flag.String("status", "", "Only show payments in this status (optional)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	coins, err := common.LoadCoins(cfg.Payment.CoinsFile)
	if err != nil {
		zap.L().Fatal("Failed to load coins", zap.Error(err))
	}
	precision := make(map[string]int32, len(coins))
	for _, c := range coins {
		precision[c.LedgerSymbol] = c.Precision
	}

	statuses := reportStatuses
	if *statusFlag != "" {
		status := models.PendingStatus(*statusFlag)
		if !status.Valid() {
			zap.L().Fatal("Unknown pending payment status", zap.String("status", *statusFlag))
		}
		statuses = []models.PendingStatus{status}
	}

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	common.PrintHeader("ALLOCATED ADDRESS REPORT", common.WideWidth)

	stats := reportStats{byStatus: make(map[models.PendingStatus]int)}
	for _, status := range statuses {
		count, err := processStatus(ctx, status, dbService, precision)
		if err != nil {
			zap.L().Error("Failed to process status", zap.String("status", string(status)), zap.Error(err))
			continue
		}
		stats.byStatus[status] = count
		stats.totalPayments += count
	}

	counters, err := dbService.ListCounters(ctx)
	if err != nil {
		zap.L().Error("Failed to list derivation counters", zap.Error(err))
	} else if len(counters) > 0 {
		printCounters(counters)
	}

	summary := fmt.Sprintf("SUMMARY: %d pending payments (%d monitoring, %d awaiting finalization)",
		stats.totalPayments,
		stats.byStatus[models.PendingMonitoring],
		stats.byStatus[models.PendingConfirmedUnprocessed])
	common.PrintFooter(summary, common.WideWidth)

	zap.L().Info("Address report completed", zap.Int("payments", stats.totalPayments))
}
