package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"crypto-checkout-go/internal/common"
	"crypto-checkout-go/internal/config"
	"crypto-checkout-go/internal/database"
	"crypto-checkout-go/internal/formance"
	"crypto-checkout-go/internal/models"

	"go.uber.org/zap"
)

type reconcileStats struct {
	usersChecked    int
	localMismatches int
	mirrorDrift     int
	supportCases    int
	staleFinalizing int
}

func reconcileUsers(ctx context.Context, users []models.User, dbService *database.Service, mirror *formance.Service, stats *reconcileStats) {
	for _, user := range users {
		stats.usersChecked++
		symbol := "✓"

		if err := dbService.ReconcileUserBalance(ctx, user.Id); err != nil {
			stats.localMismatches++
			symbol = "✗"
			fmt.Printf("%s %-20s %14s  %s\n", symbol, user.Id, common.FormatEUR(user.Balance), err)
			continue
		}

		if mirror != nil {
			mirrored, err := mirror.GetUserBalance(ctx, user.Id)
			switch {
			case err != nil:
				zap.L().Warn("Failed to read mirrored balance", zap.String("user_id", user.Id), zap.Error(err))
				symbol = "?"
			case !mirrored.Equal(user.Balance):
				stats.mirrorDrift++
				symbol = "!"
				fmt.Printf("%s %-20s %14s  ledger mirror has %s\n", symbol, user.Id, common.FormatEUR(user.Balance), common.FormatEUR(mirrored))
				continue
			}
		}

		fmt.Printf("%s %-20s %14s\n", symbol, user.Id, common.FormatEUR(user.Balance))
	}
}

func printTransactions(title string, txs []models.Transaction) {
	fmt.Printf("\n┌─ %s: %d\n", title, len(txs))
	if len(txs) == 0 {
		return
	}
	common.PrintBoxSeparator(78)
	for i, tx := range txs {
		isLast := i == len(txs)-1
		fmt.Printf("%s %s  user %-12s %-16s %s\n",
			common.BoxPrefix(isLast),
			tx.Id,
			tx.UserId,
			common.FormatEUR(tx.EurAmount),
			tx.PaymentStatus)
		fmt.Printf("%s   updated %s\n", common.BoxDetailPrefix(isLast), tx.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
}

func supportStatuses() []models.PaymentStatus {
	var flagged []models.PaymentStatus
	for _, status := range models.AllPaymentStatuses {
		if status.RequiresSupport() {
			flagged = append(flagged, status)
		}
	}
	return flagged
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	userFlag := flag.String("user", "", "Only reconcile this user id (optional)")
	skipMirror := flag.Bool("local", false, "Skip the comparison against the Formance mirror")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	var mirror *formance.Service
	if cfg.Formance.Enabled() && !*skipMirror {
		mirror, err = formance.NewService(ctx, cfg.Formance, "EUR")
		if err != nil {
			zap.L().Fatal("Failed to initialize Formance mirror", zap.Error(err))
		}
	}

	users, err := common.InitializeUsers(ctx, dbService, *userFlag)
	if err != nil {
		zap.L().Fatal("Failed to initialize users", zap.Error(err))
	}

	stats := reconcileStats{}

	common.PrintHeader("BALANCE RECONCILIATION", common.DefaultWidth)
	reconcileUsers(ctx, users, dbService, mirror, &stats)

	flagged, err := dbService.ListTransactionsByStatus(ctx, supportStatuses(), time.Time{})
	if err != nil {
		zap.L().Error("Failed to list support queue", zap.Error(err))
	}
	stats.supportCases = len(flagged)
	printTransactions("Needs support", flagged)

	stale, err := dbService.ListTransactionsByStatus(ctx,
		[]models.PaymentStatus{models.StatusFinalizing},
		time.Now().Add(-cfg.Monitor.StaleFinalize))
	if err != nil {
		zap.L().Error("Failed to list stale finalizing transactions", zap.Error(err))
	}
	stats.staleFinalizing = len(stale)
	printTransactions("Stuck in finalizing", stale)

	summary := fmt.Sprintf("SUMMARY: %d users checked, %d local mismatches, %d mirror drift, %d support cases, %d stale",
		stats.usersChecked, stats.localMismatches, stats.mirrorDrift, stats.supportCases, stats.staleFinalizing)
	common.PrintFooter(summary, common.DefaultWidth)

	zap.L().Info("Reconciliation completed",
		zap.Int("users_checked", stats.usersChecked),
		zap.Int("local_mismatches", stats.localMismatches),
		zap.Int("mirror_drift", stats.mirrorDrift),
		zap.Int("support_cases", stats.supportCases),
		zap.Int("stale_finalizing", stats.staleFinalizing))
}
