package main

import (
	"context"
	"flag"
	"fmt"

	"crypto-checkout-go/internal/api"
	"crypto-checkout-go/internal/common"
	"crypto-checkout-go/internal/config"
	"crypto-checkout-go/internal/models"

	"go.uber.org/zap"
)

type balanceStats struct {
	totalUsers        int
	usersWithBalances int
	totalRecords      int
}

func printUserHeader(user models.User) {
	fmt.Printf("\n┌─ User: %s\n", user.Id)
	fmt.Printf("│  Balance: %s (v%d, %d transactions)\n",
		common.FormatEUR(user.Balance), user.Version, user.TransactionCount)
	fmt.Printf("│  Updated: %s\n", user.UpdatedAt.Format("2006-01-02 15:04:05"))
	common.PrintBoxSeparator(78)
}

func printRecord(record models.HistoryRecord, isLast bool) {
	symbol := common.BoxPrefix(isLast)
	fmt.Printf("%s %s  %-24s %14s  %s\n",
		symbol,
		record.CreatedAt.Format("2006-01-02 15:04"),
		record.Title,
		record.Amount,
		record.Status)

	if record.Item != "" {
		detailSymbol := common.BoxDetailPrefix(isLast)
		fmt.Printf("%s   Item: %s\n", detailSymbol, record.Item)
	}
}

func processUser(ctx context.Context, user models.User, ledger *api.LedgerService, page int) (int, error) {
	history, err := ledger.GetTransactionHistory(ctx, user.Id, page)
	if err != nil {
		return 0, fmt.Errorf("failed to get history: %w", err)
	}

	printUserHeader(user)
	if len(history.Records) == 0 {
		fmt.Printf("└  no transactions\n")
		return 0, nil
	}

	for i, record := range history.Records {
		printRecord(record, i == len(history.Records)-1)
	}
	if history.TotalPages > 1 {
		fmt.Printf("   page %d of %d (%d transactions)\n", history.Page, history.TotalPages, history.Total)
	}
	return len(history.Records), nil
}

func processUsersAndGenerateReport(ctx context.Context, users []models.User, ledger *api.LedgerService, page int) balanceStats {
	stats := balanceStats{}

	for _, user := range users {
		stats.totalUsers++

		count, err := processUser(ctx, user, ledger, page)
		if err != nil {
			zap.L().Error("Failed to process user",
				zap.String("user_id", user.Id),
				zap.Error(err))
			continue
		}

		if user.Balance.IsPositive() {
			stats.usersWithBalances++
		}
		stats.totalRecords += count
	}

	return stats
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	userFlag := flag.String("user", "", "Filter by specific user id (optional)")
	pageFlag := flag.Int("page", 1, "History page to show per user")
	flag.Parse()

	zap.L().Info("Starting balance query")

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	// Read-only, so Prime is not needed
	zap.L().Info("Connecting to database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	users, err := common.InitializeUsers(ctx, dbService, *userFlag)
	if err != nil {
		zap.L().Fatal("Failed to initialize users", zap.Error(err))
	}

	common.PrintHeader("USER BALANCE REPORT", common.DefaultWidth)

	stats := processUsersAndGenerateReport(ctx, users, api.NewLedgerService(dbService), *pageFlag)

	summary := fmt.Sprintf("SUMMARY: %d users with a positive balance (%d history rows across %d users queried)",
		stats.usersWithBalances, stats.totalRecords, stats.totalUsers)
	common.PrintFooter(summary, common.DefaultWidth)

	zap.L().Info("Balance query completed",
		zap.Int("users_queried", stats.totalUsers),
		zap.Int("users_with_balances", stats.usersWithBalances),
		zap.Int("history_rows", stats.totalRecords))
}
