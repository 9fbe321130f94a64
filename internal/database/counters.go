package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// NextIndex atomically claims the next derivation index for a coin. Indices start at 0
// and are never handed out twice, whether or not the caller goes on to use them.
func (s *Service) NextIndex(ctx context.Context, coin string) (int64, error) {
	if coin == "" {
		return 0, fmt.Errorf("coin cannot be empty")
	}

	var index int64
	if err := s.db.QueryRowContext(ctx, queryNextIndex, coin, now()).Scan(&index); err != nil {
		zap.L().Error("Failed to claim derivation index", zap.String("coin", coin), zap.Error(err))
		return 0, fmt.Errorf("failed to claim derivation index: %w", err)
	}

	zap.L().Debug("Derivation index claimed", zap.String("coin", coin), zap.Int64("index", index))
	return index, nil
}

// SeedIndex raises the counter so the next claimed index is at least next. It never lowers it.
func (s *Service) SeedIndex(ctx context.Context, coin string, next int64) error {
	if next < 0 {
		return fmt.Errorf("next index cannot be negative, got %d", next)
	}
	if _, err := s.db.ExecContext(ctx, querySeedIndex, coin, next, now()); err != nil {
		return fmt.Errorf("failed to seed derivation index: %w", err)
	}
	zap.L().Info("Derivation counter seeded", zap.String("coin", coin), zap.Int64("next_index", next))
	return nil
}

// ListCounters returns the next unclaimed index per coin.
func (s *Service) ListCounters(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, queryListCounters)
	if err != nil {
		return nil, fmt.Errorf("failed to list counters: %w", err)
	}
	defer closeRows(rows)

	counters := make(map[string]int64)
	for rows.Next() {
		var coin string
		var next int64
		if err := rows.Scan(&coin, &next); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}
		counters[coin] = next
	}
	return counters, rows.Err()
}
