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
	"fmt"
	"strconv"
	"strings"

	"crypto-checkout-go/internal/common"
	"crypto-checkout-go/internal/config"
	"crypto-checkout-go/internal/redisstore"

	"go.uber.org/zap"
)

// dummyUsers are created when CREATE_DUMMY_USERS is set.
var dummyUsers = []string{"1001", "1002", "1003"}

// seedFlags collects repeated -seed-index coin=N values.
type seedFlags map[string]int64

func (s seedFlags) String() string {
	parts := make([]string, 0, len(s))
	for coin, next := range s {
		parts = append(parts, fmt.Sprintf("%s=%d", coin, next))
	}
	return strings.Join(parts, ",")
}

func (s seedFlags) Set(value string) error {
	coin, raw, ok := strings.Cut(value, "=")
	if !ok || strings.TrimSpace(coin) == "" {
		return fmt.Errorf("expected coin=index, got %q", value)
	}
	next, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || next < 0 {
		return fmt.Errorf("invalid index in %q", value)
	}
	s[strings.ToUpper(strings.TrimSpace(coin))] = next
	return nil
}

type indexSeeder interface {
	SeedIndex(ctx context.Context, coin string, next int64) error
}

func seedCounters(ctx context.Context, seeder indexSeeder, seeds seedFlags) (int, []string) {
	var seeded int
	var failed []string
	for coin, next := range seeds {
		if err := seeder.SeedIndex(ctx, coin, next); err != nil {
			zap.L().Error("Failed to seed derivation counter",
				zap.String("coin", coin),
				zap.Int64("next_index", next),
				zap.Error(err))
			failed = append(failed, coin)
			continue
		}
		seeded++
	}
	return seeded, failed
}

func main() {
	seeds := seedFlags{}
	flag.Var(seeds, "seed-index", "Raise a derivation counter, as coin=next_index (repeatable)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx := context.Background()

	zap.L().Info("Bootstrapping checkout database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	if cfg.Database.SeedUsers {
		for _, id := range dummyUsers {
			user, err := dbService.GetOrCreateUser(ctx, id)
			if err != nil {
				zap.L().Error("Failed to create dummy user", zap.String("user_id", id), zap.Error(err))
				continue
			}
			zap.L().Info("Dummy user ready", zap.String("user_id", user.Id), zap.String("balance", user.Balance.String()))
		}
	} else {
		zap.L().Info("Skipping dummy user creation (CREATE_DUMMY_USERS=false)")
	}

	if len(seeds) > 0 {
		var seeder indexSeeder = dbService
		if cfg.Redis.Enabled() {
			client, err := redisstore.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password)
			if err != nil {
				zap.L().Fatal("Failed to connect to redis", zap.Error(err))
			}
			defer client.Close()
			seeder = redisstore.NewCounter(client)
			zap.L().Info("Seeding Redis derivation counters", zap.String("addr", cfg.Redis.Addr))
		}

		seeded, failed := seedCounters(ctx, seeder, seeds)
		if len(failed) > 0 {
			zap.L().Fatal("Counter seeding completed with failures",
				zap.Int("seeded", seeded),
				zap.Strings("failed_coins", failed))
		}
		zap.L().Info("Counter seeding completed", zap.Int("seeded", seeded))
	}

	zap.L().Info("Setup complete")
}
