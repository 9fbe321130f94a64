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

package api

import (
	"context"
	"fmt"

	"crypto-checkout-go/internal/models"
)

// Store is the read side of the checkout database the API needs.
type Store interface {
	Ping(ctx context.Context) error
	GetOrCreateUser(ctx context.Context, userId string) (*models.User, error)
	ListUserTransactions(ctx context.Context, userId string, limit, offset int) ([]models.Transaction, error)
	CountUserTransactions(ctx context.Context, userId string) (int, error)
}

// LedgerService provides minimal API
type LedgerService struct {
	db Store
}

func NewLedgerService(db Store) *LedgerService {
	return &LedgerService{
		db: db,
	}
}

func (s *LedgerService) HealthCheck(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
