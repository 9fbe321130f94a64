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

package database

const (
	// User queries
	queryInsertUserIfMissing = `
		INSERT OR IGNORE INTO users (id, balance, transaction_count, version, created_at, updated_at)
		VALUES (?, '0', 0, 1, ?, ?)`

	queryGetUserById = `
		SELECT id, balance, transaction_count, version, created_at, updated_at
		FROM users
		WHERE id = ?`

	queryGetUsers = `
		SELECT id, balance, transaction_count, version, created_at, updated_at
		FROM users
		ORDER BY created_at`

	queryIncrementTransactionCount = `
		UPDATE users
		SET transaction_count = transaction_count + 1, updated_at = ?
		WHERE id = ?`

	// Transaction queries
	transactionColumns = `
		id, user_id, type, eur_amount, original_add_balance_amount, service_fee, paid_from_balance,
		item_details, payment_status, crypto_amount, currency, notes, created_at, updated_at`

	queryInsertTransaction = `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', '', ?, ?)`

	queryGetTransaction = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE id = ?`

	queryCompareAndSetStatus = `
		UPDATE transactions
		SET payment_status = ?, updated_at = ?
		WHERE id = ? AND payment_status = ?`

	queryRecordPaymentParameters = `
		UPDATE transactions
		SET crypto_amount = ?, currency = ?, payment_status = ?, updated_at = ?
		WHERE id = ? AND payment_status = ?`

	queryAppendTransactionNote = `
		UPDATE transactions
		SET notes = CASE WHEN notes = '' THEN ? ELSE notes || char(10) || ? END, updated_at = ?
		WHERE id = ?`

	queryListUserTransactions = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`

	queryCountUserTransactions = `
		SELECT COUNT(*) FROM transactions WHERE user_id = ?`

	queryListTransactionsByStatus = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE payment_status = ?
		ORDER BY created_at`

	// Pending payment queries
	pendingColumns = `
		payment_id, transaction_id, user_id, address, coin_symbol, network, derivation_index,
		expected_crypto_amount, paid_from_balance_eur, status, confirmations, received_amount,
		chain_reference, expires_at, created_at, updated_at`

	queryInsertPendingPayment = `
		INSERT INTO pending_payments (` + pendingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, '', ?, ?, ?)
		ON CONFLICT(transaction_id) DO NOTHING`

	queryGetPendingByTransaction = `
		SELECT ` + pendingColumns + `
		FROM pending_payments
		WHERE transaction_id = ?`

	queryCompareAndSetPendingStatus = `
		UPDATE pending_payments
		SET status = ?, updated_at = ?
		WHERE payment_id = ? AND status = ?`

	queryUpdatePendingObservation = `
		UPDATE pending_payments
		SET confirmations = ?, received_amount = ?, chain_reference = ?, updated_at = ?
		WHERE payment_id = ?`

	queryListPendingByStatus = `
		SELECT ` + pendingColumns + `
		FROM pending_payments
		WHERE status = ?
		ORDER BY created_at`

	// Balance movement queries
	queryCheckDuplicateMovement = `
		SELECT id FROM balance_movements WHERE transaction_id = ? AND kind = ? LIMIT 1`

	queryGetUserBalanceForUpdate = `
		SELECT balance, version FROM users WHERE id = ?`

	queryInsertMovement = `
		INSERT INTO balance_movements (
			id, user_id, transaction_id, kind, amount, balance_before, balance_after, reference, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryUpdateUserBalance = `
		UPDATE users
		SET balance = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`

	queryInsertJournalEntry = `
		INSERT INTO journal_entries (id, movement_id, account_type, account_id, debit_amount, credit_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	movementColumns = `
		id, user_id, transaction_id, kind, amount, balance_before, balance_after, created_at`

	queryGetMovement = `
		SELECT ` + movementColumns + `
		FROM balance_movements
		WHERE transaction_id = ? AND kind = ?`

	queryListUserMovements = `
		SELECT ` + movementColumns + `
		FROM balance_movements
		WHERE user_id = ?
		ORDER BY created_at, rowid`

	// Address counter queries
	queryNextIndex = `
		INSERT INTO address_counters (coin, next_index, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(coin) DO UPDATE SET next_index = next_index + 1, updated_at = excluded.updated_at
		RETURNING next_index - 1`

	querySeedIndex = `
		INSERT INTO address_counters (coin, next_index, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(coin) DO UPDATE SET next_index = MAX(next_index, excluded.next_index), updated_at = excluded.updated_at`

	queryListCounters = `
		SELECT coin, next_index FROM address_counters ORDER BY coin`
)
