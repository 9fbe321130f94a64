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

package models

import "fmt"

// PaymentStatus is the lifecycle state of a Transaction.
type PaymentStatus string

const (
	StatusPendingAddressGeneration PaymentStatus = "pending_address_generation"
	StatusAwaitingPayment          PaymentStatus = "awaiting_payment"
	StatusFinalizing               PaymentStatus = "finalizing"

	StatusCompleted               PaymentStatus = "completed"
	StatusCancelledByUser         PaymentStatus = "cancelled_by_user"
	StatusExpiredPaymentWindow    PaymentStatus = "expired_payment_window"
	StatusErrorAddressGeneration  PaymentStatus = "error_address_generation"
	StatusErrorExchangeRate       PaymentStatus = "error_exchange_rate"
	StatusErrorCreatingPending    PaymentStatus = "error_creating_pending_payment"
	StatusErrorFinalizingData     PaymentStatus = "error_finalizing_data"
	StatusErrorFinalizingUserData PaymentStatus = "error_finalizing_user_data"
	StatusErrorBalanceUpdate      PaymentStatus = "error_finalizing_balance_update"
	StatusErrorFinalizingDb       PaymentStatus = "error_finalizing_db"
	StatusErrorFinalizingUnknown  PaymentStatus = "error_finalizing_unexpected"
	StatusCompletedMoveError      PaymentStatus = "completed_fs_move_error"
	StatusCompletedItemDataError  PaymentStatus = "completed_item_data_error"
	StatusCompletedFulfillError   PaymentStatus = "completed_fulfillment_error"
)

// AllPaymentStatuses lists every known status, non-terminal first.
var AllPaymentStatuses = []PaymentStatus{
	StatusPendingAddressGeneration,
	StatusAwaitingPayment,
	StatusFinalizing,
	StatusCompleted,
	StatusCancelledByUser,
	StatusExpiredPaymentWindow,
	StatusErrorAddressGeneration,
	StatusErrorExchangeRate,
	StatusErrorCreatingPending,
	StatusErrorFinalizingData,
	StatusErrorFinalizingUserData,
	StatusErrorBalanceUpdate,
	StatusErrorFinalizingDb,
	StatusErrorFinalizingUnknown,
	StatusCompletedMoveError,
	StatusCompletedItemDataError,
	StatusCompletedFulfillError,
}

// ErrorCategory groups statuses by the point in the flow where things went wrong.
type ErrorCategory string

const (
	CategoryNone             ErrorCategory = "none"
	CategoryPrePayment       ErrorCategory = "pre_payment"
	CategoryExpired          ErrorCategory = "expired"
	CategoryPostConfirmation ErrorCategory = "post_confirmation"
)

// ParsePaymentStatus rejects strings that are not a known status.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	status := PaymentStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown payment status %q", s)
	}
	return status, nil
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPendingAddressGeneration, StatusAwaitingPayment, StatusFinalizing,
		StatusCompleted, StatusCancelledByUser, StatusExpiredPaymentWindow,
		StatusErrorAddressGeneration, StatusErrorExchangeRate, StatusErrorCreatingPending,
		StatusErrorFinalizingData, StatusErrorFinalizingUserData, StatusErrorBalanceUpdate,
		StatusErrorFinalizingDb, StatusErrorFinalizingUnknown,
		StatusCompletedMoveError, StatusCompletedItemDataError, StatusCompletedFulfillError:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case StatusPendingAddressGeneration, StatusAwaitingPayment, StatusFinalizing:
		return false
	}
	return s.Valid()
}

// IsCompleted is true for every status in which the user's effect was applied.
func (s PaymentStatus) IsCompleted() bool {
	switch s {
	case StatusCompleted, StatusCompletedMoveError, StatusCompletedItemDataError, StatusCompletedFulfillError:
		return true
	}
	return false
}

func (s PaymentStatus) Category() ErrorCategory {
	switch s {
	case StatusErrorAddressGeneration, StatusErrorExchangeRate, StatusErrorCreatingPending:
		return CategoryPrePayment
	case StatusExpiredPaymentWindow:
		return CategoryExpired
	case StatusErrorFinalizingData, StatusErrorFinalizingUserData, StatusErrorBalanceUpdate,
		StatusErrorFinalizingDb, StatusErrorFinalizingUnknown,
		StatusCompletedMoveError, StatusCompletedItemDataError, StatusCompletedFulfillError:
		return CategoryPostConfirmation
	}
	return CategoryNone
}

// RequiresSupport flags states where funds arrived but something needs manual follow-up.
func (s PaymentStatus) RequiresSupport() bool {
	return s.Category() == CategoryPostConfirmation
}

// IsRetryable is true for pre-payment failures and expiry, where starting over is safe.
func (s PaymentStatus) IsRetryable() bool {
	switch s.Category() {
	case CategoryPrePayment, CategoryExpired:
		return true
	}
	return false
}

// CanTransitionTo encodes the transaction state machine. A terminal status only
// accepts itself.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if !next.Valid() {
		return false
	}
	switch s {
	case StatusPendingAddressGeneration:
		switch next {
		case StatusAwaitingPayment, StatusErrorAddressGeneration, StatusErrorExchangeRate,
			StatusErrorCreatingPending, StatusCancelledByUser:
			return true
		}
		return false
	case StatusAwaitingPayment:
		switch next {
		case StatusFinalizing, StatusExpiredPaymentWindow, StatusCancelledByUser, StatusErrorCreatingPending:
			return true
		}
		return false
	case StatusFinalizing:
		return next.IsCompleted() || next.isFinalizingError()
	}
	return s.Valid() && s == next
}

func (s PaymentStatus) isFinalizingError() bool {
	switch s {
	case StatusErrorFinalizingData, StatusErrorFinalizingUserData, StatusErrorBalanceUpdate,
		StatusErrorFinalizingDb, StatusErrorFinalizingUnknown:
		return true
	}
	return false
}

// PendingStatus is the lifecycle state of a PendingPayment.
type PendingStatus string

const (
	PendingMonitoring           PendingStatus = "monitoring"
	PendingConfirmedUnprocessed PendingStatus = "confirmed_unprocessed"
	PendingProcessed            PendingStatus = "processed"
	PendingExpired              PendingStatus = "expired"
	PendingUserCancelled        PendingStatus = "user_cancelled"
	PendingErrorFinalizing      PendingStatus = "error_finalizing"
)

func (s PendingStatus) Valid() bool {
	switch s {
	case PendingMonitoring, PendingConfirmedUnprocessed, PendingProcessed,
		PendingExpired, PendingUserCancelled, PendingErrorFinalizing:
		return true
	}
	return false
}

func (s PendingStatus) IsTerminal() bool {
	switch s {
	case PendingProcessed, PendingExpired, PendingUserCancelled, PendingErrorFinalizing:
		return true
	}
	return false
}

func (s PendingStatus) CanTransitionTo(next PendingStatus) bool {
	switch s {
	case PendingMonitoring:
		switch next {
		case PendingConfirmedUnprocessed, PendingExpired, PendingUserCancelled:
			return true
		}
	case PendingConfirmedUnprocessed:
		switch next {
		case PendingProcessed, PendingErrorFinalizing:
			return true
		}
	}
	return false
}

// CheckStatus is the token reported by a confirmation check.
type CheckStatus string

const (
	CheckMonitoring           CheckStatus = "monitoring"
	CheckMonitoringUpdated    CheckStatus = "monitoring_updated"
	CheckConfirmedUnprocessed CheckStatus = "confirmed_unprocessed"
	CheckProcessed            CheckStatus = "processed"
	CheckExpired              CheckStatus = "expired"
	CheckCancelled            CheckStatus = "user_cancelled"
	CheckErrorFinalizing      CheckStatus = "error_finalizing"
	CheckErrorApi             CheckStatus = "error_api"
	CheckNotFound             CheckStatus = "not_found"
)

// CheckStatusFor maps a settled pending status onto the check token reported for it.
func CheckStatusFor(s PendingStatus) CheckStatus {
	switch s {
	case PendingMonitoring:
		return CheckMonitoring
	case PendingConfirmedUnprocessed:
		return CheckConfirmedUnprocessed
	case PendingProcessed:
		return CheckProcessed
	case PendingExpired:
		return CheckExpired
	case PendingUserCancelled:
		return CheckCancelled
	case PendingErrorFinalizing:
		return CheckErrorFinalizing
	}
	return CheckNotFound
}
