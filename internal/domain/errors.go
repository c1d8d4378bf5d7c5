package domain

import (
	"errors"
	"fmt"
)

// ErrorKind groups ledger errors by how callers should react to them.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindConflict            ErrorKind = "conflict"
	KindNotFound            ErrorKind = "not_found"
	KindForbidden           ErrorKind = "forbidden"
	KindFailure             ErrorKind = "failure"
)

// LedgerError is a coded error. Two LedgerErrors match under errors.Is when
// their codes are equal, so wrapped or re-created values still compare.
type LedgerError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	cause   error
}

func (e *LedgerError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *LedgerError) Unwrap() error {
	return e.cause
}

func (e *LedgerError) Is(target error) bool {
	var other *LedgerError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// WithDetail returns a copy carrying a more specific message.
func (e *LedgerError) WithDetail(format string, args ...any) *LedgerError {
	dup := *e
	dup.Message = fmt.Sprintf("%s: %s", e.Message, fmt.Sprintf(format, args...))
	return &dup
}

func NewLedgerError(kind ErrorKind, code, message string) *LedgerError {
	return &LedgerError{Kind: kind, Code: code, Message: message}
}

var (
	ErrEmptyCart          = NewLedgerError(KindValidation, "EMPTY_CART", "cart is empty")
	ErrInvalidQuantity    = NewLedgerError(KindValidation, "INVALID_QUANTITY", "quantity must be positive")
	ErrInvalidValue       = NewLedgerError(KindValidation, "INVALID_VALUE", "value must be positive")
	ErrUnknownProduct     = NewLedgerError(KindValidation, "UNKNOWN_PRODUCT", "product not in catalog")
	ErrInsufficientTender = NewLedgerError(KindValidation, "INSUFFICIENT_TENDER", "tenders do not cover the total")
	ErrVendorRequired     = NewLedgerError(KindValidation, "VENDOR_REQUIRED", "a vendor is required before settlement")
	ErrStoreRequired      = NewLedgerError(KindValidation, "STORE_REQUIRED", "store is required")
	ErrUnknownCode        = NewLedgerError(KindValidation, "UNKNOWN_CODE", "code does not match any product")
	ErrEmptyBatch         = NewLedgerError(KindValidation, "EMPTY_BATCH", "batch has no counted items")
	ErrNoCountSession     = NewLedgerError(KindValidation, "NO_COUNT_SESSION", "no active stock count")
	ErrBatchLabelRequired = NewLedgerError(KindValidation, "BATCH_LABEL_REQUIRED", "batch label is required")
	ErrSameDaySession     = NewLedgerError(KindValidation, "SAME_DAY_SESSION", "a session was already opened today for this store")
	ErrInvalidEntryKind   = NewLedgerError(KindValidation, "INVALID_ENTRY_KIND", "entry kind must be INCOME, EXPENSE or TRANSFER")
	ErrInvalidStatus      = NewLedgerError(KindValidation, "INVALID_STATUS", "status not allowed for this operation")

	ErrInsufficientBalance = NewLedgerError(KindInsufficientBalance, "INSUFFICIENT_BALANCE", "cash expense exceeds the drawer balance")
	ErrInsufficientStock   = NewLedgerError(KindConflict, "INSUFFICIENT_STOCK", "insufficient stock")

	ErrSessionAlreadyOpen = NewLedgerError(KindConflict, "SESSION_ALREADY_OPEN", "another session is open for this store")
	ErrSessionNotOpen     = NewLedgerError(KindConflict, "SESSION_NOT_OPEN", "cash session is not open")
	ErrInvalidTransition  = NewLedgerError(KindConflict, "INVALID_TRANSITION", "cash session transition not allowed")
	ErrStaleSession       = NewLedgerError(KindConflict, "STALE_SESSION", "an open session from a previous day must be closed first")
	ErrLockNotAcquired    = NewLedgerError(KindConflict, "LOCK_BUSY", "resource is busy, retry")

	ErrNotFound  = NewLedgerError(KindNotFound, "NOT_FOUND", "record not found")
	ErrForbidden = NewLedgerError(KindForbidden, "FORBIDDEN", "operation requires an administrator")

	ErrOperationFailed = NewLedgerError(KindFailure, "OPERATION_FAILED", "operation failed, please retry")
)

// Failure wraps a collaborator error behind the generic operation failure.
func Failure(cause error) error {
	if cause == nil {
		return nil
	}
	var le *LedgerError
	if errors.As(cause, &le) && le.Kind != KindFailure {
		return cause
	}
	dup := *ErrOperationFailed
	dup.cause = cause
	return &dup
}

// KindOf returns the kind of err, or KindFailure for foreign errors.
func KindOf(err error) ErrorKind {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindFailure
}
