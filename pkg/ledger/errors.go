package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrInsufficientFunds            = errors.New("insufficient funds")
	ErrAccountNotFound              = errors.New("account not found")
	ErrAccountExists                = errors.New("account already exists")
	ErrAccountInactive              = errors.New("account inactive")
	ErrIdempotencyKeyReused         = errors.New("idempotency key reused with different request")
	ErrDuplicateExternalTransaction = errors.New("duplicate external transaction")
	ErrOriginalTransactionNotFound  = errors.New("original transaction not found")
	ErrJobNotFound                  = errors.New("job not found")
	ErrInvalidJobTransition         = errors.New("invalid job transition")
	ErrSubscriptionNotFound         = errors.New("subscription not found")
	ErrSubscriptionLapsed           = errors.New("subscription lapsed")
	ErrSubscriptionAccountMismatch  = errors.New("subscription belongs to another account")
	ErrConfiguration                = errors.New("configuration error")
	ErrInvalidAccountID             = errors.New("invalid account id")
	ErrInvalidAccountStatus         = errors.New("invalid account status")
	ErrInvalidIdempotencyKey        = errors.New("invalid idempotency key")
	ErrInvalidExternalTransactionID = errors.New("invalid external transaction id")
	ErrInvalidCredits               = errors.New("invalid credit amount")
	ErrInvalidEntryReason           = errors.New("invalid entry reason")
	ErrInvalidJobStatus             = errors.New("invalid job status")
	ErrInvalidSubscriptionStatus    = errors.New("invalid subscription status")
	ErrInvalidOperationSpec         = errors.New("invalid operation spec")
	ErrInvalidOverdraftPolicy       = errors.New("invalid overdraft policy")
	ErrInvalidMetadataJSON          = errors.New("invalid metadata json")
	ErrInvalidServiceConfig         = errors.New("invalid service config")
)

// InsufficientFundsError carries the shortfall details alongside ErrInsufficientFunds.
type InsufficientFundsError struct {
	Balance  Credits
	Required Credits
}

// Error returns the formatted error message.
func (insufficient InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %d, required %d", insufficient.Balance, insufficient.Required)
}

// Unwrap ties the typed error to the ErrInsufficientFunds sentinel.
func (insufficient InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
