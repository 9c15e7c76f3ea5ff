package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credits service.
var (
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrLedgerWrite            = errors.New("ledger write failed")
	ErrUnknownAccount         = errors.New("unknown account")
	ErrInvalidAccountID       = errors.New("invalid account id")
	ErrInvalidServiceType     = errors.New("invalid service type")
	ErrInvalidCreditAmount    = errors.New("invalid credit amount")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidReferenceType   = errors.New("invalid reference type")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrInvalidBalance         = errors.New("invalid balance")
)

// InsufficientCreditsError reports the exact shortfall to the caller.
type InsufficientCreditsError struct {
	Required int64
	Current  int64
}

// Error returns the formatted shortfall message.
func (insufficient InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, current %d", insufficient.Required, insufficient.Current)
}

// Unwrap ties the typed error to the ErrInsufficientCredits sentinel.
func (insufficient InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
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
