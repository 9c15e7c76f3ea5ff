package credits

import (
	"context"
	"fmt"
	"strings"
)

// CreditAmount is a strictly positive amount of credits.
type CreditAmount int64

// AccountID identifies an account owner.
type AccountID struct {
	value string
}

// ServiceType identifies a billable AI service.
type ServiceType struct {
	value string
}

// TransactionType enumerates balance-changing transaction kinds.
type TransactionType string

const (
	TransactionCharge TransactionType = "charge"
	TransactionDebit  TransactionType = "debit"
	TransactionRefund TransactionType = "refund"
)

// ReferenceType names the cause of a transaction.
type ReferenceType string

const (
	ReferencePayment           ReferenceType = "payment"
	ReferenceServiceInvocation ReferenceType = "service_invocation"
)

// Account is the durable balance record, owned exclusively by the store.
type Account struct {
	AccountID       string
	Credits         int64
	LifetimeCredits int64
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	TransactionID  string
	AccountID      string
	Type           TransactionType
	Amount         int64
	CreditsBefore  int64
	CreditsAfter   int64
	ReferenceID    string
	ReferenceType  ReferenceType
	CreatedUnixUTC int64
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewServiceType validates and normalizes a service type.
func NewServiceType(raw string) (ServiceType, error) {
	trimmed := strings.TrimSpace(strings.ToLower(raw))
	if trimmed == "" {
		return ServiceType{}, fmt.Errorf("%w: empty value", ErrInvalidServiceType)
	}
	return ServiceType{value: trimmed}, nil
}

// String returns the normalized service type.
func (serviceType ServiceType) String() string {
	return serviceType.value
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw amount.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionCharge, TransactionDebit, TransactionRefund:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// ParseReferenceType validates a stored reference type.
func ParseReferenceType(raw string) (ReferenceType, error) {
	switch ReferenceType(raw) {
	case ReferencePayment, ReferenceServiceInvocation:
		return ReferenceType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReferenceType, raw)
}

// String returns the stored representation.
func (referenceType ReferenceType) String() string {
	return string(referenceType)
}

// Store is the persistence contract used by Service. The debit path must be a
// single conditional decrement so that concurrent debits serialize on the
// account row rather than on a read-then-write gap.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, accountID AccountID) (Account, error)
	// DebitCredits decrements credits only when the balance covers the amount
	// and returns the post-decrement account. An insufficient balance yields
	// ErrInsufficientCredits without mutating the row.
	DebitCredits(ctx context.Context, accountID AccountID, amount CreditAmount) (Account, error)
	// AddCredits increments credits (and lifetime credits when raiseLifetime
	// is set) and returns the post-increment account.
	AddCredits(ctx context.Context, accountID AccountID, amount CreditAmount, raiseLifetime bool) (Account, error)
	InsertTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error)
}
