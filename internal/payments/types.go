// Package payments reconciles external payment confirmations into the credit
// ledger. A confirmation may arrive any number of times (retries, webhook
// replays, double-clicks); the reconciler grants credits exactly once per
// external payment key.
package payments

import (
	"context"
	"fmt"

	"github.com/fortuna-labs/creditgate/pkg/credits"
)

// PaymentStatus mirrors the provider's terminal state for a payment.
type PaymentStatus string

const (
	PaymentStatusDone     PaymentStatus = "done"
	PaymentStatusCanceled PaymentStatus = "canceled"
)

// Payment is the durable record of one reconciled confirmation. It is created
// exactly once per external payment key and never mutated afterwards except
// for status fields mirrored from the provider.
type Payment struct {
	PaymentID          string
	AccountID          credits.AccountID
	ExternalPaymentKey string
	OrderID            string
	Amount             int64
	Status             PaymentStatus
	CreditsGranted     int64
	ApprovedUnixUTC    int64
}

// Receipt is the caller-facing outcome of one Confirm call. Replays of an
// already-reconciled key return the original receipt with AlreadyProcessed
// set.
type Receipt struct {
	PaymentID          string
	AccountID          string
	ExternalPaymentKey string
	OrderID            string
	Amount             int64
	CreditsGranted     int64
	AlreadyProcessed   bool
}

// Confirmation is the provider's view of a payment after confirm or fetch.
type Confirmation struct {
	PaymentKey      string
	OrderID         string
	Amount          int64
	Status          PaymentStatus
	ApprovedUnixUTC int64
}

// ConfirmationClient talks to the external payment provider with the
// server-held secret.
type ConfirmationClient interface {
	// Confirm finalizes a payment with the provider. A payment the provider
	// already finalized returns ErrAlreadyConfirmed.
	Confirm(ctx context.Context, paymentKey, orderID string, amount int64) (Confirmation, error)
	// Fetch reads the provider's record of an already-finalized payment.
	Fetch(ctx context.Context, paymentKey string) (Confirmation, error)
}

// Store is the persistence contract for payment reconciliation. The credit
// operations run against the same transactional unit as the payment insert so
// a confirmation grants its credits atomically.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// GetPayment returns the reconciled payment for an external key, or
	// ErrPaymentNotFound.
	GetPayment(ctx context.Context, externalPaymentKey string) (Payment, error)
	// InsertPayment persists a payment record. A second insert for the same
	// external key returns ErrDuplicatePayment.
	InsertPayment(ctx context.Context, payment Payment) error
	GetOrCreateAccount(ctx context.Context, accountID credits.AccountID) (credits.Account, error)
	AddCredits(ctx context.Context, accountID credits.AccountID, amount credits.CreditAmount, raiseLifetime bool) (credits.Account, error)
	InsertTransaction(ctx context.Context, transaction credits.Transaction) error
}

// CreditPackage maps one purchasable order amount to the credits it grants.
type CreditPackage struct {
	Amount  int64
	Credits int64
}

// PackageTable resolves confirmed order amounts to granted credits. Amounts
// outside the table are rejected rather than prorated.
type PackageTable struct {
	creditsByAmount map[int64]int64
}

// NewPackageTable builds a package table from configuration.
func NewPackageTable(packages []CreditPackage) (PackageTable, error) {
	if len(packages) == 0 {
		return PackageTable{}, fmt.Errorf("%w: no credit packages configured", ErrInvalidPackageTable)
	}
	creditsByAmount := make(map[int64]int64, len(packages))
	for _, creditPackage := range packages {
		if creditPackage.Amount <= 0 || creditPackage.Credits <= 0 {
			return PackageTable{}, fmt.Errorf("%w: package %d -> %d must be positive", ErrInvalidPackageTable, creditPackage.Amount, creditPackage.Credits)
		}
		if _, exists := creditsByAmount[creditPackage.Amount]; exists {
			return PackageTable{}, fmt.Errorf("%w: duplicate package amount %d", ErrInvalidPackageTable, creditPackage.Amount)
		}
		creditsByAmount[creditPackage.Amount] = creditPackage.Credits
	}
	return PackageTable{creditsByAmount: creditsByAmount}, nil
}

// CreditsFor returns the credits granted for a confirmed order amount.
func (table PackageTable) CreditsFor(amount int64) (int64, error) {
	granted, ok := table.creditsByAmount[amount]
	if !ok {
		return 0, fmt.Errorf("%w: no package for amount %d", ErrUnknownPackage, amount)
	}
	return granted, nil
}
