package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortuna-labs/creditgate/pkg/credits"
)

// Reconciler turns provider confirmations into ledger charges exactly once
// per external payment key. The storage-level uniqueness constraint on the
// key is the serialization point: concurrent duplicates race to one insert
// and the losers re-read the winner's record.
type Reconciler struct {
	store    Store
	client   ConfirmationClient
	packages PackageTable
	logger   *zap.Logger
	nowFn    func() int64
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerClock overrides the reconciler clock.
func WithReconcilerClock(now func() int64) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if now != nil {
			reconciler.nowFn = now
		}
	}
}

// NewReconciler wires a Reconciler.
func NewReconciler(store Store, client ConfirmationClient, packages PackageTable, logger *zap.Logger, options ...ReconcilerOption) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidReconcilerConfig)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: confirmation client dependency is nil", ErrInvalidReconcilerConfig)
	}
	if len(packages.creditsByAmount) == 0 {
		return nil, fmt.Errorf("%w: empty package table", ErrInvalidReconcilerConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reconciler := &Reconciler{
		store:    store,
		client:   client,
		packages: packages,
		logger:   logger,
		nowFn:    func() int64 { return time.Now().UTC().Unix() },
	}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// Confirm reconciles one external confirmation. The initial lookup keeps
// replays of an already-reconciled key off the provider entirely; after the
// provider round-trip, a single atomic insert guarded by the unique external
// key decides the winner between concurrent duplicates, and a conflict is
// treated as an idempotent replay rather than an error.
func (reconciler *Reconciler) Confirm(ctx context.Context, accountID credits.AccountID, externalPaymentKey, orderID string, amount int64) (Receipt, error) {
	if externalPaymentKey == "" || orderID == "" {
		return Receipt{}, fmt.Errorf("%w: payment key and order id are required", ErrConfirmationMismatch)
	}

	existing, err := reconciler.store.GetPayment(ctx, externalPaymentKey)
	if err == nil {
		return replayReceipt(existing), nil
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return Receipt{}, err
	}

	confirmation, err := reconciler.client.Confirm(ctx, externalPaymentKey, orderID, amount)
	if errors.Is(err, ErrAlreadyConfirmed) {
		confirmation, err = reconciler.client.Fetch(ctx, externalPaymentKey)
	}
	if err != nil {
		return Receipt{}, err
	}
	if confirmation.OrderID != orderID || confirmation.Amount != amount {
		return Receipt{}, fmt.Errorf("%w: provider reports order %s amount %d", ErrConfirmationMismatch, confirmation.OrderID, confirmation.Amount)
	}
	if confirmation.Status != PaymentStatusDone {
		return Receipt{}, fmt.Errorf("%w: provider status %q", ErrConfirmationRejected, confirmation.Status)
	}

	granted, err := reconciler.packages.CreditsFor(confirmation.Amount)
	if err != nil {
		return Receipt{}, err
	}
	grantedAmount, err := credits.NewCreditAmount(granted)
	if err != nil {
		return Receipt{}, err
	}

	payment := Payment{
		PaymentID:          uuid.NewString(),
		AccountID:          accountID,
		ExternalPaymentKey: externalPaymentKey,
		OrderID:            orderID,
		Amount:             confirmation.Amount,
		Status:             confirmation.Status,
		CreditsGranted:     granted,
		ApprovedUnixUTC:    confirmation.ApprovedUnixUTC,
	}

	err = reconciler.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.InsertPayment(ctx, payment); err != nil {
			return err
		}
		if _, err := transactionStore.GetOrCreateAccount(ctx, accountID); err != nil {
			return err
		}
		charged, err := transactionStore.AddCredits(ctx, accountID, grantedAmount, true)
		if err != nil {
			return err
		}
		ledgerEntry := credits.Transaction{
			TransactionID:  uuid.NewString(),
			AccountID:      accountID.String(),
			Type:           credits.TransactionCharge,
			Amount:         granted,
			CreditsBefore:  charged.Credits - granted,
			CreditsAfter:   charged.Credits,
			ReferenceID:    payment.PaymentID,
			ReferenceType:  credits.ReferencePayment,
			CreatedUnixUTC: reconciler.nowFn(),
		}
		if err := transactionStore.InsertTransaction(ctx, ledgerEntry); err != nil {
			return fmt.Errorf("%w: %v", credits.ErrLedgerWrite, err)
		}
		return nil
	})
	if errors.Is(err, ErrDuplicatePayment) {
		reconciler.logger.Info("concurrent duplicate confirmation lost the insert race",
			zap.String("external_payment_key", externalPaymentKey))
		winner, readErr := reconciler.store.GetPayment(ctx, externalPaymentKey)
		if readErr != nil {
			return Receipt{}, readErr
		}
		return replayReceipt(winner), nil
	}
	if err != nil {
		return Receipt{}, err
	}

	reconciler.logger.Info("payment reconciled",
		zap.String("external_payment_key", externalPaymentKey),
		zap.String("order_id", orderID),
		zap.Int64("credits_granted", granted))
	return Receipt{
		PaymentID:          payment.PaymentID,
		AccountID:          accountID.String(),
		ExternalPaymentKey: externalPaymentKey,
		OrderID:            orderID,
		Amount:             payment.Amount,
		CreditsGranted:     granted,
	}, nil
}

func replayReceipt(payment Payment) Receipt {
	return Receipt{
		PaymentID:          payment.PaymentID,
		AccountID:          payment.AccountID.String(),
		ExternalPaymentKey: payment.ExternalPaymentKey,
		OrderID:            payment.OrderID,
		Amount:             payment.Amount,
		CreditsGranted:     payment.CreditsGranted,
		AlreadyProcessed:   true,
	}
}
