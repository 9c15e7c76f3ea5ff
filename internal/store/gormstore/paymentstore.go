package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fortuna-labs/creditgate/internal/payments"
	"github.com/fortuna-labs/creditgate/pkg/credits"
)

// paymentStore implements payments.Store. It embeds the credit view so the
// reconciler's payment insert and ledger charge share one transaction.
type paymentStore struct {
	creditStore
}

func (store *paymentStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore payments.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &paymentStore{creditStore: creditStore{db: transaction}})
	})
}

func (store *paymentStore) GetPayment(ctx context.Context, externalPaymentKey string) (payments.Payment, error) {
	var row Payment
	err := store.db.WithContext(ctx).
		Where("external_payment_key = ?", externalPaymentKey).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payments.Payment{}, payments.ErrPaymentNotFound
	}
	if err != nil {
		return payments.Payment{}, fmt.Errorf("load payment %s: %w", externalPaymentKey, err)
	}
	return mapPayment(row)
}

func (store *paymentStore) InsertPayment(ctx context.Context, payment payments.Payment) error {
	var approvedAt *time.Time
	if payment.ApprovedUnixUTC != 0 {
		value := time.Unix(payment.ApprovedUnixUTC, 0).UTC()
		approvedAt = &value
	}
	row := Payment{
		PaymentID:          payment.PaymentID,
		AccountID:          payment.AccountID.String(),
		ExternalPaymentKey: payment.ExternalPaymentKey,
		OrderID:            payment.OrderID,
		Amount:             payment.Amount,
		Status:             string(payment.Status),
		CreditsGranted:     payment.CreditsGranted,
		ApprovedAt:         approvedAt,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintPaymentExternalKey) {
		return payments.ErrDuplicatePayment
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func mapPayment(row Payment) (payments.Payment, error) {
	accountID, err := credits.NewAccountID(row.AccountID)
	if err != nil {
		return payments.Payment{}, err
	}
	var approvedUnix int64
	if row.ApprovedAt != nil {
		approvedUnix = row.ApprovedAt.Unix()
	}
	return payments.Payment{
		PaymentID:          row.PaymentID,
		AccountID:          accountID,
		ExternalPaymentKey: row.ExternalPaymentKey,
		OrderID:            row.OrderID,
		Amount:             row.Amount,
		Status:             payments.PaymentStatus(row.Status),
		CreditsGranted:     row.CreditsGranted,
		ApprovedUnixUTC:    approvedUnix,
	}, nil
}
