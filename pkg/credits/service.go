package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the ledger domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the current account record, creating it on first contact.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Account, error) {
	account, err := service.store.GetOrCreateAccount(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	if account.Credits < 0 {
		return Account{}, WrapError(operationBalance, "account", "negative_balance", ErrInvalidBalance)
	}
	return account, nil
}

// Debit atomically consumes credits for one service invocation. The balance
// check and the decrement are a single conditional update inside one
// transaction, so no two concurrent debits can compute overlapping
// before/after pairs. Any failure to record the transaction aborts the debit.
func (service *Service) Debit(ctx context.Context, accountID AccountID, serviceType ServiceType, amount CreditAmount, referenceID string) (Transaction, error) {
	var recorded Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, accountID)
		if err != nil {
			return err
		}
		debited, err := transactionStore.DebitCredits(ctx, accountID, amount)
		if errors.Is(err, ErrInsufficientCredits) {
			return InsufficientCreditsError{Required: amount.Int64(), Current: account.Credits}
		}
		if err != nil {
			return err
		}
		recorded = Transaction{
			TransactionID:  uuid.NewString(),
			AccountID:      debited.AccountID,
			Type:           TransactionDebit,
			Amount:         amount.Int64(),
			CreditsBefore:  debited.Credits + amount.Int64(),
			CreditsAfter:   debited.Credits,
			ReferenceID:    referenceID,
			ReferenceType:  ReferenceServiceInvocation,
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertTransaction(ctx, recorded); err != nil {
			return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationDebit,
		AccountID:   accountID,
		ServiceType: serviceType,
		Amount:      amount.Int64(),
		ReferenceID: referenceID,
		Error:       operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return recorded, nil
}

// Refund reverses a prior debit after a failed downstream call. It never
// raises lifetime credits.
func (service *Service) Refund(ctx context.Context, accountID AccountID, amount CreditAmount, referenceID string) (Transaction, error) {
	var recorded Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, accountID); err != nil {
			return err
		}
		credited, err := transactionStore.AddCredits(ctx, accountID, amount, false)
		if err != nil {
			return err
		}
		recorded = Transaction{
			TransactionID:  uuid.NewString(),
			AccountID:      credited.AccountID,
			Type:           TransactionRefund,
			Amount:         amount.Int64(),
			CreditsBefore:  credited.Credits - amount.Int64(),
			CreditsAfter:   credited.Credits,
			ReferenceID:    referenceID,
			ReferenceType:  ReferenceServiceInvocation,
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertTransaction(ctx, recorded); err != nil {
			return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationRefund,
		AccountID:   accountID,
		Amount:      amount.Int64(),
		ReferenceID: referenceID,
		Error:       operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return recorded, nil
}

// Charge grants purchased credits and raises lifetime credits. Only the
// payment reconciler calls this, referencing the payment record.
func (service *Service) Charge(ctx context.Context, accountID AccountID, amount CreditAmount, referenceID string) (Transaction, error) {
	var recorded Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, accountID); err != nil {
			return err
		}
		credited, err := transactionStore.AddCredits(ctx, accountID, amount, true)
		if err != nil {
			return err
		}
		recorded = Transaction{
			TransactionID:  uuid.NewString(),
			AccountID:      credited.AccountID,
			Type:           TransactionCharge,
			Amount:         amount.Int64(),
			CreditsBefore:  credited.Credits - amount.Int64(),
			CreditsAfter:   credited.Credits,
			ReferenceID:    referenceID,
			ReferenceType:  ReferencePayment,
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertTransaction(ctx, recorded); err != nil {
			return fmt.Errorf("%w: %v", ErrLedgerWrite, err)
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationCharge,
		AccountID:   accountID,
		Amount:      amount.Int64(),
		ReferenceID: referenceID,
		Error:       operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return recorded, nil
}

// History lists ledger transactions for an account before a cutoff time.
func (service *Service) History(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if _, err := service.store.GetOrCreateAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, accountID, beforeUnixUTC, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
