package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/fortuna-labs/creditgate/pkg/credits"
)

// creditStore implements credits.Store.
type creditStore struct {
	db *gorm.DB
}

func (store *creditStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &creditStore{db: transaction})
	})
}

func (store *creditStore) GetOrCreateAccount(ctx context.Context, accountID credits.AccountID) (credits.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		FirstOrCreate(&account, Account{AccountID: accountID.String()}).Error
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account), nil
}

// DebitCredits is the admission serialization point: a single conditional
// decrement that only fires when the balance covers the amount. Zero rows
// affected on an existing account means insufficient credits.
func (store *creditStore) DebitCredits(ctx context.Context, accountID credits.AccountID, amount credits.CreditAmount) (credits.Account, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND credits >= ?", accountID.String(), amount.Int64()).
		Update("credits", gorm.Expr("credits - ?", amount.Int64()))
	if result.Error != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		var account Account
		err := store.db.WithContext(ctx).
			Where("account_id = ?", accountID.String()).
			Take(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeDebit, credits.ErrUnknownAccount)
		}
		if err != nil {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeDebit, err)
		}
		return credits.Account{}, credits.ErrInsufficientCredits
	}
	return store.refreshAccount(ctx, accountID)
}

func (store *creditStore) AddCredits(ctx context.Context, accountID credits.AccountID, amount credits.CreditAmount, raiseLifetime bool) (credits.Account, error) {
	updates := map[string]interface{}{
		"credits": gorm.Expr("credits + ?", amount.Int64()),
	}
	if raiseLifetime {
		updates["lifetime_credits"] = gorm.Expr("lifetime_credits + ?", amount.Int64())
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(updates)
	if result.Error != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeRefresh, result.Error)
	}
	if result.RowsAffected == 0 {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeRefresh, credits.ErrUnknownAccount)
	}
	return store.refreshAccount(ctx, accountID)
}

func (store *creditStore) InsertTransaction(ctx context.Context, transaction credits.Transaction) error {
	row := CreditTransaction{
		TransactionID: transaction.TransactionID,
		AccountID:     transaction.AccountID,
		Type:          transaction.Type.String(),
		Amount:        transaction.Amount,
		CreditsBefore: transaction.CreditsBefore,
		CreditsAfter:  transaction.CreditsAfter,
		ReferenceID:   transaction.ReferenceID,
		ReferenceType: transaction.ReferenceType.String(),
		CreatedAt:     time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() || transaction.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *creditStore) ListTransactions(ctx context.Context, accountID credits.AccountID, beforeUnixUTC int64, limit int) ([]credits.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *creditStore) refreshAccount(ctx context.Context, accountID credits.AccountID) (credits.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&account).Error
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeRefresh, err)
	}
	return mapAccount(account), nil
}

func mapAccount(row Account) credits.Account {
	return credits.Account{
		AccountID:       row.AccountID,
		Credits:         row.Credits,
		LifetimeCredits: row.LifetimeCredits,
	}
}

func mapTransaction(row CreditTransaction) (credits.Transaction, error) {
	transactionType, err := credits.ParseTransactionType(row.Type)
	if err != nil {
		return credits.Transaction{}, err
	}
	referenceType, err := credits.ParseReferenceType(row.ReferenceType)
	if err != nil {
		return credits.Transaction{}, err
	}
	return credits.Transaction{
		TransactionID:  row.TransactionID,
		AccountID:      row.AccountID,
		Type:           transactionType,
		Amount:         row.Amount,
		CreditsBefore:  row.CreditsBefore,
		CreditsAfter:   row.CreditsAfter,
		ReferenceID:    row.ReferenceID,
		ReferenceType:  referenceType,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}
