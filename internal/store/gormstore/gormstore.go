// Package gormstore persists accounts, transactions, payments, prompt
// templates, and experiments through GORM against Postgres or SQLite.
package gormstore

import (
	"errors"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/fortuna-labs/creditgate/internal/payments"
	"github.com/fortuna-labs/creditgate/internal/prompt"
	"github.com/fortuna-labs/creditgate/pkg/credits"
)

const (
	constraintPaymentExternalKey = "uniq_payments_external_key"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectTransaction      = "transaction"
	errorCodeCreate              = "create"
	errorCodeDebit               = "debit"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLookup              = "lookup"
	errorCodeRefresh             = "refresh"
)

// Store bundles the per-domain persistence views over one gorm.DB so a
// transaction opened by any view spans all of them.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates every table this store owns.
func (store *Store) AutoMigrate() error {
	return store.db.AutoMigrate(
		&Account{},
		&CreditTransaction{},
		&Payment{},
		&PromptTemplate{},
		&Experiment{},
	)
}

// Credits returns the credit ledger view.
func (store *Store) Credits() credits.Store {
	return &creditStore{db: store.db}
}

// Prompts returns the template and experiment view.
func (store *Store) Prompts() prompt.Store {
	return &promptStore{db: store.db}
}

// Payments returns the payment reconciliation view.
func (store *Store) Payments() payments.Store {
	return &paymentStore{creditStore: creditStore{db: store.db}}
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && (constraintName == "" || pgErr.ConstraintName == constraintName)
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
