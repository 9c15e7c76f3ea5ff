package payments

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/fortuna-labs/creditgate/pkg/credits"
)

type stubPaymentStore struct {
	mutex        sync.Mutex
	payments     map[string]Payment
	accounts     map[string]credits.Account
	transactions []credits.Transaction
	insertErr    error
}

func newStubPaymentStore() *stubPaymentStore {
	return &stubPaymentStore{
		payments: map[string]Payment{},
		accounts: map[string]credits.Account{},
	}
}

func (store *stubPaymentStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubPaymentStore) GetPayment(ctx context.Context, externalPaymentKey string) (Payment, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	payment, ok := store.payments[externalPaymentKey]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return payment, nil
}

func (store *stubPaymentStore) InsertPayment(ctx context.Context, payment Payment) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.insertErr != nil {
		return store.insertErr
	}
	if _, exists := store.payments[payment.ExternalPaymentKey]; exists {
		return ErrDuplicatePayment
	}
	store.payments[payment.ExternalPaymentKey] = payment
	return nil
}

func (store *stubPaymentStore) GetOrCreateAccount(ctx context.Context, accountID credits.AccountID) (credits.Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, ok := store.accounts[accountID.String()]
	if !ok {
		account = credits.Account{AccountID: accountID.String()}
		store.accounts[accountID.String()] = account
	}
	return account, nil
}

func (store *stubPaymentStore) AddCredits(ctx context.Context, accountID credits.AccountID, amount credits.CreditAmount, raiseLifetime bool) (credits.Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account := store.accounts[accountID.String()]
	account.AccountID = accountID.String()
	account.Credits += amount.Int64()
	if raiseLifetime {
		account.LifetimeCredits += amount.Int64()
	}
	store.accounts[accountID.String()] = account
	return account, nil
}

func (store *stubPaymentStore) InsertTransaction(ctx context.Context, transaction credits.Transaction) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.transactions = append(store.transactions, transaction)
	return nil
}

type stubConfirmationClient struct {
	mutex        sync.Mutex
	confirmation Confirmation
	confirmErr   error
	fetchErr     error
	confirmCalls int
	fetchCalls   int
}

func (client *stubConfirmationClient) Confirm(ctx context.Context, paymentKey, orderID string, amount int64) (Confirmation, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	client.confirmCalls++
	if client.confirmErr != nil {
		return Confirmation{}, client.confirmErr
	}
	return client.confirmation, nil
}

func (client *stubConfirmationClient) Fetch(ctx context.Context, paymentKey string) (Confirmation, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	client.fetchCalls++
	if client.fetchErr != nil {
		return Confirmation{}, client.fetchErr
	}
	return client.confirmation, nil
}

func mustPackageTable(test *testing.T) PackageTable {
	test.Helper()
	table, err := NewPackageTable([]CreditPackage{
		{Amount: 5000, Credits: 50},
		{Amount: 9000, Credits: 100},
	})
	if err != nil {
		test.Fatalf("build package table: %v", err)
	}
	return table
}

func mustReconciler(test *testing.T, store Store, client ConfirmationClient) *Reconciler {
	test.Helper()
	reconciler, err := NewReconciler(store, client, mustPackageTable(test), zap.NewNop())
	if err != nil {
		test.Fatalf("build reconciler: %v", err)
	}
	return reconciler
}

func mustPaymentAccountID(test *testing.T, raw string) credits.AccountID {
	test.Helper()
	accountID, err := credits.NewAccountID(raw)
	if err != nil {
		test.Fatalf("build account id: %v", err)
	}
	return accountID
}

func doneConfirmation(orderID string, amount int64) Confirmation {
	return Confirmation{
		PaymentKey:      "pk_123",
		OrderID:         orderID,
		Amount:          amount,
		Status:          PaymentStatusDone,
		ApprovedUnixUTC: 1700000000,
	}
}

func TestConfirmGrantsCreditsExactlyOnce(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore()
	client := &stubConfirmationClient{confirmation: doneConfirmation("order-1", 5000)}
	reconciler := mustReconciler(test, store, client)
	accountID := mustPaymentAccountID(test, "user-1")

	receipt, err := reconciler.Confirm(context.Background(), accountID, "pk_123", "order-1", 5000)
	if err != nil {
		test.Fatalf("confirm: %v", err)
	}
	if receipt.AlreadyProcessed {
		test.Fatal("first confirmation reported as replay")
	}
	if receipt.CreditsGranted != 50 {
		test.Fatalf("granted %d credits, want 50", receipt.CreditsGranted)
	}

	account := store.accounts["user-1"]
	if account.Credits != 50 || account.LifetimeCredits != 50 {
		test.Fatalf("account balance %d lifetime %d, want 50/50", account.Credits, account.LifetimeCredits)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("recorded %d transactions, want 1", len(store.transactions))
	}
	ledgerEntry := store.transactions[0]
	if ledgerEntry.Type != credits.TransactionCharge {
		test.Fatalf("transaction type %s, want charge", ledgerEntry.Type)
	}
	if ledgerEntry.CreditsBefore != 0 || ledgerEntry.CreditsAfter != 50 {
		test.Fatalf("transaction chain %d -> %d, want 0 -> 50", ledgerEntry.CreditsBefore, ledgerEntry.CreditsAfter)
	}
	if ledgerEntry.ReferenceID != receipt.PaymentID || ledgerEntry.ReferenceType != credits.ReferencePayment {
		test.Fatalf("transaction reference %s/%s does not point at the payment", ledgerEntry.ReferenceID, ledgerEntry.ReferenceType)
	}
}

func TestConfirmReplayReturnsOriginalReceiptWithoutProviderCall(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore()
	client := &stubConfirmationClient{confirmation: doneConfirmation("order-1", 5000)}
	reconciler := mustReconciler(test, store, client)
	accountID := mustPaymentAccountID(test, "user-1")

	first, err := reconciler.Confirm(context.Background(), accountID, "pk_123", "order-1", 5000)
	if err != nil {
		test.Fatalf("first confirm: %v", err)
	}
	second, err := reconciler.Confirm(context.Background(), accountID, "pk_123", "order-1", 5000)
	if err != nil {
		test.Fatalf("second confirm: %v", err)
	}

	if !second.AlreadyProcessed {
		test.Fatal("replay not flagged as already processed")
	}
	if second.PaymentID != first.PaymentID {
		test.Fatalf("replay returned payment %s, want %s", second.PaymentID, first.PaymentID)
	}
	if client.confirmCalls != 1 {
		test.Fatalf("provider confirmed %d times, want 1", client.confirmCalls)
	}
	if store.accounts["user-1"].Credits != 50 {
		test.Fatalf("balance %d after replay, want 50", store.accounts["user-1"].Credits)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("recorded %d transactions after replay, want 1", len(store.transactions))
	}
}

func TestConfirmConcurrentDuplicatesCreditOnce(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore()
	client := &stubConfirmationClient{confirmation: doneConfirmation("order-1", 9000)}
	reconciler := mustReconciler(test, store, client)
	accountID := mustPaymentAccountID(test, "user-1")

	const callers = 8
	receipts := make([]Receipt, callers)
	errs := make([]error, callers)
	var waitGroup sync.WaitGroup
	for index := 0; index < callers; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			receipts[index], errs[index] = reconciler.Confirm(context.Background(), accountID, "pk_123", "order-1", 9000)
		}(index)
	}
	waitGroup.Wait()

	winner := receipts[0].PaymentID
	for index := 0; index < callers; index++ {
		if errs[index] != nil {
			test.Fatalf("caller %d failed: %v", index, errs[index])
		}
		if receipts[index].PaymentID != winner {
			test.Fatalf("caller %d saw payment %s, want %s", index, receipts[index].PaymentID, winner)
		}
	}
	if store.accounts["user-1"].Credits != 100 {
		test.Fatalf("balance %d after %d duplicates, want 100", store.accounts["user-1"].Credits, callers)
	}
	if len(store.payments) != 1 {
		test.Fatalf("recorded %d payments, want 1", len(store.payments))
	}
	if len(store.transactions) != 1 {
		test.Fatalf("recorded %d transactions, want 1", len(store.transactions))
	}
}

func TestConfirmFallsBackToFetchWhenProviderAlreadyConfirmed(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore()
	client := &stubConfirmationClient{
		confirmation: doneConfirmation("order-1", 5000),
		confirmErr:   ErrAlreadyConfirmed,
	}
	reconciler := mustReconciler(test, store, client)

	receipt, err := reconciler.Confirm(context.Background(), mustPaymentAccountID(test, "user-1"), "pk_123", "order-1", 5000)
	if err != nil {
		test.Fatalf("confirm: %v", err)
	}
	if client.fetchCalls != 1 {
		test.Fatalf("fetched %d times, want 1", client.fetchCalls)
	}
	if receipt.CreditsGranted != 50 {
		test.Fatalf("granted %d credits, want 50", receipt.CreditsGranted)
	}
}

func TestConfirmErrorCases(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name         string
		confirmation Confirmation
		orderID      string
		amount       int64
		wantErr      error
	}{
		{
			name:         "order mismatch",
			confirmation: doneConfirmation("order-other", 5000),
			orderID:      "order-1",
			amount:       5000,
			wantErr:      ErrConfirmationMismatch,
		},
		{
			name:         "amount mismatch",
			confirmation: doneConfirmation("order-1", 9000),
			orderID:      "order-1",
			amount:       5000,
			wantErr:      ErrConfirmationMismatch,
		},
		{
			name: "provider rejected",
			confirmation: Confirmation{
				PaymentKey: "pk_123",
				OrderID:    "order-1",
				Amount:     5000,
				Status:     PaymentStatusCanceled,
			},
			orderID: "order-1",
			amount:  5000,
			wantErr: ErrConfirmationRejected,
		},
		{
			name:         "unknown package amount",
			confirmation: doneConfirmation("order-1", 777),
			orderID:      "order-1",
			amount:       777,
			wantErr:      ErrUnknownPackage,
		},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubPaymentStore()
			client := &stubConfirmationClient{confirmation: testCase.confirmation}
			reconciler := mustReconciler(test, store, client)

			_, err := reconciler.Confirm(context.Background(), mustPaymentAccountID(test, "user-1"), "pk_123", testCase.orderID, testCase.amount)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("confirm error %v, want %v", err, testCase.wantErr)
			}
			if len(store.payments) != 0 || len(store.transactions) != 0 {
				test.Fatal("failed confirmation left records behind")
			}
		})
	}
}

func TestConfirmRequiresKeyAndOrder(test *testing.T) {
	test.Parallel()
	reconciler := mustReconciler(test, newStubPaymentStore(), &stubConfirmationClient{})

	_, err := reconciler.Confirm(context.Background(), mustPaymentAccountID(test, "user-1"), "", "order-1", 5000)
	if !errors.Is(err, ErrConfirmationMismatch) {
		test.Fatalf("empty key error %v, want ErrConfirmationMismatch", err)
	}
}

func TestNewPackageTableValidation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		packages []CreditPackage
	}{
		{name: "empty", packages: nil},
		{name: "zero amount", packages: []CreditPackage{{Amount: 0, Credits: 10}}},
		{name: "zero credits", packages: []CreditPackage{{Amount: 5000, Credits: 0}}},
		{name: "duplicate amount", packages: []CreditPackage{{Amount: 5000, Credits: 10}, {Amount: 5000, Credits: 20}}},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if _, err := NewPackageTable(testCase.packages); !errors.Is(err, ErrInvalidPackageTable) {
				test.Fatalf("error %v, want ErrInvalidPackageTable", err)
			}
		})
	}
}

func TestNewReconcilerRejectsNilDependencies(test *testing.T) {
	test.Parallel()
	table := mustPackageTable(test)

	if _, err := NewReconciler(nil, &stubConfirmationClient{}, table, zap.NewNop()); !errors.Is(err, ErrInvalidReconcilerConfig) {
		test.Fatalf("nil store error %v, want ErrInvalidReconcilerConfig", err)
	}
	if _, err := NewReconciler(newStubPaymentStore(), nil, table, zap.NewNop()); !errors.Is(err, ErrInvalidReconcilerConfig) {
		test.Fatalf("nil client error %v, want ErrInvalidReconcilerConfig", err)
	}
	if _, err := NewReconciler(newStubPaymentStore(), &stubConfirmationClient{}, PackageTable{}, zap.NewNop()); !errors.Is(err, ErrInvalidReconcilerConfig) {
		test.Fatalf("empty table error %v, want ErrInvalidReconcilerConfig", err)
	}
}
