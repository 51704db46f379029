package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/store"
)

func TestOpenAccount(t *testing.T) {
	network := newFakeNetwork()
	bank := newNode(t, network, "LHV", 0)

	tests := []struct {
		name    string
		req     domain.OpenAccountRequest
		wantErr error
	}{
		{name: "defaults to EUR", req: domain.OpenAccountRequest{OwnerID: "user_1", OwnerName: "Ann"}},
		{name: "explicit currency", req: domain.OpenAccountRequest{OwnerID: "user_1", Currency: domain.CurrencyGBP, InitialDeposit: 500}},
		{name: "unknown currency", req: domain.OpenAccountRequest{OwnerID: "user_1", Currency: "JPY"}, wantErr: ErrInvalidCurrency},
		{name: "negative deposit", req: domain.OpenAccountRequest{OwnerID: "user_1", InitialDeposit: -1}, wantErr: ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account, err := bank.svc.OpenAccount(context.Background(), tt.req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.HasPrefix(account.AccountNumber, "LHV") {
				t.Fatalf("expected LHV prefix, got %q", account.AccountNumber)
			}
			if !account.Active || account.Currency == "" || account.OwnerName == "" {
				t.Fatalf("unexpected account %+v", account)
			}
		})
	}

	accounts, err := bank.svc.ListAccounts(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
}

func TestAuthorizeSourceAccount(t *testing.T) {
	network := newFakeNetwork()
	bank := newNode(t, network, "LHV", 0)
	number := bank.openAccount(t, "alice", 100)

	account, err := bank.svc.GetAccount(context.Background(), "alice", number)
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.Balance)

	_, err = bank.svc.AuthorizeSourceAccount(context.Background(), "mallory", number)
	require.ErrorIs(t, err, ErrAccountAccessDenied)

	_, err = bank.svc.AuthorizeSourceAccount(context.Background(), "alice", "LHVnope")
	require.ErrorIs(t, err, store.ErrAccountNotFound)
}

func TestGetTransactionStatusUnknown(t *testing.T) {
	network := newFakeNetwork()
	bank := newNode(t, network, "LHV", 0)

	_, err := bank.svc.GetTransactionStatus(context.Background(), "TRX000")
	require.ErrorIs(t, err, store.ErrTransactionNotFound)
}

func TestRegisterWithDirectory(t *testing.T) {
	network := newFakeNetwork()
	bank := newNode(t, network, "LHV", 0)
	delete(network.banks, "LHV")

	registered, err := bank.svc.RegisterWithDirectory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "LHV", registered.Prefix)
	assert.Equal(t, "LHV bank", registered.Name)
	assert.Equal(t, bank.server.URL, registered.APIURL)
	assert.Equal(t, bank.server.URL+"/.well-known/jwks.json", registered.JWKSURL)

	health := bank.svc.DirectoryHealth(context.Background())
	assert.True(t, health.Connected)
}

func TestListTransactionsFilters(t *testing.T) {
	network := newFakeNetwork()
	bank := newNode(t, network, "LHV", 0)
	x := bank.openAccount(t, "alice", 10000)
	y := bank.openAccount(t, "bob", 0)

	for i := 0; i < 3; i++ {
		_, err := bank.svc.SubmitInternal(context.Background(), domain.TransferRequest{FromAccount: x, ToAccount: y, Amount: 100, InitiatedBy: "alice"})
		require.NoError(t, err)
	}

	mine, err := bank.svc.ListTransactions(context.Background(), domain.TransactionFilter{InitiatedBy: "alice"})
	require.NoError(t, err)
	assert.Len(t, mine, 3)

	theirs, err := bank.svc.ListTransactions(context.Background(), domain.TransactionFilter{InitiatedBy: "bob"})
	require.NoError(t, err)
	assert.Empty(t, theirs)

	completed, err := bank.svc.ListTransactions(context.Background(), domain.TransactionFilter{AccountNumber: y, Status: domain.StatusCompleted, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, completed, 2)
}

func TestKeySetPublishesSigningKey(t *testing.T) {
	network := newFakeNetwork()
	bank := newNode(t, network, "LHV", 0)

	set := bank.svc.KeySet()
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "LHV-key-1", set.Keys[0].Kid)
	assert.Equal(t, "LHV", bank.svc.Prefix())
}
