/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * ledger operations required by the settlement service. The settlement engine only
 * talks to this interface, so it runs unchanged against PostgreSQL or the in-memory
 * implementation used for local development and tests.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/transfa/settlement-service/internal/domain"
)

var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrAccountInactive         = errors.New("account is inactive")
	ErrAccountExists           = errors.New("account already exists")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrBalanceOverflow         = errors.New("credit would overflow account balance")
	ErrInvalidAmount           = errors.New("amount must be positive")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrDuplicateTransaction    = errors.New("duplicate transaction")
	ErrInvalidStatusTransition = errors.New("invalid transaction status transition")
)

// Repository defines the set of methods for interacting with the ledger.
type Repository interface {
	// Account methods. Debit and Credit are the only balance mutations and each is
	// applied atomically and serialized per account.
	CreateAccount(ctx context.Context, account *domain.Account) error
	FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error)
	ListAccountsByOwner(ctx context.Context, ownerID string) ([]domain.Account, error)
	SetAccountActive(ctx context.Context, accountNumber string, active bool) error
	Debit(ctx context.Context, accountNumber string, amount int64) error
	Credit(ctx context.Context, accountNumber string, amount int64) error

	// Transaction methods. TransactionID is unique; inserting it twice returns
	// ErrDuplicateTransaction.
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	FindTransactionByTransactionID(ctx context.Context, transactionID string) (*domain.Transaction, error)
	TransactionExists(ctx context.Context, transactionID string) (bool, error)
	UpdateTransactionStatus(ctx context.Context, transactionID string, status domain.TransactionStatus, errorMessage *string) (*domain.Transaction, error)
	UpdateTransactionParties(ctx context.Context, transactionID string, params UpdateTransactionPartiesParams) error
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error)
	FindStaleTransactions(ctx context.Context, txType domain.TransactionType, status domain.TransactionStatus, updatedBefore time.Time, limit int) ([]domain.Transaction, error)
}

// UpdateTransactionPartiesParams fills in counterparty details learned mid-flight.
// Nil fields are left unchanged.
type UpdateTransactionPartiesParams struct {
	ReceiverName       *string
	SenderBankPrefix   *string
	ReceiverBankPrefix *string
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
