package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/transfa/settlement-service/internal/domain"
)

// MemoryRepository keeps the ledger in process memory. It is used when no database is
// configured and by tests. A single mutex serializes every mutation, which trivially
// linearizes debits and credits per account.
type MemoryRepository struct {
	mu           sync.Mutex
	accounts     map[string]*domain.Account
	transactions map[string]*domain.Transaction
	now          func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return NewMemoryRepositoryWithClock(time.Now)
}

func NewMemoryRepositoryWithClock(now func() time.Time) *MemoryRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryRepository{
		accounts:     make(map[string]*domain.Account),
		transactions: make(map[string]*domain.Transaction),
		now:          now,
	}
}

func (m *MemoryRepository) CreateAccount(_ context.Context, account *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[account.AccountNumber]; exists {
		return ErrAccountExists
	}
	if account.Balance < 0 {
		return ErrInvalidAmount
	}
	now := m.now()
	account.CreatedAt = now
	account.UpdatedAt = now
	stored := *account
	m.accounts[account.AccountNumber] = &stored
	return nil
}

func (m *MemoryRepository) FindAccountByNumber(_ context.Context, accountNumber string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountNumber]
	if !ok {
		return nil, ErrAccountNotFound
	}
	out := *account
	return &out, nil
}

func (m *MemoryRepository) ListAccountsByOwner(_ context.Context, ownerID string) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var accounts []domain.Account
	for _, account := range m.accounts {
		if account.OwnerID == ownerID {
			accounts = append(accounts, *account)
		}
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].AccountNumber < accounts[j].AccountNumber
		}
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
	return accounts, nil
}

func (m *MemoryRepository) SetAccountActive(_ context.Context, accountNumber string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountNumber]
	if !ok {
		return ErrAccountNotFound
	}
	account.Active = active
	account.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) Debit(_ context.Context, accountNumber string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountNumber]
	if !ok {
		return ErrAccountNotFound
	}
	if !account.Active {
		return ErrAccountInactive
	}
	if account.Balance < amount {
		return ErrInsufficientFunds
	}
	account.Balance -= amount
	account.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) Credit(_ context.Context, accountNumber string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountNumber]
	if !ok {
		return ErrAccountNotFound
	}
	if !account.Active {
		return ErrAccountInactive
	}
	if amount > math.MaxInt64-account.Balance {
		return ErrBalanceOverflow
	}
	account.Balance += amount
	account.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) CreateTransaction(_ context.Context, tx *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transactions[tx.TransactionID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, tx.TransactionID)
	}
	now := m.now()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	stored := *tx
	m.transactions[tx.TransactionID] = &stored
	return nil
}

func (m *MemoryRepository) FindTransactionByTransactionID(_ context.Context, transactionID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[transactionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	out := *tx
	return &out, nil
}

func (m *MemoryRepository) TransactionExists(_ context.Context, transactionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.transactions[transactionID]
	return ok, nil
}

func (m *MemoryRepository) UpdateTransactionStatus(_ context.Context, transactionID string, status domain.TransactionStatus, errorMessage *string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[transactionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if !domain.CanTransition(tx.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, tx.Status, status)
	}

	now := m.now()
	tx.Status = status
	tx.UpdatedAt = now
	if errorMessage != nil {
		msg := *errorMessage
		tx.ErrorMessage = &msg
	}
	switch status {
	case domain.StatusCompleted:
		tx.CompletedAt = &now
	case domain.StatusFailed:
		tx.FailedAt = &now
	}
	out := *tx
	return &out, nil
}

func (m *MemoryRepository) UpdateTransactionParties(_ context.Context, transactionID string, params UpdateTransactionPartiesParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[transactionID]
	if !ok {
		return ErrTransactionNotFound
	}
	if params.ReceiverName != nil {
		tx.ReceiverName = *params.ReceiverName
	}
	if params.SenderBankPrefix != nil {
		prefix := *params.SenderBankPrefix
		tx.SenderBankPrefix = &prefix
	}
	if params.ReceiverBankPrefix != nil {
		prefix := *params.ReceiverBankPrefix
		tx.ReceiverBankPrefix = &prefix
	}
	tx.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []domain.Transaction
	for _, tx := range m.transactions {
		if filter.InitiatedBy != "" && tx.InitiatedBy != filter.InitiatedBy {
			continue
		}
		if filter.AccountNumber != "" && tx.FromAccount != filter.AccountNumber && tx.ToAccount != filter.AccountNumber {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		matched = append(matched, *tx)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].TransactionID > matched[j].TransactionID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + normalizeLimit(filter.Limit)
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (m *MemoryRepository) FindStaleTransactions(_ context.Context, txType domain.TransactionType, status domain.TransactionStatus, updatedBefore time.Time, limit int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []domain.Transaction
	for _, tx := range m.transactions {
		if tx.Type == txType && tx.Status == status && tx.UpdatedAt.Before(updatedBefore) {
			stale = append(stale, *tx)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit = normalizeLimit(limit); len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}
