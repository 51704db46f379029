/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Balance changes run inside a transaction holding a row lock on the account, so two
 * concurrent debits against the same account can never both pass the balance check.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/transfa/settlement-service/internal/domain"
)

const pgUniqueViolation = "23505"

const transactionColumns = `
	id, transaction_id, from_account, to_account, amount, currency, explanation,
	sender_name, receiver_name, status, type, initiated_by, error_message,
	sender_bank_prefix, receiver_bank_prefix, created_at, updated_at, completed_at, failed_at`

const accountColumns = `account_number, owner_id, owner_name, account_name, balance, currency, is_active, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	var currency string
	err := row.Scan(
		&account.AccountNumber,
		&account.OwnerID,
		&account.OwnerName,
		&account.AccountName,
		&account.Balance,
		&currency,
		&account.Active,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	account.Currency = domain.Currency(currency)
	return &account, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	var currency, status, txType string
	err := row.Scan(
		&tx.ID,
		&tx.TransactionID,
		&tx.FromAccount,
		&tx.ToAccount,
		&tx.Amount,
		&currency,
		&tx.Explanation,
		&tx.SenderName,
		&tx.ReceiverName,
		&status,
		&txType,
		&tx.InitiatedBy,
		&tx.ErrorMessage,
		&tx.SenderBankPrefix,
		&tx.ReceiverBankPrefix,
		&tx.CreatedAt,
		&tx.UpdatedAt,
		&tx.CompletedAt,
		&tx.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Currency = domain.Currency(currency)
	tx.Status = domain.TransactionStatus(status)
	tx.Type = domain.TransactionType(txType)
	return &tx, nil
}

// CreateAccount inserts a new account. The account number must be unused.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (account_number, owner_id, owner_name, account_name, balance, currency, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		account.AccountNumber,
		account.OwnerID,
		account.OwnerName,
		account.AccountName,
		account.Balance,
		string(account.Currency),
		account.Active,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAccountExists
	}
	return err
}

func (r *PostgresRepository) FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	account, err := scanAccount(r.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE account_number = $1", accountNumber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

func (r *PostgresRepository) ListAccountsByOwner(ctx context.Context, ownerID string) ([]domain.Account, error) {
	rows, err := r.db.Query(ctx, "SELECT "+accountColumns+" FROM accounts WHERE owner_id = $1 ORDER BY created_at ASC", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

func (r *PostgresRepository) SetAccountActive(ctx context.Context, accountNumber string, active bool) error {
	tag, err := r.db.Exec(ctx, "UPDATE accounts SET is_active = $1, updated_at = NOW() WHERE account_number = $2", active, accountNumber)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// lockAccount reads the account row with FOR UPDATE inside tx.
func lockAccount(ctx context.Context, tx pgx.Tx, accountNumber string) (balance int64, active bool, err error) {
	err = tx.QueryRow(ctx, "SELECT balance, is_active FROM accounts WHERE account_number = $1 FOR UPDATE", accountNumber).Scan(&balance, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, ErrAccountNotFound
	}
	return balance, active, err
}

// Debit performs an atomic debit on an account.
func (r *PostgresRepository) Debit(ctx context.Context, accountNumber string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	balance, active, err := lockAccount(ctx, tx, accountNumber)
	if err != nil {
		return err
	}
	if !active {
		return ErrAccountInactive
	}
	if balance < amount {
		return ErrInsufficientFunds
	}

	_, err = tx.Exec(ctx, "UPDATE accounts SET balance = balance - $1, updated_at = NOW() WHERE account_number = $2", amount, accountNumber)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Credit performs an atomic credit on an account.
func (r *PostgresRepository) Credit(ctx context.Context, accountNumber string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	balance, active, err := lockAccount(ctx, tx, accountNumber)
	if err != nil {
		return err
	}
	if !active {
		return ErrAccountInactive
	}
	if amount > math.MaxInt64-balance {
		return ErrBalanceOverflow
	}

	_, err = tx.Exec(ctx, "UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE account_number = $2", amount, accountNumber)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreateTransaction inserts a new transaction record into the database.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id,
			transaction_id,
			from_account,
			to_account,
			amount,
			currency,
			explanation,
			sender_name,
			receiver_name,
			status,
			type,
			initiated_by,
			error_message,
			sender_bank_prefix,
			receiver_bank_prefix
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		tx.ID,
		tx.TransactionID,
		tx.FromAccount,
		tx.ToAccount,
		tx.Amount,
		string(tx.Currency),
		tx.Explanation,
		tx.SenderName,
		tx.ReceiverName,
		string(tx.Status),
		string(tx.Type),
		tx.InitiatedBy,
		tx.ErrorMessage,
		tx.SenderBankPrefix,
		tx.ReceiverBankPrefix,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, tx.TransactionID)
	}
	return err
}

func (r *PostgresRepository) FindTransactionByTransactionID(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	tx, err := scanTransaction(r.db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE transaction_id = $1", transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

func (r *PostgresRepository) TransactionExists(ctx context.Context, transactionID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM transactions WHERE transaction_id = $1)", transactionID).Scan(&exists)
	return exists, err
}

// UpdateTransactionStatus moves a transaction forward. The WHERE clause only matches
// rows whose current status may legally precede the new one, so a concurrent writer
// can never regress a terminal transaction.
func (r *PostgresRepository) UpdateTransactionStatus(ctx context.Context, transactionID string, status domain.TransactionStatus, errorMessage *string) (*domain.Transaction, error) {
	predecessors := domain.AllowedPredecessors(status)
	if len(predecessors) == 0 {
		return nil, fmt.Errorf("%w: nothing may move to %s", ErrInvalidStatusTransition, status)
	}
	allowed := make([]string, 0, len(predecessors))
	for _, p := range predecessors {
		allowed = append(allowed, string(p))
	}

	query := `
		UPDATE transactions
		SET status = $1::text,
			error_message = COALESCE($2, error_message),
			updated_at = NOW(),
			completed_at = CASE WHEN $1::text = 'completed' THEN NOW() ELSE completed_at END,
			failed_at = CASE WHEN $1::text = 'failed' THEN NOW() ELSE failed_at END
		WHERE transaction_id = $3 AND status = ANY($4::text[])
		RETURNING ` + transactionColumns
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, string(status), errorMessage, transactionID, allowed))
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	current, findErr := r.FindTransactionByTransactionID(ctx, transactionID)
	if findErr != nil {
		return nil, findErr
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, current.Status, status)
}

func (r *PostgresRepository) UpdateTransactionParties(ctx context.Context, transactionID string, params UpdateTransactionPartiesParams) error {
	query := `
		UPDATE transactions
		SET receiver_name = COALESCE($1, receiver_name),
			sender_bank_prefix = COALESCE($2, sender_bank_prefix),
			receiver_bank_prefix = COALESCE($3, receiver_bank_prefix),
			updated_at = NOW()
		WHERE transaction_id = $4
	`
	tag, err := r.db.Exec(ctx, query, params.ReceiverName, params.SenderBankPrefix, params.ReceiverBankPrefix, transactionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// buildListQuery renders the WHERE clause for a filter. It is kept separate from the
// I/O so the SQL shape can be tested without a database.
func buildListQuery(filter domain.TransactionFilter) (string, []any) {
	var conditions []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.InitiatedBy != "" {
		add("initiated_by = $%d", filter.InitiatedBy)
	}
	if filter.AccountNumber != "" {
		args = append(args, filter.AccountNumber)
		conditions = append(conditions, fmt.Sprintf("(from_account = $%d OR to_account = $%d)", len(args), len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}

	query := "SELECT " + transactionColumns + " FROM transactions"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, normalizeLimit(filter.Limit), offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return query, args
}

func (r *PostgresRepository) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	query, args := buildListQuery(filter)
	return r.queryTransactions(ctx, query, args...)
}

// FindStaleTransactions returns transactions stuck in status since before updatedBefore,
// oldest first.
func (r *PostgresRepository) FindStaleTransactions(ctx context.Context, txType domain.TransactionType, status domain.TransactionStatus, updatedBefore time.Time, limit int) ([]domain.Transaction, error) {
	query := "SELECT " + transactionColumns + `
		FROM transactions
		WHERE type = $1 AND status = $2 AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4`
	return r.queryTransactions(ctx, query, string(txType), string(status), updatedBefore, normalizeLimit(limit))
}

func (r *PostgresRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	return transactions, rows.Err()
}
