/**
 * @description
 * This file contains the core business logic for the settlement-service. The `Service`
 * struct orchestrates all money movement, coordinating between the ledger repository,
 * the key directory, the central bank directory, peer banks and the message broker.
 *
 * Key features:
 * - Routes outgoing transfers to the internal or external path by bank prefix.
 * - Runs the external path as a saga: debit, deliver, compensate on failure.
 * - Accepts signed envelopes from peer banks and credits local accounts exactly once.
 * - Publishes settlement events to RabbitMQ on every terminal transition.
 *
 * @dependencies
 * - internal/domain, internal/store: domain models and data access.
 * - pkg/keydir, pkg/envelope: signing keys and envelope encoding.
 * - pkg/directoryclient, pkg/peerclient, pkg/rabbitmq: external communication.
 */

package app

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/logging"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/directoryclient"
	"github.com/transfa/settlement-service/pkg/envelope"
	"github.com/transfa/settlement-service/pkg/keydir"
	"github.com/transfa/settlement-service/pkg/peerclient"
	"github.com/transfa/settlement-service/pkg/rabbitmq"
)

var (
	ErrInvalidAmount          = store.ErrInvalidAmount
	ErrInvalidRequest         = errors.New("fromAccount and toAccount are required")
	ErrSameAccount            = errors.New("source and destination accounts must differ")
	ErrCurrencyMismatch       = errors.New("source and destination currencies differ")
	ErrInvalidCurrency        = errors.New("unsupported currency")
	ErrAccountAccessDenied    = errors.New("account does not belong to the caller")
	ErrNotInternalAccount     = errors.New("destination account belongs to another bank")
	ErrNotExternalAccount     = errors.New("destination account belongs to this bank")
	ErrForeignDestination     = errors.New("destination account does not belong to this bank")
	ErrUnknownBankPrefix      = errors.New("account number carries no bank prefix")
	ErrCreditFailed           = errors.New("credit failed")
	ErrDirectoryNotConfigured = errors.New("no central directory configured")
)

// TransferFailedError is returned when a transfer was recorded but ended in the failed
// state. The persisted transaction travels with the cause so callers can show both.
type TransferFailedError struct {
	Transaction *domain.Transaction
	Cause       error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("transfer %s failed: %v", e.Transaction.TransactionID, e.Cause)
}

func (e *TransferFailedError) Unwrap() error { return e.Cause }

// KeyDirectory is the subset of keydir.Directory used by the engine.
type KeyDirectory interface {
	Prefix() string
	SigningKey() (string, *rsa.PrivateKey)
	OwnKeySet() keydir.KeySet
	Resolve(ctx context.Context, prefix, kid string) (keydir.RemoteKey, error)
	Invalidate(ctx context.Context, prefix, kid string) error
}

// BankDirectory is the subset of directoryclient.Client used by the engine.
type BankDirectory interface {
	LookupBank(ctx context.Context, prefix string) (*directoryclient.Bank, error)
	RegisterSelf(ctx context.Context, reg directoryclient.Registration) (*directoryclient.Bank, error)
	HealthCheck(ctx context.Context) directoryclient.Health
}

// PeerTransport delivers envelopes to, and queries, peer banks.
type PeerTransport interface {
	Deliver(ctx context.Context, apiURL, token string) (*peerclient.DeliveryResult, error)
	GetStatus(ctx context.Context, apiURL, transactionID string) (*peerclient.RemoteStatus, error)
}

// Settings carries the node identity the engine advertises to the network.
type Settings struct {
	BankName    string
	BaseURL     string
	JWKSURL     string
	EnvelopeTTL time.Duration
}

// Dependencies groups the collaborators handed to NewService.
type Dependencies struct {
	Repo      store.Repository
	Keys      KeyDirectory
	Directory BankDirectory
	Peers     PeerTransport
	Publisher rabbitmq.Publisher
	Logger    *slog.Logger
	Settings  Settings
	Now       func() time.Time
}

// Service provides the core business logic for settlement.
type Service struct {
	repo      store.Repository
	keys      KeyDirectory
	directory BankDirectory
	peers     PeerTransport
	publisher rabbitmq.Publisher
	codec     envelope.Codec
	logger    *slog.Logger
	settings  Settings
	now       func() time.Time
}

// NewService creates a new settlement service instance.
func NewService(deps Dependencies) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = &rabbitmq.FallbackPublisher{Logger: logger}
	}
	return &Service{
		repo:      deps.Repo,
		keys:      deps.Keys,
		directory: deps.Directory,
		peers:     deps.Peers,
		publisher: publisher,
		codec:     envelope.Codec{Now: now, TTL: deps.Settings.EnvelopeTTL},
		logger:    logger.With("component", "settlement"),
		settings:  deps.Settings,
		now:       now,
	}
}

// Prefix returns this bank's prefix.
func (s *Service) Prefix() string {
	return s.keys.Prefix()
}

// KeySet returns the public keys peers use to verify our envelopes.
func (s *Service) KeySet() keydir.KeySet {
	return s.keys.OwnKeySet()
}

// GetTransactionStatus returns the public status view of a transaction.
func (s *Service) GetTransactionStatus(ctx context.Context, transactionID string) (*domain.StatusView, error) {
	tx, err := s.repo.FindTransactionByTransactionID(ctx, strings.TrimSpace(transactionID))
	if err != nil {
		return nil, err
	}
	view := tx.StatusView()
	return &view, nil
}

// GetTransaction returns the full transaction record.
func (s *Service) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return s.repo.FindTransactionByTransactionID(ctx, strings.TrimSpace(transactionID))
}

// ListTransactions returns transaction history matching the filter.
func (s *Service) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	return s.repo.ListTransactions(ctx, filter)
}

// OpenAccount creates a local account carrying this bank's prefix.
func (s *Service) OpenAccount(ctx context.Context, req domain.OpenAccountRequest) (*domain.Account, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, errors.New("owner id is required")
	}
	if req.InitialDeposit < 0 {
		return nil, ErrInvalidAmount
	}
	currency := req.Currency
	if currency == "" {
		currency = domain.CurrencyEUR
	}
	if _, ok := domain.ParseCurrency(string(currency)); !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCurrency, currency)
	}
	ownerName := strings.TrimSpace(req.OwnerName)
	if ownerName == "" {
		ownerName = req.OwnerID
	}
	accountName := strings.TrimSpace(req.AccountName)
	if accountName == "" {
		accountName = "Main account"
	}

	// Retry on account number collision.
	for attempt := 0; attempt < 3; attempt++ {
		account := &domain.Account{
			AccountNumber: domain.NewAccountNumber(s.keys.Prefix()),
			OwnerID:       req.OwnerID,
			OwnerName:     ownerName,
			AccountName:   accountName,
			Balance:       req.InitialDeposit,
			Currency:      currency,
			Active:        true,
		}
		err := s.repo.CreateAccount(ctx, account)
		if err == nil {
			s.logger.Info("account opened", "account", account.AccountNumber, "owner", account.OwnerID, "currency", account.Currency)
			return account, nil
		}
		if !errors.Is(err, store.ErrAccountExists) {
			return nil, fmt.Errorf("failed to open account: %w", err)
		}
	}
	return nil, store.ErrAccountExists
}

// GetAccount returns an account the caller owns.
func (s *Service) GetAccount(ctx context.Context, ownerID, accountNumber string) (*domain.Account, error) {
	return s.AuthorizeSourceAccount(ctx, ownerID, accountNumber)
}

// ListAccounts returns every account owned by ownerID.
func (s *Service) ListAccounts(ctx context.Context, ownerID string) ([]domain.Account, error) {
	return s.repo.ListAccountsByOwner(ctx, ownerID)
}

// AuthorizeSourceAccount checks that accountNumber exists and is owned by ownerID.
func (s *Service) AuthorizeSourceAccount(ctx context.Context, ownerID, accountNumber string) (*domain.Account, error) {
	account, err := s.repo.FindAccountByNumber(ctx, strings.TrimSpace(accountNumber))
	if err != nil {
		return nil, err
	}
	if account.OwnerID != ownerID {
		return nil, ErrAccountAccessDenied
	}
	return account, nil
}

// publish emits a settlement event for a terminal transition. Failures are logged only.
func (s *Service) publish(ctx context.Context, tx *domain.Transaction) {
	if tx == nil || !tx.Status.IsTerminal() {
		return
	}
	event := domain.NewSettlementEvent(tx, s.now())
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, event.RoutingKey(), event); err != nil {
		s.logger.Warn("failed to publish settlement event", "transaction_id", tx.TransactionID, "status", tx.Status, "error", err)
	}
}

// markFailed moves a transaction to failed with a reason and publishes the event.
func (s *Service) markFailed(ctx context.Context, transactionID string, cause error) *domain.Transaction {
	msg := cause.Error()
	tx, err := s.repo.UpdateTransactionStatus(ctx, transactionID, domain.StatusFailed, &msg)
	if err != nil {
		s.logger.Error("failed to mark transaction failed", "transaction_id", transactionID, "cause", msg, "error", err)
		current, findErr := s.repo.FindTransactionByTransactionID(ctx, transactionID)
		if findErr != nil {
			return &domain.Transaction{TransactionID: transactionID, Status: domain.StatusFailed, ErrorMessage: &msg}
		}
		return current
	}
	s.publish(ctx, tx)
	return tx
}

// markCompleted moves a transaction to completed and publishes the event.
func (s *Service) markCompleted(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	tx, err := s.repo.UpdateTransactionStatus(ctx, transactionID, domain.StatusCompleted, nil)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, tx)
	return tx, nil
}

// failDebited marks a debited transaction failed and credits the source back. The
// refund only happens if this call made the transition, reported by the second result;
// a reconciler sweep that already failed the row has refunded it.
func (s *Service) failDebited(ctx context.Context, tx *domain.Transaction, cause error) (*domain.Transaction, bool) {
	msg := cause.Error()
	failed, err := s.repo.UpdateTransactionStatus(ctx, tx.TransactionID, domain.StatusFailed, &msg)
	if err != nil {
		s.logger.Warn("transaction settled concurrently, not compensating", "transaction_id", tx.TransactionID, "cause", msg, "error", err)
		current, findErr := s.repo.FindTransactionByTransactionID(ctx, tx.TransactionID)
		if findErr != nil {
			return &domain.Transaction{TransactionID: tx.TransactionID, Status: domain.StatusFailed, ErrorMessage: &msg}, false
		}
		return current, false
	}
	s.compensate(ctx, failed, cause)
	s.publish(ctx, failed)
	return failed, true
}

// compensate returns a debited amount to the source account. A failure here leaves money
// in limbo and is logged at error level for manual follow-up.
func (s *Service) compensate(ctx context.Context, tx *domain.Transaction, cause error) {
	if err := s.repo.Credit(ctx, tx.FromAccount, tx.Amount); err != nil {
		s.logger.Error("CRITICAL: compensation failed",
			"transaction_id", tx.TransactionID,
			"account", tx.FromAccount,
			"amount", tx.Amount,
			"cause", cause,
			"error", err,
		)
		return
	}
	s.logger.Info("compensated source account", "transaction_id", tx.TransactionID, "account", tx.FromAccount, "amount", tx.Amount)
}

func stringPtr(s string) *string { return &s }
