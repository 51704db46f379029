package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/envelope"
	"github.com/transfa/settlement-service/pkg/peerclient"
)

// SubmitOutgoing routes a transfer to the internal or external path by comparing the
// destination prefix with our own.
func (s *Service) SubmitOutgoing(ctx context.Context, req domain.TransferRequest) (*domain.Transaction, error) {
	req = normalizeTransferRequest(req)
	if domain.ExtractBankPrefix(req.ToAccount) == s.keys.Prefix() {
		return s.SubmitInternal(ctx, req)
	}
	return s.SubmitExternal(ctx, req)
}

// SubmitInternal moves funds between two accounts of this bank.
func (s *Service) SubmitInternal(ctx context.Context, req domain.TransferRequest) (*domain.Transaction, error) {
	req = normalizeTransferRequest(req)
	if err := validateTransfer(req); err != nil {
		return nil, err
	}
	if domain.ExtractBankPrefix(req.ToAccount) != s.keys.Prefix() {
		return nil, ErrNotInternalAccount
	}

	source, err := s.loadSource(ctx, req)
	if err != nil {
		return nil, err
	}
	destination, err := s.repo.FindAccountByNumber(ctx, req.ToAccount)
	if err != nil {
		return nil, fmt.Errorf("destination account: %w", err)
	}
	if !destination.Active {
		return nil, fmt.Errorf("destination account: %w", store.ErrAccountInactive)
	}
	if destination.Currency != source.Currency {
		return nil, ErrCurrencyMismatch
	}

	prefix := s.keys.Prefix()
	tx := s.newOutgoingTransaction(req, source, domain.TypeInternal)
	tx.ReceiverName = destination.OwnerName
	tx.ReceiverBankPrefix = stringPtr(prefix)
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	log := s.logger.With("transaction_id", tx.TransactionID, "type", tx.Type)
	log.Info("internal transfer started", "from", tx.FromAccount, "to", tx.ToAccount, "amount", tx.Amount)

	// The saga runs to completion regardless of caller cancellation.
	ctx = context.WithoutCancel(ctx)

	if err := s.repo.Debit(ctx, tx.FromAccount, tx.Amount); err != nil {
		failed := s.markFailed(ctx, tx.TransactionID, fmt.Errorf("debit failed: %w", err))
		return failed, &TransferFailedError{Transaction: failed, Cause: err}
	}
	if _, err := s.repo.UpdateTransactionStatus(ctx, tx.TransactionID, domain.StatusInProgress, nil); err != nil {
		log.Warn("failed to mark transaction in progress", "error", err)
	}

	if err := s.repo.Credit(ctx, tx.ToAccount, tx.Amount); err != nil {
		failed, _ := s.failDebited(ctx, tx, fmt.Errorf("credit failed: %w", err))
		return failed, &TransferFailedError{Transaction: failed, Cause: err}
	}

	completed, err := s.markCompleted(ctx, tx.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to complete transaction: %w", err)
	}
	log.Info("internal transfer completed")
	return completed, nil
}

// SubmitExternal sends funds to an account at another bank. The source is debited first,
// then the signed envelope is delivered to the destination bank. A failure after the
// debit marks the transaction failed and, if that transition is still ours to make,
// credits the source back.
func (s *Service) SubmitExternal(ctx context.Context, req domain.TransferRequest) (*domain.Transaction, error) {
	req = normalizeTransferRequest(req)
	if err := validateTransfer(req); err != nil {
		return nil, err
	}
	destinationPrefix := domain.ExtractBankPrefix(req.ToAccount)
	if destinationPrefix == "" {
		return nil, ErrUnknownBankPrefix
	}
	if destinationPrefix == s.keys.Prefix() {
		return nil, ErrNotExternalAccount
	}
	if s.directory == nil {
		return nil, ErrDirectoryNotConfigured
	}

	source, err := s.loadSource(ctx, req)
	if err != nil {
		return nil, err
	}

	tx := s.newOutgoingTransaction(req, source, domain.TypeExternal)
	tx.ReceiverBankPrefix = stringPtr(destinationPrefix)
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	log := s.logger.With("transaction_id", tx.TransactionID, "type", tx.Type, "destination_bank", destinationPrefix)
	log.Info("external transfer started", "from", tx.FromAccount, "to", tx.ToAccount, "amount", tx.Amount)

	ctx = context.WithoutCancel(ctx)

	if err := s.repo.Debit(ctx, tx.FromAccount, tx.Amount); err != nil {
		failed := s.markFailed(ctx, tx.TransactionID, fmt.Errorf("debit failed: %w", err))
		return failed, &TransferFailedError{Transaction: failed, Cause: err}
	}
	if _, err := s.repo.UpdateTransactionStatus(ctx, tx.TransactionID, domain.StatusInProgress, nil); err != nil {
		log.Warn("failed to mark transaction in progress", "error", err)
	}

	receiverName, apiURL, err := s.deliver(ctx, tx, destinationPrefix)
	if err != nil && s.peerCredited(ctx, apiURL, tx.TransactionID, err) {
		log.Warn("peer rejected delivery but reports the transfer completed", "error", err)
		err = nil
	}
	if err != nil {
		log.Warn("external delivery failed, compensating", "error", err)
		failed, _ := s.failDebited(ctx, tx, err)
		return failed, &TransferFailedError{Transaction: failed, Cause: err}
	}

	if receiverName != "" {
		if err := s.repo.UpdateTransactionParties(ctx, tx.TransactionID, store.UpdateTransactionPartiesParams{ReceiverName: &receiverName}); err != nil {
			log.Warn("failed to record receiver name", "error", err)
		}
	}
	completed, err := s.markCompleted(ctx, tx.TransactionID)
	if err != nil {
		// The peer has credited its account, so the debit stands. The reconciler will
		// settle the row on its next sweep.
		log.Error("failed to complete delivered transfer", "error", err)
		return nil, fmt.Errorf("failed to complete transaction: %w", err)
	}
	log.Info("external transfer completed", "receiver_name", receiverName)
	return completed, nil
}

// deliver resolves the destination bank, signs the envelope and hands it to the peer.
// The peer's API URL is returned once the bank is resolved.
func (s *Service) deliver(ctx context.Context, tx *domain.Transaction, destinationPrefix string) (string, string, error) {
	bank, err := s.directory.LookupBank(ctx, destinationPrefix)
	if err != nil {
		return "", "", fmt.Errorf("destination bank %s: %w", destinationPrefix, err)
	}
	if !bank.IsActive {
		return "", "", fmt.Errorf("destination bank %s is not active", destinationPrefix)
	}

	kid, key := s.keys.SigningKey()
	token, err := s.codec.Encode(envelope.Claims{
		Issuer:      s.keys.Prefix(),
		Audience:    destinationPrefix,
		ID:          tx.TransactionID,
		AccountFrom: tx.FromAccount,
		AccountTo:   tx.ToAccount,
		Amount:      tx.Amount,
		Currency:    string(tx.Currency),
		Explanation: tx.Explanation,
		SenderName:  tx.SenderName,
	}, key, kid)
	if err != nil {
		return "", bank.APIURL, fmt.Errorf("failed to sign envelope: %w", err)
	}

	result, err := s.peers.Deliver(ctx, bank.APIURL, token)
	if err != nil {
		return "", bank.APIURL, err
	}
	return result.ReceiverName, bank.APIURL, nil
}

// peerCredited reports whether a peer that answered a delivery with an error has in
// fact recorded the transfer as completed. This happens when an earlier attempt was
// credited but its response was lost, and the retry came back as a duplicate.
func (s *Service) peerCredited(ctx context.Context, apiURL, transactionID string, deliveryErr error) bool {
	var rejected *peerclient.RejectedError
	if apiURL == "" || !errors.As(deliveryErr, &rejected) {
		return false
	}
	remote, err := s.peers.GetStatus(ctx, apiURL, transactionID)
	if err != nil {
		if !errors.Is(err, peerclient.ErrTransactionUnknown) {
			s.logger.Warn("could not confirm delivery outcome with peer", "transaction_id", transactionID, "error", err)
		}
		return false
	}
	return domain.TransactionStatus(remote.Status) == domain.StatusCompleted
}

func (s *Service) loadSource(ctx context.Context, req domain.TransferRequest) (*domain.Account, error) {
	source, err := s.repo.FindAccountByNumber(ctx, req.FromAccount)
	if err != nil {
		return nil, fmt.Errorf("source account: %w", err)
	}
	if req.InitiatedBy != "" && source.OwnerID != req.InitiatedBy {
		return nil, ErrAccountAccessDenied
	}
	if !source.Active {
		return nil, fmt.Errorf("source account: %w", store.ErrAccountInactive)
	}
	// An unfunded request creates no transaction row.
	if source.Balance < req.Amount {
		return nil, store.ErrInsufficientFunds
	}
	return source, nil
}

func (s *Service) newOutgoingTransaction(req domain.TransferRequest, source *domain.Account, txType domain.TransactionType) *domain.Transaction {
	return &domain.Transaction{
		ID:               uuid.New(),
		TransactionID:    domain.NewTransactionID(s.now()),
		FromAccount:      req.FromAccount,
		ToAccount:        req.ToAccount,
		Amount:           req.Amount,
		Currency:         source.Currency,
		Explanation:      req.Explanation,
		SenderName:       source.OwnerName,
		Status:           domain.StatusPending,
		Type:             txType,
		InitiatedBy:      req.InitiatedBy,
		SenderBankPrefix: stringPtr(s.keys.Prefix()),
	}
}

func normalizeTransferRequest(req domain.TransferRequest) domain.TransferRequest {
	req.FromAccount = strings.TrimSpace(req.FromAccount)
	req.ToAccount = strings.TrimSpace(req.ToAccount)
	req.Explanation = strings.TrimSpace(req.Explanation)
	return req
}

func validateTransfer(req domain.TransferRequest) error {
	if req.FromAccount == "" || req.ToAccount == "" {
		return ErrInvalidRequest
	}
	if req.Amount <= 0 || req.Amount > envelope.MaxAmount {
		return ErrInvalidAmount
	}
	if req.FromAccount == req.ToAccount {
		return ErrSameAccount
	}
	return nil
}

// IsTransferFailure reports whether err carries a recorded, failed transaction.
func IsTransferFailure(err error) (*domain.Transaction, bool) {
	var failed *TransferFailedError
	if errors.As(err, &failed) {
		return failed.Transaction, true
	}
	return nil, false
}
