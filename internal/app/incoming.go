package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/directoryclient"
	"github.com/transfa/settlement-service/pkg/envelope"
	"github.com/transfa/settlement-service/pkg/keydir"
)

// AcceptIncoming verifies an envelope sent by a peer bank and credits the destination
// account. It returns the display name of the credited account's owner.
func (s *Service) AcceptIncoming(ctx context.Context, token string) (string, error) {
	header, unverified, err := s.codec.Decode(token)
	if err != nil {
		return "", err
	}
	issuer := strings.ToUpper(strings.TrimSpace(unverified.Issuer))
	if domain.ExtractBankPrefix(unverified.AccountFrom) != issuer {
		return "", fmt.Errorf("%w: issuer %s does not own account %s", envelope.ErrIssuerMismatch, issuer, unverified.AccountFrom)
	}
	log := s.logger.With("transaction_id", unverified.ID, "issuer", issuer, "kid", header.KeyID)

	claims, err := s.verifyFrom(ctx, token, issuer, header.KeyID)
	if err != nil {
		log.Warn("rejected incoming envelope", "error", err)
		return "", err
	}

	exists, err := s.repo.TransactionExists(ctx, claims.ID)
	if err != nil {
		return "", fmt.Errorf("failed to check for replay: %w", err)
	}
	if exists {
		log.Warn("replayed envelope rejected")
		return "", fmt.Errorf("%w: %s", store.ErrDuplicateTransaction, claims.ID)
	}

	if domain.ExtractBankPrefix(claims.AccountTo) != s.keys.Prefix() {
		return "", fmt.Errorf("%w: %s", ErrForeignDestination, claims.AccountTo)
	}
	destination, err := s.repo.FindAccountByNumber(ctx, claims.AccountTo)
	if err != nil {
		return "", fmt.Errorf("destination account: %w", err)
	}
	if !destination.Active {
		return "", fmt.Errorf("destination account: %w", store.ErrAccountInactive)
	}
	if string(destination.Currency) != strings.ToUpper(claims.Currency) {
		return "", fmt.Errorf("%w: account holds %s, envelope carries %s", ErrCurrencyMismatch, destination.Currency, claims.Currency)
	}

	ownPrefix := s.keys.Prefix()
	tx := &domain.Transaction{
		ID:                 uuid.New(),
		TransactionID:      claims.ID,
		FromAccount:        claims.AccountFrom,
		ToAccount:          claims.AccountTo,
		Amount:             claims.Amount,
		Currency:           destination.Currency,
		Explanation:        claims.Explanation,
		SenderName:         claims.SenderName,
		ReceiverName:       destination.OwnerName,
		Status:             domain.StatusPending,
		Type:               domain.TypeIncoming,
		SenderBankPrefix:   stringPtr(issuer),
		ReceiverBankPrefix: stringPtr(ownPrefix),
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			log.Warn("concurrent replay rejected")
		}
		return "", err
	}

	ctx = context.WithoutCancel(ctx)

	if _, err := s.repo.UpdateTransactionStatus(ctx, tx.TransactionID, domain.StatusInProgress, nil); err != nil {
		log.Warn("failed to mark transaction in progress", "error", err)
	}
	if err := s.repo.Credit(ctx, tx.ToAccount, tx.Amount); err != nil {
		cause := fmt.Errorf("%w: %w", ErrCreditFailed, err)
		s.markFailed(ctx, tx.TransactionID, cause)
		return "", cause
	}
	if _, err := s.markCompleted(ctx, tx.TransactionID); err != nil {
		log.Error("failed to complete incoming transfer", "error", err)
	}

	log.Info("incoming transfer credited", "to", tx.ToAccount, "amount", tx.Amount)
	return destination.OwnerName, nil
}

// verifyFrom resolves the issuer's key and verifies the envelope. A signature failure
// against a cached key is retried once with a freshly fetched key, which covers a peer
// that rotated its keys under the same kid.
func (s *Service) verifyFrom(ctx context.Context, token, issuer, kid string) (*envelope.Claims, error) {
	remote, err := s.keys.Resolve(ctx, issuer, kid)
	if err != nil {
		return nil, err
	}
	claims, err := s.codec.Verify(token, remote.Key, issuer, s.keys.Prefix())
	if err == nil || !remote.Cached || !errors.Is(err, envelope.ErrInvalidSignature) {
		return claims, err
	}

	s.logger.Info("signature failed against cached key, refreshing", "issuer", issuer, "kid", kid)
	if invErr := s.keys.Invalidate(ctx, issuer, kid); invErr != nil {
		s.logger.Warn("failed to invalidate cached key", "issuer", issuer, "kid", kid, "error", invErr)
	}
	remote, err = s.keys.Resolve(ctx, issuer, kid)
	if err != nil {
		return nil, err
	}
	return s.codec.Verify(token, remote.Key, issuer, s.keys.Prefix())
}

// HTTPStatusForIncomingError maps an AcceptIncoming error to the response code the
// sending bank receives.
func HTTPStatusForIncomingError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, envelope.ErrMalformedEnvelope):
		return http.StatusBadRequest
	case errors.Is(err, envelope.ErrInvalidSignature),
		errors.Is(err, envelope.ErrExpiredEnvelope),
		errors.Is(err, envelope.ErrIssuerMismatch),
		errors.Is(err, envelope.ErrAudienceMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, keydir.ErrKeyNotFound),
		errors.Is(err, directoryclient.ErrBankNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateTransaction),
		errors.Is(err, ErrForeignDestination),
		errors.Is(err, store.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrAccountInactive),
		errors.Is(err, ErrCurrencyMismatch),
		errors.Is(err, keydir.ErrDirectoryUnavailable),
		errors.Is(err, ErrCreditFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
