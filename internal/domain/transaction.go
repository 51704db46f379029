/**
 * @description
 * This file defines the core domain models for the settlement service.
 * These structs represent the ledger entities and the request/response DTOs used
 * by the settlement engine, the stores and the HTTP layer.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents), which avoids
 *   floating-point inaccuracies with financial data.
 * - Field names follow the interbank wire format (camelCase), since the status view and
 *   the b2b payloads are read by other banks.
 */

package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusInProgress TransactionStatus = "inProgress"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition is the single source of truth for status monotonicity:
// pending -> inProgress | failed, inProgress -> completed | failed.
func CanTransition(from, to TransactionStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusFailed
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// AllowedPredecessors lists the statuses a transaction may hold before moving to `to`.
func AllowedPredecessors(to TransactionStatus) []TransactionStatus {
	var out []TransactionStatus
	for _, from := range []TransactionStatus{StatusPending, StatusInProgress, StatusCompleted, StatusFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// TransactionType says which side of the network the transaction lives on.
type TransactionType string

const (
	TypeInternal TransactionType = "internal"
	TypeExternal TransactionType = "external"
	TypeIncoming TransactionType = "incoming"
)

func (t TransactionType) Valid() bool {
	return t == TypeInternal || t == TypeExternal || t == TypeIncoming
}

// Transaction represents the ledger record for one money movement.
// This struct maps directly to the `transactions` table in the database.
type Transaction struct {
	ID                 uuid.UUID         `json:"id"`
	TransactionID      string            `json:"transactionId"`
	FromAccount        string            `json:"fromAccount"`
	ToAccount          string            `json:"toAccount"`
	Amount             int64             `json:"amount"` // in cents
	Currency           Currency          `json:"currency"`
	Explanation        string            `json:"explanation"`
	SenderName         string            `json:"senderName"`
	ReceiverName       string            `json:"receiverName"`
	Status             TransactionStatus `json:"status"`
	Type               TransactionType   `json:"type"`
	InitiatedBy        string            `json:"initiatedBy,omitempty"`
	ErrorMessage       *string           `json:"errorMessage,omitempty"`
	SenderBankPrefix   *string           `json:"senderBankPrefix,omitempty"`
	ReceiverBankPrefix *string           `json:"receiverBankPrefix,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
	CompletedAt        *time.Time        `json:"completedAt,omitempty"`
	FailedAt           *time.Time        `json:"failedAt,omitempty"`
}

// StatusView is the public answer to a status query.
type StatusView struct {
	Status        TransactionStatus `json:"status"`
	TransactionID string            `json:"transactionId"`
	Amount        int64             `json:"amount"`
	Currency      Currency          `json:"currency"`
	CreatedAt     time.Time         `json:"createdAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
	ErrorMessage  *string           `json:"errorMessage,omitempty"`
}

func (t *Transaction) StatusView() StatusView {
	return StatusView{
		Status:        t.Status,
		TransactionID: t.TransactionID,
		Amount:        t.Amount,
		Currency:      t.Currency,
		CreatedAt:     t.CreatedAt,
		CompletedAt:   t.CompletedAt,
		ErrorMessage:  t.ErrorMessage,
	}
}

// TransferRequest is what an authenticated user submits to move money.
type TransferRequest struct {
	FromAccount string
	ToAccount   string
	Amount      int64 // in cents
	Explanation string
	InitiatedBy string
}

// TransactionFilter narrows transaction listings. Zero values are ignored.
type TransactionFilter struct {
	InitiatedBy   string
	AccountNumber string
	Status        TransactionStatus
	Type          TransactionType
	Limit         int
	Offset        int
}

// B2BRequest is the body exchanged on POST /transactions/b2b.
type B2BRequest struct {
	JWT string `json:"jwt"`
}

// B2BResponse is returned by the receiving bank on success.
type B2BResponse struct {
	ReceiverName string `json:"receiverName"`
}

// BankPrefixLength is the number of leading account-number characters naming the bank.
const BankPrefixLength = 3

// ExtractBankPrefix returns the upper-cased bank prefix of an account number.
func ExtractBankPrefix(accountNumber string) string {
	trimmed := strings.TrimSpace(accountNumber)
	if len(trimmed) < BankPrefixLength {
		return ""
	}
	return strings.ToUpper(trimmed[:BankPrefixLength])
}

// NewTransactionID returns a human-readable unique ID such as TRX1714563200000482913.
func NewTransactionID(now time.Time) string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return fmt.Sprintf("TRX%d%s", now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	}
	return fmt.Sprintf("TRX%d%06d", now.UnixMilli(), n.Int64())
}
