package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Currency is one of the closed set of ISO codes a ledger account may hold.
type Currency string

const (
	CurrencyEUR Currency = "EUR"
	CurrencyUSD Currency = "USD"
	CurrencyGBP Currency = "GBP"
)

func ParseCurrency(code string) (Currency, bool) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	switch c {
	case CurrencyEUR, CurrencyUSD, CurrencyGBP:
		return c, true
	}
	return "", false
}

// Account maps to the `accounts` table. Balance only changes through the store's
// Debit and Credit primitives and is never negative.
type Account struct {
	AccountNumber string    `json:"accountNumber"`
	OwnerID       string    `json:"ownerId"`
	OwnerName     string    `json:"ownerName"`
	AccountName   string    `json:"accountName"`
	Balance       int64     `json:"balance"` // in cents
	Currency      Currency  `json:"currency"`
	Active        bool      `json:"isActive"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// OpenAccountRequest creates a new account owned by OwnerID.
type OpenAccountRequest struct {
	OwnerID        string
	OwnerName      string
	AccountName    string
	Currency       Currency
	InitialDeposit int64
}

// NewAccountNumber returns prefix followed by 32 hex characters.
func NewAccountNumber(prefix string) string {
	return strings.ToUpper(strings.TrimSpace(prefix)) + strings.ReplaceAll(uuid.NewString(), "-", "")
}
