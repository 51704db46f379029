package domain

import "time"

// SettlementEvent is published whenever a transaction reaches a terminal state or an
// incoming credit lands.
type SettlementEvent struct {
	TransactionID string            `json:"transactionId"`
	Type          TransactionType   `json:"type"`
	Status        TransactionStatus `json:"status"`
	FromAccount   string            `json:"fromAccount"`
	ToAccount     string            `json:"toAccount"`
	Amount        int64             `json:"amount"`
	Currency      Currency          `json:"currency"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	OccurredAt    time.Time         `json:"occurredAt"`
}

// RoutingKey is the topic-exchange key for the event, e.g. "transaction.completed".
func (e SettlementEvent) RoutingKey() string {
	return "transaction." + string(e.Status)
}

func NewSettlementEvent(tx *Transaction, at time.Time) SettlementEvent {
	event := SettlementEvent{
		TransactionID: tx.TransactionID,
		Type:          tx.Type,
		Status:        tx.Status,
		FromAccount:   tx.FromAccount,
		ToAccount:     tx.ToAccount,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		OccurredAt:    at,
	}
	if tx.ErrorMessage != nil {
		event.ErrorMessage = *tx.ErrorMessage
	}
	return event
}
