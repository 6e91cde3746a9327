package models

import "github.com/google/uuid"

// Event types published for transaction writes
const (
	EventTransactionSaved   = "transaction.saved"
	EventTransactionDeleted = "transaction.deleted"
)

// TransactionEvent is the message published to the broker after a write.
type TransactionEvent struct {
	EventID     uuid.UUID   `json:"event_id"`    // Unique event identifier
	Type        string      `json:"type"`        // transaction.saved or transaction.deleted
	Timestamp   int64       `json:"timestamp"`   // Unix timestamp (in seconds) of the write
	Transaction Transaction `json:"transaction"` // Transaction state after the write, or the deleted row
}
