package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Supported operation names
const (
	OperationDeposit  = "deposit"
	OperationWithdraw = "withdraw"
	OperationExchange = "exchange"
)

// Transaction represents a transaction row owned by a single user.
type Transaction struct {
	ID        int64           `json:"id" db:"id"`                 // Primary key
	UserID    int64           `json:"user_id" db:"user_id"`       // Identifier of the owning user
	Amount    decimal.Decimal `json:"amount" db:"amount"`         // Monetary value of the transaction
	Currency  string          `json:"currency" db:"currency"`     // Currency code (e.g., USD, RUB, EUR)
	Operation string          `json:"operation" db:"operation"`   // deposit, withdraw or exchange
	CreatedAt time.Time       `json:"created_at" db:"created_at"` // Timestamp when the transaction was recorded
}
