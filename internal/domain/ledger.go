package domain

import "errors"

// Ledger outcomes shared by every balance store implementation.
var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrDuplicate         = errors.New("ledger: duplicate request")
	ErrAccountNotFound   = errors.New("ledger: account not found")
)

// ChargeRequest debits an account. Reference identifies the billed call and
// is recorded by the ledger so a replayed charge is rejected as a duplicate.
type ChargeRequest struct {
	Account   string
	Amount    int64
	Reference string
}

// TopUpRequest credits an account. IdempotencyKey de-duplicates retried
// top-ups at the ledger.
type TopUpRequest struct {
	Account        string
	Amount         int64
	IdempotencyKey string
}
