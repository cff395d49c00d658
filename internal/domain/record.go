package domain

// Entry kinds recorded next to every balance change.
const (
	EntryCharge = "charge"
	EntryTopUp  = "topup"
)

// LedgerRecord is one persisted balance change. Reference is the billed call
// id for charges and the idempotency key for top-ups; it is unique per kind.
type LedgerRecord struct {
	PK        string
	SK        string
	Account   string
	Kind      string
	Reference string
	Amount    int64
	CreatedAt string
	TTL       int64
}
