package models

// TxStatus is the lifecycle state of a transaction.
type TxStatus string

const (
	TxOpen     TxStatus = "open"
	TxResolved TxStatus = "resolved"
)

// LedgerEntry is one row of a node's in-memory transaction table.
type LedgerEntry struct {
	TransactionID TransactionID
	Difficulty    int
	Status        TxStatus
	Winner        Identity // empty while open
	Nonce         uint64
	Hash          string
}
