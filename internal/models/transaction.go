package models

import (
	"fmt"
	"strconv"
	"strings"
)

// TransactionID names one unit of work issued by the controller ("T1", "T2", ...).
type TransactionID string

// TransactionIDFromSeq formats a controller sequence number.
func TransactionIDFromSeq(seq uint64) TransactionID {
	return TransactionID(fmt.Sprintf("T%d", seq))
}

// Seq returns the sequence number of a controller-issued ID, or 0 when id is
// not of the form T<n>.
func (id TransactionID) Seq() uint64 {
	n, err := strconv.ParseUint(strings.TrimPrefix(string(id), "T"), 10, 64)
	if err != nil || !strings.HasPrefix(string(id), "T") {
		return 0
	}
	return n
}

// Challenge assigns work. Difficulty is serialized as "Challenge" like the
// original wire format.
type Challenge struct {
	TransactionID TransactionID `json:"TransactionID"`
	Difficulty    int           `json:"Challenge"`
}

// Solution is a candidate answer submitted by a worker.
type Solution struct {
	ClientID      Identity      `json:"ClientID"`
	TransactionID TransactionID `json:"TransactionID"`
	Nonce         uint64        `json:"Nonce"`
}

// Result announces the winner of a transaction. At most one is published per
// TransactionID.
type Result struct {
	ClientID      Identity      `json:"ClientID"` // winner
	TransactionID TransactionID `json:"TransactionID"`
	Nonce         uint64        `json:"Nonce"`
	Hash          string        `json:"Hash"`
}
