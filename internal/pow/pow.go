// Package pow holds the hash function and difficulty predicate shared by the
// controller (verification) and the miners (search).
package pow

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"

	"consensus-mining/internal/models"
)

// MaxDifficulty is the upper clamp for issued challenges. A SHA-1 hex digest
// has 40 characters, anything above that can never be satisfied.
const MaxDifficulty = 20

// Input builds the string that is hashed for a candidate: "<TransactionID>:<Nonce>".
func Input(tx models.TransactionID, nonce uint64) string {
	return string(tx) + ":" + strconv.FormatUint(nonce, 10)
}

// Digest returns the hex-encoded SHA-1 of Input(tx, nonce).
func Digest(tx models.TransactionID, nonce uint64) string {
	sum := sha1.Sum([]byte(Input(tx, nonce)))
	return hex.EncodeToString(sum[:])
}

// LeadingZeros counts leading '0' characters of a hex digest.
func LeadingZeros(hexDigest string) int {
	n := 0
	for n < len(hexDigest) && hexDigest[n] == '0' {
		n++
	}
	return n
}

// Satisfies reports whether the digest has at least difficulty leading zeros.
// Difficulty <= 0 accepts everything.
func Satisfies(hexDigest string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if difficulty > len(hexDigest) {
		return false
	}
	for i := 0; i < difficulty; i++ {
		if hexDigest[i] != '0' {
			return false
		}
	}
	return true
}

// Verify recomputes the digest for a candidate and checks it against difficulty.
func Verify(tx models.TransactionID, nonce uint64, difficulty int) (string, bool) {
	h := Digest(tx, nonce)
	return h, Satisfies(h, difficulty)
}
