// Package cashu defines the wire-level value types shared by every mint
// operation: blinded messages, blind signatures, proofs, and the error
// taxonomy operations report through.
package cashu

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/nutvault/mint/amount"
)

// BlindedMessage is the blinded secret (B_) a client wants signed.
type BlindedMessage struct {
	Amount  uint64 `json:"amount"`
	Id      string `json:"id"`
	B_      string `json:"B_"`
	Witness string `json:"witness,omitempty"`
}

type BlindedMessages []BlindedMessage

func (bm BlindedMessages) Amount() (uint64, error) {
	values := make([]uint64, len(bm))
	for i, m := range bm {
		values[i] = m.Amount
	}
	return amount.SumValues(values)
}

// SortBlindedMessages returns a new slice of outputs sorted by amount
// ascending, used when selecting denominations for change.
func SortBlindedMessages(messages BlindedMessages) BlindedMessages {
	sorted := make(BlindedMessages, len(messages))
	copy(sorted, messages)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount < sorted[j].Amount })
	return sorted
}

// DLEQProof is a NUT-12 discrete-log-equality proof (e, s), with an
// optional r used by wallets to re-derive C' for proof-side verification.
type DLEQProof struct {
	E string `json:"e"`
	S string `json:"s"`
	R string `json:"r,omitempty"`
}

// BlindedSignature is the mint's signature (C_) on a blinded message. A
// row with C_ empty represents a reservation between "output accepted"
// and "signed".
type BlindedSignature struct {
	Amount uint64     `json:"amount"`
	Id     string     `json:"id"`
	C_     string     `json:"C_"`
	DLEQ   *DLEQProof `json:"dleq,omitempty"`
}

type BlindedSignatures []BlindedSignature

func (bs BlindedSignatures) Amount() (uint64, error) {
	values := make([]uint64, len(bs))
	for i, s := range bs {
		values[i] = s.Amount
	}
	return amount.SumValues(values)
}

// Proof is a fully-unblinded spendable token.
type Proof struct {
	Amount  uint64     `json:"amount"`
	Id      string     `json:"id"`
	Secret  string     `json:"secret"`
	C       string     `json:"C"`
	Witness string     `json:"witness,omitempty"`
	DLEQ    *DLEQProof `json:"dleq,omitempty"`
}

type Proofs []Proof

func (p Proofs) Amount() (uint64, error) {
	values := make([]uint64, len(p))
	for i, proof := range p {
		values[i] = proof.Amount
	}
	return amount.SumValues(values)
}

// CheckDuplicateProofs reports whether any two proofs in the slice share
// a secret (and therefore the same Y).
func CheckDuplicateProofs(proofs Proofs) bool {
	seen := make(map[string]bool, len(proofs))
	for _, p := range proofs {
		if seen[p.Secret] {
			return true
		}
		seen[p.Secret] = true
	}
	return false
}

// CheckDuplicateBlindedMessages reports whether any two outputs in the
// slice share a B_.
func CheckDuplicateBlindedMessages(messages BlindedMessages) bool {
	seen := make(map[string]bool, len(messages))
	for _, m := range messages {
		if seen[m.B_] {
			return true
		}
		seen[m.B_] = true
	}
	return false
}

// GenerateRandomQuoteId returns a random 32-byte hex identifier, used for
// mint/melt quote ids when a caller does not supply one.
func GenerateRandomQuoteId() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating quote id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func Max(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
