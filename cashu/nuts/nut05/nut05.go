// Package nut05 contains the melt-quote wire types and state machine.
package nut05

import "github.com/nutvault/mint/cashu"

// State is a MeltQuote's lifecycle stage. Transitions are monotonic:
// Unpaid -> Pending -> Paid.
type State int

const (
	Unpaid State = iota
	Pending
	Paid
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	default:
		return "UNPAID"
	}
}

type PostMeltQuoteBolt11Request struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	State      string `json:"state"`
	Expiry     int64  `json:"expiry"`
}

type PostMeltBolt11Request struct {
	Quote   string                `json:"quote"`
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}

type PostMeltBolt11Response struct {
	State            string                  `json:"state"`
	PaymentPreimage  string                  `json:"payment_preimage"`
	Change           cashu.BlindedSignatures `json:"change,omitempty"`
}
