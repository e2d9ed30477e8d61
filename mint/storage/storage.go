// Package storage defines the mint's persistence contract: the proof,
// blind-signature, keyset, quote, and saga tables every saga and the
// issue flow read and write under row-level locking. Concrete backends
// (mint/storage/postgres) implement Store.
package storage

import (
	"context"

	"github.com/nutvault/mint/cashu/nuts/nut04"
	"github.com/nutvault/mint/cashu/nuts/nut05"
)

// ProofState mirrors the proof table's state column.
type ProofState int

const (
	Unspent ProofState = iota
	Pending
	Spent
)

func (s ProofState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Spent:
		return "SPENT"
	default:
		return "UNSPENT"
	}
}

type DBProof struct {
	Y           string
	Amount      uint64
	KeysetId    string
	Secret      string
	C           string
	Witness     string
	State       ProofState
	OperationId string
}

// DBBlindSignature is a row in blind_signature. A row with no C_ is a
// reservation inserted during a saga's setup transaction; Signed
// becomes true once the finalize transaction fills in C_ and the DLEQ
// fields.
type DBBlindSignature struct {
	B_          string
	Amount      uint64
	KeysetId    string
	C_          string
	DLEQE       string
	DLEQS       string
	QuoteId     string
	OperationId string
	Signed      bool
}

type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	InputFeePpk       uint64
}

type DBMintQuote struct {
	Id              string
	Amount          uint64
	Unit            string
	Request         string
	RequestLookupId string
	Expiry          int64
	Pubkey          string
	AmountPaid      uint64
	AmountIssued    uint64
	PaymentMethod   string
	State           nut04.State
}

type DBMeltQuote struct {
	Id              string
	Unit            string
	Amount          uint64
	Request         string
	RequestLookupId string
	FeeReserve      uint64
	State           nut05.State
	PaymentPreimage string
	ActualFee       uint64
	Expiry          int64
}

// SagaOperationKind distinguishes the two saga families sharing the
// saga_state table.
type SagaOperationKind int

const (
	SwapOperation SagaOperationKind = iota
	MeltOperation
)

// SagaState is the persisted write-ahead-log stage for an in-flight
// swap or melt. Swap only ever reaches SetupComplete before the
// saga row is deleted in TX2; melt additionally passes through
// PaymentAttempted and Finalizing.
type SagaState int

const (
	SetupComplete SagaState = iota
	PaymentAttempted
	Finalizing
)

type SagaRecord struct {
	OperationId string
	Kind        SagaOperationKind
	State       SagaState
	QuoteId     string
	InputYs     []string
	OutputBs    []string
	CreatedAt   int64
	UpdatedAt   int64
}

type CompletedOperation struct {
	OperationId   string
	Kind          SagaOperationKind
	CompletedAt   int64
	TotalIssued   uint64
	TotalRedeemed uint64
	FeeCollected  uint64
	PaymentAmount *uint64
	PaymentFee    *uint64
	PaymentMethod string
}

// Queries is the set of reads and writes available both directly
// against the pool and against an open transaction.
type Queries interface {
	SaveKeyset(ctx context.Context, ks DBKeyset) error
	GetKeysets(ctx context.Context) ([]DBKeyset, error)
	SetKeysetActive(ctx context.Context, id string, active bool) error

	GetProofsByY(ctx context.Context, ys []string, forUpdate bool) ([]DBProof, error)
	InsertProofs(ctx context.Context, proofs []DBProof) error
	UpdateProofsState(ctx context.Context, ys []string, from, to ProofState) error
	DeleteProofs(ctx context.Context, ys []string) error

	GetBlindSignaturesByB(ctx context.Context, bs []string, forUpdate bool) ([]DBBlindSignature, error)
	InsertBlindSignatureReservations(ctx context.Context, sigs []DBBlindSignature) error
	SetBlindSignature(ctx context.Context, b_, c_, dleqE, dleqS string) error
	DeleteBlindSignatureReservations(ctx context.Context, bs []string) error

	GetMintQuote(ctx context.Context, id string, forUpdate bool) (DBMintQuote, error)
	GetMintQuoteByLookupId(ctx context.Context, lookupId string) (DBMintQuote, error)
	SaveMintQuote(ctx context.Context, q DBMintQuote) error
	UpdateMintQuoteAmountPaid(ctx context.Context, id string, amountPaid uint64, state nut04.State) error
	UpdateMintQuoteAmountIssued(ctx context.Context, id string, amountIssued uint64) error

	GetMeltQuote(ctx context.Context, id string, forUpdate bool) (DBMeltQuote, error)
	GetMeltQuotesByLookupId(ctx context.Context, lookupId string, forUpdate bool) ([]DBMeltQuote, error)
	SaveMeltQuote(ctx context.Context, q DBMeltQuote) error
	UpdateMeltQuoteState(ctx context.Context, id string, state nut05.State) error
	FinalizeMeltQuote(ctx context.Context, id string, preimage string, actualFee uint64) error

	SaveSaga(ctx context.Context, rec SagaRecord) error
	UpdateSagaState(ctx context.Context, operationId string, state SagaState) error
	GetSaga(ctx context.Context, operationId string) (SagaRecord, error)
	ListSagas(ctx context.Context) ([]SagaRecord, error)
	DeleteSaga(ctx context.Context, operationId string) error

	IncrementKeysetAmounts(ctx context.Context, keysetId string, issued, redeemed uint64) error
	GetKeysetAmounts(ctx context.Context, keysetId string) (issued, redeemed uint64, err error)

	RecordCompletedOperation(ctx context.Context, op CompletedOperation) error
}

// Store adds transaction management on top of Queries. WithTx runs fn
// inside a single database transaction, rolling back on any returned
// error or panic.
type Store interface {
	Queries
	WithTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
	Close()
}
