// Package storagetest provides an in-memory storage.Store for exercising
// sagas and the issue flow without a database, mirroring the hand-rolled
// fakes other Lightning daemons in this family keep alongside their
// switch/discovery tests.
package storagetest

import (
	"context"
	"sync"

	"github.com/nutvault/mint/cashu/nuts/nut04"
	"github.com/nutvault/mint/cashu/nuts/nut05"
	"github.com/nutvault/mint/mint/storage"
)

// Store is a single-process, mutex-guarded storage.Store. WithTx takes
// the same lock a real transaction would hold for its duration and
// rolls back by restoring a deep-ish snapshot on error, which is enough
// to exercise saga compensation paths without a real database.
type Store struct {
	mu sync.Mutex

	keysets  map[string]storage.DBKeyset
	proofs   map[string]storage.DBProof
	blindSig map[string]storage.DBBlindSignature
	mintQ    map[string]storage.DBMintQuote
	meltQ    map[string]storage.DBMeltQuote
	sagas    map[string]storage.SagaRecord
	amounts  map[string][2]uint64 // issued, redeemed
	done     []storage.CompletedOperation
}

func New() *Store {
	return &Store{
		keysets:  make(map[string]storage.DBKeyset),
		proofs:   make(map[string]storage.DBProof),
		blindSig: make(map[string]storage.DBBlindSignature),
		mintQ:    make(map[string]storage.DBMintQuote),
		meltQ:    make(map[string]storage.DBMeltQuote),
		sagas:    make(map[string]storage.SagaRecord),
		amounts:  make(map[string][2]uint64),
	}
}

func (s *Store) Close() {}

type snapshot struct {
	proofs   map[string]storage.DBProof
	blindSig map[string]storage.DBBlindSignature
	mintQ    map[string]storage.DBMintQuote
	meltQ    map[string]storage.DBMeltQuote
	sagas    map[string]storage.SagaRecord
	amounts  map[string][2]uint64
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) snapshot() snapshot {
	return snapshot{
		proofs:   cloneMap(s.proofs),
		blindSig: cloneMap(s.blindSig),
		mintQ:    cloneMap(s.mintQ),
		meltQ:    cloneMap(s.meltQ),
		sagas:    cloneMap(s.sagas),
		amounts:  cloneMap(s.amounts),
	}
}

func (s *Store) restore(snap snapshot) {
	s.proofs = snap.proofs
	s.blindSig = snap.blindSig
	s.mintQ = snap.mintQ
	s.meltQ = snap.meltQ
	s.sagas = snap.sagas
	s.amounts = snap.amounts
}

// WithTx holds the store's lock for the whole callback, so nested calls
// from within fn would deadlock just like a real single-connection
// transaction would if it tried to open another.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, q storage.Queries) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	defer func() {
		if r := recover(); r != nil {
			s.restore(snap)
			panic(r)
		}
	}()

	if err = fn(ctx, s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *Store) SaveKeyset(ctx context.Context, ks storage.DBKeyset) error {
	s.keysets[ks.Id] = ks
	return nil
}

func (s *Store) GetKeysets(ctx context.Context) ([]storage.DBKeyset, error) {
	out := make([]storage.DBKeyset, 0, len(s.keysets))
	for _, ks := range s.keysets {
		out = append(out, ks)
	}
	return out, nil
}

func (s *Store) SetKeysetActive(ctx context.Context, id string, active bool) error {
	ks, ok := s.keysets[id]
	if !ok {
		return errNotFound("keyset", id)
	}
	ks.Active = active
	s.keysets[id] = ks
	return nil
}

func (s *Store) GetProofsByY(ctx context.Context, ys []string, forUpdate bool) ([]storage.DBProof, error) {
	var out []storage.DBProof
	for _, y := range ys {
		if p, ok := s.proofs[y]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) InsertProofs(ctx context.Context, proofs []storage.DBProof) error {
	for _, p := range proofs {
		if _, exists := s.proofs[p.Y]; exists {
			return errConflict("proof", p.Y)
		}
	}
	for _, p := range proofs {
		s.proofs[p.Y] = p
	}
	return nil
}

func (s *Store) UpdateProofsState(ctx context.Context, ys []string, from, to storage.ProofState) error {
	for _, y := range ys {
		p, ok := s.proofs[y]
		if !ok {
			return errNotFound("proof", y)
		}
		if p.State != from {
			return errConflict("proof state", y)
		}
		p.State = to
		s.proofs[y] = p
	}
	return nil
}

func (s *Store) DeleteProofs(ctx context.Context, ys []string) error {
	for _, y := range ys {
		delete(s.proofs, y)
	}
	return nil
}

func (s *Store) GetBlindSignaturesByB(ctx context.Context, bs []string, forUpdate bool) ([]storage.DBBlindSignature, error) {
	var out []storage.DBBlindSignature
	for _, b := range bs {
		if sig, ok := s.blindSig[b]; ok {
			out = append(out, sig)
		}
	}
	return out, nil
}

func (s *Store) InsertBlindSignatureReservations(ctx context.Context, sigs []storage.DBBlindSignature) error {
	for _, sig := range sigs {
		s.blindSig[sig.B_] = sig
	}
	return nil
}

func (s *Store) SetBlindSignature(ctx context.Context, b_, c_, dleqE, dleqS string) error {
	sig, ok := s.blindSig[b_]
	if !ok {
		return errNotFound("blind signature reservation", b_)
	}
	sig.C_ = c_
	sig.DLEQE = dleqE
	sig.DLEQS = dleqS
	sig.Signed = true
	s.blindSig[b_] = sig
	return nil
}

func (s *Store) DeleteBlindSignatureReservations(ctx context.Context, bs []string) error {
	for _, b := range bs {
		delete(s.blindSig, b)
	}
	return nil
}

func (s *Store) GetMintQuote(ctx context.Context, id string, forUpdate bool) (storage.DBMintQuote, error) {
	q, ok := s.mintQ[id]
	if !ok {
		return storage.DBMintQuote{}, errNotFound("mint quote", id)
	}
	return q, nil
}

func (s *Store) GetMintQuoteByLookupId(ctx context.Context, lookupId string) (storage.DBMintQuote, error) {
	for _, q := range s.mintQ {
		if q.RequestLookupId == lookupId {
			return q, nil
		}
	}
	return storage.DBMintQuote{}, errNotFound("mint quote by lookup id", lookupId)
}

func (s *Store) SaveMintQuote(ctx context.Context, q storage.DBMintQuote) error {
	s.mintQ[q.Id] = q
	return nil
}

func (s *Store) UpdateMintQuoteAmountPaid(ctx context.Context, id string, amountPaid uint64, state nut04.State) error {
	q, ok := s.mintQ[id]
	if !ok {
		return errNotFound("mint quote", id)
	}
	q.AmountPaid = amountPaid
	q.State = state
	s.mintQ[id] = q
	return nil
}

func (s *Store) UpdateMintQuoteAmountIssued(ctx context.Context, id string, amountIssued uint64) error {
	q, ok := s.mintQ[id]
	if !ok {
		return errNotFound("mint quote", id)
	}
	q.AmountIssued = amountIssued
	s.mintQ[id] = q
	return nil
}

func (s *Store) GetMeltQuote(ctx context.Context, id string, forUpdate bool) (storage.DBMeltQuote, error) {
	q, ok := s.meltQ[id]
	if !ok {
		return storage.DBMeltQuote{}, errNotFound("melt quote", id)
	}
	return q, nil
}

func (s *Store) GetMeltQuotesByLookupId(ctx context.Context, lookupId string, forUpdate bool) ([]storage.DBMeltQuote, error) {
	var out []storage.DBMeltQuote
	for _, q := range s.meltQ {
		if q.RequestLookupId == lookupId {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *Store) SaveMeltQuote(ctx context.Context, q storage.DBMeltQuote) error {
	s.meltQ[q.Id] = q
	return nil
}

func (s *Store) UpdateMeltQuoteState(ctx context.Context, id string, state nut05.State) error {
	q, ok := s.meltQ[id]
	if !ok {
		return errNotFound("melt quote", id)
	}
	q.State = state
	s.meltQ[id] = q
	return nil
}

func (s *Store) FinalizeMeltQuote(ctx context.Context, id string, preimage string, actualFee uint64) error {
	q, ok := s.meltQ[id]
	if !ok {
		return errNotFound("melt quote", id)
	}
	q.State = nut05.Paid
	q.PaymentPreimage = preimage
	q.ActualFee = actualFee
	s.meltQ[id] = q
	return nil
}

func (s *Store) SaveSaga(ctx context.Context, rec storage.SagaRecord) error {
	s.sagas[rec.OperationId] = rec
	return nil
}

func (s *Store) UpdateSagaState(ctx context.Context, operationId string, state storage.SagaState) error {
	rec, ok := s.sagas[operationId]
	if !ok {
		return errNotFound("saga", operationId)
	}
	rec.State = state
	s.sagas[operationId] = rec
	return nil
}

func (s *Store) GetSaga(ctx context.Context, operationId string) (storage.SagaRecord, error) {
	rec, ok := s.sagas[operationId]
	if !ok {
		return storage.SagaRecord{}, errNotFound("saga", operationId)
	}
	return rec, nil
}

func (s *Store) ListSagas(ctx context.Context) ([]storage.SagaRecord, error) {
	out := make([]storage.SagaRecord, 0, len(s.sagas))
	for _, rec := range s.sagas {
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) DeleteSaga(ctx context.Context, operationId string) error {
	delete(s.sagas, operationId)
	return nil
}

func (s *Store) IncrementKeysetAmounts(ctx context.Context, keysetId string, issued, redeemed uint64) error {
	cur := s.amounts[keysetId]
	cur[0] += issued
	cur[1] += redeemed
	s.amounts[keysetId] = cur
	return nil
}

func (s *Store) GetKeysetAmounts(ctx context.Context, keysetId string) (issued, redeemed uint64, err error) {
	cur := s.amounts[keysetId]
	return cur[0], cur[1], nil
}

func (s *Store) RecordCompletedOperation(ctx context.Context, op storage.CompletedOperation) error {
	s.done = append(s.done, op)
	return nil
}

// Completed returns every operation recorded via RecordCompletedOperation,
// for assertions in tests.
func (s *Store) Completed() []storage.CompletedOperation {
	return s.done
}

type storageError struct {
	kind, id string
	conflict bool
}

func (e *storageError) Error() string {
	if e.conflict {
		return e.kind + " " + e.id + " already exists"
	}
	return e.kind + " " + e.id + " not found"
}

func errNotFound(kind, id string) error { return &storageError{kind: kind, id: id} }
func errConflict(kind, id string) error { return &storageError{kind: kind, id: id, conflict: true} }
