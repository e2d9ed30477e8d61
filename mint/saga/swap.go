// Package saga implements the swap and melt sagas as compile-time
// typestate machines: each stage is its own concrete type exposing only
// the next transition, so a caller cannot finalize before signing. A
// transition does not invalidate the stage it was called on; a repeated
// setup call on the same stage is refused by the checks inside the setup
// transaction (inputs or outputs already reserved, or the melt quote no
// longer Unpaid).
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/nutvault/mint/cashu"
	"github.com/nutvault/mint/crypto"
	"github.com/nutvault/mint/mint/signatory"
	"github.com/nutvault/mint/mint/storage"
)

func ysOf(proofs cashu.Proofs) []string {
	ys := make([]string, len(proofs))
	for i, p := range proofs {
		ys[i] = crypto.ProofY(p.Secret)
	}
	return ys
}

func bsOf(outputs cashu.BlindedMessages) []string {
	bs := make([]string, len(outputs))
	for i, o := range outputs {
		bs[i] = o.B_
	}
	return bs
}

// SwapInitial is a swap request that has passed the verification layer
// but has not yet touched storage.
type SwapInitial struct {
	Id      string
	Inputs  cashu.Proofs
	Outputs cashu.BlindedMessages
}

func NewSwap(inputs cashu.Proofs, outputs cashu.BlindedMessages) (*SwapInitial, error) {
	id, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return nil, err
	}
	return &SwapInitial{Id: id, Inputs: inputs, Outputs: outputs}, nil
}

// SwapSetupComplete is the state after TX1 has committed: inputs are
// reserved Pending and outputs hold blind-signature reservations.
type SwapSetupComplete struct {
	id      string
	inputs  cashu.Proofs
	outputs cashu.BlindedMessages
	ys      []string
	bs      []string
}

// SetupSwap runs TX1 of §4.5: re-verify outputs aren't already signed,
// reserve inputs as Pending, and reserve output slots. The whole step
// is one transaction; on any failure it rolls back with no
// compensation needed.
func (s *SwapInitial) SetupSwap(ctx context.Context, store storage.Store) (*SwapSetupComplete, error) {
	ys := ysOf(s.Inputs)
	bs := bsOf(s.Outputs)

	err := store.WithTx(ctx, func(ctx context.Context, q storage.Queries) error {
		existing, err := q.GetBlindSignaturesByB(ctx, bs, true)
		if err != nil {
			return fmt.Errorf("checking existing blind signatures: %w", err)
		}
		if len(existing) > 0 {
			return cashu.OutputAlreadySignedErr
		}

		dbProofs := make([]storage.DBProof, len(s.Inputs))
		for i, p := range s.Inputs {
			dbProofs[i] = storage.DBProof{
				Y:           ys[i],
				Amount:      p.Amount,
				KeysetId:    p.Id,
				Secret:      p.Secret,
				C:           p.C,
				Witness:     p.Witness,
				State:       storage.Pending,
				OperationId: s.Id,
			}
		}
		existingProofs, err := q.GetProofsByY(ctx, ys, true)
		if err != nil {
			return fmt.Errorf("checking existing proofs: %w", err)
		}
		if len(existingProofs) > 0 {
			return cashu.TokenAlreadySpentErr
		}
		if err := q.InsertProofs(ctx, dbProofs); err != nil {
			return fmt.Errorf("inserting proofs: %w", err)
		}

		reservations := make([]storage.DBBlindSignature, len(s.Outputs))
		for i, o := range s.Outputs {
			reservations[i] = storage.DBBlindSignature{
				B_:          bs[i],
				Amount:      o.Amount,
				KeysetId:    o.Id,
				OperationId: s.Id,
			}
		}
		if err := q.InsertBlindSignatureReservations(ctx, reservations); err != nil {
			return fmt.Errorf("inserting blind signature reservations: %w", err)
		}

		return q.SaveSaga(ctx, storage.SagaRecord{
			OperationId: s.Id,
			Kind:        storage.SwapOperation,
			State:       storage.SetupComplete,
			InputYs:     ys,
			OutputBs:    bs,
			CreatedAt:   time.Now().Unix(),
			UpdatedAt:   time.Now().Unix(),
		})
	})
	if err != nil {
		return nil, err
	}

	return &SwapSetupComplete{id: s.Id, inputs: s.Inputs, outputs: s.Outputs, ys: ys, bs: bs}, nil
}

// SwapSigned holds signatures computed outside any transaction; they
// have no persistent side effect until Finalize commits.
type SwapSigned struct {
	id         string
	inputs     cashu.Proofs
	outputs    cashu.BlindedMessages
	ys         []string
	bs         []string
	signatures cashu.BlindedSignatures
}

func (s *SwapSetupComplete) Id() string    { return s.id }
func (s *SwapSetupComplete) Ys() []string  { return s.ys }
func (s *SwapSetupComplete) Bs() []string  { return s.bs }

// SignOutputs calls the signatory outside any database transaction. On
// error, the caller must run RemoveSwapSetup to compensate.
func (s *SwapSetupComplete) SignOutputs(ctx context.Context, sig signatory.Signatory) (*SwapSigned, error) {
	signatures, err := sig.BlindSign(ctx, s.outputs)
	if err != nil {
		return nil, err
	}
	return &SwapSigned{id: s.id, inputs: s.inputs, outputs: s.outputs, ys: s.ys, bs: s.bs, signatures: signatures}, nil
}

func (s *SwapSigned) Id() string   { return s.id }
func (s *SwapSigned) Ys() []string { return s.ys }
func (s *SwapSigned) Bs() []string { return s.bs }

// Finalize runs TX2: store signatures, mark inputs Spent, update
// keyset counters, and drop the saga record. Only after this commits
// does the caller return signatures to the client.
func (s *SwapSigned) Finalize(ctx context.Context, store storage.Store) (cashu.BlindedSignatures, error) {
	err := store.WithTx(ctx, func(ctx context.Context, q storage.Queries) error {
		for i, sig := range s.signatures {
			if err := q.SetBlindSignature(ctx, s.bs[i], sig.C_, sig.DLEQ.E, sig.DLEQ.S); err != nil {
				return fmt.Errorf("storing blind signature: %w", err)
			}
		}

		proofs, err := q.GetProofsByY(ctx, s.ys, true)
		if err != nil {
			return fmt.Errorf("re-reading proofs: %w", err)
		}
		for _, p := range proofs {
			if p.State != storage.Pending {
				return fmt.Errorf("proof %s not in Pending state during finalize", p.Y)
			}
		}
		if err := q.UpdateProofsState(ctx, s.ys, storage.Pending, storage.Spent); err != nil {
			return fmt.Errorf("marking proofs spent: %w", err)
		}

		byKeyset := map[string]uint64{}
		for _, p := range s.inputs {
			byKeyset[p.Id] += p.Amount
		}
		for id, redeemed := range byKeyset {
			if err := q.IncrementKeysetAmounts(ctx, id, 0, redeemed); err != nil {
				return fmt.Errorf("updating keyset amounts: %w", err)
			}
		}
		issuedByKeyset := map[string]uint64{}
		for _, o := range s.outputs {
			issuedByKeyset[o.Id] += o.Amount
		}
		for id, issued := range issuedByKeyset {
			if err := q.IncrementKeysetAmounts(ctx, id, issued, 0); err != nil {
				return fmt.Errorf("updating keyset amounts: %w", err)
			}
		}

		if err := q.DeleteSaga(ctx, s.id); err != nil {
			// best-effort: an orphaned saga row is resolved by recovery.
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.signatures, nil
}

// RemoveSwapSetup is the §4.5.1 compensation: it undoes TX1 when
// SignOutputs or Finalize fails. Errors are logged by the caller and
// swallowed here is not appropriate; the caller decides whether to
// retry or leave it for startup recovery.
func RemoveSwapSetup(ctx context.Context, store storage.Store, operationId string, ys, bs []string) error {
	return store.WithTx(ctx, func(ctx context.Context, q storage.Queries) error {
		if err := q.DeleteProofs(ctx, ys); err != nil {
			return err
		}
		if err := q.DeleteBlindSignatureReservations(ctx, bs); err != nil {
			return err
		}
		return q.DeleteSaga(ctx, operationId)
	})
}
