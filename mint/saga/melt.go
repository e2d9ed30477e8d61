package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/nutvault/mint/amount"
	"github.com/nutvault/mint/cashu"
	"github.com/nutvault/mint/cashu/nuts/nut04"
	"github.com/nutvault/mint/cashu/nuts/nut05"
	"github.com/nutvault/mint/mint/lightning"
	"github.com/nutvault/mint/mint/signatory"
	"github.com/nutvault/mint/mint/storage"
	"github.com/nutvault/mint/mint/verification"
)

// MeltInitial is a melt request that has passed the verification layer
// but has not yet locked its quote.
type MeltInitial struct {
	Id            string
	QuoteId       string
	Inputs        cashu.Proofs
	ChangeOutputs cashu.BlindedMessages
}

func NewMelt(quoteId string, inputs cashu.Proofs, changeOutputs cashu.BlindedMessages) (*MeltInitial, error) {
	id, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return nil, err
	}
	return &MeltInitial{Id: id, QuoteId: quoteId, Inputs: inputs, ChangeOutputs: changeOutputs}, nil
}

// MeltSetupComplete is the state after TX1: the quote is Pending,
// inputs are reserved, and change outputs (if any) hold reservations.
type MeltSetupComplete struct {
	id            string
	quoteId       string
	inputs        cashu.Proofs
	changeOutputs cashu.BlindedMessages
	ys            []string
	bs            []string
	quote         storage.DBMeltQuote
}

// AttemptInternalSettlement implements the self-pay short-circuit: if
// the melt quote's invoice matches a mint quote awaiting payment on
// this same mint, both are marked paid in a single transaction and no
// external Lightning call is made. MPP melt quotes are never eligible.
func AttemptInternalSettlement(ctx context.Context, store storage.Store, meltQuoteId string) (settled bool, err error) {
	err = store.WithTx(ctx, func(ctx context.Context, q storage.Queries) error {
		melt, err := q.GetMeltQuote(ctx, meltQuoteId, true)
		if err != nil {
			return err
		}
		if melt.State != nut05.Unpaid {
			return nil
		}

		mint, err := q.GetMintQuoteByLookupId(ctx, melt.RequestLookupId)
		if err != nil {
			return nil // no matching internal quote; not an error, just not eligible
		}
		if mint.State != nut04.Unpaid || mint.Amount != melt.Amount {
			return nil
		}

		if err := q.UpdateMeltQuoteState(ctx, melt.Id, nut05.Paid); err != nil {
			return err
		}
		if err := q.UpdateMintQuoteAmountPaid(ctx, mint.Id, mint.Amount, nut04.Paid); err != nil {
			return err
		}
		settled = true
		return nil
	})
	return settled, err
}

// SetupMelt runs TX1 of §4.6: lock the quote (and every quote sharing
// its request_lookup_id, to serialize BOLT12 aggregates), verify and
// transition Unpaid->Pending, re-verify balance against the locked
// quote, reserve change outputs, and reserve inputs.
func (m *MeltInitial) SetupMelt(ctx context.Context, store storage.Store, lookup verification.KeysetLookup, limits verification.Limits) (*MeltSetupComplete, error) {
	ys := ysOf(m.Inputs)
	bs := bsOf(m.ChangeOutputs)

	if len(ys) > limits.MaxInputs || len(bs) > limits.MaxOutputs {
		return nil, cashu.AmountOutsideLimitErr
	}

	var result *MeltSetupComplete
	err := store.WithTx(ctx, func(ctx context.Context, q storage.Queries) error {
		quote, err := q.GetMeltQuote(ctx, m.QuoteId, true)
		if err != nil {
			return fmt.Errorf("loading melt quote: %w", err)
		}
		if _, err := q.GetMeltQuotesByLookupId(ctx, quote.RequestLookupId, true); err != nil {
			return fmt.Errorf("locking sibling quotes: %w", err)
		}
		if quote.State != nut05.Unpaid {
			return cashu.QuotePendingErr
		}

		inputTotal, err := m.Inputs.Amount()
		if err != nil {
			return cashu.InternalErr(err)
		}
		feePpks := make([]uint64, len(m.Inputs))
		for i, p := range m.Inputs {
			ks, ok := lookup.Keyset(p.Id)
			if !ok {
				return cashu.KeysetNotFoundErr
			}
			feePpks[i] = ks.InputFeePpk
		}
		totalPpk, err := amount.SumValues(feePpks)
		if err != nil {
			return cashu.InternalErr(err)
		}
		inputFee := amount.Fee(totalPpk)

		required := quote.Amount + quote.FeeReserve + inputFee
		if inputTotal < required {
			return cashu.TransactionUnbalancedErr
		}

		if err := q.UpdateMeltQuoteState(ctx, quote.Id, nut05.Pending); err != nil {
			return fmt.Errorf("marking quote pending: %w", err)
		}

		if len(bs) > 0 {
			reservations := make([]storage.DBBlindSignature, len(m.ChangeOutputs))
			for i, o := range m.ChangeOutputs {
				reservations[i] = storage.DBBlindSignature{
					B_:          bs[i],
					Amount:      o.Amount,
					KeysetId:    o.Id,
					QuoteId:     quote.Id,
					OperationId: m.Id,
				}
			}
			if err := q.InsertBlindSignatureReservations(ctx, reservations); err != nil {
				return fmt.Errorf("reserving change outputs: %w", err)
			}
		}

		dbProofs := make([]storage.DBProof, len(m.Inputs))
		for i, p := range m.Inputs {
			dbProofs[i] = storage.DBProof{
				Y:           ys[i],
				Amount:      p.Amount,
				KeysetId:    p.Id,
				Secret:      p.Secret,
				C:           p.C,
				Witness:     p.Witness,
				State:       storage.Pending,
				OperationId: m.Id,
			}
		}
		if err := q.InsertProofs(ctx, dbProofs); err != nil {
			return fmt.Errorf("reserving inputs: %w", err)
		}

		if err := q.SaveSaga(ctx, storage.SagaRecord{
			OperationId: m.Id,
			Kind:        storage.MeltOperation,
			State:       storage.SetupComplete,
			QuoteId:     quote.Id,
			InputYs:     ys,
			OutputBs:    bs,
			CreatedAt:   time.Now().Unix(),
			UpdatedAt:   time.Now().Unix(),
		}); err != nil {
			return fmt.Errorf("recording saga: %w", err)
		}

		quote.State = nut05.Pending
		result = &MeltSetupComplete{id: m.Id, quoteId: quote.Id, inputs: m.Inputs, changeOutputs: m.ChangeOutputs, ys: ys, bs: bs, quote: quote}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *MeltSetupComplete) Id() string      { return s.id }
func (s *MeltSetupComplete) QuoteId() string { return s.quoteId }
func (s *MeltSetupComplete) Ys() []string    { return s.ys }
func (s *MeltSetupComplete) Bs() []string    { return s.bs }

// MeltPaymentAttempted is the write-ahead-log stage: this commit must
// land before the external Lightning call is made.
type MeltPaymentAttempted struct {
	id            string
	quoteId       string
	inputs        cashu.Proofs
	changeOutputs cashu.BlindedMessages
	ys            []string
	bs            []string
	quote         storage.DBMeltQuote
}

func (s *MeltSetupComplete) MarkAttempted(ctx context.Context, store storage.Store) (*MeltPaymentAttempted, error) {
	if err := store.WithTx(ctx, func(ctx context.Context, q storage.Queries) error {
		return q.UpdateSagaState(ctx, s.id, storage.PaymentAttempted)
	}); err != nil {
		return nil, fmt.Errorf("recording payment attempt: %w", err)
	}
	return &MeltPaymentAttempted{id: s.id, quoteId: s.quoteId, inputs: s.inputs, changeOutputs: s.changeOutputs, ys: s.ys, bs: s.bs, quote: s.quote}, nil
}

func (s *MeltPaymentAttempted) Id() string      { return s.id }
func (s *MeltPaymentAttempted) QuoteId() string { return s.quoteId }
func (s *MeltPaymentAttempted) Ys() []string    { return s.ys }
func (s *MeltPaymentAttempted) Bs() []string    { return s.bs }

// Pay submits the invoice to the Lightning backend. No database
// transaction is open during this call.
func (s *MeltPaymentAttempted) Pay(ctx context.Context, backend lightning.Backend, maxFee uint64) (lightning.PaymentResult, error) {
	return backend.MakePayment(ctx, s.quote.Request, maxFee)
}

// MeltFinalizing is the state after TX2a: inputs are Spent and the
// quote is Paid with its preimage recorded; only change signatures and
// saga cleanup remain.
type MeltFinalizing struct {
	id            string
	changeOutputs cashu.BlindedMessages
	bs            []string
	feeReserve    uint64
	actualFee     uint64
	preimage      string
}

// FinalizeCore runs TX2a: mark inputs Spent, mark the quote Paid with
// its preimage and actual fee, update keyset counters, and advance the
// saga to Finalizing.
func (s *MeltPaymentAttempted) FinalizeCore(ctx context.Context, store storage.Store, preimage string, actualFee uint64) (*MeltFinalizing, error) {
	err := store.WithTx(ctx, func(ctx context.Context, q storage.Queries) error {
		if err := q.UpdateProofsState(ctx, s.ys, storage.Pending, storage.Spent); err != nil {
			return fmt.Errorf("marking inputs spent: %w", err)
		}
		if err := q.FinalizeMeltQuote(ctx, s.quoteId, preimage, actualFee); err != nil {
			return fmt.Errorf("finalizing quote: %w", err)
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

		return q.UpdateSagaState(ctx, s.id, storage.Finalizing)
	})
	if err != nil {
		return nil, err
	}
	return &MeltFinalizing{id: s.id, changeOutputs: s.changeOutputs, bs: s.bs, feeReserve: s.quote.FeeReserve, actualFee: actualFee, preimage: preimage}, nil
}

// SignChange asks the signatory to sign the change outputs reserved at
// setup, with the amounts the client chose at request time. It does not
// compute the refund (fee_reserve - actual_fee) or check the change
// amounts against it. With no change outputs it returns nil.
func (s *MeltFinalizing) SignChange(ctx context.Context, sig signatory.Signatory) (cashu.BlindedSignatures, error) {
	if len(s.changeOutputs) == 0 {
		return nil, nil
	}
	return sig.BlindSign(ctx, s.changeOutputs)
}

// Finalize runs TX2b+TX2c: store change signatures (idempotent — a
// retry after a partial previous run skips already-signed rows),
// delete the saga, and record the completed operation.
func (s *MeltFinalizing) Finalize(ctx context.Context, store storage.Store, change cashu.BlindedSignatures) (cashu.BlindedSignatures, error) {
	err := store.WithTx(ctx, func(ctx context.Context, q storage.Queries) error {
		existing, err := q.GetBlindSignaturesByB(ctx, s.bs, true)
		if err != nil {
			return fmt.Errorf("checking existing change signatures: %w", err)
		}
		signed := map[string]bool{}
		for _, e := range existing {
			if e.Signed {
				signed[e.B_] = true
			}
		}

		for i, sig := range change {
			if signed[s.bs[i]] {
				continue
			}
			if err := q.SetBlindSignature(ctx, s.bs[i], sig.C_, sig.DLEQ.E, sig.DLEQ.S); err != nil {
				return fmt.Errorf("storing change signature: %w", err)
			}
		}

		if err := q.DeleteSaga(ctx, s.id); err != nil {
			return nil // best-effort; orphan handled by recovery
		}
		return q.RecordCompletedOperation(ctx, storage.CompletedOperation{
			OperationId:   s.id,
			Kind:          storage.MeltOperation,
			CompletedAt:   time.Now().Unix(),
			FeeCollected:  s.feeReserve - s.actualFee,
			PaymentAmount: &s.actualFee,
		})
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

func (s *MeltFinalizing) Preimage() string { return s.preimage }

// ResumeMeltFinalizing reconstructs a MeltFinalizing from a persisted
// saga row, for recovery to resume a melt whose core finalize
// transaction already committed but whose change-signing and cleanup
// step did not. Change output reservations are re-derived from the
// blind_signature rows TX1 wrote, since the saga row itself only keeps
// their B_ points.
func ResumeMeltFinalizing(ctx context.Context, store storage.Store, rec storage.SagaRecord, preimage string, actualFee uint64) (*MeltFinalizing, error) {
	quote, err := store.GetMeltQuote(ctx, rec.QuoteId, false)
	if err != nil {
		return nil, fmt.Errorf("loading melt quote: %w", err)
	}

	var changeOutputs cashu.BlindedMessages
	if len(rec.OutputBs) > 0 {
		reservations, err := store.GetBlindSignaturesByB(ctx, rec.OutputBs, false)
		if err != nil {
			return nil, fmt.Errorf("loading change reservations: %w", err)
		}
		byB := make(map[string]storage.DBBlindSignature, len(reservations))
		for _, r := range reservations {
			byB[r.B_] = r
		}
		changeOutputs = make(cashu.BlindedMessages, len(rec.OutputBs))
		for i, b := range rec.OutputBs {
			r, ok := byB[b]
			if !ok {
				return nil, fmt.Errorf("change reservation for %s not found", b)
			}
			changeOutputs[i] = cashu.BlindedMessage{Amount: r.Amount, Id: r.KeysetId, B_: r.B_}
		}
	}

	return &MeltFinalizing{
		id:            rec.OperationId,
		changeOutputs: changeOutputs,
		bs:            rec.OutputBs,
		feeReserve:    quote.FeeReserve,
		actualFee:     actualFee,
		preimage:      preimage,
	}, nil
}

// RemoveMeltSetup is the §4.6.1 compensation from SetupComplete (no
// payment attempted): restore the quote to Unpaid and remove the
// reservations TX1 created.
func RemoveMeltSetup(ctx context.Context, store storage.Store, operationId, quoteId string, ys, bs []string) error {
	return store.WithTx(ctx, func(ctx context.Context, q storage.Queries) error {
		if err := q.DeleteProofs(ctx, ys); err != nil {
			return err
		}
		if len(bs) > 0 {
			if err := q.DeleteBlindSignatureReservations(ctx, bs); err != nil {
				return err
			}
		}
		if err := q.UpdateMeltQuoteState(ctx, quoteId, nut05.Unpaid); err != nil {
			return err
		}
		return q.DeleteSaga(ctx, operationId)
	})
}
