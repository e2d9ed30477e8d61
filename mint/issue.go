package mint

import (
	"context"
	"fmt"

	"github.com/nutvault/mint/amount"
	"github.com/nutvault/mint/cashu"
	"github.com/nutvault/mint/cashu/nuts/nut04"
	"github.com/nutvault/mint/cashu/nuts/nut11"
	"github.com/nutvault/mint/cashu/nuts/nut20"
	"github.com/nutvault/mint/mint/storage"
	"github.com/nutvault/mint/mint/verification"
)

// issueTokens runs the single-transaction issue flow: a quote is paid
// exactly once, and outputs may be claimed against it incrementally
// (amount_issued tracks how much of amount_paid has been claimed) until
// fully issued. Unlike swap and melt, issuing never reserves a proof
// or touches double-spend state, so it needs no saga.
func (m *Mint) issueTokens(ctx context.Context, quoteId string, outputs cashu.BlindedMessages, signature string) (cashu.BlindedSignatures, error) {
	quote, err := m.store.GetMintQuote(ctx, quoteId, false)
	if err != nil {
		return nil, fmt.Errorf("loading mint quote: %w", err)
	}

	if quote.State == nut04.Unpaid {
		m.pollIncomingPayment(ctx, quote)
		quote, err = m.store.GetMintQuote(ctx, quoteId, false)
		if err != nil {
			return nil, fmt.Errorf("reloading mint quote: %w", err)
		}
	}

	if quote.State == nut04.Unpaid {
		return nil, cashu.QuoteNotPaidErr
	}

	outputTotal, err := outputs.Amount()
	if err != nil {
		return nil, cashu.InternalErr(err)
	}

	if err := verification.CheckOutputsUnique(outputs); err != nil {
		return nil, err
	}
	unit, err := amount.ParseUnit(quote.Unit)
	if err != nil {
		return nil, cashu.InternalErr(err)
	}
	if err := verification.VerifyOutputsKeyset(outputs, unit, m); err != nil {
		return nil, err
	}

	if quote.Pubkey != "" {
		pubkey, err := nut11.ParsePublicKey(quote.Pubkey)
		if err != nil {
			return nil, cashu.InvalidSignatureErr
		}
		if signature == "" || !nut20.VerifyMintQuoteSignature(pubkey, quoteId, outputs, signature) {
			return nil, cashu.InvalidSignatureErr
		}
	}

	signatures, err := m.signatory.BlindSign(ctx, outputs)
	if err != nil {
		return nil, err
	}

	err = m.store.WithTx(ctx, func(ctx context.Context, q storage.Queries) error {
		fresh, err := q.GetMintQuote(ctx, quoteId, true)
		if err != nil {
			return fmt.Errorf("re-reading mint quote: %w", err)
		}
		if fresh.AmountPaid < fresh.AmountIssued+outputTotal {
			return cashu.QuoteNotPaidErr
		}

		reservations := make([]storage.DBBlindSignature, len(outputs))
		for i, o := range outputs {
			reservations[i] = storage.DBBlindSignature{
				B_:       o.B_,
				Amount:   o.Amount,
				KeysetId: o.Id,
				QuoteId:  quoteId,
			}
		}
		if err := q.InsertBlindSignatureReservations(ctx, reservations); err != nil {
			return fmt.Errorf("reserving outputs: %w", err)
		}
		for i, sig := range signatures {
			if err := q.SetBlindSignature(ctx, outputs[i].B_, sig.C_, sig.DLEQ.E, sig.DLEQ.S); err != nil {
				return fmt.Errorf("storing blind signature: %w", err)
			}
		}

		if err := q.UpdateMintQuoteAmountIssued(ctx, quoteId, fresh.AmountIssued+outputTotal); err != nil {
			return fmt.Errorf("updating amount issued: %w", err)
		}

		byKeyset := map[string]uint64{}
		for _, o := range outputs {
			byKeyset[o.Id] += o.Amount
		}
		for id, issued := range byKeyset {
			if err := q.IncrementKeysetAmounts(ctx, id, issued, 0); err != nil {
				return fmt.Errorf("updating keyset amounts: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return signatures, nil
}
