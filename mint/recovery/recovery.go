// Package recovery resolves saga rows left behind by a crash between a
// saga's write-ahead-log commit and its finishing transaction. It runs
// once at startup, before any saga or issue call is accepted, and must
// not fail open: if a melt saga's fate cannot be determined, Run
// reports it as unresolved rather than pretending recovery succeeded,
// so the caller can refuse new melt requests until a later pass clears
// it (§4.6.1/§9 "must not fail-open").
package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nutvault/mint/cashu"
	"github.com/nutvault/mint/cashu/nuts/nut05"
	"github.com/nutvault/mint/mint/lightning"
	"github.com/nutvault/mint/mint/saga"
	"github.com/nutvault/mint/mint/signatory"
	"github.com/nutvault/mint/mint/storage"
)

// Run scans every saga row and drives it to completion or compensates
// it, per §4.5.1/§4.6.1. It is idempotent: re-running it against an
// already-clean saga table does nothing. unresolved lists the
// operation ids of melt sagas whose backend payment status came back
// Pending/Unknown — the caller must not treat recovery as complete
// while this list is non-empty.
func Run(ctx context.Context, store storage.Store, sig signatory.Signatory, backend lightning.Backend, logger *zap.Logger) (unresolved []string, err error) {
	sagas, err := store.ListSagas(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sagas: %w", err)
	}
	if len(sagas) == 0 {
		return nil, nil
	}
	logger.Info("recovering in-flight sagas", zap.Int("count", len(sagas)))

	for _, rec := range sagas {
		resolved, err := resolveOne(ctx, store, sig, backend, rec)
		if err != nil {
			return unresolved, fmt.Errorf("recovering operation %s: %w", rec.OperationId, err)
		}
		if !resolved {
			logger.Warn("melt saga left unresolved pending backend confirmation",
				zap.String("operation_id", rec.OperationId), zap.String("quote_id", rec.QuoteId))
			unresolved = append(unresolved, rec.OperationId)
			continue
		}
		logger.Info("recovered saga", zap.String("operation_id", rec.OperationId), zap.Int("kind", int(rec.Kind)), zap.Int("state", int(rec.State)))
	}
	return unresolved, nil
}

// ResolveOperation re-runs recovery for a single saga row, for the
// on-demand hook a quote-status poll uses to try to advance a melt
// stuck in PaymentAttempted/Finalizing without waiting for the next
// startup or periodic sweep.
func ResolveOperation(ctx context.Context, store storage.Store, sig signatory.Signatory, backend lightning.Backend, rec storage.SagaRecord) (bool, error) {
	return resolveOne(ctx, store, sig, backend, rec)
}

// FindMeltSaga returns the saga row for a melt quote id, if one is
// still in flight. Used by the on-demand hook and by operators
// inspecting why a quote is Pending.
func FindMeltSaga(ctx context.Context, store storage.Store, quoteId string) (storage.SagaRecord, bool, error) {
	sagas, err := store.ListSagas(ctx)
	if err != nil {
		return storage.SagaRecord{}, false, err
	}
	for _, rec := range sagas {
		if rec.Kind == storage.MeltOperation && rec.QuoteId == quoteId {
			return rec, true, nil
		}
	}
	return storage.SagaRecord{}, false, nil
}

func resolveOne(ctx context.Context, store storage.Store, sig signatory.Signatory, backend lightning.Backend, rec storage.SagaRecord) (bool, error) {
	switch rec.Kind {
	case storage.SwapOperation:
		return true, recoverSwap(ctx, store, rec)
	case storage.MeltOperation:
		return recoverMelt(ctx, store, sig, backend, rec)
	default:
		return false, fmt.Errorf("unknown saga kind %d for operation %s", rec.Kind, rec.OperationId)
	}
}

// recoverSwap handles swap sagas. Swap only ever persists a saga row at
// SetupComplete (Finalize deletes it in the same transaction that
// spends the inputs), so any row found at startup never reached
// Finalize and must be compensated.
func recoverSwap(ctx context.Context, store storage.Store, rec storage.SagaRecord) error {
	switch rec.State {
	case storage.SetupComplete:
		return saga.RemoveSwapSetup(ctx, store, rec.OperationId, rec.InputYs, rec.OutputBs)
	default:
		return fmt.Errorf("swap saga in unexpected state %d", rec.State)
	}
}

// recoverMelt handles melt sagas across all three write-ahead-log
// stages. The returned bool reports whether the saga's fate was
// determined: false means the row was deliberately left in place
// because the backend's answer was Pending/Unknown.
func recoverMelt(ctx context.Context, store storage.Store, sig signatory.Signatory, backend lightning.Backend, rec storage.SagaRecord) (bool, error) {
	switch rec.State {
	case storage.SetupComplete:
		// No payment was ever attempted; safe to unwind unconditionally.
		return true, saga.RemoveMeltSetup(ctx, store, rec.OperationId, rec.QuoteId, rec.InputYs, rec.OutputBs)

	case storage.PaymentAttempted:
		return recoverMeltPaymentAttempted(ctx, store, sig, backend, rec)

	case storage.Finalizing:
		return true, recoverMeltFinalizing(ctx, store, sig, rec)

	default:
		return false, fmt.Errorf("melt saga in unexpected state %d", rec.State)
	}
}

// recoverMeltPaymentAttempted resolves a melt whose Lightning call
// status is unknown: the mint asked the backend to pay but never
// recorded the outcome. It must ask the backend, never assume either
// way.
func recoverMeltPaymentAttempted(ctx context.Context, store storage.Store, sig signatory.Signatory, backend lightning.Backend, rec storage.SagaRecord) (bool, error) {
	quote, err := store.GetMeltQuote(ctx, rec.QuoteId, false)
	if err != nil {
		return false, fmt.Errorf("loading melt quote: %w", err)
	}

	result, err := backend.CheckOutgoingPayment(ctx, quote.RequestLookupId)
	if err != nil {
		return false, fmt.Errorf("checking outgoing payment: %w", err)
	}

	switch result.State {
	case lightning.Paid:
		return true, finalizeMelt(ctx, store, sig, rec, result.Preimage, result.ActualFee)
	case lightning.Failed:
		return true, saga.RemoveMeltSetup(ctx, store, rec.OperationId, rec.QuoteId, rec.InputYs, rec.OutputBs)
	default:
		// Pending or Unknown: the payment may still land. Leave the
		// saga row in place for the next recovery pass rather than
		// guessing; a fail-open here could double-spend the reserve.
		return false, nil
	}
}

// recoverMeltFinalizing resumes a melt whose core finalize transaction
// already committed (inputs spent, quote paid) but whose change
// signatures and cleanup never ran.
func recoverMeltFinalizing(ctx context.Context, store storage.Store, sig signatory.Signatory, rec storage.SagaRecord) error {
	quote, err := store.GetMeltQuote(ctx, rec.QuoteId, false)
	if err != nil {
		return fmt.Errorf("loading melt quote: %w", err)
	}
	if quote.State != nut05.Paid {
		return fmt.Errorf("melt quote %s not paid despite Finalizing saga state", rec.QuoteId)
	}
	return finalizeMelt(ctx, store, sig, rec, quote.PaymentPreimage, quote.ActualFee)
}

// finalizeMelt re-derives change outputs from their reservation rows,
// signs them (idempotent: already-signed rows are skipped by
// saga.MeltFinalizing.Finalize), and drives the saga the rest of the
// way to completion.
func finalizeMelt(ctx context.Context, store storage.Store, sig signatory.Signatory, rec storage.SagaRecord, preimage string, actualFee uint64) error {
	finalizing, err := saga.ResumeMeltFinalizing(ctx, store, rec, preimage, actualFee)
	if err != nil {
		return err
	}

	var change cashu.BlindedSignatures
	if len(rec.OutputBs) > 0 {
		change, err = finalizing.SignChange(ctx, sig)
		if err != nil {
			return fmt.Errorf("signing change: %w", err)
		}
	}

	_, err = finalizing.Finalize(ctx, store, change)
	return err
}
