// Package mint implements the orchestrator that wires the signatory,
// storage, verification, saga, and lightning layers into the
// operations an external transport calls.
package mint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nutvault/mint/amount"
	"github.com/nutvault/mint/cashu"
	"github.com/nutvault/mint/cashu/nuts/nut04"
	"github.com/nutvault/mint/cashu/nuts/nut05"
	"github.com/nutvault/mint/cashu/nuts/nut06"
	"github.com/nutvault/mint/cashu/nuts/nut07"
	"github.com/nutvault/mint/mint/config"
	"github.com/nutvault/mint/mint/lightning"
	"github.com/nutvault/mint/mint/recovery"
	"github.com/nutvault/mint/mint/saga"
	"github.com/nutvault/mint/mint/signatory"
	"github.com/nutvault/mint/mint/storage"
	"github.com/nutvault/mint/mint/verification"

	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const bolt11Method = "bolt11"

// quoteExpiry is the default melt-quote lifetime; the fake and
// production Lightning backends report their own invoice expiry for
// mint quotes, but a melt quote's expiry is the mint's own choice.
const quoteExpiry = 10 * time.Minute

// Mint ties together every layer built so far. It holds no secret
// material itself; key custody stays inside the Signatory.
type Mint struct {
	store     storage.Store
	signatory signatory.Signatory
	lightning lightning.Backend
	logger    *zap.Logger
	limits    config.Limits
	cfg       config.Config

	mu      sync.RWMutex
	keysets map[string]signatory.KeysetInfo

	// meltsSuspended is set by startup or periodic recovery when a melt
	// saga's Lightning outcome could not be determined (§4.6.1 "must
	// not fail-open"); new melt requests are refused while it is set.
	meltsSuspended atomic.Bool
}

// SetMeltsSuspended enables or disables the melt-request gate. Callers
// (recovery's startup pass and its periodic retry) set it true when
// unresolved melt sagas remain and clear it once a later pass resolves
// them all.
func (m *Mint) SetMeltsSuspended(suspended bool) {
	m.meltsSuspended.Store(suspended)
}

// MeltsSuspended reports whether new melt requests are currently
// refused pending recovery.
func (m *Mint) MeltsSuspended() bool {
	return m.meltsSuspended.Load()
}

// New wires a Mint from already-constructed dependencies and loads the
// current keyset table from the signatory.
func New(ctx context.Context, cfg config.Config, store storage.Store, sig signatory.Signatory, backend lightning.Backend, logger *zap.Logger) (*Mint, error) {
	m := &Mint{
		store:     store,
		signatory: sig,
		lightning: backend,
		logger:    logger,
		limits:    cfg.Limits,
		cfg:       cfg,
	}
	if err := m.refreshKeysets(ctx); err != nil {
		return nil, fmt.Errorf("loading keysets: %w", err)
	}
	return m, nil
}

func (m *Mint) refreshKeysets(ctx context.Context) error {
	infos, err := m.signatory.Keysets(ctx)
	if err != nil {
		return err
	}
	table := make(map[string]signatory.KeysetInfo, len(infos))
	for _, ks := range infos {
		table[ks.Id] = ks
	}
	m.mu.Lock()
	m.keysets = table
	m.mu.Unlock()
	return nil
}

// Keyset implements verification.KeysetLookup.
func (m *Mint) Keyset(id string) (signatory.KeysetInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ks, ok := m.keysets[id]
	return ks, ok
}

func (m *Mint) verificationLimits() verification.Limits {
	return verification.DefaultLimits()
}

// RequestMintQuote creates a new mint quote and its backing invoice.
func (m *Mint) RequestMintQuote(ctx context.Context, unitStr string, amountVal uint64, pubkey string) (storage.DBMintQuote, error) {
	unit, err := amount.ParseUnit(unitStr)
	if err != nil {
		return storage.DBMintQuote{}, cashu.UnitNotSupportedErr
	}
	if unit == amount.Auth {
		return storage.DBMintQuote{}, cashu.AuthUnitForbiddenErr
	}
	if m.limits.MintingSettings.MaxAmount > 0 && amountVal > m.limits.MintingSettings.MaxAmount {
		return storage.DBMintQuote{}, cashu.AmountOutsideLimitErr
	}

	payment, err := m.lightning.CreateIncomingPayment(ctx, amountVal, fmt.Sprintf("mint quote for %d %s", amountVal, unitStr))
	if err != nil {
		return storage.DBMintQuote{}, cashu.Error{Detail: err.Error(), Kind: cashu.KindLightningBackend}
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return storage.DBMintQuote{}, cashu.InternalErr(err)
	}

	quote := storage.DBMintQuote{
		Id:              quoteId,
		Amount:          amountVal,
		Unit:            unitStr,
		Request:         payment.Request,
		RequestLookupId: payment.LookupId,
		Expiry:          payment.Expiry,
		Pubkey:          pubkey,
		PaymentMethod:   bolt11Method,
		State:           nut04.Unpaid,
	}
	if err := m.store.SaveMintQuote(ctx, quote); err != nil {
		return storage.DBMintQuote{}, fmt.Errorf("saving mint quote: %w", err)
	}

	m.logger.Info("mint quote created", zap.String("quote_id", quoteId), zap.Uint64("amount", amountVal), zap.String("unit", unitStr))
	return quote, nil
}

// GetMintQuoteState polls the backend for an unpaid quote and returns
// the quote's current state.
func (m *Mint) GetMintQuoteState(ctx context.Context, quoteId string) (storage.DBMintQuote, error) {
	quote, err := m.store.GetMintQuote(ctx, quoteId, false)
	if err != nil {
		return storage.DBMintQuote{}, fmt.Errorf("loading mint quote: %w", err)
	}
	if quote.State == nut04.Unpaid {
		m.pollIncomingPayment(ctx, quote)
		quote, err = m.store.GetMintQuote(ctx, quoteId, false)
		if err != nil {
			return storage.DBMintQuote{}, fmt.Errorf("reloading mint quote: %w", err)
		}
	}
	return quote, nil
}

// MintTokens runs the single-transaction issue flow.
func (m *Mint) MintTokens(ctx context.Context, quoteId string, outputs cashu.BlindedMessages, signature string) (cashu.BlindedSignatures, error) {
	if err := verification.CheckLimits(0, len(outputs), m.verificationLimits()); err != nil {
		return nil, err
	}
	signatures, err := m.issueTokens(ctx, quoteId, outputs, signature)
	if err != nil {
		m.logger.Error("mint tokens failed", zap.String("quote_id", quoteId), zap.Error(err))
		return nil, err
	}
	m.logger.Info("mint tokens issued", zap.String("quote_id", quoteId), zap.Int("outputs", len(outputs)))
	return signatures, nil
}

// Swap runs the full swap saga: pre-saga guards, TX1 setup, blind
// signing, and TX2 finalize, compensating TX1 if any later step fails.
func (m *Mint) Swap(ctx context.Context, inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	limits := m.verificationLimits()
	if err := verification.CheckLimits(len(inputs), len(outputs), limits); err != nil {
		return nil, err
	}
	if err := verification.CheckInputsUnique(inputs); err != nil {
		return nil, err
	}
	if err := verification.CheckOutputsUnique(outputs); err != nil {
		return nil, err
	}
	unit, err := verification.VerifyInputsKeyset(inputs, m)
	if err != nil {
		return nil, err
	}
	if err := verification.VerifyOutputsKeyset(outputs, unit, m); err != nil {
		return nil, err
	}
	if err := verification.VerifyTransactionBalanced(inputs, outputs, m); err != nil {
		return nil, err
	}
	if err := verification.VerifySpendingConditions(inputs, outputs, true); err != nil {
		return nil, err
	}
	if err := m.signatory.VerifyProofs(ctx, inputs); err != nil {
		return nil, err
	}

	initial, err := saga.NewSwap(inputs, outputs)
	if err != nil {
		return nil, cashu.InternalErr(err)
	}
	setup, err := initial.SetupSwap(ctx, m.store)
	if err != nil {
		return nil, err
	}

	signed, err := setup.SignOutputs(ctx, m.signatory)
	if err != nil {
		if remErr := saga.RemoveSwapSetup(ctx, m.store, setup.Id(), setup.Ys(), setup.Bs()); remErr != nil {
			m.logger.Error("swap compensation failed", zap.String("operation_id", setup.Id()), zap.Error(remErr))
		}
		return nil, err
	}

	signatures, err := signed.Finalize(ctx, m.store)
	if err != nil {
		if remErr := saga.RemoveSwapSetup(ctx, m.store, signed.Id(), signed.Ys(), signed.Bs()); remErr != nil {
			m.logger.Error("swap compensation failed", zap.String("operation_id", signed.Id()), zap.Error(remErr))
		}
		return nil, err
	}

	m.logger.Info("swap completed", zap.String("operation_id", signed.Id()), zap.Int("inputs", len(inputs)), zap.Int("outputs", len(outputs)))
	return signatures, nil
}

// RequestMeltQuote decodes request and quotes a fee reserve for paying
// it, creating a melt quote in Unpaid state.
func (m *Mint) RequestMeltQuote(ctx context.Context, unitStr, request string) (storage.DBMeltQuote, error) {
	unit, err := amount.ParseUnit(unitStr)
	if err != nil {
		return storage.DBMeltQuote{}, cashu.UnitNotSupportedErr
	}
	if unit == amount.Auth {
		return storage.DBMeltQuote{}, cashu.AuthUnitForbiddenErr
	}

	if _, err := decodepay.Decodepay(request); err != nil {
		return storage.DBMeltQuote{}, cashu.Error{Detail: err.Error(), Kind: cashu.KindClientBadRequest}
	}
	quoted, err := m.lightning.GetPaymentQuote(ctx, request)
	if err != nil {
		return storage.DBMeltQuote{}, cashu.Error{Detail: err.Error(), Kind: cashu.KindLightningBackend}
	}
	if m.limits.MeltingSettings.MaxAmount > 0 && quoted.Amount > m.limits.MeltingSettings.MaxAmount {
		return storage.DBMeltQuote{}, cashu.AmountOutsideLimitErr
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return storage.DBMeltQuote{}, cashu.InternalErr(err)
	}

	quote := storage.DBMeltQuote{
		Id:              quoteId,
		Unit:            unitStr,
		Amount:          quoted.Amount,
		Request:         request,
		RequestLookupId: quoted.LookupId,
		FeeReserve:      quoted.FeeReserve,
		State:           nut05.Unpaid,
		Expiry:          time.Now().Add(quoteExpiry).Unix(),
	}
	if err := m.store.SaveMeltQuote(ctx, quote); err != nil {
		return storage.DBMeltQuote{}, fmt.Errorf("saving melt quote: %w", err)
	}

	m.logger.Info("melt quote created", zap.String("quote_id", quoteId), zap.Uint64("amount", quoted.Amount), zap.Uint64("fee_reserve", quoted.FeeReserve))
	return quote, nil
}

// GetMeltQuoteState returns the current state of a melt quote. If the
// quote is Pending, it first tries the on-demand recovery hook so a
// client poll can observe a payment settling without waiting for the
// next startup or periodic sweep (spec §9's "handle_pending_melt_quote").
func (m *Mint) GetMeltQuoteState(ctx context.Context, quoteId string) (storage.DBMeltQuote, error) {
	quote, err := m.store.GetMeltQuote(ctx, quoteId, false)
	if err != nil {
		return storage.DBMeltQuote{}, fmt.Errorf("loading melt quote: %w", err)
	}
	if quote.State != nut05.Pending {
		return quote, nil
	}

	rec, ok, err := recovery.FindMeltSaga(ctx, m.store, quoteId)
	if err != nil || !ok {
		return quote, nil
	}
	if _, err := recovery.ResolveOperation(ctx, m.store, m.signatory, m.lightning, rec); err != nil {
		m.logger.Error("on-demand melt recovery failed", zap.String("quote_id", quoteId), zap.Error(err))
		return quote, nil
	}

	return m.store.GetMeltQuote(ctx, quoteId, false)
}

// MeltTokens runs the melt saga: internal-settlement short-circuit,
// TX1 setup, write-ahead-logged payment attempt, external payment, and
// finalize, with §4.6.1 compensation on failure.
func (m *Mint) MeltTokens(ctx context.Context, quoteId string, inputs cashu.Proofs, changeOutputs cashu.BlindedMessages) (storage.DBMeltQuote, cashu.BlindedSignatures, error) {
	if m.MeltsSuspended() {
		return storage.DBMeltQuote{}, nil, cashu.MeltsSuspendedErr
	}
	limits := m.verificationLimits()
	if err := verification.CheckLimits(len(inputs), len(changeOutputs), limits); err != nil {
		return storage.DBMeltQuote{}, nil, err
	}
	if err := verification.CheckInputsUnique(inputs); err != nil {
		return storage.DBMeltQuote{}, nil, err
	}
	unit, err := verification.VerifyInputsKeyset(inputs, m)
	if err != nil {
		return storage.DBMeltQuote{}, nil, err
	}
	if len(changeOutputs) > 0 {
		if err := verification.CheckOutputsUnique(changeOutputs); err != nil {
			return storage.DBMeltQuote{}, nil, err
		}
		if err := verification.VerifyOutputsKeyset(changeOutputs, unit, m); err != nil {
			return storage.DBMeltQuote{}, nil, err
		}
	}
	if err := verification.VerifySpendingConditions(inputs, changeOutputs, true); err != nil {
		return storage.DBMeltQuote{}, nil, err
	}
	if err := m.signatory.VerifyProofs(ctx, inputs); err != nil {
		return storage.DBMeltQuote{}, nil, err
	}

	if settled, err := saga.AttemptInternalSettlement(ctx, m.store, quoteId); err != nil {
		return storage.DBMeltQuote{}, nil, fmt.Errorf("internal settlement: %w", err)
	} else if settled {
		quote, err := m.store.GetMeltQuote(ctx, quoteId, false)
		if err != nil {
			return storage.DBMeltQuote{}, nil, err
		}
		m.logger.Info("melt settled internally", zap.String("quote_id", quoteId))
		return quote, nil, nil
	}

	initial, err := saga.NewMelt(quoteId, inputs, changeOutputs)
	if err != nil {
		return storage.DBMeltQuote{}, nil, cashu.InternalErr(err)
	}
	setup, err := initial.SetupMelt(ctx, m.store, m, limits)
	if err != nil {
		return storage.DBMeltQuote{}, nil, err
	}

	attempted, err := setup.MarkAttempted(ctx, m.store)
	if err != nil {
		if remErr := saga.RemoveMeltSetup(ctx, m.store, setup.Id(), setup.QuoteId(), setup.Ys(), setup.Bs()); remErr != nil {
			m.logger.Error("melt compensation failed", zap.String("operation_id", setup.Id()), zap.Error(remErr))
		}
		return storage.DBMeltQuote{}, nil, err
	}

	maxFee := m.maxMeltFee(ctx, quoteId)
	result, err := attempted.Pay(ctx, m.lightning, maxFee)
	if err != nil || result.State == lightning.Failed {
		if remErr := saga.RemoveMeltSetup(ctx, m.store, attempted.Id(), attempted.QuoteId(), attempted.Ys(), attempted.Bs()); remErr != nil {
			m.logger.Error("melt compensation failed", zap.String("operation_id", attempted.Id()), zap.Error(remErr))
		}
		if err != nil {
			return storage.DBMeltQuote{}, nil, cashu.Error{Detail: err.Error(), Kind: cashu.KindLightningBackend}
		}
		return storage.DBMeltQuote{}, nil, cashu.PaymentFailedErr
	}
	if result.State != lightning.Paid {
		// Pending: the saga stays in PaymentAttempted and recovery
		// resolves it on a later poll or at startup.
		return storage.DBMeltQuote{}, nil, cashu.QuotePendingErr
	}

	finalizing, err := attempted.FinalizeCore(ctx, m.store, result.Preimage, result.ActualFee)
	if err != nil {
		return storage.DBMeltQuote{}, nil, fmt.Errorf("finalizing melt: %w", err)
	}

	change, err := finalizing.SignChange(ctx, m.signatory)
	if err != nil {
		m.logger.Error("change signing failed, saga left in Finalizing for recovery", zap.String("operation_id", attempted.Id()), zap.Error(err))
		return storage.DBMeltQuote{}, nil, err
	}
	signedChange, err := finalizing.Finalize(ctx, m.store, change)
	if err != nil {
		m.logger.Error("melt cleanup failed, saga left in Finalizing for recovery", zap.String("operation_id", attempted.Id()), zap.Error(err))
		return storage.DBMeltQuote{}, nil, err
	}

	quote, err := m.store.GetMeltQuote(ctx, quoteId, false)
	if err != nil {
		return storage.DBMeltQuote{}, nil, err
	}
	m.logger.Info("melt completed", zap.String("quote_id", quoteId), zap.String("operation_id", attempted.Id()))
	return quote, signedChange, nil
}

// maxMeltFee bounds the fee the backend may spend paying a melt quote's
// invoice: whatever fee_reserve the quote locked in at creation.
func (m *Mint) maxMeltFee(ctx context.Context, quoteId string) uint64 {
	quote, err := m.store.GetMeltQuote(ctx, quoteId, false)
	if err != nil {
		return 0
	}
	return quote.FeeReserve
}

func (m *Mint) pollIncomingPayment(ctx context.Context, quote storage.DBMintQuote) {
	result, err := m.lightning.CheckIncomingPayment(ctx, quote.RequestLookupId)
	if err != nil || result.State != lightning.Paid {
		return
	}
	_ = m.store.WithTx(ctx, func(ctx context.Context, q storage.Queries) error {
		fresh, err := q.GetMintQuote(ctx, quote.Id, true)
		if err != nil {
			return err
		}
		if fresh.State != nut04.Unpaid {
			return nil
		}
		return q.UpdateMintQuoteAmountPaid(ctx, quote.Id, fresh.Amount, nut04.Paid)
	})
}

// ProofsStateCheck reports the spend state of every Y, per NUT-07.
func (m *Mint) ProofsStateCheck(ctx context.Context, ys []string) ([]nut07.ProofState, error) {
	proofs, err := m.store.GetProofsByY(ctx, ys, false)
	if err != nil {
		return nil, fmt.Errorf("checking proof states: %w", err)
	}
	byY := make(map[string]storage.DBProof, len(proofs))
	for _, p := range proofs {
		byY[p.Y] = p
	}

	states := make([]nut07.ProofState, len(ys))
	for i, y := range ys {
		p, ok := byY[y]
		if !ok {
			states[i] = nut07.ProofState{Y: y, State: nut07.Unspent}
			continue
		}
		state := nut07.Unspent
		switch p.State {
		case storage.Pending:
			state = nut07.Pending
		case storage.Spent:
			state = nut07.Spent
		}
		states[i] = nut07.ProofState{Y: y, State: state, Witness: p.Witness}
	}
	return states, nil
}

// RotateKeyset retires the active keyset for unit and activates a newly
// derived one, then refreshes the mint's in-memory keyset cache.
func (m *Mint) RotateKeyset(ctx context.Context, unit amount.Unit) (string, error) {
	id, err := m.signatory.RotateKeyset(ctx, unit)
	if err != nil {
		return "", err
	}
	if err := m.refreshKeysets(ctx); err != nil {
		return "", err
	}
	m.logger.Info("keyset rotated", zap.String("keyset_id", id), zap.String("unit", unit.String()))
	return id, nil
}

// RetrieveMintInfo builds the NUT-06 mint info document.
func (m *Mint) RetrieveMintInfo(ctx context.Context) (nut06.MintInfo, error) {
	info := nut06.MintInfo{
		Name:            m.cfg.Name,
		Version:         "nutvault/0.1.0",
		Description:     m.cfg.Description,
		LongDescription: m.cfg.DescriptionLong,
		Motd:            m.cfg.Motd,
	}

	info.Nuts = nut06.NutsMap{
		4: nut06.NutSetting{
			Methods: []nut06.MethodSetting{
				{Method: bolt11Method, Unit: "sat", MinAmount: m.limits.MintingSettings.MinAmount, MaxAmount: m.limits.MintingSettings.MaxAmount},
			},
		},
		5: nut06.NutSetting{
			Methods: []nut06.MethodSetting{
				{Method: bolt11Method, Unit: "sat", MinAmount: m.limits.MeltingSettings.MinAmount, MaxAmount: m.limits.MeltingSettings.MaxAmount},
			},
		},
		7:  map[string]bool{"supported": true},
		10: map[string]bool{"supported": true},
		11: map[string]bool{"supported": true},
		12: map[string]bool{"supported": true},
		14: map[string]bool{"supported": true},
		20: map[string]bool{"supported": true},
	}

	return info, nil
}
