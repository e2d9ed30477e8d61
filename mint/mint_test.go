package mint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.uber.org/zap"

	"github.com/nutvault/mint/amount"
	"github.com/nutvault/mint/cashu"
	"github.com/nutvault/mint/cashu/nuts/nut04"
	"github.com/nutvault/mint/crypto"
	"github.com/nutvault/mint/mint/config"
	"github.com/nutvault/mint/mint/lightning/fake"
	"github.com/nutvault/mint/mint/signatory"
	"github.com/nutvault/mint/mint/storage/storagetest"
)

func newTestMint(t *testing.T) (*Mint, *fake.Backend) {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 3)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	sig, err := signatory.NewInProcess(master, []amount.Unit{amount.Sat}, 0)
	if err != nil {
		t.Fatalf("NewInProcess: %v", err)
	}
	backend := fake.New()
	store := storagetest.New()

	m, err := New(context.Background(), config.Config{}, store, sig, backend, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, backend
}

func firstKeysetId(t *testing.T, m *Mint) string {
	t.Helper()
	keysets, err := m.signatory.Keysets(context.Background())
	if err != nil {
		t.Fatalf("Keysets: %v", err)
	}
	return keysets[0].Id
}

// blindingFactorFor derives a deterministic, distinct blinding factor
// per secret so tests don't collide on r while staying reproducible.
func blindingFactorFor(secret string) []byte {
	sum := sha256.Sum256([]byte("r:" + secret))
	return sum[:]
}

// mintProof runs a full mint quote through settlement and the issue
// flow, then unblinds the resulting signature locally so the returned
// proof is genuinely spendable in a later swap or melt.
func mintProof(t *testing.T, ctx context.Context, m *Mint, backend *fake.Backend, amt uint64, secret string) cashu.Proof {
	t.Helper()
	quote, err := m.RequestMintQuote(ctx, "sat", amt, "")
	if err != nil {
		t.Fatalf("RequestMintQuote: %v", err)
	}
	if err := backend.SettleIncoming(quote.RequestLookupId); err != nil {
		t.Fatalf("SettleIncoming: %v", err)
	}

	ksId := firstKeysetId(t, m)
	B_, r := crypto.BlindMessage([]byte(secret), blindingFactorFor(secret))
	outputs := cashu.BlindedMessages{{Amount: amt, Id: ksId, B_: hex.EncodeToString(B_.SerializeCompressed())}}

	sigs, err := m.MintTokens(ctx, quote.Id, outputs, "")
	if err != nil {
		t.Fatalf("MintTokens: %v", err)
	}

	ks, ok := m.Keyset(ksId)
	if !ok {
		t.Fatalf("keyset %s not found after minting", ksId)
	}
	Kraw, err := hex.DecodeString(ks.PublicKeys[amt])
	if err != nil {
		t.Fatalf("decoding amount pubkey: %v", err)
	}
	K, err := secp256k1.ParsePubKey(Kraw)
	if err != nil {
		t.Fatalf("ParsePubKey: %v", err)
	}
	C_raw, err := hex.DecodeString(sigs[0].C_)
	if err != nil {
		t.Fatalf("decoding C_: %v", err)
	}
	C_, err := secp256k1.ParsePubKey(C_raw)
	if err != nil {
		t.Fatalf("ParsePubKey C_: %v", err)
	}

	C := crypto.UnblindSignature(C_, r, K)
	return cashu.Proof{Amount: amt, Id: ksId, Secret: secret, C: hex.EncodeToString(C.SerializeCompressed())}
}

func TestRequestMintQuoteAndMintTokens(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestMint(t)

	quote, err := m.RequestMintQuote(ctx, "sat", 4, "")
	if err != nil {
		t.Fatalf("RequestMintQuote: %v", err)
	}
	if quote.State != nut04.Unpaid {
		t.Fatalf("expected a fresh quote to be unpaid, got %v", quote.State)
	}

	if err := backend.SettleIncoming(quote.RequestLookupId); err != nil {
		t.Fatalf("SettleIncoming: %v", err)
	}

	paid, err := m.GetMintQuoteState(ctx, quote.Id)
	if err != nil {
		t.Fatalf("GetMintQuoteState: %v", err)
	}
	if paid.State != nut04.Paid {
		t.Fatalf("expected quote to be paid after settlement, got %v", paid.State)
	}

	proof := mintProof(t, ctx, m, backend, 4, "mint-output-1")
	if proof.C == "" {
		t.Fatal("expected a non-empty signature on the minted proof")
	}

	// Issue the quote's full amount, then claim against it again: the
	// second claim should be rejected rather than letting amount_issued
	// exceed amount_paid.
	ksId := firstKeysetId(t, m)
	B1, _ := crypto.BlindMessage([]byte("mint-output-2"), blindingFactorFor("mint-output-2"))
	full := cashu.BlindedMessages{{Amount: 4, Id: ksId, B_: hex.EncodeToString(B1.SerializeCompressed())}}
	if _, err := m.MintTokens(ctx, quote.Id, full, ""); err != nil {
		t.Fatalf("MintTokens against the paid quote: %v", err)
	}
	B_, _ := crypto.BlindMessage([]byte("mint-output-3"), blindingFactorFor("mint-output-3"))
	extra := cashu.BlindedMessages{{Amount: 4, Id: ksId, B_: hex.EncodeToString(B_.SerializeCompressed())}}
	if _, err := m.MintTokens(ctx, quote.Id, extra, ""); err == nil {
		t.Error("expected minting beyond amount_paid to be rejected")
	}
}

func TestSwapRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestMint(t)

	input := mintProof(t, ctx, m, backend, 4, "swap-input-1")

	ksId := firstKeysetId(t, m)
	B_, _ := crypto.BlindMessage([]byte("swap-output-1"), blindingFactorFor("swap-output-1"))
	output := cashu.BlindedMessage{Amount: 4, Id: ksId, B_: hex.EncodeToString(B_.SerializeCompressed())}

	sigs, err := m.Swap(ctx, cashu.Proofs{input}, cashu.BlindedMessages{output})
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("expected 1 signature, got %d", len(sigs))
	}

	states, err := m.ProofsStateCheck(ctx, []string{crypto.ProofY(input.Secret)})
	if err != nil {
		t.Fatalf("ProofsStateCheck: %v", err)
	}
	if len(states) != 1 || states[0].State.String() != "SPENT" {
		t.Fatalf("expected input to be reported spent, got %+v", states)
	}
}

func TestMeltTokensPaysInvoice(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestMint(t)

	input := mintProof(t, ctx, m, backend, 8, "melt-input-1")

	inv, err := backend.CreateIncomingPayment(ctx, 8, "melt payout")
	if err != nil {
		t.Fatalf("CreateIncomingPayment: %v", err)
	}
	quote, err := m.RequestMeltQuote(ctx, "sat", inv.Request)
	if err != nil {
		t.Fatalf("RequestMeltQuote: %v", err)
	}

	final, change, err := m.MeltTokens(ctx, quote.Id, cashu.Proofs{input}, nil)
	if err != nil {
		t.Fatalf("MeltTokens: %v", err)
	}
	if change != nil {
		t.Errorf("expected no change for a fully consumed input, got %v", change)
	}
	if final.PaymentPreimage == "" {
		t.Error("expected a payment preimage recorded on the melt quote")
	}

	states, err := m.ProofsStateCheck(ctx, []string{crypto.ProofY(input.Secret)})
	if err != nil || len(states) != 1 || states[0].State.String() != "SPENT" {
		t.Fatalf("expected melted input to be reported spent, got %+v err=%v", states, err)
	}
}

func TestMeltTokensFailedPaymentRestoresInputs(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestMint(t)

	input := mintProof(t, ctx, m, backend, 8, "melt-fail-1")

	inv, err := backend.CreateIncomingPayment(ctx, 8, fake.FailDescription)
	if err != nil {
		t.Fatalf("CreateIncomingPayment: %v", err)
	}
	quote, err := m.RequestMeltQuote(ctx, "sat", inv.Request)
	if err != nil {
		t.Fatalf("RequestMeltQuote: %v", err)
	}

	if _, _, err := m.MeltTokens(ctx, quote.Id, cashu.Proofs{input}, nil); err == nil {
		t.Fatal("expected a failed payment to surface an error")
	}

	states, err := m.ProofsStateCheck(ctx, []string{crypto.ProofY(input.Secret)})
	if err != nil || len(states) != 1 || states[0].State.String() != "UNSPENT" {
		t.Fatalf("expected the input to be released after a failed payment, got %+v err=%v", states, err)
	}

	reverted, err := m.GetMeltQuoteState(ctx, quote.Id)
	if err != nil {
		t.Fatalf("GetMeltQuoteState: %v", err)
	}
	if reverted.State.String() != "UNPAID" {
		t.Errorf("expected quote reverted to unpaid, got %v", reverted.State)
	}
}

func TestRotateKeysetAndMintInfo(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMint(t)

	before := firstKeysetId(t, m)
	newId, err := m.RotateKeyset(ctx, amount.Sat)
	if err != nil {
		t.Fatalf("RotateKeyset: %v", err)
	}
	if newId == before {
		t.Error("expected rotation to derive a new keyset id")
	}

	old, ok := m.Keyset(before)
	if !ok || old.Active {
		t.Errorf("expected the old keyset to remain known but inactive, got %+v ok=%v", old, ok)
	}
	fresh, ok := m.Keyset(newId)
	if !ok || !fresh.Active {
		t.Errorf("expected the new keyset to be active, got %+v ok=%v", fresh, ok)
	}

	info, err := m.RetrieveMintInfo(ctx)
	if err != nil {
		t.Fatalf("RetrieveMintInfo: %v", err)
	}
	if len(info.Nuts) == 0 {
		t.Error("expected mint info to advertise supported nuts")
	}
}

func TestProofsStateCheckUnknownIsUnspent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMint(t)

	states, err := m.ProofsStateCheck(ctx, []string{crypto.ProofY("never-seen")})
	if err != nil {
		t.Fatalf("ProofsStateCheck: %v", err)
	}
	if len(states) != 1 || states[0].State.String() != "UNSPENT" {
		t.Fatalf("expected an unknown Y to report unspent, got %+v", states)
	}
}

func TestMeltTokensRefusedWhileSuspended(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestMint(t)

	input := mintProof(t, ctx, m, backend, 8, "melt-suspended-1")
	inv, err := backend.CreateIncomingPayment(ctx, 8, "suspended test")
	if err != nil {
		t.Fatalf("CreateIncomingPayment: %v", err)
	}
	quote, err := m.RequestMeltQuote(ctx, "sat", inv.Request)
	if err != nil {
		t.Fatalf("RequestMeltQuote: %v", err)
	}

	m.SetMeltsSuspended(true)
	if _, _, err := m.MeltTokens(ctx, quote.Id, cashu.Proofs{input}, nil); err != cashu.MeltsSuspendedErr {
		t.Fatalf("expected MeltsSuspendedErr, got %v", err)
	}

	m.SetMeltsSuspended(false)
	if _, _, err := m.MeltTokens(ctx, quote.Id, cashu.Proofs{input}, nil); err != nil {
		t.Fatalf("expected melt to proceed once unsuspended: %v", err)
	}
}

func TestGetMeltQuoteStateResolvesPendingOnDemand(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestMint(t)
	backend.SetPaymentDelay(time.Hour)

	input := mintProof(t, ctx, m, backend, 8, "melt-pending-1")
	inv, err := backend.CreateIncomingPayment(ctx, 8, "pending test")
	if err != nil {
		t.Fatalf("CreateIncomingPayment: %v", err)
	}
	quote, err := m.RequestMeltQuote(ctx, "sat", inv.Request)
	if err != nil {
		t.Fatalf("RequestMeltQuote: %v", err)
	}

	if _, _, err := m.MeltTokens(ctx, quote.Id, cashu.Proofs{input}, nil); err != cashu.QuotePendingErr {
		t.Fatalf("expected the payment to report pending, got %v", err)
	}

	polled, err := m.GetMeltQuoteState(ctx, quote.Id)
	if err != nil {
		t.Fatalf("GetMeltQuoteState: %v", err)
	}
	if polled.State.String() != "PAID" {
		t.Fatalf("expected the on-demand poll to settle the payment, got %v", polled.State)
	}
}
