package saga

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/nutvault/mint/amount"
	"github.com/nutvault/mint/cashu"
	"github.com/nutvault/mint/crypto"
	"github.com/nutvault/mint/mint/signatory"
	"github.com/nutvault/mint/mint/storage"
	"github.com/nutvault/mint/mint/storage/storagetest"
)

func testSignatory(t *testing.T) signatory.Signatory {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 7)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	sig, err := signatory.NewInProcess(master, []amount.Unit{amount.Sat}, 0)
	if err != nil {
		t.Fatalf("NewInProcess: %v", err)
	}
	return sig
}

func testInputProof(t *testing.T, sig signatory.Signatory, keysetId string, amt uint64, secret string) cashu.Proof {
	t.Helper()
	// A swap test only needs a proof whose Y is unique and whose fields
	// round-trip through storage; it does not need to be a genuine
	// signature, since SetupSwap never calls VerifyProofs (verification
	// runs earlier in the pipeline, in mint/verification).
	return cashu.Proof{Amount: amt, Id: keysetId, Secret: secret, C: "02" + secret}
}

func firstKeysetId(t *testing.T, sig signatory.Signatory) string {
	t.Helper()
	keysets, err := sig.Keysets(context.Background())
	if err != nil {
		t.Fatalf("Keysets: %v", err)
	}
	return keysets[0].Id
}

func TestSwapSetupSignFinalize(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New()
	sig := testSignatory(t)
	ksId := firstKeysetId(t, sig)

	input := testInputProof(t, sig, ksId, 4, "swap-secret-1")
	rhex, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000002")
	B_, _ := crypto.BlindMessage([]byte("swap-output-1"), rhex)
	output := cashu.BlindedMessage{Amount: 4, Id: ksId, B_: hex.EncodeToString(B_.SerializeCompressed())}

	initial, err := NewSwap(cashu.Proofs{input}, cashu.BlindedMessages{output})
	if err != nil {
		t.Fatalf("NewSwap: %v", err)
	}

	setup, err := initial.SetupSwap(ctx, store)
	if err != nil {
		t.Fatalf("SetupSwap: %v", err)
	}

	proofs, err := store.GetProofsByY(ctx, setup.Ys(), false)
	if err != nil || len(proofs) != 1 || proofs[0].State != storage.Pending {
		t.Fatalf("expected 1 pending proof reserved, got %+v err=%v", proofs, err)
	}

	signed, err := setup.SignOutputs(ctx, sig)
	if err != nil {
		t.Fatalf("SignOutputs: %v", err)
	}

	sigs, err := signed.Finalize(ctx, store)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("expected 1 signature, got %d", len(sigs))
	}

	proofs, err = store.GetProofsByY(ctx, setup.Ys(), false)
	if err != nil || len(proofs) != 1 || proofs[0].State != storage.Spent {
		t.Fatalf("expected proof marked spent after finalize, got %+v err=%v", proofs, err)
	}

	if _, err := store.GetSaga(ctx, initial.Id); err == nil {
		t.Error("expected saga row to be deleted after a successful finalize")
	}
}

func TestSwapSetupRejectsAlreadySpentInput(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New()
	sig := testSignatory(t)
	ksId := firstKeysetId(t, sig)

	input := testInputProof(t, sig, ksId, 4, "dup-secret")
	output := cashu.BlindedMessage{Amount: 4, Id: ksId, B_: "abc"}

	first, err := NewSwap(cashu.Proofs{input}, cashu.BlindedMessages{output})
	if err != nil {
		t.Fatalf("NewSwap: %v", err)
	}
	if _, err := first.SetupSwap(ctx, store); err != nil {
		t.Fatalf("first SetupSwap: %v", err)
	}

	second, err := NewSwap(cashu.Proofs{input}, cashu.BlindedMessages{{Amount: 4, Id: ksId, B_: "def"}})
	if err != nil {
		t.Fatalf("NewSwap: %v", err)
	}
	if _, err := second.SetupSwap(ctx, store); err == nil {
		t.Error("expected a second swap over the same input to be rejected")
	}
}

func TestRemoveSwapSetupUndoesReservations(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New()
	sig := testSignatory(t)
	ksId := firstKeysetId(t, sig)

	input := testInputProof(t, sig, ksId, 4, "compensate-secret")
	output := cashu.BlindedMessage{Amount: 4, Id: ksId, B_: "fff"}

	initial, err := NewSwap(cashu.Proofs{input}, cashu.BlindedMessages{output})
	if err != nil {
		t.Fatalf("NewSwap: %v", err)
	}
	setup, err := initial.SetupSwap(ctx, store)
	if err != nil {
		t.Fatalf("SetupSwap: %v", err)
	}

	if err := RemoveSwapSetup(ctx, store, setup.Id(), setup.Ys(), setup.Bs()); err != nil {
		t.Fatalf("RemoveSwapSetup: %v", err)
	}

	proofs, err := store.GetProofsByY(ctx, setup.Ys(), false)
	if err != nil {
		t.Fatalf("GetProofsByY: %v", err)
	}
	if len(proofs) != 0 {
		t.Errorf("expected reserved proof to be removed, got %d", len(proofs))
	}
	if _, err := store.GetSaga(ctx, setup.Id()); err == nil {
		t.Error("expected saga row to be removed by compensation")
	}

	// The input is free again: a fresh swap over the same secret now
	// succeeds.
	retry, err := NewSwap(cashu.Proofs{input}, cashu.BlindedMessages{{Amount: 4, Id: ksId, B_: "ggg"}})
	if err != nil {
		t.Fatalf("NewSwap: %v", err)
	}
	if _, err := retry.SetupSwap(ctx, store); err != nil {
		t.Errorf("expected retry after compensation to succeed, got %v", err)
	}
}
