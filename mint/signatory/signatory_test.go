package signatory

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/nutvault/mint/amount"
	"github.com/nutvault/mint/cashu"
	"github.com/nutvault/mint/crypto"
)

func testMaster(t *testing.T) *hdkeychain.ExtendedKey {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	return master
}

func TestNewInProcessDerivesOneActiveKeysetPerUnit(t *testing.T) {
	sig, err := NewInProcess(testMaster(t), []amount.Unit{amount.Sat}, 0)
	if err != nil {
		t.Fatalf("NewInProcess: %v", err)
	}

	keysets, err := sig.Keysets(context.Background())
	if err != nil {
		t.Fatalf("Keysets: %v", err)
	}
	if len(keysets) != 1 {
		t.Fatalf("expected 1 keyset, got %d", len(keysets))
	}
	if !keysets[0].Active {
		t.Error("freshly derived keyset should be active")
	}
	if keysets[0].Unit != amount.Sat {
		t.Errorf("expected unit %s, got %s", amount.Sat, keysets[0].Unit)
	}
}

// TestBlindSignRoundTrip drives a full blind/sign/unblind/verify cycle
// through the Signatory boundary rather than the raw crypto package, to
// pin down that the boundary wires amounts, keyset ids, and DLEQ
// through correctly.
func TestBlindSignRoundTrip(t *testing.T) {
	sig, err := NewInProcess(testMaster(t), []amount.Unit{amount.Sat}, 0)
	if err != nil {
		t.Fatalf("NewInProcess: %v", err)
	}

	keysets, err := sig.Keysets(context.Background())
	if err != nil {
		t.Fatalf("Keysets: %v", err)
	}
	ks := keysets[0]

	secret := "my secret"
	rhex, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000002")
	B_, r := crypto.BlindMessage([]byte(secret), rhex)

	outputs := cashu.BlindedMessages{{Amount: 1, Id: ks.Id, B_: hex.EncodeToString(B_.SerializeCompressed())}}
	sigs, err := sig.BlindSign(context.Background(), outputs)
	if err != nil {
		t.Fatalf("BlindSign: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("expected 1 signature, got %d", len(sigs))
	}
	if sigs[0].DLEQ == nil {
		t.Fatal("expected a DLEQ proof attached to the signature")
	}

	C_, err := parsePubKeyHex(sigs[0].C_)
	if err != nil {
		t.Fatalf("parsing C_: %v", err)
	}

	Kraw, err := hex.DecodeString(ks.PublicKeys[1])
	if err != nil {
		t.Fatalf("decoding K: %v", err)
	}
	K, err := secp256k1.ParsePubKey(Kraw)
	if err != nil {
		t.Fatalf("parsing K: %v", err)
	}

	C := crypto.UnblindSignature(C_, r, K)

	proofs := cashu.Proofs{{Amount: 1, Id: ks.Id, Secret: secret, C: hex.EncodeToString(C.SerializeCompressed())}}
	if err := sig.VerifyProofs(context.Background(), proofs); err != nil {
		t.Errorf("VerifyProofs: %v", err)
	}
}

func TestVerifyProofsRejectsForgedSignature(t *testing.T) {
	sig, err := NewInProcess(testMaster(t), []amount.Unit{amount.Sat}, 0)
	if err != nil {
		t.Fatalf("NewInProcess: %v", err)
	}
	keysets, _ := sig.Keysets(context.Background())
	ks := keysets[0]

	proofs := cashu.Proofs{{Amount: 1, Id: ks.Id, Secret: "whatever", C: ks.PublicKeys[1]}}
	if err := sig.VerifyProofs(context.Background(), proofs); err == nil {
		t.Error("expected forged proof to fail verification")
	}
}

func TestRotateKeysetDeactivatesOldOne(t *testing.T) {
	sig, err := NewInProcess(testMaster(t), []amount.Unit{amount.Sat}, 0)
	if err != nil {
		t.Fatalf("NewInProcess: %v", err)
	}
	before, _ := sig.Keysets(context.Background())
	oldId := before[0].Id

	newId, err := sig.RotateKeyset(context.Background(), amount.Sat)
	if err != nil {
		t.Fatalf("RotateKeyset: %v", err)
	}
	if newId == oldId {
		t.Fatal("rotation should produce a new keyset id")
	}

	after, _ := sig.Keysets(context.Background())
	if len(after) != 2 {
		t.Fatalf("expected 2 keysets after rotation, got %d", len(after))
	}

	var sawOldInactive, sawNewActive bool
	for _, ks := range after {
		if ks.Id == oldId && !ks.Active {
			sawOldInactive = true
		}
		if ks.Id == newId && ks.Active {
			sawNewActive = true
		}
	}
	if !sawOldInactive {
		t.Error("old keyset should be inactive after rotation")
	}
	if !sawNewActive {
		t.Error("new keyset should be active after rotation")
	}
}
