package crypto

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/nutvault/mint/amount"
	"github.com/tyler-smith/go-bip39"
)

func testMaster(t *testing.T) *hdkeychain.ExtendedKey {
	t.Helper()
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		t.Fatalf("generating entropy: %v", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		t.Fatalf("generating mnemonic: %v", err)
	}
	seed := bip39.NewSeed(mnemonic, "")

	master, err := MnemonicToMasterKey(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("deriving master key: %v", err)
	}
	return master
}

func TestGenerateKeysetHasAllDenominations(t *testing.T) {
	master := testMaster(t)

	ks, err := GenerateKeyset(master, amount.Sat, 0, 0)
	if err != nil {
		t.Fatalf("GenerateKeyset: %v", err)
	}

	if len(ks.Keys) != amount.MaxOrder {
		t.Errorf("expected %d denominations, got %d", amount.MaxOrder, len(ks.Keys))
	}

	if !ks.Active {
		t.Error("freshly generated keyset should be active")
	}

	if len(ks.Id) != 16 {
		t.Errorf("expected 16 char keyset id, got %d chars (%s)", len(ks.Id), ks.Id)
	}

	if ks.Id[:2] != "00" {
		t.Errorf("expected keyset id to start with '00', got %s", ks.Id)
	}
}

func TestGenerateKeysetIsDeterministic(t *testing.T) {
	master := testMaster(t)

	a, err := GenerateKeyset(master, amount.Sat, 3, 0)
	if err != nil {
		t.Fatalf("GenerateKeyset: %v", err)
	}
	b, err := GenerateKeyset(master, amount.Sat, 3, 0)
	if err != nil {
		t.Fatalf("GenerateKeyset: %v", err)
	}

	if a.Id != b.Id {
		t.Errorf("expected same keyset id for same derivation path, got %s vs %s", a.Id, b.Id)
	}
}

func TestGenerateKeysetDiffersByUnit(t *testing.T) {
	master := testMaster(t)

	sat, err := GenerateKeyset(master, amount.Sat, 0, 0)
	if err != nil {
		t.Fatalf("GenerateKeyset: %v", err)
	}
	usd, err := GenerateKeyset(master, amount.Usd, 0, 0)
	if err != nil {
		t.Fatalf("GenerateKeyset: %v", err)
	}

	if sat.Id == usd.Id {
		t.Error("keysets for different units at the same index should have different ids")
	}
}

func TestDeriveKeysetIdSortsByAmount(t *testing.T) {
	master := testMaster(t)
	ks, err := GenerateKeyset(master, amount.Sat, 0, 0)
	if err != nil {
		t.Fatalf("GenerateKeyset: %v", err)
	}

	reordered := ks.PublicKeys()
	if DeriveKeysetId(reordered) != ks.Id {
		t.Error("DeriveKeysetId must be independent of map iteration order")
	}
}
