package nut11

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/nutvault/mint/cashu"
	"github.com/nutvault/mint/cashu/nuts/nut10"
)

func TestParseTagsBuildsSigflagAndPubkeys(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	pubHex := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	tags, err := ParseTags([][]string{
		{SIGFLAG, SIGALL},
		{NSIGS, "2"},
		{PUBKEYS, pubHex},
		{LOCKTIME, "1700000000"},
	})
	if err != nil {
		t.Fatalf("ParseTags: %v", err)
	}
	if tags.Sigflag != SIGALL {
		t.Errorf("expected sigflag SIG_ALL, got %q", tags.Sigflag)
	}
	if tags.NSigs != 2 {
		t.Errorf("expected n_sigs 2, got %d", tags.NSigs)
	}
	if len(tags.Pubkeys) != 1 {
		t.Fatalf("expected 1 extra pubkey, got %d", len(tags.Pubkeys))
	}
	if tags.Locktime != 1700000000 {
		t.Errorf("expected locktime to round-trip, got %d", tags.Locktime)
	}
}

func TestParseTagsRejectsTooMany(t *testing.T) {
	tags := make([][]string, 6)
	for i := range tags {
		tags[i] = []string{NSIGS, "1"}
	}
	if _, err := ParseTags(tags); err == nil {
		t.Error("expected more than 5 tags to be rejected")
	}
}

func TestParseTagsRejectsInvalidSigflag(t *testing.T) {
	if _, err := ParseTags([][]string{{SIGFLAG, "NOT_A_FLAG"}}); err == nil {
		t.Error("expected an unknown sigflag to be rejected")
	}
}

func TestPublicKeysCombinesDataAndTag(t *testing.T) {
	priv1, _ := btcec.NewPrivateKey()
	priv2, _ := btcec.NewPrivateKey()
	data := hex.EncodeToString(priv1.PubKey().SerializeCompressed())
	tagKey := hex.EncodeToString(priv2.PubKey().SerializeCompressed())

	secret := nut10.WellKnownSecret{Data: data, Tags: [][]string{{PUBKEYS, tagKey}}}
	keys, err := PublicKeys(secret)
	if err != nil {
		t.Fatalf("PublicKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected the primary key plus 1 tagged key, got %d", len(keys))
	}
}

func TestIsSecretP2PKAndIsSigAll(t *testing.T) {
	priv, _ := btcec.NewPrivateKey()
	data := hex.EncodeToString(priv.PubKey().SerializeCompressed())
	serialized, err := nut10.SerializeSecret(nut10.P2PK, nut10.WellKnownSecret{
		Data: data,
		Tags: [][]string{{SIGFLAG, SIGALL}},
	})
	if err != nil {
		t.Fatalf("SerializeSecret: %v", err)
	}

	proof := cashu.Proof{Secret: serialized}
	if !IsSecretP2PK(proof) {
		t.Error("expected a P2PK-framed secret to be recognized")
	}
	if !ProofsSigAll(cashu.Proofs{proof}) {
		t.Error("expected ProofsSigAll to find the SIG_ALL tag")
	}
}

func TestDuplicateSignatures(t *testing.T) {
	if !DuplicateSignatures([]string{"abc", "abc"}) {
		t.Error("expected a repeated signature to be detected")
	}
	if DuplicateSignatures([]string{"abc", "def"}) {
		t.Error("expected distinct signatures not to be flagged")
	}
}

func TestHasValidSignaturesMeetsThreshold(t *testing.T) {
	priv1, _ := btcec.NewPrivateKey()
	priv2, _ := btcec.NewPrivateKey()
	hash := sha256.Sum256([]byte("message to sign"))

	sig1, err := schnorr.Sign(priv1, hash[:])
	if err != nil {
		t.Fatalf("schnorr.Sign: %v", err)
	}
	sig2, err := schnorr.Sign(priv2, hash[:])
	if err != nil {
		t.Fatalf("schnorr.Sign: %v", err)
	}

	pubkeys := []*btcec.PublicKey{priv1.PubKey(), priv2.PubKey()}
	signatures := []string{hex.EncodeToString(sig1.Serialize()), hex.EncodeToString(sig2.Serialize())}

	if !HasValidSignatures(hash[:], signatures, 2, pubkeys) {
		t.Error("expected 2 valid signatures against 2 distinct pubkeys to satisfy n_sigs=2")
	}
	if HasValidSignatures(hash[:], signatures, 3, pubkeys) {
		t.Error("expected n_sigs=3 to fail with only 2 available signatures")
	}
}

func TestHasValidSignaturesRejectsSameKeyCountingTwice(t *testing.T) {
	priv, _ := btcec.NewPrivateKey()
	hash := sha256.Sum256([]byte("message"))
	sig, err := schnorr.Sign(priv, hash[:])
	if err != nil {
		t.Fatalf("schnorr.Sign: %v", err)
	}
	sigHex := hex.EncodeToString(sig.Serialize())

	// The same valid signature twice still only matches one pubkey once.
	ok := HasValidSignatures(hash[:], []string{sigHex, sigHex}, 2, []*btcec.PublicKey{priv.PubKey()})
	if ok {
		t.Error("expected a single pubkey to satisfy at most one signature")
	}
}

func TestParsePublicKeyAndSignatureRejectInvalidHex(t *testing.T) {
	if _, err := ParsePublicKey("not-hex"); err == nil {
		t.Error("expected invalid hex to be rejected by ParsePublicKey")
	}
	if _, err := ParseSignature("not-hex"); err == nil {
		t.Error("expected invalid hex to be rejected by ParseSignature")
	}
}
