// Package nut12 verifies the optional DLEQ proof attached to blind
// signatures and unblinded proofs.
package nut12

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutvault/mint/cashu"
	"github.com/nutvault/mint/crypto"
)

// VerifyBlindSignatureDLEQ checks that a blind signature's DLEQ proof
// (e, s) is valid for the keyset public key A and blinded message B_.
func VerifyBlindSignatureDLEQ(dleq cashu.DLEQProof, A *secp256k1.PublicKey, B_Hex, C_Hex string) (bool, error) {
	e, s, _, err := ParseDLEQ(dleq)
	if err != nil {
		return false, err
	}

	B_, err := parsePubKeyHex(B_Hex)
	if err != nil {
		return false, err
	}
	C_, err := parsePubKeyHex(C_Hex)
	if err != nil {
		return false, err
	}

	return crypto.VerifyDLEQ(e, s, A, B_, C_), nil
}

func ParseDLEQ(dleq cashu.DLEQProof) (*secp256k1.PrivateKey, *secp256k1.PrivateKey, *secp256k1.PrivateKey, error) {
	e, err := parsePrivKeyHex(dleq.E)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing dleq e: %w", err)
	}
	s, err := parsePrivKeyHex(dleq.S)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing dleq s: %w", err)
	}
	if dleq.R == "" {
		return e, s, nil, nil
	}
	r, err := parsePrivKeyHex(dleq.R)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing dleq r: %w", err)
	}
	return e, s, r, nil
}

func parsePubKeyHex(s string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(raw)
}

func parsePrivKeyHex(s string) (*secp256k1.PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}
