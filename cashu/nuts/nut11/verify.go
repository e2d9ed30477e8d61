package nut11

import (
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/nutvault/mint/cashu"
	"github.com/nutvault/mint/cashu/nuts/nut10"
)

// VerifyP2PKProof checks a P2PK-locked proof's witness against its
// parsed secret. It implements the primary-vs-refund path selection of
// spec §4.3: if a locktime has strictly passed, the refund path applies
// when refund keys are present (otherwise the proof is anyone-can-spend);
// before locktime, or with no locktime at all, the primary path applies.
func VerifyP2PKProof(proof cashu.Proof, secret nut10.WellKnownSecret) error {
	tags, err := ParseTags(secret.Tags)
	if err != nil {
		return err
	}

	var witness Witness
	if proof.Witness != "" {
		if err := json.Unmarshal([]byte(proof.Witness), &witness); err != nil {
			return InvalidWitnessErr
		}
	}

	if tags.Locktime > 0 && time.Now().Unix() > tags.Locktime {
		if len(tags.Refund) == 0 {
			return nil
		}
		return checkSignatures(proof, witness, 1, tags.Refund)
	}

	pubkeys, err := PublicKeys(secret)
	if err != nil {
		return err
	}
	nSigs := tags.NSigs
	if nSigs == 0 {
		nSigs = 1
	}
	return checkSignatures(proof, witness, nSigs, pubkeys)
}

func checkSignatures(proof cashu.Proof, witness Witness, nSigs int, pubkeys []*btcec.PublicKey) error {
	if len(witness.Signatures) == 0 {
		return NoSignaturesErr
	}
	if DuplicateSignatures(witness.Signatures) {
		return DuplicateSignaturesErr
	}

	hash := sha256.Sum256([]byte(proof.Secret))
	if !HasValidSignatures(hash[:], witness.Signatures, nSigs, pubkeys) {
		return NotEnoughSignaturesErr
	}
	return nil
}

// VerifySigAllMessage verifies a SIG_ALL witness signature, which must
// cover the canonical concatenation of every input's (secret, C) and
// every output's (amount, B_) in the transaction (§4.1). The signature
// is taken from the first input's witness only.
func VerifySigAllMessage(message []byte, witness Witness, nSigs int, pubkeys []*btcec.PublicKey) error {
	if len(witness.Signatures) == 0 {
		return NoSignaturesErr
	}
	if DuplicateSignatures(witness.Signatures) {
		return DuplicateSignaturesErr
	}
	hash := sha256.Sum256(message)
	if !HasValidSignatures(hash[:], witness.Signatures, nSigs, pubkeys) {
		return NotEnoughSignaturesErr
	}
	return nil
}
