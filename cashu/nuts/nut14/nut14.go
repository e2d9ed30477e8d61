// Package nut14 implements the HTLC spending condition: a proof
// spendable by revealing a 32-byte preimage whose SHA-256 matches the
// secret's locked hash, with the same locktime/refund/signature rules
// as P2PK layered on top.
package nut14

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/nutvault/mint/cashu"
	"github.com/nutvault/mint/cashu/nuts/nut10"
	"github.com/nutvault/mint/cashu/nuts/nut11"
)

const NUT14ErrCode cashu.CashuErrCode = 30004

var (
	InvalidPreimageErr = cashu.BuildCashuError("invalid preimage for HTLC", NUT14ErrCode)
	InvalidHashErr     = cashu.BuildCashuError("invalid hash in secret", NUT14ErrCode)
)

// Witness is the JSON-encoded witness field of an HTLC-locked proof.
type Witness struct {
	Preimage   string   `json:"preimage"`
	Signatures []string `json:"signatures"`
}

// VerifyHTLCProof checks an HTLC-locked proof's witness against its
// parsed secret, per spec §4.3: locktime/refund is evaluated exactly as
// for P2PK; otherwise the preimage must hash to the secret's locked
// value, and if n_sigs is present, the same signature rules as P2PK
// apply on top of a valid preimage.
func VerifyHTLCProof(proof cashu.Proof, secret nut10.WellKnownSecret) error {
	tags, err := nut11.ParseTags(secret.Tags)
	if err != nil {
		return err
	}

	var witness Witness
	if proof.Witness != "" {
		if err := json.Unmarshal([]byte(proof.Witness), &witness); err != nil {
			return nut11.InvalidWitnessErr
		}
	}

	if tags.Locktime > 0 && time.Now().Unix() > tags.Locktime {
		if len(tags.Refund) == 0 {
			return nil
		}
		if len(witness.Signatures) == 0 {
			return nut11.NoSignaturesErr
		}
		hash := sha256.Sum256([]byte(proof.Secret))
		if !nut11.HasValidSignatures(hash[:], witness.Signatures, 1, tags.Refund) {
			return nut11.NotEnoughSignaturesErr
		}
		return nil
	}

	if len(secret.Data) != 64 {
		return InvalidHashErr
	}

	preimageBytes, err := hex.DecodeString(witness.Preimage)
	if err != nil || len(preimageBytes) != 32 {
		return InvalidPreimageErr
	}
	hashBytes := sha256.Sum256(preimageBytes)
	if hex.EncodeToString(hashBytes[:]) != secret.Data {
		return InvalidPreimageErr
	}

	if tags.NSigs > 0 {
		if len(witness.Signatures) == 0 {
			return nut11.NoSignaturesErr
		}
		if nut11.DuplicateSignatures(witness.Signatures) {
			return nut11.DuplicateSignaturesErr
		}
		hash := sha256.Sum256([]byte(proof.Secret))
		// Unlike P2PK, an HTLC secret's Data is the locked hash, not a
		// pubkey, so the signer set is the pubkeys tag alone.
		if !nut11.HasValidSignatures(hash[:], witness.Signatures, tags.NSigs, tags.Pubkeys) {
			return nut11.NotEnoughSignaturesErr
		}
	}

	return nil
}
