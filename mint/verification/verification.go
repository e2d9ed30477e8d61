// Package verification implements the pre-saga guard pipeline: every
// swap and melt request passes through these checks before any
// database transaction is opened. Checks are pure functions over
// wire-level proofs/outputs and an in-memory keyset view; none of them
// touch storage.
package verification

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nutvault/mint/amount"
	"github.com/nutvault/mint/cashu"
	"github.com/nutvault/mint/cashu/nuts/nut10"
	"github.com/nutvault/mint/cashu/nuts/nut11"
	"github.com/nutvault/mint/cashu/nuts/nut14"
	"github.com/nutvault/mint/mint/signatory"
)

const (
	DefaultMaxInputs  = 100
	DefaultMaxOutputs = 100
)

// KeysetLookup is the read-only keyset view the verification layer
// needs; the mint orchestrator keeps one in sync with the signatory.
type KeysetLookup interface {
	Keyset(id string) (signatory.KeysetInfo, bool)
}

// Limits bounds the size of a single swap or melt request.
type Limits struct {
	MaxInputs  int
	MaxOutputs int
}

func DefaultLimits() Limits {
	return Limits{MaxInputs: DefaultMaxInputs, MaxOutputs: DefaultMaxOutputs}
}

// CheckInputsUnique enforces that no two inputs share a Y value.
func CheckInputsUnique(proofs cashu.Proofs) error {
	if cashu.CheckDuplicateProofs(proofs) {
		return cashu.DuplicateInputsErr
	}
	return nil
}

// CheckOutputsUnique enforces that no two outputs share a B_ value.
func CheckOutputsUnique(outputs cashu.BlindedMessages) error {
	if cashu.CheckDuplicateBlindedMessages(outputs) {
		return cashu.DuplicateOutputsErr
	}
	return nil
}

// CheckLimits enforces the maximum input/output counts.
func CheckLimits(inputCount, outputCount int, limits Limits) error {
	if inputCount > limits.MaxInputs || outputCount > limits.MaxOutputs {
		return cashu.AmountOutsideLimitErr
	}
	return nil
}

// VerifyInputsKeyset checks every input shares one unit, that unit is
// not Auth, and every referenced keyset exists (inactive keysets are
// still accepted for inputs, so old proofs remain spendable).
func VerifyInputsKeyset(proofs cashu.Proofs, lookup KeysetLookup) (amount.Unit, error) {
	var unit amount.Unit
	set := false

	for _, p := range proofs {
		ks, ok := lookup.Keyset(p.Id)
		if !ok {
			return unit, cashu.KeysetNotFoundErr
		}
		if ks.Unit == amount.Auth {
			return unit, cashu.AuthUnitForbiddenErr
		}
		if !set {
			unit = ks.Unit
			set = true
		} else if ks.Unit != unit {
			return unit, cashu.UnitMismatchErr
		}
	}

	return unit, nil
}

// VerifyOutputsKeyset checks every output shares the input unit, that
// unit is not Auth, and every referenced keyset exists and is active.
func VerifyOutputsKeyset(outputs cashu.BlindedMessages, inputUnit amount.Unit, lookup KeysetLookup) error {
	for _, o := range outputs {
		ks, ok := lookup.Keyset(o.Id)
		if !ok {
			return cashu.KeysetNotFoundErr
		}
		if !ks.Active {
			return cashu.KeysetInactiveErr
		}
		if ks.Unit == amount.Auth {
			return cashu.AuthUnitForbiddenErr
		}
		if ks.Unit != inputUnit {
			return cashu.UnitMismatchErr
		}
	}
	return nil
}

// VerifyTransactionBalanced enforces Sum(inputs) == Sum(outputs) +
// fee(inputs), using checked arithmetic throughout. Fee is computed
// from each input's own keyset fee rate, per NUT-02.
func VerifyTransactionBalanced(proofs cashu.Proofs, outputs cashu.BlindedMessages, lookup KeysetLookup) error {
	inputTotal, err := proofs.Amount()
	if err != nil {
		return cashu.InternalErr(err)
	}
	outputTotal, err := outputs.Amount()
	if err != nil {
		return cashu.InternalErr(err)
	}

	feePpks := make([]uint64, len(proofs))
	for i, p := range proofs {
		ks, ok := lookup.Keyset(p.Id)
		if !ok {
			return cashu.KeysetNotFoundErr
		}
		feePpks[i] = ks.InputFeePpk
	}
	totalPpk, err := amount.SumValues(feePpks)
	if err != nil {
		return cashu.InternalErr(err)
	}
	fee := amount.Fee(totalPpk)

	expected, err := amount.Amount{Value: outputTotal}.Add(amount.Amount{Value: fee})
	if err != nil {
		return cashu.InternalErr(err)
	}

	if inputTotal != expected.Value {
		return cashu.TransactionUnbalancedErr
	}
	return nil
}

// VerifySpendingConditions runs §4.3 for every proof, dispatching on
// NUT-10 secret kind, and additionally enforces SIG_ALL rules across
// the whole input set when requested.
func VerifySpendingConditions(proofs cashu.Proofs, outputs cashu.BlindedMessages, allowSigAll bool) error {
	if nut11.ProofsSigAll(proofs) {
		if !allowSigAll {
			return nut11.SigAllOnlySwapErr
		}
		return verifySigAll(proofs, outputs)
	}

	for _, p := range proofs {
		if err := verifyOne(p); err != nil {
			return err
		}
	}
	return nil
}

func verifyOne(p cashu.Proof) error {
	switch nut10.SecretType(p) {
	case nut10.AnyoneCanSpend:
		return nil
	case nut10.P2PK:
		secret, err := nut10.DeserializeSecret(p.Secret)
		if err != nil {
			return err
		}
		return nut11.VerifyP2PKProof(p, secret)
	case nut10.HTLC:
		secret, err := nut10.DeserializeSecret(p.Secret)
		if err != nil {
			return err
		}
		return nut14.VerifyHTLCProof(p, secret)
	default:
		return nil
	}
}

// verifySigAll enforces that every input shares the same spending
// condition and validates the shared witness against the message
// binding the full output set.
func verifySigAll(proofs cashu.Proofs, outputs cashu.BlindedMessages) error {
	first, err := nut10.DeserializeSecret(proofs[0].Secret)
	if err != nil {
		return err
	}
	for _, p := range proofs[1:] {
		secret, err := nut10.DeserializeSecret(p.Secret)
		if err != nil {
			return err
		}
		if secret.Data != first.Data {
			return nut11.SigAllKeysMustBeEqualErr
		}
	}

	tags, err := nut11.ParseTags(first.Tags)
	if err != nil {
		return err
	}
	if tags.Locktime > 0 && time.Now().Unix() > tags.Locktime && len(tags.Refund) == 0 {
		return nil
	}

	pubkeys, err := nut11.PublicKeys(first)
	if err != nil {
		return err
	}
	nSigs := tags.NSigs
	if nSigs == 0 {
		nSigs = 1
	}

	var witness nut11.Witness
	if proofs[0].Witness == "" {
		return nut11.EmptyWitnessErr
	}
	if err := json.Unmarshal([]byte(proofs[0].Witness), &witness); err != nil {
		return nut11.InvalidWitnessErr
	}

	message := sigAllMessage(proofs, outputs)
	return nut11.VerifySigAllMessage(message, witness, nSigs, pubkeys)
}

// sigAllMessage builds the canonical message a SIG_ALL witness must
// cover: every input's (secret, C) followed by every output's
// (amount, B_), so the signature is bound to both the spent proofs and
// the exact output set.
func sigAllMessage(proofs cashu.Proofs, outputs cashu.BlindedMessages) []byte {
	var msg []byte
	for _, p := range proofs {
		msg = append(msg, []byte(p.Secret)...)
		msg = append(msg, []byte(p.C)...)
	}
	for _, o := range outputs {
		msg = append(msg, []byte(fmt.Sprintf("%d", o.Amount))...)
		msg = append(msg, []byte(o.B_)...)
	}
	return msg
}
