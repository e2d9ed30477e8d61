// Package nut11 implements the P2PK spending condition: proof secrets
// locked to one or more public keys, with optional locktime/refund and
// SIG_ALL transaction binding.
package nut11

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nutvault/mint/cashu"
	"github.com/nutvault/mint/cashu/nuts/nut10"
)

const (
	SIGFLAG  = "sigflag"
	NSIGS    = "n_sigs"
	PUBKEYS  = "pubkeys"
	LOCKTIME = "locktime"
	REFUND   = "refund"

	SIGINPUTS = "SIG_INPUTS"
	SIGALL    = "SIG_ALL"

	NUT11ErrCode cashu.CashuErrCode = 30001
)

var (
	InvalidTagErr            = cashu.BuildCashuError("invalid tag", NUT11ErrCode)
	TooManyTagsErr           = cashu.BuildCashuError("too many tags", NUT11ErrCode)
	NSigsMustBePositiveErr   = cashu.BuildCashuError("n_sigs must be a positive integer", NUT11ErrCode)
	EmptyWitnessErr          = cashu.BuildCashuError("witness cannot be empty", NUT11ErrCode)
	NoSignaturesErr          = cashu.BuildCashuError("no signatures provided in witness", NUT11ErrCode)
	InvalidWitnessErr        = cashu.BuildCashuError("invalid witness", NUT11ErrCode)
	DuplicateSignaturesErr   = cashu.BuildCashuError("duplicate signature in witness", NUT11ErrCode)
	NotEnoughSignaturesErr   = cashu.BuildCashuError("not enough valid signatures provided", NUT11ErrCode)
	SpendingConditionsNotMetErr = cashu.BuildCashuError("spending conditions not satisfied", NUT11ErrCode)
	AllSigAllFlagsErr        = cashu.BuildCashuError("all inputs must share the SIG_ALL flag", NUT11ErrCode)
	SigAllKeysMustBeEqualErr = cashu.BuildCashuError("all inputs must share the same spending condition for SIG_ALL", NUT11ErrCode)
	SigAllOnlySwapErr        = cashu.BuildCashuError("SIG_ALL can only be used in /swap", NUT11ErrCode)
)

// Witness is the JSON-encoded witness field of a P2PK-locked proof or
// output.
type Witness struct {
	Signatures []string `json:"signatures"`
}

// Tags is the parsed set of tags attached to a P2PK/HTLC well-known
// secret.
type Tags struct {
	Sigflag  string
	NSigs    int
	Pubkeys  []*btcec.PublicKey
	Locktime int64
	Refund   []*btcec.PublicKey
}

func ParseTags(tags [][]string) (*Tags, error) {
	if len(tags) > 5 {
		return nil, TooManyTagsErr
	}

	parsed := Tags{}

	for _, tag := range tags {
		if len(tag) < 2 {
			return nil, InvalidTagErr
		}
		switch tag[0] {
		case SIGFLAG:
			if tag[1] != SIGINPUTS && tag[1] != SIGALL {
				return nil, cashu.BuildCashuError(fmt.Sprintf("invalid sigflag: %v", tag[1]), NUT11ErrCode)
			}
			parsed.Sigflag = tag[1]
		case NSIGS:
			n, err := strconv.ParseInt(tag[1], 10, 16)
			if err != nil {
				return nil, cashu.BuildCashuError(fmt.Sprintf("invalid n_sigs value: %v", err), NUT11ErrCode)
			}
			if n < 0 {
				return nil, NSigsMustBePositiveErr
			}
			parsed.NSigs = int(n)
		case PUBKEYS:
			keys := make([]*btcec.PublicKey, 0, len(tag)-1)
			for _, k := range tag[1:] {
				pk, err := ParsePublicKey(k)
				if err != nil {
					return nil, err
				}
				keys = append(keys, pk)
			}
			parsed.Pubkeys = keys
		case LOCKTIME:
			lt, err := strconv.ParseInt(tag[1], 10, 64)
			if err != nil {
				return nil, cashu.BuildCashuError(fmt.Sprintf("invalid locktime: %v", err), NUT11ErrCode)
			}
			parsed.Locktime = lt
		case REFUND:
			keys := make([]*btcec.PublicKey, 0, len(tag)-1)
			for _, k := range tag[1:] {
				pk, err := ParsePublicKey(k)
				if err != nil {
					return nil, err
				}
				keys = append(keys, pk)
			}
			parsed.Refund = keys
		}
	}

	return &parsed, nil
}

// PublicKeys returns the full set of pubkeys allowed to sign the primary
// (non-refund) path: the secret's `data` key plus any `pubkeys` tag
// entries.
func PublicKeys(secret nut10.WellKnownSecret) ([]*btcec.PublicKey, error) {
	tags, err := ParseTags(secret.Tags)
	if err != nil {
		return nil, err
	}
	primary, err := ParsePublicKey(secret.Data)
	if err != nil {
		return nil, err
	}
	return append([]*btcec.PublicKey{primary}, tags.Pubkeys...), nil
}

func IsSecretP2PK(proof cashu.Proof) bool {
	return nut10.SecretType(proof) == nut10.P2PK
}

// IsSigAll reports whether a well-known secret's tags request SIG_ALL.
func IsSigAll(secret nut10.WellKnownSecret) bool {
	for _, tag := range secret.Tags {
		if len(tag) == 2 && tag[0] == SIGFLAG && tag[1] == SIGALL {
			return true
		}
	}
	return false
}

// ProofsSigAll reports whether at least one proof in the set requests
// SIG_ALL.
func ProofsSigAll(proofs cashu.Proofs) bool {
	for _, p := range proofs {
		secret, err := nut10.DeserializeSecret(p.Secret)
		if err != nil {
			continue
		}
		if IsSigAll(secret) {
			return true
		}
	}
	return false
}

// DuplicateSignatures reports whether the witness signature list
// contains a repeated signature.
func DuplicateSignatures(signatures []string) bool {
	seen := make(map[string]bool, len(signatures))
	for _, s := range signatures {
		if seen[s] {
			return true
		}
		seen[s] = true
	}
	return false
}

// HasValidSignatures checks whether at least Nsigs of the provided
// signatures verify against distinct entries of pubkeys. A pubkey may
// validate at most one signature.
func HasValidSignatures(hash []byte, signatures []string, nSigs int, pubkeys []*btcec.PublicKey) bool {
	remaining := slices.Clone(pubkeys)

	valid := 0
	for _, sigHex := range signatures {
		sig, err := ParseSignature(sigHex)
		if err != nil {
			continue
		}
		for i, pk := range remaining {
			if sig.Verify(hash, pk) {
				valid++
				remaining = slices.Delete(remaining, i, i+1)
				break
			}
		}
	}
	return valid >= nSigs
}

func ParsePublicKey(key string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("invalid public key: %v", err), NUT11ErrCode)
	}
	pk, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("invalid public key: %v", err), NUT11ErrCode)
	}
	return pk, nil
}

func ParseSignature(sig string) (*schnorr.Signature, error) {
	raw, err := hex.DecodeString(sig)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("invalid signature: %v", err), NUT11ErrCode)
	}
	parsed, err := schnorr.ParseSignature(raw)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("invalid signature: %v", err), NUT11ErrCode)
	}
	return parsed, nil
}
