package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutvault/mint/amount"
)

// KeyPair is one (amount, secret/public key) entry of a keyset.
type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

// MintKeyset is one rotation epoch of signing keys for a single currency
// unit. It is created once at a derivation index, never mutated after
// creation except for the Active flag, and never destroyed: inactive
// keysets remain in memory so the signatory can keep verifying old
// proofs indefinitely.
type MintKeyset struct {
	Id                string
	Unit              amount.Unit
	Active            bool
	DerivationPathIdx uint32
	Keys              map[uint64]KeyPair
	InputFeePpk       uint64
}

// unitIndex maps a currency unit to its BIP32 path component, per
// m/0'/unit_index'/keyset_index'.
func unitIndex(unit amount.Unit) uint32 {
	switch unit {
	case amount.Sat:
		return 0
	case amount.Msat:
		return 1
	case amount.Usd:
		return 2
	case amount.Eur:
		return 3
	case amount.Auth:
		return 4
	default:
		return 0
	}
}

// DeriveKeysetPath derives the hardened child key at m/0'/unit_index'/index'
// from the mint's master extended key.
func DeriveKeysetPath(master *hdkeychain.ExtendedKey, unit amount.Unit, index uint32) (*hdkeychain.ExtendedKey, error) {
	zero, err := master.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}
	unitKey, err := zero.Derive(hdkeychain.HardenedKeyStart + unitIndex(unit))
	if err != nil {
		return nil, err
	}
	indexKey, err := unitKey.Derive(hdkeychain.HardenedKeyStart + index)
	if err != nil {
		return nil, err
	}
	return indexKey, nil
}

// GenerateKeyset derives a full MintKeyset (2^0 .. 2^(MaxOrder-1)
// denominations) for a given unit and derivation index.
func GenerateKeyset(master *hdkeychain.ExtendedKey, unit amount.Unit, index uint32, inputFeePpk uint64) (*MintKeyset, error) {
	derived, err := DeriveKeysetPath(master, unit, index)
	if err != nil {
		return nil, fmt.Errorf("deriving keyset path: %w", err)
	}

	keys := make(map[uint64]KeyPair, amount.MaxOrder)
	for i := 0; i < amount.MaxOrder; i++ {
		amountKey, err := derived.Derive(uint32(i))
		if err != nil {
			return nil, fmt.Errorf("deriving amount key %d: %w", i, err)
		}
		privKey, err := amountKey.ECPrivKey()
		if err != nil {
			return nil, err
		}

		denomination := uint64(1) << uint(i)
		keys[denomination] = KeyPair{
			PrivateKey: (*secp256k1.PrivateKey)(privKey),
			PublicKey:  (*secp256k1.PublicKey)(privKey.PubKey()),
		}
	}

	id := DeriveKeysetId(publicKeysOf(keys))

	return &MintKeyset{
		Id:                id,
		Unit:              unit,
		Active:            true,
		DerivationPathIdx: index,
		Keys:              keys,
		InputFeePpk:       inputFeePpk,
	}, nil
}

func publicKeysOf(keys map[uint64]KeyPair) map[uint64]*secp256k1.PublicKey {
	pubs := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amt, kp := range keys {
		pubs[amt] = kp.PublicKey
	}
	return pubs
}

// DeriveKeysetId computes the 16-character hex keyset identifier:
// "00" followed by the first 14 hex characters of
// sha256(concat(compressed pubkeys sorted by amount ascending)).
func DeriveKeysetId(keys map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keys))
	for a := range keys {
		amounts = append(amounts, a)
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] < amounts[j] })

	var concat []byte
	for _, a := range amounts {
		concat = append(concat, keys[a].SerializeCompressed()...)
	}

	hash := sha256.Sum256(concat)
	return "00" + hex.EncodeToString(hash[:])[:14]
}

// PublicKeys returns the public-key map of the keyset, suitable for
// publication via the keysets() signatory operation.
func (ks *MintKeyset) PublicKeys() map[uint64]*secp256k1.PublicKey {
	return publicKeysOf(ks.Keys)
}

// PrivateKeyForAmount returns the secret key for the given denomination,
// or nil if the keyset has no key at that amount.
func (ks *MintKeyset) PrivateKeyForAmount(value uint64) *secp256k1.PrivateKey {
	kp, ok := ks.Keys[value]
	if !ok {
		return nil
	}
	return kp.PrivateKey
}

// MnemonicToMasterKey derives the mint's BIP32 master extended key from a
// BIP-39 seed (already validated/expanded by the caller).
func MnemonicToMasterKey(seed []byte, net *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {
	return hdkeychain.NewMaster(seed, net)
}
