// Package signatory isolates key custody from the rest of the mint.
// It is the sole holder of keyset private keys; everything else talks
// to it through the Signatory interface, whether the implementation
// lives in the same process or behind an mTLS channel.
package signatory

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/nutvault/mint/amount"
	"github.com/nutvault/mint/cashu"
	"github.com/nutvault/mint/crypto"
)

// KeysetInfo is the public-facing description of a keyset, safe to
// hand to clients via /keys and /keysets.
type KeysetInfo struct {
	Id          string
	Unit        amount.Unit
	Active      bool
	InputFeePpk uint64
	PublicKeys  map[uint64]string // hex-encoded compressed pubkeys, by amount
}

// Signatory is the boundary the core uses to request blind signatures,
// verify proof ownership, publish keysets, and rotate keys. It never
// exposes a private key.
type Signatory interface {
	BlindSign(ctx context.Context, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error)
	VerifyProofs(ctx context.Context, proofs cashu.Proofs) error
	Keysets(ctx context.Context) ([]KeysetInfo, error)
	RotateKeyset(ctx context.Context, unit amount.Unit) (string, error)
}

// InProcess is a Signatory that runs in the same process, holding
// keyset private keys in memory. Active keysets are swapped atomically
// per unit so readers never observe a half-rotated state.
type InProcess struct {
	master *hdkeychain.ExtendedKey

	keysets atomic.Pointer[keysetTable]

	inputFeePpk uint64
	nextPathIdx atomic.Uint32
}

type keysetTable struct {
	byId   map[string]*crypto.MintKeyset
	active map[amount.Unit]string
}

func cloneTable(t *keysetTable) *keysetTable {
	clone := &keysetTable{
		byId:   make(map[string]*crypto.MintKeyset, len(t.byId)),
		active: make(map[amount.Unit]string, len(t.active)),
	}
	for k, v := range t.byId {
		clone.byId[k] = v
	}
	for k, v := range t.active {
		clone.active[k] = v
	}
	return clone
}

// NewInProcess derives one active keyset per unit in units from master
// and returns a ready Signatory.
func NewInProcess(master *hdkeychain.ExtendedKey, units []amount.Unit, inputFeePpk uint64) (*InProcess, error) {
	table := &keysetTable{byId: make(map[string]*crypto.MintKeyset), active: make(map[amount.Unit]string)}

	sig := &InProcess{master: master, inputFeePpk: inputFeePpk}
	for _, unit := range units {
		ks, err := crypto.GenerateKeyset(master, unit, 0, inputFeePpk)
		if err != nil {
			return nil, fmt.Errorf("generating keyset for unit %s: %w", unit, err)
		}
		table.byId[ks.Id] = ks
		table.active[unit] = ks.Id
	}
	sig.keysets.Store(table)
	return sig, nil
}

func (s *InProcess) BlindSign(ctx context.Context, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	table := s.keysets.Load()
	signatures := make(cashu.BlindedSignatures, 0, len(outputs))

	for _, out := range outputs {
		ks, ok := table.byId[out.Id]
		if !ok {
			return nil, fmt.Errorf("unknown keyset %s", out.Id)
		}
		if !ks.Active {
			return nil, fmt.Errorf("keyset %s is not active", out.Id)
		}
		key := ks.PrivateKeyForAmount(out.Amount)
		if key == nil {
			return nil, fmt.Errorf("keyset %s has no key for amount %d", out.Id, out.Amount)
		}

		B_, err := parsePubKeyHex(out.B_)
		if err != nil {
			return nil, fmt.Errorf("invalid B_: %w", err)
		}

		C_ := crypto.SignBlindedMessage(B_, key)

		e, sVal, err := crypto.GenerateDLEQ(key, key.PubKey(), B_, C_)
		if err != nil {
			return nil, fmt.Errorf("generating dleq proof: %w", err)
		}

		signatures = append(signatures, cashu.BlindedSignature{
			Amount: out.Amount,
			Id:     out.Id,
			C_:     hexPubKey(C_),
			DLEQ: &cashu.DLEQProof{
				E: hexPrivKey(e),
				S: hexPrivKey(sVal),
			},
		})
	}

	return signatures, nil
}

func (s *InProcess) VerifyProofs(ctx context.Context, proofs cashu.Proofs) error {
	table := s.keysets.Load()

	for _, p := range proofs {
		ks, ok := table.byId[p.Id]
		if !ok {
			return fmt.Errorf("unknown keyset %s", p.Id)
		}
		key := ks.PrivateKeyForAmount(p.Amount)
		if key == nil {
			return fmt.Errorf("keyset %s has no key for amount %d", p.Id, p.Amount)
		}

		C, err := parsePubKeyHex(p.C)
		if err != nil {
			return fmt.Errorf("invalid C: %w", err)
		}

		if !crypto.Verify([]byte(p.Secret), key, C) {
			return fmt.Errorf("invalid proof for secret %q", p.Secret)
		}
	}

	return nil
}

func (s *InProcess) Keysets(ctx context.Context) ([]KeysetInfo, error) {
	table := s.keysets.Load()
	out := make([]KeysetInfo, 0, len(table.byId))

	for id, ks := range table.byId {
		info := KeysetInfo{
			Id:          id,
			Unit:        ks.Unit,
			Active:      ks.Active,
			InputFeePpk: ks.InputFeePpk,
			PublicKeys:  make(map[uint64]string, len(ks.Keys)),
		}
		for amt, pair := range ks.Keys {
			info.PublicKeys[amt] = hexPubKey(pair.PublicKey)
		}
		out = append(out, info)
	}
	return out, nil
}

// RotateKeyset marks the current active keyset for unit inactive and
// derives a fresh one at the next derivation path index. Old keys are
// kept indefinitely so existing proofs can still be verified.
func (s *InProcess) RotateKeyset(ctx context.Context, unit amount.Unit) (string, error) {
	for {
		old := s.keysets.Load()
		next := cloneTable(old)

		nextIdx := s.nextPathIdx.Add(1)
		ks, err := crypto.GenerateKeyset(s.master, unit, nextIdx, s.inputFeePpk)
		if err != nil {
			return "", fmt.Errorf("generating keyset for unit %s: %w", unit, err)
		}

		if prevId, ok := next.active[unit]; ok {
			if prev, ok := next.byId[prevId]; ok {
				deactivated := *prev
				deactivated.Active = false
				next.byId[prevId] = &deactivated
			}
		}
		next.byId[ks.Id] = ks
		next.active[unit] = ks.Id

		if s.keysets.CompareAndSwap(old, next) {
			return ks.Id, nil
		}
	}
}

func parsePubKeyHex(s string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(raw)
}

func hexPubKey(pk *secp256k1.PublicKey) string {
	return hex.EncodeToString(pk.SerializeCompressed())
}

func hexPrivKey(k *secp256k1.PrivateKey) string {
	b := k.Serialize()
	return hex.EncodeToString(b[:])
}
